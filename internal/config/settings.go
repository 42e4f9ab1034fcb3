package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// ErrMissingSetting is returned when a required environment variable is unset
var ErrMissingSetting = errors.New("missing required setting")

const (
	defaultConfigFile      = "./configs/automations.yaml"
	defaultAPIPort         = 8080
	defaultDiscoveryPrefix = "homeassistant"
	defaultStatePrefix     = "smartcontroller"
)

// MQTTSettings configures the derived sensor publisher. An empty Broker
// disables it.
type MQTTSettings struct {
	Broker          string
	ClientID        string
	Username        string
	Password        string
	DiscoveryPrefix string
	StatePrefix     string
}

// InfluxSettings configures decision telemetry. An empty URL disables it.
type InfluxSettings struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// Settings is the process configuration read from the environment
type Settings struct {
	HAURL           string
	HAToken         string
	ReadOnly        bool
	ConfigFile      string
	APIPort         int
	LogLevel        string
	TemperatureUnit string
	MQTT            MQTTSettings
	Influx          InfluxSettings
}

// LoadSettings reads a .env file if one exists, then the environment
func LoadSettings(logger *zap.Logger) (*Settings, error) {
	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables")
	}
	return settingsFromEnv(os.Getenv)
}

func settingsFromEnv(getenv func(string) string) (*Settings, error) {
	s := &Settings{
		HAURL:           getenv("HA_URL"),
		HAToken:         getenv("HA_TOKEN"),
		ReadOnly:        strings.EqualFold(getenv("READ_ONLY"), "true"),
		ConfigFile:      withDefault(getenv("CONFIG_FILE"), defaultConfigFile),
		APIPort:         defaultAPIPort,
		LogLevel:        withDefault(getenv("LOG_LEVEL"), "info"),
		TemperatureUnit: getenv("TEMPERATURE_UNIT"),
		MQTT: MQTTSettings{
			Broker:          getenv("MQTT_BROKER"),
			ClientID:        withDefault(getenv("MQTT_CLIENT_ID"), "smartcontroller"),
			Username:        getenv("MQTT_USERNAME"),
			Password:        getenv("MQTT_PASSWORD"),
			DiscoveryPrefix: withDefault(getenv("MQTT_DISCOVERY_PREFIX"), defaultDiscoveryPrefix),
			StatePrefix:     withDefault(getenv("MQTT_STATE_PREFIX"), defaultStatePrefix),
		},
		Influx: InfluxSettings{
			URL:    getenv("INFLUX_URL"),
			Token:  getenv("INFLUX_TOKEN"),
			Org:    getenv("INFLUX_ORG"),
			Bucket: getenv("INFLUX_BUCKET"),
		},
	}

	if s.HAURL == "" || s.HAToken == "" {
		return nil, fmt.Errorf("%w: HA_URL and HA_TOKEN must be set", ErrMissingSetting)
	}

	if raw := getenv("API_PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port < 0 || port > 65535 {
			return nil, fmt.Errorf("invalid API_PORT %q", raw)
		}
		s.APIPort = port
	}

	if s.Influx.URL != "" && (s.Influx.Org == "" || s.Influx.Bucket == "") {
		return nil, fmt.Errorf("%w: INFLUX_ORG and INFLUX_BUCKET are required with INFLUX_URL", ErrMissingSetting)
	}
	return s, nil
}

func withDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
