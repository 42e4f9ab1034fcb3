package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"smartcontroller/internal/api"
	"smartcontroller/internal/automation"
	"smartcontroller/internal/clock"
	"smartcontroller/internal/config"
	"smartcontroller/internal/dispatch"
	"smartcontroller/internal/engine"
	"smartcontroller/internal/ha"
	"smartcontroller/internal/metrics"
	"smartcontroller/internal/mqtt"
	"smartcontroller/internal/shadowstate"
	"smartcontroller/internal/store"
	"smartcontroller/internal/timer"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// Initialize logger
	bootstrap, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	settings, err := config.LoadSettings(bootstrap)
	if err != nil {
		bootstrap.Fatal("Invalid settings", zap.Error(err))
	}

	logger, err := newLogger(settings.LogLevel)
	if err != nil {
		bootstrap.Fatal("Failed to create logger", zap.Error(err))
	}
	defer logger.Sync()

	logger.Info("Starting smart controller",
		zap.String("url", settings.HAURL),
		zap.Bool("read_only", settings.ReadOnly),
		zap.String("config_file", settings.ConfigFile))

	// Load and validate automations before touching Home Assistant
	loader := config.NewLoader(settings.ConfigFile, settings.TemperatureUnit, logger)
	file, err := loader.Load()
	if err != nil {
		logger.Fatal("Invalid automations", zap.Error(err))
	}

	// Create HA client
	client := ha.NewClient(settings.HAURL, settings.HAToken, logger)
	if err := client.Connect(); err != nil {
		logger.Fatal("Failed to connect to Home Assistant", zap.Error(err))
	}
	defer client.Disconnect()

	logger.Info("Connected to Home Assistant")

	clk := clock.NewRealClock()
	st := store.New(clk, logger)
	defer st.Close()

	client.SetOnReconnect(func() {
		if err := st.Resync(client); err != nil {
			logger.Error("Failed to resync after reconnect", zap.Error(err))
		}
	})

	if settings.ReadOnly {
		logger.Info("Running in READ-ONLY mode - no commands will be sent to Home Assistant")
	}

	timers := timer.NewService(clk, logger)
	defer timers.Stop()

	publisher, closePublisher := connectPublisher(settings.MQTT, logger)
	defer closePublisher()

	recorder := connectMetrics(settings.Influx, logger)
	defer func() {
		if err := recorder.Close(); err != nil {
			logger.Warn("Failed to close metrics recorder", zap.Error(err))
		}
	}()

	deps := engine.Deps{
		Store:         st,
		Dispatcher:    dispatch.New(client, st, clk, logger, settings.ReadOnly),
		Timers:        timers,
		Clock:         clk,
		Logger:        logger,
		Shadow:        shadowstate.NewTracker(),
		Subscriptions: shadowstate.NewSubscriptionRegistry(),
		Metrics:       recorder,
		Publisher:     publisher,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := newRunner(ctx, deps, client, logger)
	if err := r.start(file); err != nil {
		logger.Fatal("Failed to start automations", zap.Error(err))
	}
	defer r.stop()

	if settings.APIPort > 0 {
		server := api.NewServer(st, r, deps.Shadow, deps.Subscriptions, client, settings.ReadOnly, logger, settings.APIPort)
		if err := server.Start(); err != nil {
			logger.Fatal("Failed to start HTTP API server", zap.Error(err))
		}
		defer server.Stop()
	}

	// Setup signal handling: SIGHUP reloads, SIGINT/SIGTERM shut down
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	logger.Info("Application running. Press Ctrl+C to exit.")

	for sig := range sigChan {
		if sig != syscall.SIGHUP {
			break
		}
		logger.Info("Reloading automations")
		next, err := loader.Load()
		if err != nil {
			logger.Error("Reload rejected, keeping current automations", zap.Error(err))
			continue
		}
		if err := r.start(next); err != nil {
			logger.Error("Failed to restart automations", zap.Error(err))
		}
	}

	logger.Info("Shutting down gracefully...")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// connectPublisher returns the MQTT publisher when a broker is configured.
// A broker that cannot be reached is logged and skipped.
func connectPublisher(s config.MQTTSettings, logger *zap.Logger) (automation.SensorPublisher, func()) {
	if s.Broker == "" {
		return automation.NopPublisher{}, func() {}
	}

	client, err := mqtt.Connect(mqtt.Options{
		Broker:            s.Broker,
		ClientID:          s.ClientID,
		Username:          s.Username,
		Password:          s.Password,
		AvailabilityTopic: mqtt.AvailabilityTopic(s.StatePrefix),
	}, logger)
	if err != nil {
		logger.Error("MQTT unavailable, derived sensors stay local", zap.Error(err))
		return automation.NopPublisher{}, func() {}
	}

	publisher := mqtt.NewPublisher(client, s.DiscoveryPrefix, s.StatePrefix, logger)
	client.SetOnConnect(publisher.Republish)
	return publisher, func() {
		if err := client.Close(); err != nil {
			logger.Warn("Failed to close MQTT client", zap.Error(err))
		}
	}
}

// connectMetrics returns the InfluxDB recorder when a URL is configured
func connectMetrics(s config.InfluxSettings, logger *zap.Logger) metrics.Recorder {
	if s.URL == "" {
		return metrics.NopRecorder{}
	}
	recorder, err := metrics.ConnectInflux(s.URL, s.Token, s.Org, s.Bucket, logger)
	if err != nil {
		logger.Error("InfluxDB unavailable, decisions will not be recorded", zap.Error(err))
		return metrics.NopRecorder{}
	}
	return recorder
}
