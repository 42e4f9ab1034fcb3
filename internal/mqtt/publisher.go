package mqtt

import (
	"encoding/json"
	"fmt"
	"sync"

	"smartcontroller/internal/store"

	"go.uber.org/zap"
)

// messagePublisher is the part of Client the Publisher needs
type messagePublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// discoveryConfig is Home Assistant's MQTT discovery payload for a binary sensor
type discoveryConfig struct {
	Name              string `json:"name"`
	UniqueID          string `json:"unique_id"`
	ObjectID          string `json:"object_id"`
	StateTopic        string `json:"state_topic"`
	AvailabilityTopic string `json:"availability_topic,omitempty"`
	DeviceClass       string `json:"device_class,omitempty"`
	PayloadOn         string `json:"payload_on"`
	PayloadOff        string `json:"payload_off"`
}

// Publisher announces derived binary sensors and keeps their retained state
// current. States are remembered so they can be replayed after a reconnect.
type Publisher struct {
	client          messagePublisher
	discoveryPrefix string
	statePrefix     string
	logger          *zap.Logger

	mu        sync.Mutex
	announced map[store.EntityRef]bool
	names     map[store.EntityRef]string
	last      map[store.EntityRef]bool
}

// NewPublisher creates a publisher over client
func NewPublisher(client messagePublisher, discoveryPrefix, statePrefix string, logger *zap.Logger) *Publisher {
	return &Publisher{
		client:          client,
		discoveryPrefix: discoveryPrefix,
		statePrefix:     statePrefix,
		logger:          logger.Named("mqtt_publisher"),
		announced:       make(map[store.EntityRef]bool),
		names:           make(map[store.EntityRef]string),
		last:            make(map[store.EntityRef]bool),
	}
}

// AvailabilityTopic is where the client's online/offline status goes
func AvailabilityTopic(statePrefix string) string {
	return statePrefix + "/status"
}

func (p *Publisher) stateTopic(ref store.EntityRef) string {
	return fmt.Sprintf("%s/%s/%s/state", p.statePrefix, ref.Domain(), ref.ObjectID())
}

func (p *Publisher) configTopic(ref store.EntityRef) string {
	return fmt.Sprintf("%s/%s/%s/config", p.discoveryPrefix, ref.Domain(), ref.ObjectID())
}

// PublishBinarySensor announces ref on first use and publishes its state
func (p *Publisher) PublishBinarySensor(ref store.EntityRef, name string, on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.names[ref] = name
	p.last[ref] = on

	if !p.announced[ref] {
		if err := p.announceLocked(ref); err != nil {
			return err
		}
	}
	return p.publishStateLocked(ref, on)
}

// Republish replays discovery and every remembered state
func (p *Publisher) Republish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for ref, on := range p.last {
		if err := p.announceLocked(ref); err != nil {
			p.logger.Warn("Failed to re-announce sensor", zap.String("entity_id", string(ref)), zap.Error(err))
			continue
		}
		if err := p.publishStateLocked(ref, on); err != nil {
			p.logger.Warn("Failed to republish sensor state", zap.String("entity_id", string(ref)), zap.Error(err))
		}
	}
}

func (p *Publisher) announceLocked(ref store.EntityRef) error {
	payload, err := json.Marshal(discoveryConfig{
		Name:              p.names[ref],
		UniqueID:          p.statePrefix + "_" + ref.ObjectID(),
		ObjectID:          ref.ObjectID(),
		StateTopic:        p.stateTopic(ref),
		AvailabilityTopic: AvailabilityTopic(p.statePrefix),
		DeviceClass:       "occupancy",
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
	})
	if err != nil {
		return fmt.Errorf("failed to encode discovery config: %w", err)
	}
	if err := p.client.Publish(p.configTopic(ref), payload, 1, true); err != nil {
		return fmt.Errorf("failed to announce %s: %w", ref, err)
	}
	p.announced[ref] = true
	p.logger.Info("Announced derived sensor", zap.String("entity_id", string(ref)))
	return nil
}

func (p *Publisher) publishStateLocked(ref store.EntityRef, on bool) error {
	payload := "OFF"
	if on {
		payload = "ON"
	}
	if err := p.client.Publish(p.stateTopic(ref), []byte(payload), 1, true); err != nil {
		return fmt.Errorf("failed to publish %s: %w", ref, err)
	}
	return nil
}
