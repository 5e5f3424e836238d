package transmission

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/jkaberg/ev-charge-tracker/internal/metrics"
	"github.com/jkaberg/ev-charge-tracker/internal/mqtt"
	"github.com/sirupsen/logrus"
)

// Publisher is the part of the MQTT client the transmitter needs.
type Publisher interface {
	Publish(topic string, payload []byte, retained bool) error
	IsConnected() bool
}

// MQTTTransmitter publishes metrics as one retained JSON state document plus
// Home Assistant discovery configs for every metric.
type MQTTTransmitter struct {
	client          Publisher
	topics          mqtt.Topics
	discoveryPrefix string
	defs            []metrics.Definition
	version         string
	logger          *logrus.Logger
	published       map[string]bool
	rediscover      atomic.Bool
}

// HADiscoveryConfig represents Home Assistant MQTT discovery configuration
type HADiscoveryConfig struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	ObjectID          string   `json:"object_id,omitempty"`
	StateTopic        string   `json:"state_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	Icon              string   `json:"icon,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	Device            HADevice `json:"device"`
}

// HADevice represents the device information for Home Assistant
type HADevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Model        string   `json:"model"`
	Manufacturer string   `json:"manufacturer"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

func NewMQTTTransmitter(client Publisher, topics mqtt.Topics, discoveryPrefix string, defs []metrics.Definition, version string, logger *logrus.Logger) *MQTTTransmitter {
	return &MQTTTransmitter{
		client:          client,
		topics:          topics,
		discoveryPrefix: discoveryPrefix,
		defs:            defs,
		version:         version,
		logger:          logger,
		published:       make(map[string]bool),
	}
}

func (t *MQTTTransmitter) device() HADevice {
	return HADevice{
		Identifiers:  []string{fmt.Sprintf("%s_%s", mqtt.BaseTopic, t.topics.DeviceID)},
		Name:         "EV Charge Tracker",
		Model:        "Charge Tracker",
		Manufacturer: "ev-charge-tracker",
		SWVersion:    t.version,
	}
}

func (t *MQTTTransmitter) discoveryConfig(def metrics.Definition) HADiscoveryConfig {
	cfg := HADiscoveryConfig{
		Name:              def.DisplayName,
		UniqueID:          fmt.Sprintf("%s_%s", t.topics.DeviceID, def.Name),
		ObjectID:          fmt.Sprintf("%s_%s", mqtt.BaseTopic, def.Name),
		StateTopic:        t.topics.State(),
		ValueTemplate:     fmt.Sprintf("{{ value_json.%s }}", def.Name),
		DeviceClass:       def.DeviceClass,
		Icon:              def.Icon,
		AvailabilityTopic: t.topics.Availability(),
		Device:            t.device(),
	}
	if def.Kind == metrics.KindBinarySensor {
		cfg.PayloadOn, cfg.PayloadOff = "ON", "OFF"
		return cfg
	}
	cfg.UnitOfMeasurement = def.Unit
	cfg.StateClass = def.StateClass
	return cfg
}

// publishDiscoveryConfigs publishes any discovery config not yet sent on
// this connection.
func (t *MQTTTransmitter) publishDiscoveryConfigs() {
	if t.rediscover.Swap(false) {
		t.published = make(map[string]bool)
	}
	for _, def := range t.defs {
		if t.published[def.Name] {
			continue
		}
		topic := t.topics.Discovery(t.discoveryPrefix, string(def.Kind), def.Name)
		payload, err := json.Marshal(t.discoveryConfig(def))
		if err != nil {
			t.logger.WithError(err).WithField("metric", def.Name).Error("Failed to marshal discovery config")
			continue
		}
		if err := t.client.Publish(topic, payload, true); err != nil {
			t.logger.WithError(err).WithField("metric", def.Name).Error("Failed to publish discovery config")
			continue
		}
		t.published[def.Name] = true
		t.logger.WithFields(logrus.Fields{
			"metric": def.Name,
			"topic":  topic,
		}).Debug("Published discovery config")
	}
}

// BuildStatePayload renders metrics as the JSON state document. Metrics
// without data are sent as null so Home Assistant shows them as unknown.
func BuildStatePayload(ms []metrics.Metric) ([]byte, error) {
	state := make(map[string]interface{}, len(ms))
	for _, m := range ms {
		switch {
		case m.Kind == metrics.KindBinarySensor:
			if m.On != nil && *m.On {
				state[m.Name] = "ON"
			} else {
				state[m.Name] = "OFF"
			}
		case m.Value != nil:
			state[m.Name] = *m.Value
		default:
			state[m.Name] = nil
		}
	}
	return json.Marshal(state)
}

// Transmit publishes discovery (first time only), state and availability.
func (t *MQTTTransmitter) Transmit(ms []metrics.Metric) error {
	if !t.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	t.publishDiscoveryConfigs()

	payload, err := BuildStatePayload(ms)
	if err != nil {
		return fmt.Errorf("failed to build state payload: %w", err)
	}
	if err := t.client.Publish(t.topics.State(), payload, true); err != nil {
		return fmt.Errorf("failed to publish state: %w", err)
	}
	if err := t.client.Publish(t.topics.Availability(), []byte("online"), true); err != nil {
		return fmt.Errorf("failed to publish availability: %w", err)
	}

	t.logger.WithField("metrics", len(ms)).Debug("Metrics transmitted")
	return nil
}

// ResetDiscovery makes the next Transmit resend every discovery config,
// e.g. after Home Assistant restarts and announces itself on its status
// topic. Safe to call from any goroutine.
func (t *MQTTTransmitter) ResetDiscovery() {
	t.rediscover.Store(true)
}

func (t *MQTTTransmitter) IsConnected() bool {
	return t.client.IsConnected()
}
