package mqtt

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

const (
	opTimeout = 5 * time.Second
	qos       = byte(1)
)

// Handler receives the topic and payload of an inbound message.
type Handler func(topic string, payload []byte)

// Client wraps the paho client. Subscriptions are remembered and replayed
// after a reconnect since sessions are not persistent.
type Client struct {
	client mqtt.Client
	topics Topics
	logger *logrus.Logger

	mu   sync.Mutex
	subs map[string]Handler
}

// BrokerURL maps the user-facing scheme onto what paho expects and reports
// whether TLS is needed.
func BrokerURL(raw string) (string, bool, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("invalid MQTT URL: %w", err)
	}
	switch parsed.Scheme {
	case "ws":
		return raw, false, nil
	case "wss":
		return raw, true, nil
	case "mqtt", "tcp":
		return "tcp://" + strings.SplitN(raw, "://", 2)[1], false, nil
	case "mqtts", "ssl", "tls":
		return "ssl://" + strings.SplitN(raw, "://", 2)[1], true, nil
	default:
		return "", false, fmt.Errorf("unsupported protocol scheme: %s (supported: ws, wss, mqtt, mqtts)", parsed.Scheme)
	}
}

// NewClient connects to the broker at mqttURL. The availability topic is
// registered as last will so Home Assistant marks the entities offline if
// the process dies.
func NewClient(mqttURL, deviceID string, logger *logrus.Logger) (*Client, error) {
	broker, secure, err := BrokerURL(mqttURL)
	if err != nil {
		return nil, err
	}
	parsed, _ := url.Parse(mqttURL)

	c := &Client{
		topics: NewTopics(deviceID),
		logger: logger,
		subs:   make(map[string]Handler),
	}
	clientID := fmt.Sprintf("ev-tracker-%s", deviceID)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(time.Second)
	opts.SetConnectTimeout(opTimeout)
	opts.SetMaxReconnectInterval(10 * time.Second)
	opts.SetWill(c.topics.Availability(), "offline", qos, true)
	if secure {
		// self-signed brokers are the norm on home networks
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
	}
	if parsed.User != nil {
		opts.SetUsername(parsed.User.Username())
		password, _ := parsed.User.Password()
		opts.SetPassword(password)
	}

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.WithError(err).Warn("MQTT connection lost")
	})
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		logger.Debug("MQTT reconnecting...")
	})
	firstConnect := true
	opts.SetOnConnectHandler(func(mqtt.Client) {
		if firstConnect {
			firstConnect = false
			logger.Debug("MQTT connected")
			return
		}
		logger.Info("MQTT reconnected")
		go c.resubscribe()
	})

	c.client = mqtt.NewClient(opts)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	logger.WithFields(logrus.Fields{
		"broker":    cleanURL(mqttURL),
		"protocol":  parsed.Scheme,
		"client_id": clientID,
	}).Info("MQTT client connected")
	return c, nil
}

// Publish waits at most opTimeout for the broker to acknowledge.
func (c *Client) Publish(topic string, payload []byte, retained bool) error {
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(opTimeout) {
		return fmt.Errorf("publish to topic %s timed out after %s", topic, opTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}
	c.logger.WithFields(logrus.Fields{
		"topic":    topic,
		"size":     len(payload),
		"retained": retained,
	}).Debug("Published MQTT message")
	return nil
}

func (c *Client) Subscribe(topic string, h Handler) error {
	if err := c.subscribe(topic, h); err != nil {
		return err
	}
	c.mu.Lock()
	c.subs[topic] = h
	c.mu.Unlock()
	return nil
}

func (c *Client) subscribe(topic string, h Handler) error {
	token := c.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		h(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(opTimeout) {
		return fmt.Errorf("subscribe to topic %s timed out after %s", topic, opTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}
	c.logger.WithField("topic", topic).Debug("Subscribed to MQTT topic")
	return nil
}

func (c *Client) resubscribe() {
	c.mu.Lock()
	subs := make(map[string]Handler, len(c.subs))
	for t, h := range c.subs {
		subs[t] = h
	}
	c.mu.Unlock()

	for topic, h := range subs {
		if err := c.subscribe(topic, h); err != nil {
			c.logger.WithError(err).WithField("topic", topic).Warn("MQTT resubscribe failed")
		}
	}
}

func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Disconnect marks the device offline and closes the connection.
func (c *Client) Disconnect(quiesce uint) {
	if c.client.IsConnected() {
		if err := c.Publish(c.topics.Availability(), []byte("offline"), true); err != nil {
			c.logger.WithError(err).Debug("MQTT offline notice failed")
		}
	}
	c.client.Disconnect(quiesce)
	c.logger.Debug("MQTT client disconnected")
}

func (c *Client) Topics() Topics { return c.topics }

// cleanURL removes credentials from URL for logging
func cleanURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if parsed.User != nil {
		parsed.User = url.UserPassword("***", "***")
	}
	return parsed.String()
}
