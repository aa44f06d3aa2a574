// Package notify forwards accepted suggestions to a local MQTT broker so
// other processes on the device (notification daemon, wearables bridge) can
// surface them.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/shelterlink/device-agent/internal/suggestion"
)

var log = logrus.WithField("component", "notify")

// Config holds MQTT publisher configuration
type Config struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	Topic          string // may contain {device_id}
	QoS            byte
	PublishTimeout time.Duration
}

// DefaultConfig returns default publisher configuration
func DefaultConfig() Config {
	return Config{
		ClientID:       "shelterlink-agent",
		Topic:          "shelterlink/{device_id}/suggestions",
		QoS:            1,
		PublishTimeout: 5 * time.Second,
	}
}

// Message is the JSON document published per batch
type Message struct {
	DeviceID    string                   `json:"device_id"`
	PublishedAt time.Time                `json:"published_at"`
	Suggestions []*suggestion.Suggestion `json:"suggestions"`
}

// Publisher publishes suggestion batches
type Publisher struct {
	client   mqtt.Client
	config   Config
	deviceID string
	topic    string
}

// Connect dials the broker and returns a publisher
func Connect(config Config, deviceID string) (*Publisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientID)
	opts.SetUsername(config.Username)
	opts.SetPassword(config.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.WithField("broker", config.Broker).Info("MQTT connection established")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.WithError(err).Warn("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return NewPublisher(client, config, deviceID), nil
}

// NewPublisher wraps an existing client
func NewPublisher(client mqtt.Client, config Config, deviceID string) *Publisher {
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = DefaultConfig().PublishTimeout
	}
	return &Publisher{
		client:   client,
		config:   config,
		deviceID: deviceID,
		topic:    formatTopic(config.Topic, deviceID),
	}
}

// Topic returns the resolved topic
func (p *Publisher) Topic() string {
	return p.topic
}

// Publish sends one message carrying the batch
func (p *Publisher) Publish(ctx context.Context, list []*suggestion.Suggestion) error {
	if len(list) == 0 {
		return nil
	}
	if !p.client.IsConnected() {
		return fmt.Errorf("mqtt client not connected")
	}

	payload, err := json.Marshal(Message{
		DeviceID:    p.deviceID,
		PublishedAt: time.Now().UTC(),
		Suggestions: list,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal suggestions: %w", err)
	}

	token := p.client.Publish(p.topic, p.config.QoS, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.config.PublishTimeout):
		return fmt.Errorf("publish to %s timed out after %s", p.topic, p.config.PublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish suggestions: %w", err)
	}

	log.WithFields(logrus.Fields{"topic": p.topic, "count": len(list)}).Debug("Published suggestions")
	return nil
}

// Close disconnects from the broker
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}

func formatTopic(pattern, deviceID string) string {
	return strings.ReplaceAll(pattern, "{device_id}", deviceID)
}
