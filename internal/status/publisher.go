// Package status publishes probe outcomes to an MQTT topic for external
// dashboards. Publication is best effort and never affects routing.
package status

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/lemonhall/ai-gateway/internal/prober"
)

// Config holds the MQTT connection settings.
type Config struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"` // e.g. tcp://192.168.50.233:1883
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// payload mirrors the wire format consumed by the status dashboard.
type payload struct {
	Provider     string   `json:"provider"`
	Online       bool     `json:"online"`
	ResponseTime *float64 `json:"response_time"`
	Error        *string  `json:"error"`
	Timestamp    int64    `json:"timestamp"`
}

// Publisher sends probe outcomes to a single MQTT topic.
type Publisher struct {
	client mqtt.Client
	topic  string
	logger *logrus.Logger
}

// NewPublisher connects to the broker and returns a ready publisher.
func NewPublisher(cfg Config, logger *logrus.Logger) (*Publisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetConnectTimeout(10 * time.Second).
		SetAutoReconnect(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.OnConnect = func(mqtt.Client) {
		logger.WithField("broker", cfg.Broker).Info("Connected to MQTT broker")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.WithError(err).Warn("MQTT connection lost")
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connect to MQTT broker %s: timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to MQTT broker %s: %w", cfg.Broker, err)
	}

	return &Publisher{
		client: client,
		topic:  cfg.Topic,
		logger: logger,
	}, nil
}

// RecordProbe implements prober.Sink.
func (p *Publisher) RecordProbe(res prober.Result) {
	msg := payload{
		Provider:  res.Provider,
		Online:    res.Online,
		Timestamp: res.Timestamp.Unix(),
	}
	if res.Online {
		rt := res.ResponseTimeMS
		msg.ResponseTime = &rt
	}
	if res.Error != "" {
		errText := res.Error
		msg.Error = &errText
	}

	data, err := json.Marshal(msg)
	if err != nil {
		p.logger.WithError(err).Error("Failed to encode status payload")
		return
	}

	token := p.client.Publish(p.topic, 0, false, data)
	go func() {
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			p.logger.WithError(token.Error()).Warn("Failed to publish provider status")
		}
	}()
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}
