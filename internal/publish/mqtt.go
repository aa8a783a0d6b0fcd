package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/loykin/warden/internal/health"
)

const (
	mqttConnectTimeout = 10 * time.Second
	mqttPublishTimeout = 5 * time.Second
	mqttQuiesceMillis  = 250
)

// MQTTConfig selects the broker and topic for report publishing.
type MQTTConfig struct {
	Broker   string `mapstructure:"broker"` // tcp://host:1883 or ssl://host:8883
	ClientID string `mapstructure:"client_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Topic    string `mapstructure:"topic"`
	QoS      byte   `mapstructure:"qos"`
}

// mqttClient is the part of pahomqtt.Client the publisher uses.
type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Disconnect(quiesce uint)
}

// MQTTPublisher publishes the report document retained to Topic and each
// check to Topic/checks/<name>.
type MQTTPublisher struct {
	client mqttClient
	topic  string
	qos    byte
}

// NewMQTTPublisher connects to the broker. The client reconnects on its own
// after the initial connection.
func NewMQTTPublisher(cfg MQTTConfig) (*MQTTPublisher, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt: broker not configured")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("mqtt: invalid qos %d", cfg.QoS)
	}
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(mqttConnectTimeout)

	c := pahomqtt.NewClient(opts)
	tok := c.Connect()
	if !tok.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("mqtt: connect to %s: timeout after %v", cfg.Broker, mqttConnectTimeout)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", cfg.Broker, err)
	}
	return newMQTTPublisher(c, cfg), nil
}

func newMQTTPublisher(c mqttClient, cfg MQTTConfig) *MQTTPublisher {
	topic := cfg.Topic
	if topic == "" {
		topic = "warden/health"
	}
	return &MQTTPublisher{client: c, topic: topic, qos: cfg.QoS}
}

type checkMessage struct {
	Name    string         `json:"name"`
	Status  health.Status  `json:"status"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func (p *MQTTPublisher) Publish(ctx context.Context, r *health.Report) error {
	if r == nil {
		return nil
	}
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("mqtt: encode report: %w", err)
	}
	if err := p.send(ctx, p.topic, doc); err != nil {
		return err
	}
	for _, res := range r.Results() {
		b, err := json.Marshal(checkMessage{Name: res.Name, Status: res.Status, Message: res.Message, Data: res.Data})
		if err != nil {
			return fmt.Errorf("mqtt: encode check %s: %w", res.Name, err)
		}
		if err := p.send(ctx, p.topic+"/checks/"+res.Name, b); err != nil {
			return err
		}
	}
	return nil
}

func (p *MQTTPublisher) send(ctx context.Context, topic string, payload []byte) error {
	tok := p.client.Publish(topic, p.qos, true, payload)
	t := time.NewTimer(mqttPublishTimeout)
	defer t.Stop()
	select {
	case <-tok.Done():
	case <-t.C:
		return fmt.Errorf("mqtt: publish %s: timeout after %v", topic, mqttPublishTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt: publish %s: %w", topic, err)
	}
	return nil
}

func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(mqttQuiesceMillis)
	return nil
}
