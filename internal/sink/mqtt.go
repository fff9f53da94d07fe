package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/skobkin/devbridge/internal/bus"
	"github.com/skobkin/devbridge/internal/connectors"
	"github.com/skobkin/devbridge/internal/protocol"
)

const (
	publishTimeout = 5 * time.Second
	// maxPendingAcks bounds the goroutines watching unacknowledged publishes.
	maxPendingAcks = 64
)

// MQTTClient is the subset of the paho client the mirror uses.
type MQTTClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
}

// NewPahoClient builds an auto-reconnecting paho client for cfg.
func NewPahoClient(cfg MQTTConfig, logger *slog.Logger) mqtt.Client {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("mqtt connected", "broker", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "broker", cfg.Broker, "error", err)
	})

	return mqtt.NewClient(opts)
}

// MQTTMirror republishes the observer stream and link status to a broker.
// Envelopes go to <topic>/<type>; link status is retained on <topic>/status.
type MQTTMirror struct {
	client MQTTClient
	topic  string
	qos    byte
	logger *slog.Logger
	acks   chan struct{}
}

func NewMQTTMirror(client MQTTClient, cfg MQTTConfig, logger *slog.Logger) *MQTTMirror {
	return &MQTTMirror{
		client: client,
		topic:  strings.TrimSuffix(cfg.Topic, "/"),
		qos:    cfg.QoS,
		logger: logger,
		acks:   make(chan struct{}, maxPendingAcks),
	}
}

func (m *MQTTMirror) Connect() error {
	token := m.client.Connect()
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt connect: timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	return nil
}

func (m *MQTTMirror) Handle(msg any) {
	switch ev := msg.(type) {
	case connectors.DeviceLine:
		if line, ok := protocol.ForObserver(ev.Text); ok {
			m.publishEnvelope(connectors.EventStdout, line)
		}
	case connectors.ObserverEvent:
		m.publishEnvelope(ev.Type, ev.Data)
	case connectors.LinkStatus:
		payload, err := json.Marshal(linkStatusPayload{
			State:     string(ev.State),
			Transport: ev.TransportName,
			Target:    ev.Target,
			Error:     ev.Err,
			At:        ev.Timestamp.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			m.logger.Error("encode link status failed", "error", err)

			return
		}
		m.publish(m.topic+"/status", true, payload)
	}
}

// Start mirrors bus events until ctx is done, then disconnects.
func (m *MQTTMirror) Start(ctx context.Context, b bus.MessageBus) {
	sub := b.Subscribe(connectors.TopicDeviceOutput, connectors.TopicLinkStatus)
	go func() {
		defer m.client.Disconnect(250)
		bus.Consume(ctx, b, sub, m.Handle)
	}()
}

type envelope struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type linkStatusPayload struct {
	State     string `json:"state"`
	Transport string `json:"transport"`
	Target    string `json:"target,omitempty"`
	Error     string `json:"error,omitempty"`
	At        string `json:"at"`
}

func (m *MQTTMirror) publishEnvelope(kind, data string) {
	payload, err := json.Marshal(envelope{Type: kind, Data: data})
	if err != nil {
		m.logger.Error("encode envelope failed", "error", err)

		return
	}
	m.publish(m.topic+"/"+kind, false, payload)
}

// publish hands payload to the client without waiting for the broker.
// Delivery results are logged from a bounded set of watchers.
func (m *MQTTMirror) publish(topic string, retained bool, payload []byte) {
	token := m.client.Publish(topic, m.qos, retained, payload)
	select {
	case m.acks <- struct{}{}:
	default:
		m.logger.Debug("mqtt publish not tracked", "topic", topic)

		return
	}

	go func() {
		defer func() { <-m.acks }()
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case <-token.Done():
			if err := token.Error(); err != nil {
				m.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
			}
		case <-timer.C:
			m.logger.Warn("mqtt publish timed out", "topic", topic)
		}
	}()
}
