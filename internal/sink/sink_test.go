package sink

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skobkin/devbridge/internal/connectors"
)

func TestConsoleProjection(t *testing.T) {
	var out, errOut bytes.Buffer
	c := NewConsole(&out, &errOut)

	c.Handle(connectors.DeviceLine{Text: "booting"})
	c.Handle(connectors.DeviceLine{Text: "$$CMD_BUTTON:read$$"})
	c.Handle(connectors.DeviceLine{Text: "$$CMD_FS_LIST:/:200$$"})
	c.Handle(connectors.ObserverEvent{Type: connectors.EventStdout, Data: "$$CMD_DISPLAY:AAAA$$"})
	c.Handle(connectors.ObserverEvent{Type: connectors.EventInfo, Data: "waiting"})
	c.Handle(connectors.ObserverEvent{Type: connectors.EventStderr, Data: "lost"})

	assert.Equal(t, "booting\n[bridge] received command: FS_LIST\nwaiting\n", out.String())
	assert.Equal(t, "lost\n", errOut.String())
}

type fakeToken struct {
	err     error
	pending bool
}

func (t *fakeToken) Wait() bool {
	if t.pending {
		select {}
	}

	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	if t.pending {
		time.Sleep(d)

		return false
	}

	return true
}

func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	if !t.pending {
		close(ch)
	}

	return ch
}
func (t *fakeToken) Error() error { return t.err }

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakeClient struct {
	connectErr error
	unacked    bool
	published  []published
}

func (c *fakeClient) Connect() mqtt.Token { return &fakeToken{err: c.connectErr} }
func (c *fakeClient) Disconnect(uint)     {}
func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	c.published = append(c.published, published{topic: topic, retained: retained, payload: payload.([]byte)})

	return &fakeToken{pending: c.unacked}
}

func TestMQTTMirrorPublishes(t *testing.T) {
	client := &fakeClient{}
	m := NewMQTTMirror(client, MQTTConfig{Topic: "devbridge/"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, m.Connect())

	m.Handle(connectors.DeviceLine{Text: "hello"})
	m.Handle(connectors.DeviceLine{Text: "$$CMD_BUTTON:read$$"})
	m.Handle(connectors.ObserverEvent{Type: connectors.EventInfo, Data: "waiting"})
	m.Handle(connectors.LinkStatus{State: connectors.LinkStateConnected, TransportName: "serial", Timestamp: time.Unix(0, 0)})

	require.Len(t, client.published, 3)
	assert.Equal(t, "devbridge/stdout", client.published[0].topic)
	assert.JSONEq(t, `{"type":"stdout","data":"hello"}`, string(client.published[0].payload))
	assert.Equal(t, "devbridge/info", client.published[1].topic)

	status := client.published[2]
	assert.Equal(t, "devbridge/status", status.topic)
	assert.True(t, status.retained)
	var decoded map[string]string
	require.NoError(t, json.Unmarshal(status.payload, &decoded))
	assert.Equal(t, "connected", decoded["state"])
}

func TestMQTTMirrorConnectError(t *testing.T) {
	m := NewMQTTMirror(&fakeClient{connectErr: errors.New("refused")}, MQTTConfig{Topic: "x"}, slog.Default())
	assert.Error(t, m.Connect())
}

func TestMQTTMirrorDoesNotWaitForBroker(t *testing.T) {
	client := &fakeClient{unacked: true}
	m := NewMQTTMirror(client, MQTTConfig{Topic: "devbridge"}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 300; i++ {
			m.Handle(connectors.DeviceLine{Text: "line"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("mirror blocked on unacknowledged publishes")
	}
	assert.Len(t, client.published, 300)
	assert.LessOrEqual(t, len(m.acks), maxPendingAcks)
}
