package observer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skobkin/devbridge/internal/bus"
	"github.com/skobkin/devbridge/internal/connectors"
	"github.com/skobkin/devbridge/internal/devicestate"
)

type fakeObserver struct {
	id   string
	fail bool

	mu     sync.Mutex
	sent   []Envelope
	closed bool
}

func (f *fakeObserver) ID() string { return f.id }

func (f *fakeObserver) Send(payload []byte) error {
	if f.fail {
		return errors.New("broken pipe")
	}
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, env)
	f.mu.Unlock()

	return nil
}

func (f *fakeObserver) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()

	return nil
}

func (f *fakeObserver) envelopes() []Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]Envelope(nil), f.sent...)
}

type fakeInput struct {
	accept bool
	got    []string
}

func (f *fakeInput) SubmitInput(text string) bool {
	f.got = append(f.got, text)

	return f.accept
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHub(input InputSink) (*Hub, *devicestate.State) {
	state := devicestate.New()

	return NewHub(HubConfig{State: state, Input: input, Logger: discardLogger(), Greeting: "hello"}), state
}

func TestBroadcastPrunesFailingObserver(t *testing.T) {
	hub, _ := newTestHub(nil)
	healthy := &fakeObserver{id: "healthy"}
	broken := &fakeObserver{id: "broken"}
	hub.observers[healthy.id] = healthy
	hub.observers[broken.id] = broken

	hub.Broadcast(connectors.EventStdout, "line")

	assert.Equal(t, 1, hub.Count())
	assert.Equal(t, []Envelope{{Type: "stdout", Data: "line"}}, healthy.envelopes())
	assert.True(t, broken.closed)
	assert.False(t, healthy.closed)
}

func TestBroadcastWithoutObserversIsNoop(t *testing.T) {
	hub, _ := newTestHub(nil)

	hub.Broadcast(connectors.EventInfo, "nobody")
	assert.Equal(t, 0, hub.Count())
}

func TestJoinSendsGreetingAndCachedDisplay(t *testing.T) {
	hub, state := newTestHub(nil)

	first := &fakeObserver{id: "first"}
	require.True(t, hub.Join(first))
	assert.Equal(t, []Envelope{{Type: "info", Data: "hello"}}, first.envelopes())

	state.SetDisplay("QUJD")
	second := &fakeObserver{id: "second"}
	require.True(t, hub.Join(second))
	assert.Equal(t, []Envelope{
		{Type: "info", Data: "hello"},
		{Type: "stdout", Data: "$$CMD_DISPLAY:QUJD$$"},
	}, second.envelopes())
	assert.Equal(t, 2, hub.Count())

	hub.Leave("first")
	assert.Equal(t, 1, hub.Count())
}

func TestJoinFailingObserverIsRemoved(t *testing.T) {
	hub, _ := newTestHub(nil)

	assert.False(t, hub.Join(&fakeObserver{id: "broken", fail: true}))
	assert.Equal(t, 0, hub.Count())
}

func TestHandleInbound(t *testing.T) {
	input := &fakeInput{accept: true}
	hub, state := newTestHub(input)

	hub.HandleInbound("o1", []byte(`{"type":"stdin","data":"help"}`))
	assert.Equal(t, []string{"help"}, input.got)

	tests := []struct {
		raw  string
		want int64
	}{
		{raw: `{"type":"button_state","state":3}`, want: 3},
		{raw: `{"type":"button_state","state":"7"}`, want: 7},
		{raw: `{"type":"button_state","state":-2}`, want: -2},
		{raw: `{"type":"button_state"}`, want: 0},
	}
	for _, tt := range tests {
		state.SetButton(99)
		hub.HandleInbound("o1", []byte(tt.raw))
		assert.Equal(t, tt.want, state.Button(), tt.raw)
	}

	state.SetButton(5)
	hub.HandleInbound("o1", []byte(`{"type":"button_state","state":"abc"}`))
	hub.HandleInbound("o1", []byte(`not json`))
	hub.HandleInbound("o1", []byte(`{"type":"resize","cols":80}`))
	assert.Equal(t, int64(5), state.Button())
	assert.Len(t, input.got, 1)
}

func TestParseButtonStateRange(t *testing.T) {
	got, err := parseButtonState(json.RawMessage(`-9223372036854775808`))
	require.NoError(t, err)
	assert.Equal(t, int64(math.MinInt64), got)

	for _, raw := range []string{`9223372036854775808`, `1e19`, `-1e19`} {
		_, err := parseButtonState(json.RawMessage(raw))
		assert.Error(t, err, raw)
	}

	hub, state := newTestHub(nil)
	state.SetButton(4)
	hub.HandleInbound("o1", []byte(`{"type":"button_state","state":9223372036854775808}`))
	assert.Equal(t, int64(4), state.Button())
}

func TestStartProjectsDeviceOutput(t *testing.T) {
	b := bus.New(discardLogger(), 16)
	defer b.Close()
	hub, _ := newTestHub(nil)
	obs := &fakeObserver{id: "o"}
	hub.observers[obs.id] = obs

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub.Start(ctx, b)

	require.Eventually(t, func() bool {
		b.Publish(connectors.TopicDeviceOutput, connectors.DeviceLine{Text: "warmup"})

		return len(obs.envelopes()) > 0
	}, time.Second, 10*time.Millisecond)

	b.Publish(connectors.TopicDeviceOutput, connectors.DeviceLine{Text: "$$CMD_BUTTON:read$$"})
	b.Publish(connectors.TopicDeviceOutput, connectors.DeviceLine{Text: "$$CMD_FS_LIST:/$$"})
	b.Publish(connectors.TopicDeviceOutput, connectors.ObserverEvent{Type: connectors.EventStderr, Data: "lost"})

	want := []Envelope{
		{Type: "stdout", Data: "$$CMD_FS_LIST:/$$"},
		{Type: "stderr", Data: "lost"},
	}
	require.Eventually(t, func() bool {
		var got []Envelope
		for _, env := range obs.envelopes() {
			if env.Data != "warmup" {
				got = append(got, env)
			}
		}

		return assert.ObjectsAreEqual(want, got)
	}, time.Second, 10*time.Millisecond)
}
