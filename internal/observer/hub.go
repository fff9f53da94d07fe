// Package observer fans device output out to network observers and routes
// their input back to the device link.
package observer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/skobkin/devbridge/internal/bus"
	"github.com/skobkin/devbridge/internal/connectors"
	"github.com/skobkin/devbridge/internal/devicestate"
	"github.com/skobkin/devbridge/internal/metrics"
	"github.com/skobkin/devbridge/internal/protocol"
)

const DefaultGreeting = "Connected to device bridge"

const (
	inboundStdin       = "stdin"
	inboundButtonState = "button_state"
)

// Observer is one connected client. Send must not block.
type Observer interface {
	ID() string
	Send(payload []byte) error
	Close() error
}

// InputSink accepts text typed by observers for the device.
type InputSink interface {
	SubmitInput(text string) bool
}

type Envelope struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type inboundMessage struct {
	Type  string          `json:"type"`
	Data  *string         `json:"data"`
	State json.RawMessage `json:"state"`
}

type HubConfig struct {
	State    *devicestate.State
	Input    InputSink
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Greeting string
}

type Hub struct {
	state    *devicestate.State
	input    InputSink
	metrics  *metrics.Metrics
	logger   *slog.Logger
	greeting string

	mu        sync.Mutex
	observers map[string]Observer
}

func NewHub(cfg HubConfig) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	greeting := cfg.Greeting
	if greeting == "" {
		greeting = DefaultGreeting
	}
	state := cfg.State
	if state == nil {
		state = devicestate.New()
	}

	return &Hub{
		state:     state,
		input:     cfg.Input,
		metrics:   cfg.Metrics,
		logger:    logger,
		greeting:  greeting,
		observers: make(map[string]Observer),
	}
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.observers)
}

// Broadcast delivers one envelope to every observer. Observers that fail to
// accept it are closed and removed.
func (h *Hub) Broadcast(kind, data string) {
	targets := h.snapshot()
	if len(targets) == 0 {
		return
	}
	payload, err := encodeEnvelope(kind, data)
	if err != nil {
		h.logger.Error("encode envelope failed", "type", kind, "error", err)

		return
	}

	for _, obs := range targets {
		if err := obs.Send(payload); err != nil {
			h.drop(obs, err)
		}
	}
}

// Join registers obs, then sends it the greeting and the cached display.
func (h *Hub) Join(obs Observer) bool {
	h.mu.Lock()
	h.observers[obs.ID()] = obs
	count := len(h.observers)
	h.mu.Unlock()
	h.metrics.SetObservers(count)
	h.logger.Info("observer joined", "observer", obs.ID(), "observers", count)

	if !h.sendTo(obs, connectors.EventInfo, h.greeting) {
		return false
	}
	if buffer, ok := h.state.Display(); ok {
		return h.sendTo(obs, connectors.EventStdout, protocol.FormatCommand("DISPLAY", buffer))
	}

	return true
}

func (h *Hub) Leave(id string) {
	h.mu.Lock()
	_, ok := h.observers[id]
	delete(h.observers, id)
	count := len(h.observers)
	h.mu.Unlock()
	if !ok {
		return
	}
	h.metrics.SetObservers(count)
	h.logger.Info("observer left", "observer", id, "observers", count)
}

// HandleInbound routes one message received from an observer. Bad input is
// logged and never closes the observer.
func (h *Hub) HandleInbound(id string, raw []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.logger.Warn("invalid observer message", "observer", id, "error", err, "raw", truncate(raw))

		return
	}

	switch msg.Type {
	case inboundStdin:
		text := ""
		if msg.Data != nil {
			text = *msg.Data
		}
		if h.input == nil || !h.input.SubmitInput(text) {
			h.metrics.InputDropped()
			h.logger.Debug("observer input dropped", "observer", id)
		}
	case inboundButtonState:
		v, err := parseButtonState(msg.State)
		if err != nil {
			h.logger.Warn("invalid button state", "observer", id, "error", err)

			return
		}
		h.state.SetButton(v)
		h.logger.Debug("button state updated", "observer", id, "state", v)
	default:
		h.logger.Info("observer message", "observer", id, "raw", truncate(raw))
	}
}

// Start subscribes to device output and broadcasts it until ctx is done.
func (h *Hub) Start(ctx context.Context, b bus.MessageBus) {
	sub := b.Subscribe(connectors.TopicDeviceOutput)
	go bus.Consume(ctx, b, sub, func(msg any) {
		switch ev := msg.(type) {
		case connectors.DeviceLine:
			if line, ok := protocol.ForObserver(ev.Text); ok {
				h.Broadcast(connectors.EventStdout, line)
			}
		case connectors.ObserverEvent:
			h.Broadcast(ev.Type, ev.Data)
		}
	})
}

// CloseAll disconnects every observer.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	targets := make([]Observer, 0, len(h.observers))
	for _, obs := range h.observers {
		targets = append(targets, obs)
	}
	h.observers = make(map[string]Observer)
	h.mu.Unlock()

	for _, obs := range targets {
		_ = obs.Close()
	}
	h.metrics.SetObservers(0)
}

func (h *Hub) sendTo(obs Observer, kind, data string) bool {
	payload, err := encodeEnvelope(kind, data)
	if err != nil {
		h.logger.Error("encode envelope failed", "type", kind, "error", err)

		return false
	}
	if err := obs.Send(payload); err != nil {
		h.drop(obs, err)

		return false
	}

	return true
}

func (h *Hub) drop(obs Observer, cause error) {
	h.mu.Lock()
	cur, ok := h.observers[obs.ID()]
	if ok && cur == obs {
		delete(h.observers, obs.ID())
	}
	count := len(h.observers)
	h.mu.Unlock()
	if !ok || cur != obs {
		return
	}

	_ = obs.Close()
	h.metrics.ObserverPruned()
	h.metrics.SetObservers(count)
	h.logger.Info("observer pruned", "observer", obs.ID(), "error", cause, "observers", count)
}

func (h *Hub) snapshot() []Observer {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Observer, 0, len(h.observers))
	for _, obs := range h.observers {
		out = append(out, obs)
	}

	return out
}

func encodeEnvelope(kind, data string) ([]byte, error) {
	return json.Marshal(Envelope{Type: kind, Data: data})
}

// parseButtonState accepts a JSON number or a numeric string. A missing
// state means zero.
func parseButtonState(raw json.RawMessage) (int64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse state %q: %w", s, err)
		}

		return v, nil
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, fmt.Errorf("parse state: %w", err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, fmt.Errorf("state out of range: %v", f)
	}

	return int64(f), nil
}

func truncate(raw []byte) string {
	const limit = 256
	if len(raw) <= limit {
		return string(raw)
	}

	return string(raw[:limit]) + "..."
}
