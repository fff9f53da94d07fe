// Package metrics exposes bridge counters in the Prometheus format.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skobkin/devbridge/internal/bus"
	"github.com/skobkin/devbridge/internal/connectors"
)

const namespace = "devbridge"

var linkStates = []connectors.LinkState{
	connectors.LinkStateDisconnected,
	connectors.LinkStateConnecting,
	connectors.LinkStateConnected,
	connectors.LinkStateFirmwareUpdatePending,
	connectors.LinkStateFirmwareUpdateWaiting,
}

type Metrics struct {
	registry *prometheus.Registry

	deviceLines     prometheus.Counter
	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	linkState       *prometheus.GaugeVec
	transitions     *prometheus.CounterVec
	observers       prometheus.Gauge
	observerPruned  prometheus.Counter
	inputDropped    prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		deviceLines: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_lines_total",
			Help:      "Plain text lines received from the device.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Device commands by name and outcome.",
		}, []string{"command", "result"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Time spent handling a device command, reply write included.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"command"}),
		linkState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "link_state",
			Help:      "1 for the current device link state, 0 otherwise.",
		}, []string{"state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_transitions_total",
			Help:      "Device link state transitions by target state.",
		}, []string{"state"}),
		observers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observers",
			Help:      "Connected observers.",
		}),
		observerPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observers_pruned_total",
			Help:      "Observers removed after a failed delivery.",
		}),
		inputDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observer_input_dropped_total",
			Help:      "Observer stdin messages dropped because the link was not writable.",
		}),
	}
	m.registry.MustRegister(
		m.deviceLines,
		m.commands,
		m.commandDuration,
		m.linkState,
		m.transitions,
		m.observers,
		m.observerPruned,
		m.inputDropped,
	)
	for _, s := range linkStates {
		m.linkState.WithLabelValues(string(s)).Set(0)
	}

	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}

	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveCommand(rec connectors.CommandRecord) {
	if m == nil {
		return
	}
	result := "handled"
	if !rec.Handled {
		result = "unhandled"
	}
	m.commands.WithLabelValues(rec.Name, result).Inc()
	m.commandDuration.WithLabelValues(rec.Name).Observe(rec.Duration.Seconds())
}

func (m *Metrics) ObserveLinkStatus(status connectors.LinkStatus) {
	if m == nil {
		return
	}
	for _, s := range linkStates {
		v := 0.0
		if s == status.State {
			v = 1
		}
		m.linkState.WithLabelValues(string(s)).Set(v)
	}
	m.transitions.WithLabelValues(string(status.State)).Inc()
}

func (m *Metrics) ObserveDeviceLine() {
	if m == nil {
		return
	}
	m.deviceLines.Inc()
}

func (m *Metrics) SetObservers(n int) {
	if m == nil {
		return
	}
	m.observers.Set(float64(n))
}

func (m *Metrics) ObserverPruned() {
	if m == nil {
		return
	}
	m.observerPruned.Inc()
}

func (m *Metrics) InputDropped() {
	if m == nil {
		return
	}
	m.inputDropped.Inc()
}

// Start records link, command and device line events from the bus until ctx
// is done.
func (m *Metrics) Start(ctx context.Context, b bus.MessageBus) {
	if m == nil || b == nil {
		return
	}
	sub := b.Subscribe(connectors.TopicLinkStatus, connectors.TopicCommand, connectors.TopicDeviceOutput)
	go bus.Consume(ctx, b, sub, func(msg any) {
		switch ev := msg.(type) {
		case connectors.LinkStatus:
			m.ObserveLinkStatus(ev)
		case connectors.CommandRecord:
			m.ObserveCommand(ev)
		case connectors.DeviceLine:
			m.ObserveDeviceLine()
		}
	})
}
