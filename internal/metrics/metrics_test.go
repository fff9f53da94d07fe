package metrics

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skobkin/devbridge/internal/bus"
	"github.com/skobkin/devbridge/internal/connectors"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	m.ObserveCommand(connectors.CommandRecord{Name: "PING"})
	m.ObserveLinkStatus(connectors.LinkStatus{State: connectors.LinkStateConnected})
	m.ObserveDeviceLine()
	m.SetObservers(2)
	m.ObserverPruned()
	m.InputDropped()
	assert.Nil(t, m.Registry())
}

func TestObserveLinkStatusMarksSingleState(t *testing.T) {
	m := New()

	m.ObserveLinkStatus(connectors.LinkStatus{State: connectors.LinkStateConnecting})
	m.ObserveLinkStatus(connectors.LinkStatus{State: connectors.LinkStateConnected})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.linkState.WithLabelValues("connected")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.linkState.WithLabelValues("connecting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("connecting")))
}

func TestObserveCommand(t *testing.T) {
	m := New()

	m.ObserveCommand(connectors.CommandRecord{Name: "PING", Handled: true, Duration: time.Millisecond})
	m.ObserveCommand(connectors.CommandRecord{Name: "BUTTON", Handled: false})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("PING", "handled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("BUTTON", "unhandled")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.SetObservers(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "devbridge_observers 3"))
}

func TestStartConsumesBusEvents(t *testing.T) {
	b := bus.New(slog.New(slog.NewTextHandler(io.Discard, nil)), 16)
	defer b.Close()
	m := New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, b)

	b.Publish(connectors.TopicCommand, connectors.CommandRecord{Name: "FS_STAT", Handled: true})
	b.Publish(connectors.TopicDeviceOutput, connectors.DeviceLine{Text: "boot"})
	b.Publish(connectors.TopicLinkStatus, connectors.LinkStatus{State: connectors.LinkStateConnected})

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.commands.WithLabelValues("FS_STAT", "handled")) == 1 &&
			testutil.ToFloat64(m.deviceLines) == 1 &&
			testutil.ToFloat64(m.linkState.WithLabelValues("connected")) == 1
	}, time.Second, 10*time.Millisecond)
}
