// Package link owns the device connection: discovery, the reconnect loop,
// line framing, command dispatch and the firmware update handoff.
package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skobkin/devbridge/internal/connectors"
	"github.com/skobkin/devbridge/internal/dispatch"
	"github.com/skobkin/devbridge/internal/protocol"
	"github.com/skobkin/devbridge/internal/transport"
)

const (
	DefaultRetryInterval   = 2 * time.Second
	DefaultDFUPollInterval = time.Second
	DefaultDFUTimeout      = 60 * time.Second
	DefaultSettleDelay     = 2 * time.Second
	DefaultInputQueue      = 64
)

const (
	msgFirmwareDetected  = "Device entering firmware update mode, releasing port for upload..."
	msgFirmwareWaiting   = "Waiting for firmware upload to complete..."
	msgFirmwareReturned  = "Device reconnected after firmware upload"
	msgConnectionLostFmt = "Device connection lost, retrying in %s..."
	msgOpenFailedFmt     = "Error opening device port: %v. Retrying in %s..."
)

var errFirmwareHandoff = errors.New("device entered firmware download mode")

// Publisher is the part of the message bus the manager writes to.
type Publisher interface {
	Publish(topic string, msg any)
}

type Dispatcher interface {
	Dispatch(cmd protocol.Command) dispatch.Result
}

// Options tunes the link timings. Zero values select the defaults; a
// negative SettleDelay disables the settle wait.
type Options struct {
	RetryInterval   time.Duration
	DFUPollInterval time.Duration
	DFUTimeout      time.Duration
	SettleDelay     time.Duration
	InputQueue      int
}

func (o Options) withDefaults() Options {
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	if o.DFUPollInterval <= 0 {
		o.DFUPollInterval = DefaultDFUPollInterval
	}
	if o.DFUTimeout <= 0 {
		o.DFUTimeout = DefaultDFUTimeout
	}
	if o.SettleDelay < 0 {
		o.SettleDelay = 0
	} else if o.SettleDelay == 0 {
		o.SettleDelay = DefaultSettleDelay
	}
	if o.InputQueue <= 0 {
		o.InputQueue = DefaultInputQueue
	}

	return o
}

type Manager struct {
	logger     *slog.Logger
	transport  transport.Transport
	prober     transport.Prober
	dispatcher Dispatcher
	pub        Publisher
	opts       Options
	input      chan string

	mu     sync.Mutex
	state  connectors.LinkState
	target string
}

func NewManager(logger *slog.Logger, pub Publisher, tr transport.Transport, prober transport.Prober, d Dispatcher, opts Options) *Manager {
	opts = opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		logger:     logger,
		transport:  tr,
		prober:     prober,
		dispatcher: d,
		pub:        pub,
		opts:       opts,
		input:      make(chan string, opts.InputQueue),
		state:      connectors.LinkStateDisconnected,
	}
}

func (m *Manager) State() connectors.LinkState {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// SubmitInput queues text typed by an observer for the device. It is
// accepted only while connected and while the queue has room.
func (m *Manager) SubmitInput(text string) bool {
	if m.State() != connectors.LinkStateConnected {
		return false
	}
	select {
	case m.input <- text:
		return true
	default:
		return false
	}
}

// Run drives the link until ctx is done. It never gives up on the device.
func (m *Manager) Run(ctx context.Context) error {
	defer func() {
		_ = m.transport.Close()
	}()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		m.setState(connectors.LinkStateConnecting, "", nil)
		target, ok := m.prober.Probe()
		if !ok {
			m.logger.Info("no device found, waiting")
			if !sleepWithContext(ctx, m.opts.RetryInterval) {
				return nil
			}
			continue
		}

		m.logger.Info("opening device port", "target", target, "transport", m.transport.Name())
		if err := m.transport.Connect(ctx, target); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.logger.Error("open device port failed", "target", target, "error", err)
			m.publishEvent(connectors.EventStderr, fmt.Sprintf(msgOpenFailedFmt, err, m.opts.RetryInterval))
			if !sleepWithContext(ctx, m.opts.RetryInterval) {
				return nil
			}
			continue
		}

		m.setState(connectors.LinkStateConnected, target, nil)
		err := m.serve(ctx)
		_ = m.transport.Close()
		m.drainInput()
		if ctx.Err() != nil {
			return nil
		}

		if errors.Is(err, errFirmwareHandoff) {
			m.setState(connectors.LinkStateFirmwareUpdateWaiting, target, nil)
			if !m.waitForFirmware(ctx) {
				return nil
			}
			continue
		}

		m.setState(connectors.LinkStateDisconnected, target, err)
		m.logger.Warn("device connection lost", "target", target, "error", err)
		m.publishEvent(connectors.EventStderr, fmt.Sprintf(msgConnectionLostFmt, m.opts.RetryInterval))
		if !sleepWithContext(ctx, m.opts.RetryInterval) {
			return nil
		}
	}
}

// serve runs the connected phase. A single reader goroutine owns the
// blocking reads and hands chunks over one at a time; everything else,
// writes included, happens on this goroutine.
func (m *Manager) serve(ctx context.Context) error {
	readCtx, cancel := context.WithCancel(ctx)
	chunks := make(chan []byte)
	readErr := make(chan error, 1)
	readerDone := make(chan struct{})

	go func() {
		defer close(readerDone)
		for {
			chunk, err := m.transport.ReadChunk(readCtx)
			if err != nil {
				readErr <- err

				return
			}
			select {
			case chunks <- chunk:
			case <-readCtx.Done():
				return
			}
		}
	}()
	defer func() {
		cancel()
		_ = m.transport.Close()
		<-readerDone
	}()

	var framer transport.LineFramer
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			m.flushPartial(&framer)

			return fmt.Errorf("read: %w", err)
		case chunk := <-chunks:
			for _, line := range framer.Push(chunk) {
				if err := m.handleLine(ctx, line); err != nil {
					if !errors.Is(err, errFirmwareHandoff) {
						m.flushPartial(&framer)
					}

					return err
				}
			}
		case text := <-m.input:
			if err := m.transport.Write(ctx, protocol.EncodeLine(text)); err != nil {
				m.flushPartial(&framer)

				return fmt.Errorf("write input: %w", err)
			}
		}
	}
}

// HandleLine processes one decoded line received while connected.
func (m *Manager) HandleLine(ctx context.Context, line string) error {
	return m.handleLine(ctx, line)
}

func (m *Manager) handleLine(ctx context.Context, line string) error {
	if protocol.IsFirmwareBanner(line) {
		m.logger.Info("bootloader banner detected, releasing port for firmware upload", "line", line)
		_ = m.transport.Close()
		m.setState(connectors.LinkStateFirmwareUpdatePending, m.currentTarget(), nil)
		m.publishEvent(connectors.EventInfo, msgFirmwareDetected)

		return errFirmwareHandoff
	}

	cmd, ok := protocol.ParseCommand(line)
	if !ok {
		m.pub.Publish(connectors.TopicDeviceOutput, connectors.DeviceLine{Text: line, At: time.Now()})

		return nil
	}

	started := time.Now()
	res := m.dispatcher.Dispatch(cmd)
	if reply := res.Encode(); len(reply) > 0 {
		if err := m.transport.Write(ctx, reply); err != nil {
			return fmt.Errorf("write %s reply: %w", cmd.Name, err)
		}
	}
	m.pub.Publish(connectors.TopicCommand, connectors.CommandRecord{
		Name:     cmd.Name,
		ArgCount: len(cmd.Args),
		Handled:  res.Handled,
		Duration: time.Since(started),
	})

	switch cmd.Name {
	case "DISPLAY":
		m.publishEvent(connectors.EventStdout, line)
	case "FS_LIST":
		m.pub.Publish(connectors.TopicDeviceOutput, connectors.DeviceLine{Text: line, At: started})
	}

	return nil
}

// waitForFirmware polls for the device to disappear and come back. It
// returns false only when ctx is done. Probers that cannot see the device
// leave skip the polling and go straight back to the reconnect loop.
func (m *Manager) waitForFirmware(ctx context.Context) bool {
	m.logger.Info("waiting for firmware upload to complete", "timeout", m.opts.DFUTimeout)
	m.publishEvent(connectors.EventInfo, msgFirmwareWaiting)

	if !m.prober.TracksPresence() {
		m.logger.Info("device presence not observable, reconnecting after settle delay")

		return sleepWithContext(ctx, m.opts.SettleDelay)
	}

	gone := false
	for waited := time.Duration(0); waited < m.opts.DFUTimeout; waited += m.opts.DFUPollInterval {
		if !sleepWithContext(ctx, m.opts.DFUPollInterval) {
			return false
		}
		if !m.prober.Present() {
			gone = true

			continue
		}
		if gone {
			m.logger.Info("device reconnected after firmware upload")
			m.publishEvent(connectors.EventInfo, msgFirmwareReturned)

			return sleepWithContext(ctx, m.opts.SettleDelay)
		}
	}
	m.logger.Warn("timed out waiting for device after firmware upload, reconnecting anyway")

	return true
}

func (m *Manager) drainInput() {
	for {
		select {
		case <-m.input:
		default:
			return
		}
	}
}

func (m *Manager) flushPartial(framer *transport.LineFramer) {
	line, ok := framer.Flush()
	if !ok {
		return
	}
	m.pub.Publish(connectors.TopicDeviceOutput, connectors.DeviceLine{Text: line, At: time.Now()})
}

func (m *Manager) setState(state connectors.LinkState, target string, err error) {
	m.mu.Lock()
	m.state = state
	if target != "" {
		m.target = target
	}
	m.mu.Unlock()

	status := connectors.LinkStatus{
		State:         state,
		TransportName: m.transport.Name(),
		Target:        target,
		Timestamp:     time.Now(),
	}
	if err != nil {
		status.Err = err.Error()
	}
	m.pub.Publish(connectors.TopicLinkStatus, status)
}

func (m *Manager) currentTarget() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.target
}

func (m *Manager) publishEvent(kind, data string) {
	m.pub.Publish(connectors.TopicDeviceOutput, connectors.ObserverEvent{Type: kind, Data: data})
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
