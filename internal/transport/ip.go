package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

const (
	defaultDialTimeout = 6 * time.Second
	ipReadPollInterval = 300 * time.Millisecond
)

// IPTransport carries the device line stream over a TCP socket, for boards
// and emulators exposed through a serial-to-network bridge.
type IPTransport struct {
	mu      sync.Mutex
	conn    net.Conn
	target  string
	writeMu sync.Mutex
}

func NewIPTransport() *IPTransport {
	return &IPTransport{}
}

func (t *IPTransport) Name() string {
	return "ip"
}

func (t *IPTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.conn != nil
}

func (t *IPTransport) Connect(ctx context.Context, target string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	logger := transportLogger("ip", "target", target)

	if t.conn != nil {
		logger.Debug("connect skipped: already connected")

		return nil
	}
	if target == "" {
		logger.Warn("connect failed: target is empty")

		return errors.New("ip target is empty")
	}

	dialer := net.Dialer{Timeout: defaultDialTimeout}
	logger.Info("connecting")
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		logger.Warn("connect failed", "error", err)

		return fmt.Errorf("dial tcp: %w", err)
	}
	t.conn = conn
	t.target = target
	logger.Info("connected", "remote", conn.RemoteAddr().String())

	return nil
}

func (t *IPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	logger := transportLogger("ip", "target", t.target)

	if t.conn == nil {
		logger.Debug("close skipped: not connected")

		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	if err != nil {
		logger.Warn("close failed", "error", err)

		return err
	}
	logger.Info("closed")

	return nil
}

func (t *IPTransport) ReadChunk(ctx context.Context) ([]byte, error) {
	conn, err := t.currentConn()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, readChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		_ = conn.SetReadDeadline(time.Now().Add(ipReadPollInterval))
		n, err := conn.Read(buf)
		if n > 0 {
			return buf[:n], nil
		}
		if err == nil {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			continue
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrNotConnected
		}

		return nil, err
	}
}

func (t *IPTransport) Write(ctx context.Context, payload []byte) error {
	conn, err := t.currentConn()
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Time{})
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := writeFull(ctx, conn, payload); err != nil {
		transportLogger("ip").Warn("write failed", "len", len(payload), "error", err)

		return fmt.Errorf("write tcp: %w", err)
	}

	return nil
}

func (t *IPTransport) currentConn() (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, ErrNotConnected
	}

	return t.conn, nil
}
