package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	defaultSerialReadTimeout = 300 * time.Millisecond
	readChunkSize            = 1024
)

type SerialTransport struct {
	baudRate int

	mu       sync.Mutex
	port     serial.Port
	portName string
	writeMu  sync.Mutex
}

func NewSerialTransport(baudRate int) *SerialTransport {
	return &SerialTransport{baudRate: baudRate}
}

func (t *SerialTransport) Name() string {
	return "serial"
}

func (t *SerialTransport) PortName() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.portName
}

func (t *SerialTransport) BaudRate() int {
	return t.baudRate
}

func (t *SerialTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.port != nil
}

func (t *SerialTransport) Connect(ctx context.Context, target string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	logger := transportLogger("serial", "port", target, "baud", t.baudRate)
	if t.port != nil {
		logger.Debug("connect skipped: already connected")

		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if target == "" {
		return errors.New("serial port is empty")
	}
	if t.baudRate <= 0 {
		return fmt.Errorf("invalid serial baud rate: %d", t.baudRate)
	}

	port, err := serial.Open(target, &serial.Mode{BaudRate: t.baudRate})
	if err != nil {
		logger.Warn("open failed", "error", err)

		return fmt.Errorf("open serial port %q: %w", target, err)
	}
	if err := port.SetReadTimeout(defaultSerialReadTimeout); err != nil {
		_ = port.Close()

		return fmt.Errorf("set serial read timeout: %w", err)
	}
	t.port = port
	t.portName = target
	logger.Info("connected")

	return nil
}

func (t *SerialTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	transportLogger("serial", "port", t.portName).Info("closed")

	return err
}

// ReadChunk returns the next bytes received from the port. Read timeouts
// are absorbed so the caller only sees data, cancellation or a failure.
func (t *SerialTransport) ReadChunk(ctx context.Context) ([]byte, error) {
	port, err := t.currentPort()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, readChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := port.Read(buf)
		if err != nil {
			return nil, classifySerialError(err)
		}
		if n > 0 {
			return buf[:n], nil
		}
		if !t.isCurrent(port) {
			return nil, ErrNotConnected
		}
	}
}

func (t *SerialTransport) Write(ctx context.Context, payload []byte) error {
	port, err := t.currentPort()
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := writeFull(ctx, port, payload); err != nil {
		return fmt.Errorf("write serial: %w", classifySerialError(err))
	}

	return nil
}

func (t *SerialTransport) currentPort() (serial.Port, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil, ErrNotConnected
	}

	return t.port, nil
}

func (t *SerialTransport) isCurrent(port serial.Port) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.port == port
}

func classifySerialError(err error) error {
	var portErr *serial.PortError
	if errors.As(err, &portErr) && portErr.Code() == serial.PortClosed {
		return ErrNotConnected
	}

	return err
}

func writeFull(ctx context.Context, w io.Writer, buf []byte) error {
	written := 0
	for written < len(buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := w.Write(buf[written:])
		if err != nil {
			return err
		}
		written += n
	}

	return nil
}
