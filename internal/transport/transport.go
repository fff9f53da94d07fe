package transport

import (
	"context"
	"errors"
)

// ErrNotConnected is returned by reads and writes on a closed transport.
var ErrNotConnected = errors.New("transport is not connected")

// Transport is a byte stream to a single device.
//
// ReadChunk blocks until at least one byte is available, the context is
// cancelled or the link fails. It must not be called concurrently with
// itself; Write and Close may be called from any goroutine.
type Transport interface {
	Name() string
	Connect(ctx context.Context, target string) error
	Close() error
	ReadChunk(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, payload []byte) error
}

// Prober locates the device a transport should connect to.
type Prober interface {
	// Probe returns the connect target, or false when no device is visible.
	Probe() (string, bool)
	// Present reports whether any device is visible right now.
	Present() bool
	// TracksPresence is false when Present cannot observe the device
	// going away, as for fixed network targets.
	TracksPresence() bool
}
