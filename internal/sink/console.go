// Package sink forwards device output to places other than observers.
package sink

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/skobkin/devbridge/internal/bus"
	"github.com/skobkin/devbridge/internal/connectors"
	"github.com/skobkin/devbridge/internal/protocol"
)

// Console prints device output in its log-only projection: commands are
// summarised and BUTTON polls dropped. Link errors go to errOut.
type Console struct {
	mu     sync.Mutex
	out    io.Writer
	errOut io.Writer
}

func NewConsole(out, errOut io.Writer) *Console {
	if errOut == nil {
		errOut = out
	}

	return &Console{out: out, errOut: errOut}
}

func (c *Console) Handle(msg any) {
	switch ev := msg.(type) {
	case connectors.DeviceLine:
		if line, ok := protocol.ForConsole(ev.Text); ok {
			c.println(c.out, line)
		}
	case connectors.ObserverEvent:
		switch ev.Type {
		case connectors.EventStderr:
			c.println(c.errOut, ev.Data)
		case connectors.EventInfo:
			c.println(c.out, ev.Data)
		}
	}
}

func (c *Console) Start(ctx context.Context, b bus.MessageBus) {
	go bus.Consume(ctx, b, b.Subscribe(connectors.TopicDeviceOutput), c.Handle)
}

func (c *Console) println(w io.Writer, line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintln(w, line)
}
