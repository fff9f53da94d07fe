package persistence

import (
	"context"

	"github.com/skobkin/devbridge/internal/bus"
	"github.com/skobkin/devbridge/internal/connectors"
)

const trimEvery = 500

// WriteQueue serializes persistence writes from async bus events.
type WriteQueue interface {
	Enqueue(name string, fn func(context.Context) error) bool
}

// StartJournalProjection records device lines and link transitions. When
// keepLines is positive the line table is trimmed to roughly that size.
func StartJournalProjection(ctx context.Context, b bus.MessageBus, queue WriteQueue, repo *JournalRepo, keepLines int) {
	sub := b.Subscribe(connectors.TopicDeviceOutput, connectors.TopicLinkStatus)

	go func() {
		appended := 0
		bus.Consume(ctx, b, sub, func(raw any) {
			switch ev := raw.(type) {
			case connectors.DeviceLine:
				queue.Enqueue("append_device_line", func(writeCtx context.Context) error {
					return repo.AppendLine(writeCtx, ev)
				})
				appended++
				if keepLines > 0 && appended%trimEvery == 0 {
					queue.Enqueue("trim_device_lines", func(writeCtx context.Context) error {
						return repo.TrimLines(writeCtx, keepLines)
					})
				}
			case connectors.LinkStatus:
				queue.Enqueue("append_link_event", func(writeCtx context.Context) error {
					return repo.AppendLinkEvent(writeCtx, ev)
				})
			}
		})
	}()
}

// PersistDisplay returns a display hook that stores every buffer update.
func PersistDisplay(queue WriteQueue, repo *StateRepo) func(buffer string) {
	return func(buffer string) {
		queue.Enqueue("put_display_buffer", func(writeCtx context.Context) error {
			return repo.Put(writeCtx, KeyDisplayBuffer, buffer)
		})
	}
}
