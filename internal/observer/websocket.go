package observer

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = 30 * time.Second
	maxInboundBytes = 64 * 1024

	DefaultSendQueue = 256
)

var (
	ErrObserverClosed = errors.New("observer closed")
	ErrQueueFull      = errors.New("observer send queue full")
)

// WSObserver is an observer connected over a websocket. Outbound messages
// are queued and written by a dedicated pump, so Send never blocks.
type WSObserver struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func NewWSObserver(conn *websocket.Conn, queue int, logger *slog.Logger) *WSObserver {
	if queue <= 0 {
		queue = DefaultSendQueue
	}
	id := uuid.NewString()
	if logger == nil {
		logger = slog.Default()
	}

	return &WSObserver{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, queue),
		done:   make(chan struct{}),
		logger: logger.With("observer", id),
	}
}

func (o *WSObserver) ID() string {
	return o.id
}

func (o *WSObserver) Send(payload []byte) error {
	select {
	case <-o.done:
		return ErrObserverClosed
	default:
	}

	select {
	case o.send <- payload:
		return nil
	case <-o.done:
		return ErrObserverClosed
	default:
		return ErrQueueFull
	}
}

func (o *WSObserver) Close() error {
	o.once.Do(func() {
		close(o.done)
	})

	return nil
}

// Serve joins the hub and pumps messages until the connection ends.
func (o *WSObserver) Serve(hub *Hub) {
	defer func() {
		hub.Leave(o.id)
		_ = o.Close()
	}()

	go o.writePump()
	if !hub.Join(o) {
		return
	}
	o.readPump(hub)
}

func (o *WSObserver) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = o.conn.Close()
	}()

	for {
		select {
		case <-o.done:
			_ = o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = o.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

			return
		case payload := <-o.send:
			_ = o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := o.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				o.logger.Debug("write failed", "error", err)
				_ = o.Close()

				return
			}
		case <-ticker.C:
			_ = o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := o.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				o.logger.Debug("ping failed", "error", err)
				_ = o.Close()

				return
			}
		}
	}
}

func (o *WSObserver) readPump(hub *Hub) {
	o.conn.SetReadLimit(maxInboundBytes)
	_ = o.conn.SetReadDeadline(time.Now().Add(pongWait))
	o.conn.SetPongHandler(func(string) error {
		return o.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := o.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				o.logger.Debug("read failed", "error", err)
			}

			return
		}
		hub.HandleInbound(o.id, data)
	}
}
