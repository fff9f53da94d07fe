package observer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const shutdownTimeout = 5 * time.Second

type ServerConfig struct {
	Addr      string
	Page      []byte
	SendQueue int
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	Logger  *slog.Logger
}

// Server serves the web UI page and upgrades /ws requests to observers.
type Server struct {
	cfg      ServerConfig
	hub      *Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewServer(cfg ServerConfig, hub *Hub) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		cfg:    cfg,
		hub:    hub,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/{$}", s.servePage)
	mux.HandleFunc("/web_ui.html", s.servePage)
	mux.HandleFunc("/ws", s.serveWS)
	if s.cfg.Metrics != nil {
		mux.Handle("GET /metrics", s.cfg.Metrics)
	}

	return mux
}

// ListenAndServe serves until ctx is done, then shuts the listener down and
// disconnects every observer.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}

	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("observer server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("observer server shutdown failed", "error", err)

		return err
	}
	s.logger.Info("observer server stopped")

	return nil
}

func (s *Server) servePage(w http.ResponseWriter, _ *http.Request) {
	if len(s.cfg.Page) == 0 {
		http.Error(w, "web_ui.html not found", http.StatusNotFound)

		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(s.cfg.Page)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)

		return
	}
	obs := NewWSObserver(conn, s.cfg.SendQueue, s.logger)
	obs.Serve(s.hub)
}
