package app

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skobkin/devbridge/internal/config"
	"github.com/skobkin/devbridge/internal/persistence"
)

func TestDeviceSelector(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.ConnectionConfig
		want string
	}{
		{name: "serial glob", cfg: config.ConnectionConfig{Connector: config.ConnectorSerial, SerialGlob: "/dev/ttyACM*", FallbackPort: "/dev/ttyACM0"}, want: "/dev/ttyACM*"},
		{name: "serial fallback", cfg: config.ConnectionConfig{Connector: config.ConnectorSerial, FallbackPort: "/dev/ttyACM0"}, want: "/dev/ttyACM0"},
		{name: "ip host", cfg: config.ConnectionConfig{Connector: config.ConnectorIP, Host: " 10.0.0.2:4403 "}, want: "10.0.0.2:4403"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeviceSelector(tt.cfg); got != tt.want {
				t.Fatalf("DeviceSelector() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewTransportRejectsUnknownConnector(t *testing.T) {
	if _, _, err := NewTransport(config.ConnectionConfig{Connector: "bluetooth"}); err == nil {
		t.Fatalf("expected unknown connector to fail")
	}
}

func TestJournalPathPrefersConfig(t *testing.T) {
	paths := Paths{DBFile: "/var/lib/devbridge/journal.db"}
	cfg := config.Default()
	if got := JournalPath(paths, cfg); got != paths.DBFile {
		t.Fatalf("expected default journal path, got %q", got)
	}
	cfg.Journal.Path = "/tmp/other.db"
	if got := JournalPath(paths, cfg); got != "/tmp/other.db" {
		t.Fatalf("expected configured journal path, got %q", got)
	}
}

type envelope struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

func TestRuntimeBridgesDeviceAndObservers(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "cfg"))
	t.Setenv("XDG_RUNTIME_DIR", filepath.Join(dir, "run"))
	for _, key := range []string{"HOST", "PORT", "SDCARD_PATH"} {
		t.Setenv(key, "")
	}

	device, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen device: %v", err)
	}
	defer func() { _ = device.Close() }()

	sandbox := filepath.Join(dir, "sdcard")
	journal := filepath.Join(dir, "journal", "journal.db")
	cfgPath := filepath.Join(dir, "devbridge.yaml")
	raw := fmt.Sprintf(`connection:
  connector: ip
  host: %s
link:
  retry_interval: 50ms
sandbox:
  root: %s
journal:
  enabled: true
  path: %s
metrics:
  enabled: true
`, device.Addr().String(), sandbox, journal)
	if err := os.WriteFile(cfgPath, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	rt, err := Initialize(context.Background(), Options{ConfigPath: cfgPath, Stdout: io.Discard, Stderr: io.Discard})
	if err != nil {
		t.Fatalf("initialize runtime: %v", err)
	}
	defer func() { _ = rt.Close() }()

	if _, err := os.Stat(sandbox); err != nil {
		t.Fatalf("expected sandbox root to be created: %v", err)
	}

	web, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen web: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- rt.Serve(ctx, web) }()

	_ = device.(*net.TCPListener).SetDeadline(time.Now().Add(5 * time.Second))
	conn, err := device.Accept()
	if err != nil {
		t.Fatalf("accept bridge connection: %v", err)
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	reader := bufio.NewReader(conn)

	if _, err := io.WriteString(conn, "$$CMD_PING:x$$\n"); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	reply, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read ping reply: %v", err)
	}
	if reply != "123456\n" {
		t.Fatalf("unexpected ping reply %q", reply)
	}

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+web.Addr().String()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial observer: %v", err)
	}
	defer func() { _ = ws.Close() }()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))

	greeting := readEnvelope(t, ws)
	if greeting.Type != "info" {
		t.Fatalf("expected info greeting, got %+v", greeting)
	}

	if _, err := io.WriteString(conn, "booting\r\n"); err != nil {
		t.Fatalf("write device line: %v", err)
	}
	if got := readEnvelope(t, ws); got != (envelope{Type: "stdout", Data: "booting"}) {
		t.Fatalf("unexpected observer envelope %+v", got)
	}

	if err := ws.WriteJSON(map[string]any{"type": "stdin", "data": "hello device"}); err != nil {
		t.Fatalf("write stdin: %v", err)
	}
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read forwarded stdin: %v", err)
	}
	if line != "hello device\n" {
		t.Fatalf("unexpected forwarded stdin %q", line)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		entries, err := rt.Journal.Tail(ctx, 20)
		if err == nil && journalHas(entries, "booting") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("journal never recorded device line, entries=%+v err=%v", entries, err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("runtime did not stop after cancel")
	}
}

func readEnvelope(t *testing.T, ws *websocket.Conn) envelope {
	t.Helper()

	_, raw, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read observer message: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode observer message %q: %v", raw, err)
	}

	return env
}

func journalHas(entries []persistence.JournalEntry, text string) bool {
	for _, e := range entries {
		if e.Kind == persistence.JournalKindLine && strings.Contains(e.Text, text) {
			return true
		}
	}

	return false
}
