package transport

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestSerialProberPrefersEnumeratedMatch(t *testing.T) {
	p := &SerialProber{
		Pattern:  "/dev/cu.usbmodem*",
		Fallback: "/dev/cu.usbmodem1101",
		listPorts: func() ([]string, error) {
			return []string{"/dev/ttyS0", "/dev/cu.usbmodem42", "/dev/cu.usbmodem43"}, nil
		},
		exists: func(string) bool { return true },
	}

	got, ok := p.Probe()
	if !ok || got != "/dev/cu.usbmodem42" {
		t.Fatalf("unexpected probe result: %q %v", got, ok)
	}
}

func TestSerialProberFallsBackToGlobAndFallback(t *testing.T) {
	dir := t.TempDir()
	fallback := filepath.Join(dir, "fallback")
	p := &SerialProber{
		Pattern:   filepath.Join(dir, "usbmodem*"),
		Fallback:  fallback,
		listPorts: func() ([]string, error) { return nil, errors.New("enumeration unsupported") },
		exists:    pathExists,
	}

	if _, ok := p.Probe(); ok {
		t.Fatalf("expected no device before anything exists")
	}
	if p.Present() {
		t.Fatalf("expected device to be absent")
	}

	if err := os.WriteFile(fallback, nil, 0o600); err != nil {
		t.Fatalf("create fallback: %v", err)
	}
	got, ok := p.Probe()
	if !ok || got != fallback {
		t.Fatalf("expected fallback path, got %q %v", got, ok)
	}

	match := filepath.Join(dir, "usbmodem7")
	if err := os.WriteFile(match, nil, 0o600); err != nil {
		t.Fatalf("create match: %v", err)
	}
	got, ok = p.Probe()
	if !ok || got != match {
		t.Fatalf("expected glob match, got %q %v", got, ok)
	}
}

func TestStaticProber(t *testing.T) {
	if _, ok := (StaticProber{}).Probe(); ok {
		t.Fatalf("empty target must not probe")
	}
	got, ok := StaticProber{Target: "127.0.0.1:4403"}.Probe()
	if !ok || got != "127.0.0.1:4403" {
		t.Fatalf("unexpected probe: %q %v", got, ok)
	}
	if (StaticProber{Target: "127.0.0.1:4403"}).TracksPresence() {
		t.Fatalf("static target must not claim presence tracking")
	}
	if !NewSerialProber("/dev/ttyACM*", "").TracksPresence() {
		t.Fatalf("serial prober must track presence")
	}
}
