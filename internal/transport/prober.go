package transport

import (
	"os"
	"path/filepath"

	"go.bug.st/serial"
)

// SerialProber finds a serial device by glob pattern, falling back to a
// fixed path when nothing matches.
type SerialProber struct {
	Pattern  string
	Fallback string

	listPorts func() ([]string, error)
	exists    func(path string) bool
}

func NewSerialProber(pattern, fallback string) *SerialProber {
	return &SerialProber{
		Pattern:   pattern,
		Fallback:  fallback,
		listPorts: serial.GetPortsList,
		exists:    pathExists,
	}
}

func (p *SerialProber) Probe() (string, bool) {
	if port, ok := p.firstMatch(); ok {
		return port, true
	}
	if p.Fallback != "" && p.exists(p.Fallback) {
		return p.Fallback, true
	}

	return "", false
}

func (p *SerialProber) Present() bool {
	_, ok := p.Probe()

	return ok
}

func (p *SerialProber) TracksPresence() bool { return true }

func (p *SerialProber) firstMatch() (string, bool) {
	if p.Pattern == "" {
		return "", false
	}
	logger := transportLogger("serial", "pattern", p.Pattern)

	if p.listPorts != nil {
		ports, err := p.listPorts()
		if err != nil {
			logger.Debug("list serial ports failed", "error", err)
		}
		for _, port := range ports {
			if ok, _ := filepath.Match(p.Pattern, port); ok {
				return port, true
			}
		}
	}

	// Some platforms only enumerate a subset of device nodes.
	matches, err := filepath.Glob(p.Pattern)
	if err != nil {
		logger.Warn("invalid serial glob", "error", err)

		return "", false
	}
	for _, m := range matches {
		if p.exists(m) {
			return m, true
		}
	}

	return "", false
}

// StaticProber always reports the same target as present. Network devices
// have no cheap presence check, so the connect attempt is the probe.
type StaticProber struct {
	Target string
}

func (p StaticProber) Probe() (string, bool) {
	return p.Target, p.Target != ""
}

func (p StaticProber) Present() bool {
	return p.Target != ""
}

func (p StaticProber) TracksPresence() bool { return false }

func pathExists(path string) bool {
	_, err := os.Stat(path)

	return err == nil
}
