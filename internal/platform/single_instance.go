package platform

import (
	"errors"
	"strings"
)

// ErrDeviceLocked indicates another bridge process already owns the device lock.
var ErrDeviceLocked = errors.New("device already owned by another bridge")

// ErrDeviceLockUnsupported indicates the current platform has no lock backend implementation.
var ErrDeviceLockUnsupported = errors.New("device lock unsupported")

// DeviceLock represents an acquired per-device lock.
type DeviceLock interface {
	Release() error
}

// AcquireDeviceLock takes an exclusive per-user lock named after appID and the
// device selector (a serial glob or a host address), so two bridges never
// fight over one port. The lock is dropped by the OS when the process exits.
func AcquireDeviceLock(appID, device string) (DeviceLock, error) {
	return acquireDeviceLock(
		normalizeLockComponent(appID, "app"),
		normalizeLockComponent(device, "device"),
	)
}

func normalizeLockComponent(raw, fallback string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}

	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		case r == '*':
			b.WriteString("-any")
		default:
			b.WriteByte('_')
		}
	}

	normalized := strings.Trim(b.String(), "_-.")
	if normalized == "" {
		return fallback
	}

	return normalized
}
