//go:build windows

package platform

import (
	"errors"
	"strings"
	"testing"
)

func TestWindowsDeviceMutexNameIsUserScoped(t *testing.T) {
	got := windowsDeviceMutexName("devbridge", "COM3", "S-1-5-21-1")
	if !strings.HasPrefix(got, `Local\devbridge-device-COM3-`) {
		t.Fatalf("unexpected mutex name %q", got)
	}
	if !strings.HasSuffix(got, "S-1-5-21-1") {
		t.Fatalf("expected sid suffix, got %q", got)
	}
}

func TestAcquireDeviceLock_Contention(t *testing.T) {
	lock1, err := AcquireDeviceLock("devbridge-test", "COM42")
	if err != nil {
		t.Fatalf("acquire first lock: %v", err)
	}
	defer func() { _ = lock1.Release() }()

	if _, err := AcquireDeviceLock("devbridge-test", "COM42"); !errors.Is(err, ErrDeviceLocked) {
		t.Fatalf("expected %v, got %v", ErrDeviceLocked, err)
	}
}
