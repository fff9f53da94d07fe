package app

import (
	"runtime/debug"
	"testing"
)

func TestBuildVersion(t *testing.T) {
	original := Version
	originalRead := readBuildInfo
	t.Cleanup(func() {
		Version = original
		readBuildInfo = originalRead
	})

	tests := []struct {
		name   string
		in     string
		module string
		want   string
	}{
		{name: "defaults to dev", in: "", module: "(devel)", want: "dev"},
		{name: "trims value", in: " 1.2.3 ", module: "v9.9.9", want: "1.2.3"},
		{name: "falls back to module version", in: "dev", module: "v0.4.0", want: "v0.4.0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Version = tt.in
			readBuildInfo = func() (*debug.BuildInfo, bool) {
				return &debug.BuildInfo{Main: debug.Module{Version: tt.module}}, true
			}
			if got := BuildVersion(); got != tt.want {
				t.Fatalf("BuildVersion() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildDateYMD(t *testing.T) {
	original := BuildDate
	t.Cleanup(func() {
		BuildDate = original
	})

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "empty stays empty", in: "", want: ""},
		{name: "rfc3339 formatted", in: "2026-01-30T14:55:03Z", want: "2026-01-30"},
		{name: "date only", in: "2026-01-30", want: "2026-01-30"},
		{name: "unknown format returns as is", in: "not-a-date", want: "not-a-date"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			BuildDate = tt.in
			if got := BuildDateYMD(); got != tt.want {
				t.Fatalf("BuildDateYMD() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUserAgent(t *testing.T) {
	originalVersion := Version
	originalBuildDate := BuildDate
	t.Cleanup(func() {
		Version = originalVersion
		BuildDate = originalBuildDate
	})

	Version = "0.1.2"
	BuildDate = "2026-01-30T14:55:03Z"
	if got := UserAgent(); got != "devbridge/0.1.2 (2026-01-30)" {
		t.Fatalf("UserAgent() = %q", got)
	}

	BuildDate = ""
	if got := UserAgent(); got != "devbridge/0.1.2" {
		t.Fatalf("UserAgent() = %q", got)
	}
}
