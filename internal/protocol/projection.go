package protocol

import "strings"

const (
	buttonPrefix   = commandPrefix + "BUTTON" + argSeparator
	consoleSummary = "[bridge] received command: "
)

var firmwareBanners = []string{
	"waiting for download",
	"DOWNLOAD(USB/UART",
}

// ForObserver projects a device line for observers that want raw protocol
// visibility. BUTTON polls are dropped.
func ForObserver(line string) (string, bool) {
	if strings.HasPrefix(line, buttonPrefix) {
		return "", false
	}

	return line, true
}

// ForConsole projects a device line for log-only sinks: commands are
// summarised by name and BUTTON polls are dropped.
func ForConsole(line string) (string, bool) {
	if strings.HasPrefix(line, buttonPrefix) {
		return "", false
	}
	if strings.HasPrefix(line, commandPrefix) {
		name, _, _ := strings.Cut(strings.TrimPrefix(line, commandPrefix), argSeparator)
		name = strings.TrimSuffix(name, "$$")

		return consoleSummary + name, true
	}

	return line, true
}

// IsFirmwareBanner reports whether the line is a bootloader banner printed
// when the device enters firmware download mode.
func IsFirmwareBanner(line string) bool {
	for _, banner := range firmwareBanners {
		if strings.Contains(line, banner) {
			return true
		}
	}

	return false
}
