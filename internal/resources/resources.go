package resources

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

//go:embed web/web_ui.html
var webUI []byte

// WebUI returns the observer page. A non-empty overridePath replaces the
// embedded copy with the file at that path.
func WebUI(overridePath string) ([]byte, error) {
	overridePath = strings.TrimSpace(overridePath)
	if overridePath == "" {
		return webUI, nil
	}

	// #nosec G304 -- path comes from operator configuration.
	raw, err := os.ReadFile(filepath.Clean(overridePath))
	if err != nil {
		return nil, fmt.Errorf("read web ui: %w", err)
	}

	return raw, nil
}
