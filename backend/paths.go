package backend

import (
	"os"
	"path/filepath"
)

// DefaultKeystoreDir resolves the per-user directory holding appID's
// keystore. It prefers the platform config directory and falls back to a
// dotted directory under the home directory when that is unavailable.
func DefaultKeystoreDir(appID string) string {
	if appID == "" {
		appID = "keyfold"
	}
	if base, err := os.UserConfigDir(); err == nil && base != "" {
		return filepath.Join(base, appID)
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, "."+appID)
	}
	return appID
}
