//go:build linux

package app

import (
	"os"
	"path/filepath"
)

// LogDir returns ~/.local/share/<app>/logs.
func LogDir(appName string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", appName, "logs"), nil
}
