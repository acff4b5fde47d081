//go:build darwin

package app

import (
	"os"
	"path/filepath"
)

// LogDir returns ~/Library/Logs/<app>.
func LogDir(appName string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "Library", "Logs", appName), nil
}
