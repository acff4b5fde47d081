//go:build windows

package app

import (
	"errors"
	"os"
	"path/filepath"
)

// LogDir returns %APPDATA%\<app>\logs.
func LogDir(appName string) (string, error) {
	appData := os.Getenv("APPDATA")
	if appData == "" {
		return "", errors.New("APPDATA is not set")
	}
	return filepath.Join(appData, appName, "logs"), nil
}
