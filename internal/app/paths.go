package app

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

// DataDir returns the root under which the database, frames, and segment
// artifacts live.
func DataDir(appName string) (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, appName), nil
}

// FramesDir returns the loose-frame root for a session. Partitioned by
// session id so concurrent sessions never collide on paths.
func FramesDir(dataDir string, sessionID int64) string {
	return filepath.Join(dataDir, "frames", strconv.FormatInt(sessionID, 10))
}

// SegmentsDir returns the directory holding encoded segment artifacts.
func SegmentsDir(dataDir string) string {
	return filepath.Join(dataDir, "segments")
}

// LocalDeviceKind reports the platform this build runs on.
func LocalDeviceKind() DeviceKind {
	switch runtime.GOOS {
	case "windows":
		return DeviceWindows
	case "darwin":
		return DeviceMacOS
	case "linux":
		return DeviceLinux
	default:
		return DeviceUnknown
	}
}
