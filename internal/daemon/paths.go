package daemon

import (
	"fmt"
	"os"
	"path/filepath"
)

// RuntimeDir is where the per-user socket, pid and log files live:
// XDG_RUNTIME_DIR/cocalc, with the system temp dir as a fallback for
// machines without a runtime dir.
func RuntimeDir() string {
	base := os.Getenv("XDG_RUNTIME_DIR")
	if base == "" {
		base = os.TempDir()
	}
	return filepath.Join(base, "cocalc")
}

// SocketPath is the per-user Unix socket the daemon serves.
func SocketPath() string {
	return filepath.Join(RuntimeDir(), fmt.Sprintf("cli-daemon-%d.sock", os.Getuid()))
}

// PIDPath holds the serving daemon's PID.
func PIDPath() string {
	return filepath.Join(RuntimeDir(), fmt.Sprintf("cli-daemon-%d.pid", os.Getuid()))
}

// LogPath receives the daemon's stderr when it is auto-started.
func LogPath() string {
	return filepath.Join(RuntimeDir(), fmt.Sprintf("cli-daemon-%d.log", os.Getuid()))
}
