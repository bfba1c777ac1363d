// Package state centralizes filesystem locations for Strobe's runtime
// artifacts: the Unix-domain socket, PID file, event database, and log.
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// DirEnv overrides the default runtime state root.
	DirEnv = "STROBE_STATE_DIR"

	dirName = ".strobe"
)

// RootDir returns the runtime state root for Strobe.
// Resolution order:
//  1. STROBE_STATE_DIR (if set)
//  2. $HOME/.strobe
func RootDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv(DirEnv)); override != "" {
		return normalizePath(override)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, dirName), nil
}

// SocketPath returns the Unix-domain socket path the daemon listens on
// and clients dial.
func SocketPath() (string, error) {
	return InRoot("strobe.sock")
}

// PIDFile returns the daemon's PID file path.
func PIDFile() (string, error) {
	return InRoot("strobe.pid")
}

// DatabasePath returns the SQLite event/session database path.
func DatabasePath() (string, error) {
	return InRoot("events.db")
}

// LogFile returns the daemon log file path.
func LogFile() (string, error) {
	return InRoot("daemon.log")
}

// InRoot returns a path rooted under RootDir with additional path elements,
// ensuring the root directory exists.
func InRoot(parts ...string) (string, error) {
	root, err := RootDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return "", fmt.Errorf("cannot create state dir %s: %w", root, err)
	}
	all := make([]string, 0, len(parts)+1)
	all = append(all, root)
	all = append(all, parts...)
	return filepath.Join(all...), nil
}

func normalizePath(path string) (string, error) {
	if path == "" {
		return "", errors.New("empty path")
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path), nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("cannot resolve path %q: %w", path, err)
	}
	return filepath.Clean(absPath), nil
}
