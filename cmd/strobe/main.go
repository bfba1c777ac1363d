// Command strobe is the short-lived client: it relays stdin/stdout to
// the strobed daemon over a Unix-domain socket, starting the daemon on
// demand and reconnecting across crashes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/strobe-dev/strobe/internal/proxy"
	"github.com/strobe-dev/strobe/internal/state"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "[strobe] %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	socketPath, err := state.SocketPath()
	if err != nil {
		return fmt.Errorf("resolve socket path: %w", err)
	}
	pidPath, err := state.PIDFile()
	if err != nil {
		return fmt.Errorf("resolve pid path: %w", err)
	}

	p := proxy.New(socketPath, pidPath, launchDaemon)
	return p.Run(context.Background(), os.Stdin, os.Stdout)
}

// launchDaemon resolves strobed relative to this binary's own
// directory, falling back to PATH lookup, and returns it unstarted so
// the proxy can apply SetDetachedProcess before Start.
func launchDaemon() (*exec.Cmd, error) {
	path, err := daemonBinaryPath()
	if err != nil {
		return nil, err
	}
	return exec.Command(path), nil
}

func daemonBinaryPath() (string, error) {
	if self, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(self), "strobed")
		if _, statErr := os.Stat(sibling); statErr == nil {
			return sibling, nil
		}
	}
	return exec.LookPath("strobed")
}
