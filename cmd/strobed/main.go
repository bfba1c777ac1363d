// Command strobed is the long-lived debugging daemon: it owns the
// instrumentation engine, the event database, and the Unix-domain
// socket that clients (via cmd/strobe) connect to.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/strobe-dev/strobe/internal/coordinator"
	"github.com/strobe-dev/strobe/internal/engine"
	"github.com/strobe-dev/strobe/internal/rpc"
	"github.com/strobe-dev/strobe/internal/session"
	"github.com/strobe-dev/strobe/internal/state"
	"github.com/strobe-dev/strobe/internal/store"
	"github.com/strobe-dev/strobe/internal/util"
)

const idleShutdownTimeout = 30 * time.Minute

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "[strobed] %v\n", err)
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
	dbPath, err := state.DatabasePath()
	if err != nil {
		return fmt.Errorf("resolve database path: %w", err)
	}

	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket: %w", err)
	}
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}
	defer os.Remove(pidPath)

	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open event database: %w", err)
	}
	defer db.Close()
	if err := db.CleanupStaleSessions(); err != nil {
		fmt.Fprintf(os.Stderr, "[strobed] cleanup stale sessions: %v\n", err)
	}

	device := engine.NewLocalDevice()
	coord := coordinator.New(device)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	coord.Start(ctx)

	manager := session.New(db, coord)
	dispatcher := rpc.New(manager, db)

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer ln.Close()
	defer os.Remove(socketPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	lastActivity := newActivityClock()
	util.SafeGo(func() { acceptLoop(ln, dispatcher, lastActivity) })

	idleTicker := time.NewTicker(time.Minute)
	defer idleTicker.Stop()

	for {
		select {
		case <-sigCh:
			return nil
		case <-idleTicker.C:
			if lastActivity.idleFor() > idleShutdownTimeout {
				fmt.Fprintf(os.Stderr, "[strobed] idle for %s, shutting down\n", idleShutdownTimeout)
				return nil
			}
		}
	}
}

func acceptLoop(ln net.Listener, dispatcher *rpc.Dispatcher, activity *activityClock) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		activity.touch()
		util.SafeGo(func() {
			dispatcher.Serve(conn)
			activity.touch()
		})
	}
}
