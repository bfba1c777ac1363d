// Package proxy implements the Reconnecting Proxy (C12): a thin
// bidirectional pipe between a short-lived client process (stdin/stdout)
// and the long-lived daemon (a Unix-domain socket). If the daemon isn't
// running, the proxy spawns it detached and waits for the socket to
// appear; if the daemon crashes mid-session, the proxy reconnects and
// replays the client's initialization handshake so the new daemon
// process accepts subsequent calls without the client noticing.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os/exec"
	"time"

	"github.com/strobe-dev/strobe/internal/bridge"
	"github.com/strobe-dev/strobe/internal/rpc"
	"github.com/strobe-dev/strobe/internal/util"
)

const (
	dialTimeout      = 2 * time.Second
	spawnPollTimeout = 5 * time.Second
	maxBodySize      = 4 << 20
)

// DaemonLauncher starts the daemon process, detached, so it outlives the
// proxy. Swappable in tests.
type DaemonLauncher func() (*exec.Cmd, error)

// Proxy relays between a client's stdio and the daemon's socket.
type Proxy struct {
	socketPath string
	pidPath    string
	launch     DaemonLauncher
	budget     *reconnectBudget

	initLine []byte // captured for replay after a reconnect
}

// New constructs a Proxy that dials socketPath, spawning the daemon via
// launch when the socket is absent or connection is refused. pidPath is
// consulted for stale-file cleanup only; the proxy doesn't write it
// itself (the daemon does, on boot).
func New(socketPath, pidPath string, launch DaemonLauncher) *Proxy {
	return &Proxy{
		socketPath: socketPath,
		pidPath:    pidPath,
		launch:     launch,
		budget:     newReconnectBudget(3, 60*time.Second),
	}
}

// Run relays framed messages between stdin/stdout and the daemon until
// stdin is exhausted or an unrecoverable error occurs.
func (p *Proxy) Run(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	if err := cleanupStaleFiles(p.socketPath); err != nil {
		return fmt.Errorf("proxy: stale file cleanup: %w", err)
	}
	if p.pidPath != "" {
		removeStalePIDFile(p.pidPath)
	}

	conn, err := p.connectOrSpawn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	reader := bufio.NewReader(stdin)
	connReader := bufio.NewReader(conn)

	for {
		line, err := bridge.ReadStdioMessage(reader, maxBodySize)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("proxy: reading client message: %w", err)
		}

		if p.initLine == nil {
			p.initLine = append([]byte(nil), line...)
		}

		method := requestMethod(line)
		resp, newConn, newConnReader, err := p.sendWithReconnect(ctx, conn, connReader, line, method)
		if err != nil {
			return err
		}
		conn, connReader = newConn, newConnReader

		if _, err := stdout.Write(append(resp, '\n')); err != nil {
			return fmt.Errorf("proxy: writing to client: %w", err)
		}
	}
}

// sendWithReconnect writes line to conn and reads one reply line. On a
// connection error it reconnects (spawning the daemon if necessary),
// replays the captured initialize handshake and discards its response,
// then retries the original request once against the fresh connection.
func (p *Proxy) sendWithReconnect(ctx context.Context, conn net.Conn, connReader *bufio.Reader, line []byte, method string) ([]byte, net.Conn, *bufio.Reader, error) {
	resp, err := roundTrip(conn, connReader, line, method)
	if err == nil {
		return resp, conn, connReader, nil
	}
	if !bridge.IsConnectionError(err) {
		return nil, conn, connReader, fmt.Errorf("proxy: daemon call failed: %w", err)
	}

	conn.Close()
	if !p.budget.allow() {
		return nil, conn, connReader, fmt.Errorf("proxy: daemon unreachable after %d reconnect attempts: %w", p.budget.max, err)
	}

	newConn, dialErr := p.connectOrSpawn(ctx)
	if dialErr != nil {
		return nil, conn, connReader, fmt.Errorf("proxy: reconnect failed: %w", dialErr)
	}
	newReader := bufio.NewReader(newConn)

	if p.initLine != nil && method != rpc.MethodInitialize {
		if _, err := roundTrip(newConn, newReader, p.initLine, rpc.MethodInitialize); err != nil {
			newConn.Close()
			return nil, conn, connReader, fmt.Errorf("proxy: replaying handshake after reconnect: %w", err)
		}
	}

	resp, err = roundTrip(newConn, newReader, line, method)
	if err != nil {
		newConn.Close()
		return nil, conn, connReader, fmt.Errorf("proxy: daemon call failed after reconnect: %w", err)
	}
	return resp, newConn, newReader, nil
}

// roundTrip writes line and reads one reply, bounding the read by the
// method's timeout tier so a stalled daemon is detected as a failure
// (and reconnected-to) rather than hanging the client forever.
func roundTrip(conn net.Conn, reader *bufio.Reader, line []byte, method string) ([]byte, error) {
	conn.SetWriteDeadline(time.Now().Add(dialTimeout))
	if _, err := conn.Write(append(append([]byte(nil), line...), '\n')); err != nil {
		return nil, err
	}
	conn.SetReadDeadline(time.Now().Add(bridge.RPCMethodTimeout(method)))
	resp, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	if len(resp) > 0 && resp[len(resp)-1] == '\n' {
		resp = resp[:len(resp)-1]
	}
	return resp, nil
}

// requestMethod extracts the method name from a client request line,
// empty if the line doesn't parse as one (treated as the fast tier).
func requestMethod(line []byte) string {
	var req rpc.Request
	if err := json.Unmarshal(line, &req); err != nil {
		return ""
	}
	return req.Method
}

// connectOrSpawn dials the socket, spawning the daemon detached and
// polling for the socket to appear if the dial fails because nothing is
// listening yet.
func (p *Proxy) connectOrSpawn(ctx context.Context) (net.Conn, error) {
	if conn, err := net.DialTimeout("unix", p.socketPath, dialTimeout); err == nil {
		return conn, nil
	}

	cmd, err := p.launch()
	if err != nil {
		return nil, fmt.Errorf("proxy: spawning daemon: %w", err)
	}
	util.SetDetachedProcess(cmd)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("proxy: starting daemon: %w", err)
	}

	deadline := time.Now().Add(spawnPollTimeout)
	for time.Now().Before(deadline) {
		if conn, err := net.DialTimeout("unix", p.socketPath, dialTimeout); err == nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("proxy: daemon did not start listening on %s within %s", p.socketPath, spawnPollTimeout)
}
