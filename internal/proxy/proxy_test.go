package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/strobe-dev/strobe/internal/rpc"
)

func echoUnixServer(t *testing.T, socketPath string) net.Listener {
	t.Helper()
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if err != nil {
						return
					}
					c.Write(buf[:n])
				}
			}(conn)
		}
	}()
	return ln
}

func TestProxyRelaysToRunningDaemon(t *testing.T) {
	t.Parallel()
	sock := filepath.Join(t.TempDir(), "strobe.sock")
	ln := echoUnixServer(t, sock)
	defer ln.Close()

	p := New(sock, "", func() (*exec.Cmd, error) {
		t.Fatal("launch() should not be called when the daemon is already listening")
		return nil, nil
	})

	req, _ := json.Marshal(rpc.Request{ID: "1", Method: rpc.MethodInitialize})
	stdin := bytes.NewReader(append(req, '\n'))
	var stdout bytes.Buffer

	if err := p.Run(context.Background(), stdin, &stdout); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if strings.TrimSpace(stdout.String()) != string(req) {
		t.Fatalf("stdout = %q, want echoed %q", stdout.String(), req)
	}
}

func TestReconnectBudgetExhausts(t *testing.T) {
	t.Parallel()
	b := newReconnectBudget(2, time.Minute)
	if !b.allow() || !b.allow() {
		t.Fatal("allow() should succeed for the first max attempts")
	}
	if b.allow() {
		t.Fatal("allow() should fail once the budget is exhausted")
	}
}

func TestReconnectBudgetResetsOutsideWindow(t *testing.T) {
	t.Parallel()
	b := newReconnectBudget(1, 10*time.Millisecond)
	if !b.allow() {
		t.Fatal("allow() should succeed for the first attempt")
	}
	time.Sleep(20 * time.Millisecond)
	if !b.allow() {
		t.Fatal("allow() should succeed again once the window has elapsed")
	}
}

func TestCleanupStaleFilesRemovesUnlistenedSocket(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	sock := filepath.Join(dir, "strobe.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	ln.Close() // leaves the socket file behind with nothing listening

	if err := cleanupStaleFiles(sock); err != nil {
		t.Fatalf("cleanupStaleFiles() error = %v", err)
	}
	if _, err := os.Stat(sock); !os.IsNotExist(err) {
		t.Fatalf("socket file still present after cleanup, stat err = %v", err)
	}
}

func TestRequestMethodExtractsMethodName(t *testing.T) {
	t.Parallel()
	line, _ := json.Marshal(rpc.Request{Method: rpc.MethodInitialize})
	if got := requestMethod(line); got != rpc.MethodInitialize {
		t.Fatalf("requestMethod() = %q, want %q", got, rpc.MethodInitialize)
	}
	other, _ := json.Marshal(rpc.Request{Method: "debug_stop"})
	if got := requestMethod(other); got != "debug_stop" {
		t.Fatalf("requestMethod() = %q, want debug_stop", got)
	}
	if got := requestMethod([]byte("not json")); got != "" {
		t.Fatalf("requestMethod() = %q, want empty for malformed input", got)
	}
}
