package engine

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestLocalDeviceSpawnResumeKill(t *testing.T) {
	t.Parallel()
	d := NewLocalDevice()

	pid, err := d.Spawn(context.Background(), SpawnOptions{
		Program:   "/bin/sleep",
		Args:      []string{"5"},
		Suspended: true,
	})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	if pid <= 0 {
		t.Fatalf("Spawn() pid = %d, want > 0", pid)
	}

	if err := d.Resume(pid); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if err := d.Kill(pid); err != nil {
		t.Fatalf("Kill() error = %v", err)
	}
}

func TestLocalDeviceCreateScriptReportsUnsupported(t *testing.T) {
	t.Parallel()
	d := NewLocalDevice()
	pid, err := d.Spawn(context.Background(), SpawnOptions{Program: "/bin/sleep", Args: []string{"5"}, Suspended: true})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	defer d.Kill(pid)

	script, err := d.CreateScript(context.Background(), pid, "// agent source")
	if err != nil {
		t.Fatalf("CreateScript() error = %v", err)
	}
	if err := script.Load(context.Background()); err == nil {
		t.Fatalf("Load() error = nil, want an unsupported-engine error")
	}
}

func TestLocalDeviceOnOutputDeliversStdout(t *testing.T) {
	t.Parallel()
	d := NewLocalDevice()

	var (
		mu  sync.Mutex
		got []byte
	)
	d.OnOutput(func(pid int, kind OutputKind, data []byte) {
		if kind != OutputStdout {
			return
		}
		mu.Lock()
		got = append(got, data...)
		mu.Unlock()
	})

	pid, err := d.Spawn(context.Background(), SpawnOptions{Program: "/bin/echo", Args: []string{"hello"}})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	defer d.Kill(pid)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no stdout observed from /bin/echo within deadline")
}
