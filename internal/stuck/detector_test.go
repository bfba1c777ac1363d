package stuck

import (
	"context"
	"os/exec"
	"testing"
	"time"
)

func TestDetectorReturnsWhenProcessExits(t *testing.T) {
	t.Parallel()
	cmd := exec.Command("true")
	if err := cmd.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	cmd.Wait()

	progress := NewProgress()
	progress.SetPhase(PhaseRunning)
	d := NewDetector(cmd.Process.Pid, 60_000, progress)

	done := make(chan struct{})
	go func() {
		d.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run() did not return for an exited process")
	}
	if len(progress.Snapshot()) != 0 {
		t.Fatalf("Snapshot() = %v, want no warnings for a fast-exiting process", progress.Snapshot())
	}
}

func TestDetectorRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()
	cmd := exec.Command("sleep", "5")
	if err := cmd.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer cmd.Process.Kill()

	progress := NewProgress()
	progress.SetPhase(PhaseRunning)
	d := NewDetector(cmd.Process.Pid, 60_000, progress)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run() did not return after context cancellation")
	}
}

func TestWithPauseCheckSuppressesZeroDeltaSuspicion(t *testing.T) {
	t.Parallel()
	progress := NewProgress()
	d := NewDetector(1, 5000, progress).WithPauseCheck(func() bool { return true })

	var suspicion suspicionState
	d.evaluateDelta(context.Background(), &suspicion, 0, "test-a")
	if suspicion.active() {
		t.Fatalf("evaluateDelta() left suspicion active despite a paused-threads check returning true")
	}
}

func TestEvaluateDeltaAccumulatesZeroDeltaStreak(t *testing.T) {
	t.Parallel()
	progress := NewProgress()
	d := NewDetector(1, 5000, progress)

	var suspicion suspicionState
	d.evaluateDelta(context.Background(), &suspicion, 0, "test-a")
	if !suspicion.active() || suspicion.zeroDeltaCount != 1 {
		t.Fatalf("evaluateDelta() suspicion = %+v, want active with zeroDeltaCount=1", suspicion)
	}
}

func TestEvaluateDeltaResetsOnNormalCPU(t *testing.T) {
	t.Parallel()
	progress := NewProgress()
	d := NewDetector(1, 5000, progress)

	var suspicion suspicionState
	suspicion.zeroDeltaCount = 2
	suspicion.arm()
	d.evaluateDelta(context.Background(), &suspicion, uint64(sampleInterval.Nanoseconds())/2, "test-a")
	if suspicion.active() {
		t.Fatalf("evaluateDelta() left suspicion active for a normal (mid-range) CPU delta")
	}
}

func TestStacksMatchEmptyIsInconclusive(t *testing.T) {
	t.Parallel()
	if stacksMatch(nil, []ThreadStack{{ThreadID: 1, Frames: []string{"a"}}}) {
		t.Fatal("stacksMatch() = true for an empty sample, want false (inconclusive)")
	}
}

func TestStacksMatchComparesTopFramesRegardlessOfOrder(t *testing.T) {
	t.Parallel()
	a := []ThreadStack{
		{ThreadID: 1, Frames: []string{"futex_wait"}},
		{ThreadID: 2, Frames: []string{"poll_schedule_timeout"}},
	}
	b := []ThreadStack{
		{ThreadID: 2, Frames: []string{"poll_schedule_timeout"}},
		{ThreadID: 1, Frames: []string{"futex_wait"}},
	}
	if !stacksMatch(a, b) {
		t.Fatal("stacksMatch() = false for identical frame sets in different thread order")
	}
}
