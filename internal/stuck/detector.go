package stuck

import (
	"context"
	"time"
)

const (
	sampleInterval    = 2 * time.Second
	confirmStreakFor  = 6 * time.Second
	hardTimeoutCooldown = 5 * time.Second
	stackSampleGap    = 2 * time.Second
	stackSampleTimeout = 8 * time.Second

	zeroDeltaStreakToConfirm  = 3
	constantHighStreakToConfirm = 3
	constantHighFraction = 0.8
)

// suspicionState is the since/zero-delta/constant-high triplet the
// detector accumulates across ticks; all three reset together.
type suspicionState struct {
	since             time.Time
	zeroDeltaCount    int
	constantHighCount int
}

func (s *suspicionState) active() bool { return !s.since.IsZero() }

func (s *suspicionState) reset() {
	s.since = time.Time{}
	s.zeroDeltaCount = 0
	s.constantHighCount = 0
}

func (s *suspicionState) arm() {
	if s.since.IsZero() {
		s.since = time.Now()
	}
}

// PauseCheck reports whether any thread in the monitored session is
// currently paused at a breakpoint. When true, zero CPU delta is
// expected and is not stuck-suspicious.
type PauseCheck func() bool

// Detector is a continuous, per-spawn advisory monitor. It never kills
// its target; it only annotates Progress with warnings for a caller to
// act on.
type Detector struct {
	pid            int
	hardTimeoutMs  int64
	progress       *Progress
	hasPausedCheck PauseCheck
}

// NewDetector constructs a Detector for pid. hardTimeoutMs is the
// running-phase duration after which a single "consider stopping"
// warning is posted.
func NewDetector(pid int, hardTimeoutMs int64, progress *Progress) *Detector {
	return &Detector{pid: pid, hardTimeoutMs: hardTimeoutMs, progress: progress}
}

// WithPauseCheck attaches the paused-threads probe used to suppress
// false "deadlock" suspicion while the debugger itself is holding a
// thread at a breakpoint.
func (d *Detector) WithPauseCheck(check PauseCheck) *Detector {
	d.hasPausedCheck = check
	return d
}

// Run monitors until the process exits or ctx is cancelled. Intended
// to be launched via util.SafeGo, one per in-flight spawn.
func (d *Detector) Run(ctx context.Context) {
	start := time.Now()
	var runningSince time.Time
	var prevCPUNs uint64
	havePrevCPU := false
	var suspicion suspicionState
	prevTest := d.progress.currentTest()

	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !isProcessAlive(d.pid) {
			return
		}

		phase := d.progress.phase()
		if runningSince.IsZero() && phase != PhaseCompiling {
			runningSince = time.Now()
		}

		current := d.progress.currentTest()
		if current != prevTest && prevTest != "" {
			d.progress.clearWarnings()
			suspicion.reset()
		}
		prevTest = current

		if phase == PhaseSuitesFinished {
			d.progress.clearWarnings()
			suspicion.reset()
			prevCPUNs = processTreeCPUNs(d.pid)
			havePrevCPU = true
			if !sleepCtx(ctx, sampleInterval) {
				return
			}
			continue
		}

		if !runningSince.IsZero() && time.Since(runningSince).Milliseconds() >= d.hardTimeoutMs {
			d.progress.writeWarning(Warning{
				TestName:  current,
				IdleMs:    time.Since(start).Milliseconds(),
				Diagnosis: "Hard timeout reached — consider stopping the session",
			})
			if !sleepCtx(ctx, hardTimeoutCooldown) {
				return
			}
			continue
		}

		if phase == PhaseCompiling {
			prevCPUNs = processTreeCPUNs(d.pid)
			havePrevCPU = true
			if !sleepCtx(ctx, sampleInterval) {
				return
			}
			continue
		}

		cpuNs := processTreeCPUNs(d.pid)
		if havePrevCPU {
			delta := uint64(0)
			if cpuNs > prevCPUNs {
				delta = cpuNs - prevCPUNs
			}
			d.evaluateDelta(ctx, &suspicion, delta, current)
		}
		prevCPUNs = cpuNs
		havePrevCPU = true

		if !sleepCtx(ctx, sampleInterval) {
			return
		}
	}
}

func (d *Detector) evaluateDelta(ctx context.Context, suspicion *suspicionState, delta uint64, currentTest string) {
	paused := d.hasPausedCheck != nil && d.hasPausedCheck()

	switch {
	case delta == 0 && paused:
		suspicion.reset()
		return
	case delta == 0:
		suspicion.zeroDeltaCount++
		suspicion.constantHighCount = 0
		suspicion.arm()
	case float64(delta) > constantHighFraction*float64(sampleInterval.Nanoseconds()):
		suspicion.constantHighCount++
		suspicion.zeroDeltaCount = 0
		suspicion.arm()
	default:
		suspicion.reset()
		d.progress.clearWarnings()
		return
	}

	if !suspicion.active() || time.Since(suspicion.since) < confirmStreakFor {
		return
	}

	diagnosisType := "unknown"
	switch {
	case suspicion.zeroDeltaCount >= zeroDeltaStreakToConfirm:
		diagnosisType = "deadlock"
	case suspicion.constantHighCount >= constantHighStreakToConfirm:
		diagnosisType = "infinite_loop"
	}

	if diagnosis, ok := d.confirmWithStacks(ctx, diagnosisType); ok {
		d.progress.writeWarning(Warning{
			TestName:  currentTest,
			IdleMs:    time.Since(suspicion.since).Milliseconds(),
			Diagnosis: diagnosis,
		})
	}
	suspicion.reset()
}

// confirmWithStacks takes two stack samples stackSampleGap apart and
// reports a diagnosis only if the top frames of every thread match
// across both: unchanged stacks across a real time gap mean no
// progress, which is what "stuck" means here.
func (d *Detector) confirmWithStacks(ctx context.Context, diagnosisType string) (string, bool) {
	stacks1 := sampleStacksWithTimeout(d.pid, stackSampleTimeout)

	if !sleepCtx(ctx, stackSampleGap) {
		return "", false
	}
	if !isProcessAlive(d.pid) || d.progress.phase() == PhaseSuitesFinished {
		return "", false
	}

	stacks2 := sampleStacksWithTimeout(d.pid, stackSampleTimeout)
	if !stacksMatch(stacks1, stacks2) {
		return "", false
	}

	switch diagnosisType {
	case "deadlock":
		return "Deadlock: 0% CPU, stacks unchanged across samples", true
	case "infinite_loop":
		return "Infinite loop: sustained high CPU, stacks unchanged across samples", true
	default:
		return "Process appears stuck: stacks unchanged across samples", true
	}
}

func sampleStacksWithTimeout(pid int, timeout time.Duration) []ThreadStack {
	result := make(chan []ThreadStack, 1)
	go func() { result <- captureNativeStacks(pid) }()
	select {
	case stacks := <-result:
		return stacks
	case <-time.After(timeout):
		return nil
	}
}

// sleepCtx sleeps for d or until ctx is cancelled, reporting false in
// the cancelled case so callers can return immediately.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
