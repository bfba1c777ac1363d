// Package stuck implements the continuous advisory stuck detector: a
// multi-signal monitor (CPU-time delta over the process tree, confirmed
// by stack-sample comparison) that writes warnings to a shared Progress
// record instead of killing anything. Kill authority stays with the
// explicit stop_session call.
package stuck

import "sync"

// Phase is the coarse lifecycle stage of a monitored spawn.
type Phase string

const (
	PhaseCompiling      Phase = "compiling"
	PhaseRunning        Phase = "running"
	PhaseSuitesFinished Phase = "suites_finished"
)

// Warning is one advisory diagnosis surfaced to callers querying a
// session's progress.
type Warning struct {
	TestName string
	IdleMs   int64
	Diagnosis string
}

// Progress is the shared, mutex-guarded state the detector reads and
// annotates. A session owns one Progress and hands the same pointer to
// both its coordinator logic and its StuckDetector.
type Progress struct {
	mu          sync.Mutex
	Phase       Phase
	CurrentTest string
	Warnings    []Warning
}

// NewProgress returns a Progress starting in PhaseCompiling.
func NewProgress() *Progress {
	return &Progress{Phase: PhaseCompiling}
}

func (p *Progress) phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Phase
}

// SetPhase transitions the monitored phase. Called by whatever drives
// the spawn lifecycle (build step completion, suite completion).
func (p *Progress) SetPhase(ph Phase) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Phase = ph
}

func (p *Progress) currentTest() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CurrentTest
}

// SetCurrentTest records the name of the test/unit now running. A
// change from the previous value resets warnings and suspicion state
// in the detector's next tick.
func (p *Progress) SetCurrentTest(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CurrentTest = name
}

func (p *Progress) writeWarning(w Warning) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.Warnings[:0]
	for _, existing := range p.Warnings {
		if existing.TestName != w.TestName {
			kept = append(kept, existing)
		}
	}
	p.Warnings = append(kept, w)
}

func (p *Progress) clearWarnings() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Warnings = nil
}

// Snapshot returns a copy of the current warnings.
func (p *Progress) Snapshot() []Warning {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Warning, len(p.Warnings))
	copy(out, p.Warnings)
	return out
}
