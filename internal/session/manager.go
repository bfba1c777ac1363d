// Package session implements the public façade over the coordinator and
// per-session workers: session lifecycle, pattern/breakpoint/watch
// bookkeeping, the DWARF cache, and the pause registry.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/strobe-dev/strobe/internal/buffers"
	"github.com/strobe-dev/strobe/internal/coordinator"
	"github.com/strobe-dev/strobe/internal/events"
	"github.com/strobe-dev/strobe/internal/sessionworker"
	"github.com/strobe-dev/strobe/internal/store"
	"github.com/strobe-dev/strobe/internal/strobeerr"
	"github.com/strobe-dev/strobe/internal/stuck"
	"github.com/strobe-dev/strobe/internal/symbols"
	"github.com/strobe-dev/strobe/internal/util"
)

const (
	eventChannelCapacity = 10000
	maxBreakpoints       = 50
	maxLogpoints         = 100
	maxWatches           = 32
	maxHooksPerCall      = 100
	hookChunkSize        = 50

	// hardTimeoutMs is the stuck-detector's "consider stopping" advisory
	// threshold. The algorithm that consumes it is spec'd; a concrete
	// default for an arbitrary debugged binary isn't, so 15 minutes is
	// chosen as a generous ceiling unlikely to false-positive on slow
	// test suites.
	hardTimeoutMs = 15 * 60 * 1000

	// recentOutputCapacity bounds the in-memory stdout/stderr tail kept
	// per session, so a status query doesn't need a database round trip.
	recentOutputCapacity = 500
)

// PauseRecord is one entry of the paused-thread registry: populated on a
// Pause event, cleared on resume/step/session end.
type PauseRecord struct {
	BreakpointID  string
	PC            uint64
	ReturnAddress uint64
	HasReturnAddr bool
	FunctionName  string
	Arguments     []string
}

// Breakpoint is a stop-the-world instrumentation point; Logpoint is the
// non-pausing sibling that carries a message template instead.
type Breakpoint struct {
	ID         string
	Address    uint64
	File       string
	Line       int
	Condition  string
	HitCeiling int
	Hits       int
	Message    string // non-empty makes this a logpoint
}

// Watch is one active memory watch, pre-resolved to a read/write recipe.
type Watch struct {
	Label      string
	Recipe     symbols.WatchRecipe
	OnPatterns []string
}

// OutputLine is one stdout/stderr line kept in a session's recent-output
// tail, readable without a database round trip.
type OutputLine struct {
	Stream string // "stdout" | "stderr"
	Text   string
}

type sessionState struct {
	mu sync.Mutex

	binaryPath  string
	projectRoot string
	pid         int
	imageBase   uint64

	recentOutput *buffers.RingBuffer[OutputLine]

	dwarf  symbols.Handle
	worker *sessionworker.Worker

	patterns    []string // insertion order preserved
	patternMode map[string]string
	hookCount   int

	paused      map[string]PauseRecord // thread id -> record
	breakpoints map[string]*Breakpoint
	watches     map[string]*Watch

	eventTx chan coordinator.Event

	stepCounter int

	progress     *stuck.Progress
	cancelDetect context.CancelFunc
}

// Manager is the Session Manager façade (C8).
type Manager struct {
	db    *store.DB
	coord *coordinator.Coordinator

	mu       sync.Mutex
	sessions map[string]*sessionState

	dwarfCache sync.Map // binaryPath -> symbols.Handle
	sf         singleflight.Group
}

// New constructs a Manager bound to db and coord. coord.Start must already
// have been called by the caller.
func New(db *store.DB, coord *coordinator.Coordinator) *Manager {
	return &Manager{
		db:       db,
		coord:    coord,
		sessions: make(map[string]*sessionState),
	}
}

// GenerateSessionID builds `<binary>-<YYYY-MM-DD>-<HH>h<MM>`, appending
// `-2`, `-3`, … on collision with an existing row.
func (m *Manager) GenerateSessionID(binaryName string, now time.Time) (string, error) {
	base := fmt.Sprintf("%s-%s-%02dh%02d", binaryName, now.Format("2006-01-02"), now.Hour(), now.Minute())
	candidate := base
	for n := 2; ; n++ {
		existing, err := m.db.GetSession(candidate)
		if err != nil {
			return "", strobeerr.Wrap(strobeerr.CodeInternal, err)
		}
		if existing == nil {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d", base, n)
	}
}

// dwarfHandleFor returns the cached Parse Handle for binaryPath, spawning
// a background parse on first access. Concurrent callers for the same
// binary collapse onto one parse via singleflight.
func (m *Manager) dwarfHandleFor(binaryPath string) symbols.Handle {
	if v, ok := m.dwarfCache.Load(binaryPath); ok {
		return v.(symbols.Handle)
	}
	v, _, _ := m.sf.Do(binaryPath, func() (any, error) {
		if v, ok := m.dwarfCache.Load(binaryPath); ok {
			return v.(symbols.Handle), nil
		}
		h := symbols.SpawnParse(binaryPath)
		m.dwarfCache.Store(binaryPath, h)
		return h, nil
	})
	return v.(symbols.Handle)
}

// SpawnOptions is the caller-facing spawn request.
type SpawnOptions struct {
	BinaryPath  string
	Args        []string
	Cwd         string
	Env         map[string]string
	ProjectRoot string
	DeferResume bool
}

// SpawnWithEngine starts (or retrieves) a DWARF parse for the binary,
// opens an event channel, sends Spawn to the coordinator, and registers
// the per-session worker. Returns the new Session row.
func (m *Manager) SpawnWithEngine(ctx context.Context, opts SpawnOptions) (*store.Session, error) {
	existing, err := m.db.GetSessionByBinary(opts.BinaryPath)
	if err != nil {
		return nil, strobeerr.Wrap(strobeerr.CodeInternal, err)
	}
	if existing != nil && existing.Status == store.StatusRunning {
		return nil, strobeerr.New(strobeerr.CodeSessionExists, "binary %q already has a running session %q", opts.BinaryPath, existing.ID)
	}

	handle := m.dwarfHandleFor(opts.BinaryPath)

	binaryName := opts.BinaryPath
	if idx := lastSlash(binaryName); idx >= 0 {
		binaryName = binaryName[idx+1:]
	}
	id, err := m.GenerateSessionID(binaryName, time.Now())
	if err != nil {
		return nil, err
	}

	eventTx := make(chan coordinator.Event, eventChannelCapacity)

	res, err := m.coord.Spawn(ctx, coordinator.SpawnRequest{
		SessionID:   id,
		Program:     opts.BinaryPath,
		Args:        opts.Args,
		Cwd:         opts.Cwd,
		Env:         opts.Env,
		EventTx:     eventTx,
		DeferResume: opts.DeferResume,
	})
	if err != nil {
		return nil, strobeerr.New(strobeerr.CodeAttachFailed, "%v", err)
	}

	session, err := m.db.CreateSession(id, opts.BinaryPath, opts.ProjectRoot, res.PID)
	if err != nil {
		return nil, strobeerr.Wrap(strobeerr.CodeInternal, err)
	}

	imageBase, _ := symbols.ExtractImageBase(opts.BinaryPath)

	progress := stuck.NewProgress()
	progress.SetPhase(stuck.PhaseRunning)
	progress.SetCurrentTest(binaryName)

	detectCtx, cancelDetect := context.WithCancel(context.Background())

	st := &sessionState{
		binaryPath:   opts.BinaryPath,
		projectRoot:  opts.ProjectRoot,
		pid:          res.PID,
		imageBase:    imageBase,
		dwarf:        handle,
		worker:       sessionworker.New(id, res.PID, res.Script),
		patternMode:  make(map[string]string),
		paused:       make(map[string]PauseRecord),
		breakpoints:  make(map[string]*Breakpoint),
		watches:      make(map[string]*Watch),
		eventTx:      eventTx,
		progress:     progress,
		cancelDetect: cancelDetect,
		recentOutput: buffers.NewRingBuffer[OutputLine](recentOutputCapacity),
	}

	m.mu.Lock()
	m.sessions[id] = st
	m.mu.Unlock()

	writer := events.NewWriter(m.db, id, time.Now().UnixNano())
	writer.OnEach = func(e store.Event) {
		switch e.Kind {
		case store.KindStdout:
			st.recentOutput.WriteOne(OutputLine{Stream: "stdout", Text: e.Text})
		case store.KindStderr:
			st.recentOutput.WriteOne(OutputLine{Stream: "stderr", Text: e.Text})
		}
	}
	writer.OnPause = func(info events.PauseInfo) {
		threadID := fmt.Sprintf("%d", info.ThreadID)
		m.RecordPause(id, threadID, PauseRecord{
			BreakpointID:  info.BreakpointID,
			PC:            info.PC,
			ReturnAddress: info.ReturnAddress,
			HasReturnAddr: info.HasReturnAddr,
			FunctionName:  info.FunctionName,
		})
	}
	util.SafeGo(func() { writer.Run(eventTx) })

	detector := stuck.NewDetector(res.PID, hardTimeoutMs, progress).WithPauseCheck(func() bool {
		paused, err := m.PausedThreads(id)
		return err == nil && len(paused) > 0
	})
	util.SafeGo(func() { detector.Run(detectCtx) })

	return session, nil
}

// StopSession issues StopSession on the coordinator, lets buffered events
// flush briefly, then deletes the session row and its events, returning
// the deleted event count.
func (m *Manager) StopSession(id string) (uint64, error) {
	m.mu.Lock()
	st, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if m.coord != nil {
		m.coord.StopSession(id)
	}
	if ok {
		st.worker.Shutdown(context.Background())
		if st.cancelDetect != nil {
			st.cancelDetect()
		}
	}

	time.Sleep(50 * time.Millisecond)

	count, err := m.db.CountSessionEvents(id)
	if err != nil {
		return 0, strobeerr.Wrap(strobeerr.CodeInternal, err)
	}
	if err := m.db.DeleteSession(id); err != nil {
		return 0, strobeerr.Wrap(strobeerr.CodeInternal, err)
	}
	return count, nil
}

func (m *Manager) state(id string) (*sessionState, error) {
	m.mu.Lock()
	st, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, strobeerr.SessionNotFound(id)
	}
	return st, nil
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

// Progress returns the stuck-detector progress/warnings tracker for a
// session, for RPC status queries.
func (m *Manager) Progress(id string) (*stuck.Progress, error) {
	st, err := m.state(id)
	if err != nil {
		return nil, err
	}
	return st.progress, nil
}

// RecentOutput returns up to n of the most recent stdout/stderr lines
// for a session, oldest first, without a database round trip.
func (m *Manager) RecentOutput(id string, n int) ([]OutputLine, error) {
	st, err := m.state(id)
	if err != nil {
		return nil, err
	}
	return st.recentOutput.ReadLast(n), nil
}

// ActivePatterns returns the session's active pattern set in insertion
// order.
func (m *Manager) ActivePatterns(id string) ([]string, error) {
	st, err := m.state(id)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]string, len(st.patterns))
	copy(out, st.patterns)
	return out, nil
}
