// Package coordinator implements the single OS thread that owns the
// instrumentation device: every spawn, attach, kill, and spawn-gating call
// funnels through one goroutine so the device never sees concurrent
// access from more than one caller, matching the underlying engine's
// threading model.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/strobe-dev/strobe/internal/agent"
	"github.com/strobe-dev/strobe/internal/engine"
	"github.com/strobe-dev/strobe/internal/util"
)

// OutputContext is what the coordinator tracks per attached PID so the
// device output signal and spawn-gating callback can route events.
type OutputContext struct {
	SessionID string
	PID       int
	EventTx   chan<- Event
}

// Event is the coordinator's half of the event pipeline: output lines and
// agent messages, tagged with enough identity for the session worker and
// event parser to take it from here.
type Event struct {
	SessionID string
	PID       int
	Kind      string // "stdout" | "stderr" | "agent_message"
	Data      []byte
	At        time.Time
}

// SpawnRequest is the Spawn command payload.
type SpawnRequest struct {
	SessionID   string
	Program     string
	Args        []string
	Cwd         string
	Env         map[string]string
	EventTx     chan<- Event
	DeferResume bool
}

// SpawnResult is returned from a successful Spawn command.
type SpawnResult struct {
	PID        int
	Script     engine.Script
	HooksReady *OneShot
}

// OneShot is a single-use synchronization cell: a fresh sender is armed
// before each confirmation-requiring post, and the message handler's
// receipt of the matching confirmation consumes it. A second Fire is a
// no-op, matching the "collision would be a bug, not a retry" contract
// described for the Session Worker's hooks_ready cell.
type OneShot struct {
	mu    sync.Mutex
	ch    chan struct{}
	fired bool
}

// NewOneShot returns an armed cell.
func NewOneShot() *OneShot {
	return &OneShot{ch: make(chan struct{})}
}

// Fire signals the cell. Safe to call more than once; only the first call
// has an effect.
func (o *OneShot) Fire() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fired {
		return
	}
	o.fired = true
	close(o.ch)
}

// Wait blocks until Fire or ctx cancellation, whichever comes first.
func (o *OneShot) Wait(ctx context.Context) error {
	select {
	case <-o.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type command struct {
	run func()
}

// Coordinator serializes all device operations onto one goroutine pinned
// to its OS thread.
type Coordinator struct {
	device engine.Device
	cmds   chan command

	mu       sync.Mutex
	outputs  map[int]*OutputContext // pid -> context
	sessions map[string][]int       // session id -> pids it owns

	done chan struct{}
}

// New constructs a Coordinator bound to device. It starts nothing; call
// Start to launch the worker goroutine.
func New(device engine.Device) *Coordinator {
	return &Coordinator{
		device:   device,
		cmds:     make(chan command, 64),
		outputs:  make(map[int]*OutputContext),
		sessions: make(map[string][]int),
		done:     make(chan struct{}),
	}
}

// Start launches the coordinator's pinned worker goroutine and wires the
// device's output and spawn-added signals.
func (c *Coordinator) Start(ctx context.Context) {
	c.device.OnOutput(c.handleOutput)
	c.device.OnSpawnAdded(c.handleSpawnAdded)
	util.SafeGo(func() { c.run(ctx) })
}

func (c *Coordinator) run(ctx context.Context) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(c.done)

	if err := c.device.EnableSpawnGating(ctx); err != nil {
		fmt.Printf("[strobe] coordinator: spawn gating unavailable: %v\n", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-c.cmds:
			cmd.run()
		}
	}
}

// submit runs fn on the coordinator's thread and blocks for its result.
func (c *Coordinator) submit(fn func()) {
	done := make(chan struct{})
	c.cmds <- command{run: func() {
		defer close(done)
		fn()
	}}
	<-done
}

// Spawn launches a target, attaches, loads the embedded agent, and either
// resumes immediately or leaves it suspended for deferred hook install.
func (c *Coordinator) Spawn(ctx context.Context, req SpawnRequest) (res SpawnResult, err error) {
	c.submit(func() {
		pid, spawnErr := c.device.Spawn(ctx, engine.SpawnOptions{
			Program:   req.Program,
			Args:      req.Args,
			Env:       req.Env,
			Cwd:       req.Cwd,
			Suspended: true,
		})
		if spawnErr != nil {
			err = fmt.Errorf("coordinator: spawn: %w", spawnErr)
			return
		}

		if attachErr := c.device.Attach(ctx, pid); attachErr != nil {
			c.device.Kill(pid)
			err = fmt.Errorf("coordinator: attach pid %d: %w", pid, attachErr)
			return
		}

		script, scriptErr := c.device.CreateScript(ctx, pid, agent.Source)
		if scriptErr != nil {
			c.device.Kill(pid)
			err = fmt.Errorf("coordinator: create script for pid %d: %w", pid, scriptErr)
			return
		}

		hooksReady := NewOneShot()
		script.OnMessage(func(raw []byte) {
			c.dispatchMessage(req.SessionID, pid, raw, hooksReady)
		})

		if loadErr := script.Load(ctx); loadErr != nil {
			script.Unload()
			c.device.Kill(pid)
			err = fmt.Errorf("coordinator: load script for pid %d: %w", pid, loadErr)
			return
		}

		initMsg, _ := json.Marshal(engine.Envelope{Type: engine.MsgInitialize, Payload: mustJSON(engine.Initialize{SessionID: req.SessionID})})
		if postErr := script.PostMessage(initMsg); postErr != nil {
			err = fmt.Errorf("coordinator: post initialize for pid %d: %w", pid, postErr)
			return
		}

		c.mu.Lock()
		c.outputs[pid] = &OutputContext{SessionID: req.SessionID, PID: pid, EventTx: req.EventTx}
		c.sessions[req.SessionID] = append(c.sessions[req.SessionID], pid)
		c.mu.Unlock()

		if !req.DeferResume {
			if resumeErr := c.device.Resume(pid); resumeErr != nil {
				err = fmt.Errorf("coordinator: resume pid %d: %w", pid, resumeErr)
				return
			}
		}

		res = SpawnResult{PID: pid, Script: script, HooksReady: hooksReady}
	})
	return res, err
}

// Wait blocks until the coordinator's worker goroutine has exited, which
// happens when the context passed to Start is cancelled.
func (c *Coordinator) Wait() {
	<-c.done
}

// Resume lets a deferred-resume spawn continue once hooks are installed.
func (c *Coordinator) Resume(pid int) (err error) {
	c.submit(func() { err = c.device.Resume(pid) })
	return err
}

// StopSession finds every PID owned by sessionID, removes their output
// contexts, and kills any still-live process.
func (c *Coordinator) StopSession(sessionID string) {
	c.submit(func() {
		c.mu.Lock()
		pids := c.sessions[sessionID]
		delete(c.sessions, sessionID)
		for _, pid := range pids {
			delete(c.outputs, pid)
		}
		c.mu.Unlock()

		for _, pid := range pids {
			c.device.Kill(pid)
		}
	})
}

func (c *Coordinator) handleOutput(pid int, kind engine.OutputKind, data []byte) {
	c.mu.Lock()
	ctx, ok := c.outputs[pid]
	c.mu.Unlock()
	if !ok {
		return
	}

	k := "stdout"
	if kind == engine.OutputStderr {
		k = "stderr"
	}
	evt := Event{SessionID: ctx.SessionID, PID: pid, Kind: k, Data: data, At: time.Now()}
	select {
	case ctx.EventTx <- evt:
	default:
		// Bounded channel is full: the DB writer is the backpressure point,
		// and this callback must never block the device's signal thread.
	}
}

// handleSpawnAdded attaches to a gated fork()+exec() child and folds it
// into its parent's session, so output and agent messages from the child
// flow through the same event channel. If the parent PID is not tracked
// under any session, the child is resumed without attachment.
func (c *Coordinator) handleSpawnAdded(pid, parentPID int) {
	c.submit(func() {
		c.mu.Lock()
		parentCtx, known := c.outputs[parentPID]
		c.mu.Unlock()
		if !known {
			c.device.Resume(pid)
			return
		}

		ctx := context.Background()
		if err := c.device.Attach(ctx, pid); err != nil {
			c.device.Resume(pid)
			return
		}
		script, err := c.device.CreateScript(ctx, pid, agent.Source)
		if err != nil {
			c.device.Resume(pid)
			return
		}

		childCtx := &OutputContext{SessionID: parentCtx.SessionID, PID: pid, EventTx: parentCtx.EventTx}
		c.mu.Lock()
		c.outputs[pid] = childCtx
		c.sessions[parentCtx.SessionID] = append(c.sessions[parentCtx.SessionID], pid)
		c.mu.Unlock()

		script.OnMessage(func(raw []byte) {
			c.dispatchMessage(parentCtx.SessionID, pid, raw, NewOneShot())
		})
		if err := script.Load(ctx); err != nil {
			script.Unload()
		}
		c.device.Resume(pid)
	})
}

// dispatchMessage routes one inbound agent envelope: hooks_updated fires
// the armed one-shot cell, everything else is forwarded as an
// agent_message event for the Event Parser.
func (c *Coordinator) dispatchMessage(sessionID string, pid int, raw []byte, hooksReady *OneShot) {
	var env engine.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}
	if env.Type == "send" {
		var inner struct {
			Type string `json:"type"`
		}
		json.Unmarshal(env.Payload, &inner)
		if inner.Type == engine.PayloadHooksUpdated {
			hooksReady.Fire()
		}
	}

	c.mu.Lock()
	ctx, ok := c.outputs[pid]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ctx.EventTx <- (Event{SessionID: sessionID, PID: pid, Kind: "agent_message", Data: raw, At: time.Now()}):
	default:
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}
