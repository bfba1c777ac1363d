// Package sessionworker implements the per-session thread that owns a
// script handle and serializes every script-level command against it:
// hook install/remove, watch install, and shutdown.
package sessionworker

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/strobe-dev/strobe/internal/engine"
	"github.com/strobe-dev/strobe/internal/strobeerr"
	"github.com/strobe-dev/strobe/internal/util"
)

const (
	hookConfirmTimeout  = 45 * time.Second
	watchConfirmTimeout = 5 * time.Second
)

type command struct {
	run func()
}

// Worker owns one script handle and runs every command against it from a
// single goroutine, so AddPatterns/RemovePatterns/SetWatches/Shutdown for
// one session are strictly FIFO and never collide.
type Worker struct {
	sessionID string
	pid       int
	script    engine.Script
	cmds      chan command
	done      chan struct{}

	mu           sync.Mutex
	hooksReady   chan struct{}
	watchesReady chan struct{}
}

// New starts a Worker bound to script and pid, and registers its message
// handler.
func New(sessionID string, pid int, script engine.Script) *Worker {
	w := &Worker{
		sessionID: sessionID,
		pid:       pid,
		script:    script,
		cmds:      make(chan command, 32),
		done:      make(chan struct{}),
	}
	script.OnMessage(w.onMessage)
	util.SafeGo(w.run)
	return w
}

func (w *Worker) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(w.done)
	for cmd := range w.cmds {
		cmd.run()
	}
}

func (w *Worker) submit(fn func()) {
	done := make(chan struct{})
	w.cmds <- command{run: func() {
		defer close(done)
		fn()
	}}
	<-done
}

// arm installs a fresh one-shot confirmation channel and returns it. Only
// one confirmation may be in flight per kind at a time; that invariant is
// guaranteed by the worker's own serialization (submit never overlaps).
func (w *Worker) arm(which *chan struct{}) chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch := make(chan struct{})
	*which = ch
	return ch
}

func (w *Worker) onMessage(raw []byte) {
	var env engine.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}
	if env.Type != "send" {
		return
	}
	var inner struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(env.Payload, &inner); err != nil {
		return
	}

	switch inner.Type {
	case engine.PayloadHooksUpdated:
		w.mu.Lock()
		ch := w.hooksReady
		w.hooksReady = nil
		w.mu.Unlock()
		if ch != nil {
			close(ch)
		}
		// If no cell was armed, the confirmation is discarded:
		// a stray hooks_updated with nothing waiting is not an error.
	case engine.PayloadWatchesUpdated:
		w.mu.Lock()
		ch := w.watchesReady
		w.watchesReady = nil
		w.mu.Unlock()
		if ch != nil {
			close(ch)
		}
	}
}

// AddPatterns arms the confirmation cell, posts a hooks-add message, and
// blocks until hooks_updated arrives or the per-chunk timeout elapses.
// On timeout, any hooks that did land stay installed: the error only
// means this call did not observe confirmation in time.
func (w *Worker) AddPatterns(functions []engine.FunctionTarget, imageBase uint64, mode string, serializationDepth int) (activeCount int, err error) {
	w.submit(func() {
		ready := w.arm(&w.hooksReady)

		payload, _ := json.Marshal(engine.HooksMessage{
			Action: "add", Functions: functions, ImageBase: imageBase,
			Mode: mode, SerializationDepth: serializationDepth,
		})
		env, _ := json.Marshal(engine.Envelope{Type: engine.MsgHooks, Payload: payload})
		if postErr := w.script.PostMessage(env); postErr != nil {
			err = fmt.Errorf("sessionworker: post hooks add: %w", postErr)
			return
		}

		select {
		case <-ready:
			activeCount = len(functions)
		case <-time.After(hookConfirmTimeout):
			err = strobeerr.New(strobeerr.CodeInternal, "timed out waiting for hooks_updated after %s", hookConfirmTimeout)
		}
	})
	return activeCount, err
}

// RemovePatterns posts a hooks-remove message. No confirmation is
// awaited.
func (w *Worker) RemovePatterns(functions []engine.FunctionTarget) (err error) {
	w.submit(func() {
		payload, _ := json.Marshal(engine.HooksMessage{Action: "remove", Functions: functions})
		env, _ := json.Marshal(engine.Envelope{Type: engine.MsgHooks, Payload: payload})
		if postErr := w.script.PostMessage(env); postErr != nil {
			err = fmt.Errorf("sessionworker: post hooks remove: %w", postErr)
		}
	})
	return err
}

// SetWatches verifies the target is alive, then posts the full watch set
// and waits for watches_updated with a short timeout. On timeout it
// distinguishes a dead process from a merely unresponsive agent.
func (w *Worker) SetWatches(watches []engine.WatchTarget) (activeCount int, err error) {
	w.submit(func() {
		if aliveErr := syscall.Kill(w.pid, 0); aliveErr != nil {
			err = strobeerr.WatchFailed(fmt.Sprintf("process %d is not running: %v", w.pid, aliveErr))
			return
		}

		ready := w.arm(&w.watchesReady)

		payload, _ := json.Marshal(engine.WatchesMessage{Watches: watches})
		env, _ := json.Marshal(engine.Envelope{Type: engine.MsgWatches, Payload: payload})
		if postErr := w.script.PostMessage(env); postErr != nil {
			err = strobeerr.WatchFailed(postErr.Error())
			return
		}

		select {
		case <-ready:
			activeCount = len(watches)
		case <-time.After(watchConfirmTimeout):
			if aliveErr := syscall.Kill(w.pid, 0); aliveErr != nil {
				err = strobeerr.WatchFailed(fmt.Sprintf("process %d died while waiting for confirmation", w.pid))
			} else {
				err = strobeerr.WatchFailed("agent did not confirm watches within the timeout")
			}
		}
	})
	return activeCount, err
}

// Post sends an arbitrary wire message (read/write/breakpoint/logpoint/
// step) without waiting for a specific confirmation kind; callers that
// need a reply correlate it themselves out of the agent_message event
// stream.
func (w *Worker) Post(msgType string, payload any) (err error) {
	w.submit(func() {
		raw, marshalErr := json.Marshal(payload)
		if marshalErr != nil {
			err = fmt.Errorf("sessionworker: marshal %s payload: %w", msgType, marshalErr)
			return
		}
		env, _ := json.Marshal(engine.Envelope{Type: msgType, Payload: raw})
		if postErr := w.script.PostMessage(env); postErr != nil {
			err = fmt.Errorf("sessionworker: post %s: %w", msgType, postErr)
		}
	})
	return err
}

// Shutdown unloads the script and stops the worker goroutine. Call it
// once: a second call submits to the closed command channel and panics.
func (w *Worker) Shutdown(ctx context.Context) {
	w.submit(func() {
		w.script.Unload()
	})
	close(w.cmds)
	<-w.done
}
