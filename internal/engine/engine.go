// Package engine defines the narrow facade the core consumes over the
// binary-instrumentation engine. The engine itself — process injection,
// in-target script execution — is an external collaborator per the
// service's scope; this package is the interface boundary only, plus the
// wire-message shapes exchanged with the in-target agent.
package engine

import "context"

// SpawnOptions describes a suspended spawn request.
type SpawnOptions struct {
	Program string
	Args    []string
	Env     map[string]string
	Cwd     string
	// Suspended requests the target start stopped, awaiting Resume, so
	// hooks can be installed before any user code runs.
	Suspended bool
}

// OutputKind distinguishes stdout from stderr in the device output signal.
type OutputKind int

const (
	OutputStdout OutputKind = 1
	OutputStderr OutputKind = 2
)

// OutputFunc is the process-wide callback the device invokes for piped
// child output. It must not block: implementations deliver with a
// non-blocking send and drop on backpressure.
type OutputFunc func(pid int, kind OutputKind, data []byte)

// MessageFunc is invoked for every message the in-target agent posts back
// through the script.
type MessageFunc func(raw []byte)

// Script is a loaded agent script bound to one attached process.
type Script interface {
	// Load must complete before PostMessage is meaningful.
	Load(ctx context.Context) error
	// PostMessage sends a JSON-encoded wire message to the agent.
	PostMessage(raw []byte) error
	// OnMessage registers the handler invoked for inbound agent messages.
	// Only one handler is active at a time; registering a new one
	// replaces the prior registration.
	OnMessage(fn MessageFunc)
	// Unload tears down the script. Safe to call once.
	Unload() error
}

// Device is the single entry point into the instrumentation engine. All
// methods are expected to be called from exactly one goroutine (the
// Coordinator Worker) because the underlying engine's signal callbacks
// carry raw pointers into process memory that are not safe to share
// across threads.
type Device interface {
	// Spawn launches a target suspended and returns its PID.
	Spawn(ctx context.Context, opts SpawnOptions) (pid int, err error)
	// Attach creates a session against an already-running or
	// newly-spawned PID.
	Attach(ctx context.Context, pid int) error
	// CreateScript compiles the embedded agent source against an
	// attached PID.
	CreateScript(ctx context.Context, pid int, source string) (Script, error)
	// Resume lets a suspended PID continue.
	Resume(pid int) error
	// Kill forcibly terminates a PID this device attached to.
	Kill(pid int) error

	// EnableSpawnGating arms the device to pause every child process a
	// spawned target forks, so fork()+exec() workloads stay observed.
	EnableSpawnGating(ctx context.Context) error
	// OnSpawnAdded registers the callback invoked when a gated child PID
	// appears, along with the PID of the parent that forked it.
	OnSpawnAdded(fn func(pid, parentPID int))
	// OnOutput registers the single process-wide piped-output callback.
	OnOutput(fn OutputFunc)
}
