package engine

import "encoding/json"

// Envelope is the outer shape of every message exchanged with the
// in-target agent.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Outbound message types (service -> agent).
const (
	MsgInitialize = "initialize"
	MsgHooks      = "hooks"
	MsgWatches    = "watches"
	MsgRead       = "read"
	MsgWrite      = "write"
	MsgBreakpoint = "breakpoint"
	MsgLogpoint   = "logpoint"
	MsgStep       = "step"
)

// Inbound payload kinds, carried inside a "send" envelope.
const (
	PayloadEvents               = "events"
	PayloadInitialized          = "initialized"
	PayloadHooksUpdated         = "hooks_updated"
	PayloadWatchesUpdated       = "watches_updated"
	PayloadLog                  = "log"
	PayloadAgentLoaded          = "agent_loaded"
	PayloadSamplingStateChange  = "sampling_state_change"
	PayloadSamplingStats        = "sampling_stats"
)

// Initialize is the first message sent to a freshly loaded agent.
type Initialize struct {
	SessionID string `json:"sessionId"`
}

// FunctionTarget describes one function the agent should hook.
type FunctionTarget struct {
	Address    uint64 `json:"address"`
	Name       string `json:"name"`
	NameRaw    string `json:"nameRaw,omitempty"`
	SourceFile string `json:"sourceFile,omitempty"`
	LineNumber int    `json:"lineNumber,omitempty"`
}

// HooksMessage adds or removes function hooks.
type HooksMessage struct {
	Action             string           `json:"action"` // "add" | "remove"
	Functions          []FunctionTarget `json:"functions"`
	ImageBase          uint64           `json:"imageBase"`
	Mode               string           `json:"mode,omitempty"` // "full" | "light"
	SerializationDepth int              `json:"serializationDepth,omitempty"`
}

// WatchTarget describes one memory watch.
type WatchTarget struct {
	Label      string   `json:"label"`
	Address    uint64   `json:"address"`
	Size       int      `json:"size"`
	TypeKind   string   `json:"typeKind"`
	DerefDepth int      `json:"derefDepth"`
	DerefOffset []int64 `json:"derefOffset"`
	TypeName   string   `json:"typeName,omitempty"`
	OnPatterns []string `json:"onPatterns,omitempty"`
}

// WatchesMessage installs the full set of active watches.
type WatchesMessage struct {
	Watches []WatchTarget `json:"watches"`
}

// HooksUpdated is the agent's confirmation of an add/remove hooks
// message.
type HooksUpdated struct {
	ActiveCount int `json:"activeCount"`
}

// WatchesUpdated is the agent's confirmation of a watches message.
type WatchesUpdated struct {
	ActiveCount int `json:"activeCount"`
}
