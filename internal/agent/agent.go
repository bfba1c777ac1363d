// Package agent embeds the in-target JavaScript agent source that the
// Coordinator Worker compiles into a script against each attached process.
// The agent itself runs inside the target under the instrumentation
// engine's JS runtime; this package only carries its source text into the
// Go binary.
package agent

import _ "embed"

// Source is the agent script posted to engine.Device.CreateScript. It
// speaks the wire protocol documented in internal/engine/wire.go: it
// expects an `initialize` message before anything else, then `hooks` and
// `watches` messages, and reports back `hooks_updated`, `watches_updated`,
// and batched `events` messages.
//go:embed agent.js
var Source string
