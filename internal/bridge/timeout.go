// timeout.go — Per-request timeout logic for RPC Dispatcher calls.
package bridge

import "time"

// Timeout tiers for different RPC method categories.
const (
	FastTimeout = 10 * time.Second
	SlowTimeout = 35 * time.Second
)

// RPCMethodTimeout returns the per-request read deadline a caller of the
// RPC Dispatcher should apply, based on the method name. debug_spawn gets
// the slow tier: it may block on a first-time DWARF parse or a coordinator
// attach; every other method is expected to return quickly.
func RPCMethodTimeout(method string) time.Duration {
	switch method {
	case "debug_spawn":
		return SlowTimeout
	default:
		return FastTimeout
	}
}
