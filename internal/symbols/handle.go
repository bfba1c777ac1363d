package symbols

import "sync"

// state is the three-way observable state of a Handle.
type state int

const (
	pending state = iota
	readyOK
	readyErr
)

// Handle is a cloneable, awaitable wrapper around a background DWARF
// parse. All clones share the same underlying result: once the parse
// completes, late clones (and ones made before completion) observe the
// same Ready value rather than re-parsing.
type Handle struct {
	shared *sharedState
}

type sharedState struct {
	mu    sync.Mutex
	state state
	value *Parser
	err   error
	done  chan struct{}
}

// SpawnParse starts a parse of binaryPath on a background goroutine and
// returns a Handle immediately in the Pending state.
func SpawnParse(binaryPath string) Handle {
	s := &sharedState{done: make(chan struct{})}
	go func() {
		p, err := Parse(binaryPath)
		s.mu.Lock()
		if err != nil {
			s.state = readyErr
			s.err = err
		} else {
			s.state = readyOK
			s.value = p
		}
		s.mu.Unlock()
		close(s.done)
	}()
	return Handle{shared: s}
}

// Ready synthesizes an already-resolved Handle from a cache hit, skipping
// the background-parse step entirely.
func Ready(p *Parser) Handle {
	s := &sharedState{state: readyOK, value: p, done: make(chan struct{})}
	close(s.done)
	return Handle{shared: s}
}

// Get blocks until the parse completes and returns its result. Every
// clone of a Ready handle resolves to the same value.
func (h Handle) Get() (*Parser, error) {
	<-h.shared.done
	h.shared.mu.Lock()
	defer h.shared.mu.Unlock()
	return h.shared.value, h.shared.err
}

// TryBorrowParser returns the parse result without blocking, and false if
// the parse has not completed yet.
func (h Handle) TryBorrowParser() (*Parser, error, bool) {
	select {
	case <-h.shared.done:
		h.shared.mu.Lock()
		defer h.shared.mu.Unlock()
		return h.shared.value, h.shared.err, true
	default:
		return nil, nil, false
	}
}

// IsFailed reports whether the parse has completed and failed. Returns
// false while still pending.
func (h Handle) IsFailed() bool {
	select {
	case <-h.shared.done:
		h.shared.mu.Lock()
		defer h.shared.mu.Unlock()
		return h.shared.state == readyErr
	default:
		return false
	}
}
