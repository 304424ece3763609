package multiplexer

import (
	"sync"
	"time"
)

// pendingEntry tracks one in-flight open or cleanup operation. Modeled
// on the teacher's pidmanager.Manager session-tracking shape — a
// registered entry carrying a timestamp, reaped by a stale-entry sweep
// if it outlives its budget — retargeted from PID/session reuse to
// in-flight-open/in-flight-cleanup coalescing.
type pendingEntry struct {
	startedAt time.Time

	ch   chan struct{}
	once sync.Once

	// Set once, before ch is closed; safe to read by any goroutine
	// that has first observed ch closed (or has given up waiting and
	// is treating the entry as abandoned).
	state *connectionState
	err   *Error
}

func newPendingEntry() *pendingEntry {
	return &pendingEntry{startedAt: time.Now(), ch: make(chan struct{})}
}

// finish records the result and wakes every waiter. Safe to call at
// most meaningfully once; further calls are no-ops.
func (p *pendingEntry) finish(state *connectionState, err *Error) {
	p.once.Do(func() {
		p.state, p.err = state, err
		close(p.ch)
	})
}

// wait blocks until the entry finishes or cap elapses. finished=false
// on timeout means the caller should proceed as though no cleanup/open
// were pending — safe because the operation being waited on never
// changes meaning once started (destruction is idempotent; a stuck
// open is reaped by the stale-pending sweep independently).
func (p *pendingEntry) wait(cap time.Duration) (finished bool, state *connectionState, err *Error) {
	select {
	case <-p.ch:
		return true, p.state, p.err
	case <-time.After(cap):
		return false, nil, nil
	}
}
