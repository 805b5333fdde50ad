package nomagic

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// armedStream records which side of the connection a pending idle timer
// will shut down if it fires.
type armedStream int

const (
	armedNone armedStream = iota
	armedRead
	armedWrite
)

// idleTimer is the Delayed Task of §4.9: a single-shot, re-schedulable
// per-connection watchdog. Scheduling, firing and aborting are mutually
// exclusive on a single instance, enforced by mu.
type idleTimer struct {
	mu      sync.Mutex
	timer   *time.Timer
	timeout time.Duration
	conn    net.Conn
	armed   armedStream
	fired   bool

	// admission paces how fast freshly accepted, not-yet-started
	// connections may arm their first read timer under load (§4.13); it
	// never changes the timeout duration itself.
	admission *rate.Limiter
}

func newIdleTimer(conn net.Conn, timeout time.Duration, admission *rate.Limiter) *idleTimer {
	return &idleTimer{conn: conn, timeout: timeout, admission: admission}
}

func (t *idleTimer) scheduleRead() { t.schedule(armedRead) }

func (t *idleTimer) scheduleWrite() { t.schedule(armedWrite) }

func (t *idleTimer) schedule(kind armedStream) {
	if t.timeout <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer == nil && t.admission != nil && !t.admission.Allow() {
		// First arm of this connection's life, and the admission limiter is
		// over budget: skip arming for now. t.timer stays nil, so the next
		// schedule call (the following read or write) retries admission —
		// this paces how fast newly accepted connections start consuming
		// idle-timer resources without changing the timeout duration itself.
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.armed = kind
	t.fired = false
	t.timer = time.AfterFunc(t.timeout, t.onFire)
}

func (t *idleTimer) onFire() {
	t.mu.Lock()
	kind := t.armed
	t.fired = true
	t.mu.Unlock()

	switch kind {
	case armedRead:
		_ = shutdownRead(t.conn)
	case armedWrite:
		_ = shutdownWrite(t.conn)
	}
}

// tryAbort attempts to cancel the pending timer before it fires, returning
// false iff the timer already fired — callers must then raise
// IdleConnection, attaching any channel error caused by the shutdown as a
// suppressed secondary cause.
func (t *idleTimer) tryAbort() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer == nil {
		return true
	}
	stopped := t.timer.Stop()
	t.armed = armedNone
	if !stopped {
		t.fired = true
	}
	return stopped
}

// abort is tryAbort plus an optional callback invoked exactly when the
// timer had already fired.
func (t *idleTimer) abort(onTimeout func()) bool {
	ok := t.tryAbort()
	if !ok && onTimeout != nil {
		onTimeout()
	}
	return ok
}

func (t *idleTimer) hasFired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}
