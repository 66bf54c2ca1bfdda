package ppp

import "time"

// retryTimer is an elapsed-time accumulator advanced by the poll delta.
// The first expiry happens after initial, later ones after steady.
type retryTimer struct {
	initial  time.Duration
	steady   time.Duration
	elapsed  time.Duration
	interval time.Duration
	armed    bool
}

func newRetryTimer(initial, steady time.Duration) retryTimer {
	return retryTimer{initial: initial, steady: steady}
}

func (t *retryTimer) start() {
	t.armed = true
	t.elapsed = 0
	t.interval = t.initial
}

func (t *retryTimer) stop() {
	t.armed = false
	t.elapsed = 0
}

// advance adds dt and reports whether the timer has expired. An expired
// timer stays expired until rearm, so a send deferred by a busy mailbox is
// retried on the next tick.
func (t *retryTimer) advance(dt time.Duration) bool {
	if !t.armed {
		return false
	}
	t.elapsed += dt
	return t.elapsed >= t.interval
}

func (t *retryTimer) rearm() {
	t.armed = true
	t.elapsed = 0
	t.interval = t.steady
}
