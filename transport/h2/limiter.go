package h2

import (
	"math"
	"sync"
)

// limiter bounds the number of open streams by the peer's
// SETTINGS_MAX_CONCURRENT_STREAMS.
type limiter struct {
	cond   *sync.Cond
	limit  uint32
	inUse  uint32
	closed bool
}

func newLimiter(limit uint32) *limiter {
	if limit == 0 {
		limit = math.MaxUint32
	}
	return &limiter{cond: sync.NewCond(&sync.Mutex{}), limit: limit}
}

// WaitAllow takes a slot. It gives up and returns false once the limiter
// is closed or abort reports true; Wake makes waiters recheck abort.
func (l *limiter) WaitAllow(abort func() bool) bool {
	l.cond.L.Lock()
	defer l.cond.L.Unlock()
	for l.inUse >= l.limit && !l.closed && !abort() {
		l.cond.Wait()
	}
	if l.closed || abort() {
		return false
	}

	l.inUse++
	return true
}

func (l *limiter) Release() {
	l.cond.L.Lock()
	defer l.cond.Signal()
	defer l.cond.L.Unlock()

	l.inUse--
}

func (l *limiter) SetLimit(limit uint32) {
	l.cond.L.Lock()
	defer l.cond.Broadcast()
	defer l.cond.L.Unlock()

	l.limit = limit
}

func (l *limiter) InUse() uint32 {
	l.cond.L.Lock()
	defer l.cond.L.Unlock()
	return l.inUse
}

func (l *limiter) Wake() {
	l.cond.L.Lock()
	defer l.cond.L.Unlock()
	l.cond.Broadcast()
}

func (l *limiter) Close() {
	l.cond.L.Lock()
	defer l.cond.Broadcast()
	defer l.cond.L.Unlock()

	l.closed = true
}
