// Package alarm provides single-shot timers that resolve into the
// completion queue event model.
package alarm

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ozontech/rpccore/cq"
)

type State int32

const (
	Idle State = iota
	Set
	Fired
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Set:
		return "SET"
	case Fired:
		return "FIRED"
	case Cancelled:
		return "CANCELLED"
	}
	return "UNKNOWN"
}

// arming is one use of an Alarm. Fire and cancel race on state; the winner
// resolves.
type arming struct {
	state   atomic.Int32
	resolve func(ok bool)

	mu    sync.Mutex
	timer *clock.Timer
}

func (a *arming) fire() {
	if a.state.CompareAndSwap(int32(Set), int32(Fired)) {
		a.resolve(true)
	}
}

// Alarm resolves exactly once per Set: with true when the deadline passes,
// with false when cancelled first. It may be set again once resolved.
type Alarm struct {
	clock clock.Clock
	cur   atomic.Pointer[arming]
}

type Opt func(*Alarm)

func WithClock(c clock.Clock) Opt { return func(a *Alarm) { a.clock = c } }

func New(opts ...Opt) *Alarm {
	a := &Alarm{clock: clock.New()}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Alarm) State() State {
	cur := a.cur.Load()
	if cur == nil {
		return Idle
	}
	return State(cur.state.Load())
}

// Set arms the alarm to complete tag on q. The queue must accept the tag;
// setting an alarm on a shut down queue, or setting it while it is still
// SET, is a defect.
func (a *Alarm) Set(deadline time.Time, q *cq.CompletionQueue, tag cq.Tag) {
	ar := a.swap()
	if !q.BeginOp(tag) {
		ar.state.Store(int32(Cancelled))
		panic("alarm: Set on a shut down completion queue")
	}
	ar.resolve = func(ok bool) { q.EndOp(tag, ok) }
	a.arm(ar, deadline)
}

// SetCallback arms the alarm to call fn. fn runs on the timer goroutine
// when fired and on the cancelling goroutine when cancelled.
func (a *Alarm) SetCallback(deadline time.Time, fn func(fired bool)) {
	ar := a.swap()
	ar.resolve = fn
	a.arm(ar, deadline)
}

func (a *Alarm) swap() *arming {
	ar := &arming{}
	prev := a.cur.Load()
	if prev != nil && State(prev.state.Load()) == Set {
		panic("alarm: Set while the alarm is still set")
	}
	if !a.cur.CompareAndSwap(prev, ar) {
		panic("alarm: concurrent Set")
	}
	return ar
}

// arm publishes SET before the timer exists: Cancel may win right away.
func (a *Alarm) arm(ar *arming, deadline time.Time) {
	ar.state.Store(int32(Set))
	if deadline.IsZero() {
		return
	}
	d := deadline.Sub(a.clock.Now())
	if d <= 0 {
		go ar.fire()
		return
	}
	ar.mu.Lock()
	ar.timer = a.clock.AfterFunc(d, ar.fire)
	ar.mu.Unlock()
}

// Cancel resolves a SET alarm with false. It is a no-op once the alarm fired
// or was cancelled.
func (a *Alarm) Cancel() {
	ar := a.cur.Load()
	if ar == nil {
		return
	}
	if !ar.state.CompareAndSwap(int32(Set), int32(Cancelled)) {
		return
	}
	ar.mu.Lock()
	if ar.timer != nil {
		ar.timer.Stop()
	}
	ar.mu.Unlock()
	ar.resolve(false)
}
