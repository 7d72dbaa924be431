// Package cq implements completion queues: the point where asynchronous
// operations report that they finished.
//
// Producers pair BeginOp with exactly one EndOp per tag. Consumers poll with
// Next (any tag) or Pluck (one tag), or, for callback queues, get the tag's
// functor run for them.
package cq

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/ozontech/rpccore/consts"
)

// Tag identifies one pending unit of work. Tags must be comparable; pointers
// are the usual choice.
type Tag = any

// Finalizer may be implemented by tags that need a last word before they are
// reported. Returning report=false swallows the event: the poller keeps
// waiting and the caller never sees the tag.
type Finalizer interface {
	FinalizeResult(ok bool) (report bool, result bool)
}

// Functor is the tag type of callback queues.
type Functor interface {
	Run(ok bool)
}

// Inliner is implemented by functors that may run on the completing
// goroutine instead of the executor.
type Inliner interface {
	Inline() bool
}

// Submitter is implemented by tags that want to know they were submitted.
type Submitter interface {
	Submitted()
}

// Executor runs callbacks off the completing goroutine.
type Executor interface {
	Run(fn func())
}

type CompletionType int

const (
	// Next queues are polled with Next.
	Next CompletionType = iota
	// Pluck queues are polled with Pluck.
	Pluck
	// Callback queues run the tag's Functor instead of being polled.
	Callback
)

func (t CompletionType) String() string {
	switch t {
	case Next:
		return "next"
	case Pluck:
		return "pluck"
	case Callback:
		return "callback"
	}
	return "unknown"
}

type EventType int

const (
	QueueShutdown EventType = iota
	QueueTimeout
	OpComplete
)

func (t EventType) String() string {
	switch t {
	case QueueShutdown:
		return "QUEUE_SHUTDOWN"
	case QueueTimeout:
		return "QUEUE_TIMEOUT"
	case OpComplete:
		return "OP_COMPLETE"
	}
	return "UNKNOWN"
}

// Event is the result of Next and Pluck. Tag and OK are set only for
// OpComplete; OK is false when the operation failed or was cancelled.
type Event struct {
	Type EventType
	Tag  Tag
	OK   bool
}

type State int

const (
	Active State = iota
	ShuttingDown
	Shutdown
)

func (s State) String() string {
	switch s {
	case Active:
		return "ACTIVE"
	case ShuttingDown:
		return "SHUTTING_DOWN"
	case Shutdown:
		return "SHUTDOWN"
	}
	return "UNKNOWN"
}

type completion struct {
	tag Tag
	ok  bool
}

var queueID atomic.Uint32

type CompletionQueue struct {
	ctype CompletionType
	clock clock.Clock
	log   *zap.Logger

	// pending counts begun operations plus one for "not shut down yet".
	pending        atomic.Int64
	shutdownCalled atomic.Bool
	observed       atomic.Bool
	drained        chan struct{}

	mu       sync.Mutex
	queue    []completion
	live     map[Tag]struct{}
	notify   chan struct{}
	pluckers map[Tag]chan struct{}

	executor         Executor
	shutdownCallback func()
}

type Opt func(*CompletionQueue)

func WithLogger(log *zap.Logger) Opt { return func(q *CompletionQueue) { q.log = log } }

func WithClock(c clock.Clock) Opt { return func(q *CompletionQueue) { q.clock = c } }

// WithExecutor sets where callback queues run functors. Without it every
// functor gets its own goroutine.
func WithExecutor(e Executor) Opt { return func(q *CompletionQueue) { q.executor = e } }

// WithShutdownCallback is run by callback queues once they are drained.
func WithShutdownCallback(fn func()) Opt {
	return func(q *CompletionQueue) { q.shutdownCallback = fn }
}

func New(ctype CompletionType, opts ...Opt) *CompletionQueue {
	q := &CompletionQueue{
		ctype:    ctype,
		clock:    clock.New(),
		log:      zap.NewNop(),
		drained:  make(chan struct{}),
		live:     make(map[Tag]struct{}),
		notify:   make(chan struct{}, 1),
		pluckers: make(map[Tag]chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	q.log = q.log.Named("cq").With(
		zap.Uint32("cq-id", queueID.Add(1)),
		zap.Stringer("type", ctype),
	)
	q.pending.Store(1)
	return q
}

func NewNext(opts ...Opt) *CompletionQueue  { return New(Next, opts...) }
func NewPluck(opts ...Opt) *CompletionQueue { return New(Pluck, opts...) }

func NewCallback(opts ...Opt) *CompletionQueue { return New(Callback, opts...) }

func (q *CompletionQueue) Type() CompletionType { return q.ctype }

func (q *CompletionQueue) State() State {
	switch {
	case !q.shutdownCalled.Load():
		return Active
	case q.isDrained():
		return Shutdown
	}
	return ShuttingDown
}

// BeginOp announces that tag will be completed with EndOp. It returns false
// once Shutdown was called. Beginning a tag that is still live, or beginning
// work after SHUTDOWN was reported, are defects and panic.
func (q *CompletionQueue) BeginOp(tag Tag) bool {
	if q.observed.Load() {
		panic("cq: BeginOp after shutdown was observed")
	}
	for {
		n := q.pending.Load()
		if n == 0 {
			return false
		}
		if q.pending.CompareAndSwap(n, n+1) {
			break
		}
	}
	if q.shutdownCalled.Load() {
		// гонка с Shutdown: работу уже не принимаем
		q.finishOne()
		return false
	}

	q.mu.Lock()
	if _, ok := q.live[tag]; ok {
		q.mu.Unlock()
		panic(fmt.Sprintf("cq: tag %v submitted while still live", tag))
	}
	q.live[tag] = struct{}{}
	q.mu.Unlock()

	if s, ok := tag.(Submitter); ok {
		s.Submitted()
	}
	return true
}

// EndOp completes a tag begun with BeginOp.
func (q *CompletionQueue) EndOp(tag Tag, ok bool) {
	if q.ctype == Callback {
		q.endCallback(tag, ok)
		return
	}

	q.mu.Lock()
	if _, live := q.live[tag]; !live {
		q.mu.Unlock()
		panic(fmt.Sprintf("cq: EndOp for tag %v that was not begun", tag))
	}
	q.queue = append(q.queue, completion{tag, ok})
	if q.ctype == Pluck {
		if ch, found := q.pluckers[tag]; found {
			kick(ch)
		}
	}
	q.mu.Unlock()

	if q.ctype == Next {
		kick(q.notify)
	}
	q.finishOne()
}

func (q *CompletionQueue) endCallback(tag Tag, ok bool) {
	f, isFunctor := tag.(Functor)
	if !isFunctor {
		panic(fmt.Sprintf("cq: callback queue tag %T is not a Functor", tag))
	}

	q.mu.Lock()
	if _, live := q.live[tag]; !live {
		q.mu.Unlock()
		panic(fmt.Sprintf("cq: EndOp for tag %v that was not begun", tag))
	}
	delete(q.live, tag)
	q.mu.Unlock()

	if in, isInliner := f.(Inliner); isInliner && in.Inline() {
		f.Run(ok)
	} else {
		q.run(func() { f.Run(ok) })
	}
	q.finishOne()
}

func (q *CompletionQueue) run(fn func()) {
	if q.executor != nil {
		q.executor.Run(fn)
		return
	}
	go fn()
}

func (q *CompletionQueue) finishOne() {
	if q.pending.Add(-1) != 0 {
		return
	}
	close(q.drained)
	q.log.Debug("drained")
	if q.ctype == Callback && q.shutdownCallback != nil {
		q.run(q.shutdownCallback)
	}
}

// Shutdown stops accepting work. Already begun operations are still
// delivered. Calling it more than once is fine.
func (q *CompletionQueue) Shutdown() {
	if !q.shutdownCalled.CompareAndSwap(false, true) {
		return
	}
	q.log.Debug("shutdown")
	q.finishOne()
}

// Destroy checks the queue may be dropped. Destroying a queue that is not
// SHUTDOWN is a defect.
func (q *CompletionQueue) Destroy() {
	if !q.isDrained() {
		panic("cq: Destroy before the queue shut down")
	}
	q.mu.Lock()
	left := len(q.queue)
	q.mu.Unlock()
	if left != 0 {
		panic(fmt.Sprintf("cq: Destroy with %d undelivered events", left))
	}
}

func (q *CompletionQueue) isDrained() bool {
	select {
	case <-q.drained:
		return true
	default:
		return false
	}
}

// Next blocks until an event is available, the deadline passes, or the
// queue is shut down and fully drained. A zero deadline waits forever.
// Once SHUTDOWN was reported every later Next reports it again, so any
// number of pollers can leave; only new work (BeginOp) is a defect then.
func (q *CompletionQueue) Next(deadline time.Time) Event {
	if q.ctype != Next {
		panic("cq: Next on " + q.ctype.String() + " queue")
	}

	w := q.newWaiter(deadline)
	defer w.stop()
	for {
		if c, ok := q.popFront(); ok {
			if ev, report := finalize(c); report {
				return ev
			}
			continue
		}
		if q.isDrained() {
			q.observed.Store(true)
			return Event{Type: QueueShutdown}
		}
		if !w.wait(q.notify) {
			if c, ok := q.popFront(); ok {
				if ev, report := finalize(c); report {
					return ev
				}
			}
			return Event{Type: QueueTimeout}
		}
	}
}

// Pluck is like Next but only returns for tag. Other events stay queued.
// SHUTDOWN repeats the same way as for Next.
func (q *CompletionQueue) Pluck(tag Tag, deadline time.Time) Event {
	if q.ctype != Pluck {
		panic("cq: Pluck on " + q.ctype.String() + " queue")
	}

	ch := make(chan struct{}, 1)
	q.mu.Lock()
	if _, dup := q.pluckers[tag]; dup {
		q.mu.Unlock()
		panic(fmt.Sprintf("cq: tag %v is already being plucked", tag))
	}
	if len(q.pluckers) >= consts.MaxPluckers {
		q.mu.Unlock()
		q.log.Error("too many outstanding pluck calls", zap.Int("max", consts.MaxPluckers))
		return Event{Type: QueueTimeout}
	}
	q.pluckers[tag] = ch
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.pluckers, tag)
		q.mu.Unlock()
	}()

	w := q.newWaiter(deadline)
	defer w.stop()
	for {
		if c, ok := q.take(tag); ok {
			if ev, report := finalize(c); report {
				return ev
			}
			continue
		}
		if q.isDrained() {
			q.observed.Store(true)
			return Event{Type: QueueShutdown}
		}
		if !w.wait(ch) {
			if c, ok := q.take(tag); ok {
				if ev, report := finalize(c); report {
					return ev
				}
			}
			return Event{Type: QueueTimeout}
		}
	}
}

func (q *CompletionQueue) popFront() (completion, bool) {
	q.mu.Lock()
	if len(q.queue) == 0 {
		q.mu.Unlock()
		return completion{}, false
	}
	c := q.queue[0]
	q.queue[0] = completion{}
	q.queue = q.queue[1:]
	delete(q.live, c.tag)
	more := len(q.queue) > 0
	q.mu.Unlock()

	if more {
		// будим следующего ожидающего
		kick(q.notify)
	}
	return c, true
}

func (q *CompletionQueue) take(tag Tag) (completion, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, c := range q.queue {
		if c.tag == tag {
			q.queue = append(q.queue[:i], q.queue[i+1:]...)
			delete(q.live, tag)
			return c, true
		}
	}
	return completion{}, false
}

func finalize(c completion) (Event, bool) {
	ok := c.ok
	if f, isFinalizer := c.tag.(Finalizer); isFinalizer {
		var report bool
		report, ok = f.FinalizeResult(ok)
		if !report {
			return Event{}, false
		}
	}
	return Event{Type: OpComplete, Tag: c.tag, OK: ok}, true
}

func kick(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

type waiter struct {
	q       *CompletionQueue
	timer   *clock.Timer
	timeout <-chan time.Time
	expired bool
}

func (q *CompletionQueue) newWaiter(deadline time.Time) *waiter {
	w := &waiter{q: q}
	if deadline.IsZero() {
		return w
	}
	d := deadline.Sub(q.clock.Now())
	if d <= 0 {
		w.expired = true
		return w
	}
	w.timer = q.clock.Timer(d)
	w.timeout = w.timer.C
	return w
}

// wait returns false once the deadline passed.
func (w *waiter) wait(wake <-chan struct{}) bool {
	if w.expired {
		return false
	}
	select {
	case <-wake:
	case <-w.q.drained:
	case <-w.timeout:
		w.expired = true
		return false
	}
	return true
}

func (w *waiter) stop() {
	if w.timer != nil {
		w.timer.Stop()
	}
}
