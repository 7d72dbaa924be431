// Package call implements one RPC attempt on top of a transport stream.
//
// Work is submitted as batches of operations with StartBatch. Each batch
// resolves exactly once on the call's completion queue, under the tag it
// was started with.
package call

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/ozontech/rpccore/consts"
	"github.com/ozontech/rpccore/cq"
	"github.com/ozontech/rpccore/quota"
	"github.com/ozontech/rpccore/status"
	"github.com/ozontech/rpccore/transport"
)

type Side int

const (
	Client Side = iota
	Server
)

func (s Side) String() string {
	if s == Server {
		return "server"
	}
	return "client"
}

type Call struct {
	id       uint32
	side     Side
	method   string
	deadline time.Time

	q      *cq.CompletionQueue
	stream transport.Stream
	clock  clock.Clock
	log    *zap.Logger
	alloc  *quota.MemoryAllocator

	maxRecvMsgSize int
	onDone         []func()

	// refs is one for the owner plus one per unresolved batch.
	refs     atomic.Int32
	released atomic.Bool

	mu          sync.Mutex
	outstanding kindMask
	used        kindMask
	batches     map[*batch]struct{}
	cancelled   *status.Status
	finished    bool
	timer       *clock.Timer
	// recvHeld is reserved for the last received message.
	recvHeld uint64
}

type options struct {
	deadline       time.Time
	clock          clock.Clock
	log            *zap.Logger
	quota          *quota.ResourceQuota
	maxRecvMsgSize int
	onDone         []func()
}

type Opt func(*options)

// WithDeadline cancels the call with DEADLINE_EXCEEDED at d.
func WithDeadline(d time.Time) Opt { return func(o *options) { o.deadline = d } }

func WithClock(c clock.Clock) Opt { return func(o *options) { o.clock = c } }

func WithLogger(log *zap.Logger) Opt { return func(o *options) { o.log = log } }

// WithQuota accounts message buffers of the call against q.
func WithQuota(q *quota.ResourceQuota) Opt { return func(o *options) { o.quota = q } }

func WithMaxRecvMsgSize(n int) Opt { return func(o *options) { o.maxRecvMsgSize = n } }

// WithOnDone registers fn to run once the call is released and every batch
// resolved.
func WithOnDone(fn func()) Opt { return func(o *options) { o.onDone = append(o.onDone, fn) } }

var callID atomic.Uint32

// New creates a call bound to q for its whole life.
func New(q *cq.CompletionQueue, stream transport.Stream, side Side, method string, opts ...Opt) *Call {
	o := options{
		clock:          clock.New(),
		log:            zap.NewNop(),
		maxRecvMsgSize: consts.DefaultMaxRecvMsgSize,
	}
	for _, opt := range opts {
		opt(&o)
	}

	id := callID.Add(1)
	c := &Call{
		id:             id,
		side:           side,
		method:         method,
		deadline:       o.deadline,
		q:              q,
		stream:         stream,
		clock:          o.clock,
		maxRecvMsgSize: o.maxRecvMsgSize,
		onDone:         o.onDone,
		batches:        make(map[*batch]struct{}),
		log: o.log.Named("call").With(
			zap.Uint32("call-id", id),
			zap.String("method", method),
			zap.Stringer("side", side),
		),
	}
	c.refs.Store(1)

	if o.quota != nil {
		c.alloc = o.quota.CreateAllocator(method)
		c.alloc.PostReclaimer(quota.Destructive, c.reclaim)
	}
	if !c.deadline.IsZero() {
		c.armDeadline()
	}
	c.log.Debug("call created")
	return c
}

func (c *Call) Method() string             { return c.method }
func (c *Call) Side() Side                 { return c.side }
func (c *Call) Deadline() time.Time        { return c.deadline }
func (c *Call) Queue() *cq.CompletionQueue { return c.q }

func (c *Call) armDeadline() {
	d := c.deadline.Sub(c.clock.Now())
	if d <= 0 {
		c.CancelWithStatus(status.New(status.DeadlineExceeded, "Deadline Exceeded"))
		return
	}
	c.mu.Lock()
	c.timer = c.clock.AfterFunc(d, func() {
		c.CancelWithStatus(status.New(status.DeadlineExceeded, "Deadline Exceeded"))
	})
	c.mu.Unlock()
}

func (c *Call) stopTimer() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
}

func (c *Call) reclaim(sweep *quota.ReclamationSweep) {
	if sweep == nil {
		return
	}
	defer sweep.Finish()
	c.log.Warn("cancelled to reclaim memory")
	c.CancelWithStatus(status.New(status.ResourceExhausted, "memory quota exceeded"))
}

// Cancel cancels the call with CANCELLED.
func (c *Call) Cancel() {
	c.CancelWithStatus(status.New(status.Cancelled, "Cancelled"))
}

// CancelWithStatus fails every outstanding batch with ok=false and makes st
// the final status. Batches started later fail right away. It is a no-op
// once the call finished or was already cancelled.
func (c *Call) CancelWithStatus(st *status.Status) {
	if st.OK() {
		st = status.New(status.Cancelled, "Cancelled")
	}

	c.mu.Lock()
	if c.finished || c.cancelled != nil {
		c.mu.Unlock()
		return
	}
	c.cancelled = st
	pending := make([]*batch, 0, len(c.batches))
	for b := range c.batches {
		pending = append(pending, b)
	}
	c.mu.Unlock()

	c.log.Debug("cancel", zap.Stringer("status", st))
	c.stopTimer()
	c.stream.Cancel(st)
	for _, b := range pending {
		b.fail(st)
	}
}

// Release drops the owner's reference. An unfinished call is cancelled
// first. Releasing twice is a defect.
func (c *Call) Release() {
	if !c.released.CompareAndSwap(false, true) {
		panic("call: Release called twice")
	}
	c.mu.Lock()
	finished := c.finished
	c.mu.Unlock()
	if !finished {
		c.CancelWithStatus(status.New(status.Cancelled, "call released"))
	}
	c.unref()
}

func (c *Call) unref() {
	if n := c.refs.Add(-1); n > 0 {
		return
	} else if n < 0 {
		panic("call: reference count below zero")
	}

	c.stopTimer()
	c.mu.Lock()
	held := c.recvHeld
	c.recvHeld = 0
	c.mu.Unlock()
	c.release(held)
	if c.alloc != nil {
		c.alloc.Shutdown()
	}
	c.log.Debug("call destroyed")
	for _, fn := range c.onDone {
		fn()
	}
}

func (c *Call) reserve(n int) uint64 {
	if c.alloc == nil || n == 0 {
		return 0
	}
	return c.alloc.Reserve(quota.NewMemoryRequest(min(uint64(n), consts.MaxAllowedSize)))
}

func (c *Call) release(n uint64) {
	if c.alloc != nil && n != 0 {
		c.alloc.Release(n)
	}
}
