// Package callback adapts completion queue tags to plain functions.
//
// A tag from this package is handed to Call.StartBatch on a callback queue;
// when the batch resolves the queue runs the function on its executor, or
// on the resolving goroutine for inline tags.
package callback

import (
	"sync/atomic"

	"github.com/ozontech/rpccore/cq"
	"github.com/ozontech/rpccore/status"
)

type Opt func(*base)

// WithInline runs the callback on the goroutine that resolved the tag. Only
// for callbacks that never block.
func WithInline() Opt { return func(b *base) { b.inline = true } }

const (
	idle int32 = iota
	submitted
	ran
)

type base struct {
	inline bool
	state  atomic.Int32
}

func (b *base) Inline() bool { return b.inline }

// Submitted is called by the queue in BeginOp. A tag may be submitted
// again once its callback ran.
func (b *base) Submitted() {
	if b.state.Swap(submitted) == submitted {
		panic("callback: tag submitted while still pending")
	}
}

func (b *base) forceRun() {
	if !b.state.CompareAndSwap(idle, ran) && !b.state.CompareAndSwap(ran, ran) {
		panic("callback: ForceRun after the tag was submitted")
	}
}

func (b *base) complete() { b.state.Store(ran) }

// SuccessTag calls fn with the batch outcome.
type SuccessTag struct {
	base
	fn func(ok bool)
}

var (
	_ cq.Functor   = (*SuccessTag)(nil)
	_ cq.Inliner   = (*SuccessTag)(nil)
	_ cq.Submitter = (*SuccessTag)(nil)
)

func NewSuccessTag(fn func(ok bool), opts ...Opt) *SuccessTag {
	t := &SuccessTag{fn: fn}
	for _, o := range opts {
		o(&t.base)
	}
	return t
}

func (t *SuccessTag) Run(ok bool) {
	t.complete()
	t.fn(ok)
}

// ForceRun reports ok without submitting the tag. It is for failures found
// before any I/O; calling it on a submitted tag is a defect.
func (t *SuccessTag) ForceRun(ok bool) {
	t.forceRun()
	t.fn(ok)
}

// StatusTag calls fn with the final status of a call. Its Status storage is
// passed to the RecvStatusOnClient operation of the same batch.
type StatusTag struct {
	base
	fn func(st *status.Status)
	st status.Status
}

var (
	_ cq.Functor   = (*StatusTag)(nil)
	_ cq.Inliner   = (*StatusTag)(nil)
	_ cq.Submitter = (*StatusTag)(nil)
)

func NewStatusTag(fn func(st *status.Status), opts ...Opt) *StatusTag {
	t := &StatusTag{fn: fn}
	for _, o := range opts {
		o(&t.base)
	}
	return t
}

// Status is where the call writes its final status.
func (t *StatusTag) Status() *status.Status { return &t.st }

func (t *StatusTag) Run(ok bool) {
	t.complete()
	if !ok && t.st.OK() {
		t.st = status.Status{Code: status.Unknown, Message: "operation failed"}
	}
	t.fn(&t.st)
}

// ForceRun reports st without submitting the tag.
func (t *StatusTag) ForceRun(st *status.Status) {
	t.forceRun()
	if st == nil {
		st = status.New(status.Unknown, "operation failed")
	}
	t.st = *st
	t.fn(&t.st)
}
