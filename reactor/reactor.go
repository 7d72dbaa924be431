// Package reactor drives a client bidi-streaming call from callbacks.
//
// A Reactor is a state machine over one call. Every resolved batch becomes
// one event handled by dispatch, which updates the state and runs the
// matching hook. OnDone is the last hook: it runs once the status arrived
// and every other hook returned.
package reactor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ozontech/rpccore/call"
	"github.com/ozontech/rpccore/callback"
	"github.com/ozontech/rpccore/client"
	"github.com/ozontech/rpccore/cq"
	"github.com/ozontech/rpccore/metadata"
	"github.com/ozontech/rpccore/status"
)

type State int

const (
	Idle State = iota
	ReadPending
	WritePending
	Finishing
	Done
)

var stateNames = [...]string{"IDLE", "READ_PENDING", "WRITE_PENDING", "FINISHING", "DONE"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var (
	ErrNotStarted   = errors.New("reactor: call not started")
	ErrStarted      = errors.New("reactor: call already started")
	ErrReadPending  = errors.New("reactor: read already pending")
	ErrWritePending = errors.New("reactor: write already pending")
	ErrWritesDone   = errors.New("reactor: writes are done")
	ErrFinished     = errors.New("reactor: call is finished")
)

// Hooks are the reactions to events. Nil hooks are skipped. Hooks may start
// the next operation of their kind.
type Hooks struct {
	OnReadInitialMetadataDone func(ok bool, md metadata.MD)
	// OnReadDone gets ok=false when the server finished sending or the
	// call failed.
	OnReadDone       func(ok bool, msg []byte)
	OnWriteDone      func(ok bool)
	OnWritesDoneDone func(ok bool)
	OnDone           func(st *status.Status, trailers metadata.MD)
}

type eventKind int

const (
	evInitialMetadata eventKind = iota
	evRead
	evWrite
	evWritesDone
	evStatus
)

type event struct {
	kind eventKind
	ok   bool
}

type pendingOps uint8

const (
	pendingInit pendingOps = 1 << iota
	pendingRead
	pendingWrite
	pendingWritesDone
	pendingStatus
)

type Reactor struct {
	call  *call.Call
	hooks Hooks
	log   *zap.Logger

	initTag, readTag, writeTag, writesDoneTag, statusTag *callback.SuccessTag

	// filled by the call before the matching event
	initMD   metadata.MD
	readBuf  []byte
	st       status.Status
	trailers metadata.MD

	mu         sync.Mutex
	started    bool
	pending    pendingOps
	writesDone bool
	gotStatus  bool
	running    int
	done       bool
}

type options struct {
	log *zap.Logger
}

type Opt func(*options)

func WithLogger(log *zap.Logger) Opt { return func(o *options) { o.log = log } }

// New creates the call of method on q, a callback queue. Nothing is sent
// before StartCall.
func New(ch client.CallCreator, q *cq.CompletionQueue, method string, deadline time.Time, hooks Hooks, opts ...Opt) *Reactor {
	o := options{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	r := &Reactor{
		call:  ch.CreateCall(method, deadline, q),
		hooks: hooks,
		log:   o.log.Named("reactor").With(zap.String("method", method)),
	}
	tag := func(k eventKind) *callback.SuccessTag {
		return callback.NewSuccessTag(func(ok bool) { r.dispatch(event{k, ok}) })
	}
	r.initTag = tag(evInitialMetadata)
	r.readTag = tag(evRead)
	r.writeTag = tag(evWrite)
	r.writesDoneTag = tag(evWritesDone)
	r.statusTag = tag(evStatus)
	return r
}

func (r *Reactor) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateLocked()
}

func (r *Reactor) stateLocked() State {
	switch {
	case r.done:
		return Done
	case r.gotStatus:
		return Finishing
	case r.pending&(pendingWrite|pendingWritesDone) != 0:
		return WritePending
	case r.pending&pendingRead != 0:
		return ReadPending
	}
	return Idle
}

// StartCall sends md and starts waiting for the initial metadata and the
// status of the call.
func (r *Reactor) StartCall(md metadata.MD) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return ErrStarted
	}
	err := r.call.StartBatch([]call.Op{
		call.SendInitialMetadata{Metadata: md},
		call.RecvInitialMetadata{Metadata: &r.initMD},
	}, r.initTag)
	if err != nil {
		return err
	}
	r.started = true
	r.pending |= pendingInit

	err = r.call.StartBatch([]call.Op{
		call.RecvStatusOnClient{Status: &r.st, Trailers: &r.trailers},
	}, r.statusTag)
	if err != nil {
		// the status op is the first of its kind, so only a shut down
		// queue refuses it; OnDone follows the init event
		r.log.Error("status batch refused", zap.Error(err))
		r.st = *status.Newf(status.Internal, "starting status batch: %v", err)
		r.gotStatus = true
		r.call.CancelWithStatus(r.st.Clone())
		return err
	}
	r.pending |= pendingStatus
	return nil
}

func (r *Reactor) StartRead() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkLocked(pendingRead, ErrReadPending); err != nil {
		return err
	}
	if err := r.call.StartBatch([]call.Op{call.RecvMessage{Message: &r.readBuf}}, r.readTag); err != nil {
		return err
	}
	r.pending |= pendingRead
	return nil
}

// StartWrite sends msg. The slice may be reused once StartWrite returns.
func (r *Reactor) StartWrite(msg []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.writesDone {
		return ErrWritesDone
	}
	if err := r.checkLocked(pendingWrite, ErrWritePending); err != nil {
		return err
	}
	if err := r.call.StartBatch([]call.Op{call.SendMessage{Message: msg}}, r.writeTag); err != nil {
		return err
	}
	r.pending |= pendingWrite
	return nil
}

// StartWritesDone half-closes the call after the pending write.
func (r *Reactor) StartWritesDone() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.writesDone {
		return ErrWritesDone
	}
	if err := r.checkLocked(pendingWritesDone, ErrWritesDone); err != nil {
		return err
	}
	if err := r.call.StartBatch([]call.Op{call.SendCloseFromClient{}}, r.writesDoneTag); err != nil {
		return err
	}
	r.writesDone = true
	r.pending |= pendingWritesDone
	return nil
}

func (r *Reactor) checkLocked(op pendingOps, busy error) error {
	switch {
	case !r.started:
		return ErrNotStarted
	case r.done || r.gotStatus:
		return ErrFinished
	case r.pending&op != 0:
		return busy
	}
	return nil
}

// Cancel fails the call with CANCELLED. Pending hooks run with ok=false,
// then OnDone.
func (r *Reactor) Cancel() {
	r.call.Cancel()
}

func (r *Reactor) dispatch(ev event) {
	r.mu.Lock()
	before := r.stateLocked()
	var hook func()
	switch ev.kind {
	case evInitialMetadata:
		r.pending &^= pendingInit
		md := r.initMD
		if h := r.hooks.OnReadInitialMetadataDone; h != nil {
			hook = func() { h(ev.ok, md) }
		}
	case evRead:
		r.pending &^= pendingRead
		msg := r.readBuf
		r.readBuf = nil
		ok := ev.ok && msg != nil
		if h := r.hooks.OnReadDone; h != nil {
			hook = func() { h(ok, msg) }
		}
	case evWrite:
		r.pending &^= pendingWrite
		if h := r.hooks.OnWriteDone; h != nil {
			hook = func() { h(ev.ok) }
		}
	case evWritesDone:
		r.pending &^= pendingWritesDone
		if h := r.hooks.OnWritesDoneDone; h != nil {
			hook = func() { h(ev.ok) }
		}
	case evStatus:
		r.pending &^= pendingStatus
		r.gotStatus = true
	default:
		r.mu.Unlock()
		panic(fmt.Sprintf("reactor: unknown event %d", ev.kind))
	}
	r.running++
	r.log.Debug("event",
		zap.Int("kind", int(ev.kind)),
		zap.Bool("ok", ev.ok),
		zap.Stringer("from", before),
		zap.Stringer("to", r.stateLocked()),
	)
	r.mu.Unlock()

	if hook != nil {
		hook()
	}

	r.mu.Lock()
	r.running--
	finish := r.gotStatus && r.pending == 0 && r.running == 0 && !r.done
	if finish {
		r.done = true
	}
	r.mu.Unlock()

	if finish {
		r.call.Release()
		if h := r.hooks.OnDone; h != nil {
			h(r.st.Clone(), r.trailers)
		}
	}
}
