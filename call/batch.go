package call

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ozontech/rpccore/consts"
	"github.com/ozontech/rpccore/cq"
	"github.com/ozontech/rpccore/metadata"
	"github.com/ozontech/rpccore/status"
	"github.com/ozontech/rpccore/transport"
)

// batch is the call side of one StartBatch. The transport only writes the
// call-owned buffers in tb; they are copied to the caller's destinations by
// whoever resolves the batch first.
type batch struct {
	c     *Call
	tag   cq.Tag
	kinds kindMask
	tb    transport.Batch

	recvInitMD    *metadata.MD
	recvMsg       *[]byte
	recvStatus    *status.Status
	recvTrailers  *metadata.MD
	recvCancelled *bool

	initMD       metadata.MD
	msg          transport.RecvMessage
	st           transport.RecvStatus
	closed       transport.RecvClose
	sendReserved uint64
	recvReserved uint64

	resolved atomic.Bool
}

// StartBatch validates ops and hands them to the transport. The batch
// resolves once on the call's queue under tag. A returned error means
// nothing was started and tag was not submitted.
func (c *Call) StartBatch(ops []Op, tag cq.Tag) error {
	if len(ops) > consts.MaxBatchOps {
		return ErrBatchTooBig
	}
	var seen kindMask
	for _, op := range ops {
		if op == nil {
			return ErrCall
		}
		k := op.Kind()
		if k < 0 || k >= numKinds {
			return ErrCall
		}
		if seen.has(k) {
			return ErrTooManyOperations
		}
		seen |= k.mask()
	}
	if c.side == Server && seen.has(SendStatusFromServerOp) && seen.has(RecvMessageOp) {
		return ErrCall
	}

	if len(ops) == 0 {
		if !c.q.BeginOp(tag) {
			return ErrCompletionQueueShutdown
		}
		c.q.EndOp(tag, true)
		return nil
	}

	b := &batch{c: c, tag: tag, kinds: seen}

	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return ErrAlreadyFinished
	}
	for _, op := range ops {
		if err := c.prepare(b, op); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	// kinds are claimed before BeginOp so a concurrent batch of the same
	// kind is refused while the lock is not held
	c.outstanding |= seen
	c.used |= seen & onceKinds
	var held uint64
	if seen.has(RecvMessageOp) {
		// the previous message is no longer ours to account for
		held, c.recvHeld = c.recvHeld, 0
	}
	c.mu.Unlock()
	c.release(held)

	if !c.q.BeginOp(tag) {
		c.mu.Lock()
		c.outstanding &^= seen
		c.used &^= seen & onceKinds
		c.mu.Unlock()
		return ErrCompletionQueueShutdown
	}

	// the batch reference keeps the allocator alive; the reservation is
	// made before a canceller can see the batch
	c.refs.Add(1)
	if b.tb.HasMessage {
		b.sendReserved = c.reserve(len(b.tb.SendMessage))
	}
	c.mu.Lock()
	c.batches[b] = struct{}{}
	cancelled := c.cancelled
	c.mu.Unlock()

	if cancelled != nil {
		b.fail(cancelled)
		return nil
	}
	c.log.Debug("start batch", zap.Stringer("ops", opsMask(seen)))
	c.stream.Perform(&b.tb, b.complete)
	return nil
}

// prepare checks one op against the call state and fills the transport
// batch. Called with c.mu held; it must not change call state.
func (c *Call) prepare(b *batch, op Op) error {
	k := op.Kind()
	switch op := op.(type) {
	case SendInitialMetadata:
		if op.Flags&^initialMetadataFlagsMask != 0 {
			return ErrInvalidFlags
		}
		if err := op.Metadata.Validate(); err != nil {
			return ErrInvalidMetadata
		}
		md := op.Metadata.Clone()
		b.tb.SendInitialMetadata = &md

	case SendMessage:
		if op.Flags&^writeFlagsMask != 0 {
			return ErrInvalidFlags
		}
		b.tb.SendMessage = append(make([]byte, 0, len(op.Message)), op.Message...)
		b.tb.HasMessage = true

	case SendCloseFromClient:
		if c.side == Server {
			return ErrNotOnServer
		}
		b.tb.SendClose = true

	case SendStatusFromServer:
		if c.side == Client {
			return ErrNotOnClient
		}
		if err := op.Trailers.Validate(); err != nil {
			return ErrInvalidMetadata
		}
		st := op.Status.Clone()
		if st == nil {
			st = &status.Status{}
		}
		if !st.Code.Valid() {
			return ErrInvalidMessage
		}
		b.tb.SendStatus = st
		b.tb.SendTrailers = op.Trailers.Clone()

	case RecvInitialMetadata:
		b.recvInitMD = op.Metadata
		b.tb.RecvInitialMetadata = &b.initMD

	case RecvMessage:
		b.recvMsg = op.Message
		b.tb.RecvMessage = &b.msg

	case RecvStatusOnClient:
		if c.side == Server {
			return ErrNotOnServer
		}
		b.recvStatus = op.Status
		b.recvTrailers = op.Trailers
		b.tb.RecvStatus = &b.st

	case RecvCloseOnServer:
		if c.side == Client {
			return ErrNotOnClient
		}
		b.recvCancelled = op.Cancelled
		b.tb.RecvClose = &b.closed

	default:
		return ErrCall
	}

	if c.outstanding.has(k) || c.used&onceKinds&k.mask() != 0 {
		return ErrTooManyOperations
	}
	return nil
}

// complete is the transport's done callback.
func (b *batch) complete(err error) {
	c := b.c
	if !b.resolved.CompareAndSwap(false, true) {
		c.log.Debug("late transport completion discarded", zap.Error(err))
		return
	}

	ok := err == nil
	if b.tb.RecvMessage != nil && ok && !b.msg.EOS {
		b.recvReserved = c.reserve(len(b.msg.Data))
		if len(b.msg.Data) > c.maxRecvMsgSize {
			st := status.Newf(status.ResourceExhausted,
				"received message larger than max (%d vs. %d)", len(b.msg.Data), c.maxRecvMsgSize)
			b.fill(st, false)
			b.finish(false)
			c.CancelWithStatus(st)
			return
		}
	}

	b.fill(c.finalStatus(b, err), ok)
	b.finish(ok)
}

// finalStatus picks what a RecvStatusOnClient op reports.
func (c *Call) finalStatus(b *batch, err error) *status.Status {
	if err != nil {
		if st := b.st.Status; !st.OK() {
			return &st
		}
		c.mu.Lock()
		cancelled := c.cancelled
		c.mu.Unlock()
		if cancelled != nil {
			return cancelled
		}
		return status.FromError(err)
	}
	st := b.st.Status
	return &st
}

// fail resolves the batch with ok=false unless it already resolved.
func (b *batch) fail(st *status.Status) {
	if !b.resolved.CompareAndSwap(false, true) {
		return
	}
	b.fill(st, false)
	b.finish(false)
}

func (b *batch) fill(st *status.Status, ok bool) {
	if b.recvInitMD != nil {
		if ok {
			*b.recvInitMD = b.initMD
		} else {
			*b.recvInitMD = nil
		}
	}
	if b.recvMsg != nil {
		*b.recvMsg = nil
		if ok && !b.msg.EOS {
			*b.recvMsg = b.msg.Data
			if *b.recvMsg == nil {
				*b.recvMsg = []byte{}
			}
		}
	}
	if b.tb.RecvStatus != nil {
		if b.recvStatus != nil {
			*b.recvStatus = *st.Clone()
		}
		if b.recvTrailers != nil {
			if ok {
				*b.recvTrailers = b.st.Trailers
			} else {
				*b.recvTrailers = nil
			}
		}
	}
	if b.recvCancelled != nil {
		*b.recvCancelled = !ok || b.closed.Cancelled
	}
}

func (b *batch) finish(ok bool) {
	c := b.c
	c.release(b.sendReserved)
	b.sendReserved = 0

	c.mu.Lock()
	if ok {
		// входящее сообщение учитываем, пока его не сменит следующее
		c.recvHeld += b.recvReserved
	} else {
		defer c.release(b.recvReserved)
	}
	b.recvReserved = 0
	c.outstanding &^= b.kinds
	delete(c.batches, b)
	done := b.kinds.has(RecvStatusOnClientOp) ||
		b.kinds.has(SendStatusFromServerOp) ||
		b.kinds.has(RecvCloseOnServerOp) && (!ok || b.closed.Cancelled)
	finishedNow := done && !c.finished
	if done {
		c.finished = true
	}
	c.mu.Unlock()

	if finishedNow {
		c.stopTimer()
		c.log.Debug("call finished", zap.Bool("ok", ok))
	}
	c.q.EndOp(b.tag, ok)
	c.unref()
}

type opsMask kindMask

func (m opsMask) String() string {
	s := ""
	for k := OpKind(0); k < numKinds; k++ {
		if kindMask(m).has(k) {
			if s != "" {
				s += ","
			}
			s += k.String()
		}
	}
	return fmt.Sprintf("[%s]", s)
}
