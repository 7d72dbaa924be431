// Package transport defines what the call layer needs from a transport:
// streams that perform operation batches and report when they are done.
package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ozontech/rpccore/metadata"
	"github.com/ozontech/rpccore/status"
)

var (
	ErrClosed       = errors.New("transport closed")
	ErrStreamClosed = errors.New("stream closed")
)

// Header opens a stream.
type Header struct {
	Method    string
	Authority string
	// Deadline is zero when the call has none.
	Deadline time.Time
	Metadata metadata.MD
}

// RecvMessage is filled by the transport. EOS reports the peer finished
// sending; Data is nil then.
type RecvMessage struct {
	Data []byte
	EOS  bool
}

type RecvStatus struct {
	Status   status.Status
	Trailers metadata.MD
}

type RecvClose struct {
	Cancelled bool
}

// Batch is one StartBatch worth of operations. A nil pointer or false
// field means the operation is absent. Recv fields point at buffers the
// transport fills before it reports done.
type Batch struct {
	SendInitialMetadata *metadata.MD
	// SendMessage is owned by the transport once Perform was called.
	SendMessage []byte
	HasMessage  bool
	SendClose   bool
	// SendStatus and SendTrailers are server side.
	SendStatus   *status.Status
	SendTrailers metadata.MD

	RecvInitialMetadata *metadata.MD
	RecvMessage         *RecvMessage
	RecvStatus          *RecvStatus
	RecvClose           *RecvClose
}

func (b *Batch) HasSends() bool {
	return b.SendInitialMetadata != nil || b.HasMessage || b.SendClose || b.SendStatus != nil
}

// Ops counts the operations in b.
func (b *Batch) Ops() int {
	n := 0
	for _, present := range [...]bool{
		b.SendInitialMetadata != nil,
		b.HasMessage,
		b.SendClose,
		b.SendStatus != nil,
		b.RecvInitialMetadata != nil,
		b.RecvMessage != nil,
		b.RecvStatus != nil,
		b.RecvClose != nil,
	} {
		if present {
			n++
		}
	}
	return n
}

// Stream carries one call.
type Stream interface {
	// Perform starts every operation of b and calls done once all of them
	// finished. done may run on any goroutine, including the caller's.
	Perform(b *Batch, done func(error))
	// Cancel aborts the stream. Pending and later operations fail; the peer
	// sees st.
	Cancel(st *status.Status)
}

type ClientTransport interface {
	NewStream(ctx context.Context, h Header) (Stream, error)
	Close() error
}

type ServerStream interface {
	Stream
	Header() Header
}

type ServerTransport interface {
	// Accept returns the next stream opened by a client. It returns
	// ErrClosed once the transport is closed.
	Accept(ctx context.Context) (ServerStream, error)
	Close() error
}

// Completion counts down the operations of one batch and reports the first
// error once the last one finished.
type Completion struct {
	mu   sync.Mutex
	left int
	err  error
	done func(error)
}

func NewCompletion(ops int, done func(error)) *Completion {
	return &Completion{left: ops, done: done}
}

// Finish records one operation. It is a defect to finish more operations
// than the batch has.
func (c *Completion) Finish(err error) {
	c.mu.Lock()
	if c.left <= 0 {
		c.mu.Unlock()
		panic("transport: batch completed more than once")
	}
	c.left--
	if err != nil && c.err == nil {
		c.err = err
	}
	left, first := c.left, c.err
	c.mu.Unlock()

	if left == 0 {
		c.done(first)
	}
}

// StatusError carries a status through error returns so the call layer can
// recover it with status.FromError.
func StatusError(c status.Code, msg string) error {
	return status.New(c, msg).Err()
}
