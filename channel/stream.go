package channel

import (
	"context"
	"sync"

	"github.com/ozontech/rpccore/status"
	"github.com/ozontech/rpccore/transport"
)

type pendingBatch struct {
	b    *transport.Batch
	done func(error)
}

// lazyStream holds batches until the channel has a transport and the real
// stream exists, then hands them over in the order they were performed.
type lazyStream struct {
	ch *Channel
	h  transport.Header

	mu      sync.Mutex
	started bool
	queue   []pendingBatch
	s       transport.Stream
	// ready is set once the queue was flushed into s.
	ready  bool
	err    error
	cancel context.CancelFunc
}

var _ transport.Stream = (*lazyStream)(nil)

func (l *lazyStream) Perform(b *transport.Batch, done func(error)) {
	l.mu.Lock()
	if l.ready {
		s := l.s
		l.mu.Unlock()
		s.Perform(b, done)
		return
	}
	if l.err != nil {
		err := l.err
		l.mu.Unlock()
		done(err)
		return
	}
	l.queue = append(l.queue, pendingBatch{b, done})
	if !l.started {
		l.started = true
		ctx, cancel := context.WithCancel(l.ch.ctx)
		l.cancel = cancel
		go l.open(ctx)
	}
	l.mu.Unlock()
}

func (l *lazyStream) open(ctx context.Context) {
	defer l.cancel()

	t, err := l.ch.transport(ctx)
	var s transport.Stream
	if err == nil {
		s, err = t.NewStream(ctx, l.h)
	}

	l.mu.Lock()
	if cancelled := l.err; cancelled != nil {
		// the queue is already failed
		l.mu.Unlock()
		if err == nil {
			s.Cancel(status.FromError(cancelled))
		}
		return
	}
	if err != nil {
		l.err = err
		q := l.queue
		l.queue = nil
		l.mu.Unlock()
		for _, p := range q {
			p.done(err)
		}
		return
	}

	l.s = s
	for len(l.queue) > 0 {
		q := l.queue
		l.queue = nil
		l.mu.Unlock()
		for _, p := range q {
			s.Perform(p.b, p.done)
		}
		l.mu.Lock()
	}
	l.ready = true
	l.mu.Unlock()
}

func (l *lazyStream) Cancel(st *status.Status) {
	l.mu.Lock()
	if l.s != nil {
		s := l.s
		l.mu.Unlock()
		s.Cancel(st)
		return
	}
	if l.err != nil {
		l.mu.Unlock()
		return
	}
	l.err = st.Err()
	q := l.queue
	l.queue = nil
	cancel := l.cancel
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, p := range q {
		p.done(st.Err())
	}
}
