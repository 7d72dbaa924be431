// Package inproc joins a client and a server transport in memory. Streams
// behave like network streams: messages are queued per direction behind a
// byte window, so a reader that does not read stalls the writer.
package inproc

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ozontech/rpccore/consts"
	"github.com/ozontech/rpccore/status"
	"github.com/ozontech/rpccore/transport"
)

type options struct {
	window  uint32
	backlog int
	log     *zap.Logger
}

type Opt func(*options)

// WithWindowSize sets the per-direction window of each stream in bytes.
func WithWindowSize(n uint32) Opt { return func(o *options) { o.window = n } }

// WithBacklog sets how many opened streams may wait for Accept.
func WithBacklog(n int) Opt { return func(o *options) { o.backlog = n } }

func WithLogger(log *zap.Logger) Opt { return func(o *options) { o.log = log } }

type pair struct {
	opts   options
	log    *zap.Logger
	accept chan *stream
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	streams map[*stream]struct{}
}

var pairID atomic.Uint32

// NewPair returns two connected ends.
func NewPair(opts ...Opt) (*ClientTransport, *ServerTransport) {
	o := options{
		window:  consts.DefaultInitialWindowSize,
		backlog: 128,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	p := &pair{
		opts:    o,
		log:     o.log.Named("inproc").With(zap.Uint32("pair-id", pairID.Add(1))),
		accept:  make(chan *stream, o.backlog),
		done:    make(chan struct{}),
		streams: make(map[*stream]struct{}),
	}
	return &ClientTransport{p}, &ServerTransport{p}
}

func (p *pair) close() {
	p.once.Do(func() {
		close(p.done)
		p.mu.Lock()
		streams := p.streams
		p.streams = make(map[*stream]struct{})
		p.mu.Unlock()
		for s := range streams {
			s.reset(status.New(status.Unavailable, "transport closed"))
		}
		p.log.Debug("closed", zap.Int("streams", len(streams)))
	})
}

func (p *pair) closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *pair) forget(s *stream) {
	p.mu.Lock()
	delete(p.streams, s)
	p.mu.Unlock()
}

type ClientTransport struct{ p *pair }

var _ transport.ClientTransport = (*ClientTransport)(nil)

// NewStream creates a stream. The server sees it once initial metadata was
// sent.
func (t *ClientTransport) NewStream(_ context.Context, h transport.Header) (transport.Stream, error) {
	if t.p.closed() {
		return nil, transport.StatusError(status.Unavailable, "transport closed")
	}
	s := newStream(t.p, h)
	t.p.mu.Lock()
	t.p.streams[s] = struct{}{}
	t.p.mu.Unlock()
	return &s.client, nil
}

func (t *ClientTransport) Close() error {
	t.p.close()
	return nil
}

// Done is closed once either end was closed.
func (t *ClientTransport) Done() <-chan struct{} { return t.p.done }

type ServerTransport struct{ p *pair }

var _ transport.ServerTransport = (*ServerTransport)(nil)

func (t *ServerTransport) Accept(ctx context.Context) (transport.ServerStream, error) {
	select {
	case s := <-t.p.accept:
		return &s.server, nil
	case <-t.p.done:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *ServerTransport) Close() error {
	t.p.close()
	return nil
}
