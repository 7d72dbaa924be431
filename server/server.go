// Package server turns streams accepted by server transports into calls
// handed out through completion queues.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ozontech/rpccore/call"
	"github.com/ozontech/rpccore/config"
	"github.com/ozontech/rpccore/consts"
	"github.com/ozontech/rpccore/cq"
	"github.com/ozontech/rpccore/lifecycle"
	"github.com/ozontech/rpccore/metadata"
	"github.com/ozontech/rpccore/quota"
	"github.com/ozontech/rpccore/status"
	"github.com/ozontech/rpccore/transport"
)

// MaxBacklog is the number of accepted streams that may wait for a
// RequestCall. Streams beyond it are refused with RESOURCE_EXHAUSTED.
const MaxBacklog = 1024

var (
	ErrShutdown      = errors.New("server is shut down")
	ErrQueueShutdown = errors.New("completion queue is shut down")
)

// CallDetails is filled when a RequestCall resolves with ok=true.
type CallDetails struct {
	Call      *call.Call
	Method    string
	Authority string
	// Deadline is zero when the client set none.
	Deadline time.Time
	Metadata metadata.MD
}

type request struct {
	q       *cq.CompletionQueue
	tag     cq.Tag
	details *CallDetails
}

type options struct {
	log   *zap.Logger
	clock clock.Clock
	quota *quota.ResourceQuota
}

type Opt func(*options)

func WithLogger(log *zap.Logger) Opt { return func(o *options) { o.log = log } }
func WithClock(c clock.Clock) Opt    { return func(o *options) { o.clock = c } }

// WithQuota accounts calls against q instead of a quota of the server's own.
func WithQuota(q *quota.ResourceQuota) Opt { return func(o *options) { o.quota = q } }

type Server struct {
	cfg   config.Config
	log   *zap.Logger
	clock clock.Clock
	quota *quota.ResourceQuota

	ctx    context.Context
	cancel context.CancelFunc
	g      errgroup.Group

	mu         sync.Mutex
	shutdown   bool
	requests   []request
	backlog    []transport.ServerStream
	transports map[transport.ServerTransport]struct{}
	calls      map[*call.Call]struct{}
	idle       chan struct{}
}

// New creates a server. Without a quota option and a configured quota size
// it uses the process default quota from lifecycle.
func New(cfg config.Config, opts ...Opt) (*Server, error) {
	o := options{log: zap.NewNop(), clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Server{
		cfg:        cfg,
		log:        o.log.Named("server"),
		clock:      o.clock,
		quota:      o.quota,
		transports: make(map[transport.ServerTransport]struct{}),
		calls:      make(map[*call.Call]struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if s.quota == nil && cfg.QuotaSize == 0 {
		s.quota = lifecycle.Quota()
	}
	if s.quota == nil {
		size := cfg.QuotaSize
		if size == 0 {
			size = consts.DefaultQuotaSize
		}
		s.quota = quota.NewResourceQuota("server", size, quota.WithLogger(o.log))
		s.g.Go(func() error { return s.quota.Run(s.ctx) })
	}
	return s, nil
}

func (s *Server) Quota() *quota.ResourceQuota { return s.quota }

// Serve accepts streams from t until t or the server is closed. It blocks
// and returns nil on a clean close. On a server that is already shut down
// it closes t and returns nil at once.
func (s *Server) Serve(ctx context.Context, t transport.ServerTransport) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		s.log.Debug("serve after shutdown, closing transport")
		return t.Close()
	}
	s.transports[t] = struct{}{}
	s.mu.Unlock()

	log := s.log.With(zap.String("transport", fmt.Sprintf("%p", t)))
	log.Debug("serving")
	defer log.Debug("serving done")

	for {
		st, err := t.Accept(ctx)
		if err != nil {
			s.mu.Lock()
			delete(s.transports, t)
			s.mu.Unlock()
			if errors.Is(err, transport.ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.dispatch(st)
	}
}

func (s *Server) dispatch(st transport.ServerStream) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		st.Cancel(status.New(status.Unavailable, "server is shutting down"))
		return
	}
	if len(s.requests) == 0 {
		if len(s.backlog) >= MaxBacklog {
			s.mu.Unlock()
			s.log.Warn("backlog is full, refusing stream", zap.String("method", st.Header().Method))
			st.Cancel(status.New(status.ResourceExhausted, "server backlog is full"))
			return
		}
		s.backlog = append(s.backlog, st)
		s.mu.Unlock()
		return
	}
	r := s.requests[0]
	s.requests = s.requests[1:]
	c := s.newCallLocked(r, st)
	s.mu.Unlock()

	s.resolve(r, c, st)
}

// RequestCall asks for the next incoming call. tag resolves on q with
// ok=true and details filled once a client opened one, or with ok=false
// when the server shuts down first.
func (s *Server) RequestCall(q *cq.CompletionQueue, tag cq.Tag, details *CallDetails) error {
	if details == nil {
		panic("server: RequestCall with nil details")
	}
	if !q.BeginOp(tag) {
		return ErrQueueShutdown
	}
	r := request{q: q, tag: tag, details: details}

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		q.EndOp(tag, false)
		return nil
	}
	if len(s.backlog) == 0 {
		s.requests = append(s.requests, r)
		s.mu.Unlock()
		return nil
	}
	st := s.backlog[0]
	s.backlog = s.backlog[1:]
	c := s.newCallLocked(r, st)
	s.mu.Unlock()

	s.resolve(r, c, st)
	return nil
}

func (s *Server) newCallLocked(r request, st transport.ServerStream) *call.Call {
	h := st.Header()
	var c *call.Call
	c = call.New(r.q, st, call.Server, h.Method,
		call.WithDeadline(h.Deadline),
		call.WithClock(s.clock),
		call.WithLogger(s.log),
		call.WithQuota(s.quota),
		call.WithMaxRecvMsgSize(s.cfg.MaxRecvMsgSize),
		call.WithOnDone(func() { s.forget(c) }),
	)
	s.calls[c] = struct{}{}
	return c
}

func (s *Server) resolve(r request, c *call.Call, st transport.ServerStream) {
	h := st.Header()
	*r.details = CallDetails{
		Call:      c,
		Method:    h.Method,
		Authority: h.Authority,
		Deadline:  h.Deadline,
		Metadata:  h.Metadata.Clone(),
	}
	r.q.EndOp(r.tag, true)
}

func (s *Server) forget(c *call.Call) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.calls, c)
	if len(s.calls) == 0 && s.idle != nil {
		close(s.idle)
		s.idle = nil
	}
}

// Shutdown stops accepting streams and fails pending RequestCalls. It waits
// for calls in flight until ctx is done, then cancels the rest with
// UNAVAILABLE and returns ctx.Err().
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ErrShutdown
	}
	s.shutdown = true
	requests, backlog := s.requests, s.backlog
	s.requests, s.backlog = nil, nil
	ts := make([]transport.ServerTransport, 0, len(s.transports))
	for t := range s.transports {
		ts = append(ts, t)
	}
	idle := make(chan struct{})
	if len(s.calls) == 0 {
		close(idle)
	} else {
		s.idle = idle
	}
	s.mu.Unlock()

	s.log.Info("shutting down",
		zap.Int("requests", len(requests)),
		zap.Int("backlog", len(backlog)),
		zap.Int("transports", len(ts)),
	)
	for _, r := range requests {
		r.q.EndOp(r.tag, false)
	}
	for _, st := range backlog {
		st.Cancel(status.New(status.Unavailable, "server is shutting down"))
	}

	var forced error
	select {
	case <-idle:
	case <-ctx.Done():
		forced = ctx.Err()
		s.mu.Lock()
		calls := make([]*call.Call, 0, len(s.calls))
		for c := range s.calls {
			calls = append(calls, c)
		}
		s.mu.Unlock()
		s.log.Warn("cancelling calls in flight", zap.Int("calls", len(calls)))
		for _, c := range calls {
			c.CancelWithStatus(status.New(status.Unavailable, "server shutdown"))
		}
	}

	var err error
	for _, t := range ts {
		err = multierr.Append(err, t.Close())
	}
	s.cancel()
	err = multierr.Append(err, s.g.Wait())
	return multierr.Append(forced, err)
}
