// Package channel is the client side entry point: it owns connections to
// one target and creates calls on them.
//
// A channel connects lazily. The first batch of the first call dials the
// target, runs the configured handshaker and starts an HTTP/2 transport;
// batches started meanwhile wait for it. When the transport goes away the
// channel returns to IDLE and the next call connects again.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ozontech/rpccore/call"
	"github.com/ozontech/rpccore/config"
	"github.com/ozontech/rpccore/consts"
	"github.com/ozontech/rpccore/cq"
	"github.com/ozontech/rpccore/quota"
	"github.com/ozontech/rpccore/security"
	"github.com/ozontech/rpccore/status"
	"github.com/ozontech/rpccore/transport"
	"github.com/ozontech/rpccore/transport/h2"
)

type State int

const (
	Idle State = iota
	Connecting
	Ready
	TransientFailure
	Shutdown
)

var stateNames = [...]string{"IDLE", "CONNECTING", "READY", "TRANSIENT_FAILURE", "SHUTDOWN"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Dialer opens the raw connection to target.
type Dialer func(ctx context.Context, target string) (net.Conn, error)

func dialTCP(ctx context.Context, target string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", target)
}

type options struct {
	log       *zap.Logger
	clock     clock.Clock
	dialer    Dialer
	registry  *security.Registry
	transport transport.ClientTransport
}

type Opt func(*options)

func WithLogger(log *zap.Logger) Opt { return func(o *options) { o.log = log } }
func WithClock(c clock.Clock) Opt    { return func(o *options) { o.clock = c } }
func WithDialer(d Dialer) Opt        { return func(o *options) { o.dialer = d } }

// WithRegistry looks the handshaker up in r instead of security.Default.
func WithRegistry(r *security.Registry) Opt { return func(o *options) { o.registry = r } }

// WithTransport makes the channel use t for every call instead of dialing.
// The channel closes t.
func WithTransport(t transport.ClientTransport) Opt { return func(o *options) { o.transport = t } }

var errClosed = status.New(status.Unavailable, "channel is closed").Err()

type attempt struct {
	done chan struct{}
	err  error
}

type Channel struct {
	target     string
	cfg        config.Config
	log        *zap.Logger
	clock      clock.Clock
	dial       Dialer
	handshaker security.Handshaker
	quota      *quota.ResourceQuota
	fixed      bool

	active atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	g      errgroup.Group

	mu         sync.Mutex
	state      State
	current    transport.ClientTransport
	connecting *attempt
	transports map[transport.ClientTransport]struct{}
}

func New(target string, cfg config.Config, opts ...Opt) (*Channel, error) {
	o := options{
		log:      zap.NewNop(),
		clock:    clock.New(),
		dialer:   dialTCP,
		registry: security.Default,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	hs, ok := o.registry.Lookup(cfg.Security)
	if !ok {
		return nil, fmt.Errorf("handshaker %q is not registered", cfg.Security)
	}

	size := cfg.QuotaSize
	if size == 0 {
		size = consts.DefaultQuotaSize
	}
	log := o.log.Named("channel").With(zap.String("target", target))
	c := &Channel{
		target:     target,
		cfg:        cfg,
		log:        log,
		clock:      o.clock,
		dial:       o.dialer,
		handshaker: hs,
		quota:      quota.NewResourceQuota("channel "+target, size, quota.WithLogger(o.log)),
		transports: make(map[transport.ClientTransport]struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.g.Go(func() error { return c.quota.Run(c.ctx) })

	if o.transport != nil {
		c.fixed = true
		c.adopt(o.transport)
	}
	log.Debug("channel created", zap.Stringer("config", cfg))
	return c, nil
}

func (c *Channel) Target() string              { return c.target }
func (c *Channel) Quota() *quota.ResourceQuota { return c.quota }

// ActiveCalls counts calls created and not yet destroyed.
func (c *Channel) ActiveCalls() int64 { return c.active.Load() }

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect makes the channel READY without creating a call.
func (c *Channel) Connect(ctx context.Context) error {
	_, err := c.transport(ctx)
	return err
}

// CreateCall creates a client call of method bound to q. A zero deadline
// means none.
func (c *Channel) CreateCall(method string, deadline time.Time, q *cq.CompletionQueue, opts ...call.Opt) *call.Call {
	s := &lazyStream{
		ch: c,
		h: transport.Header{
			Method:    method,
			Authority: c.target,
			Deadline:  deadline,
		},
	}
	c.active.Add(1)
	base := []call.Opt{
		call.WithDeadline(deadline),
		call.WithClock(c.clock),
		call.WithLogger(c.log),
		call.WithQuota(c.quota),
		call.WithMaxRecvMsgSize(c.cfg.MaxRecvMsgSize),
		call.WithOnDone(func() { c.active.Add(-1) }),
	}
	return call.New(q, s, call.Client, method, append(base, opts...)...)
}

// transport returns the ready transport, connecting when there is none.
func (c *Channel) transport(ctx context.Context) (transport.ClientTransport, error) {
	c.mu.Lock()
	if c.state == Shutdown {
		c.mu.Unlock()
		return nil, errClosed
	}
	if c.current != nil {
		t := c.current
		c.mu.Unlock()
		return t, nil
	}
	if c.fixed {
		c.mu.Unlock()
		return nil, status.New(status.Unavailable, "transport is gone").Err()
	}
	a := c.connecting
	if a == nil {
		a = &attempt{done: make(chan struct{})}
		c.connecting = a
		c.state = Connecting
		go c.connect(a)
	}
	c.mu.Unlock()

	select {
	case <-a.done:
	case <-ctx.Done():
		return nil, status.FromError(ctx.Err()).Err()
	}
	if a.err != nil {
		return nil, a.err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil, status.New(status.Unavailable, "connection lost").Err()
	}
	return c.current, nil
}

func (c *Channel) connect(a *attempt) {
	defer close(a.done)

	start := c.clock.Now()
	t, err := c.dialTransport()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.connecting = nil
	if c.state == Shutdown {
		if t != nil {
			go t.Close()
		}
		a.err = errClosed
		return
	}
	if err != nil {
		c.state = TransientFailure
		a.err = status.Newf(status.Unavailable, "connecting to %s: %v", c.target, err).Err()
		c.log.Warn("connect failed", zap.Error(err))
		return
	}
	c.adoptLocked(t)
	c.log.Info("connected", zap.Duration("took", c.clock.Since(start)))
}

func (c *Channel) dialTransport() (transport.ClientTransport, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.SetupTimeout)
	defer cancel()

	raw, err := c.dial(ctx, c.target)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	conn, info, err := c.handshaker.Handshake(ctx, raw)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("%s handshake: %w", c.handshaker.Name(), err), raw.Close())
	}
	c.log.Debug("handshake done", zap.String("type", info.Type), zap.Stringer("peer", info.PeerAddr))

	t, err := h2.New(conn,
		h2.WithLogger(c.log),
		h2.WithClock(c.clock),
		h2.WithSetupTimeout(c.cfg.SetupTimeout),
		h2.WithKeepalive(c.cfg.Keepalive.Time, c.cfg.Keepalive.Timeout),
		h2.WithRecvWindow(c.cfg.InitialWindow),
		h2.WithUserAgent(c.cfg.UserAgent),
		h2.WithAuthority(c.target),
	)
	if err != nil {
		return nil, fmt.Errorf("http2 setup: %w", err)
	}
	return t, nil
}

func (c *Channel) adopt(t transport.ClientTransport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adoptLocked(t)
}

type doner interface {
	Done() <-chan struct{}
}

func (c *Channel) adoptLocked(t transport.ClientTransport) {
	c.current = t
	c.state = Ready
	c.transports[t] = struct{}{}
	if d, ok := t.(doner); ok {
		go c.watch(t, d.Done())
	}
}

// watch returns the channel to IDLE once t stops serving.
func (c *Channel) watch(t transport.ClientTransport, done <-chan struct{}) {
	select {
	case <-done:
	case <-c.ctx.Done():
		return
	}

	c.mu.Lock()
	if c.state == Shutdown {
		c.mu.Unlock()
		return
	}
	delete(c.transports, t)
	if c.current == t {
		c.current = nil
		c.state = Idle
		if c.fixed {
			c.state = TransientFailure
		}
	}
	c.mu.Unlock()

	c.log.Info("transport gone")
	if err := t.Close(); err != nil {
		c.log.Debug("closing transport", zap.Error(err))
	}
}

// Close fails calls in flight with UNAVAILABLE and releases every
// connection.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.state == Shutdown {
		c.mu.Unlock()
		return errors.New("channel already closed")
	}
	c.state = Shutdown
	c.current = nil
	ts := make([]transport.ClientTransport, 0, len(c.transports))
	for t := range c.transports {
		ts = append(ts, t)
	}
	c.transports = nil
	c.mu.Unlock()

	c.cancel()
	var err error
	for _, t := range ts {
		err = multierr.Append(err, t.Close())
	}
	err = multierr.Append(err, c.g.Wait())
	c.log.Debug("channel closed", zap.Int("transports", len(ts)))
	return err
}
