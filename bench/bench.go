// Package bench keeps a channel busy with paced unary calls and reports
// the outcome of every call.
package bench

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/ozontech/rpccore/client"
	"github.com/ozontech/rpccore/cq"
	"github.com/ozontech/rpccore/metadata"
	"github.com/ozontech/rpccore/report"
	"github.com/ozontech/rpccore/scheduler"
)

type Config struct {
	Method   string
	Message  []byte
	Metadata metadata.MD
	// Timeout is the deadline of every call; zero means none.
	Timeout time.Duration
	// InFlight caps the calls running at once.
	InFlight int
}

type options struct {
	log      *zap.Logger
	clock    clock.Clock
	executor cq.Executor
}

type Opt func(*options)

func WithLogger(log *zap.Logger) Opt { return func(o *options) { o.log = log } }

func WithClock(c clock.Clock) Opt { return func(o *options) { o.clock = c } }

// WithExecutor runs completion callbacks on e instead of a goroutine each.
func WithExecutor(e cq.Executor) Opt { return func(o *options) { o.executor = e } }

type Runner struct {
	ch       client.CallCreator
	sched    scheduler.Scheduler
	reporter report.Reporter
	cfg      Config
	o        options

	mu      sync.Mutex
	nextID  uint64
	cancels map[uint64]func()
}

func New(ch client.CallCreator, s scheduler.Scheduler, r report.Reporter, cfg Config, opts ...Opt) *Runner {
	o := options{log: zap.NewNop(), clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	o.log = o.log.Named("bench")
	return &Runner{
		ch:       ch,
		sched:    s,
		reporter: r,
		cfg:      cfg,
		o:        o,
		cancels:  make(map[uint64]func()),
	}
}

// Run issues calls until the schedule ends or ctx is done and waits for the
// calls in flight. Cancelling ctx cancels them. It returns the number of
// calls issued.
func (b *Runner) Run(ctx context.Context) (int64, error) {
	if b.cfg.InFlight < 1 {
		return 0, errors.New("in-flight limit must be positive")
	}

	drained := make(chan struct{})
	qopts := []cq.Opt{cq.WithLogger(b.o.log), cq.WithShutdownCallback(func() { close(drained) })}
	if b.o.executor != nil {
		qopts = append(qopts, cq.WithExecutor(b.o.executor))
	}
	q := cq.NewCallback(qopts...)

	stop := context.AfterFunc(ctx, b.cancelAll)
	defer stop()

	var (
		wg     sync.WaitGroup
		issued int64
		slots  = make(chan struct{}, b.cfg.InFlight)
		pacer  = scheduler.NewPacer(b.sched, b.o.clock)
	)
loop:
	for pacer.Wait(ctx) {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			break loop
		}
		wg.Add(1)
		b.start(ctx, q, func() {
			<-slots
			wg.Done()
		})
		issued++
	}

	wg.Wait()
	q.Shutdown()
	<-drained
	q.Destroy()
	b.o.log.Debug("run finished", zap.Int64("calls", issued))
	return issued, nil
}

func (b *Runner) start(ctx context.Context, q *cq.CompletionQueue, release func()) {
	req := client.Request{
		Method:   b.cfg.Method,
		Message:  b.cfg.Message,
		Metadata: b.cfg.Metadata,
	}
	if b.cfg.Timeout > 0 {
		req.Deadline = b.o.clock.Now().Add(b.cfg.Timeout)
	}
	s := b.reporter.Acquire(b.cfg.Method)
	s.Sent(len(req.Message))

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.mu.Unlock()

	finished := false
	cancel := client.UnaryAsync(b.ch, q, req, func(r client.Response) {
		s.Received(len(r.Message))
		s.End(r.Status)
		b.mu.Lock()
		finished = true
		delete(b.cancels, id)
		b.mu.Unlock()
		release()
	})

	b.mu.Lock()
	if !finished {
		b.cancels[id] = cancel
	}
	b.mu.Unlock()
	// cancelAll may have run before the call was tracked
	if ctx.Err() != nil {
		cancel()
	}
}

func (b *Runner) cancelAll() {
	b.mu.Lock()
	cancels := make([]func(), 0, len(b.cancels))
	for _, c := range b.cancels {
		cancels = append(cancels, c)
	}
	b.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}
