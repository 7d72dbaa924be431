// Package executor runs callbacks on a fixed set of worker goroutines.
package executor

import (
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ozontech/rpccore/consts"
)

// Executor is an unbounded FIFO served by a fixed worker pool. Run never
// blocks the caller.
type Executor struct {
	log *zap.Logger

	cond   *sync.Cond
	queue  []func()
	closed bool

	g *errgroup.Group
}

type Opt func(*options)

type options struct {
	threads int
	log     *zap.Logger
}

func WithThreads(n int) Opt { return func(o *options) { o.threads = n } }

func WithLogger(log *zap.Logger) Opt { return func(o *options) { o.log = log } }

func New(opts ...Opt) *Executor {
	o := options{threads: consts.DefaultExecutorThreads, log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.threads <= 0 {
		o.threads = 1
	}

	e := &Executor{
		log:  o.log.Named("executor"),
		cond: sync.NewCond(&sync.Mutex{}),
		g:    new(errgroup.Group),
	}
	for i := 0; i < o.threads; i++ {
		e.g.Go(e.worker)
	}
	e.log.Debug("started", zap.Int("threads", o.threads))
	return e
}

// Run schedules fn. After Close fn runs on its own goroutine, so late
// completions are never lost.
func (e *Executor) Run(fn func()) {
	e.cond.L.Lock()
	if e.closed {
		e.cond.L.Unlock()
		go fn()
		return
	}
	e.queue = append(e.queue, fn)
	e.cond.L.Unlock()
	e.cond.Signal()
}

func (e *Executor) worker() error {
	for {
		e.cond.L.Lock()
		for len(e.queue) == 0 && !e.closed {
			e.cond.Wait()
		}
		if len(e.queue) == 0 {
			e.cond.L.Unlock()
			return nil
		}
		fn := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.cond.L.Unlock()

		fn()
	}
}

// Close runs what is already queued and waits for the workers to exit.
func (e *Executor) Close() error {
	e.cond.L.Lock()
	e.closed = true
	e.cond.L.Unlock()
	e.cond.Broadcast()

	err := e.g.Wait()
	e.log.Debug("stopped")
	return err
}
