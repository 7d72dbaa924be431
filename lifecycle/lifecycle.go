// Package lifecycle owns the process-wide state of the runtime: the
// handshaker registry, the default resource quota and the callback
// executor. Init and Shutdown nest; the state lives between the first Init
// and the matching last Shutdown.
package lifecycle

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ozontech/rpccore/consts"
	"github.com/ozontech/rpccore/executor"
	"github.com/ozontech/rpccore/quota"
	"github.com/ozontech/rpccore/security"
)

type options struct {
	log       *zap.Logger
	quotaSize int64
	threads   int
}

type Opt func(*options)

func WithLogger(log *zap.Logger) Opt { return func(o *options) { o.log = log } }

// WithQuotaSize sets the size of the default resource quota.
func WithQuotaSize(n int64) Opt { return func(o *options) { o.quotaSize = n } }

func WithExecutorThreads(n int) Opt { return func(o *options) { o.threads = n } }

type Runtime struct {
	registry *security.Registry

	mu       sync.Mutex
	refs     int
	log      *zap.Logger
	quota    *quota.ResourceQuota
	executor *executor.Executor
	cancel   context.CancelFunc
	g        *errgroup.Group
}

// New returns a runtime that fills registry on Init.
func New(registry *security.Registry) *Runtime {
	return &Runtime{registry: registry}
}

// Init takes a reference. Only the first one builds the state; options of
// nested calls are ignored.
func (r *Runtime) Init(opts ...Opt) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refs++
	if r.refs > 1 {
		return
	}

	o := options{
		log:       zap.NewNop(),
		quotaSize: consts.DefaultQuotaSize,
		threads:   consts.DefaultExecutorThreads,
	}
	for _, opt := range opts {
		opt(&o)
	}
	r.log = o.log.Named("lifecycle")

	security.RegisterBuiltins(r.registry)
	r.quota = quota.NewResourceQuota("default", o.quotaSize, quota.WithLogger(o.log))
	r.executor = executor.New(executor.WithThreads(o.threads), executor.WithLogger(o.log))

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.g = new(errgroup.Group)
	r.g.Go(func() error { return r.quota.Run(ctx) })

	r.log.Info("initialized", zap.Strings("handshakers", r.registry.Names()))
}

// Shutdown drops a reference. The last one stops the reclamation loop,
// drains the executor and empties the registry. Shutdown without a matching
// Init is a defect.
func (r *Runtime) Shutdown() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.refs == 0 {
		panic("lifecycle: Shutdown without Init")
	}
	r.refs--
	if r.refs > 0 {
		return nil
	}

	r.cancel()
	err := r.g.Wait()
	err = multierr.Append(err, r.executor.Close())
	r.registry.Reset()
	r.log.Info("shut down")

	r.quota, r.executor, r.cancel, r.g = nil, nil, nil, nil
	return err
}

func (r *Runtime) Initialized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs > 0
}

// Quota is the default resource quota. It is nil outside Init/Shutdown.
func (r *Runtime) Quota() *quota.ResourceQuota {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.quota
}

// Executor runs functors of callback queues. It is nil outside
// Init/Shutdown.
func (r *Runtime) Executor() *executor.Executor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.executor
}

func (r *Runtime) Registry() *security.Registry { return r.registry }

var std = New(security.Default)

func Init(opts ...Opt) { std.Init(opts...) }
func Shutdown() error { return std.Shutdown() }
func Initialized() bool { return std.Initialized() }
func Quota() *quota.ResourceQuota { return std.Quota() }
func Executor() *executor.Executor { return std.Executor() }
func Default() *Runtime { return std }
