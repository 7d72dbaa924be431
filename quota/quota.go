// Package quota arbitrates buffer memory between concurrent calls.
//
// A ResourceQuota is shared by many MemoryAllocators. Reservations never
// block and never fail: when the quota is exhausted it is overcommitted and
// the reclamation loop (ResourceQuota.Run) asks allocators to give memory
// back, first politely (benign), then by tearing work down (destructive).
package quota

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ReclamationPass orders reclaimers; earlier passes run first.
type ReclamationPass int

const (
	// Benign reclaimers release memory without visible effect.
	Benign ReclamationPass = iota
	// Idle reclaimers tear down idle work.
	Idle
	// Destructive reclaimers cancel in-flight work.
	Destructive

	numPasses
)

func (p ReclamationPass) String() string {
	switch p {
	case Benign:
		return "benign"
	case Idle:
		return "idle"
	case Destructive:
		return "destructive"
	}
	return "unknown"
}

// ReclamationSweep is handed to a reclaimer. The quota waits for Finish
// before it starts the next reclaimer.
type ReclamationSweep struct {
	quota *ResourceQuota
	once  sync.Once
	done  chan struct{}
}

// Finish reports the reclaimer is done. It is safe to call more than once.
func (s *ReclamationSweep) Finish() {
	s.once.Do(func() { close(s.done) })
}

// IsSufficient reports whether the quota is no longer overcommitted, so the
// reclaimer can stop early.
func (s *ReclamationSweep) IsSufficient() bool {
	return s.quota.free.Load() >= 0
}

// ReclaimFunc is posted by an allocator. A nil sweep means the reclaimer was
// cancelled because its allocator shut down.
type ReclaimFunc func(sweep *ReclamationSweep)

type reclaimer struct {
	alloc *MemoryAllocator
	pass  ReclamationPass
	fn    ReclaimFunc
	taken atomic.Bool
}

// ResourceQuota is a memory budget shared by allocators.
type ResourceQuota struct {
	name string
	size atomic.Int64
	// free may drop below zero: that is the overcommitted state.
	free atomic.Int64

	pressureCh chan struct{}

	mu         sync.Mutex
	reclaimers [numPasses][]*reclaimer
	allocators map[*MemoryAllocator]struct{}

	log *zap.Logger
}

type Opt func(*ResourceQuota)

func WithLogger(log *zap.Logger) Opt {
	return func(q *ResourceQuota) { q.log = log }
}

func NewResourceQuota(name string, size int64, opts ...Opt) *ResourceQuota {
	q := &ResourceQuota{
		name:       name,
		pressureCh: make(chan struct{}, 1),
		allocators: make(map[*MemoryAllocator]struct{}),
		log:        zap.NewNop(),
	}
	for _, o := range opts {
		o(q)
	}
	q.log = q.log.Named("quota").With(zap.String("quota", name))
	q.size.Store(size)
	q.free.Store(size)
	return q
}

func (q *ResourceQuota) Name() string { return q.name }
func (q *ResourceQuota) Size() int64  { return q.size.Load() }
func (q *ResourceQuota) Free() int64  { return q.free.Load() }
func (q *ResourceQuota) Used() int64  { return q.size.Load() - q.free.Load() }

// Pressure is the used fraction of the quota, clamped to [0, 1].
func (q *ResourceQuota) Pressure() float64 {
	size := q.size.Load()
	if size <= 0 {
		return 1
	}
	p := float64(size-q.free.Load()) / float64(size)
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}

// SetSize resizes the quota. Shrinking below current usage overcommits it.
func (q *ResourceQuota) SetSize(size int64) {
	delta := size - q.size.Swap(size)
	if q.free.Add(delta) < 0 {
		q.signal()
	}
}

// CreateAllocator returns a new allocator drawing from q.
func (q *ResourceQuota) CreateAllocator(name string) *MemoryAllocator {
	a := &MemoryAllocator{quota: q, name: name}
	q.mu.Lock()
	q.allocators[a] = struct{}{}
	q.mu.Unlock()
	return a
}

func (q *ResourceQuota) take(n int64) {
	if q.free.Add(-n) < 0 {
		q.signal()
	}
}

func (q *ResourceQuota) give(n int64) {
	q.free.Add(n)
}

func (q *ResourceQuota) signal() {
	select {
	case q.pressureCh <- struct{}{}:
	default:
	}
}

func (q *ResourceQuota) post(r *reclaimer) {
	q.mu.Lock()
	q.reclaimers[r.pass] = append(q.reclaimers[r.pass], r)
	q.mu.Unlock()
	if q.free.Load() < 0 {
		q.signal()
	}
}

func (q *ResourceQuota) forget(a *MemoryAllocator) {
	q.mu.Lock()
	delete(q.allocators, a)
	q.mu.Unlock()
}

// nextReclaimer pops the first live reclaimer of the lowest pass.
func (q *ResourceQuota) nextReclaimer() *reclaimer {
	q.mu.Lock()
	defer q.mu.Unlock()
	for pass := range q.reclaimers {
		list := q.reclaimers[pass]
		for len(list) > 0 {
			r := list[0]
			list[0] = nil
			list = list[1:]
			if r.taken.CompareAndSwap(false, true) {
				q.reclaimers[pass] = list
				return r
			}
		}
		q.reclaimers[pass] = list
	}
	return nil
}

// sweepFreePools takes back memory allocators hold but have not reserved.
func (q *ResourceQuota) sweepFreePools() bool {
	q.mu.Lock()
	allocators := make([]*MemoryAllocator, 0, len(q.allocators))
	for a := range q.allocators {
		allocators = append(allocators, a)
	}
	q.mu.Unlock()

	var reclaimed int64
	for _, a := range allocators {
		reclaimed += a.donateFree(0)
	}
	if reclaimed > 0 {
		q.log.Debug("reclaimed free pools", zap.Int64("bytes", reclaimed))
	}
	return reclaimed > 0
}

// Run is the reclamation loop. It returns when ctx is done.
func (q *ResourceQuota) Run(ctx context.Context) error {
	defer q.log.Debug("reclamation loop done")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.pressureCh:
		}

		for q.free.Load() < 0 {
			if q.sweepFreePools() {
				continue
			}
			r := q.nextReclaimer()
			if r == nil {
				q.log.Debug("overcommitted with nothing to reclaim", zap.Int64("free", q.free.Load()))
				break
			}
			q.log.Debug(
				"running reclaimer",
				zap.Stringer("pass", r.pass),
				zap.String("allocator", r.alloc.name),
				zap.Int64("free", q.free.Load()),
			)
			sweep := &ReclamationSweep{quota: q, done: make(chan struct{})}
			go r.fn(sweep)
			select {
			case <-sweep.done:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
