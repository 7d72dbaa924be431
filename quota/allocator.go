package quota

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ozontech/rpccore/consts"
)

// MemoryRequest asks for between Min and Max bytes inclusive.
type MemoryRequest struct {
	min, max uint64
}

// NewMemoryRequest asks for exactly n bytes.
func NewMemoryRequest(n uint64) MemoryRequest { return MemoryRequest{n, n} }

// NewMemoryRequestRange asks for at least lo and at most hi bytes. The
// bounds are checked by Reserve.
func NewMemoryRequestRange(lo, hi uint64) MemoryRequest { return MemoryRequest{lo, hi} }

func (r MemoryRequest) Min() uint64 { return r.min }
func (r MemoryRequest) Max() uint64 { return r.max }

func (r MemoryRequest) String() string {
	return fmt.Sprintf("[%d, %d]", r.min, r.max)
}

// MemoryAllocator reserves memory for one owner (a call, a stream) from a
// ResourceQuota. All counters are atomic: unrelated allocators never
// serialize against each other.
type MemoryAllocator struct {
	quota *ResourceQuota
	name  string

	// taken is what the allocator holds from the quota.
	taken atomic.Int64
	// free is the part of taken not yet reserved.
	free     atomic.Int64
	reserved atomic.Int64
	shutdown atomic.Bool

	mu         sync.Mutex
	reclaimers [numPasses]*reclaimer
}

func (a *MemoryAllocator) Name() string { return a.name }

// Reserved is the number of bytes currently reserved.
func (a *MemoryAllocator) Reserved() int64 { return a.reserved.Load() }

// Reserve grants between req.Min() and req.Max() bytes. It never blocks and
// never fails; under pressure the quota is overcommitted. Requests with
// min > max or above consts.MaxAllowedSize are defects and panic.
func (a *MemoryAllocator) Reserve(req MemoryRequest) uint64 {
	if req.min > req.max {
		panic(fmt.Sprintf("quota: invalid memory request %s: min > max", req))
	}
	if req.max > consts.MaxAllowedSize {
		panic(fmt.Sprintf("quota: invalid memory request %s: max above %d", req, consts.MaxAllowedSize))
	}
	if a.shutdown.Load() {
		panic("quota: Reserve on shut down allocator " + a.name)
	}

	for {
		want, ok := a.tryReserve(req)
		if ok {
			a.reserved.Add(int64(want))
			return want
		}
		a.replenish(int64(want))
	}
}

// tryReserve returns the scaled size it tried to take.
func (a *MemoryAllocator) tryReserve(req MemoryRequest) (uint64, bool) {
	scaled := req.max - req.min
	if scaled != 0 {
		// над 80% заполнения отдаем ближе к минимуму
		if p := a.quota.Pressure(); p > 0.8 {
			scaled = uint64(float64(scaled) * (1 - p) / 0.2)
		}
	}
	want := int64(req.min + scaled)
	for {
		old := a.free.Load()
		if old < want {
			return uint64(want), false
		}
		if a.free.CompareAndSwap(old, old-want) {
			return uint64(want), true
		}
	}
}

func (a *MemoryAllocator) replenish(need int64) {
	amount := a.taken.Load() / 3
	if amount < consts.MinReplenishBytes {
		amount = consts.MinReplenishBytes
	}
	if amount > consts.MaxReplenishBytes {
		amount = consts.MaxReplenishBytes
	}
	if amount < need {
		amount = need
	}
	a.quota.take(amount)
	a.taken.Add(amount)
	a.free.Add(amount)
}

// Release gives back n reserved bytes. Releasing more than reserved is a
// defect and panics.
func (a *MemoryAllocator) Release(n uint64) {
	if n == 0 {
		return
	}
	if left := a.reserved.Add(-int64(n)); left < 0 {
		a.reserved.Add(int64(n))
		panic(fmt.Sprintf("quota: release of %d bytes exceeds reservation of %s", n, a.name))
	}
	if a.shutdown.Load() {
		return
	}
	if a.free.Add(int64(n)) > consts.MaxAllocatorFreeBytes {
		a.donateFree(consts.MaxAllocatorFreeBytes / 2)
	}
}

// donateFree returns free bytes above keep to the quota.
func (a *MemoryAllocator) donateFree(keep int64) int64 {
	for {
		old := a.free.Load()
		if old <= keep {
			return 0
		}
		if a.free.CompareAndSwap(old, keep) {
			n := old - keep
			a.taken.Add(-n)
			a.quota.give(n)
			return n
		}
	}
}

// PostReclaimer registers fn for pass. The quota calls it at most once when
// it is overcommitted; post again to stay registered. Posting twice for the
// same pass before the first ran is a defect.
func (a *MemoryAllocator) PostReclaimer(pass ReclamationPass, fn ReclaimFunc) {
	if a.shutdown.Load() {
		panic("quota: PostReclaimer on shut down allocator " + a.name)
	}
	r := &reclaimer{alloc: a, pass: pass, fn: fn}

	a.mu.Lock()
	if prev := a.reclaimers[pass]; prev != nil && !prev.taken.Load() {
		a.mu.Unlock()
		panic("quota: reclaimer already posted for " + pass.String() + " pass of " + a.name)
	}
	a.reclaimers[pass] = r
	a.mu.Unlock()

	a.quota.post(r)
}

// Shutdown returns everything the allocator holds to the quota and cancels
// its reclaimers. Reserve after Shutdown panics; Release stays legal so
// owners can unwind.
func (a *MemoryAllocator) Shutdown() {
	if !a.shutdown.CompareAndSwap(false, true) {
		return
	}

	a.mu.Lock()
	reclaimers := a.reclaimers
	a.reclaimers = [numPasses]*reclaimer{}
	a.mu.Unlock()
	for _, r := range reclaimers {
		if r != nil && r.taken.CompareAndSwap(false, true) {
			go r.fn(nil)
		}
	}

	a.free.Store(0)
	if n := a.taken.Swap(0); n != 0 {
		a.quota.give(n)
	}
	a.quota.forget(a)
}
