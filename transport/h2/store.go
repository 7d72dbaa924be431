package h2

import "sync"

type streamsMap struct {
	mu sync.RWMutex
	m  map[uint32]*stream
}

func (s *streamsMap) set(id uint32, st *stream) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.m[id] = st
}

func (s *streamsMap) get(id uint32) *stream {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.m[id]
}

func (s *streamsMap) delete(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.m, id)
}

func (s *streamsMap) appendTo(dst []*stream) []*stream {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, st := range s.m {
		dst = append(dst, st)
	}
	return dst
}

// store keeps open streams by id, sharded to spread lock contention between
// the receiver and the goroutines opening streams.
type store struct {
	shards []streamsMap
	mask   uint32
}

// newStore needs a power of two number of shards.
func newStore(shards uint32) *store {
	if shards == 0 || shards&(shards-1) != 0 {
		panic("assertion error: shards must be a power of two")
	}
	s := &store{shards: make([]streamsMap, shards), mask: shards - 1}
	for i := range s.shards {
		s.shards[i].m = make(map[uint32]*stream)
	}
	return s
}

// client stream ids are odd, so the lowest bit carries nothing.
func (s *store) shard(id uint32) *streamsMap { return &s.shards[(id>>1)&s.mask] }

func (s *store) Set(id uint32, st *stream) { s.shard(id).set(id, st) }
func (s *store) Get(id uint32) *stream     { return s.shard(id).get(id) }
func (s *store) Delete(id uint32)          { s.shard(id).delete(id) }

// Snapshot returns the streams open right now. Callers act on them without
// holding any store lock.
func (s *store) Snapshot() []*stream {
	var all []*stream
	for i := range s.shards {
		all = s.shards[i].appendTo(all)
	}
	return all
}

func (s *store) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		n += len(sh.m)
		sh.mu.RUnlock()
	}
	return n
}
