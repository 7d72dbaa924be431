package cq

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ozontech/rpccore/consts"
)

func deadline(d time.Duration) time.Time { return time.Now().Add(d) }

type tag struct{ id int }

func TestNext(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	q := NewNext(WithLogger(zaptest.NewLogger(t)))

	a.Equal(QueueTimeout, q.Next(deadline(10*time.Millisecond)).Type)
	a.Equal(QueueTimeout, q.Next(time.Now().Add(-time.Second)).Type)

	t1, t2 := &tag{1}, &tag{2}
	a.True(q.BeginOp(t1))
	a.True(q.BeginOp(t2))
	q.EndOp(t1, true)
	q.EndOp(t2, false)

	ev := q.Next(deadline(time.Second))
	a.Equal(Event{Type: OpComplete, Tag: t1, OK: true}, ev)
	ev = q.Next(time.Now().Add(-time.Second))
	a.Equal(Event{Type: OpComplete, Tag: t2, OK: false}, ev, "ready event is returned even past deadline")

	a.Equal(Active, q.State())
	q.Shutdown()
	q.Shutdown()
	a.Equal(Shutdown, q.State())
	a.False(q.BeginOp(&tag{3}))
	a.Equal(QueueShutdown, q.Next(time.Time{}).Type)
	a.Equal(QueueShutdown, q.Next(time.Time{}).Type)
	q.Destroy()
	a.Panics(func() { q.BeginOp(&tag{4}) })
}

func TestNextBlocksUntilEvent(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	q := NewNext()

	tg := &tag{1}
	a.True(q.BeginOp(tg))
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.EndOp(tg, true)
	}()
	ev := q.Next(time.Time{})
	a.Equal(OpComplete, ev.Type)
	a.Same(tg, ev.Tag)
}

func TestShutdownDeliversEverything(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	q := NewNext()

	const producers, perProducer, consumers = 8, 500, 4
	var begun sync.WaitGroup
	begun.Add(producers)
	for p := 0; p < producers; p++ {
		p := p
		go func() {
			tags := make([]*tag, perProducer)
			for i := range tags {
				tags[i] = &tag{p*perProducer + i}
				if !q.BeginOp(tags[i]) {
					t.Error("begin op refused before shutdown")
				}
			}
			begun.Done()
			for _, tg := range tags {
				q.EndOp(tg, true)
			}
		}()
	}
	begun.Wait()
	q.Shutdown()
	a.NotEqual(Active, q.State())

	var (
		mu   sync.Mutex
		seen = make(map[int]int)
		wg   sync.WaitGroup
	)
	for c := 0; c < consumers; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				ev := q.Next(deadline(5 * time.Second))
				switch ev.Type {
				case QueueShutdown:
					return
				case QueueTimeout:
					t.Error("unexpected timeout")
					return
				}
				mu.Lock()
				seen[ev.Tag.(*tag).id]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	a.Len(seen, producers*perProducer)
	for id, n := range seen {
		a.Equal(1, n, "tag %d", id)
	}
	q.Destroy()
}

func TestLiveTagResubmission(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	q := NewNext()

	tg := &tag{1}
	a.True(q.BeginOp(tg))
	a.Panics(func() { q.BeginOp(tg) })
	q.EndOp(tg, true)
	a.Panics(func() { q.BeginOp(tg) }, "still live until reported")
	a.Equal(OpComplete, q.Next(time.Time{}).Type)
	a.True(q.BeginOp(tg), "reusable after it was reported")
	q.EndOp(tg, true)

	a.Panics(func() { q.EndOp(&tag{2}, true) })
	a.Panics(func() { q.Pluck(tg, time.Time{}) })
	a.Panics(func() { q.Destroy() })
}

func TestPluck(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	q := NewPluck()

	t1, t2 := &tag{1}, &tag{2}
	a.True(q.BeginOp(t1))
	a.True(q.BeginOp(t2))

	done := make(chan Event)
	go func() { done <- q.Pluck(t2, deadline(5*time.Second)) }()

	q.EndOp(t1, true)
	select {
	case <-done:
		t.Fatal("pluck returned for an unrelated tag")
	case <-time.After(20 * time.Millisecond):
	}
	q.EndOp(t2, false)
	a.Equal(Event{Type: OpComplete, Tag: t2, OK: false}, <-done)

	a.Equal(Event{Type: OpComplete, Tag: t1, OK: true}, q.Pluck(t1, deadline(time.Second)))
	a.Equal(QueueTimeout, q.Pluck(t1, deadline(5*time.Millisecond)).Type)
	a.Panics(func() { q.Next(time.Time{}) })

	q.Shutdown()
	a.Equal(QueueShutdown, q.Pluck(t1, time.Time{}).Type)
	a.Equal(QueueShutdown, q.Pluck(t2, time.Time{}).Type, "repeats for every poller")
	a.Panics(func() { q.BeginOp(&tag{3}) })
	q.Destroy()
}

func TestTooManyPluckers(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	q := NewPluck(WithLogger(zaptest.NewLogger(t)))

	tags := make([]*tag, consts.MaxPluckers)
	var wg sync.WaitGroup
	for i := range tags {
		tags[i] = &tag{i}
		a.True(q.BeginOp(tags[i]))
		wg.Add(1)
		go func(tg *tag) {
			defer wg.Done()
			a.Equal(OpComplete, q.Pluck(tg, deadline(5*time.Second)).Type)
		}(tags[i])
	}

	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.pluckers) == consts.MaxPluckers
	}, time.Second, time.Millisecond)
	a.Equal(QueueTimeout, q.Pluck(&tag{100}, deadline(time.Second)).Type)

	for _, tg := range tags {
		q.EndOp(tg, true)
	}
	wg.Wait()
}

type swallowed struct {
	calls atomic.Int32
}

func (s *swallowed) FinalizeResult(ok bool) (bool, bool) {
	return s.calls.Add(1) > 1, !ok
}

func TestFinalizer(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	q := NewNext()

	s := &swallowed{}
	a.True(q.BeginOp(s))
	q.EndOp(s, true)
	a.Equal(QueueTimeout, q.Next(deadline(10*time.Millisecond)).Type, "first result is swallowed")

	a.True(q.BeginOp(s))
	q.EndOp(s, true)
	ev := q.Next(deadline(time.Second))
	a.Equal(OpComplete, ev.Type)
	a.False(ev.OK, "finalizer rewrites the result")
}

type functor struct {
	ran    chan bool
	inline bool
}

func (f *functor) Run(ok bool)  { f.ran <- ok }
func (f *functor) Inline() bool { return f.inline }

type syncExecutor struct{ n atomic.Int32 }

func (e *syncExecutor) Run(fn func()) {
	e.n.Add(1)
	go fn()
}

func TestCallbackQueue(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	exec := &syncExecutor{}
	shutdown := make(chan struct{})
	q := NewCallback(WithExecutor(exec), WithShutdownCallback(func() { close(shutdown) }))

	f := &functor{ran: make(chan bool, 1)}
	a.True(q.BeginOp(f))
	q.EndOp(f, true)
	a.True(<-f.ran)

	inl := &functor{ran: make(chan bool, 1), inline: true}
	a.True(q.BeginOp(inl))
	q.EndOp(inl, false)
	select {
	case ok := <-inl.ran:
		a.False(ok)
	default:
		t.Fatal("inline functor must run before EndOp returns")
	}
	a.Equal(int32(1), exec.n.Load())

	a.Panics(func() {
		a.True(q.BeginOp(&tag{1}))
		q.EndOp(&tag{1}, true)
	})

	q.Shutdown()
	select {
	case <-shutdown:
		t.Fatal("shutdown callback before drain")
	case <-time.After(10 * time.Millisecond):
	}
}

func TestCallbackQueueShutdownCallback(t *testing.T) {
	t.Parallel()

	shutdown := make(chan struct{})
	q := NewCallback(WithShutdownCallback(func() { close(shutdown) }))
	f := &functor{ran: make(chan bool, 1)}
	assert.True(t, q.BeginOp(f))
	q.Shutdown()
	q.EndOp(f, true)
	<-f.ran
	select {
	case <-shutdown:
	case <-time.After(time.Second):
		t.Fatal("shutdown callback did not run")
	}
}
