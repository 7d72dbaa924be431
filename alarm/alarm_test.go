package alarm

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ozontech/rpccore/cq"
)

func TestFireOnQueue(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	mock := clock.NewMock()
	q := cq.NewNext()
	al := New(WithClock(mock))
	tag := new(int)

	al.Set(mock.Now().Add(time.Second), q, tag)
	a.Equal(Set, al.State())
	a.Panics(func() { al.Set(mock.Now().Add(time.Second), q, new(int)) })

	a.Equal(cq.QueueTimeout, q.Next(time.Now().Add(5*time.Millisecond)).Type)
	mock.Add(time.Second)

	ev := q.Next(time.Now().Add(5 * time.Second))
	a.Equal(cq.OpComplete, ev.Type)
	a.Same(tag, ev.Tag)
	a.True(ev.OK)
	a.Equal(Fired, al.State())

	al.Cancel()
	a.Equal(Fired, al.State(), "cancel after fire is a no-op")
}

func TestCancelOnQueue(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	mock := clock.NewMock()
	q := cq.NewNext()
	al := New(WithClock(mock))
	tag := new(int)

	al.Set(mock.Now().Add(time.Hour), q, tag)
	al.Cancel()
	al.Cancel()
	ev := q.Next(time.Now().Add(5 * time.Second))
	a.Equal(cq.OpComplete, ev.Type)
	a.False(ev.OK)
	a.Equal(Cancelled, al.State())

	mock.Add(time.Hour)
	a.Equal(cq.QueueTimeout, q.Next(time.Now().Add(10*time.Millisecond)).Type, "stopped timer must not resolve again")

	// reusable once resolved
	al.Set(mock.Now().Add(time.Minute), q, tag)
	mock.Add(time.Minute)
	ev = q.Next(time.Now().Add(5 * time.Second))
	a.True(ev.OK)

	q.Shutdown()
	a.Panics(func() { al.Set(mock.Now().Add(time.Minute), q, tag) })
}

func TestCallback(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	mock := clock.NewMock()
	al := New(WithClock(mock))

	got := make(chan bool, 2)
	al.SetCallback(mock.Now().Add(time.Second), func(fired bool) { got <- fired })
	mock.Add(time.Second)
	a.True(recv(t, got))

	al.SetCallback(mock.Now().Add(time.Second), func(fired bool) { got <- fired })
	al.Cancel()
	a.False(recv(t, got))

	al.SetCallback(mock.Now().Add(-time.Second), func(fired bool) { got <- fired })
	a.True(recv(t, got), "past deadline fires right away")

	al.SetCallback(time.Time{}, func(fired bool) { got <- fired })
	mock.Add(24 * time.Hour)
	a.Equal(Set, al.State(), "zero deadline never fires")
	al.Cancel()
	a.False(recv(t, got))
}

func TestCancelRacesExpiry(t *testing.T) {
	t.Parallel()

	const n = 2000
	var wg sync.WaitGroup
	counts := make([]atomic.Int32, n)
	for i := 0; i < n; i++ {
		i := i
		al := New()
		wg.Add(1)
		al.SetCallback(time.Now().Add(time.Duration(i%50)*time.Microsecond), func(bool) {
			counts[i].Add(1)
			wg.Done()
		})
		go al.Cancel()
	}
	wg.Wait()
	time.Sleep(10 * time.Millisecond)
	for i := range counts {
		require.Equal(t, int32(1), counts[i].Load(), "alarm %d", i)
	}
}

func recv(t *testing.T, ch <-chan bool) bool {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("alarm did not resolve")
	}
	return false
}
