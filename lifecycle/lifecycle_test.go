package lifecycle

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ozontech/rpccore/security"
)

func TestNestedInit(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	r := New(security.NewRegistry())
	a.False(r.Initialized())
	a.Nil(r.Quota())

	r.Init(WithLogger(zaptest.NewLogger(t)), WithQuotaSize(1<<20))
	q := r.Quota()
	require.NotNil(t, q)
	a.EqualValues(1<<20, q.Size())
	a.Equal([]string{security.InsecureName, security.TLSName}, r.Registry().Names())

	r.Init(WithQuotaSize(1))
	a.Same(q, r.Quota(), "nested Init keeps the state")

	a.NoError(r.Shutdown())
	a.True(r.Initialized())
	_, ok := r.Registry().Lookup(security.TLSName)
	a.True(ok)

	a.NoError(r.Shutdown())
	a.False(r.Initialized())
	a.Nil(r.Quota())
	a.Nil(r.Executor())
	a.Empty(r.Registry().Names())

	a.Panics(func() { _ = r.Shutdown() })
}

func TestReinit(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	r := New(security.NewRegistry())
	for i := 0; i < 3; i++ {
		r.Init()
		a.Len(r.Registry().Names(), 2)
		done := make(chan struct{})
		r.Executor().Run(func() { close(done) })
		<-done
		a.NoError(r.Shutdown())
	}
}

func TestConcurrentInit(t *testing.T) {
	t.Parallel()

	r := New(security.NewRegistry())
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Init()
		}()
	}
	wg.Wait()
	assert.Len(t, r.Registry().Names(), 2)

	for i := 0; i < 8; i++ {
		assert.NoError(t, r.Shutdown())
	}
	assert.False(t, r.Initialized())
}
