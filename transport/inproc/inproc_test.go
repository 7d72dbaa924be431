package inproc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ozontech/rpccore/metadata"
	"github.com/ozontech/rpccore/status"
	"github.com/ozontech/rpccore/transport"
)

func perform(s transport.Stream, b *transport.Batch) <-chan error {
	ch := make(chan error, 1)
	s.Perform(b, func(err error) { ch <- err })
	return ch
}

func wait(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not complete")
	}
	return nil
}

func pending(t *testing.T, ch <-chan error) {
	t.Helper()
	select {
	case err := <-ch:
		t.Fatalf("batch completed early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestUnaryRoundTrip(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	ctx := context.Background()

	ct, st := NewPair(WithLogger(zaptest.NewLogger(t)))
	defer ct.Close()

	cs, err := ct.NewStream(ctx, transport.Header{Method: "/svc/Echo"})
	require.NoError(t, err)

	md := metadata.Pairs("custom-header", "v")
	var (
		initMD metadata.MD
		msg    transport.RecvMessage
		rs     transport.RecvStatus
	)
	clientDone := perform(cs, &transport.Batch{
		SendInitialMetadata: &md,
		SendMessage:         []byte("world"),
		HasMessage:          true,
		SendClose:           true,
		RecvInitialMetadata: &initMD,
		RecvMessage:         &msg,
		RecvStatus:          &rs,
	})

	ss, err := st.Accept(ctx)
	require.NoError(t, err)
	a.Equal("/svc/Echo", ss.Header().Method)
	a.Equal(md, ss.Header().Metadata)

	var req, eos transport.RecvMessage
	a.NoError(wait(t, perform(ss, &transport.Batch{RecvMessage: &req})))
	a.Equal("world", string(req.Data))
	a.NoError(wait(t, perform(ss, &transport.Batch{RecvMessage: &eos})))
	a.True(eos.EOS)

	var rc transport.RecvClose
	a.NoError(wait(t, perform(ss, &transport.Batch{
		SendInitialMetadata: &metadata.MD{{Key: "server", Value: []byte("inproc")}},
		SendMessage:         append([]byte("hello "), req.Data...),
		HasMessage:          true,
		SendStatus:          status.New(status.OK, ""),
		SendTrailers:        metadata.Pairs("t", "1"),
		RecvClose:           &rc,
	})))
	a.False(rc.Cancelled)

	a.NoError(wait(t, clientDone))
	a.Equal("hello world", string(msg.Data))
	a.Equal(status.OK, rs.Status.Code)
	a.Equal([][]byte{[]byte("inproc")}, initMD.Get("server"))
	a.Equal([][]byte{[]byte("1")}, rs.Trailers.Get("t"))
}

func TestBackpressure(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	ctx := context.Background()

	ct, st := NewPair(WithWindowSize(10))
	defer st.Close()

	cs, err := ct.NewStream(ctx, transport.Header{Method: "/m"})
	require.NoError(t, err)
	a.NoError(wait(t, perform(cs, &transport.Batch{SendInitialMetadata: &metadata.MD{}})))
	ss, err := st.Accept(ctx)
	require.NoError(t, err)

	a.NoError(wait(t, perform(cs, &transport.Batch{SendMessage: make([]byte, 10), HasMessage: true})))
	stalled := perform(cs, &transport.Batch{SendMessage: make([]byte, 5), HasMessage: true})
	pending(t, stalled)

	var m transport.RecvMessage
	a.NoError(wait(t, perform(ss, &transport.Batch{RecvMessage: &m})))
	a.Len(m.Data, 10)
	a.NoError(wait(t, stalled), "reading frees the window")

	big := perform(cs, &transport.Batch{SendMessage: make([]byte, 100), HasMessage: true})
	pending(t, big)
	a.NoError(wait(t, perform(ss, &transport.Batch{RecvMessage: &m})))
	a.NoError(wait(t, big), "messages above the window wait for an empty window")
}

func TestCancelFailsBothEnds(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	ctx := context.Background()

	ct, st := NewPair(WithWindowSize(1))
	cs, err := ct.NewStream(ctx, transport.Header{Method: "/m"})
	require.NoError(t, err)
	a.NoError(wait(t, perform(cs, &transport.Batch{SendInitialMetadata: &metadata.MD{}})))
	ss, err := st.Accept(ctx)
	require.NoError(t, err)

	a.NoError(wait(t, perform(cs, &transport.Batch{SendMessage: []byte{1}, HasMessage: true})))
	stalled := perform(cs, &transport.Batch{SendMessage: []byte{2}, HasMessage: true})
	var rs transport.RecvStatus
	statusDone := perform(cs, &transport.Batch{RecvStatus: &rs})
	var rc transport.RecvClose
	closeDone := perform(ss, &transport.Batch{RecvClose: &rc})
	pending(t, closeDone)

	cs.Cancel(status.New(status.Cancelled, "client gave up"))
	a.Error(wait(t, stalled))
	a.Equal(status.Cancelled, status.FromError(wait(t, statusDone)).Code)
	a.Equal(status.Cancelled, rs.Status.Code)
	a.NoError(wait(t, closeDone))
	a.True(rc.Cancelled)

	var m transport.RecvMessage
	a.Error(wait(t, perform(ss, &transport.Batch{RecvMessage: &m})), "reset wins over queued data")

	a.NoError(ct.Close())
	_, err = ct.NewStream(ctx, transport.Header{})
	a.Equal(status.Unavailable, status.FromError(err).Code)
	_, err = st.Accept(ctx)
	a.ErrorIs(err, transport.ErrClosed)
}

func TestTrailersOnly(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	ctx := context.Background()

	ct, st := NewPair()
	defer ct.Close()
	cs, err := ct.NewStream(ctx, transport.Header{Method: "/m"})
	require.NoError(t, err)

	var (
		initMD metadata.MD
		msg    transport.RecvMessage
		rs     transport.RecvStatus
	)
	done := perform(cs, &transport.Batch{
		SendInitialMetadata: &metadata.MD{},
		SendClose:           true,
		RecvInitialMetadata: &initMD,
		RecvMessage:         &msg,
		RecvStatus:          &rs,
	})
	ss, err := st.Accept(ctx)
	require.NoError(t, err)
	a.NoError(wait(t, perform(ss, &transport.Batch{SendStatus: status.New(status.NotFound, "no such thing")})))

	a.NoError(wait(t, done))
	a.NotNil(initMD)
	a.Empty(initMD)
	a.True(msg.EOS)
	a.Equal(status.NotFound, rs.Status.Code)
	a.Equal("no such thing", rs.Status.Message)
}

func TestServerClosePendingAccept(t *testing.T) {
	t.Parallel()

	ct, st := NewPair()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := st.Accept(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	cs, err := ct.NewStream(context.Background(), transport.Header{Method: "/m"})
	require.NoError(t, err)
	assert.NoError(t, st.Close())
	err = wait(t, perform(cs, &transport.Batch{SendInitialMetadata: &metadata.MD{}}))
	assert.Equal(t, status.Unavailable, status.FromError(err).Code)
}
