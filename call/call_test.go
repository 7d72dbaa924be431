package call

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ozontech/rpccore/cq"
	"github.com/ozontech/rpccore/metadata"
	"github.com/ozontech/rpccore/quota"
	"github.com/ozontech/rpccore/status"
	"github.com/ozontech/rpccore/transport"
)

// echoStream answers every batch right away and echoes the last message.
func echoStream() *StreamMock {
	var last []byte
	return &StreamMock{
		PerformFunc: func(b *transport.Batch, done func(error)) {
			if b.HasMessage {
				last = b.SendMessage
			}
			if b.RecvInitialMetadata != nil {
				*b.RecvInitialMetadata = metadata.Pairs("server", "echo")
			}
			if b.RecvMessage != nil {
				b.RecvMessage.Data = last
			}
			if b.RecvStatus != nil {
				b.RecvStatus.Status = status.Status{Code: status.OK}
				b.RecvStatus.Trailers = metadata.Pairs("trailer", "yes")
			}
			done(nil)
		},
	}
}

// stuckStream never completes anything on its own.
func stuckStream() *StreamMock { return &StreamMock{} }

func next(t *testing.T, q *cq.CompletionQueue) cq.Event {
	t.Helper()
	ev := q.Next(time.Now().Add(5 * time.Second))
	require.Equal(t, cq.OpComplete, ev.Type)
	return ev
}

func TestUnaryEcho(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	q := cq.NewNext()
	mock := echoStream()
	c := New(q, mock, Client, "/echo.Echo/Say", WithLogger(zaptest.NewLogger(t)))

	var (
		initMD   metadata.MD
		resp     []byte
		st       status.Status
		trailers metadata.MD
	)
	msg := []byte("world")
	err := c.StartBatch([]Op{
		SendInitialMetadata{Metadata: metadata.Pairs("custom-header", "v")},
		SendMessage{Message: msg},
		SendCloseFromClient{},
		RecvInitialMetadata{Metadata: &initMD},
		RecvMessage{Message: &resp},
		RecvStatusOnClient{Status: &st, Trailers: &trailers},
	}, "unary")
	a.NoError(err)
	msg[0] = 'W'

	ev := next(t, q)
	a.Equal("unary", ev.Tag)
	a.True(ev.OK)
	a.Equal("world", string(resp), "message is copied at StartBatch")
	a.Equal(status.OK, st.Code)
	a.Equal([][]byte{[]byte("echo")}, initMD.Get("server"))
	a.Equal([][]byte{[]byte("yes")}, trailers.Get("trailer"))

	a.ErrorIs(c.StartBatch([]Op{RecvMessage{Message: &resp}}, "late"), ErrAlreadyFinished)
	c.Cancel()
	a.Empty(mock.CancelCalls(), "cancel after final status is a no-op")

	done := make(chan struct{})
	c.onDone = append(c.onDone, func() { close(done) })
	c.Release()
	<-done
	a.Panics(func() { c.Release() })
}

func TestStreamingBatches(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	q := cq.NewNext()
	c := New(q, echoStream(), Client, "/echo.Echo/Stream")
	defer c.Release()

	a.NoError(c.StartBatch([]Op{SendInitialMetadata{}}, 0))
	a.True(next(t, q).OK)

	for i := 1; i <= 3; i++ {
		var resp []byte
		a.NoError(c.StartBatch([]Op{SendMessage{Message: []byte{byte(i)}}}, i*10))
		a.True(next(t, q).OK)
		a.NoError(c.StartBatch([]Op{RecvMessage{Message: &resp}}, i*10+1))
		a.True(next(t, q).OK)
		a.Equal([]byte{byte(i)}, resp)
	}

	a.ErrorIs(c.StartBatch([]Op{SendInitialMetadata{}}, 100), ErrTooManyOperations, "initial metadata is sent once")
}

func TestOutstandingKind(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	q := cq.NewNext()
	mock := stuckStream()
	c := New(q, mock, Client, "/m")

	first := []byte("first")
	a.NoError(c.StartBatch([]Op{SendMessage{Message: first}}, 1))
	a.ErrorIs(c.StartBatch([]Op{SendMessage{Message: []byte("second")}}, 2), ErrTooManyOperations)
	require.Len(t, mock.PerformCalls(), 1)
	a.Equal(first, mock.PerformCalls()[0].B.SendMessage, "second batch did not touch the first")

	var resp []byte
	a.NoError(c.StartBatch([]Op{RecvMessage{Message: &resp}}, 3), "other kinds are independent")

	mock.PerformCalls()[0].Done(nil)
	ev := next(t, q)
	a.Equal(1, ev.Tag)
	a.True(ev.OK)
	a.NoError(c.StartBatch([]Op{SendMessage{Message: []byte("third")}}, 2), "allowed after the first resolved")

	c.Release()
}

func TestValidation(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	q := cq.NewNext()
	client := New(q, stuckStream(), Client, "/m")
	server := New(q, stuckStream(), Server, "/m")
	var (
		cancelled bool
		st        status.Status
		msg       []byte
	)

	nine := make([]Op, 9)
	for i := range nine {
		nine[i] = RecvMessage{}
	}
	a.ErrorIs(client.StartBatch(nine, 1), ErrBatchTooBig)
	a.ErrorIs(client.StartBatch([]Op{RecvMessage{}, RecvMessage{}}, 1), ErrTooManyOperations)
	a.ErrorIs(client.StartBatch([]Op{nil}, 1), ErrCall)

	a.ErrorIs(server.StartBatch([]Op{SendCloseFromClient{}}, 1), ErrNotOnServer)
	a.ErrorIs(server.StartBatch([]Op{RecvStatusOnClient{Status: &st}}, 1), ErrNotOnServer)
	a.ErrorIs(client.StartBatch([]Op{SendStatusFromServer{}}, 1), ErrNotOnClient)
	a.ErrorIs(client.StartBatch([]Op{RecvCloseOnServer{Cancelled: &cancelled}}, 1), ErrNotOnClient)
	a.ErrorIs(server.StartBatch([]Op{SendStatusFromServer{}, RecvMessage{Message: &msg}}, 1), ErrCall)

	a.ErrorIs(client.StartBatch([]Op{SendMessage{Message: []byte("x"), Flags: 1 << 10}}, 1), ErrInvalidFlags)
	a.ErrorIs(client.StartBatch([]Op{SendInitialMetadata{Flags: 1}}, 1), ErrInvalidFlags)
	a.ErrorIs(server.StartBatch([]Op{SendStatusFromServer{Status: &status.Status{Code: 99}}}, 1), ErrInvalidMessage)

	a.ErrorIs(client.StartBatch([]Op{
		SendInitialMetadata{Metadata: metadata.Pairs("Custom-Header", "v")},
	}, 1), ErrInvalidMetadata)
	a.ErrorIs(server.StartBatch([]Op{
		SendStatusFromServer{Trailers: metadata.Pairs("bad key", "v")},
	}, 1), ErrInvalidMetadata)

	// a refused batch does not consume the once-per-call op
	a.ErrorIs(client.StartBatch([]Op{
		SendInitialMetadata{Metadata: metadata.Pairs("custom-header", "ok")},
		SendMessage{Flags: 1 << 10},
	}, 1), ErrInvalidFlags)
	a.NoError(client.StartBatch([]Op{
		SendInitialMetadata{Metadata: metadata.MD{
			{Key: "custom-header", Value: []byte("ascii")},
			{Key: "trace-bin", Value: []byte{0, 1, 0xff}},
		}},
	}, 2))

	a.NoError(client.StartBatch(nil, "empty"))
	ev := next(t, q)
	a.Equal("empty", ev.Tag)
	a.True(ev.OK)

	client.Release()
	server.Release()
	a.Equal(2, next(t, q).Tag, "release cancels the stuck batch")

	q.Shutdown()
	late := New(q, stuckStream(), Client, "/m")
	a.ErrorIs(late.StartBatch([]Op{RecvMessage{Message: &msg}}, 3), ErrCompletionQueueShutdown)
	a.ErrorIs(late.StartBatch(nil, 4), ErrCompletionQueueShutdown)
	a.Zero(late.outstanding, "kinds are released on refusal")
}

func TestCancel(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	q := cq.NewNext()
	mock := stuckStream()
	c := New(q, mock, Client, "/m")

	var (
		st   status.Status
		resp = []byte("stale")
	)
	a.NoError(c.StartBatch([]Op{SendInitialMetadata{}, RecvStatusOnClient{Status: &st}}, "status"))
	a.NoError(c.StartBatch([]Op{RecvMessage{Message: &resp}}, "msg"))

	c.Cancel()
	c.CancelWithStatus(status.New(status.Internal, "ignored"))
	require.Len(t, mock.CancelCalls(), 1)
	a.Equal(status.Cancelled, mock.CancelCalls()[0].St.Code)

	got := map[any]bool{}
	for i := 0; i < 2; i++ {
		ev := next(t, q)
		got[ev.Tag] = ev.OK
	}
	a.Equal(map[any]bool{"status": false, "msg": false}, got)
	a.Equal(status.Cancelled, st.Code)
	a.Nil(resp)

	// the transport reporting late must change nothing
	performs := mock.PerformCalls()
	performs[0].B.RecvStatus.Status = status.Status{Code: status.OK}
	performs[0].Done(nil)
	a.Equal(status.Cancelled, st.Code)
	a.Equal(cq.QueueTimeout, q.Next(time.Now().Add(10*time.Millisecond)).Type)

	a.ErrorIs(c.StartBatch([]Op{RecvMessage{Message: &resp}}, "after"), ErrAlreadyFinished)
	c.Release()
}

func TestBatchAfterCancelFailsRightAway(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	q := cq.NewNext()
	mock := stuckStream()
	c := New(q, mock, Client, "/m")
	c.CancelWithStatus(status.New(status.Unavailable, "gone"))

	var st status.Status
	a.NoError(c.StartBatch([]Op{RecvStatusOnClient{Status: &st}}, 1))
	ev := next(t, q)
	a.False(ev.OK)
	a.Equal(status.Unavailable, st.Code)
	a.Empty(mock.PerformCalls())
	c.Release()
}

func TestDeadline(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	clk := clock.NewMock()
	q := cq.NewNext()
	mock := stuckStream()
	c := New(q, mock, Client, "/slow",
		WithClock(clk),
		WithDeadline(clk.Now().Add(time.Second)),
		WithLogger(zaptest.NewLogger(t)),
	)

	var (
		st   status.Status
		resp []byte
	)
	a.NoError(c.StartBatch([]Op{
		SendInitialMetadata{},
		SendMessage{Message: []byte("hello")},
		SendCloseFromClient{},
		RecvMessage{Message: &resp},
		RecvStatusOnClient{Status: &st},
	}, "unary"))

	clk.Add(time.Second)
	ev := next(t, q)
	a.False(ev.OK)
	a.Equal(status.DeadlineExceeded, st.Code)

	// a success arriving after the deadline is discarded
	b := mock.PerformCalls()[0].B
	b.RecvMessage.Data = []byte("too late")
	b.RecvStatus.Status = status.Status{Code: status.OK}
	mock.PerformCalls()[0].Done(nil)
	a.Equal(status.DeadlineExceeded, st.Code)
	a.Nil(resp)
	a.Equal(cq.QueueTimeout, q.Next(time.Now().Add(10*time.Millisecond)).Type)

	require.Len(t, mock.CancelCalls(), 1)
	a.Equal(status.DeadlineExceeded, mock.CancelCalls()[0].St.Code)
	c.Release()
}

func TestDeadlineAlreadyPassed(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	q := cq.NewNext()
	mock := stuckStream()
	c := New(q, mock, Client, "/m", WithDeadline(time.Now().Add(-time.Second)))

	var st status.Status
	a.NoError(c.StartBatch([]Op{RecvStatusOnClient{Status: &st}}, 1))
	a.False(next(t, q).OK)
	a.Equal(status.DeadlineExceeded, st.Code)
	c.Release()
}

func TestTransportFailure(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	q := cq.NewNext()
	mock := &StreamMock{PerformFunc: func(b *transport.Batch, done func(error)) {
		done(transport.StatusError(status.Unavailable, "connection reset"))
	}}
	c := New(q, mock, Client, "/m")

	var st status.Status
	a.NoError(c.StartBatch([]Op{RecvStatusOnClient{Status: &st}}, 1))
	a.False(next(t, q).OK)
	a.Equal(status.Unavailable, st.Code)
	a.Equal("connection reset", st.Message)
	c.Release()
}

func TestMaxRecvMsgSize(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	q := cq.NewNext()
	mock := &StreamMock{PerformFunc: func(b *transport.Batch, done func(error)) {
		if b.RecvMessage != nil {
			b.RecvMessage.Data = make([]byte, 100)
			done(nil)
		}
	}}
	c := New(q, mock, Client, "/m", WithMaxRecvMsgSize(10))

	var (
		resp []byte
		st   status.Status
	)
	a.NoError(c.StartBatch([]Op{RecvStatusOnClient{Status: &st}}, "status"))
	a.NoError(c.StartBatch([]Op{RecvMessage{Message: &resp}}, "msg"))
	for i := 0; i < 2; i++ {
		a.False(next(t, q).OK)
	}
	a.Nil(resp)
	a.Equal(status.ResourceExhausted, st.Code)
	c.Release()
}

func TestServerCall(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	q := cq.NewNext()
	var sent *transport.Batch
	mock := &StreamMock{PerformFunc: func(b *transport.Batch, done func(error)) {
		if b.SendStatus != nil {
			sent = b
		}
		done(nil)
	}}
	c := New(q, mock, Server, "/m")

	var cancelled = true
	a.NoError(c.StartBatch([]Op{
		SendInitialMetadata{},
		SendMessage{Message: []byte("reply")},
		SendStatusFromServer{Status: status.New(status.NotFound, "missing"), Trailers: metadata.Pairs("k", "v")},
		RecvCloseOnServer{Cancelled: &cancelled},
	}, 1))
	a.True(next(t, q).OK)
	a.False(cancelled)
	require.NotNil(t, sent)
	a.Equal(status.NotFound, sent.SendStatus.Code)
	a.Equal("reply", string(sent.SendMessage))
	a.ErrorIs(c.StartBatch([]Op{SendMessage{Message: []byte("x")}}, 2), ErrAlreadyFinished)
	c.Release()
}

func TestServerCancelledByPeer(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	q := cq.NewNext()
	mock := &StreamMock{PerformFunc: func(b *transport.Batch, done func(error)) {
		if b.RecvClose != nil {
			b.RecvClose.Cancelled = true
			done(nil)
		}
	}}
	c := New(q, mock, Server, "/m")
	var cancelled bool
	a.NoError(c.StartBatch([]Op{RecvCloseOnServer{Cancelled: &cancelled}}, 1))
	a.True(next(t, q).OK)
	a.True(cancelled)
	a.ErrorIs(c.StartBatch([]Op{SendMessage{Message: []byte("x")}}, 2), ErrAlreadyFinished)
	c.Release()
}

func TestReclaimedUnderPressure(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	rq := quota.NewResourceQuota("test", 1000, quota.WithLogger(zaptest.NewLogger(t)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rq.Run(ctx) //nolint:errcheck

	q := cq.NewNext()
	mock := stuckStream()
	c := New(q, mock, Client, "/big", WithQuota(rq))

	var st status.Status
	a.NoError(c.StartBatch([]Op{
		SendMessage{Message: make([]byte, 4000)},
		RecvStatusOnClient{Status: &st},
	}, 1))

	ev := q.Next(time.Now().Add(5 * time.Second))
	require.Equal(t, cq.OpComplete, ev.Type)
	a.False(ev.OK)
	a.Equal(status.ResourceExhausted, st.Code)
	a.Eventually(func() bool { return rq.Free() >= 0 }, 5*time.Second, time.Millisecond)

	c.Release()
	a.Eventually(func() bool { return rq.Free() == rq.Size() }, 5*time.Second, time.Millisecond)
}

func TestReleaseCancelsAndWaitsForBatches(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	q := cq.NewNext()
	mock := stuckStream()
	done := make(chan struct{})
	c := New(q, mock, Client, "/m", WithOnDone(func() { close(done) }))

	var resp []byte
	a.NoError(c.StartBatch([]Op{RecvMessage{Message: &resp}}, 1))
	c.Release()
	a.Len(mock.CancelCalls(), 1)
	a.False(next(t, q).OK)
	<-done
}

func TestCancelRacesStartBatch(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	rq := quota.NewResourceQuota("race", 1<<30, quota.WithLogger(zaptest.NewLogger(t)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rq.Run(ctx) //nolint:errcheck

	q := cq.NewNext()
	for i := 0; i < 200; i++ {
		c := New(q, stuckStream(), Client, "/race", WithQuota(rq))
		go c.CancelWithStatus(status.New(status.DeadlineExceeded, "Deadline Exceeded"))
		require.NoError(t, c.StartBatch([]Op{SendMessage{Message: make([]byte, 100)}}, i))

		ev := next(t, q)
		a.Equal(i, ev.Tag)
		a.False(ev.OK)
		a.Zero(c.alloc.Reserved(), "the send reservation is returned with the batch")
		c.Release()
	}
	a.Eventually(func() bool { return rq.Free() == rq.Size() }, 5*time.Second, time.Millisecond)
}

func TestReceivedMessageStaysReserved(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	rq := quota.NewResourceQuota("recv", 1<<20, quota.WithLogger(zaptest.NewLogger(t)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rq.Run(ctx) //nolint:errcheck

	sizes := []int{100, 40, 0}
	mock := &StreamMock{PerformFunc: func(b *transport.Batch, done func(error)) {
		if b.RecvMessage != nil {
			if n := sizes[0]; n > 0 {
				b.RecvMessage.Data = make([]byte, n)
			}
			sizes = sizes[1:]
		}
		done(nil)
	}}
	q := cq.NewNext()
	done := make(chan struct{})
	c := New(q, mock, Client, "/recv", WithQuota(rq), WithOnDone(func() { close(done) }))

	var resp []byte
	for _, want := range []int64{100, 40, 0} {
		require.NoError(t, c.StartBatch([]Op{RecvMessage{Message: &resp}}, want))
		require.True(t, next(t, q).OK)
		a.Len(resp, int(want))
		a.Equal(want, c.alloc.Reserved(), "held until the next read starts")
	}
	a.NotNil(resp, "an empty message is not the end of the stream")

	c.Release()
	<-done
	a.Zero(c.alloc.Reserved())
	a.Eventually(func() bool { return rq.Free() == rq.Size() }, 5*time.Second, time.Millisecond)
}
