package server

import (
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ozontech/rpccore/call"
	"github.com/ozontech/rpccore/cq"
	"github.com/ozontech/rpccore/metadata"
	"github.com/ozontech/rpccore/status"
)

// EchoCountKey is the trailer carrying how many messages a call echoed.
const EchoCountKey = "echo-messages"

// ServeEcho answers every call with its own initial metadata and messages,
// then OK. workers calls are served at once. It returns after Shutdown.
func (s *Server) ServeEcho(workers int) error {
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		i := i
		g.Go(func() error { return s.echoWorker(i) })
	}
	return g.Wait()
}

func (s *Server) echoWorker(id int) error {
	log := s.log.Named("echo").With(zap.Int("worker", id))
	q := cq.NewPluck(cq.WithLogger(log))
	defer func() {
		q.Shutdown()
		q.Pluck(q, time.Time{})
		q.Destroy()
	}()

	for {
		d := new(CallDetails)
		if err := s.RequestCall(q, d, d); err != nil {
			return err
		}
		if ev := q.Pluck(d, time.Time{}); !ev.OK {
			return nil
		}
		n, ok := echo(q, d.Call)
		log.Debug("call served", zap.String("method", d.Method), zap.Int("messages", n), zap.Bool("ok", ok))
		d.Call.Release()
	}
}

// echo runs one call to its end on q.
func echo(q *cq.CompletionQueue, c *call.Call) (int, bool) {
	step := func(ops ...call.Op) bool {
		tag := new(int)
		if err := c.StartBatch(ops, tag); err != nil {
			return false
		}
		return q.Pluck(tag, time.Time{}).OK
	}

	var md metadata.MD
	if !step(call.RecvInitialMetadata{Metadata: &md}) || !step(call.SendInitialMetadata{Metadata: md}) {
		return 0, false
	}
	n := 0
	for {
		var msg []byte
		if !step(call.RecvMessage{Message: &msg}) {
			return n, false
		}
		if msg == nil {
			break
		}
		if !step(call.SendMessage{Message: msg}) {
			return n, false
		}
		n++
	}

	var cancelled bool
	ok := step(
		call.SendStatusFromServer{
			Status:   status.New(status.OK, ""),
			Trailers: metadata.Pairs(EchoCountKey, strconv.Itoa(n)),
		},
		call.RecvCloseOnServer{Cancelled: &cancelled},
	)
	return n, ok && !cancelled
}
