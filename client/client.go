// Package client runs unary calls on a channel, blocking or with a
// callback.
package client

import (
	"context"
	"time"

	"github.com/ozontech/rpccore/call"
	"github.com/ozontech/rpccore/callback"
	"github.com/ozontech/rpccore/cq"
	"github.com/ozontech/rpccore/metadata"
	"github.com/ozontech/rpccore/status"
)

// CallCreator is what the helpers need from a channel.
type CallCreator interface {
	CreateCall(method string, deadline time.Time, q *cq.CompletionQueue, opts ...call.Opt) *call.Call
}

type Request struct {
	Method   string
	Message  []byte
	Metadata metadata.MD
	// Deadline is zero for none.
	Deadline time.Time
}

type Response struct {
	// Message is nil when the server sent none.
	Message []byte
	Header  metadata.MD
	Trailer metadata.MD
	Status  *status.Status
}

// unaryOps is the single batch of a unary call.
func unaryOps(req Request, resp *Response, st *status.Status) []call.Op {
	return []call.Op{
		call.SendInitialMetadata{Metadata: req.Metadata},
		call.SendMessage{Message: req.Message},
		call.SendCloseFromClient{},
		call.RecvInitialMetadata{Metadata: &resp.Header},
		call.RecvMessage{Message: &resp.Message},
		call.RecvStatusOnClient{Status: st, Trailers: &resp.Trailer},
	}
}

func deadline(ctx context.Context, d time.Time) time.Time {
	if cd, ok := ctx.Deadline(); ok && (d.IsZero() || cd.Before(d)) {
		return cd
	}
	return d
}

func startFailed(err error) *status.Status {
	return status.Newf(status.Internal, "starting call: %v", err)
}

// UnaryBlocking runs req on a private pluck queue and waits for its
// status. Cancelling ctx cancels the call.
func UnaryBlocking(ctx context.Context, ch CallCreator, req Request) Response {
	q := cq.NewPluck()
	defer func() {
		q.Shutdown()
		// the only tag was plucked already, so this observes SHUTDOWN
		q.Pluck(q, time.Time{})
		q.Destroy()
	}()

	c := ch.CreateCall(req.Method, deadline(ctx, req.Deadline), q)
	defer c.Release()

	resp := Response{Status: new(status.Status)}
	tag := &resp
	if err := c.StartBatch(unaryOps(req, &resp, resp.Status), tag); err != nil {
		resp.Status = startFailed(err)
		return resp
	}

	stop := context.AfterFunc(ctx, func() {
		c.CancelWithStatus(status.FromError(ctx.Err()))
	})
	ev := q.Pluck(tag, time.Time{})
	stop()

	if !ev.OK && resp.Status.OK() {
		resp.Status = status.New(status.Unknown, "call failed")
	}
	return resp
}

// UnaryAsync starts req on q, a callback queue, and calls done with the
// outcome exactly once. A call that could not start reports INTERNAL.
// The returned function cancels the call.
func UnaryAsync(ch CallCreator, q *cq.CompletionQueue, req Request, done func(Response)) (cancel func()) {
	c := ch.CreateCall(req.Method, req.Deadline, q)

	resp := &Response{}
	tag := callback.NewStatusTag(func(st *status.Status) {
		resp.Status = st.Clone()
		c.Release()
		done(*resp)
	})
	if err := c.StartBatch(unaryOps(req, resp, tag.Status()), tag); err != nil {
		tag.ForceRun(startFailed(err))
		return func() {}
	}
	return c.Cancel
}
