package inproc

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ozontech/rpccore/metadata"
	"github.com/ozontech/rpccore/status"
	"github.com/ozontech/rpccore/transport"
	"github.com/ozontech/rpccore/transport/flowcontrol"
)

const (
	toServer = iota
	toClient
)

type frame struct {
	data []byte
	cost uint32
}

type direction struct {
	window *flowcontrol.Window
	frames []frame
	closed bool
}

type pendingRecv struct {
	init    *metadata.MD
	initFin func(error)

	msg    *transport.RecvMessage
	msgFin func(error)

	status    *transport.RecvStatus
	statusFin func(error)

	close    *transport.RecvClose
	closeFin func(error)
}

type endpoint struct {
	s        *stream
	isServer bool

	// guarded by s.mu
	lastSend chan struct{}
	pending  pendingRecv
}

type stream struct {
	p   *pair
	log *zap.Logger

	client endpoint
	server endpoint

	resetCh chan struct{}

	mu         sync.Mutex
	hdr        transport.Header
	dirs       [2]direction
	opened     bool
	headers    *metadata.MD
	statusSent bool
	st         status.Status
	trailers   metadata.MD
	rst        *status.Status
}

var streamID atomic.Uint32

func newStream(p *pair, h transport.Header) *stream {
	s := &stream{
		p:       p,
		hdr:     h,
		resetCh: make(chan struct{}),
		log: p.log.With(
			zap.Uint32("stream-id", streamID.Add(1)),
			zap.String("method", h.Method),
		),
	}
	s.client = endpoint{s: s}
	s.server = endpoint{s: s, isServer: true}
	for i := range s.dirs {
		s.dirs[i].window = flowcontrol.NewWindow(p.opts.window)
	}
	return s
}

var (
	_ transport.Stream       = (*endpoint)(nil)
	_ transport.ServerStream = (*endpoint)(nil)
)

// Header is meaningful on the server end only.
func (e *endpoint) Header() transport.Header {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	return e.s.hdr
}

func (e *endpoint) Cancel(st *status.Status) {
	if st.OK() {
		st = status.New(status.Cancelled, "Cancelled")
	}
	e.s.reset(st)
}

func (e *endpoint) Perform(b *transport.Batch, done func(error)) {
	c := transport.NewCompletion(b.Ops(), done)
	s := e.s

	s.mu.Lock()
	p := &e.pending
	if b.RecvInitialMetadata != nil {
		if e.isServer {
			*b.RecvInitialMetadata = s.hdr.Metadata.Clone()
			defer c.Finish(nil)
		} else {
			p.init, p.initFin = b.RecvInitialMetadata, c.Finish
		}
	}
	if b.RecvMessage != nil {
		p.msg, p.msgFin = b.RecvMessage, c.Finish
	}
	if b.RecvStatus != nil {
		p.status, p.statusFin = b.RecvStatus, c.Finish
	}
	if b.RecvClose != nil {
		p.close, p.closeFin = b.RecvClose, c.Finish
	}
	if b.HasSends() {
		prev := e.lastSend
		next := make(chan struct{})
		e.lastSend = next
		go e.sends(prev, next, b, c)
	}
	fins := s.progressLocked()
	s.mu.Unlock()

	run(fins)
}

// sends runs the send ops of one batch after every earlier batch of the
// same end finished its sends.
func (e *endpoint) sends(prev <-chan struct{}, next chan<- struct{}, b *transport.Batch, c *transport.Completion) {
	defer close(next)
	if prev != nil {
		<-prev
	}

	if b.SendInitialMetadata != nil {
		c.Finish(e.sendInitialMetadata(*b.SendInitialMetadata))
	}
	if b.HasMessage {
		c.Finish(e.sendMessage(b.SendMessage))
	}
	if b.SendClose {
		c.Finish(e.s.halfClose())
	}
	if b.SendStatus != nil {
		c.Finish(e.s.sendStatus(b.SendStatus, b.SendTrailers))
	}
}

func (e *endpoint) sendInitialMetadata(md metadata.MD) error {
	s := e.s
	s.mu.Lock()
	if s.rst != nil {
		s.mu.Unlock()
		return s.rst.Err()
	}
	if e.isServer {
		if s.headers != nil {
			s.mu.Unlock()
			return transport.StatusError(status.Internal, "initial metadata already sent")
		}
		s.headers = &md
		fins := s.progressLocked()
		s.mu.Unlock()
		run(fins)
		return nil
	}

	if s.opened {
		s.mu.Unlock()
		return transport.StatusError(status.Internal, "stream already opened")
	}
	s.opened = true
	s.hdr.Metadata = md
	s.mu.Unlock()

	if s.p.closed() {
		return transport.StatusError(status.Unavailable, "transport closed")
	}
	select {
	case s.p.accept <- s:
		s.log.Debug("stream opened")
		return nil
	case <-s.p.done:
		return transport.StatusError(status.Unavailable, "transport closed")
	case <-s.resetCh:
		return s.rst.Err()
	}
}

func (e *endpoint) sendMessage(data []byte) error {
	s := e.s
	d := &s.dirs[toServer]
	if e.isServer {
		d = &s.dirs[toClient]
	}

	cost := uint32(len(data))
	if cost > s.p.opts.window {
		// больше окна: ждем, пока окно опустеет целиком
		cost = s.p.opts.window
	}
	if !d.window.Wait(cost) {
		return s.resetErr()
	}

	s.mu.Lock()
	switch {
	case s.rst != nil:
		s.mu.Unlock()
		return s.rst.Err()
	case !e.isServer && !s.opened:
		s.mu.Unlock()
		return transport.StatusError(status.Internal, "message sent before initial metadata")
	case d.closed:
		s.mu.Unlock()
		return transport.StatusError(status.Internal, "message sent after close")
	}
	if e.isServer && s.headers == nil {
		s.headers = &metadata.MD{}
	}
	d.frames = append(d.frames, frame{data, cost})
	fins := s.progressLocked()
	s.mu.Unlock()

	run(fins)
	return nil
}

func (s *stream) halfClose() error {
	s.mu.Lock()
	if s.rst != nil {
		s.mu.Unlock()
		return s.rst.Err()
	}
	s.dirs[toServer].closed = true
	fins := s.progressLocked()
	s.mu.Unlock()

	run(fins)
	return nil
}

func (s *stream) sendStatus(st *status.Status, trailers metadata.MD) error {
	s.mu.Lock()
	if s.rst != nil {
		s.mu.Unlock()
		return s.rst.Err()
	}
	if s.statusSent {
		s.mu.Unlock()
		return transport.StatusError(status.Internal, "status already sent")
	}
	s.statusSent = true
	s.st = *st
	s.trailers = trailers
	s.dirs[toClient].closed = true
	fins := s.progressLocked()
	s.mu.Unlock()

	s.log.Debug("status sent", zap.Stringer("status", st))
	s.p.forget(s)
	run(fins)
	return nil
}

func (s *stream) reset(st *status.Status) {
	s.mu.Lock()
	if s.rst != nil {
		s.mu.Unlock()
		return
	}
	s.rst = st.Clone()
	close(s.resetCh)
	fins := s.progressLocked()
	s.mu.Unlock()

	for i := range s.dirs {
		s.dirs[i].window.Disable()
	}
	s.log.Debug("stream reset", zap.Stringer("status", st))
	s.p.forget(s)
	run(fins)
}

func (s *stream) resetErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rst != nil {
		return s.rst.Err()
	}
	return transport.ErrStreamClosed
}

// progressLocked completes every pending receive that can complete now
// and returns the completions to run once s.mu is released.
func (s *stream) progressLocked() []func() {
	var fins []func()
	finish := func(fin *func(error), err error) {
		f := *fin
		*fin = nil
		fins = append(fins, func() { f(err) })
	}
	var rstErr error
	if s.rst != nil {
		rstErr = s.rst.Err()
	}

	c := &s.client.pending
	if c.init != nil {
		switch {
		case s.headers != nil:
			*c.init = s.headers.Clone()
			c.init = nil
			finish(&c.initFin, nil)
		case s.statusSent:
			// trailers-only ответ
			*c.init = metadata.MD{}
			c.init = nil
			finish(&c.initFin, nil)
		case rstErr != nil:
			c.init = nil
			finish(&c.initFin, rstErr)
		}
	}
	if c.msg != nil {
		if s.recvLocked(toClient, c.msg, rstErr) {
			c.msg = nil
			finish(&c.msgFin, rstErr)
		}
	}
	if c.status != nil {
		switch {
		case s.statusSent:
			c.status.Status = *s.st.Clone()
			c.status.Trailers = s.trailers.Clone()
			c.status = nil
			finish(&c.statusFin, nil)
		case rstErr != nil:
			c.status.Status = *s.rst.Clone()
			c.status = nil
			finish(&c.statusFin, rstErr)
		}
	}

	sv := &s.server.pending
	if sv.msg != nil {
		if s.recvLocked(toServer, sv.msg, rstErr) {
			sv.msg = nil
			finish(&sv.msgFin, rstErr)
		}
	}
	if sv.close != nil {
		switch {
		case s.statusSent:
			sv.close.Cancelled = false
			sv.close = nil
			finish(&sv.closeFin, nil)
		case rstErr != nil:
			sv.close.Cancelled = true
			sv.close = nil
			finish(&sv.closeFin, nil)
		}
	}
	return fins
}

// recvLocked fills dst from direction dir. It reports whether the receive
// is over; rstErr is then its result.
func (s *stream) recvLocked(dir int, dst *transport.RecvMessage, rstErr error) bool {
	if rstErr != nil {
		return true
	}
	d := &s.dirs[dir]
	if len(d.frames) > 0 {
		f := d.frames[0]
		d.frames[0] = frame{}
		d.frames = d.frames[1:]
		dst.Data = f.data
		d.window.Add(int64(f.cost))
		return true
	}
	if d.closed {
		dst.Data = nil
		dst.EOS = true
		return true
	}
	return false
}

func run(fins []func()) {
	for _, f := range fins {
		f()
	}
}
