package h2

import (
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/ozontech/rpccore/frameheader"
	"github.com/ozontech/rpccore/metadata"
	"github.com/ozontech/rpccore/status"
	"github.com/ozontech/rpccore/transport"
	"github.com/ozontech/rpccore/transport/flowcontrol"
)

type pendingRecv struct {
	init    *metadata.MD
	initFin func(error)

	msg    *transport.RecvMessage
	msgFin func(error)

	status    *transport.RecvStatus
	statusFin func(error)
}

type stream struct {
	t   *ClientTransport
	hdr transport.Header
	log *zap.Logger

	// id and window are set once before the stream enters the store.
	id     uint32
	window *flowcontrol.Window

	aborted atomic.Bool
	// credit is touched by the receiver only.
	credit uint32

	mu         sync.Mutex
	lastSend   chan struct{}
	started    bool
	halfClosed bool
	closed     bool
	headers    *metadata.MD
	rbuf       []byte
	msgs       [][]byte
	eos        bool
	st         *status.Status
	trailers   metadata.MD
	rst        *status.Status
	pending    pendingRecv
}

var _ transport.Stream = (*stream)(nil)

func (s *stream) Cancel(st *status.Status) {
	if st.OK() {
		st = status.New(status.Cancelled, "Cancelled")
	}
	s.reset(st, true)
}

func (s *stream) Perform(b *transport.Batch, done func(error)) {
	c := transport.NewCompletion(b.Ops(), done)

	s.mu.Lock()
	p := &s.pending
	if b.RecvInitialMetadata != nil {
		p.init, p.initFin = b.RecvInitialMetadata, c.Finish
	}
	if b.RecvMessage != nil {
		p.msg, p.msgFin = b.RecvMessage, c.Finish
	}
	if b.RecvStatus != nil {
		p.status, p.statusFin = b.RecvStatus, c.Finish
	}
	if b.HasSends() {
		prev := s.lastSend
		next := make(chan struct{})
		s.lastSend = next
		go s.sends(prev, next, b, c)
	}
	fins := s.progressLocked()
	s.mu.Unlock()

	if b.RecvClose != nil {
		c.Finish(transport.StatusError(status.Internal, "receive close on a client stream"))
	}
	run(fins)
}

func (s *stream) sends(prev <-chan struct{}, next chan<- struct{}, b *transport.Batch, c *transport.Completion) {
	defer close(next)
	if prev != nil {
		<-prev
	}

	if b.SendInitialMetadata != nil {
		c.Finish(s.sendHeaders(*b.SendInitialMetadata))
	}
	if b.HasMessage {
		c.Finish(s.sendMessage(b.SendMessage))
	}
	if b.SendClose {
		c.Finish(s.halfClose())
	}
	if b.SendStatus != nil {
		c.Finish(transport.StatusError(status.Internal, "send status on a client stream"))
	}
}

func (s *stream) sendHeaders(md metadata.MD) error {
	s.mu.Lock()
	switch {
	case s.rst != nil:
		s.mu.Unlock()
		return s.rst.Err()
	case s.started:
		s.mu.Unlock()
		return transport.StatusError(status.Internal, "initial metadata already sent")
	}
	s.started = true
	s.mu.Unlock()

	t := s.t
	if !t.limiter.WaitAllow(s.aborted.Load) {
		err := s.resetErr()
		if errors.Is(err, transport.ErrStreamClosed) {
			err = errShutdown
		}
		return err
	}
	if err := t.openStream(s, md); err != nil {
		if !s.opened() {
			t.limiter.Release()
		}
		s.reset(status.FromError(err), false)
		return err
	}
	s.log.Debug("stream opened", zap.Uint32("stream-id", s.id))
	return nil
}

func (s *stream) opened() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id != 0
}

func (s *stream) sendMessage(data []byte) error {
	s.mu.Lock()
	switch {
	case s.rst != nil:
		s.mu.Unlock()
		return s.rst.Err()
	case !s.started:
		s.mu.Unlock()
		return transport.StatusError(status.Internal, "message sent before initial metadata")
	case s.halfClosed:
		s.mu.Unlock()
		return transport.StatusError(status.Internal, "message sent after close")
	case s.closed:
		s.mu.Unlock()
		return transport.ErrStreamClosed
	}
	id, w := s.id, s.window
	s.mu.Unlock()

	t := s.t
	msg := encodeMessage(data)
	err := w.Chunks(len(msg), t.maxFrameSize.Load(), func(off, size int) error {
		if !t.connWindow.Wait(uint32(size)) {
			return errShutdown
		}
		return t.sender.Send(frameheader.AppendData(t.sender.Buffer(), id, msg[off:off+size], false))
	})
	if errors.Is(err, flowcontrol.ErrDisabled) {
		return s.resetErr()
	}
	return err
}

func (s *stream) halfClose() error {
	s.mu.Lock()
	switch {
	case s.rst != nil:
		s.mu.Unlock()
		return s.rst.Err()
	case !s.started:
		s.mu.Unlock()
		return transport.StatusError(status.Internal, "close sent before initial metadata")
	case s.halfClosed:
		s.mu.Unlock()
		return nil
	}
	s.halfClosed = true
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return nil
	}
	t := s.t
	return t.sender.Send(frameheader.AppendData(t.sender.Buffer(), s.id, nil, true))
}

// reset fails the stream with st. sendRST asks the peer to drop it too.
func (s *stream) reset(st *status.Status, sendRST bool) {
	s.aborted.Store(true)
	s.mu.Lock()
	if s.rst != nil {
		s.mu.Unlock()
		return
	}
	s.rst = st.Clone()
	ended := s.endLocked()
	fins := s.progressLocked()
	w := s.window
	s.mu.Unlock()

	if w != nil {
		w.Disable()
	}
	s.t.limiter.Wake()
	if ended {
		s.t.release(s, sendRST)
	}
	s.log.Debug("stream reset", zap.Uint32("stream-id", s.id), zap.Stringer("status", st))
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

// endLocked marks the stream closed on the wire. It reports whether this
// call closed an opened stream.
func (s *stream) endLocked() bool {
	if s.closed {
		return false
	}
	s.closed = true
	return s.id != 0
}

// finishLocked records the final status and reports whether the stream
// must be released.
func (s *stream) finishLocked(st *status.Status) bool {
	s.st = st
	s.eos = true
	return s.endLocked()
}

func (s *stream) onHeaders(f *http2.MetaHeadersFrame) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	var (
		ended   bool
		sendRST bool
	)
	switch {
	case f.StreamEnded():
		ended = s.finishLocked(decodeStatus(f.Fields))
		s.trailers = decodeMetadata(f.Fields)
		if len(s.rbuf) != 0 {
			s.log.Debug("stream ended inside a message", zap.Int("left", len(s.rbuf)))
		}
	case s.headers == nil:
		if st := checkResponseHeaders(f.Fields); st != nil {
			ended, sendRST = s.finishLocked(st), true
			break
		}
		md := decodeMetadata(f.Fields)
		s.headers = &md
	default:
		ended, sendRST = s.finishLocked(status.New(status.Internal, "unexpected header block without end of stream")), true
	}
	fins := s.progressLocked()
	sendRST = sendRST || !s.halfClosed
	s.mu.Unlock()

	if ended {
		s.window.Disable()
		s.t.release(s, sendRST)
	}
	run(fins)
}

func (s *stream) onData(f *http2.DataFrame) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	var (
		ended   bool
		sendRST bool
	)
	if s.headers == nil {
		ended, sendRST = s.finishLocked(status.New(status.Internal, "data received before headers")), true
	} else {
		rest, err := decodeMessages(append(s.rbuf, f.Data()...), func(m []byte) {
			s.msgs = append(s.msgs, m)
		})
		s.rbuf = rest
		switch {
		case err != nil:
			ended, sendRST = s.finishLocked(status.New(status.Internal, err.Error())), true
		case f.StreamEnded():
			ended = s.finishLocked(status.New(status.Internal, "server closed the stream without sending trailers"))
			sendRST = !s.halfClosed
		}
	}
	fins := s.progressLocked()
	s.mu.Unlock()

	if ended {
		s.window.Disable()
		s.t.release(s, sendRST)
	}
	run(fins)
}

// progressLocked completes every pending receive that can complete now and
// returns the completions to run once s.mu is released.
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

	p := &s.pending
	if p.init != nil {
		switch {
		case s.headers != nil:
			*p.init = s.headers.Clone()
			p.init = nil
			finish(&p.initFin, nil)
		case s.st != nil:
			// trailers-only ответ
			*p.init = metadata.MD{}
			p.init = nil
			finish(&p.initFin, nil)
		case rstErr != nil:
			p.init = nil
			finish(&p.initFin, rstErr)
		}
	}
	if p.msg != nil {
		switch {
		case rstErr != nil:
			p.msg = nil
			finish(&p.msgFin, rstErr)
		case len(s.msgs) > 0:
			p.msg.Data = s.msgs[0]
			s.msgs[0] = nil
			s.msgs = s.msgs[1:]
			p.msg = nil
			finish(&p.msgFin, nil)
		case s.eos:
			p.msg.Data, p.msg.EOS = nil, true
			p.msg = nil
			finish(&p.msgFin, nil)
		}
	}
	if p.status != nil {
		switch {
		case s.st != nil:
			p.status.Status = *s.st.Clone()
			p.status.Trailers = s.trailers.Clone()
			p.status = nil
			finish(&p.statusFin, nil)
		case rstErr != nil:
			p.status.Status = *s.rst.Clone()
			p.status = nil
			finish(&p.statusFin, rstErr)
		}
	}
	return fins
}

func run(fins []func()) {
	for _, f := range fins {
		f()
	}
}
