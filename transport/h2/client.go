// Package h2 is a gRPC client transport over a single HTTP/2 connection.
package h2

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
	"golang.org/x/sync/errgroup"

	"github.com/ozontech/rpccore/consts"
	"github.com/ozontech/rpccore/frameheader"
	"github.com/ozontech/rpccore/metadata"
	"github.com/ozontech/rpccore/status"
	"github.com/ozontech/rpccore/transport"
	"github.com/ozontech/rpccore/transport/flowcontrol"
	hpackwrapper "github.com/ozontech/rpccore/utils/hpack_wrapper"
)

const maxStreamID = 1<<31 - 1

var errShutdown = status.New(status.Unavailable, "transport is closing").Err()

type GoAwayError struct {
	Code         http2.ErrCode
	LastStreamID uint32
	DebugData    []byte
}

func (e GoAwayError) Error() string {
	return "go away (" + e.Code.String() + "): " + string(e.DebugData)
}

type options struct {
	log              *zap.Logger
	clock            clock.Clock
	setupTimeout     time.Duration
	keepaliveTime    time.Duration
	keepaliveTimeout time.Duration
	recvWindow       uint32
	userAgent        string
	authority        string
	scheme           string
}

type Opt func(*options)

func WithLogger(log *zap.Logger) Opt { return func(o *options) { o.log = log } }
func WithClock(c clock.Clock) Opt    { return func(o *options) { o.clock = c } }

// WithSetupTimeout bounds the connection preface and settings exchange.
func WithSetupTimeout(d time.Duration) Opt { return func(o *options) { o.setupTimeout = d } }

// WithKeepalive pings the server every interval once the connection is up
// and closes it when an ack does not arrive within timeout. A zero interval
// disables pings.
func WithKeepalive(interval, timeout time.Duration) Opt {
	return func(o *options) {
		o.keepaliveTime = interval
		o.keepaliveTimeout = timeout
	}
}

// WithRecvWindow sets the stream and connection windows announced to the
// server.
func WithRecvWindow(n uint32) Opt        { return func(o *options) { o.recvWindow = n } }
func WithUserAgent(ua string) Opt        { return func(o *options) { o.userAgent = ua } }
func WithAuthority(authority string) Opt { return func(o *options) { o.authority = authority } }

type ClientTransport struct {
	conn   net.Conn
	log    *zap.Logger
	opts   options
	framer *http2.Framer
	sender *sender

	streams    *store
	limiter    *limiter
	connWindow *flowcontrol.Window

	maxFrameSize      atomic.Uint32
	maxHeaderListSize atomic.Uint32
	// recvCredit is touched by the receiver only.
	recvCredit uint32

	mu            sync.Mutex
	enc           *hpackwrapper.Wrapper
	nextID        uint32
	initialWindow uint32
	goAway        bool

	pingMu      sync.Mutex
	pingSeq     uint64
	pingPending bool
	pingData    [8]byte
	pingTimer   *clock.Timer
	ticker      *clock.Ticker

	done     chan struct{}
	once     sync.Once
	closeErr error
	g        errgroup.Group
}

var _ transport.ClientTransport = (*ClientTransport)(nil)

var transportID atomic.Uint32

// New runs the HTTP/2 connection preface on conn and starts serving it.
func New(conn net.Conn, opts ...Opt) (*ClientTransport, error) {
	o := options{
		log:          zap.NewNop(),
		clock:        clock.New(),
		setupTimeout: consts.DefaultTimeout,
		recvWindow:   consts.DefaultInitialWindowSize,
		userAgent:    "rpccore-h2",
		scheme:       "http",
	}
	if _, ok := conn.(*tls.Conn); ok {
		o.scheme = "https"
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.authority == "" && conn.RemoteAddr() != nil {
		o.authority = conn.RemoteAddr().String()
	}

	t := &ClientTransport{
		conn:          conn,
		log:           o.log.Named("h2").With(zap.Uint32("transport-id", transportID.Add(1))),
		opts:          o,
		streams:       newStore(16),
		limiter:       newLimiter(0),
		connWindow:    flowcontrol.NewWindow(consts.DefaultInitialWindowSize), // для соединения SETTINGS_INITIAL_WINDOW_SIZE не применяется
		enc:           hpackwrapper.NewWrapper(),
		nextID:        1,
		initialWindow: consts.DefaultInitialWindowSize,
		done:          make(chan struct{}),
	}
	t.maxFrameSize.Store(consts.DefaultMaxFrameSize)
	t.maxHeaderListSize.Store(consts.DefaultMaxHeaderListSize)

	t.framer = http2.NewFramer(conn, bufio.NewReader(conn))
	t.framer.ReadMetaHeaders = hpack.NewDecoder(4096, nil)

	if err := conn.SetDeadline(time.Now().Add(o.setupTimeout)); err != nil {
		return nil, fmt.Errorf("set conn deadline: %w", err)
	}
	if err := t.setup(); err != nil {
		return nil, multierr.Append(err, conn.Close())
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, multierr.Append(fmt.Errorf("reset conn deadline: %w", err), conn.Close())
	}

	t.sender = newSender(conn, t.done, t.log)
	if o.keepaliveTime > 0 {
		t.ticker = o.clock.Ticker(o.keepaliveTime)
	}
	t.run("sender", t.sender.Run)
	t.run("receiver", t.receive)
	t.run("keepalive", t.keepalive)
	t.log.Debug("transport ready")
	return t, nil
}

var clientPreface = []byte(http2.ClientPreface)

func (t *ClientTransport) setup() error {
	// we should not check n, because Write must return error on n < len(clientPreface)
	if _, err := t.conn.Write(clientPreface); err != nil {
		return fmt.Errorf("write http2 preface: %w", err)
	}

	settings := []http2.Setting{{ID: http2.SettingEnablePush, Val: 0}}
	if t.opts.recvWindow != consts.DefaultInitialWindowSize {
		settings = append(settings, http2.Setting{ID: http2.SettingInitialWindowSize, Val: t.opts.recvWindow})
	}
	if err := t.framer.WriteSettings(settings...); err != nil {
		return fmt.Errorf("write settings frame: %w", err)
	}
	if t.opts.recvWindow > consts.DefaultInitialWindowSize {
		if err := t.framer.WriteWindowUpdate(0, t.opts.recvWindow-consts.DefaultInitialWindowSize); err != nil {
			return fmt.Errorf("write window update frame: %w", err)
		}
	}

	frame, err := t.framer.ReadFrame()
	if err != nil {
		return fmt.Errorf("read settings frame: %w", err)
	}
	sf, ok := frame.(*http2.SettingsFrame)
	if !ok || sf.IsAck() {
		return errors.New("protocol error: first frame from server is not settings")
	}
	t.applySettings(sf)

	if err := t.framer.WriteSettingsAck(); err != nil {
		return fmt.Errorf("write settings ack: %w", err)
	}
	return nil
}

func (t *ClientTransport) applySettings(sf *http2.SettingsFrame) {
	var logFields []zap.Field
	//nolint:errcheck // колбек не возвращает ошибок
	sf.ForeachSetting(func(s http2.Setting) error {
		logFields = append(logFields, zap.Uint32("setting_"+s.ID.String(), s.Val))
		switch s.ID {
		case http2.SettingInitialWindowSize:
			t.setInitialWindow(s.Val)
		case http2.SettingMaxConcurrentStreams:
			t.limiter.SetLimit(s.Val)
		case http2.SettingHeaderTableSize:
			t.mu.Lock()
			t.enc.SetMaxDynamicTableSize(s.Val)
			t.mu.Unlock()
		case http2.SettingMaxFrameSize:
			t.maxFrameSize.Store(s.Val)
		case http2.SettingMaxHeaderListSize:
			t.maxHeaderListSize.Store(s.Val)
		default:
			t.log.Warn("got not supported setting", zap.Stringer("id", s.ID), zap.Uint32("value", s.Val))
		}
		return nil
	})
	t.log.Debug("got settings", logFields...)
}

func (t *ClientTransport) setInitialWindow(n uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delta := int64(n) - int64(t.initialWindow)
	t.initialWindow = n
	for _, s := range t.streams.Snapshot() {
		s.window.Add(delta)
	}
}

// run starts a connection loop. The first loop to fail shuts the transport
// down; errors that follow a shutdown are expected and dropped.
func (t *ClientTransport) run(name string, loop func() error) {
	t.g.Go(func() error {
		err := loop()
		if t.isDone() {
			t.log.Debug(name+" done", zap.NamedError("ignored", err))
			return nil
		}
		if err == nil {
			return nil
		}
		t.log.Error(name+" failed", zap.Error(err))
		t.shutdown(status.New(status.Unavailable, err.Error()))
		return err
	})
}

func (t *ClientTransport) isDone() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// shutdown fails every open stream with st. Only the first call has any
// effect.
func (t *ClientTransport) shutdown(st *status.Status) {
	first := false
	t.once.Do(func() {
		first = true
		t.closeErr = t.conn.Close()
		close(t.done)
	})
	if !first {
		return
	}

	t.limiter.Close()
	t.connWindow.Disable()
	t.pingMu.Lock()
	if t.pingTimer != nil {
		t.pingTimer.Stop()
	}
	if t.ticker != nil {
		t.ticker.Stop()
	}
	t.pingMu.Unlock()

	streams := t.streams.Snapshot()
	for _, s := range streams {
		s.reset(st, false)
	}
	t.log.Debug("transport closed", zap.Stringer("status", st), zap.Int("streams", len(streams)))
}

// Close drops the connection and waits for its loops. Open streams fail
// with UNAVAILABLE.
func (t *ClientTransport) Close() error {
	t.shutdown(status.New(status.Unavailable, "transport closed"))
	err := t.g.Wait()
	return multierr.Append(err, t.closeErr)
}

// Done is closed once the transport stopped serving.
func (t *ClientTransport) Done() <-chan struct{} { return t.done }

// NewStream creates a stream. It reaches the server with its initial
// metadata.
func (t *ClientTransport) NewStream(_ context.Context, h transport.Header) (transport.Stream, error) {
	if t.isDone() {
		return nil, errShutdown
	}
	t.mu.Lock()
	goAway := t.goAway
	t.mu.Unlock()
	if goAway {
		return nil, transport.StatusError(status.Unavailable, "connection is going away")
	}
	if h.Authority == "" {
		h.Authority = t.opts.authority
	}
	return &stream{
		t:   t,
		hdr: h,
		log: t.log.With(zap.String("method", h.Method)),
	}, nil
}

// openStream gives s an id and queues its HEADERS. Ids go out in
// increasing order because both happen under t.mu.
func (t *ClientTransport) openStream(s *stream, md metadata.MD) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.goAway {
		return transport.StatusError(status.Unavailable, "connection is going away")
	}
	if t.nextID > maxStreamID {
		t.goAway = true
		return transport.StatusError(status.Unavailable, "stream ids exhausted")
	}
	fields, err := t.headerFieldsLocked(s.hdr, md)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.rst != nil {
		s.mu.Unlock()
		return s.rst.Err()
	}
	s.id = t.nextID
	s.window = flowcontrol.NewWindow(t.initialWindow)
	t.streams.Set(s.id, s)
	s.mu.Unlock()
	t.nextID += 2

	// the encoder state has to match what the server decodes, so every
	// encoded block is sent
	for _, f := range fields {
		if f.Sensitive {
			t.enc.WriteSensitive(f.Name, f.Value)
			continue
		}
		t.enc.WriteField(f.Name, f.Value)
	}
	frame := frameheader.AppendHeaders(t.sender.Buffer(), s.id, t.enc.Block(), false, int(t.maxFrameSize.Load()))
	return t.sender.Send(frame)
}

func (t *ClientTransport) headerFieldsLocked(h transport.Header, md metadata.MD) ([]hpack.HeaderField, error) {
	fields := []hpack.HeaderField{
		{Name: ":method", Value: "POST"},
		{Name: ":scheme", Value: t.opts.scheme},
		{Name: ":path", Value: h.Method},
		{Name: ":authority", Value: h.Authority},
		{Name: "content-type", Value: "application/grpc"},
		{Name: "user-agent", Value: t.opts.userAgent},
		{Name: "te", Value: "trailers"},
	}
	if !h.Deadline.IsZero() {
		fields = append(fields, hpack.HeaderField{
			Name:  "grpc-timeout",
			Value: encodeTimeout(h.Deadline.Sub(t.opts.clock.Now())),
		})
	}
	for _, list := range [...]metadata.MD{h.Metadata, md} {
		for _, p := range list {
			if isReserved(p.Key) {
				continue
			}
			v := string(p.Value)
			if metadata.IsBinaryKey(p.Key) {
				v = encodeBinaryValue(p.Value)
			}
			fields = append(fields, hpack.HeaderField{Name: p.Key, Value: v, Sensitive: p.Key == "authorization"})
		}
	}

	var size uint64
	for _, f := range fields {
		size += uint64(f.Size())
	}
	if size > uint64(t.maxHeaderListSize.Load()) {
		return nil, transport.StatusError(status.Internal, "header list exceeds the limit set by the server")
	}
	return fields, nil
}

// release forgets a stream that closed on the wire.
func (t *ClientTransport) release(s *stream, sendRST bool) {
	t.streams.Delete(s.id)
	t.limiter.Release()
	if !sendRST || t.isDone() {
		return
	}
	// t.mu keeps RST_STREAM behind the HEADERS of the same stream
	t.mu.Lock()
	defer t.mu.Unlock()
	//nolint:errcheck // при закрытом соединении стрим и так сброшен
	t.sender.Send(frameheader.AppendRSTStream(t.sender.Buffer(), s.id, http2.ErrCodeCancel))
}

func (t *ClientTransport) receive() error {
	threshold := t.opts.recvWindow / 4
	for {
		frame, err := t.framer.ReadFrame()
		if err != nil {
			var se http2.StreamError
			if errors.As(err, &se) {
				if s := t.streams.Get(se.StreamID); s != nil {
					s.reset(status.Newf(status.Internal, "stream error: %v", se), true)
				}
				continue
			}
			return fmt.Errorf("reading error: %w", err)
		}

		switch f := frame.(type) {
		case *http2.MetaHeadersFrame:
			if s := t.streams.Get(f.StreamID); s != nil {
				s.onHeaders(f)
			}
		case *http2.DataFrame:
			if err := t.onData(f, threshold); err != nil {
				return err
			}
		case *http2.RSTStreamFrame:
			if s := t.streams.Get(f.StreamID); s != nil {
				s.reset(rstStatus(f.ErrCode), false)
			}
		case *http2.SettingsFrame:
			if f.IsAck() {
				continue
			}
			t.applySettings(f)
			if err := t.sender.Send(frameheader.AppendSettingsAck(t.sender.Buffer())); err != nil {
				return err
			}
		case *http2.PingFrame:
			if f.IsAck() {
				t.onPingAck(f.Data)
				continue
			}
			if err := t.sender.Send(frameheader.AppendPing(t.sender.Buffer(), true, f.Data)); err != nil {
				return err
			}
		case *http2.GoAwayFrame:
			if err := t.onGoAway(f); err != nil {
				return err
			}
		case *http2.WindowUpdateFrame:
			if f.StreamID == 0 {
				t.connWindow.Add(int64(f.Increment))
				continue
			}
			if s := t.streams.Get(f.StreamID); s != nil {
				s.window.Add(int64(f.Increment))
			}
		}
	}
}

// onData hands DATA to its stream and returns credit to the server once a
// quarter of a window was consumed.
func (t *ClientTransport) onData(f *http2.DataFrame, threshold uint32) error {
	n := f.Header().Length
	if s := t.streams.Get(f.StreamID); s != nil {
		s.onData(f)
		if !f.StreamEnded() {
			s.credit += n
			if s.credit >= threshold {
				inc := s.credit
				s.credit = 0
				if err := t.sender.Send(frameheader.AppendWindowUpdate(t.sender.Buffer(), s.id, inc)); err != nil {
					return err
				}
			}
		}
	}

	t.recvCredit += n
	if t.recvCredit < threshold {
		return nil
	}
	inc := t.recvCredit
	t.recvCredit = 0
	return t.sender.Send(frameheader.AppendWindowUpdate(t.sender.Buffer(), 0, inc))
}

// onGoAway fails the streams the server will not process. Streams it
// accepted may still finish unless the error code says otherwise.
func (t *ClientTransport) onGoAway(f *http2.GoAwayFrame) error {
	debug := append([]byte(nil), f.DebugData()...)
	t.log.Info(
		"got goaway",
		zap.Uint32("last_stream_id", f.LastStreamID),
		zap.Stringer("code", f.ErrCode),
		zap.ByteString("debug_data", debug),
	)
	t.mu.Lock()
	t.goAway = true
	t.mu.Unlock()

	st := status.Newf(status.Unavailable, "connection is going away: %s", debug)
	for _, s := range t.streams.Snapshot() {
		if s.id > f.LastStreamID {
			s.reset(st, false)
		}
	}
	if f.ErrCode != http2.ErrCodeNo {
		return GoAwayError{Code: f.ErrCode, LastStreamID: f.LastStreamID, DebugData: debug}
	}
	return nil
}

func (t *ClientTransport) keepalive() error {
	if t.ticker == nil {
		return nil
	}
	for {
		select {
		case <-t.done:
			return nil
		case <-t.ticker.C:
			if err := t.ping(); err != nil {
				return err
			}
		}
	}
}

// ping sends a keepalive ping unless one is still waiting for its ack.
func (t *ClientTransport) ping() error {
	t.pingMu.Lock()
	if t.pingPending || t.isDone() {
		t.pingMu.Unlock()
		return nil
	}
	t.pingSeq++
	var data [8]byte
	binary.BigEndian.PutUint64(data[:], t.pingSeq)
	t.pingData, t.pingPending = data, true
	t.pingTimer = t.opts.clock.AfterFunc(t.opts.keepaliveTimeout, func() { t.pingTimedOut(data) })
	t.pingMu.Unlock()

	return t.sender.Send(frameheader.AppendPing(t.sender.Buffer(), false, data))
}

func (t *ClientTransport) onPingAck(data [8]byte) {
	t.pingMu.Lock()
	defer t.pingMu.Unlock()
	if t.pingPending && data == t.pingData {
		t.pingPending = false
		t.pingTimer.Stop()
	}
}

func (t *ClientTransport) pingTimedOut(data [8]byte) {
	t.pingMu.Lock()
	expired := t.pingPending && data == t.pingData
	t.pingMu.Unlock()
	if !expired {
		return
	}
	t.log.Warn("keepalive ping not acknowledged", zap.Duration("timeout", t.opts.keepaliveTimeout))
	t.shutdown(status.New(status.Unavailable, "keepalive ping timed out"))
}
