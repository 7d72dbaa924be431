package h2

import (
	"bytes"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/ozontech/rpccore/transport"
)

// event is a frame read by the fake server, copied out of the framer.
type event struct {
	typ      http2.FrameType
	streamID uint32
	end      bool
	ack      bool
	data     []byte
	fields   map[string]string
	code     http2.ErrCode
	incr     uint32
	ping     [8]byte
}

// fakeServer speaks just enough HTTP/2 to drive a client transport.
type fakeServer struct {
	conn   net.Conn
	fr     *http2.Framer
	events chan event

	wmu  sync.Mutex
	hbuf bytes.Buffer
	enc  *hpack.Encoder
}

func serve(t *testing.T, conn net.Conn, settings []http2.Setting) *fakeServer {
	s := &fakeServer{
		conn:   conn,
		fr:     http2.NewFramer(conn, conn),
		events: make(chan event, 1024),
	}
	s.enc = hpack.NewEncoder(&s.hbuf)
	s.fr.ReadMetaHeaders = hpack.NewDecoder(4096, nil)

	go func() {
		preface := make([]byte, len(http2.ClientPreface))
		if _, err := io.ReadFull(conn, preface); err != nil {
			close(s.events)
			return
		}
		go s.read()
		s.wmu.Lock()
		defer s.wmu.Unlock()
		_ = s.fr.WriteSettings(settings...)
	}()
	return s
}

func (s *fakeServer) read() {
	defer close(s.events)
	for {
		f, err := s.fr.ReadFrame()
		if err != nil {
			return
		}
		ev := event{typ: f.Header().Type, streamID: f.Header().StreamID}
		switch f := f.(type) {
		case *http2.MetaHeadersFrame:
			ev.typ = http2.FrameHeaders
			ev.end = f.StreamEnded()
			ev.fields = make(map[string]string)
			for _, hf := range f.Fields {
				ev.fields[hf.Name] = hf.Value
			}
		case *http2.DataFrame:
			ev.end = f.StreamEnded()
			ev.data = append([]byte{}, f.Data()...)
		case *http2.RSTStreamFrame:
			ev.code = f.ErrCode
		case *http2.SettingsFrame:
			ev.ack = f.IsAck()
		case *http2.WindowUpdateFrame:
			ev.incr = f.Increment
		case *http2.PingFrame:
			ev.ack = f.IsAck()
			ev.ping = f.Data
		}
		s.events <- ev
	}
}

// expect returns the next frame of type typ. SETTINGS and WINDOW_UPDATE
// frames in between are skipped; anything else fails the test.
func (s *fakeServer) expect(t *testing.T, typ http2.FrameType) event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.events:
			require.True(t, ok, "connection closed while waiting for %s", typ)
			if ev.typ == typ {
				return ev
			}
			if ev.typ == http2.FrameSettings || ev.typ == http2.FrameWindowUpdate {
				continue
			}
			t.Fatalf("expected %s, got %s on stream %d", typ, ev.typ, ev.streamID)
		case <-timeout:
			t.Fatalf("no %s frame", typ)
		}
	}
}

// quiet checks the client sends nothing but SETTINGS and WINDOW_UPDATE for
// a while.
func (s *fakeServer) quiet(t *testing.T) {
	t.Helper()
	timeout := time.After(30 * time.Millisecond)
	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				return
			}
			if ev.typ == http2.FrameSettings || ev.typ == http2.FrameWindowUpdate {
				continue
			}
			t.Fatalf("unexpected %s on stream %d", ev.typ, ev.streamID)
		case <-timeout:
			return
		}
	}
}

func (s *fakeServer) writeHeaders(t *testing.T, id uint32, end bool, kv ...string) {
	t.Helper()
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.hbuf.Reset()
	for i := 0; i < len(kv); i += 2 {
		require.NoError(t, s.enc.WriteField(hpack.HeaderField{Name: kv[i], Value: kv[i+1]}))
	}
	require.NoError(t, s.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      id,
		BlockFragment: s.hbuf.Bytes(),
		EndStream:     end,
		EndHeaders:    true,
	}))
}

func (s *fakeServer) writeResponseHeaders(t *testing.T, id uint32, kv ...string) {
	t.Helper()
	s.writeHeaders(t, id, false, append([]string{":status", "200", "content-type", "application/grpc"}, kv...)...)
}

func (s *fakeServer) write(t *testing.T, fn func(fr *http2.Framer) error) {
	t.Helper()
	s.wmu.Lock()
	defer s.wmu.Unlock()
	require.NoError(t, fn(s.fr))
}

func newTestTransport(t *testing.T, settings []http2.Setting, opts ...Opt) (*ClientTransport, *fakeServer) {
	t.Helper()
	cc, sc := net.Pipe()
	srv := serve(t, sc, settings)
	ct, err := New(cc, append([]Opt{WithLogger(zaptest.NewLogger(t))}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = ct.Close()
		_ = sc.Close()
	})
	return ct, srv
}

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
