package h2

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/ozontech/rpccore/status"
)

func TestTimeout(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	for d, want := range map[time.Duration]string{
		0:                       "0n",
		-time.Second:            "0n",
		time.Nanosecond:         "1n",
		99_999_999:              "99999999n",
		100_000_000:             "100000u",
		time.Second + 1:         "1000001u",
		30 * time.Minute:        "1800000m",
		100_000 * time.Second:   "100000S",
		1<<63 - 1:               "2562048H",
	} {
		a.Equal(want, encodeTimeout(d), d.String())
	}

	for s, want := range map[string]time.Duration{
		"1n":        time.Nanosecond,
		"250m":      250 * time.Millisecond,
		"3S":        3 * time.Second,
		"2M":        2 * time.Minute,
		"1H":        time.Hour,
		"99999999H": 1<<63 - 1,
	} {
		got, err := decodeTimeout(s)
		a.NoError(err, s)
		a.Equal(want, got, s)
	}
	for _, bad := range []string{"", "1", "1x", "-1S", "123456789S", "S"} {
		_, err := decodeTimeout(bad)
		a.Error(err, bad)
	}
}

func TestGRPCMessage(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	a.Equal("plain text", encodeGRPCMessage("plain text"))
	a.Equal("100%25 done", encodeGRPCMessage("100% done"))
	a.Equal("%E2%9C%93 ok%0A", encodeGRPCMessage("✓ ok\n"))

	for _, msg := range []string{"", "plain", "100%", "✓ unicode ✓", "\x00\x01"} {
		a.Equal(msg, decodeGRPCMessage(encodeGRPCMessage(msg)))
	}
	a.Equal("%zz%4", decodeGRPCMessage("%zz%4"), "malformed escapes stay")
}

func TestMessageFraming(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	buf := append(encodeMessage([]byte("one")), encodeMessage(nil)...)
	buf = append(buf, encodeMessage([]byte("three"))[:6]...)

	var (
		got  []string
		msgs [][]byte
	)
	rest, err := decodeMessages(buf, func(m []byte) {
		got = append(got, string(m))
		msgs = append(msgs, m)
	})
	a.NoError(err)
	a.Equal([]string{"one", ""}, got)
	a.NotNil(msgs[1], "an empty message is not the end of the stream")
	a.Len(rest, 6)

	got = nil
	rest, err = decodeMessages(append(rest, "hree"...), func(m []byte) { got = append(got, string(m)) })
	a.NoError(err)
	a.Equal([]string{"three"}, got)
	a.Nil(rest)

	compressed := encodeMessage([]byte("x"))
	compressed[0] = 1
	_, err = decodeMessages(compressed, func([]byte) {})
	a.ErrorIs(err, errCompressed)
}

func TestDecodeStatus(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	st := decodeStatus([]hpack.HeaderField{
		{Name: "grpc-status", Value: "14"},
		{Name: "grpc-message", Value: "try%20again"},
	})
	a.Equal(status.Unavailable, st.Code)
	a.Equal("try again", st.Message)

	a.Equal(status.Unknown, decodeStatus([]hpack.HeaderField{{Name: "grpc-status", Value: "42"}}).Code)
	a.Equal(status.Internal, decodeStatus([]hpack.HeaderField{{Name: "grpc-status", Value: "x"}}).Code)
	a.Equal(status.Internal, decodeStatus(nil).Code)
	a.Equal(status.Unimplemented, decodeStatus([]hpack.HeaderField{{Name: ":status", Value: "404"}}).Code)

	md := decodeMetadata([]hpack.HeaderField{
		{Name: ":status", Value: "200"},
		{Name: "grpc-status", Value: "0"},
		{Name: "key", Value: "v"},
		{Name: "key-bin", Value: "AAEC"},
		{Name: "broken-bin", Value: "!!"},
	})
	a.Equal([][]byte{[]byte("v")}, md.Get("key"))
	a.Equal([][]byte{{0, 1, 2}}, md.Get("key-bin"))
	a.Empty(md.Get("broken-bin"))
	a.Len(md, 2)
}

func TestRSTStatus(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	for code, want := range map[http2.ErrCode]status.Code{
		http2.ErrCodeNo:                 status.Internal,
		http2.ErrCodeRefusedStream:      status.Unavailable,
		http2.ErrCodeCancel:             status.Cancelled,
		http2.ErrCodeEnhanceYourCalm:    status.ResourceExhausted,
		http2.ErrCodeInadequateSecurity: status.PermissionDenied,
		http2.ErrCodeProtocol:           status.Internal,
	} {
		a.Equal(want, rstStatus(code).Code, code.String())
	}
}
