package h2

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/ozontech/rpccore/metadata"
	"github.com/ozontech/rpccore/status"
)

const msgHeaderLen = 5

// encodeMessage prepends the length prefix of an uncompressed message.
func encodeMessage(data []byte) []byte {
	b := make([]byte, msgHeaderLen, msgHeaderLen+len(data))
	binary.BigEndian.PutUint32(b[1:], uint32(len(data)))
	return append(b, data...)
}

var errCompressed = errors.New("compressed message received but no encoding was negotiated")

// decodeMessages cuts every complete message off buf and returns the rest.
func decodeMessages(buf []byte, each func([]byte)) ([]byte, error) {
	for len(buf) >= msgHeaderLen {
		n := int(binary.BigEndian.Uint32(buf[1:]))
		if len(buf) < msgHeaderLen+n {
			break
		}
		if buf[0] != 0 {
			return nil, errCompressed
		}
		msg := make([]byte, n)
		copy(msg, buf[msgHeaderLen:])
		each(msg)
		buf = buf[msgHeaderLen+n:]
	}
	if len(buf) == 0 {
		return nil, nil
	}
	return buf, nil
}

var timeoutUnits = [...]struct {
	d    time.Duration
	unit byte
}{
	{time.Nanosecond, 'n'},
	{time.Microsecond, 'u'},
	{time.Millisecond, 'm'},
	{time.Second, 'S'},
	{time.Minute, 'M'},
	{time.Hour, 'H'},
}

const maxTimeoutValue = 100_000_000 - 1

// encodeTimeout renders d as a grpc-timeout value: at most 8 digits in the
// finest unit that fits, rounded up.
func encodeTimeout(d time.Duration) string {
	if d <= 0 {
		return "0n"
	}
	for _, u := range timeoutUnits {
		v := d / u.d
		if d%u.d != 0 {
			v++
		}
		if v <= maxTimeoutValue {
			return strconv.FormatInt(int64(v), 10) + string(u.unit)
		}
	}
	return strconv.Itoa(maxTimeoutValue) + "H"
}

func decodeTimeout(s string) (time.Duration, error) {
	if len(s) < 2 || len(s) > 9 {
		return 0, errors.New("malformed grpc-timeout: " + strconv.Quote(s))
	}
	unit := s[len(s)-1]
	v, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
	if err != nil || v < 0 {
		return 0, errors.New("malformed grpc-timeout: " + strconv.Quote(s))
	}
	for _, u := range timeoutUnits {
		if u.unit == unit {
			if v > int64(1<<63-1)/int64(u.d) {
				return 1<<63 - 1, nil
			}
			return time.Duration(v) * u.d, nil
		}
	}
	return 0, errors.New("unknown grpc-timeout unit: " + strconv.Quote(s))
}

const upperhex = "0123456789ABCDEF"

// encodeGRPCMessage percent-encodes bytes outside printable ASCII and '%'.
func encodeGRPCMessage(msg string) string {
	var sb strings.Builder
	for i := 0; i < len(msg); i++ {
		c := msg[i]
		if c >= ' ' && c <= '~' && c != '%' {
			if sb.Len() != 0 {
				sb.WriteByte(c)
			}
			continue
		}
		if sb.Len() == 0 {
			sb.Grow(len(msg) + 8)
			sb.WriteString(msg[:i])
		}
		sb.WriteByte('%')
		sb.WriteByte(upperhex[c>>4])
		sb.WriteByte(upperhex[c&0xF])
	}
	if sb.Len() == 0 {
		return msg
	}
	return sb.String()
}

// decodeGRPCMessage reverses encodeGRPCMessage. Malformed escapes are kept
// as they are.
func decodeGRPCMessage(msg string) string {
	if !strings.Contains(msg, "%") {
		return msg
	}
	b := make([]byte, 0, len(msg))
	for i := 0; i < len(msg); i++ {
		if msg[i] == '%' && i+2 < len(msg) {
			hi, ok1 := unhex(msg[i+1])
			lo, ok2 := unhex(msg[i+2])
			if ok1 && ok2 {
				b = append(b, hi<<4|lo)
				i += 2
				continue
			}
		}
		b = append(b, msg[i])
	}
	return string(b)
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

func encodeBinaryValue(v []byte) string { return base64.RawStdEncoding.EncodeToString(v) }

// decodeBinaryValue accepts padded and unpadded base64.
func decodeBinaryValue(v string) ([]byte, error) {
	if len(v)%4 == 0 {
		return base64.StdEncoding.DecodeString(v)
	}
	return base64.RawStdEncoding.DecodeString(v)
}

var reservedHeaders = map[string]bool{
	"content-type":            true,
	"user-agent":              true,
	"te":                      true,
	"grpc-encoding":           true,
	"grpc-accept-encoding":    true,
	"grpc-message":            true,
	"grpc-message-type":       true,
	"grpc-status":             true,
	"grpc-status-details-bin": true,
	"grpc-timeout":            true,
}

func isReserved(name string) bool {
	return strings.HasPrefix(name, ":") || reservedHeaders[name]
}

// decodeMetadata keeps the application headers of a header block. Binary
// values that do not decode are dropped.
func decodeMetadata(fields []hpack.HeaderField) metadata.MD {
	md := metadata.MD{}
	for _, f := range fields {
		if isReserved(f.Name) {
			continue
		}
		if metadata.IsBinaryKey(f.Name) {
			v, err := decodeBinaryValue(f.Value)
			if err != nil {
				continue
			}
			md = md.Append(f.Name, v)
			continue
		}
		md = md.Append(f.Name, []byte(f.Value))
	}
	return md
}

// decodeStatus reads the status carried by a trailer block.
func decodeStatus(fields []hpack.HeaderField) *status.Status {
	var (
		st        *status.Status
		msg       string
		details   []byte
		httpCode  = -1
		hasStatus bool
	)
	for _, f := range fields {
		switch f.Name {
		case "grpc-status":
			n, err := strconv.ParseUint(f.Value, 10, 32)
			if err != nil {
				return status.Newf(status.Internal, "malformed grpc-status: %q", f.Value)
			}
			st = status.New(status.CodeFromWire(n), "")
			hasStatus = true
		case "grpc-message":
			msg = decodeGRPCMessage(f.Value)
		case "grpc-status-details-bin":
			b, err := decodeBinaryValue(f.Value)
			if err != nil {
				return status.Newf(status.Internal, "malformed grpc-status-details-bin: %v", err)
			}
			details = b
		case ":status":
			n, err := strconv.Atoi(f.Value)
			if err == nil {
				httpCode = n
			}
		}
	}
	if !hasStatus {
		if httpCode != -1 && httpCode != 200 {
			return httpStatus(httpCode)
		}
		return status.New(status.Internal, "server closed the stream without grpc-status")
	}
	st.Message = msg
	st.Details = details
	return st
}

// checkResponseHeaders validates the first header block. It returns nil
// when the response is a gRPC one.
func checkResponseHeaders(fields []hpack.HeaderField) *status.Status {
	for _, f := range fields {
		switch f.Name {
		case ":status":
			n, err := strconv.Atoi(f.Value)
			if err != nil {
				return status.Newf(status.Internal, "malformed :status %q", f.Value)
			}
			if n != 200 {
				return httpStatus(n)
			}
		case "content-type":
			if !strings.HasPrefix(f.Value, "application/grpc") {
				return status.Newf(status.Internal, "unexpected content-type %q", f.Value)
			}
		}
	}
	return nil
}

func httpStatus(code int) *status.Status {
	c := status.Unknown
	switch code {
	case 400:
		c = status.Internal
	case 401:
		c = status.Unauthenticated
	case 403:
		c = status.PermissionDenied
	case 404:
		c = status.Unimplemented
	case 429, 502, 503, 504:
		c = status.Unavailable
	}
	return status.Newf(c, "unexpected HTTP status code received from server: %d", code)
}

func rstStatus(code http2.ErrCode) *status.Status {
	c := status.Internal
	switch code {
	case http2.ErrCodeRefusedStream:
		c = status.Unavailable
	case http2.ErrCodeCancel:
		c = status.Cancelled
	case http2.ErrCodeEnhanceYourCalm:
		c = status.ResourceExhausted
	case http2.ErrCodeInadequateSecurity:
		c = status.PermissionDenied
	}
	return status.Newf(c, "stream terminated by RST_STREAM with error code: %s", code)
}
