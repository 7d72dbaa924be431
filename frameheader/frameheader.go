// Package frameheader reads and appends raw HTTP/2 frames.
package frameheader

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"golang.org/x/net/http2"
)

// Len is the size of a frame header on the wire.
const Len = 9

type FrameHeader []byte

func NewFrameHeader() FrameHeader { return make([]byte, Len) }

func (f FrameHeader) Fill(
	length int,
	t http2.FrameType,
	flags http2.Flags,
	streamID uint32,
) {
	_ = f[8]
	f[0] = byte(length >> 16)
	f[1] = byte(length >> 8)
	f[2] = byte(length)
	f[3] = byte(t)
	f[4] = byte(flags)
	binary.BigEndian.PutUint32(f[5:], streamID&(1<<31-1))
}

func (f FrameHeader) Length() int {
	_ = f[2]
	return int(f[0])<<16 | int(f[1])<<8 | int(f[2])
}

func (f FrameHeader) Type() http2.FrameType { return http2.FrameType(f[3]) }
func (f FrameHeader) Flags() http2.Flags    { return http2.Flags(f[4]) }
func (f FrameHeader) StreamID() uint32      { return binary.BigEndian.Uint32(f[5:]) & (1<<31 - 1) }

func (f FrameHeader) String() string {
	return f.Type().String() +
		"/ length=" + strconv.Itoa(f.Length()) +
		"/ streamID = " + strconv.FormatUint(uint64(f.StreamID()), 10) +
		"/ flags = " + fmt.Sprintf("%o", f.Flags())
}

// Append writes a header for a frame of length bytes to dst.
func Append(dst []byte, length int, t http2.FrameType, flags http2.Flags, streamID uint32) []byte {
	l := len(dst)
	dst = append(dst, make([]byte, Len)...)
	FrameHeader(dst[l:]).Fill(length, t, flags, streamID)
	return dst
}

func AppendData(dst []byte, streamID uint32, data []byte, endStream bool) []byte {
	var flags http2.Flags
	if endStream {
		flags = http2.FlagDataEndStream
	}
	dst = Append(dst, len(data), http2.FrameData, flags, streamID)
	return append(dst, data...)
}

// AppendHeaders splits block into a HEADERS frame and as many CONTINUATION
// frames as maxFrameSize requires.
func AppendHeaders(dst []byte, streamID uint32, block []byte, endStream bool, maxFrameSize int) []byte {
	flags := http2.Flags(0)
	if endStream {
		flags |= http2.FlagHeadersEndStream
	}
	t := http2.FrameHeaders
	for {
		chunk := block
		if len(chunk) > maxFrameSize {
			chunk = chunk[:maxFrameSize]
		}
		block = block[len(chunk):]
		if len(block) == 0 {
			flags |= http2.FlagHeadersEndHeaders
		}
		dst = Append(dst, len(chunk), t, flags, streamID)
		dst = append(dst, chunk...)
		if len(block) == 0 {
			return dst
		}
		t, flags = http2.FrameContinuation, 0
	}
}

func AppendWindowUpdate(dst []byte, streamID, incr uint32) []byte {
	dst = Append(dst, 4, http2.FrameWindowUpdate, 0, streamID)
	return binary.BigEndian.AppendUint32(dst, incr&(1<<31-1))
}

func AppendRSTStream(dst []byte, streamID uint32, code http2.ErrCode) []byte {
	dst = Append(dst, 4, http2.FrameRSTStream, 0, streamID)
	return binary.BigEndian.AppendUint32(dst, uint32(code))
}

func AppendPing(dst []byte, ack bool, data [8]byte) []byte {
	var flags http2.Flags
	if ack {
		flags = http2.FlagPingAck
	}
	dst = Append(dst, 8, http2.FramePing, flags, 0)
	return append(dst, data[:]...)
}

func AppendSettingsAck(dst []byte) []byte {
	return Append(dst, 0, http2.FrameSettings, http2.FlagSettingsAck, 0)
}
