package hpackwrapper

import (
	"bytes"

	"golang.org/x/net/http2/hpack"
)

// Wrapper encodes header blocks. The encoder keeps dynamic table state, so
// blocks must reach the peer in the order they were encoded.
type Wrapper struct {
	buf bytes.Buffer
	enc *hpack.Encoder
}

func NewWrapper(opts ...Opt) *Wrapper {
	wrapper := &Wrapper{}
	wrapper.enc = hpack.NewEncoder(&wrapper.buf)
	for _, o := range opts {
		o.apply(wrapper)
	}

	return wrapper
}

func (ww *Wrapper) WriteField(k, v string) {
	//nolint:errcheck // всегда пишем в буфер, это безопасно
	ww.enc.WriteField(hpack.HeaderField{
		Name:  k,
		Value: v,
	})
}

// WriteSensitive writes a field the peer must never index.
func (ww *Wrapper) WriteSensitive(k, v string) {
	//nolint:errcheck
	ww.enc.WriteField(hpack.HeaderField{
		Name:      k,
		Value:     v,
		Sensitive: true,
	})
}

// Block returns the fields written since the previous call. The slice is
// valid until the next write.
func (ww *Wrapper) Block() []byte {
	b := ww.buf.Bytes()
	ww.buf.Reset()
	return b
}

// SetMaxDynamicTableSize applies the table size the peer announced.
func (ww *Wrapper) SetMaxDynamicTableSize(n uint32) {
	ww.enc.SetMaxDynamicTableSize(n)
}

type Opt interface {
	apply(*Wrapper)
}

type WithMaxDynamicTableSize uint32

func (s WithMaxDynamicTableSize) apply(w *Wrapper) {
	w.enc.SetMaxDynamicTableSize(uint32(s))
}
