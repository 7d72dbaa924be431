package h2

import (
	"fmt"
	"io"
	"net"

	"go.uber.org/zap"

	"github.com/ozontech/rpccore/consts"
	"github.com/ozontech/rpccore/utils/pool"
)

// maxPooledFrame bounds the buffers the sender keeps for reuse.
const maxPooledFrame = 64 << 10

// sender owns the write side of the connection. Frames are written in the
// order they were queued; whatever queued up while a write was in flight
// goes out in one writev.
type sender struct {
	w      io.Writer
	log    *zap.Logger
	frames chan []byte
	done   <-chan struct{}
	pool   *pool.SlicePool[[]byte]
}

func newSender(w io.Writer, done <-chan struct{}, log *zap.Logger) *sender {
	return &sender{
		w:      w,
		log:    log,
		frames: make(chan []byte, consts.ChunksBufferSize),
		done:   done,
		pool:   pool.New(consts.ChunksBufferSize, func() []byte { return make([]byte, 0, 256) }),
	}
}

// Buffer returns an empty buffer to build a frame in.
func (s *sender) Buffer() []byte {
	return s.pool.Get()[:0]
}

// Send queues b. It fails once the connection is shutting down.
func (s *sender) Send(b []byte) error {
	select {
	case s.frames <- b:
		return nil
	case <-s.done:
		return errShutdown
	}
}

func (s *sender) Run() error {
	batch := make([][]byte, 0, consts.ChunksBufferSize)
	for {
		select {
		case b := <-s.frames:
			batch = append(batch, b)
		case <-s.done:
			return nil
		}

	drain:
		for len(batch) < cap(batch) {
			select {
			case b := <-s.frames:
				batch = append(batch, b)
			default:
				break drain
			}
		}

		// WriteTo consumes the slice it is given
		bufs := make(net.Buffers, len(batch))
		copy(bufs, batch)
		_, err := bufs.WriteTo(s.w)
		for i, b := range batch {
			if cap(b) <= maxPooledFrame {
				s.pool.Put(b)
			}
			batch[i] = nil
		}
		batch = batch[:0]
		if err != nil {
			return fmt.Errorf("write frames: %w", err)
		}
	}
}
