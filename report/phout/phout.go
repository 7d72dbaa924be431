// Package phout writes one tab-separated phout line per call.
package phout

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ozontech/rpccore/report"
	"github.com/ozontech/rpccore/status"
	"github.com/ozontech/rpccore/utils/pool"
)

type Opt func(*Reporter)

func WithClock(c clock.Clock) Opt { return func(r *Reporter) { r.clock = c } }

type Reporter struct {
	w     *bufio.Writer
	clock clock.Clock
	ch    chan *sample
	pool  *pool.SlicePool[*sample]
}

var _ report.Reporter = (*Reporter)(nil)

func New(w io.Writer, opts ...Opt) *Reporter {
	r := &Reporter{
		w:     bufio.NewWriter(w),
		clock: clock.New(),
		ch:    make(chan *sample, 256),
	}
	for _, o := range opts {
		o(r)
	}
	r.pool = pool.New(256, func() *sample {
		return &sample{line: make([]byte, 0, 128), r: r}
	})
	return r
}

// Run writes lines until Close and flushes.
func (r *Reporter) Run() error {
	for s := range r.ch {
		_, err := r.w.Write(s.result())
		r.pool.Put(s)
		if err != nil {
			return fmt.Errorf("write: %w", err)
		}
	}
	return r.w.Flush()
}

// Close stops Run once every ended sample is written. No sample may end
// after Close.
func (r *Reporter) Close() error {
	close(r.ch)
	return nil
}

func (r *Reporter) Acquire(method string) report.Sample {
	s := r.pool.Get()
	s.reset(method)
	return s
}

type sample struct {
	line []byte
	r    *Reporter

	method    string
	sent      int
	recv      int
	code      status.Code
	startTime time.Time
	endTime   time.Time
}

func (s *sample) reset(method string) {
	s.method = method
	s.sent, s.recv = 0, 0
	s.code = status.OK
	s.startTime = s.r.clock.Now()
}

func (s *sample) Sent(size int)     { s.sent += size }
func (s *sample) Received(size int) { s.recv += size }

func (s *sample) End(st *status.Status) {
	s.endTime = s.r.clock.Now()
	if !st.OK() {
		s.code = st.Code
	}
	s.r.ch <- s
}

const tabChar = '\t'

func (s *sample) result() []byte {
	l := s.line[:0]
	l = strconv.AppendInt(l, s.startTime.Unix(), 10)
	l = append(l, '.')
	ms := s.startTime.Nanosecond() / 1e6
	switch {
	case ms < 10:
		l = append(l, '0', '0')
	case ms < 100:
		l = append(l, '0')
	}
	l = strconv.AppendInt(l, int64(ms), 10)
	l = append(l, tabChar)
	l = append(l, s.method...)
	l = append(l, tabChar)

	// rtt
	l = strconv.AppendInt(l, s.endTime.Sub(s.startTime).Microseconds(), 10)
	l = append(l, tabChar)
	// connect, send, latency, receive, interval_event
	l = append(l, '0', tabChar, '0', tabChar, '0', tabChar, '0', tabChar, '0', tabChar)
	l = strconv.AppendInt(l, int64(s.sent), 10)
	l = append(l, tabChar)
	l = strconv.AppendInt(l, int64(s.recv), 10)
	l = append(l, tabChar)
	// errno
	l = append(l, '0', tabChar)
	l = append(l, "grpc_"...)
	l = strconv.AppendUint(l, uint64(s.code), 10)
	l = append(l, '\n')
	s.line = l
	return l
}
