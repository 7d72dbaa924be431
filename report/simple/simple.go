// Package simple prints call totals and rates once per period.
package simple

import (
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"

	"github.com/ozontech/rpccore/report"
	"github.com/ozontech/rpccore/status"
	"github.com/ozontech/rpccore/utils/pool"
)

type Opt func(*Reporter)

func WithClock(c clock.Clock) Opt { return func(r *Reporter) { r.clock = c } }

func WithPeriod(d time.Duration) Opt { return func(r *Reporter) { r.period = d } }

type counters struct {
	ok, failed, req uint32
	sent, recv      uint64
}

type Reporter struct {
	w       io.Writer
	clock   clock.Clock
	period  time.Duration
	pool    *pool.SlicePool[*sample]
	closeCh chan struct{}

	start  time.Time
	ok     atomic.Uint32
	failed atomic.Uint32
	req    atomic.Uint32
	sent   atomic.Uint64
	recv   atomic.Uint64
	codes  [status.Unauthenticated + 1]atomic.Uint32

	// owned by Run
	last     counters
	lastTime time.Time
}

var _ report.Reporter = (*Reporter)(nil)

func New(w io.Writer, opts ...Opt) *Reporter {
	r := &Reporter{
		w:       w,
		clock:   clock.New(),
		period:  time.Second,
		closeCh: make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	r.pool = pool.New(128, func() *sample { return &sample{r: r} })
	r.start = r.clock.Now()
	r.lastTime = r.start
	return r
}

func (r *Reporter) Run() error {
	t := r.clock.Ticker(r.period)
	defer t.Stop()
	for {
		select {
		case now := <-t.C:
			if err := r.report(now); err != nil {
				return err
			}
		case <-r.closeCh:
			return r.total()
		}
	}
}

func (r *Reporter) Close() error {
	close(r.closeCh)
	return nil
}

func (r *Reporter) Acquire(string) report.Sample {
	r.req.Add(1)
	return r.pool.Get()
}

func (r *Reporter) load() counters {
	return counters{
		ok:     r.ok.Load(),
		failed: r.failed.Load(),
		req:    r.req.Load(),
		sent:   r.sent.Load(),
		recv:   r.recv.Load(),
	}
}

func (r *Reporter) write(c counters, d time.Duration) error {
	total := c.ok + c.failed
	ms := d.Milliseconds()
	var err error
	if ms > 0 {
		_, err = fmt.Fprintf(r.w,
			"total=%d ok=%d failed=%d req=%d sent=%s/s recv=%s/s req/s=%.2f resp/s=%.2f\n",
			total, c.ok, c.failed, c.req,
			humanize.Bytes(c.sent*1000/uint64(ms)), humanize.Bytes(c.recv*1000/uint64(ms)),
			float64(c.req)*1000/float64(ms), float64(total)*1000/float64(ms),
		)
	} else {
		_, err = fmt.Fprintf(r.w, "total=%d ok=%d failed=%d req=%d\n", total, c.ok, c.failed, c.req)
	}
	return err
}

func (r *Reporter) report(now time.Time) error {
	c := r.load()
	err := r.write(counters{
		ok:     c.ok - r.last.ok,
		failed: c.failed - r.last.failed,
		req:    c.req - r.last.req,
		sent:   c.sent - r.last.sent,
		recv:   c.recv - r.last.recv,
	}, now.Sub(r.lastTime))
	r.last, r.lastTime = c, now
	return err
}

func (r *Reporter) total() error {
	if _, err := io.WriteString(r.w, "total\n"); err != nil {
		return err
	}
	if err := r.write(r.load(), r.clock.Since(r.start)); err != nil {
		return err
	}
	var b strings.Builder
	for code := range r.codes {
		if n := r.codes[code].Load(); n > 0 {
			fmt.Fprintf(&b, " %s=%d", status.Code(code), n)
		}
	}
	if b.Len() == 0 {
		return nil
	}
	_, err := fmt.Fprintf(r.w, "codes:%s\n", b.String())
	return err
}

type sample struct {
	r *Reporter
}

func (s *sample) Sent(size int)     { s.r.sent.Add(uint64(size)) }
func (s *sample) Received(size int) { s.r.recv.Add(uint64(size)) }

func (s *sample) End(st *status.Status) {
	if st.OK() {
		s.r.ok.Add(1)
		s.r.codes[status.OK].Add(1)
	} else {
		s.r.failed.Add(1)
		if st.Code.Valid() {
			s.r.codes[st.Code].Add(1)
		}
	}
	s.r.pool.Put(s)
}
