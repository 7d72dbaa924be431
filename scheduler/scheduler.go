// Package scheduler shapes the rate at which bench calls start.
package scheduler

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ozontech/rpccore/alarm"
)

// Scheduler yields the offset from the start of the run at which call n
// (counting from 1) is due. ok=false ends the run.
type Scheduler interface {
	Next(n int64) (at time.Duration, ok bool)
}

type CountLimiter struct {
	s     Scheduler
	limit int64
}

func NewCountLimiter(s Scheduler, limit int64) CountLimiter {
	return CountLimiter{s, limit}
}

func (cl CountLimiter) Next(n int64) (time.Duration, bool) {
	if n > cl.limit {
		return 0, false
	}
	return cl.s.Next(n)
}

// DurationLimiter stops the run once calls would start after d.
type DurationLimiter struct {
	s Scheduler
	d time.Duration
}

func NewDurationLimiter(s Scheduler, d time.Duration) DurationLimiter {
	return DurationLimiter{s, d}
}

func (dl DurationLimiter) Next(n int64) (time.Duration, bool) {
	at, ok := dl.s.Next(n)
	if !ok || at > dl.d {
		return 0, false
	}
	return at, true
}

// Constant starts freq calls per second.
type Constant struct {
	interval time.Duration
}

func NewConstant(freq uint64) (Constant, error) {
	if freq == 0 {
		return Constant{}, errors.New("freq must be positive")
	}
	return Constant{time.Second / time.Duration(freq)}, nil
}

func (c Constant) Next(n int64) (time.Duration, bool) {
	return time.Duration(n) * c.interval, true
}

// Unlimited starts calls as fast as they can be issued.
type Unlimited struct{}

func (Unlimited) Next(int64) (time.Duration, bool) {
	return 0, true
}

// Line ramps the rate linearly from one req/s value to another over d.
type Line struct {
	b           float64
	twoA        float64
	bSquare     float64
	billionDivA float64
}

func NewLine(from, to float64, d time.Duration) Line {
	a := (to - from) / d.Seconds()
	return Line{
		b:           from,
		twoA:        2 * a,
		bSquare:     from * from,
		billionDivA: 1e9 / a,
	}
}

// Next solves a*t^2/2 + b*t = n for t.
func (l Line) Next(n int64) (time.Duration, bool) {
	return time.Duration((math.Sqrt(l.twoA*float64(n)+l.bSquare) - l.b) * l.billionDivA), true
}

// Pacer blocks until each call of a Scheduler is due. It is not safe for
// concurrent use.
type Pacer struct {
	s     Scheduler
	clock clock.Clock
	alarm *alarm.Alarm
	begin time.Time
	n     int64
}

func NewPacer(s Scheduler, c clock.Clock) *Pacer {
	return &Pacer{
		s:     s,
		clock: c,
		alarm: alarm.New(alarm.WithClock(c)),
		begin: c.Now(),
	}
}

// Issued is the number of calls Wait let through.
func (p *Pacer) Issued() int64 { return p.n }

// Wait returns true when the next call is due, false when the schedule is
// over or ctx is done.
func (p *Pacer) Wait(ctx context.Context) bool {
	at, ok := p.s.Next(p.n + 1)
	if !ok || ctx.Err() != nil {
		return false
	}
	if due := p.begin.Add(at); due.After(p.clock.Now()) {
		fired := make(chan bool, 1)
		p.alarm.SetCallback(due, func(ok bool) { fired <- ok })
		select {
		case ok = <-fired:
		case <-ctx.Done():
			p.alarm.Cancel()
			ok = <-fired
		}
		if !ok {
			return false
		}
	}
	p.n++
	return true
}
