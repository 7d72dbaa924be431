// Package multi fans samples out to several reporters.
package multi

import (
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/ozontech/rpccore/report"
	"github.com/ozontech/rpccore/status"
	"github.com/ozontech/rpccore/utils/pool"
)

type Multi struct {
	nested []report.Reporter
	pool   *pool.SlicePool[*multiSample]
}

var _ report.Reporter = (*Multi)(nil)

func New(nested ...report.Reporter) *Multi {
	m := &Multi{nested: nested}
	m.pool = pool.New(128, func() *multiSample {
		return &multiSample{m: m, nested: make([]report.Sample, len(nested))}
	})
	return m
}

func (m *Multi) Run() error {
	g := new(errgroup.Group)
	for _, r := range m.nested {
		g.Go(r.Run)
	}
	return g.Wait()
}

func (m *Multi) Close() error {
	var err error
	for _, r := range m.nested {
		err = multierr.Append(err, r.Close())
	}
	return err
}

func (m *Multi) Acquire(method string) report.Sample {
	ms := m.pool.Get()
	for i, r := range m.nested {
		ms.nested[i] = r.Acquire(method)
	}
	return ms
}

type multiSample struct {
	m      *Multi
	nested []report.Sample
}

func (s *multiSample) Sent(n int) {
	for _, s := range s.nested {
		s.Sent(n)
	}
}

func (s *multiSample) Received(n int) {
	for _, s := range s.nested {
		s.Received(n)
	}
}

func (s *multiSample) End(st *status.Status) {
	for i, n := range s.nested {
		n.End(st)
		s.nested[i] = nil
	}
	s.m.pool.Put(s)
}
