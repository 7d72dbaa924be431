// Package report collects the outcomes of bench calls.
package report

import "github.com/ozontech/rpccore/status"

// Reporter hands out one Sample per call. Run blocks until Close.
type Reporter interface {
	Acquire(method string) Sample
	Run() error
	Close() error
}

// Sample follows one call. End is called last; the sample must not be used
// after it.
type Sample interface {
	Sent(size int)
	Received(size int)
	End(st *status.Status)
}
