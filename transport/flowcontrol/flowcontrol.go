// Package flowcontrol implements byte windows shared by a sender and the
// reader that hands credit back.
package flowcontrol

import (
	"errors"
	"sync"
)

var ErrDisabled = errors.New("flow control window disabled")

// Window blocks senders until the peer granted enough credit.
type Window struct {
	n    int64
	cond *sync.Cond
	ok   bool
}

func NewWindow(n uint32) *Window {
	return &Window{
		n:    int64(n),
		cond: sync.NewCond(&sync.Mutex{}),
		ok:   true,
	}
}

// Wait takes n bytes of credit. It returns false once the window was
// disabled; the credit is not taken then.
func (w *Window) Wait(n uint32) bool {
	if n == 0 {
		return true
	}
	cond := w.cond

	cond.L.Lock()
	defer cond.L.Unlock()

	for int64(n) > w.n && w.ok {
		cond.Wait()
	}
	if !w.ok {
		return false
	}
	w.n -= int64(n)
	return true
}

// TryTake takes up to max bytes without blocking and reports how much it
// got.
func (w *Window) TryTake(max uint32) uint32 {
	w.cond.L.Lock()
	defer w.cond.L.Unlock()

	if !w.ok || w.n <= 0 {
		return 0
	}
	n := int64(max)
	if n > w.n {
		n = w.n
	}
	w.n -= n
	return uint32(n)
}

// Add returns credit. Negative deltas come from a SETTINGS change that
// shrank the window.
func (w *Window) Add(n int64) {
	w.cond.L.Lock()
	defer w.cond.L.Unlock()

	w.n += n
	w.cond.Broadcast() // будим всех ожидающих окна, пусть перепроверят лимиты
}

func (w *Window) Available() int64 {
	w.cond.L.Lock()
	defer w.cond.L.Unlock()
	return w.n
}

func (w *Window) Reset(n uint32) {
	// лок нужен, чтобы Wait не вернул результат между установкой ok и n
	w.cond.L.Lock()
	defer w.cond.L.Unlock()

	w.n = int64(n)
	w.ok = true
}

// Disable fails every pending and future Wait.
func (w *Window) Disable() {
	w.cond.L.Lock()
	defer w.cond.L.Unlock()

	w.ok = false
	w.cond.Broadcast()
}

// Take blocks until some credit is available and takes up to max bytes of
// it. It returns false once the window was disabled.
func (w *Window) Take(max uint32) (uint32, bool) {
	cond := w.cond

	cond.L.Lock()
	defer cond.L.Unlock()

	for w.n <= 0 && w.ok {
		cond.Wait()
	}
	if !w.ok {
		return 0, false
	}
	n := int64(max)
	if n > w.n {
		n = w.n
	}
	w.n -= n
	return uint32(n), true
}

// Chunks splits a message of size n into pieces of at most max bytes, each
// covered by the credit available when it is cut. An empty message still
// yields one empty piece.
func (w *Window) Chunks(n int, max uint32, each func(off, size int) error) error {
	if n == 0 {
		return each(0, 0)
	}
	for off := 0; off < n; {
		want := n - off
		if want > int(max) {
			want = int(max)
		}
		size, ok := w.Take(uint32(want))
		if !ok {
			return ErrDisabled
		}
		if err := each(off, int(size)); err != nil {
			return err
		}
		off += int(size)
	}
	return nil
}
