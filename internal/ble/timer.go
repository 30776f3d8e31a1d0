package ble

import "time"

// scheduler arms cancellable delays. Callbacks must run on the goroutine that
// owns the core state, never on the timer goroutine.
type scheduler interface {
	After(d time.Duration, f func()) (cancel func())
}

// loopScheduler hands fired timers back to the event loop through submit.
type loopScheduler struct {
	submit func(func())
}

func (s loopScheduler) After(d time.Duration, f func()) func() {
	t := time.AfterFunc(d, func() { s.submit(f) })
	return func() { t.Stop() }
}
