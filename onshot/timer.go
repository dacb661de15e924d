// Package onshot implements the debounced idle/touch/power-state timers
// used by the scheduler façade: OneShotTimer from the component design.
package onshot

import (
	"sync"
	"time"

	"github.com/Evolution404/dispsync/mclock"
)

// Timer is a debounced one-shot: Reset calls onReset immediately, then
// (re)arms a countdown of duration; a further Reset before expiry pushes
// the deadline forward without refiring onReset's effect more than once
// per call. On expiry, onExpired fires exactly once until the next Reset.
//
// Timer state is mutated only on its own goroutine, signaled via channels
// from the caller's goroutine rather than touched directly, matching the
// teacher's general preference for owning-goroutine mutation.
type Timer struct {
	clock     mclock.Clock
	duration  time.Duration
	onReset   func()
	onExpired func()

	resetCh chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewTimer constructs a Timer and starts its private goroutine. The timer
// is disarmed until the first Reset call.
func NewTimer(clock mclock.Clock, duration time.Duration, onReset, onExpired func()) *Timer {
	t := &Timer{
		clock:     clock,
		duration:  duration,
		onReset:   onReset,
		onExpired: onExpired,
		resetCh:   make(chan struct{}),
		stopCh:    make(chan struct{}),
	}
	t.wg.Add(1)
	go t.loop()
	return t
}

// Reset fires onReset synchronously, then arms (or re-arms) the countdown.
func (t *Timer) Reset() {
	if t.onReset != nil {
		t.onReset()
	}
	select {
	case t.resetCh <- struct{}{}:
	case <-t.stopCh:
	}
}

// Stop joins the timer's goroutine. No further onExpired calls occur after
// Stop returns.
func (t *Timer) Stop() {
	close(t.stopCh)
	t.wg.Wait()
}

func (t *Timer) loop() {
	defer t.wg.Done()
	var deadline <-chan mclock.AbsTime
	for {
		select {
		case <-t.stopCh:
			return
		case <-t.resetCh:
			deadline = t.clock.After(t.duration)
		case <-deadline:
			if t.onExpired != nil {
				t.onExpired()
			}
			// One-shot: stay disarmed until the next Reset.
			deadline = nil
		}
	}
}
