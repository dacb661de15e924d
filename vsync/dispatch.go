package vsync

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Evolution404/dispsync/mclock"
)

// ScheduleOpts is the argument to Registration.Schedule.
type ScheduleOpts struct {
	WorkDuration  time.Duration
	ReadyDuration time.Duration
	// EarliestVsync, if non-zero, is the earliest timestamp the target
	// vsync may be chosen at. Zero means "the next one".
	EarliestVsync int64
	// AllowLateFire relaxes the "wake time >= now+timerSlack" invariant,
	// for callers that would rather fire late than not at all (spec's
	// "unless 'late-fire acceptable' is requested").
	AllowLateFire bool
}

// Registration is a live entry in a Dispatch's timer queue. All of its
// mutable state is owned by the Dispatch and protected by the Dispatch's
// single mutex, per the concurrency model's "Dispatch's internal mutex
// protects its queue" — Registration itself holds no lock.
type Registration struct {
	d    *Dispatch
	name string
	cb   func()
	seq  uint64 // assigned at Register time, breaks wakeTime ties by registration order

	index       int // heap index, -1 if not currently scheduled
	scheduled   bool
	dropped     bool
	running     bool
	opts        ScheduleOpts
	targetVsync int64
	wakeTime    int64
}

// Name returns the registration's diagnostic name.
func (r *Registration) Name() string { return r.name }

// TargetVsync returns the predicted vsync timestamp the last Schedule call
// computed for this registration, or 0 if it has never been scheduled.
func (r *Registration) TargetVsync() int64 {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	return r.targetVsync
}

// Schedule (re)computes the wake time for the given parameters and arms the
// registration. It returns the scheduled wake time.
//
// Schedule is idempotent: scheduling with identical parameters twice in a
// row produces the same wake time rather than drifting (testable property
// 6).
func (r *Registration) Schedule(opts ScheduleOpts) int64 {
	return r.d.reschedule(r, opts, false)
}

// Cancel removes the registration from the queue without preventing future
// Schedule calls.
func (r *Registration) Cancel() {
	r.d.cancel(r)
}

// Drop removes the registration from the queue and marks it dropped: later
// Schedule calls do nothing, and a firing pass that checks the mark after
// Drop has set it skips the callback. Drop does not wait for a callback
// that is already running, so it is safe to call from inside the callback.
func (r *Registration) Drop() {
	r.d.drop(r)
}

// Dispatch is a priority queue of Registrations on a dedicated timer
// goroutine, woken at the earliest wake time across all live registrations.
type Dispatch struct {
	tracker Tracker
	clock   mclock.Clock

	timerSlack         time.Duration
	vsyncMoveThreshold time.Duration

	mu    sync.Mutex
	queue regHeap
	kick  chan struct{}
	quit  chan struct{}
	wg    sync.WaitGroup

	seq atomic.Uint64
}

// NewDispatch constructs a Dispatch driven by tracker and clock, and starts
// its timer goroutine.
func NewDispatch(tracker Tracker, clock mclock.Clock, timerSlack, vsyncMoveThreshold time.Duration) *Dispatch {
	d := &Dispatch{
		tracker:            tracker,
		clock:              clock,
		timerSlack:         timerSlack,
		vsyncMoveThreshold: vsyncMoveThreshold,
		kick:               make(chan struct{}, 1),
		quit:               make(chan struct{}),
	}
	d.wg.Add(1)
	go d.loop()
	return d
}

// Register creates a new, unscheduled Registration bound to this dispatch.
func (d *Dispatch) Register(name string, callback func()) *Registration {
	return &Registration{d: d, name: name, cb: callback, seq: d.seq.Add(1), index: -1}
}

// Stop joins the timer goroutine. No further callbacks fire after Stop
// returns.
func (d *Dispatch) Stop() {
	close(d.quit)
	d.wg.Wait()
}

func (d *Dispatch) reschedule(r *Registration, opts ScheduleOpts, fromModelUpdate bool) int64 {
	now := d.clock.Now().Nanoseconds()
	lowerBound := now + int64(opts.WorkDuration) + int64(opts.ReadyDuration)
	earliest := opts.EarliestVsync
	if earliest < lowerBound {
		earliest = lowerBound
	}
	target := d.tracker.NextAnticipatedVSyncFrom(earliest)
	wake := target - int64(opts.WorkDuration) - int64(opts.ReadyDuration)

	d.mu.Lock()
	defer d.mu.Unlock()

	if r.dropped {
		return 0
	}
	if fromModelUpdate && r.scheduled {
		moved := target - r.targetVsync
		if moved < 0 {
			moved = -moved
		}
		if moved <= int64(d.vsyncMoveThreshold) {
			// Anti-thrash: keep the stale schedule rather than rearming
			// the underlying timer on every model update.
			return r.wakeTime
		}
	}
	r.opts = opts
	r.targetVsync = target
	r.wakeTime = wake
	r.scheduled = true

	if r.index >= 0 {
		heap.Fix(&d.queue, r.index)
	} else {
		heap.Push(&d.queue, r)
	}
	d.signalLocked()

	return wake
}

// OnTrackerUpdate re-evaluates every live registration against the
// tracker's new model. Registrations only move if the new target vsync
// differs from the previous one by more than vsyncMoveThreshold. A
// Controller wired via Controller.SetOnModelUpdate invokes this after every
// sample that changes the tracker's model, so registrations stay current
// without waiting for their own next firing to re-track it.
func (d *Dispatch) OnTrackerUpdate() {
	d.mu.Lock()
	regs := make([]*Registration, len(d.queue))
	copy(regs, d.queue)
	opts := make([]ScheduleOpts, len(regs))
	for i, r := range regs {
		opts[i] = r.opts
	}
	d.mu.Unlock()

	for i, r := range regs {
		d.reschedule(r, opts[i], true)
	}
}

func (d *Dispatch) cancel(r *Registration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r.index >= 0 {
		heap.Remove(&d.queue, r.index)
	}
	r.scheduled = false
}

func (d *Dispatch) drop(r *Registration) {
	d.mu.Lock()
	if r.index >= 0 {
		heap.Remove(&d.queue, r.index)
	}
	r.scheduled = false
	r.dropped = true
	d.mu.Unlock()
}

// signalLocked wakes the timer goroutine; d.mu must be held.
func (d *Dispatch) signalLocked() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// loop is the dedicated timer goroutine: it sleeps until the earliest wake
// time across all registrations, fires everything due, and repeats.
func (d *Dispatch) loop() {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		hasWork := len(d.queue) > 0
		var wait time.Duration
		if hasWork {
			now := d.clock.Now().Nanoseconds()
			next := d.queue[0].wakeTime
			wait = time.Duration(next-now) + d.timerSlack
			if wait < 0 {
				wait = 0
			}
		}
		d.mu.Unlock()

		var wakeCh <-chan mclock.AbsTime
		if hasWork {
			wakeCh = d.clock.After(wait)
		}

		select {
		case <-d.quit:
			return
		case <-d.kick:
			continue
		case <-wakeCh:
		}

		d.fireDue()
	}
}

func (d *Dispatch) fireDue() {
	now := d.clock.Now().Nanoseconds()
	slack := int64(d.timerSlack)

	d.mu.Lock()
	var due []*Registration
	for len(d.queue) > 0 && d.queue[0].wakeTime <= now+slack {
		r := heap.Pop(&d.queue).(*Registration)
		r.scheduled = false
		r.running = true
		due = append(due, r)
	}
	d.mu.Unlock()

	for _, r := range due {
		d.mu.Lock()
		dropped := r.dropped
		cb := r.cb
		d.mu.Unlock()

		if !dropped {
			cb()
		}

		d.mu.Lock()
		r.running = false
		d.mu.Unlock()
	}
}

// regHeap is a min-heap on wake time, ties broken by registration order
// (the order Register was called in), matching the "ties broken by
// registration order" requirement literally via a monotonic sequence number
// assigned at Register time rather than by name, which two registrations
// could share.
type regHeap []*Registration

func (h regHeap) Len() int { return len(h) }
func (h regHeap) Less(i, j int) bool {
	if h[i].wakeTime != h[j].wakeTime {
		return h[i].wakeTime < h[j].wakeTime
	}
	return h[i].seq < h[j].seq
}
func (h regHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *regHeap) Push(x interface{}) {
	r := x.(*Registration)
	r.index = len(*h)
	*h = append(*h, r)
}
func (h *regHeap) Pop() interface{} {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.index = -1
	*h = old[:n-1]
	return r
}
