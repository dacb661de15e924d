package vsync

import (
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/simplelru"

	"github.com/Evolution404/dispsync/mclock"
)

// PendingFenceLimit is the maximum number of present fences the controller
// keeps in flight; the oldest is evicted once the limit is reached.
const PendingFenceLimit = 20

// PresentFence is an opaque handle carrying a signal time; it may still be
// pending when handed to the controller.
type PresentFence interface {
	// SignalTime returns the fence's signal time and whether it has
	// signaled yet. Implementations must be safe to call repeatedly.
	SignalTime() (ts int64, signaled bool)
}

// fenceFunc adapts a plain function to PresentFence, for callers (tests,
// simple HAL shims) that don't want to define a type.
type fenceFunc func() (int64, bool)

func (f fenceFunc) SignalTime() (int64, bool) { return f() }

// FenceFunc wraps fn as a PresentFence.
func FenceFunc(fn func() (int64, bool)) PresentFence {
	return fenceFunc(fn)
}

// Controller mediates between the hardware-facing signals (hw-vsync
// timestamps, present fences, period transitions) and the Tracker, per the
// component design's "reactor" role.
type Controller struct {
	clock   mclock.Clock
	tracker Tracker

	mu                  sync.Mutex
	pending             *lru.LRU
	fenceSeq            uint64
	transitionActive    bool
	transitionTargetNs  int64
	lastHwcPeriodNs     int64
	onUpdate            func()

	ignoreFences atomic.Bool
}

// NewController constructs a Controller wrapping tracker. clock is stored
// on the Controller; no current method reads it.
func NewController(clock mclock.Clock, tracker Tracker) *Controller {
	pending, err := lru.NewLRU(PendingFenceLimit, nil)
	if err != nil {
		// NewLRU only fails for a non-positive size, which PendingFenceLimit
		// never is.
		panic(err)
	}
	return &Controller{
		clock:   clock,
		tracker: tracker,
		pending: pending,
	}
}

// SetOnModelUpdate installs fn to be invoked, with no lock held, whenever a
// fed sample, fence, or period transition changes the tracker's model. A
// wired Dispatch uses this to re-evaluate its registrations (vsync.Dispatch.
// OnTrackerUpdate) instead of waiting for them to self-rearm on their next
// firing. A nil fn (the default) disables the hook.
func (c *Controller) SetOnModelUpdate(fn func()) {
	c.mu.Lock()
	c.onUpdate = fn
	c.mu.Unlock()
}

func (c *Controller) notifyUpdate() {
	c.mu.Lock()
	fn := c.onUpdate
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// AddHwVsync forwards ts to the tracker. If a period transition is in
// flight and the tracker's estimate now agrees with hwcVsyncPeriod within
// 1%, the transition is marked complete and periodFlushed is set.
func (c *Controller) AddHwVsync(ts int64, hwcVsyncPeriod *int64) (needsHwVsync, periodFlushed bool) {
	c.tracker.AddSample(ts)

	c.mu.Lock()
	if hwcVsyncPeriod != nil {
		c.lastHwcPeriodNs = *hwcVsyncPeriod
	}
	if c.transitionActive {
		current := c.tracker.CurrentPeriod()
		target := c.transitionTargetNs
		if target == 0 {
			target = c.lastHwcPeriodNs
		}
		if target > 0 && withinOnePercent(current, target) {
			c.transitionActive = false
			periodFlushed = true
		}
	}
	needsHwVsync = c.tracker.NeedsMoreSamples() || c.transitionActive
	c.mu.Unlock()

	c.notifyUpdate()
	return needsHwVsync, periodFlushed
}

func withinOnePercent(a, b int64) bool {
	if b == 0 {
		return a == 0
	}
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return float64(diff)/float64(b) <= 0.01
}

// AddPresentFence queues fence, evicting the oldest pending fence if the
// queue is already at PendingFenceLimit, then drains every already-signaled
// fence (including this one, if it signaled immediately) into the tracker.
func (c *Controller) AddPresentFence(fence PresentFence) (needsHwVsync bool) {
	c.mu.Lock()
	c.fenceSeq++
	key := c.fenceSeq
	c.pending.Add(key, fence)
	c.drainLocked()
	needsHwVsync = c.tracker.NeedsMoreSamples() || c.transitionActive
	c.mu.Unlock()

	c.notifyUpdate()
	return needsHwVsync
}

// drainLocked removes every pending fence that has signaled, forwarding its
// signal time to the tracker unless ignoreFences is set. c.mu must be held.
func (c *Controller) drainLocked() {
	ignore := c.ignoreFences.Load()
	for _, key := range c.pending.Keys() {
		v, ok := c.pending.Peek(key)
		if !ok {
			continue
		}
		fence := v.(PresentFence)
		ts, signaled := fence.SignalTime()
		if !signaled {
			continue
		}
		c.pending.Remove(key)
		if !ignore {
			c.tracker.AddPresentFence(ts)
		}
	}
}

// SetIgnorePresentFences, when true, causes fences to still be accepted
// (and evicted in FIFO order once the queue is full) but never forwarded to
// the tracker.
func (c *Controller) SetIgnorePresentFences(ignore bool) {
	c.ignoreFences.Store(ignore)
}

// StartPeriodTransition enters "transition" mode: the tracker is reset and
// hw-vsync must stay enabled until AddHwVsync observes the tracker
// reconverging near newPeriod.
func (c *Controller) StartPeriodTransition(newPeriodNs int64) {
	c.tracker.ResetModel()

	c.mu.Lock()
	c.transitionActive = true
	c.transitionTargetNs = newPeriodNs
	c.mu.Unlock()

	c.notifyUpdate()
}

// NeedsHwVsync reports whether hw-vsync must stay enabled: the tracker
// needs more samples, or a period transition is in flight.
func (c *Controller) NeedsHwVsync() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracker.NeedsMoreSamples() || c.transitionActive
}
