package vsync

import (
	"testing"

	"github.com/Evolution404/dispsync/mclock"
)

func TestControllerAddHwVsyncForwardsSamples(t *testing.T) {
	clock := &mclock.Simulated{}
	tracker := &fakeTracker{period: int64(10_000_000), needsMore: true}
	c := NewController(clock, tracker)

	needs, flushed := c.AddHwVsync(1_000_000, nil)
	if !needs {
		t.Fatalf("needsHwVsync = false while tracker still needs samples")
	}
	if flushed {
		t.Fatalf("periodFlushed = true with no transition in flight")
	}

	tracker.mu.Lock()
	got := tracker.sampleLog
	tracker.mu.Unlock()
	if len(got) != 1 || got[0] != 1_000_000 {
		t.Fatalf("sampleLog = %v, want [1000000]", got)
	}
}

func TestControllerPeriodTransitionCompletesWithinOnePercent(t *testing.T) {
	clock := &mclock.Simulated{}
	tracker := &fakeTracker{period: int64(16_666_667)}
	c := NewController(clock, tracker)

	const target = int64(11_111_111)
	c.StartPeriodTransition(target)

	tracker.mu.Lock()
	if tracker.resets != 1 {
		t.Fatalf("ResetModel calls = %d, want 1", tracker.resets)
	}
	tracker.mu.Unlock()

	if !c.NeedsHwVsync() {
		t.Fatalf("NeedsHwVsync() = false with a transition in flight")
	}

	// Tracker still reports the pre-transition period: the transition
	// must stay active.
	needs, flushed := c.AddHwVsync(1, nil)
	if flushed {
		t.Fatalf("periodFlushed = true before the tracker converged")
	}
	if !needs {
		t.Fatalf("needsHwVsync = false before the tracker converged")
	}

	// Tracker now reports a period within 1% of target: the transition
	// should complete.
	tracker.mu.Lock()
	tracker.period = target + target/200 // 0.5% off
	tracker.mu.Unlock()

	needs, flushed = c.AddHwVsync(2, nil)
	if !flushed {
		t.Fatalf("periodFlushed = false once the tracker converged within 1%%")
	}
	if needs {
		t.Fatalf("needsHwVsync = true after the transition completed and no other need remains")
	}
	if c.NeedsHwVsync() {
		t.Fatalf("NeedsHwVsync() = true after the transition completed")
	}
}

func TestControllerAddHwVsyncUsesReportedHwcPeriodAsFallbackTarget(t *testing.T) {
	clock := &mclock.Simulated{}
	tracker := &fakeTracker{period: int64(16_666_667)}
	c := NewController(clock, tracker)

	// StartPeriodTransition(0) means "no specific target known yet";
	// the HWC-reported period becomes the fallback target.
	c.StartPeriodTransition(0)

	hwcPeriod := int64(11_111_111)
	tracker.mu.Lock()
	tracker.period = hwcPeriod
	tracker.mu.Unlock()

	_, flushed := c.AddHwVsync(1, &hwcPeriod)
	if !flushed {
		t.Fatalf("periodFlushed = false despite tracker matching the reported hwc period exactly")
	}
}

func TestControllerPresentFenceDrainsOnceSignaled(t *testing.T) {
	clock := &mclock.Simulated{}
	tracker := &fakeTracker{period: int64(16_666_667)}
	c := NewController(clock, tracker)

	signaled := false
	fence := FenceFunc(func() (int64, bool) {
		if !signaled {
			return 0, false
		}
		return 42, true
	})

	c.AddPresentFence(fence)
	tracker.mu.Lock()
	if len(tracker.fenceLog) != 0 {
		t.Fatalf("fence forwarded before it signaled")
	}
	tracker.mu.Unlock()

	signaled = true
	// Adding an unrelated already-signaled fence triggers a drain pass
	// that also picks up the first one.
	c.AddPresentFence(FenceFunc(func() (int64, bool) { return 99, true }))

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	if len(tracker.fenceLog) != 2 {
		t.Fatalf("fenceLog = %v, want two entries once both fences signaled", tracker.fenceLog)
	}
}

func TestControllerIgnoresPresentFencesWhenRequested(t *testing.T) {
	clock := &mclock.Simulated{}
	tracker := &fakeTracker{period: int64(16_666_667)}
	c := NewController(clock, tracker)

	c.SetIgnorePresentFences(true)
	c.AddPresentFence(FenceFunc(func() (int64, bool) { return 7, true }))

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	if len(tracker.fenceLog) != 0 {
		t.Fatalf("fence forwarded to tracker despite SetIgnorePresentFences(true)")
	}
}

func TestControllerPendingFenceLimitEvictsOldest(t *testing.T) {
	clock := &mclock.Simulated{}
	tracker := &fakeTracker{period: int64(16_666_667)}
	c := NewController(clock, tracker)

	// Queue more never-signaling fences than PendingFenceLimit allows;
	// the oldest must be evicted without panicking or deadlocking, and
	// none of them ever reach the tracker.
	for i := 0; i < PendingFenceLimit+5; i++ {
		c.AddPresentFence(FenceFunc(func() (int64, bool) { return 0, false }))
	}

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	if len(tracker.fenceLog) != 0 {
		t.Fatalf("fenceLog = %v, want empty: no fence ever signaled", tracker.fenceLog)
	}
}
