package onshot

import (
	"sync"
	"testing"
	"time"

	"github.com/Evolution404/dispsync/mclock"
)

type counter struct {
	mu sync.Mutex
	n  int
}

func (c *counter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *counter) get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// waitForCount polls c until it reaches want or a short real-time budget
// runs out: onExpired runs on the timer's own goroutine, so it may land
// just after Run returns.
func waitForCount(c *counter, want int) {
	deadline := time.Now().Add(2 * time.Second)
	for c.get() != want && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
}

func TestTimerFiresOnResetExpiryOnly(t *testing.T) {
	clock := &mclock.Simulated{}
	var resets, expires counter
	timer := NewTimer(clock, 50*time.Millisecond, resets.inc, expires.inc)
	defer timer.Stop()

	timer.Reset()
	if resets.get() != 1 {
		t.Fatalf("resets = %d, want 1 immediately after Reset", resets.get())
	}
	clock.WaitForTimers(1)

	clock.Run(49 * time.Millisecond)
	if expires.get() != 0 {
		t.Fatalf("expires = %d, want 0 before the deadline", expires.get())
	}

	clock.Run(2 * time.Millisecond)
	waitForCount(&expires, 1)
	if expires.get() != 1 {
		t.Fatalf("expires = %d, want 1 once the deadline passed", expires.get())
	}
}

func TestTimerResetPushesDeadlineForward(t *testing.T) {
	clock := &mclock.Simulated{}
	var resets, expires counter
	timer := NewTimer(clock, 50*time.Millisecond, resets.inc, expires.inc)
	defer timer.Stop()

	timer.Reset()
	clock.WaitForTimers(1)

	clock.Run(30 * time.Millisecond) // now at 30ms; original deadline at 50ms

	timer.Reset() // pushes the deadline to 30ms+50ms = 80ms
	clock.WaitForTimers(2)
	if resets.get() != 2 {
		t.Fatalf("resets = %d, want 2", resets.get())
	}

	clock.Run(20 * time.Millisecond) // now at 50ms: the stale deadline elapses but must not fire
	if expires.get() != 0 {
		t.Fatalf("expires = %d, want 0: the pushed-forward deadline hasn't arrived yet", expires.get())
	}

	clock.Run(30 * time.Millisecond) // now at 80ms: the pushed deadline arrives
	waitForCount(&expires, 1)
	if expires.get() != 1 {
		t.Fatalf("expires = %d, want exactly 1 at the pushed-forward deadline", expires.get())
	}
}

func TestTimerStopPreventsFurtherExpiry(t *testing.T) {
	clock := &mclock.Simulated{}
	var expires counter
	timer := NewTimer(clock, 10*time.Millisecond, nil, expires.inc)

	timer.Reset()
	clock.WaitForTimers(1)
	timer.Stop()

	clock.Run(20 * time.Millisecond)
	if expires.get() != 0 {
		t.Fatalf("expires = %d, want 0 after Stop", expires.get())
	}
}
