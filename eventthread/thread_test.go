package eventthread

import (
	"sync"
	"testing"
	"time"

	"github.com/Evolution404/dispsync/model"
)

// fakeTracker is a throttling oracle with explicit control over which
// (timestamp, fps) pairs are considered in phase, independent of any real
// vsync model.
type fakeTracker struct {
	divider map[model.Fps]int64
	period  int64
}

func (f *fakeTracker) IsVSyncInPhase(t int64, fps model.Fps) bool {
	k := t / f.period
	d := f.divider[fps]
	if d < 1 {
		d = 1
	}
	return k%d == 0
}

type recordingCallback struct {
	mu       sync.Mutex
	vsyncs   []VSyncData
	modes    []model.DisplayMode
	hotplugs []bool
}

func (r *recordingCallback) OnVSync(data VSyncData) {
	r.mu.Lock()
	r.vsyncs = append(r.vsyncs, data)
	r.mu.Unlock()
}
func (r *recordingCallback) OnModeChanged(mode model.DisplayMode) {
	r.mu.Lock()
	r.modes = append(r.modes, mode)
	r.mu.Unlock()
}
func (r *recordingCallback) OnHotplug(connected bool) {
	r.mu.Lock()
	r.hotplugs = append(r.hotplugs, connected)
	r.mu.Unlock()
}
func (r *recordingCallback) vsyncCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.vsyncs)
}

// waitUntil polls a condition with a short sleep budget; used here only to
// let each connection's goroutine drain its channel, not to assert timing.
func waitUntil(t *testing.T, cond func() bool) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}

func TestThreadDeliversPerUidDividers(t *testing.T) {
	// S3: base rate 120Hz (period such that k advances by 1 per call),
	// uid 1000 backdoor override 30Hz (divider 4), uid 2000 byContent
	// override 60Hz (divider 2).
	const period = int64(8_333_333) // 120Hz
	tracker := &fakeTracker{period: period, divider: map[model.Fps]int64{30: 4, 60: 2}}
	thread := NewThread(tracker)

	cb1000 := &recordingCallback{}
	cb2000 := &recordingCallback{}
	h1000 := thread.CreateConnection(1000, cb1000)
	h2000 := thread.CreateConnection(2000, cb2000)
	defer thread.RemoveConnection(1000)
	defer thread.RemoveConnection(2000)

	fps30 := model.Fps(30)
	fps60 := model.Fps(60)
	h1000.SetOverride(&fps30)
	h2000.SetOverride(&fps60)

	const n = 8
	for k := int64(0); k < n; k++ {
		thread.OnVSync(k*period, k*period, period)
	}

	waitUntil(t, func() bool { return cb1000.vsyncCount() == 2 })
	waitUntil(t, func() bool { return cb2000.vsyncCount() == 4 })

	if got := cb1000.vsyncCount(); got != 2 { // k=0,4
		t.Fatalf("uid 1000 received %d vsyncs, want 2", got)
	}
	if got := cb2000.vsyncCount(); got != 4 { // k=0,2,4,6
		t.Fatalf("uid 2000 received %d vsyncs, want 4", got)
	}
}

func TestThreadDeliversUnthrottledWithoutOverride(t *testing.T) {
	tracker := &fakeTracker{period: 1, divider: map[model.Fps]int64{}}
	thread := NewThread(tracker)
	cb := &recordingCallback{}
	thread.CreateConnection(1, cb)
	defer thread.RemoveConnection(1)

	for i := int64(0); i < 5; i++ {
		thread.OnVSync(i, i, 1)
	}
	waitUntil(t, func() bool { return cb.vsyncCount() >= 1 })
	// Coalescing means we can't assert an exact count against a
	// fast-draining goroutine from the test side deterministically, but
	// at least one vsync must have gotten through.
	if cb.vsyncCount() == 0 {
		t.Fatalf("no vsyncs delivered to an unthrottled connection")
	}
}

func TestThreadOrdersVsyncAndModeChangePerConnection(t *testing.T) {
	tracker := &fakeTracker{period: 1, divider: map[model.Fps]int64{}}
	thread := NewThread(tracker)
	cb := &recordingCallback{}
	thread.CreateConnection(1, cb)
	defer thread.RemoveConnection(1)

	thread.OnVSync(0, 0, 1)
	thread.BroadcastModeChange(model.DisplayMode{ID: 2, Fps: 90})
	thread.BroadcastHotplug(true)

	waitUntil(t, func() bool {
		cb.mu.Lock()
		defer cb.mu.Unlock()
		return len(cb.vsyncs) == 1 && len(cb.modes) == 1 && len(cb.hotplugs) == 1
	})
}

func TestRemoveConnectionStopsDelivery(t *testing.T) {
	tracker := &fakeTracker{period: 1, divider: map[model.Fps]int64{}}
	thread := NewThread(tracker)
	cb := &recordingCallback{}
	thread.CreateConnection(1, cb)
	thread.RemoveConnection(1)

	if got := thread.ConnectionCount(); got != 0 {
		t.Fatalf("ConnectionCount() = %d after RemoveConnection, want 0", got)
	}

	// Delivery attempts against a removed handle must not panic.
	thread.OnVSync(0, 0, 1)
	thread.SetUIDOverride(1, nil)
}
