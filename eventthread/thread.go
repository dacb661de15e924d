// Package eventthread fans vsync, mode-change and hotplug notifications out
// to subscribers: EventThread and EventConnection from the component
// design. One Thread serves every connection on a display; each
// ConnectionHandle owns exactly one Connection, draining its own event
// channel on a dedicated goroutine so delivery is totally ordered within a
// connection without being held up by other connections.
package eventthread

import (
	"sync"

	"github.com/Evolution404/dispsync/model"
)

// VSyncData is what a Connection hands to its subscriber on each delivered
// vsync.
type VSyncData struct {
	TimestampNs           int64
	ExpectedPresentTimeNs int64
	VsyncPeriodNs         int64
}

// Callback is the subscriber side of a Connection: the three event kinds
// delivered to it, totally ordered per connection.
type Callback interface {
	OnVSync(data VSyncData)
	OnModeChanged(mode model.DisplayMode)
	OnHotplug(connected bool)
}

// Tracker is the slice of vsync.Tracker eventthread needs: per-uid
// throttling delegates "is this vsync in phase for this override" straight
// back to the tracker, per the component design's §4.8/§6 isVsyncValid.
type Tracker interface {
	IsVSyncInPhase(t int64, fps model.Fps) bool
}

type eventKind int

const (
	kindVSync eventKind = iota
	kindModeChange
	kindHotplug
)

type connEvent struct {
	kind             eventKind
	vsync            VSyncData
	mode             model.DisplayMode
	hotplugConnected bool
}

// DefaultEventBuffer is the per-connection event channel capacity. Vsync
// events coalesce (the newest replaces the oldest) once it fills; mode
// change and hotplug events never do.
const DefaultEventBuffer = 4

// Connection is one subscriber's delivery pipe. It is created and owned by
// a Thread and addressed externally by its ConnectionHandle.
type Connection struct {
	handle model.ConnectionHandle
	cb     Callback
	events chan connEvent
	stop   chan struct{}
	wg     sync.WaitGroup

	mu          sync.Mutex
	overrideFps *model.Fps
}

func newConnection(handle model.ConnectionHandle, cb Callback) *Connection {
	c := &Connection{
		handle: handle,
		cb:     cb,
		events: make(chan connEvent, DefaultEventBuffer),
		stop:   make(chan struct{}),
	}
	c.wg.Add(1)
	go c.loop()
	return c
}

// Handle returns the connection's handle.
func (c *Connection) Handle() model.ConnectionHandle { return c.handle }

// SetOverride installs (or, with nil, clears) this connection's per-uid
// frame-rate override.
func (c *Connection) SetOverride(fps *model.Fps) {
	c.mu.Lock()
	c.overrideFps = fps
	c.mu.Unlock()
}

func (c *Connection) override() *model.Fps {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overrideFps
}

// enqueueVSync delivers ev, coalescing with whatever vsync event is
// currently queued (if any) rather than blocking the caller (the Thread's
// fan-out path must never stall on a slow subscriber).
func (c *Connection) enqueueVSync(ev connEvent) {
	select {
	case c.events <- ev:
		return
	default:
	}
	select {
	case <-c.events:
	default:
	}
	select {
	case c.events <- ev:
	default:
	}
}

// enqueueOrdered delivers a mode-change or hotplug event, blocking (but
// never indefinitely past Stop) rather than dropping it.
func (c *Connection) enqueueOrdered(ev connEvent) {
	select {
	case c.events <- ev:
	case <-c.stop:
	}
}

func (c *Connection) loop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case ev := <-c.events:
			switch ev.kind {
			case kindVSync:
				c.cb.OnVSync(ev.vsync)
			case kindModeChange:
				c.cb.OnModeChanged(ev.mode)
			case kindHotplug:
				c.cb.OnHotplug(ev.hotplugConnected)
			}
		}
	}
}

func (c *Connection) stopAndWait() {
	close(c.stop)
	c.wg.Wait()
}

// Thread fans vsync/mode-change/hotplug events out to every live
// Connection, applying each connection's per-uid throttling override
// before delivery.
type Thread struct {
	tracker Tracker

	mu    sync.Mutex
	conns map[model.ConnectionHandle]*Connection
}

// NewThread constructs a Thread that consults tracker for per-uid
// throttling decisions.
func NewThread(tracker Tracker) *Thread {
	return &Thread{tracker: tracker, conns: make(map[model.ConnectionHandle]*Connection)}
}

// CreateConnection registers a new Connection under handle, delivering to
// cb. The caller is responsible for ensuring handle is unique.
func (t *Thread) CreateConnection(handle model.ConnectionHandle, cb Callback) *Connection {
	c := newConnection(handle, cb)
	t.mu.Lock()
	t.conns[handle] = c
	t.mu.Unlock()
	return c
}

// RemoveConnection stops and forgets handle's connection. A no-op if handle
// is unknown.
func (t *Thread) RemoveConnection(handle model.ConnectionHandle) {
	t.mu.Lock()
	c, ok := t.conns[handle]
	delete(t.conns, handle)
	t.mu.Unlock()
	if ok {
		c.stopAndWait()
	}
}

// SetUIDOverride installs fps as handle's per-uid throttle override, or
// clears it if fps is nil. A no-op if handle is unknown.
func (t *Thread) SetUIDOverride(handle model.ConnectionHandle, fps *model.Fps) {
	t.mu.Lock()
	c, ok := t.conns[handle]
	t.mu.Unlock()
	if ok {
		c.SetOverride(fps)
	}
}

func (t *Thread) snapshot() []*Connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Connection, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c)
	}
	return out
}

// OnVSync is the callback a vsync.Dispatch registration (or an injection
// source) invokes on each predicted vsync. Every connection whose override
// is unset, or whose override is in phase for ts, receives the event.
func (t *Thread) OnVSync(ts, expectedPresentTimeNs, vsyncPeriodNs int64) {
	data := VSyncData{TimestampNs: ts, ExpectedPresentTimeNs: expectedPresentTimeNs, VsyncPeriodNs: vsyncPeriodNs}
	for _, c := range t.snapshot() {
		if ov := c.override(); ov != nil && !t.tracker.IsVSyncInPhase(ts, *ov) {
			continue
		}
		c.enqueueVSync(connEvent{kind: kindVSync, vsync: data})
	}
}

// OnVSyncFor delivers a vsync to a single connection, respecting its
// per-uid override. A no-op if handle is unknown. This is what a
// per-connection vsync.Dispatch registration (one per connection, woken
// according to that connection's own workDuration/readyDuration) invokes,
// as opposed to OnVSync's broadcast-to-everyone delivery.
func (t *Thread) OnVSyncFor(handle model.ConnectionHandle, ts, expectedPresentTimeNs, vsyncPeriodNs int64) {
	t.mu.Lock()
	c, ok := t.conns[handle]
	t.mu.Unlock()
	if !ok {
		return
	}
	if ov := c.override(); ov != nil && !t.tracker.IsVSyncInPhase(ts, *ov) {
		return
	}
	data := VSyncData{TimestampNs: ts, ExpectedPresentTimeNs: expectedPresentTimeNs, VsyncPeriodNs: vsyncPeriodNs}
	c.enqueueVSync(connEvent{kind: kindVSync, vsync: data})
}

// BroadcastModeChange delivers a mode-change notification to every
// connection, ordered against vsync/hotplug delivery on each connection.
func (t *Thread) BroadcastModeChange(mode model.DisplayMode) {
	for _, c := range t.snapshot() {
		c.enqueueOrdered(connEvent{kind: kindModeChange, mode: mode})
	}
}

// BroadcastHotplug delivers a hotplug notification to every connection.
func (t *Thread) BroadcastHotplug(connected bool) {
	for _, c := range t.snapshot() {
		c.enqueueOrdered(connEvent{kind: kindHotplug, hotplugConnected: connected})
	}
}

// ConnectionCount returns the number of live connections, for the
// façade's getEventThreadConnectionCount introspection.
func (t *Thread) ConnectionCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}
