// Package scheduler is the façade described by the component design:
// it owns the vsync tracker, dispatch, controller, layer history, refresh
// rate policy, debounce timers and event fan-out, and exposes the outward
// API a host compositor drives.
package scheduler

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/Evolution404/dispsync/eventthread"
	"github.com/Evolution404/dispsync/layerhistory"
	"github.com/Evolution404/dispsync/mclock"
	"github.com/Evolution404/dispsync/model"
	"github.com/Evolution404/dispsync/onshot"
	"github.com/Evolution404/dispsync/refreshrate"
	"github.com/Evolution404/dispsync/vsync"
)

// RefreshRateEvent distinguishes whether a mode change should be surfaced
// to the host as a user-visible change.
type RefreshRateEvent int

const (
	// RefreshRateEventNone means the mode changed but callers should
	// suppress any user-visible "changed" notification (e.g. the change
	// was driven purely by idle).
	RefreshRateEventNone RefreshRateEvent = iota
	// RefreshRateEventChanged means the mode change should be surfaced.
	RefreshRateEventChanged
)

// Callback is ISchedulerCallback: the host compositor hooks the Scheduler
// drives.
type Callback interface {
	SetVsyncEnabled(enabled bool)
	ChangeRefreshRate(mode model.DisplayMode, event RefreshRateEvent)
	RepaintEverythingForHWC()
	KernelTimerChanged(expired bool)
	GetModeFromFps(fps model.Fps) (model.DisplayMode, bool)
	TriggerOnFrameRateOverridesChanged()
}

// Config is the façade's startup configuration. Timer fields of 0 disable
// that timer, matching the original's "value 0 means disabled" rule.
type Config struct {
	SupportKernelTimer  bool
	UseContentDetection bool
	IdleTimerMs         int
	TouchTimerMs        int
	DisplayPowerTimerMs int
	ShowPredictedVsync  bool
}

// resyncDebounce is the minimum interval between resync() calls (testable
// property 5).
const resyncDebounce = 750 * time.Millisecond

const chooseRefreshRateKey = "choose"

type connectionState struct {
	handle        model.ConnectionHandle
	name          string
	uid           model.UID
	workDuration  time.Duration
	readyDuration time.Duration
	triggerRefresh bool
	reg           *vsync.Registration
}

type featureState struct {
	modeID            model.ModeID
	signals           model.GlobalSignals
	thermalFps        model.Fps
	modeChangePending bool
	powerTimerExpired bool
}

// Scheduler is the display composition scheduler façade. It owns every
// subcomponent described by the component design and exposes their
// combined behavior as a small, lock-disciplined public API.
type Scheduler struct {
	clock  mclock.Clock
	logger *slog.Logger
	cfg    Config
	cb     Callback

	tracker     vsync.Tracker
	dispatch    *vsync.Dispatch
	controller  *vsync.Controller
	history     *layerhistory.History
	policy      *refreshrate.Policy
	eventThread *eventthread.Thread

	idleTimer  *onshot.Timer
	touchTimer *onshot.Timer
	powerTimer *onshot.Timer

	modes      []model.DisplayMode
	modeByID   map[model.ModeID]model.DisplayMode
	defaultFps model.Fps

	handleSeq atomic.Uint64

	featureStateMu sync.Mutex
	features       featureState

	connectionsMu sync.Mutex
	connections   map[model.ConnectionHandle]*connectionState

	hwVsyncMu         sync.Mutex
	hwVsyncEnabled    bool
	hwVsyncAvailable  bool
	injectionEnabled  bool
	injectionHandle   model.ConnectionHandle

	frameRateOverridesMu sync.Mutex
	backdoor             map[model.UID]model.Fps
	byContent            map[model.UID]model.Fps

	vsyncTimelineMu    sync.Mutex
	lastPeriodChangeNs int64

	resyncLimiter *rate.Limiter
	chooseGroup   singleflight.Group
}

// New constructs a Scheduler. modes is the display's full mode table;
// defaultModeID seeds the policy's tie-break target and the initial cached
// mode.
func New(cfg Config, clock mclock.Clock, cb Callback, modes []model.DisplayMode, defaultModeID model.ModeID, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	idealPeriod := int64(16_666_667)
	for _, m := range modes {
		if m.ID == defaultModeID && m.VsyncPeriodNs > 0 {
			idealPeriod = m.VsyncPeriodNs
		}
	}

	tracker := vsync.NewTracker(idealPeriod)
	dispatch := vsync.NewDispatch(tracker, clock, 0, 3*time.Millisecond)
	controller := vsync.NewController(clock, tracker)
	// Every live registration re-tracks the model as soon as the controller
	// feeds it a sample, not just when it next self-rearms after firing.
	controller.SetOnModelUpdate(dispatch.OnTrackerUpdate)
	policy := refreshrate.NewPolicy(modes, minFps(modes), maxFps(modes), defaultModeID)

	modeByID := make(map[model.ModeID]model.DisplayMode, len(modes))
	for _, m := range modes {
		modeByID[m.ID] = m
	}

	s := &Scheduler{
		clock:         clock,
		logger:        logger,
		cfg:           cfg,
		cb:            cb,
		tracker:       tracker,
		dispatch:      dispatch,
		controller:    controller,
		history:       layerhistory.NewHistory(),
		policy:        policy,
		modes:         modes,
		modeByID:      modeByID,
		defaultFps:    modeByID[defaultModeID].Fps,
		connections:   make(map[model.ConnectionHandle]*connectionState),
		backdoor:      make(map[model.UID]model.Fps),
		byContent:     make(map[model.UID]model.Fps),
		resyncLimiter: rate.NewLimiter(rate.Every(resyncDebounce), 1),
	}
	s.eventThread = eventthread.NewThread(tracker)
	s.features.modeID = defaultModeID
	// Hardware vsync is assumed available until DisableHardwareVsync(true)
	// (e.g. on hotplug loss) says otherwise; only ResyncToHardwareVsync can
	// then restore it (S6).
	s.hwVsyncAvailable = true

	s.idleTimer = onshot.NewTimer(clock, durationMs(cfg.IdleTimerMs), func() {
		s.setIdleSignal(false)
	}, func() {
		s.setIdleSignal(true)
		s.ChooseRefreshRateForContent()
	})
	s.touchTimer = onshot.NewTimer(clock, durationMs(cfg.TouchTimerMs), func() {
		s.setTouchSignal(true)
		s.ChooseRefreshRateForContent()
	}, func() {
		s.setTouchSignal(false)
	})
	s.powerTimer = onshot.NewTimer(clock, durationMs(cfg.DisplayPowerTimerMs), func() {
		s.setPowerTimerExpired(false)
	}, func() {
		s.setPowerTimerExpired(true)
		s.cb.KernelTimerChanged(true)
		s.ChooseRefreshRateForContent()
	})

	return s
}

func durationMs(ms int) time.Duration {
	if ms <= 0 {
		// Disabled timers still need a Timer instance to drive (Reset is a
		// no-op if callers never call it); an arbitrarily large duration
		// keeps an accidental Reset from firing early.
		return 365 * 24 * time.Hour
	}
	return time.Duration(ms) * time.Millisecond
}

func minFps(modes []model.DisplayMode) model.Fps {
	if len(modes) == 0 {
		return 0
	}
	m := modes[0].Fps
	for _, mode := range modes[1:] {
		if mode.Fps < m {
			m = mode.Fps
		}
	}
	return m
}

func maxFps(modes []model.DisplayMode) model.Fps {
	if len(modes) == 0 {
		return 0
	}
	m := modes[0].Fps
	for _, mode := range modes[1:] {
		if mode.Fps > m {
			m = mode.Fps
		}
	}
	return m
}

func (s *Scheduler) nextHandle() model.ConnectionHandle {
	return model.ConnectionHandle(s.handleSeq.Add(1))
}

// onConnectionVsync is the dispatch callback behind handle's own
// registration: each connection is woken according to its own
// workDuration/readyDuration (spec's createConnection parameters), all
// converging on the same predicted target vsync from the shared tracker.
// It delivers to that one connection, then immediately re-arms itself for
// the following vsync.
func (s *Scheduler) onConnectionVsync(handle model.ConnectionHandle) {
	s.connectionsMu.Lock()
	c, ok := s.connections[handle]
	s.connectionsMu.Unlock()
	if !ok {
		return
	}

	target := c.reg.TargetVsync()
	period := s.tracker.CurrentPeriod()

	s.hwVsyncMu.Lock()
	injecting := s.injectionEnabled
	s.hwVsyncMu.Unlock()

	if !injecting {
		s.eventThread.OnVSyncFor(handle, target, target, period)
	}
	c.reg.Schedule(vsync.ScheduleOpts{
		WorkDuration:  c.workDuration,
		ReadyDuration: c.readyDuration,
		EarliestVsync: target + 1,
	})
}

// -- Connection lifecycle --

// CreateConnection registers a new subscriber, returning its handle.
func (s *Scheduler) CreateConnection(name string, uid model.UID, workDuration, readyDuration time.Duration, cb eventthread.Callback) model.ConnectionHandle {
	handle := s.nextHandle()
	s.eventThread.CreateConnection(handle, cb)

	reg := s.dispatch.Register(name, func() { s.onConnectionVsync(handle) })

	state := &connectionState{
		handle:        handle,
		name:          name,
		uid:           uid,
		workDuration:  workDuration,
		readyDuration: readyDuration,
		reg:           reg,
	}
	s.connectionsMu.Lock()
	s.connections[handle] = state
	s.connectionsMu.Unlock()

	s.hwVsyncMu.Lock()
	enabled := s.hwVsyncEnabled
	s.hwVsyncMu.Unlock()
	if enabled {
		reg.Schedule(vsync.ScheduleOpts{
			WorkDuration:  workDuration,
			ReadyDuration: readyDuration,
			EarliestVsync: s.clock.Now().Nanoseconds(),
		})
	}

	s.applyOverrideToConnection(handle, uid)
	return handle
}

// CreateDisplayEventConnection flags whether handle's subscriber should be
// able to trigger the idle-refresh coupling via RequestResync.
func (s *Scheduler) CreateDisplayEventConnection(handle model.ConnectionHandle, triggerRefresh bool) {
	s.connectionsMu.Lock()
	defer s.connectionsMu.Unlock()
	if c, ok := s.connections[handle]; ok {
		c.triggerRefresh = triggerRefresh
	}
}

// RequestResync implements the idle-refresh coupling: a flagged subscriber
// asking for a resync while the display is idle forces a full repaint and
// re-enables hw-vsync, debounced via resync().
func (s *Scheduler) RequestResync(handle model.ConnectionHandle) {
	s.connectionsMu.Lock()
	c, ok := s.connections[handle]
	s.connectionsMu.Unlock()
	if !ok || !c.triggerRefresh {
		return
	}
	s.featureStateMu.Lock()
	idle := s.features.signals.Idle
	s.featureStateMu.Unlock()
	if !idle {
		return
	}
	s.resync()
}

func (s *Scheduler) resync() {
	if !s.resyncLimiter.Allow() {
		return
	}
	s.EnableHardwareVsync()
	s.cb.RepaintEverythingForHWC()
}

// GetEventThreadConnectionCount returns the number of live subscriber
// connections, for introspection.
func (s *Scheduler) GetEventThreadConnectionCount() int {
	return s.eventThread.ConnectionCount()
}

// -- Display events --

// OnHotplugReceived broadcasts a hotplug notification to every live
// connection; handle only gates whether the broadcast happens, and the
// event is not limited to handle's own connection. Silently no-ops on an
// unknown handle (Open Question 2's resolution).
func (s *Scheduler) OnHotplugReceived(handle model.ConnectionHandle, connected bool) {
	s.connectionsMu.Lock()
	_, ok := s.connections[handle]
	s.connectionsMu.Unlock()
	if !ok {
		return
	}
	s.eventThread.BroadcastHotplug(connected)
}

// OnScreenAcquired re-enables hw-vsync after the display comes back on.
func (s *Scheduler) OnScreenAcquired() {
	s.EnableHardwareVsync()
}

// OnScreenReleased disables hw-vsync (without making it unavailable) while
// the display is off.
func (s *Scheduler) OnScreenReleased() {
	s.DisableHardwareVsync(false)
}

// OnPrimaryDisplayModeChanged updates the tracker's ideal period to match
// the new mode and broadcasts the change.
func (s *Scheduler) OnPrimaryDisplayModeChanged(mode model.DisplayMode) {
	s.vsyncTimelineMu.Lock()
	s.lastPeriodChangeNs = s.clock.Now().Nanoseconds()
	s.vsyncTimelineMu.Unlock()

	s.controller.StartPeriodTransition(mode.VsyncPeriodNs)
	s.featureStateMu.Lock()
	s.features.modeID = mode.ID
	s.featureStateMu.Unlock()
	s.eventThread.BroadcastModeChange(mode)
}

// OnNonPrimaryDisplayModeChanged broadcasts a mode change to every live
// connection without touching the tracker; handle only gates whether the
// broadcast happens, and the event is not limited to handle's own
// connection.
func (s *Scheduler) OnNonPrimaryDisplayModeChanged(handle model.ConnectionHandle, mode model.DisplayMode) {
	s.connectionsMu.Lock()
	_, ok := s.connections[handle]
	s.connectionsMu.Unlock()
	if !ok {
		return
	}
	s.eventThread.BroadcastModeChange(mode)
}

// OnFrameRateOverridesChanged re-applies the effective override set to
// every connection and notifies the host.
func (s *Scheduler) OnFrameRateOverridesChanged() {
	s.connectionsMu.Lock()
	uidsByHandle := make(map[model.ConnectionHandle]model.UID, len(s.connections))
	for h, c := range s.connections {
		uidsByHandle[h] = c.uid
	}
	s.connectionsMu.Unlock()

	for h, uid := range uidsByHandle {
		s.applyOverrideToConnection(h, uid)
	}
	s.cb.TriggerOnFrameRateOverridesChanged()
}

func (s *Scheduler) applyOverrideToConnection(handle model.ConnectionHandle, uid model.UID) {
	fps, ok := s.GetFrameRateOverride(uid)
	if !ok {
		s.eventThread.SetUIDOverride(handle, nil)
		return
	}
	s.eventThread.SetUIDOverride(handle, &fps)
}

// OnPrimaryDisplayAreaChanged notifies the layer history that stale
// heuristic history should be discarded.
func (s *Scheduler) OnPrimaryDisplayAreaChanged(area uint32) {
	s.history.SetDisplayArea(area)
}

// -- VSync I/O --

// scheduleAllConnections arms every live connection's own registration,
// each against its own workDuration/readyDuration.
func (s *Scheduler) scheduleAllConnections() {
	now := s.clock.Now().Nanoseconds()
	s.connectionsMu.Lock()
	states := make([]*connectionState, 0, len(s.connections))
	for _, c := range s.connections {
		states = append(states, c)
	}
	s.connectionsMu.Unlock()

	for _, c := range states {
		c.reg.Schedule(vsync.ScheduleOpts{
			WorkDuration:  c.workDuration,
			ReadyDuration: c.readyDuration,
			EarliestVsync: now,
		})
	}
}

// cancelAllConnections removes every live connection's registration from
// the dispatch queue without dropping it, so a later
// scheduleAllConnections can rearm it.
func (s *Scheduler) cancelAllConnections() {
	s.connectionsMu.Lock()
	states := make([]*connectionState, 0, len(s.connections))
	for _, c := range s.connections {
		states = append(states, c)
	}
	s.connectionsMu.Unlock()

	for _, c := range states {
		c.reg.Cancel()
	}
}

// EnableHardwareVsync turns hw-vsync on if it is currently available.
func (s *Scheduler) EnableHardwareVsync() {
	s.hwVsyncMu.Lock()
	changed := s.hwVsyncAvailable && !s.hwVsyncEnabled
	if changed {
		s.hwVsyncEnabled = true
	}
	s.hwVsyncMu.Unlock()

	if changed {
		s.scheduleAllConnections()
		s.cb.SetVsyncEnabled(true)
	}
}

// DisableHardwareVsync turns hw-vsync off. If makeUnavailable, hw-vsync is
// also marked unavailable until the next resyncToHardwareVsync(true, ...).
func (s *Scheduler) DisableHardwareVsync(makeUnavailable bool) {
	s.hwVsyncMu.Lock()
	changed := s.hwVsyncEnabled
	s.hwVsyncEnabled = false
	if makeUnavailable {
		s.hwVsyncAvailable = false
	}
	s.hwVsyncMu.Unlock()

	if changed {
		s.cancelAllConnections()
		s.cb.SetVsyncEnabled(false)
	}
}

// ResyncToHardwareVsync is the public resync entry point (distinct from the
// internal debounced resync() used by the idle-refresh coupling): it is a
// no-op while hw-vsync is unavailable (S6). Otherwise it enables hw-vsync
// if it wasn't already, and starts a period transition when forceResync is
// set or hw-vsync was off; an already-enabled, unforced call changes
// nothing.
func (s *Scheduler) ResyncToHardwareVsync(makeAvailable bool, periodNs int64, forceResync bool) {
	s.hwVsyncMu.Lock()
	if makeAvailable {
		s.hwVsyncAvailable = true
	}
	available := s.hwVsyncAvailable
	changed := available && !s.hwVsyncEnabled
	if changed {
		s.hwVsyncEnabled = true
	}
	s.hwVsyncMu.Unlock()

	if !available {
		return
	}
	if forceResync || changed {
		s.controller.StartPeriodTransition(periodNs)
	}
	if changed {
		s.scheduleAllConnections()
		s.cb.SetVsyncEnabled(true)
	}
}

// AddResyncSample feeds a hw-vsync timestamp to the controller and returns
// whether the controller still needs samples and whether an in-flight
// period transition just completed.
func (s *Scheduler) AddResyncSample(ts int64, hwcPeriod *int64) (needsHwVsync, periodFlushed bool) {
	return s.controller.AddHwVsync(ts, hwcPeriod)
}

// AddPresentFence feeds a present fence to the controller.
func (s *Scheduler) AddPresentFence(fence vsync.PresentFence) (needsHwVsync bool) {
	return s.controller.AddPresentFence(fence)
}

// SetIgnorePresentFences toggles whether queued present fences are
// forwarded to the tracker.
func (s *Scheduler) SetIgnorePresentFences(ignore bool) {
	s.controller.SetIgnorePresentFences(ignore)
}

// -- Injection --

// EnableVSyncInjection toggles injected-vsync mode: while enabled, every
// connection's own hw-vsync-driven delivery is suppressed and only
// InjectVSync calls reach subscribers. Returns a stable handle identifying
// the injection source; calling it again with the same value is a no-op.
func (s *Scheduler) EnableVSyncInjection(enable bool) model.ConnectionHandle {
	s.hwVsyncMu.Lock()
	defer s.hwVsyncMu.Unlock()
	if enable == s.injectionEnabled {
		return s.injectionHandle
	}
	s.injectionEnabled = enable
	if enable && s.injectionHandle == model.InvalidConnectionHandle {
		s.injectionHandle = s.nextHandle()
	}
	return s.injectionHandle
}

// InjectVSync delivers a synthetic vsync directly to subscribers, bypassing
// the tracker/dispatch path entirely. Only meaningful while injection is
// enabled.
func (s *Scheduler) InjectVSync(when, expectedPresentTimeNs, deadline int64) {
	s.hwVsyncMu.Lock()
	injecting := s.injectionEnabled
	s.hwVsyncMu.Unlock()
	if !injecting {
		return
	}
	period := deadline - when
	s.eventThread.OnVSync(when, expectedPresentTimeNs, period)
}

// -- Layers / policy --

// RegisterLayer adds a layer to the history, owned by uid for byContent
// override derivation.
func (s *Scheduler) RegisterLayer(id model.LayerID, uid model.UID, windowType model.WindowType) {
	s.history.Register(id, uid, windowType)
}

// DeregisterLayer removes a layer from the history.
func (s *Scheduler) DeregisterLayer(id model.LayerID) {
	s.history.Deregister(id)
}

// RecordLayerHistory records a present-time sample or explicit vote for id.
func (s *Scheduler) RecordLayerHistory(id model.LayerID, presentTimeNs int64, voteType model.VoteType, desiredFps model.Fps, explicit bool) {
	if explicit {
		s.history.SetVote(id, voteType, desiredFps, presentTimeNs)
		return
	}
	s.history.RecordFrame(id, presentTimeNs)
}

// ChooseRefreshRateForContent summarizes layer history and re-evaluates the
// selected display mode and the byContent override set, invoking
// ChangeRefreshRate iff the mode id changed and TriggerOnFrameRateOverridesChanged
// iff the override set changed. Concurrent calls collapse into a single
// evaluation.
func (s *Scheduler) ChooseRefreshRateForContent() {
	s.chooseGroup.Do(chooseRefreshRateKey, func() (interface{}, error) {
		s.chooseOnce()
		return nil, nil
	})
}

// deriveByContentOverrides computes the byContent override set from the
// layers' own explicit votes, mirroring updateFrameRateOverrides: a layer
// that explicitly asked for a rate below the chosen display rate throttles
// its owning uid down to that rate. Suppressed entirely while idle, matching
// the source's "if (!consideredSignals.idle)" guard.
func deriveByContentOverrides(summary model.LayerSummary, displayFps model.Fps, considered refreshrate.ConsideredSignals) map[model.UID]model.Fps {
	next := make(map[model.UID]model.Fps)
	if considered.Idle {
		return next
	}
	for _, vote := range summary.Votes {
		if vote.Type != model.ExplicitDefault && vote.Type != model.ExplicitExact {
			continue
		}
		if vote.UID == 0 || !vote.DesiredFps.IsValid() {
			continue
		}
		if vote.DesiredFps.GreaterThan(displayFps) || vote.DesiredFps.Equal(displayFps) {
			continue
		}
		next[vote.UID] = vote.DesiredFps
	}
	return next
}

func (s *Scheduler) chooseOnce() {
	s.featureStateMu.Lock()
	pending := s.features.modeChangePending
	s.featureStateMu.Unlock()
	if pending {
		return
	}

	now := s.clock.Now().Nanoseconds()
	summary := s.history.Summarize(now)

	s.featureStateMu.Lock()
	signals := s.features.signals
	thermalFps := s.features.thermalFps
	powerTimerExpired := s.features.powerTimerExpired
	prevModeID := s.features.modeID
	s.featureStateMu.Unlock()

	chosenID, considered := s.policy.Choose(summary, signals, powerTimerExpired, thermalFps)
	chosenFps := s.modeByID[chosenID].Fps

	overridesChanged := s.applyByContentOverrides(deriveByContentOverrides(summary, chosenFps, considered))

	if chosenID == prevModeID {
		if overridesChanged {
			s.OnFrameRateOverridesChanged()
		}
		return
	}

	mode, ok := s.cb.GetModeFromFps(chosenFps)
	if !ok {
		s.logger.Warn("chooseRefreshRateForContent: host rejected mode", "fps", chosenFps)
		if overridesChanged {
			s.OnFrameRateOverridesChanged()
		}
		return
	}

	s.featureStateMu.Lock()
	s.features.modeID = mode.ID
	s.featureStateMu.Unlock()

	event := RefreshRateEventChanged
	if considered.Idle {
		event = RefreshRateEventNone
	}
	s.cb.ChangeRefreshRate(mode, event)

	if overridesChanged {
		s.OnFrameRateOverridesChanged()
	}
}

// SetModeChangePending freezes layer history summaries (and therefore
// policy re-evaluation) until cleared.
func (s *Scheduler) SetModeChangePending(pending bool) {
	s.featureStateMu.Lock()
	s.features.modeChangePending = pending
	s.featureStateMu.Unlock()
	s.history.SetModeChangePending(pending)
}

// UpdateThermalFps sets the thermal cap used by subsequent policy
// evaluations.
func (s *Scheduler) UpdateThermalFps(fps model.Fps) {
	s.featureStateMu.Lock()
	s.features.thermalFps = fps
	s.featureStateMu.Unlock()
	s.history.UpdateThermalFps(fps)
}

// SetDisplayPowerState updates the display-power-normal signal and resets
// the power-state debounce timer.
func (s *Scheduler) SetDisplayPowerState(normal bool) {
	s.featureStateMu.Lock()
	s.features.signals.DisplayPowerNormal = normal
	s.featureStateMu.Unlock()
	s.powerTimer.Reset()
	s.ChooseRefreshRateForContent()
}

// -- Timers/state --

// ResetIdleTimer pushes the idle deadline forward and clears the idle
// signal.
func (s *Scheduler) ResetIdleTimer() {
	s.idleTimer.Reset()
}

// NotifyTouchEvent pushes the touch-boost deadline forward and sets the
// touch signal. A no-op when the touch timer is disabled (TouchTimerMs 0).
func (s *Scheduler) NotifyTouchEvent() {
	if s.cfg.TouchTimerMs <= 0 {
		return
	}
	s.touchTimer.Reset()
}

// SetIdleState sets the idle signal directly, bypassing the idle timer.
func (s *Scheduler) SetIdleState(idle bool) {
	s.setIdleSignal(idle)
	s.ChooseRefreshRateForContent()
}

func (s *Scheduler) setIdleSignal(idle bool) {
	s.featureStateMu.Lock()
	s.features.signals.Idle = idle
	s.featureStateMu.Unlock()
}

func (s *Scheduler) setTouchSignal(touch bool) {
	s.featureStateMu.Lock()
	s.features.signals.Touch = touch
	s.featureStateMu.Unlock()
}

func (s *Scheduler) setPowerTimerExpired(expired bool) {
	s.featureStateMu.Lock()
	s.features.powerTimerExpired = expired
	s.featureStateMu.Unlock()
}

// -- Overrides --

// SetPreferredRefreshRateForUid sets or clears uid's backdoor override.
// fps=0 clears it; 0<fps<1 is silently rejected.
func (s *Scheduler) SetPreferredRefreshRateForUid(override model.FrameRateOverride) {
	if override.Fps > 0 && override.Fps < 1 {
		return
	}
	s.frameRateOverridesMu.Lock()
	if override.Fps == 0 {
		delete(s.backdoor, override.UID)
	} else {
		s.backdoor[override.UID] = override.Fps
	}
	s.frameRateOverridesMu.Unlock()
	s.OnFrameRateOverridesChanged()
}

// setByContentOverride sets or clears uid's byContent override, derived
// internally from layer votes rather than an explicit caller request.
func (s *Scheduler) setByContentOverride(uid model.UID, fps model.Fps) {
	s.frameRateOverridesMu.Lock()
	if fps == 0 {
		delete(s.byContent, uid)
	} else {
		s.byContent[uid] = fps
	}
	s.frameRateOverridesMu.Unlock()
	s.OnFrameRateOverridesChanged()
}

// applyByContentOverrides swaps in next as the whole byContent override set
// if it differs from the current one, so chooseOnce fires at most one
// TriggerOnFrameRateOverridesChanged per decision rather than one per uid.
func (s *Scheduler) applyByContentOverrides(next map[model.UID]model.Fps) bool {
	s.frameRateOverridesMu.Lock()
	changed := !byContentEqual(s.byContent, next)
	if changed {
		s.byContent = next
	}
	s.frameRateOverridesMu.Unlock()
	return changed
}

func byContentEqual(a, b map[model.UID]model.Fps) bool {
	if len(a) != len(b) {
		return false
	}
	for uid, fps := range a {
		other, ok := b[uid]
		if !ok || !fps.Equal(other) {
			return false
		}
	}
	return true
}

// GetFrameRateOverride returns uid's effective override: backdoor wins over
// byContent.
func (s *Scheduler) GetFrameRateOverride(uid model.UID) (model.Fps, bool) {
	s.frameRateOverridesMu.Lock()
	defer s.frameRateOverridesMu.Unlock()
	if fps, ok := s.backdoor[uid]; ok {
		return fps, true
	}
	if fps, ok := s.byContent[uid]; ok {
		return fps, true
	}
	return 0, false
}

// -- Introspection --

// GetDisplayStatInfo returns the most recently predicted vsync at or after
// now and the tracker's current period estimate.
func (s *Scheduler) GetDisplayStatInfo(now int64) (vsyncTimeNs, vsyncPeriodNs int64) {
	return s.tracker.NextAnticipatedVSyncFrom(now), s.tracker.CurrentPeriod()
}

// GetPreviousVsyncFrom returns the predicted vsync at or before
// expectedPresentTimeNs.
func (s *Scheduler) GetPreviousVsyncFrom(expectedPresentTimeNs int64) int64 {
	period := s.tracker.CurrentPeriod()
	next := s.tracker.NextAnticipatedVSyncFrom(expectedPresentTimeNs)
	if next == expectedPresentTimeNs {
		return next
	}
	return next - period
}

// GetPreferredModeId returns the currently cached display mode id.
func (s *Scheduler) GetPreferredModeId() model.ModeID {
	s.featureStateMu.Lock()
	defer s.featureStateMu.Unlock()
	return s.features.modeID
}

// Dump writes a human-readable summary of scheduler state to w.
func (s *Scheduler) Dump(w io.Writer) {
	s.featureStateMu.Lock()
	features := s.features
	s.featureStateMu.Unlock()

	s.hwVsyncMu.Lock()
	enabled, available := s.hwVsyncEnabled, s.hwVsyncAvailable
	s.hwVsyncMu.Unlock()

	fmt.Fprintf(w, "modeId=%d touch=%v idle=%v displayPowerNormal=%v thermalFps=%v\n",
		features.modeID, features.signals.Touch, features.signals.Idle, features.signals.DisplayPowerNormal, features.thermalFps)
	fmt.Fprintf(w, "hwVsyncEnabled=%v hwVsyncAvailable=%v connections=%d\n",
		enabled, available, s.eventThread.ConnectionCount())
}

// DumpVsync writes the tracker's current model to w.
func (s *Scheduler) DumpVsync(w io.Writer) {
	fmt.Fprintf(w, "period=%dns needsMoreSamples=%v\n", s.tracker.CurrentPeriod(), s.tracker.NeedsMoreSamples())
}

// Stop tears every subcomponent down in dependency order: event
// connections, timers, dispatch, then the controller/tracker (which own no
// goroutines and need no explicit join).
func (s *Scheduler) Stop() {
	s.connectionsMu.Lock()
	handles := make([]model.ConnectionHandle, 0, len(s.connections))
	for h := range s.connections {
		handles = append(handles, h)
	}
	s.connectionsMu.Unlock()
	for _, h := range handles {
		s.eventThread.RemoveConnection(h)
	}

	s.idleTimer.Stop()
	s.touchTimer.Stop()
	s.powerTimer.Stop()
	s.dispatch.Stop()
}
