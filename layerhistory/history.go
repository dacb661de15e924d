// Package layerhistory aggregates per-layer frame-rate votes over time into
// the summaries the refresh-rate policy scores. It mirrors the role
// LayerHistory plays in the source compositor: a sliding window of recent
// present times per layer, reduced to a small set of votes on demand.
package layerhistory

import (
	"sync"

	"github.com/Evolution404/dispsync/internal/ring"
	"github.com/Evolution404/dispsync/model"
)

const (
	// PresentRingCapacity bounds how many present-time samples a layer
	// keeps; enough to cover HeuristicWindowNs at a plausible max refresh
	// rate without growing unbounded.
	PresentRingCapacity = 90
	// HeuristicWindowNs is the window over which a Heuristic vote's fps is
	// derived; samples older than this are ignored.
	HeuristicWindowNs = int64(1_000_000_000) // 1s
	// MinHeuristicSamples is the minimum sample count within the window
	// required to emit a numeric Heuristic vote; below it the layer
	// contributes NoVote.
	MinHeuristicSamples = 2
)

// Weight by window role: a wallpaper or status bar shouldn't dominate the
// refresh-rate decision the way a normal content layer does.
var windowWeight = map[model.WindowType]float64{
	model.WindowTypeNormal:    1.0,
	model.WindowTypeStatusBar: 0.5,
	model.WindowTypeWallpaper: 0.1,
}

type layerEntry struct {
	uid          model.UID
	windowType   model.WindowType
	voteType     model.VoteType
	desiredFps   model.Fps
	updateType   model.LayerUpdateType
	lastUpdateNs int64
	presentTimes *ring.Buffer
	// active is cleared by SetDisplayArea/UpdateThermalFps and set again by
	// the next recorded frame or vote; a layer that hasn't been touched
	// since the last area/thermal change contributes NoVote, since its
	// accumulated heuristic history predates the change.
	active bool
}

// History owns the per-layer vote state. Registration/deregistration is
// rare; Record and Summarize are frequent, so the map is guarded by an
// RWMutex rather than a plain Mutex.
type History struct {
	mu     sync.RWMutex
	layers map[model.LayerID]*layerEntry

	modeChangePending bool
	cachedSummary     model.LayerSummary
	haveCached        bool
}

// NewHistory returns an empty History.
func NewHistory() *History {
	return &History{layers: make(map[model.LayerID]*layerEntry)}
}

// Register adds a layer with no vote yet (NoVote until the first
// SetVote/RecordFrame call). LayerHistory never holds a strong reference to
// the layer itself, only its id and metadata. uid is the layer's owning
// application, carried into its votes so the scheduler can derive byContent
// overrides per application.
func (h *History) Register(id model.LayerID, uid model.UID, windowType model.WindowType) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.layers[id] = &layerEntry{
		uid:          uid,
		windowType:   windowType,
		voteType:     model.NoVote,
		presentTimes: ring.New(PresentRingCapacity),
	}
}

// Deregister forgets id. A no-op if id was never registered.
func (h *History) Deregister(id model.LayerID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.layers, id)
}

// RecordFrame records a present-time sample for id, used to derive a
// Heuristic vote. If the layer currently has no explicit vote, this also
// marks it as contributing Heuristic votes going forward.
func (h *History) RecordFrame(id model.LayerID, presentTimeNs int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.layers[id]
	if !ok {
		return
	}
	e.presentTimes.Push(presentTimeNs)
	e.active = true
	e.updateType = model.UpdateTypeFrame
	e.lastUpdateNs = presentTimeNs
	if e.voteType == model.NoVote {
		e.voteType = model.Heuristic
	}
}

// SetVote pins id's vote to an explicit type (Min, NoVote, ExplicitDefault,
// ExplicitExact), recorded as an explicit setFrameRate() call rather than a
// frame present. desiredFps is only meaningful for ExplicitDefault and
// ExplicitExact.
func (h *History) SetVote(id model.LayerID, voteType model.VoteType, desiredFps model.Fps, nowNs int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.layers[id]
	if !ok {
		return
	}
	e.voteType = voteType
	e.desiredFps = desiredFps
	e.updateType = model.UpdateTypeSetFrameRate
	e.lastUpdateNs = nowNs
	e.active = true
}

// SetModeChangePending freezes Summarize's output at its last computed
// value while pending is true, preventing a burst of layer updates mid mode
// switch from oscillating the policy's input.
func (h *History) SetModeChangePending(pending bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.modeChangePending = pending
}

// SetDisplayArea notifies the history that the primary display's area
// changed; every layer's heuristic history predates the change, so their
// active flags are cleared until they're touched again.
func (h *History) SetDisplayArea(area uint32) {
	h.clearActive()
}

// UpdateThermalFps notifies the history of a thermal cap change, with the
// same "stale until touched again" effect as SetDisplayArea.
func (h *History) UpdateThermalFps(fps model.Fps) {
	h.clearActive()
}

func (h *History) clearActive() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.layers {
		e.active = false
	}
}

// Summarize reduces every registered layer's state to a LayerVote, paired
// with a weight reflecting the layer's window role. If a mode change is
// pending, the last computed summary is returned unchanged.
func (h *History) Summarize(nowNs int64) model.LayerSummary {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.modeChangePending && h.haveCached {
		return h.cachedSummary
	}

	var out model.LayerSummary
	for id, e := range h.layers {
		vote := h.voteFor(id, e, nowNs)
		if vote.Type == model.NoVote {
			continue
		}
		out.Votes = append(out.Votes, vote)
		out.Weights = append(out.Weights, windowWeight[e.windowType])
	}

	h.cachedSummary = out
	h.haveCached = true
	return out
}

func (h *History) voteFor(id model.LayerID, e *layerEntry, nowNs int64) model.LayerVote {
	base := model.LayerVote{
		LayerID:      id,
		UID:          e.uid,
		UpdateType:   e.updateType,
		LastUpdateNs: e.lastUpdateNs,
		WindowType:   e.windowType,
	}

	if !e.active {
		base.Type = model.NoVote
		return base
	}

	switch e.voteType {
	case model.NoVote:
		base.Type = model.NoVote
	case model.Min:
		base.Type = model.Min
	case model.ExplicitDefault, model.ExplicitExact:
		base.Type = e.voteType
		base.DesiredFps = e.desiredFps
	case model.Heuristic:
		fps, ok := heuristicFps(e.presentTimes, nowNs)
		if !ok {
			base.Type = model.NoVote
			return base
		}
		base.Type = model.Heuristic
		base.DesiredFps = fps
	default:
		base.Type = model.NoVote
	}
	return base
}

// heuristicFps estimates a layer's fps from the mean inter-frame interval
// among present times within HeuristicWindowNs of now. It requires at least
// MinHeuristicSamples samples in the window.
func heuristicFps(samples *ring.Buffer, nowNs int64) (model.Fps, bool) {
	all := samples.Slice()
	cutoff := nowNs - HeuristicWindowNs
	var recent []int64
	for _, ts := range all {
		if ts >= cutoff {
			recent = append(recent, ts)
		}
	}
	if len(recent) < MinHeuristicSamples {
		return 0, false
	}

	var sum int64
	for i := 1; i < len(recent); i++ {
		sum += recent[i] - recent[i-1]
	}
	intervals := len(recent) - 1
	if intervals <= 0 {
		return 0, false
	}
	meanIntervalNs := float64(sum) / float64(intervals)
	if meanIntervalNs <= 0 {
		return 0, false
	}
	return model.Fps(1e9 / meanIntervalNs), true
}
