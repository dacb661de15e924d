// Package model holds the small value types shared across the scheduler's
// subsystems (vsync, layerhistory, refreshrate, eventthread, scheduler).
// Keeping them in one leaf package avoids import cycles between those
// packages, the same role core/types plays for block-related value types
// in the teacher's codebase.
package model

import "math"

// fpsEpsilon is the margin within which two Fps values are considered equal,
// per the ±0.001 Hz tolerance named in the data model.
const fpsEpsilon = 0.001

// Fps is a positive refresh rate in frames (vsyncs) per second.
type Fps float64

// Equal reports whether f and g are within fpsEpsilon of each other.
func (f Fps) Equal(g Fps) bool {
	return math.Abs(float64(f-g)) < fpsEpsilon
}

// GreaterThan reports whether f exceeds g by more than fpsEpsilon.
func (f Fps) GreaterThan(g Fps) bool {
	return float64(f-g) > fpsEpsilon
}

// LessThanOrEqual reports whether f does not exceed g by more than fpsEpsilon.
func (f Fps) LessThanOrEqual(g Fps) bool {
	return !f.GreaterThan(g)
}

// IsValid reports whether f is a usable, positive frame rate.
func (f Fps) IsValid() bool {
	return f > 0 && !math.IsInf(float64(f), 0) && !math.IsNaN(float64(f))
}

// ModeID identifies a DisplayMode, scoped to one display.
type ModeID int32

// DisplayMode is a discrete (fps, period) pair the hardware supports.
// Supplied by the host and immutable per ID.
type DisplayMode struct {
	ID            ModeID
	Fps           Fps
	VsyncPeriodNs int64
}

// LayerID identifies a layer registered with the layer history. Layers are
// referenced by ID only; the history never holds a strong reference to the
// layer object itself (spec's "weak reference" lifecycle rule).
type LayerID uint64

// ConnectionHandle identifies a connection created through the scheduler
// façade. Handles are monotonically assigned and never reused.
type ConnectionHandle uint64

// InvalidConnectionHandle is returned by calls that fail to create a
// connection; it is never assigned to a live connection.
const InvalidConnectionHandle ConnectionHandle = 0

// UID identifies the application/process a frame-rate override applies to.
type UID uint64

// FrameRateOverride is a per-application cap on the delivered vsync rate.
type FrameRateOverride struct {
	UID UID
	Fps Fps
}

// GlobalSignals are the boolean inputs the refresh-rate policy reacts to.
type GlobalSignals struct {
	Touch              bool
	Idle               bool
	DisplayPowerNormal bool
}

// VoteType tags the kind of frame-rate vote a layer is contributing.
type VoteType int

const (
	// NoVote means the layer has no opinion on refresh rate.
	NoVote VoteType = iota
	// Min means the layer wants the lowest available rate (e.g. a static
	// wallpaper).
	Min
	// Heuristic means the vote's Fps field was estimated by sampling the
	// layer's inter-frame intervals.
	Heuristic
	// ExplicitDefault is a caller-supplied preferred rate that other
	// layers' votes may override.
	ExplicitDefault
	// ExplicitExact is a caller-supplied rate that must be honored exactly
	// if at all possible.
	ExplicitExact
)

func (v VoteType) String() string {
	switch v {
	case NoVote:
		return "NoVote"
	case Min:
		return "Min"
	case Heuristic:
		return "Heuristic"
	case ExplicitDefault:
		return "ExplicitDefault"
	case ExplicitExact:
		return "ExplicitExact"
	default:
		return "Unknown"
	}
}

// LayerUpdateType distinguishes how a layer's present-time sample arrived.
type LayerUpdateType int

const (
	// UpdateTypeFrame is a normal buffer-present update.
	UpdateTypeFrame LayerUpdateType = iota
	// UpdateTypeSetFrameRate is an explicit setFrameRate() call.
	UpdateTypeSetFrameRate
)

// WindowType distinguishes the on-screen role of a layer, mirroring the
// input-window categories original_source uses to special-case status bars
// and wallpapers during registerLayer.
type WindowType int

const (
	WindowTypeNormal WindowType = iota
	WindowTypeStatusBar
	WindowTypeWallpaper
)

// LayerVote is one layer's contribution to the refresh-rate decision.
type LayerVote struct {
	LayerID      LayerID
	UID          UID // the layer's owning application, for byContent override derivation
	Type         VoteType
	DesiredFps   Fps // meaningful only for ExplicitDefault/ExplicitExact/Heuristic
	UpdateType   LayerUpdateType
	LastUpdateNs int64
	WindowType   WindowType
}

// LayerSummary is the result of History.Summarize: every layer's current
// vote, paired with a weight the policy multiplies that vote's score
// contribution by.
type LayerSummary struct {
	Votes   []LayerVote
	Weights []float64
}
