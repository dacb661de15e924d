// Package vsync implements the predictive vsync timing model (Tracker), the
// timer-queue dispatcher that wakes callback holders ahead of predicted
// vsyncs (Dispatch), and the reactor mediating hardware feedback into the
// tracker (Controller).
package vsync

import (
	"math"
	"sync"

	"github.com/Evolution404/dispsync/internal/ring"
	"github.com/Evolution404/dispsync/model"
)

const (
	// DefaultHistorySize is N in "keep up to N=20 most recent sample
	// timestamps".
	DefaultHistorySize = 20
	// DefaultMinSamples is M in "if fewer than M=6, return idealPeriod".
	DefaultMinSamples = 6
	// DefaultOutlierTrimPercent is P in "discard the top and bottom P%=20
	// of residuals from an initial fit".
	DefaultOutlierTrimPercent = 20
)

// Tracker is a capability interface so the dispatcher and the controller can
// be driven by a test double, per the design notes' "tagged swappable
// components" guidance.
type Tracker interface {
	AddSample(timestampNs int64) (accepted bool)
	AddPresentFence(signalTimeNs int64) (needsMoreSamples bool)
	NextAnticipatedVSyncFrom(t int64) int64
	CurrentPeriod() int64
	IsVSyncInPhase(t int64, fps model.Fps) bool
	ResetModel()
	// NeedsMoreSamples reports whether the model doesn't yet have enough
	// history to make a confident prediction.
	NeedsMoreSamples() bool
}

// predictor is the concrete least-squares Tracker implementation described
// in the component design: fit a line t_k = phase + k*period over the
// sample history, trimming outlier residuals before the final fit.
type predictor struct {
	mu sync.Mutex

	idealPeriodNs int64
	minSamples    int
	trimPercent   int

	history *ring.Buffer

	periodNs    int64
	phaseNs     int64
	haveModel   bool
	needsMore   bool
}

// NewTracker returns a Tracker seeded with idealPeriodNs, the period to
// report (and to clamp estimates against) before enough samples have
// accumulated.
func NewTracker(idealPeriodNs int64) Tracker {
	return NewTrackerWithParams(idealPeriodNs, DefaultHistorySize, DefaultMinSamples, DefaultOutlierTrimPercent)
}

// NewTrackerWithParams is NewTracker with the history size, minimum sample
// count and outlier trim percentage made explicit, for tests that want to
// exercise the fit with smaller histories.
func NewTrackerWithParams(idealPeriodNs int64, historySize, minSamples, trimPercent int) Tracker {
	return &predictor{
		idealPeriodNs: idealPeriodNs,
		minSamples:    minSamples,
		trimPercent:   trimPercent,
		history:       ring.New(historySize),
		periodNs:      idealPeriodNs,
		needsMore:     true,
	}
}

func (p *predictor) minPeriod() int64 { return p.idealPeriodNs / 4 }
func (p *predictor) maxPeriod() int64 { return p.idealPeriodNs * 4 }

// AddSample integrates a hw-vsync timestamp into the model. It returns false
// without mutating any state if accepting the sample would put the period
// estimate outside [idealPeriod/4, 4*idealPeriod].
func (p *predictor) AddSample(ts int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addSampleLocked(ts)
}

// AddPresentFence is consumed identically to an hw-vsync sample per the
// component contract.
func (p *predictor) AddPresentFence(signalTimeNs int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addSampleLocked(signalTimeNs)
	return p.needsMore
}

func (p *predictor) addSampleLocked(ts int64) bool {
	// Try the fit with the candidate sample included; only commit it if
	// the result stays within the clamp. This mirrors the component
	// design's "rejected samples do not update the model".
	trial := ring.New(p.history.Cap())
	for _, v := range p.history.Slice() {
		trial.Push(v)
	}
	trial.Push(ts)

	if trial.Len() < p.minSamples {
		p.history.Push(ts)
		p.needsMore = true
		return true
	}

	period, phase, ok := fit(trial.Slice(), p.currentPeriodEstimate(), p.trimPercent)
	if !ok || period < p.minPeriod() || period > p.maxPeriod() {
		return false
	}

	p.history.Push(ts)
	p.periodNs = period
	p.phaseNs = phase
	p.haveModel = true
	p.needsMore = false
	return true
}

func (p *predictor) currentPeriodEstimate() int64 {
	if p.haveModel {
		return p.periodNs
	}
	return p.idealPeriodNs
}

// NextAnticipatedVSyncFrom returns the smallest predicted vsync >= t.
func (p *predictor) NextAnticipatedVSyncFrom(t int64) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.haveModel {
		// No model yet: the grid is anchored at 0 with the ideal period.
		return ceilToGrid(t, 0, p.idealPeriodNs)
	}
	return ceilToGrid(t, p.phaseNs, p.periodNs)
}

// ceilToGrid returns the smallest phase+k*period >= t.
func ceilToGrid(t, phase, period int64) int64 {
	if period <= 0 {
		return t
	}
	k := int64(math.Ceil(float64(t-phase) / float64(period)))
	candidate := phase + k*period
	for candidate < t {
		k++
		candidate = phase + k*period
	}
	return candidate
}

// CurrentPeriod returns the current best period estimate.
func (p *predictor) CurrentPeriod() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentPeriodEstimate()
}

// NeedsMoreSamples reports whether fewer than minSamples have been
// integrated into a confident model yet.
func (p *predictor) NeedsMoreSamples() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.needsMore
}

// IsVSyncInPhase reports whether t aligns with a divider of the base rate
// at fps, within a phase tolerance of period/4.
func (p *predictor) IsVSyncInPhase(t int64, fps model.Fps) bool {
	p.mu.Lock()
	period := p.currentPeriodEstimate()
	phase := p.phaseNs
	p.mu.Unlock()

	if period <= 0 || !fps.IsValid() {
		return true
	}
	baseFps := 1e9 / float64(period)
	divider := int64(math.Round(baseFps / float64(fps)))
	if divider < 1 {
		divider = 1
	}

	kf := float64(t-phase) / float64(period)
	k := int64(math.Round(kf))
	predicted := phase + k*period
	tolerance := period / 4
	if absInt64(t-predicted) > tolerance {
		return false
	}
	return ((k % divider) + divider) % divider == 0
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// ResetModel forgets history and reverts to idealPeriod.
func (p *predictor) ResetModel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history.Clear()
	p.periodNs = p.idealPeriodNs
	p.phaseNs = 0
	p.haveModel = false
	p.needsMore = true
}

// fit performs the two-pass least-squares line fit described in the
// component design: recover k indices from the initial period estimate,
// fit t=phase+k*period, discard the top/bottom trimPercent% of residuals,
// then refit on the remainder. samples must be in chronological order and
// len(samples) >= 2.
func fit(samples []int64, periodEstimate int64, trimPercent int) (period, phase int64, ok bool) {
	if len(samples) < 2 || periodEstimate <= 0 {
		return 0, 0, false
	}
	t0 := samples[0]
	ks := make([]float64, len(samples))
	ts := make([]float64, len(samples))
	for i, s := range samples {
		ks[i] = math.Round(float64(s-t0) / float64(periodEstimate))
		ts[i] = float64(s)
	}

	slope, intercept := leastSquares(ks, ts)
	if slope <= 0 {
		return 0, 0, false
	}

	residuals := make([]fitResidual, len(samples))
	for i := range samples {
		predicted := intercept + slope*ks[i]
		residuals[i] = fitResidual{i, ts[i] - predicted}
	}
	sortResiduals(residuals)

	trim := len(residuals) * trimPercent / 100
	if 2*trim >= len(residuals) {
		trim = 0 // never trim everything away
	}
	kept := residuals[trim : len(residuals)-trim]

	kk := make([]float64, len(kept))
	tt := make([]float64, len(kept))
	for i, r := range kept {
		kk[i] = ks[r.idx]
		tt[i] = ts[r.idx]
	}
	if len(kk) < 2 {
		// Not enough points survived trimming; fall back to the
		// untrimmed fit rather than failing outright.
		return int64(math.Round(slope)), int64(math.Round(intercept)), true
	}

	slope2, intercept2 := leastSquares(kk, tt)
	if slope2 <= 0 {
		return 0, 0, false
	}
	return int64(math.Round(slope2)), int64(math.Round(intercept2)), true
}

// leastSquares fits y = a*x + b, returning (a, b).
func leastSquares(x, y []float64) (slope, intercept float64) {
	n := float64(len(x))
	var sumX, sumY, sumXY, sumXX float64
	for i := range x {
		sumX += x[i]
		sumY += y[i]
		sumXY += x[i] * y[i]
		sumXX += x[i] * x[i]
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, sumY / n
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n
	return slope, intercept
}

// fitResidual pairs a sample's original index with its residual from the
// initial fit, so the trimmed set can be mapped back to (k, t) pairs.
type fitResidual struct {
	idx int
	r   float64
}

// sortResiduals sorts by residual value ascending (insertion sort: the
// history is capped at 20 elements, so an O(n^2) sort is cheap and avoids
// pulling in sort.Slice's interface-boxing just for this).
func sortResiduals(r []fitResidual) {
	for i := 1; i < len(r); i++ {
		for j := i; j > 0 && r[j-1].r > r[j].r; j-- {
			r[j-1], r[j] = r[j], r[j-1]
		}
	}
}
