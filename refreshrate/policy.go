// Package refreshrate implements the decision loop that picks a display
// mode from per-layer votes and global signals: RefreshRatePolicy from the
// component design, expressed as a pure function over its inputs.
package refreshrate

import (
	"math"
	"sort"

	"github.com/Evolution404/dispsync/model"
)

const (
	// touchBiasPerHz and idleBiasPerHz scale how strongly touch/idle push
	// the score toward higher/lower modes respectively, relative to a
	// vote's distance penalty.
	touchBiasPerHz = 50.0
	idleBiasPerHz  = 50.0
	// exactVoteBonus dominates the score when an ExplicitExact vote's
	// desired fps matches a candidate mode exactly.
	exactVoteBonus = 1e6
)

// ConsideredSignals reports which global signals actually factored into a
// Choose decision, so callers can e.g. suppress a "mode changed" event when
// idle alone drove the change.
type ConsideredSignals struct {
	Touch             bool
	Idle              bool
	DisplayPowerReset bool
}

// Policy scores candidate modes against layer votes and global signals. It
// holds only the display's static mode table and allowed range; all
// per-decision state is passed into Choose.
type Policy struct {
	modes         []model.DisplayMode // sorted ascending by Fps
	minFps        model.Fps
	maxFps        model.Fps
	defaultModeID model.ModeID
}

// NewPolicy returns a Policy over modes, clamped to [minFps, maxFps], with
// defaultModeID used to break ties between equally scored candidates.
func NewPolicy(modes []model.DisplayMode, minFps, maxFps model.Fps, defaultModeID model.ModeID) *Policy {
	sorted := make([]model.DisplayMode, len(modes))
	copy(sorted, modes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Fps < sorted[j].Fps })
	return &Policy{modes: sorted, minFps: minFps, maxFps: maxFps, defaultModeID: defaultModeID}
}

// allowedModes returns the subset of p.modes within [minFps, maxFps],
// ascending by Fps. If the range excludes every mode, the single closest
// mode to the range is returned rather than an empty set.
func (p *Policy) allowedModes() []model.DisplayMode {
	var out []model.DisplayMode
	for _, m := range p.modes {
		if m.Fps.GreaterThan(p.maxFps) {
			continue
		}
		if p.minFps.GreaterThan(m.Fps) {
			continue
		}
		out = append(out, m)
	}
	if len(out) == 0 && len(p.modes) > 0 {
		out = []model.DisplayMode{p.closestMode(p.modes, (p.minFps+p.maxFps)/2)}
	}
	return out
}

// closestMode returns the mode in candidates whose Fps is nearest target.
func (p *Policy) closestMode(candidates []model.DisplayMode, target model.Fps) model.DisplayMode {
	best := candidates[0]
	bestDist := math.Abs(float64(best.Fps - target))
	for _, m := range candidates[1:] {
		d := math.Abs(float64(m.Fps - target))
		if d < bestDist {
			best, bestDist = m, d
		}
	}
	return best
}

// getModeFromFps returns the largest allowed mode whose Fps does not exceed
// fps, or the lowest allowed mode if none qualifies. Named after the host
// callback of the same purpose (§6 getModeFromFps), since this is exactly
// that lookup performed locally against the allowed range.
func (p *Policy) getModeFromFps(fps model.Fps) model.DisplayMode {
	allowed := p.allowedModes()
	best := allowed[0]
	for _, m := range allowed {
		if m.Fps.LessThanOrEqual(fps) && m.Fps.GreaterThan(best.Fps) {
			best = m
		}
	}
	// best may still exceed fps if every allowed mode does; that's the
	// "none qualifies" fallback to the lowest allowed mode, already true
	// since allowed is ascending and best starts at allowed[0].
	if best.Fps.GreaterThan(fps) {
		return allowed[0]
	}
	return best
}

// maxMode returns the highest allowed mode.
func (p *Policy) maxMode() model.DisplayMode {
	allowed := p.allowedModes()
	return allowed[len(allowed)-1]
}

// Choose picks a display mode given the current layer vote summary and
// global signals. displayPowerTimerExpired mirrors the "displayPowerTimer
// == Reset" condition from the component design: it forces the maximum
// mode regardless of votes. thermalFps <= 0 means "no thermal cap".
//
// getModeFromFps (the thermal-cap lookup) is called at most once per
// Choose call; its result is reused both as the returned mode and as the
// value a caller would pass to a changeRefreshRate callback, resolving the
// double-lookup ambiguity in the source this was distilled from.
func (p *Policy) Choose(summary model.LayerSummary, signals model.GlobalSignals, displayPowerTimerExpired bool, thermalFps model.Fps) (model.ModeID, ConsideredSignals) {
	considered := ConsideredSignals{
		DisplayPowerReset: !signals.DisplayPowerNormal || displayPowerTimerExpired,
	}

	var chosen model.DisplayMode
	if considered.DisplayPowerReset {
		chosen = p.maxMode()
	} else {
		chosen = p.scoreAndSelect(summary, signals)
		considered.Touch = signals.Touch
		considered.Idle = signals.Idle
	}

	if thermalFps.IsValid() && chosen.Fps.GreaterThan(thermalFps) {
		chosen = p.getModeFromFps(thermalFps)
	}
	return chosen.ID, considered
}

func (p *Policy) scoreAndSelect(summary model.LayerSummary, signals model.GlobalSignals) model.DisplayMode {
	allowed := p.allowedModes()
	defaultFps := p.defaultFps()

	best := allowed[0]
	bestScore := math.Inf(-1)
	for _, mode := range allowed {
		score := p.score(mode, summary, signals)
		if score > bestScore || (score == bestScore && p.closer(mode, best, defaultFps)) {
			best, bestScore = mode, score
		}
	}
	return best
}

func (p *Policy) defaultFps() model.Fps {
	for _, m := range p.modes {
		if m.ID == p.defaultModeID {
			return m.Fps
		}
	}
	if len(p.modes) > 0 {
		return p.modes[0].Fps
	}
	return 0
}

func (p *Policy) closer(a, b model.DisplayMode, target model.Fps) bool {
	return math.Abs(float64(a.Fps-target)) < math.Abs(float64(b.Fps-target))
}

func (p *Policy) score(mode model.DisplayMode, summary model.LayerSummary, signals model.GlobalSignals) float64 {
	var score float64
	for i, vote := range summary.Votes {
		weight := 1.0
		if i < len(summary.Weights) {
			weight = summary.Weights[i]
		}
		switch vote.Type {
		case model.Min:
			score -= weight * float64(mode.Fps)
		case model.Heuristic, model.ExplicitDefault:
			score -= weight * math.Abs(float64(mode.Fps-vote.DesiredFps))
		case model.ExplicitExact:
			if mode.Fps.Equal(vote.DesiredFps) {
				score += weight * exactVoteBonus
			} else {
				score -= weight * (exactVoteBonus/100 + math.Abs(float64(mode.Fps-vote.DesiredFps)))
			}
		}
	}
	if signals.Touch {
		score += float64(mode.Fps) * touchBiasPerHz
	}
	if signals.Idle {
		score -= float64(mode.Fps) * idleBiasPerHz
	}
	return score
}
