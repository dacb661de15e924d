package refreshrate

import (
	"testing"

	"github.com/Evolution404/dispsync/model"
)

func testModes() []model.DisplayMode {
	return []model.DisplayMode{
		{ID: 1, Fps: 60, VsyncPeriodNs: 16_666_667},
		{ID: 2, Fps: 90, VsyncPeriodNs: 11_111_111},
		{ID: 3, Fps: 120, VsyncPeriodNs: 8_333_333},
	}
}

func TestChooseDisplayPowerResetForcesMaxMode(t *testing.T) {
	p := NewPolicy(testModes(), 60, 120, 1)
	summary := model.LayerSummary{
		Votes:   []model.LayerVote{{LayerID: 1, Type: model.Min}},
		Weights: []float64{1.0},
	}
	signals := model.GlobalSignals{DisplayPowerNormal: false}

	mode, considered := p.Choose(summary, signals, false, 0)
	if mode != 3 {
		t.Fatalf("mode = %v, want the max mode (3) when display power is not normal", mode)
	}
	if !considered.DisplayPowerReset {
		t.Fatalf("considered.DisplayPowerReset = false, want true")
	}
}

func TestChooseThermalCapSubstitutesLowerMode(t *testing.T) {
	// S4: thermalFps=60 with a 90Hz-preferring content vote must still
	// select a mode at or below 60Hz.
	p := NewPolicy(testModes(), 60, 120, 1)
	summary := model.LayerSummary{
		Votes:   []model.LayerVote{{LayerID: 1, Type: model.ExplicitExact, DesiredFps: 90}},
		Weights: []float64{1.0},
	}
	signals := model.GlobalSignals{DisplayPowerNormal: true}

	mode, _ := p.Choose(summary, signals, false, 60)
	modeFps := fpsForMode(t, p, mode)
	if modeFps.GreaterThan(60) {
		t.Fatalf("chosen mode fps %v exceeds thermalFps 60", modeFps)
	}
}

func TestChooseExplicitExactWinsWhenUnconstrained(t *testing.T) {
	p := NewPolicy(testModes(), 60, 120, 1)
	summary := model.LayerSummary{
		Votes:   []model.LayerVote{{LayerID: 1, Type: model.ExplicitExact, DesiredFps: 90}},
		Weights: []float64{1.0},
	}
	signals := model.GlobalSignals{DisplayPowerNormal: true}

	mode, _ := p.Choose(summary, signals, false, 0)
	if mode != 2 {
		t.Fatalf("mode = %v, want mode 2 (90Hz) to satisfy the exact vote", mode)
	}
}

func TestChooseIdleBiasesTowardLowerMode(t *testing.T) {
	// S5-style: an idle signal with a Min vote already present should
	// comfortably select the lowest allowed mode and report idle as
	// considered.
	p := NewPolicy(testModes(), 60, 120, 1)
	summary := model.LayerSummary{
		Votes:   []model.LayerVote{{LayerID: 1, Type: model.Min}},
		Weights: []float64{1.0},
	}
	signals := model.GlobalSignals{DisplayPowerNormal: true, Idle: true}

	mode, considered := p.Choose(summary, signals, false, 0)
	if mode != 1 {
		t.Fatalf("mode = %v, want the lowest mode (1) while idle", mode)
	}
	if !considered.Idle {
		t.Fatalf("considered.Idle = false, want true")
	}
	if considered.Touch {
		t.Fatalf("considered.Touch = true, want false")
	}
}

func TestChooseTouchBiasesTowardHigherMode(t *testing.T) {
	p := NewPolicy(testModes(), 60, 120, 1)
	summary := model.LayerSummary{} // no votes at all
	signals := model.GlobalSignals{DisplayPowerNormal: true, Touch: true}

	mode, considered := p.Choose(summary, signals, false, 0)
	if mode != 3 {
		t.Fatalf("mode = %v, want the highest mode (3) while touch-active with no opposing votes", mode)
	}
	if !considered.Touch {
		t.Fatalf("considered.Touch = false, want true")
	}
}

func TestChooseClampsToAllowedRange(t *testing.T) {
	p := NewPolicy(testModes(), 60, 90, 1)
	summary := model.LayerSummary{
		Votes:   []model.LayerVote{{LayerID: 1, Type: model.ExplicitExact, DesiredFps: 120}},
		Weights: []float64{1.0},
	}
	signals := model.GlobalSignals{DisplayPowerNormal: true}

	mode, _ := p.Choose(summary, signals, false, 0)
	if mode == 3 {
		t.Fatalf("mode = 3 (120Hz), but the allowed range caps at 90Hz")
	}
}

func fpsForMode(t *testing.T, p *Policy, id model.ModeID) model.Fps {
	for _, m := range p.modes {
		if m.ID == id {
			return m.Fps
		}
	}
	t.Fatalf("mode id %v not found", id)
	return 0
}
