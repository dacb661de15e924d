package layerhistory

import (
	"testing"

	"github.com/Evolution404/dispsync/model"
)

func TestSummarizeSkipsNoVote(t *testing.T) {
	h := NewHistory()
	h.Register(1, 1000, model.WindowTypeNormal)

	summary := h.Summarize(0)
	if len(summary.Votes) != 0 {
		t.Fatalf("votes = %v, want none for a freshly registered layer", summary.Votes)
	}
}

func TestSummarizeHeuristicRequiresMinimumSamples(t *testing.T) {
	h := NewHistory()
	h.Register(1, 1000, model.WindowTypeNormal)
	h.RecordFrame(1, 0)

	summary := h.Summarize(1_000_000)
	if len(summary.Votes) != 0 {
		t.Fatalf("votes = %v, want none with only one sample", summary.Votes)
	}

	h.RecordFrame(1, 16_666_667)
	summary = h.Summarize(16_666_667)
	if len(summary.Votes) != 1 || summary.Votes[0].Type != model.Heuristic {
		t.Fatalf("votes = %v, want one Heuristic vote", summary.Votes)
	}
	wantFps := model.Fps(1e9 / 16_666_667.0)
	if !summary.Votes[0].DesiredFps.Equal(wantFps) {
		t.Fatalf("DesiredFps = %v, want ~%v", summary.Votes[0].DesiredFps, wantFps)
	}
}

func TestSummarizeDropsSamplesOutsideWindow(t *testing.T) {
	h := NewHistory()
	h.Register(1, 1000, model.WindowTypeNormal)
	h.RecordFrame(1, 0)
	h.RecordFrame(1, 10_000_000)

	// Now far enough past both samples that they fall outside the 1s
	// window: the layer should fall back to NoVote rather than reporting
	// a stale rate.
	summary := h.Summarize(10_000_000 + HeuristicWindowNs + 1)
	if len(summary.Votes) != 0 {
		t.Fatalf("votes = %v, want none once samples age out of the window", summary.Votes)
	}
}

func TestSummarizeExplicitVotePassesThrough(t *testing.T) {
	h := NewHistory()
	h.Register(1, 1000, model.WindowTypeNormal)
	h.SetVote(1, model.ExplicitExact, model.Fps(90), 0)

	summary := h.Summarize(0)
	if len(summary.Votes) != 1 {
		t.Fatalf("votes = %v, want one explicit vote", summary.Votes)
	}
	v := summary.Votes[0]
	if v.Type != model.ExplicitExact || !v.DesiredFps.Equal(90) {
		t.Fatalf("vote = %+v, want ExplicitExact at 90fps", v)
	}
}

func TestSummarizeFreezesWhileModeChangePending(t *testing.T) {
	h := NewHistory()
	h.Register(1, 1000, model.WindowTypeNormal)
	h.SetVote(1, model.Min, 0, 0)

	first := h.Summarize(0)
	h.SetModeChangePending(true)
	h.SetVote(1, model.ExplicitExact, model.Fps(120), 1)
	frozen := h.Summarize(1)

	if len(frozen.Votes) != len(first.Votes) || frozen.Votes[0].Type != first.Votes[0].Type {
		t.Fatalf("summary changed while mode change pending: %+v vs %+v", frozen, first)
	}

	h.SetModeChangePending(false)
	fresh := h.Summarize(1)
	if fresh.Votes[0].Type != model.ExplicitExact {
		t.Fatalf("summary did not unfreeze: %+v", fresh)
	}
}

func TestSetDisplayAreaStalesLayersUntilTouched(t *testing.T) {
	h := NewHistory()
	h.Register(1, 1000, model.WindowTypeNormal)
	h.SetVote(1, model.Min, 0, 0)

	if len(h.Summarize(0).Votes) != 1 {
		t.Fatalf("expected a vote before the area change")
	}

	h.SetDisplayArea(4096)
	if len(h.Summarize(0).Votes) != 0 {
		t.Fatalf("expected no vote immediately after a display area change")
	}

	h.SetVote(1, model.Min, 0, 1)
	if len(h.Summarize(1).Votes) != 1 {
		t.Fatalf("expected the vote to return once the layer was touched again")
	}
}

func TestDeregisterRemovesLayer(t *testing.T) {
	h := NewHistory()
	h.Register(1, 1000, model.WindowTypeNormal)
	h.SetVote(1, model.Min, 0, 0)
	h.Deregister(1)

	if len(h.Summarize(0).Votes) != 0 {
		t.Fatalf("deregistered layer still contributed a vote")
	}
}

func TestWallpaperWeightsLowerThanNormal(t *testing.T) {
	h := NewHistory()
	h.Register(1, 1000, model.WindowTypeNormal)
	h.Register(2, 1000, model.WindowTypeWallpaper)
	h.SetVote(1, model.Min, 0, 0)
	h.SetVote(2, model.Min, 0, 0)

	summary := h.Summarize(0)
	var normalWeight, wallpaperWeight float64
	for i, v := range summary.Votes {
		if v.LayerID == 1 {
			normalWeight = summary.Weights[i]
		} else {
			wallpaperWeight = summary.Weights[i]
		}
	}
	if normalWeight <= wallpaperWeight {
		t.Fatalf("normal weight %v should exceed wallpaper weight %v", normalWeight, wallpaperWeight)
	}
}
