// Command dispsyncd wires a scheduler.Scheduler to a synthetic hardware
// abstraction layer that free-runs at a fixed rate, for manual exercising
// of the façade outside of its test suite.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/Evolution404/dispsync/eventthread"
	"github.com/Evolution404/dispsync/mclock"
	"github.com/Evolution404/dispsync/model"
	"github.com/Evolution404/dispsync/scheduler"
)

// syntheticHAL stands in for a real display HAL: it owns the only mode
// table the demo knows about and just echoes getModeFromFps against it.
type syntheticHAL struct {
	logger *slog.Logger
	modes  map[model.Fps]model.DisplayMode
}

func (h *syntheticHAL) SetVsyncEnabled(enabled bool) {
	h.logger.Info("setVsyncEnabled", "enabled", enabled)
}

func (h *syntheticHAL) ChangeRefreshRate(mode model.DisplayMode, event scheduler.RefreshRateEvent) {
	h.logger.Info("changeRefreshRate", "modeId", mode.ID, "fps", mode.Fps, "event", event)
}

func (h *syntheticHAL) RepaintEverythingForHWC() {
	h.logger.Info("repaintEverythingForHWC")
}

func (h *syntheticHAL) KernelTimerChanged(expired bool) {
	h.logger.Info("kernelTimerChanged", "expired", expired)
}

func (h *syntheticHAL) GetModeFromFps(fps model.Fps) (model.DisplayMode, bool) {
	m, ok := h.modes[fps]
	return m, ok
}

func (h *syntheticHAL) TriggerOnFrameRateOverridesChanged() {
	h.logger.Info("onFrameRateOverridesChanged")
}

// demoConnection logs every vsync it receives; real callers would instead
// drive a compositor's repaint loop.
type demoConnection struct {
	logger *slog.Logger
	name   string
}

func (c *demoConnection) OnVSync(data eventthread.VSyncData) {
	c.logger.Debug("vsync", "conn", c.name, "ts", data.TimestampNs)
}
func (c *demoConnection) OnModeChanged(mode model.DisplayMode) {
	c.logger.Info("modeChanged", "conn", c.name, "fps", mode.Fps)
}
func (c *demoConnection) OnHotplug(connected bool) {
	c.logger.Info("hotplug", "conn", c.name, "connected", connected)
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	modes := []model.DisplayMode{
		{ID: 1, Fps: 60, VsyncPeriodNs: 16_666_667},
		{ID: 2, Fps: 90, VsyncPeriodNs: 11_111_111},
		{ID: 3, Fps: 120, VsyncPeriodNs: 8_333_333},
	}
	byFps := make(map[model.Fps]model.DisplayMode, len(modes))
	for _, m := range modes {
		byFps[m.Fps] = m
	}
	hal := &syntheticHAL{logger: logger, modes: byFps}

	cfg := scheduler.Config{
		SupportKernelTimer:  true,
		UseContentDetection: true,
		IdleTimerMs:         1000,
		TouchTimerMs:        200,
		DisplayPowerTimerMs: 5000,
	}

	s := scheduler.New(cfg, mclock.System{}, hal, modes, 1, logger)
	defer s.Stop()

	conn := &demoConnection{logger: logger, name: "demo"}
	handle := s.CreateConnection("demo", 0, 0, 0, conn)
	s.CreateDisplayEventConnection(handle, true)

	s.ResyncToHardwareVsync(true, modes[0].VsyncPeriodNs, true)

	s.RegisterLayer(1, 1000, model.WindowTypeNormal)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	ticker := time.NewTicker(16 * time.Millisecond)
	defer ticker.Stop()

	var frame int64
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return
		case now := <-ticker.C:
			frame++
			s.RecordLayerHistory(1, now.UnixNano(), model.NoVote, 0, false)
			s.ChooseRefreshRateForContent()
		}
	}
}
