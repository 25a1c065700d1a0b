package core

import (
	"errors"
	"log/slog"

	"github.com/e7canasta/orion-edge-viewer/internal/config"
	"github.com/e7canasta/orion-edge-viewer/internal/effect"
)

// setEffect applies an effect by name
func (v *Viewer) setEffect(name string) (string, error) {
	e, err := effect.Parse(name)
	if err != nil {
		return "", err
	}
	if err := v.pipeline.SetEffect(e); err != nil {
		return "", err
	}
	return e.String(), nil
}

// cycleEffect selects the next usable effect (the viewer's shader button)
func (v *Viewer) cycleEffect() (string, error) {
	e, err := v.pipeline.CycleEffect()
	if err != nil {
		return "", err
	}
	return e.String(), nil
}

func (v *Viewer) enableProcessing() error {
	return v.setProcessing(true)
}

func (v *Viewer) disableProcessing() error {
	return v.setProcessing(false)
}

func (v *Viewer) setProcessing(enabled bool) error {
	if enabled && v.opts.Processor == nil {
		return errors.New("no frame processor configured")
	}
	if prev := v.publisher.SetProcessing(enabled); prev != enabled {
		slog.Info("frame processing toggled", "enabled", enabled)
	}
	return nil
}

// restartCapture closes the camera session and opens it again on the
// current surface.
func (v *Viewer) restartCapture() error {
	v.captureMu.Lock()
	defer v.captureMu.Unlock()

	if v.surface == nil || v.surface.Released() {
		return errors.New("no render surface (view paused or stopped)")
	}
	v.captureWanted.Store(true)
	if err := v.capture.Close(); err != nil {
		slog.Warn("capture close failed during restart", "error", err)
	}
	slog.Info("restarting capture")
	return v.openCapture()
}

// stopCapture closes the camera and keeps it closed across surface changes
// until restart_capture.
func (v *Viewer) stopCapture() error {
	v.captureMu.Lock()
	defer v.captureMu.Unlock()

	v.captureWanted.Store(false)
	if err := v.capture.Close(); err != nil {
		return err
	}
	slog.Info("capture stopped via control plane")
	return nil
}

// applyConfig applies hot-reloaded settings that can change live
func (v *Viewer) applyConfig(old, cur *config.Config) {
	if cur.Render.Effect != old.Render.Effect {
		if _, err := v.setEffect(cur.Render.Effect); err != nil {
			slog.Error("config effect not applied", "effect", cur.Render.Effect, "error", err)
		}
	}
	if cur.Processing.Enabled != old.Processing.Enabled {
		if err := v.setProcessing(cur.Processing.Enabled); err != nil {
			slog.Error("config processing toggle not applied", "error", err)
		}
	}
	if cur.Log.Level != old.Log.Level && v.opts.Logger != nil {
		if err := v.opts.Logger.SetLevel(cur.Log.Level); err != nil {
			slog.Error("config log level not applied", "error", err)
		}
	}

	v.mu.Lock()
	v.cfg.Render.Effect = cur.Render.Effect
	v.cfg.Processing.Enabled = cur.Processing.Enabled
	v.cfg.Log.Level = cur.Log.Level
	v.mu.Unlock()

	slog.Info("config update applied", "effect", v.pipeline.Effect().String(), "processing", v.publisher.Processing())
}
