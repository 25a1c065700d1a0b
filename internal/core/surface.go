package core

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/e7canasta/orion-edge-viewer/internal/capture"
	"github.com/e7canasta/orion-edge-viewer/internal/render"
)

// SurfaceCreated binds the new capture surface and opens the camera.
// It runs on the render goroutine.
func (v *Viewer) SurfaceCreated(s *render.CaptureSurface) {
	v.captureMu.Lock()
	defer v.captureMu.Unlock()

	v.surface = s
	v.capture.SetTarget(s)
	if !v.captureWanted.Load() {
		slog.Info("capture stopped by control plane, surface left idle")
		return
	}
	if err := v.openCapture(); err != nil {
		slog.Error("failed to open capture", "error", err)
	}
}

// SurfaceDestroyed closes the camera before the surface goes away.
func (v *Viewer) SurfaceDestroyed() {
	v.captureMu.Lock()
	defer v.captureMu.Unlock()

	v.surface = nil
	if err := v.capture.Close(); err != nil {
		slog.Warn("capture close failed", "error", err)
	}
	v.capture.SetTarget(nil)
}

// openCapture opens the configured camera on the bound surface. A denied
// permission disables capture while the rest of the service keeps running.
// Callers hold captureMu.
func (v *Viewer) openCapture() error {
	v.mu.RLock()
	selector := v.cfg.Capture.Device
	v.mu.RUnlock()

	err := v.capture.Open(selector)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, capture.ErrPermissionDenied):
		slog.Warn("camera permission denied, capture disabled", "device", selector, "error", err)
		return err
	default:
		return fmt.Errorf("open capture: %w", err)
	}
}

// reportCaptureError receives errors that moved the session to StateError.
func (v *Viewer) reportCaptureError(err error) {
	slog.Error("capture session failed", "error", err, "action", "send restart_capture to retry")
}
