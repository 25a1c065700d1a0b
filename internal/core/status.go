package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// GetStatus returns the current status of the service
func (v *Viewer) GetStatus() map[string]any {
	v.mu.RLock()
	running, started := v.isRunning, v.started
	instanceID := v.cfg.InstanceID
	v.mu.RUnlock()

	var uptime float64
	if running {
		uptime = time.Since(started).Seconds()
	}

	unavailable := []string{}
	for _, e := range v.pipeline.Unavailable() {
		unavailable = append(unavailable, e.String())
	}

	cs := v.capture.Stats()
	rs := v.pipeline.Stats()
	ps := v.publisher.Stats()
	ss := v.cache.Stats()

	return map[string]any{
		"instance_id":         instanceID,
		"running":             running,
		"uptime_s":            uptime,
		"effect":              v.pipeline.Effect().String(),
		"unavailable_effects": unavailable,
		"processing_enabled":  ps.Processing,
		"capture": map[string]any{
			"state":      cs.State,
			"device":     cs.DeviceID,
			"wanted":     v.captureWanted.Load(),
			"opens":      cs.Opens,
			"failures":   cs.Failures,
			"closes":     cs.Closes,
			"last_error": cs.LastError,
		},
		"render": map[string]any{
			"surfaces":   rs.Surfaces,
			"frames":     rs.Frames,
			"skipped":    rs.Skipped,
			"bad_frames": rs.BadFrames,
			"read_backs": rs.ReadBacks,
			"fps":        v.pipeline.FPS(),
		},
		"publisher": map[string]any{
			"published":        ps.Published,
			"dropped":          ps.Dropped,
			"process_failures": ps.ProcessFailures,
			"encode_failures":  ps.EncodeFailures,
		},
		"snapshot": map[string]any{
			"has_frame":  v.cache.HasFrame(),
			"publishes":  ss.Publishes,
			"overwrites": ss.Overwrites,
			"reads":      ss.Reads,
		},
		"server": map[string]any{
			"port":    v.server.Port(),
			"running": v.server.Running(),
		},
	}
}

// publishStatusLoop publishes GetStatus periodically
func (v *Viewer) publishStatusLoop(ctx context.Context, interval time.Duration) {
	defer v.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, err := encodeStatus(v.cfg.MQTT.StatusFormat, v.GetStatus())
			if err != nil {
				slog.Error("failed to marshal status", "error", err)
				continue
			}
			if err := v.opts.Emitter.PublishStatus(payload); err != nil {
				slog.Warn("failed to publish status", "error", err)
			}
		}
	}
}

// encodeStatus marshals a status map for the status topic. Control
// responses stay JSON regardless of format.
func encodeStatus(format string, status map[string]any) ([]byte, error) {
	switch format {
	case "", "json":
		return json.Marshal(status)
	case "msgpack":
		return msgpack.Marshal(status)
	default:
		return nil, fmt.Errorf("unknown status format %q", format)
	}
}
