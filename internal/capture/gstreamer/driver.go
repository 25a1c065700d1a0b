// Package gstreamer is the V4L2 camera driver built on GStreamer.
//
// Opening a device builds the pipeline and brings it to READY (v4l2src
// opens the device node there). Configuring a session locks the output
// caps to the target's buffer size and prerolls to PAUSED. The repeating
// request moves the pipeline to PLAYING; frames are pulled from the appsink
// on GStreamer's streaming thread and delivered to the target.
//
// Bus errors end the session: a vanished device is reported as a
// disconnect, anything else as a device error. There is no reconnection.
package gstreamer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-edge-viewer/internal/capture"
)

// Config configures the driver.
type Config struct {
	// Devices overrides enumeration of /dev/video*.
	Devices []string
	// FPS caps the output frame rate; 0 keeps the camera's rate.
	FPS int
}

// Manager implements capture.Manager.
type Manager struct {
	cfg Config
}

// New returns a GStreamer camera driver.
func New(cfg Config) *Manager {
	return &Manager{cfg: cfg}
}

// Devices lists the configured devices or the /dev/video* nodes.
func (m *Manager) Devices() ([]string, error) {
	if len(m.cfg.Devices) > 0 {
		return append([]string(nil), m.cfg.Devices...), nil
	}
	nodes, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil, err
	}
	sort.Strings(nodes)
	return nodes, nil
}

// Authorize checks that the device node can be opened for reading and writing.
func (m *Manager) Authorize(id string) error {
	f, err := os.OpenFile(id, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return fmt.Errorf("%w: %v", capture.ErrPermissionDenied, err)
		}
		return err
	}
	return f.Close()
}

// OpenDevice implements capture.Manager.
func (m *Manager) OpenDevice(id string, cb capture.DeviceCallbacks, exec capture.Executor) error {
	d := &device{id: id, fps: m.cfg.FPS, exec: exec, cb: cb}

	go func() {
		el, err := createPipeline(pipelineConfig{Device: id, Width: 1280, Height: 720, FPS: m.cfg.FPS})
		if err == nil {
			err = el.Pipeline.SetState(gst.StateReady)
		}
		if err != nil {
			_ = destroyPipeline(el)
			exec(func() { cb.OnError(d, fmt.Errorf("gstreamer: open %s: %w", id, err)) })
			return
		}

		d.mu.Lock()
		d.el = el
		d.mu.Unlock()

		ctx, cancel := context.WithCancel(context.Background())
		d.cancel = cancel
		d.wg.Add(1)
		go d.monitorBus(ctx)

		exec(func() { cb.OnOpened(d) })
	}()
	return nil
}

type device struct {
	id   string
	fps  int
	exec capture.Executor
	cb   capture.DeviceCallbacks

	mu     sync.Mutex
	el     *pipelineElements
	closed bool

	cancel context.CancelFunc
	wg     sync.WaitGroup

	seq       atomic.Uint64
	bytesRead atomic.Uint64
	streaming atomic.Bool
}

func (d *device) ID() string { return d.id }

func (d *device) CreateSession(t capture.Target, cb capture.SessionCallbacks) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.el == nil {
		return errors.New("gstreamer: device closed")
	}

	w, h := t.BufferSize()
	setOutputSize(d.el, w, h, d.fps)

	sctx := &sampleContext{
		target:    t,
		width:     w,
		height:    h,
		seq:       &d.seq,
		bytesRead: &d.bytesRead,
		streaming: &d.streaming,
	}
	d.el.AppSink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return onNewSample(sink, sctx)
		},
	})

	s := &session{dev: d}
	pipeline := d.el.Pipeline
	go func() {
		if err := pipeline.SetState(gst.StatePaused); err != nil {
			d.exec(func() { cb.OnConfigureFailed(s, fmt.Errorf("gstreamer: preroll: %w", err)) })
			return
		}
		slog.Info("gstreamer: session configured", "device", d.id, "width", w, "height", h)
		d.exec(func() { cb.OnConfigured(s) })
	}()
	return nil
}

func (d *device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	el := d.el
	d.mu.Unlock()

	d.streaming.Store(false)
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()

	err := destroyPipeline(el)
	slog.Info("gstreamer: device closed",
		"device", d.id,
		"frames", d.seq.Load(),
		"bytes_read", d.bytesRead.Load(),
	)
	return err
}

// monitorBus watches the pipeline bus until ctx is cancelled or the
// pipeline fails.
func (d *device) monitorBus(ctx context.Context) {
	defer d.wg.Done()

	d.mu.Lock()
	pipeline := d.el.Pipeline
	d.mu.Unlock()
	bus := pipeline.GetPipelineBus()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Warn("gstreamer: end of stream", "device", d.id)
			d.exec(func() { d.cb.OnDisconnected(d) })
			return

		case gst.MessageError:
			gerr := msg.ParseError()
			category := classify(gerr.Error(), gerr.DebugString())
			slog.Error("gstreamer: pipeline error",
				"device", d.id,
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
			)
			if category == categoryDevice {
				d.exec(func() { d.cb.OnDisconnected(d) })
			} else {
				err := fmt.Errorf("gstreamer [%s]: %s", category, gerr.Error())
				d.exec(func() { d.cb.OnError(d, err) })
			}
			return

		case gst.MessageStateChanged:
			if msg.Source() == pipeline.GetName() {
				old, cur := msg.ParseStateChanged()
				slog.Debug("gstreamer: pipeline state changed", "device", d.id, "from", old, "to", cur)
			}
		}
	}
}

type session struct {
	dev    *device
	closed atomic.Bool
}

func (s *session) SetRepeatingRequest(r capture.Request) error {
	if s.closed.Load() {
		return errors.New("gstreamer: session closed")
	}
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	if s.dev.closed {
		return errors.New("gstreamer: device closed")
	}

	// v4l2 exposes focus and exposure as device controls; UVC cameras
	// default to continuous autofocus and auto exposure.
	slog.Debug("gstreamer: repeating request",
		"device", s.dev.id,
		"auto_focus", r.AutoFocus.String(),
		"auto_exposure", r.AutoExposure.String(),
	)
	s.dev.streaming.Store(true)
	if err := s.dev.el.Pipeline.SetState(gst.StatePlaying); err != nil {
		s.dev.streaming.Store(false)
		return fmt.Errorf("gstreamer: play: %w", err)
	}
	return nil
}

func (s *session) StopRepeating() error {
	s.dev.streaming.Store(false)
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	if s.dev.closed || s.dev.el == nil {
		return nil
	}
	if err := s.dev.el.Pipeline.SetState(gst.StatePaused); err != nil {
		return fmt.Errorf("gstreamer: pause: %w", err)
	}
	return nil
}

func (s *session) Close() error {
	s.closed.Store(true)
	s.dev.streaming.Store(false)
	return nil
}

// errorCategory classifies bus errors for logging and reporting.
type errorCategory int

const (
	categoryDevice errorCategory = iota
	categoryFormat
	categoryPermission
	categoryUnknown
)

func (c errorCategory) String() string {
	switch c {
	case categoryDevice:
		return "device"
	case categoryFormat:
		return "format"
	case categoryPermission:
		return "permission"
	default:
		return "unknown"
	}
}

// classify uses message heuristics; go-gst's GError does not expose the
// error domain.
func classify(msg, debug string) errorCategory {
	text := strings.ToLower(msg + " " + debug)
	switch {
	case containsAny(text, "permission denied", "not authorized"):
		return categoryPermission
	case containsAny(text, "no such device", "device is gone", "could not read from resource", "cannot identify device"):
		return categoryDevice
	case containsAny(text, "not-negotiated", "not negotiated", "format", "caps"):
		return categoryFormat
	default:
		return categoryUnknown
	}
}

func containsAny(s string, keywords ...string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
