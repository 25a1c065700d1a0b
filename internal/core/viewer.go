// Package core wires capture, rendering, the snapshot server and the
// control plane into the edge viewer service.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-edge-viewer/internal/capture"
	"github.com/e7canasta/orion-edge-viewer/internal/config"
	"github.com/e7canasta/orion-edge-viewer/internal/control"
	"github.com/e7canasta/orion-edge-viewer/internal/effect"
	"github.com/e7canasta/orion-edge-viewer/internal/gpu"
	"github.com/e7canasta/orion-edge-viewer/internal/gpu/soft"
	"github.com/e7canasta/orion-edge-viewer/internal/logging"
	"github.com/e7canasta/orion-edge-viewer/internal/processor"
	"github.com/e7canasta/orion-edge-viewer/internal/render"
	"github.com/e7canasta/orion-edge-viewer/internal/server"
	"github.com/e7canasta/orion-edge-viewer/internal/shader"
	"github.com/e7canasta/orion-edge-viewer/internal/snapshot"
)

// Options supplies the collaborators the configuration cannot name.
type Options struct {
	// Manager is the camera driver (required)
	Manager capture.Manager
	// Authorizer checks camera access. Defaults to Manager when it
	// implements capture.Authorizer.
	Authorizer capture.Authorizer
	// NewDevice creates the rendering context (default: software device)
	NewDevice render.DeviceFactory
	// Processor runs on snapshots while processing is enabled (optional)
	Processor processor.Processor
	// Emitter enables the MQTT control plane (optional)
	Emitter Emitter
	// Logger receives log level changes from hot reload (optional)
	Logger *logging.Logger
	// ConfigPath enables hot reload of the configuration file (optional)
	ConfigPath string
	// ShaderOptions are passed to the shader builder (tests)
	ShaderOptions []shader.Option
}

// Viewer is the main service orchestrator
type Viewer struct {
	cfg  *config.Config
	opts Options

	// Core components
	effects   *effect.Selector
	cache     *snapshot.Cache
	publisher *render.Publisher
	pipeline  *render.Pipeline
	view      *render.View
	capture   *capture.Controller
	server    *server.Server
	control   *control.Handler

	// captureMu serializes surface binding with capture open/close so that
	// restart_capture never opens on a surface being destroyed
	captureMu sync.Mutex
	surface   *render.CaptureSurface
	// captureWanted is cleared by stop_capture; new surfaces only open the
	// camera while it is set
	captureWanted atomic.Bool
	mqttConnected atomic.Bool

	// Lifecycle management
	started   time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool
	ready     chan struct{}
	cancelCtx context.CancelFunc
}

// New creates a viewer from a validated configuration.
func New(cfg *config.Config, opts Options) (*Viewer, error) {
	if cfg == nil {
		return nil, errors.New("core: nil configuration")
	}
	if opts.Manager == nil {
		return nil, errors.New("core: no capture manager")
	}
	if opts.Authorizer == nil {
		if a, ok := opts.Manager.(capture.Authorizer); ok {
			opts.Authorizer = a
		}
	}
	if opts.NewDevice == nil {
		opts.NewDevice = func(int, int) (gpu.Device, error) { return soft.New(), nil }
	}

	initial, err := effect.Parse(cfg.Render.Effect)
	if err != nil {
		return nil, fmt.Errorf("core: %w", err)
	}
	mode, err := render.ParseRenderMode(cfg.Render.Mode)
	if err != nil {
		return nil, fmt.Errorf("core: %w", err)
	}

	v := &Viewer{
		cfg:     cfg,
		opts:    opts,
		effects: effect.NewSelector(initial),
		cache:   snapshot.New(),
		ready:   make(chan struct{}),
	}
	v.captureWanted.Store(true)

	v.publisher = render.NewPublisher(render.PublisherConfig{
		Cache:      v.cache,
		Processor:  opts.Processor,
		Processing: cfg.Processing.Enabled,
		Quality:    cfg.Render.JPEGQuality,
		MaxWidth:   cfg.Render.SnapshotMaxWidth,
		Every:      cfg.Render.PublishEvery,
		Interval:   cfg.Render.PublishInterval(),
	})
	v.pipeline = render.NewPipeline(render.Config{
		Effects:       v.effects,
		Publisher:     v.publisher,
		Listener:      v,
		BufferWidth:   cfg.Capture.Width,
		BufferHeight:  cfg.Capture.Height,
		ShaderOptions: opts.ShaderOptions,
	})
	v.view = render.NewView(render.ViewConfig{
		Pipeline:      v.pipeline,
		NewDevice:     opts.NewDevice,
		Width:         cfg.Capture.Width,
		Height:        cfg.Capture.Height,
		Mode:          mode,
		FPS:           cfg.Render.FPS,
		StatsInterval: cfg.Render.StatsInterval(),
	})
	v.capture = capture.NewController(capture.Config{
		Manager:    opts.Manager,
		Authorizer: opts.Authorizer,
		Reporter:   v.reportCaptureError,
	})
	v.server = server.New(server.Config{
		Port:            cfg.Server.Port,
		ViewerURL:       cfg.Server.ViewerURL,
		ShutdownTimeout: cfg.ShutdownTimeout(),
	}, v.cache)

	slog.Info("configuration loaded",
		"instance_id", cfg.InstanceID,
		"backend", cfg.Capture.Backend,
		"effect", initial.String(),
		"render_mode", mode.String(),
	)
	return v, nil
}

// Run starts the viewer service and blocks until ctx is cancelled or the
// render view exits.
//
// Start order: publisher, server, render view (whose surface opens the
// camera), control plane, hot reload, status loop.
func (v *Viewer) Run(ctx context.Context) error {
	v.mu.Lock()
	if v.isRunning {
		v.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	v.isRunning = true
	v.started = time.Now()
	ctx, cancel := context.WithCancel(ctx)
	v.cancelCtx = cancel
	v.mu.Unlock()
	defer cancel()

	slog.Info("edge viewer starting", "instance_id", v.cfg.InstanceID)

	if err := v.start(ctx); err != nil {
		v.teardown()
		v.mu.Lock()
		v.isRunning = false
		v.mu.Unlock()
		return err
	}
	close(v.ready)

	slog.Info("edge viewer running",
		"port", v.server.Port(),
		"control_plane", v.control != nil,
		"hot_reload", v.opts.ConfigPath != "",
	)

	select {
	case <-ctx.Done():
	case <-v.view.Done():
		slog.Warn("render view exited")
	}

	slog.Info("edge viewer run loop exiting")
	return nil
}

func (v *Viewer) start(ctx context.Context) error {
	if err := v.publisher.Start(); err != nil {
		return fmt.Errorf("failed to start publisher: %w", err)
	}
	if err := v.server.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	if err := v.view.Start(ctx); err != nil {
		return fmt.Errorf("failed to start render view: %w", err)
	}

	if e := v.opts.Emitter; e != nil {
		if err := e.Connect(ctx); err != nil {
			// snapshots keep serving without the control plane
			slog.Error("failed to connect mqtt, control plane disabled", "error", err)
		} else {
			v.mqttConnected.Store(true)
			if err := v.startControl(ctx); err != nil {
				slog.Error("failed to start control plane", "error", err)
			}
			if interval := v.cfg.MQTT.StatusInterval(); interval > 0 {
				v.wg.Add(1)
				go v.publishStatusLoop(ctx, interval)
			}
		}
	}

	if v.opts.ConfigPath != "" {
		w, err := config.NewWatcher(v.opts.ConfigPath, v.cfg, v.applyConfig)
		if err != nil {
			slog.Warn("config hot reload disabled", "error", err)
		} else {
			v.wg.Add(1)
			go func() {
				defer v.wg.Done()
				if err := w.Run(ctx); err != nil {
					slog.Warn("config watcher stopped", "error", err)
				}
			}()
		}
	}
	return nil
}

func (v *Viewer) startControl(ctx context.Context) error {
	h := control.NewHandler(v.opts.Emitter, control.Topics{
		Control: v.cfg.MQTT.Topics.Control,
		Status:  v.cfg.MQTT.Topics.Status,
	}, v.cfg.MQTT.QoS, control.CommandCallbacks{
		OnGetStatus:         v.GetStatus,
		OnSetEffect:         v.setEffect,
		OnCycleEffect:       v.cycleEffect,
		OnEnableProcessing:  v.enableProcessing,
		OnDisableProcessing: v.disableProcessing,
		OnRestartCapture:    v.restartCapture,
		OnStopCapture:       v.stopCapture,
	})
	if err := h.Start(ctx); err != nil {
		return err
	}
	v.mu.Lock()
	v.control = h
	v.mu.Unlock()
	return nil
}

// Ready is closed once every component has started.
func (v *Viewer) Ready() <-chan struct{} {
	return v.ready
}

// Shutdown performs graceful shutdown of all components
func (v *Viewer) Shutdown(ctx context.Context) error {
	v.mu.Lock()
	if !v.isRunning {
		v.mu.Unlock()
		return nil
	}
	v.isRunning = false
	if v.cancelCtx != nil {
		v.cancelCtx()
	}
	v.mu.Unlock()

	slog.Info("shutting down edge viewer")

	done := make(chan error, 1)
	go func() { done <- v.teardown() }()

	select {
	case err := <-done:
		slog.Info("edge viewer shutdown complete", "uptime", time.Since(v.started))
		return err
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

// teardown stops every component. Order matters:
//  1. Control plane (no more commands)
//  2. Render view (destroying the surface closes the camera)
//  3. Capture controller callback goroutine
//  4. Publisher (no more read-backs arrive)
//  5. Server (in-flight requests finish)
//  6. Background goroutines, then MQTT
func (v *Viewer) teardown() error {
	var errs []error

	v.mu.RLock()
	h := v.control
	v.mu.RUnlock()
	if h != nil {
		slog.Info("stopping control handler")
		if err := h.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("control: %w", err))
		}
	}

	slog.Info("stopping render view")
	v.view.Stop()

	slog.Info("stopping capture")
	if err := v.capture.Shutdown(); err != nil {
		errs = append(errs, err)
	}

	v.publisher.Stop()

	slog.Info("stopping snapshot server")
	if err := v.server.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("server: %w", err))
	}

	v.wg.Wait()

	if v.opts.Emitter != nil && v.mqttConnected.Load() {
		if err := v.opts.Emitter.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("mqtt: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (v *Viewer) ShutdownTimeout() time.Duration {
	return v.cfg.ShutdownTimeout()
}

// Port returns the snapshot server port.
func (v *Viewer) Port() int {
	return v.server.Port()
}
