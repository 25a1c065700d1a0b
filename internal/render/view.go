package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/e7canasta/orion-edge-viewer/internal/gpu"
)

// RenderMode selects when the view draws.
type RenderMode int

const (
	// RenderContinuously draws at the target frame rate
	RenderContinuously RenderMode = iota
	// RenderWhenDirty draws when a camera frame arrives or RequestRender is called
	RenderWhenDirty
)

func (m RenderMode) String() string {
	switch m {
	case RenderContinuously:
		return "continuous"
	case RenderWhenDirty:
		return "when_dirty"
	default:
		return fmt.Sprintf("RenderMode(%d)", int(m))
	}
}

// ParseRenderMode accepts "continuous" or "when_dirty".
func ParseRenderMode(s string) (RenderMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "continuous", "continuously":
		return RenderContinuously, nil
	case "when_dirty", "whendirty", "dirty":
		return RenderWhenDirty, nil
	}
	return RenderContinuously, fmt.Errorf("render: unknown render mode %q", s)
}

// DeviceFactory creates the rendering context for a surface of the given size.
type DeviceFactory func(width, height int) (gpu.Device, error)

// ViewConfig configures a View.
type ViewConfig struct {
	Pipeline  *Pipeline
	NewDevice DeviceFactory
	// Width and Height are the surface size (default 1280x720)
	Width  int
	Height int
	Mode   RenderMode
	// FPS is the continuous-mode target rate (default 30)
	FPS int
	// StatsInterval logs FPS statistics periodically (0 = never)
	StatsInterval time.Duration
}

type viewCmd struct {
	pause bool
	done  chan error
}

// View owns the render goroutine and the surface lifecycle of a Pipeline.
//
// Lifecycle:
//
//	Start -> surface created -> draw loop
//	Pause -> surface destroyed (loop idles)
//	Resume -> surface created again
//	Stop or ctx done -> surface destroyed, goroutine exits
type View struct {
	cfg ViewConfig

	cmds  chan viewCmd
	dirty chan struct{}
	quit  chan struct{}
	done  chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool

	// render goroutine only
	dev     gpu.Device
	paused  bool
	lastErr string
}

// NewView returns a stopped view.
func NewView(cfg ViewConfig) *View {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = DefaultBufferWidth, DefaultBufferHeight
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	return &View{
		cfg:   cfg,
		cmds:  make(chan viewCmd),
		dirty: make(chan struct{}, 1),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start creates the surface and launches the render goroutine. It returns
// the surface creation error, in which case no goroutine is left running.
func (v *View) Start(ctx context.Context) error {
	if v.cfg.Pipeline == nil || v.cfg.NewDevice == nil {
		return errors.New("render: view needs a pipeline and a device factory")
	}
	err := errors.New("render: view already started")
	v.startOnce.Do(func() {
		ready := make(chan error, 1)
		go v.run(ctx, ready)
		err = <-ready
		v.started = err == nil
	})
	return err
}

// Stop destroys the surface and waits for the render goroutine to exit.
func (v *View) Stop() {
	v.stopOnce.Do(func() { close(v.quit) })
	if v.started {
		<-v.done
	}
}

// Done is closed when the render goroutine exits.
func (v *View) Done() <-chan struct{} {
	return v.done
}

// Pause destroys the surface. Drawing stops until Resume.
func (v *View) Pause() error {
	return v.send(true)
}

// Resume recreates the surface after Pause.
func (v *View) Resume() error {
	return v.send(false)
}

func (v *View) send(pause bool) error {
	c := viewCmd{pause: pause, done: make(chan error, 1)}
	select {
	case v.cmds <- c:
		return <-c.done
	case <-v.done:
		return errors.New("render: view stopped")
	}
}

// RequestRender schedules a draw in when_dirty mode.
func (v *View) RequestRender() {
	select {
	case v.dirty <- struct{}{}:
	default:
	}
}

func (v *View) run(ctx context.Context, ready chan<- error) {
	defer close(v.done)

	if err := v.create(); err != nil {
		ready <- err
		return
	}
	ready <- nil
	defer v.destroy()

	var tick <-chan time.Time
	if v.cfg.Mode == RenderContinuously {
		t := time.NewTicker(time.Second / time.Duration(v.cfg.FPS))
		defer t.Stop()
		tick = t.C
	}
	var stats <-chan time.Time
	if v.cfg.StatsInterval > 0 {
		t := time.NewTicker(v.cfg.StatsInterval)
		defer t.Stop()
		stats = t.C
	}

	slog.Info("render: view started", "mode", v.cfg.Mode.String(), "fps", v.cfg.FPS,
		"width", v.cfg.Width, "height", v.cfg.Height)

	for {
		var frameReady <-chan struct{}
		if v.cfg.Mode == RenderWhenDirty && !v.paused {
			if s := v.cfg.Pipeline.Surface(); s != nil {
				frameReady = s.Available()
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-v.quit:
			return
		case c := <-v.cmds:
			c.done <- v.handle(c)
		case <-tick:
			v.draw()
		case <-frameReady:
			v.draw()
		case <-v.dirty:
			v.draw()
		case <-stats:
			v.logStats()
		}
	}
}

func (v *View) handle(c viewCmd) error {
	switch {
	case c.pause && !v.paused:
		v.destroy()
		v.paused = true
		slog.Info("render: view paused")
	case !c.pause && v.paused:
		if err := v.create(); err != nil {
			return err
		}
		v.paused = false
		slog.Info("render: view resumed")
	}
	return nil
}

func (v *View) create() error {
	dev, err := v.cfg.NewDevice(v.cfg.Width, v.cfg.Height)
	if err != nil {
		return fmt.Errorf("render: create device: %w", err)
	}
	if err := v.cfg.Pipeline.OnSurfaceCreated(dev); err != nil {
		dev.Release()
		return err
	}
	v.cfg.Pipeline.OnSurfaceChanged(v.cfg.Width, v.cfg.Height)
	v.dev = dev
	v.lastErr = ""
	return nil
}

func (v *View) destroy() {
	if v.dev == nil {
		return
	}
	v.cfg.Pipeline.OnSurfaceDestroyed()
	v.dev.Release()
	v.dev = nil
}

func (v *View) draw() {
	if v.paused {
		return
	}
	err := v.cfg.Pipeline.DrawFrame()
	switch {
	case err == nil:
		v.lastErr = ""
	case errors.Is(err, ErrDrawSkipped):
		// logged once per effect change by the pipeline
	default:
		if msg := err.Error(); msg != v.lastErr {
			slog.Warn("render: draw failed", "error", err)
			v.lastErr = msg
		}
	}
}

func (v *View) logStats() {
	s := v.cfg.Pipeline.FPS()
	slog.Info("render: fps",
		"mean", s.Mean,
		"stddev", s.StdDev,
		"min", s.Min,
		"max", s.Max,
		"stable", s.IsStable,
	)
}
