// Package render binds camera frames to an external texture, draws them
// through the active effect program and hands read-backs to the snapshot
// publisher.
//
// Threading model:
//   - OnSurfaceCreated, OnSurfaceChanged, OnSurfaceDestroyed and DrawFrame
//     run on the render goroutine (see View), the only goroutine that
//     touches the gpu.Device
//   - SetEffect, CycleEffect, Surface, FPS and Stats are safe from any
//     goroutine
package render

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-edge-viewer/internal/effect"
	"github.com/e7canasta/orion-edge-viewer/internal/gpu"
	"github.com/e7canasta/orion-edge-viewer/internal/shader"
)

var (
	// ErrNoSurface is returned by DrawFrame before OnSurfaceCreated or after
	// OnSurfaceDestroyed.
	ErrNoSurface = errors.New("render: no surface")
	// ErrDrawSkipped is returned by DrawFrame when the active effect has no
	// usable program. The frame is cleared but not drawn.
	ErrDrawSkipped = errors.New("render: draw skipped")
)

// Full-screen quad, triangle strip order. Texture coordinates are flipped
// vertically so the camera image appears upright.
var (
	quadPositions = []float32{
		-1, -1,
		1, -1,
		-1, 1,
		1, 1,
	}
	quadTexCoords = []float32{
		0, 1,
		1, 1,
		0, 0,
		1, 0,
	}
)

// SurfaceListener is notified when the capture surface is replaced.
// Both methods are called on the render goroutine.
type SurfaceListener interface {
	SurfaceCreated(s *CaptureSurface)
	SurfaceDestroyed()
}

// Config configures a Pipeline.
type Config struct {
	// Effects is the process-wide selection (required)
	Effects *effect.Selector
	// Publisher receives read-backs (optional)
	Publisher *Publisher
	// Listener is told about capture surface changes (optional)
	Listener SurfaceListener
	// BufferWidth and BufferHeight are the camera buffer size (default 1280x720)
	BufferWidth  int
	BufferHeight int
	// ShaderOptions are passed to shader.Build
	ShaderOptions []shader.Option
	// ClearColor fills the framebuffer before each draw (default opaque black)
	ClearColor gpu.Color
	// FPSWindow is the number of frames the FPS meter keeps (default 120)
	FPSWindow int
}

// Stats contains Pipeline counters.
type Stats struct {
	Surfaces  uint64
	Frames    uint64
	Uploads   uint64
	BadFrames uint64
	Skipped   uint64
	ReadBacks uint64
	Effect    string
}

// Pipeline is the per-frame renderer.
type Pipeline struct {
	cfg     Config
	effects *effect.Selector
	fps     *FPSMeter

	// render goroutine only
	dev      gpu.Device
	programs *shader.Set
	texture  gpu.Texture
	hasFrame bool
	bound    *shader.Program
	bindings shader.Bindings
	bindErr  error
	// boundVariant is the variant bound (or attempted) last; -1 forces a rebind
	boundVariant effect.Variant
	reported     bool

	surface     atomic.Pointer[CaptureSurface]
	unavailable atomic.Pointer[map[effect.Variant]error]

	surfaces  atomic.Uint64
	frames    atomic.Uint64
	uploads   atomic.Uint64
	badFrames atomic.Uint64
	skipped   atomic.Uint64
	readBacks atomic.Uint64
}

// NewPipeline returns a pipeline without a surface.
func NewPipeline(cfg Config) *Pipeline {
	if cfg.Effects == nil {
		cfg.Effects = effect.NewSelector(effect.Normal)
	}
	if cfg.BufferWidth <= 0 || cfg.BufferHeight <= 0 {
		cfg.BufferWidth, cfg.BufferHeight = DefaultBufferWidth, DefaultBufferHeight
	}
	if cfg.ClearColor == (gpu.Color{}) {
		cfg.ClearColor = gpu.Color{0, 0, 0, 1}
	}
	if cfg.FPSWindow <= 0 {
		cfg.FPSWindow = 120
	}
	return &Pipeline{
		cfg:          cfg,
		effects:      cfg.Effects,
		fps:          NewFPSMeter(cfg.FPSWindow),
		boundVariant: -1,
	}
}

// OnSurfaceCreated builds the programs, the external texture and a new
// capture surface on dev. Objects of a previous surface are released first.
func (p *Pipeline) OnSurfaceCreated(dev gpu.Device) error {
	if p.dev != nil {
		p.OnSurfaceDestroyed()
	}

	programs := shader.Build(dev, p.cfg.ShaderOptions...)
	failures := programs.Failures()
	p.unavailable.Store(&failures)

	tex, err := dev.CreateExternalTexture()
	if err != nil {
		programs.Release()
		return fmt.Errorf("render: create texture: %w", err)
	}

	p.dev = dev
	p.programs = programs
	p.texture = tex
	p.hasFrame = false
	p.unbind()

	surf := NewCaptureSurface(p.cfg.BufferWidth, p.cfg.BufferHeight)
	p.surface.Store(surf)
	p.surfaces.Add(1)

	slog.Info("render: surface created",
		"buffer_width", p.cfg.BufferWidth,
		"buffer_height", p.cfg.BufferHeight,
		"unavailable_effects", len(failures),
	)

	if p.cfg.Listener != nil {
		p.cfg.Listener.SurfaceCreated(surf)
	}
	return nil
}

// OnSurfaceChanged sets the viewport.
func (p *Pipeline) OnSurfaceChanged(width, height int) {
	if p.dev == nil {
		return
	}
	p.dev.Viewport(width, height)
	slog.Debug("render: surface changed", "width", width, "height", height)
}

// OnSurfaceDestroyed releases the programs, the texture and the capture
// surface. The device itself belongs to the caller.
func (p *Pipeline) OnSurfaceDestroyed() {
	if p.dev == nil {
		return
	}
	surf := p.surface.Swap(nil)
	// the listener closes the camera before the surface goes away
	if p.cfg.Listener != nil {
		p.cfg.Listener.SurfaceDestroyed()
	}
	if surf != nil {
		surf.Release()
	}

	p.programs.Release()
	p.dev.DeleteTexture(p.texture)
	p.dev = nil
	p.programs = nil
	p.texture = 0
	p.hasFrame = false
	p.unbind()
	empty := map[effect.Variant]error{}
	p.unavailable.Store(&empty)

	slog.Info("render: surface destroyed")
}

func (p *Pipeline) unbind() {
	p.bound = nil
	p.bindings = shader.Bindings{}
	p.bindErr = nil
	p.boundVariant = -1
	p.reported = false
}

// bind resolves the program of v. Resolution failures leave the variant
// unusable until the next change.
func (p *Pipeline) bind(v effect.Variant) {
	p.boundVariant = v
	p.reported = false
	p.bound = nil

	prog, err := p.programs.Program(v)
	if err != nil {
		p.bindErr = err
		return
	}
	b, err := prog.Resolve(p.dev)
	if err != nil {
		p.bindErr = fmt.Errorf("%w: %v", shader.ErrProgramUnavailable, err)
		return
	}
	p.bound = prog
	p.bindings = b
	p.bindErr = nil
}

// DrawFrame consumes the latest camera frame, draws it with the active
// effect and offers a read-back when the publisher asks for one.
func (p *Pipeline) DrawFrame() error {
	if p.dev == nil {
		return ErrNoSurface
	}
	start := time.Now()

	if surf := p.surface.Load(); surf != nil {
		if f, ok := surf.Update(); ok {
			img, valid := frameImage(f)
			if !valid {
				p.badFrames.Add(1)
			} else if err := p.dev.UpdateTexture(p.texture, img); err != nil {
				return fmt.Errorf("render: upload frame %d: %w", f.Seq, err)
			} else {
				p.hasFrame = true
				p.uploads.Add(1)
			}
		}
	}

	v := p.effects.Load()
	if v != p.boundVariant {
		p.bind(v)
	}

	if err := p.dev.Clear(p.cfg.ClearColor); err != nil {
		return fmt.Errorf("render: clear: %w", err)
	}

	if p.bindErr != nil {
		if !p.reported {
			slog.Error("render: effect unavailable, skipping draw", "effect", v.String(), "error", p.bindErr)
			p.reported = true
		}
		p.skipped.Add(1)
		return fmt.Errorf("%w: %w", ErrDrawSkipped, p.bindErr)
	}
	if !p.hasFrame {
		return nil
	}

	err := p.dev.DrawTriangleStrip(gpu.DrawCall{
		Program:         p.bound.Handle,
		Position:        gpu.VertexAttrib{Location: p.bindings.Position, Size: 2, Data: quadPositions},
		TexCoord:        gpu.VertexAttrib{Location: p.bindings.TexCoord, Size: 2, Data: quadTexCoords},
		MVPLocation:     p.bindings.MVP,
		MVP:             gpu.Identity(),
		SamplerLocation: p.bindings.Texture,
		TextureUnit:     0,
		Texture:         p.texture,
		Count:           4,
	})
	if err != nil {
		return fmt.Errorf("render: draw %v: %w", v, err)
	}

	now := time.Now()
	p.frames.Add(1)
	p.fps.Tick(now)

	pub := p.cfg.Publisher
	if pub == nil || !pub.Due(now) {
		return nil
	}
	img, err := p.dev.ReadPixels()
	if err != nil {
		return fmt.Errorf("render: read back: %w", err)
	}
	p.readBacks.Add(1)
	pub.Offer(Readback{
		Image:      img,
		Timestamp:  now,
		Effect:     v,
		RenderTime: time.Since(start),
	})
	return nil
}

// SetEffect makes v the active effect. Variants whose program failed to
// build on the current surface are rejected with shader.ErrProgramUnavailable
// and the selection is left unchanged.
func (p *Pipeline) SetEffect(v effect.Variant) error {
	if !v.Valid() {
		return fmt.Errorf("render: invalid effect %d", int32(v))
	}
	if err := p.unavailableErr(v); err != nil {
		return err
	}
	prev := p.effects.Store(v)
	if prev != v {
		slog.Info("render: effect changed", "from", prev.String(), "to", v.String())
	}
	return nil
}

// CycleEffect selects the next usable effect in cycling order and returns it.
func (p *Pipeline) CycleEffect() (effect.Variant, error) {
	v := p.effects.Load()
	for range effect.All() {
		v = v.Next()
		if p.unavailableErr(v) == nil {
			return v, p.SetEffect(v)
		}
	}
	return p.effects.Load(), fmt.Errorf("%w: no usable effect", shader.ErrProgramUnavailable)
}

func (p *Pipeline) unavailableErr(v effect.Variant) error {
	m := p.unavailable.Load()
	if m == nil {
		return nil
	}
	if err, bad := (*m)[v]; bad {
		return fmt.Errorf("%w: %v: %v", shader.ErrProgramUnavailable, v, err)
	}
	return nil
}

// Effect returns the active effect.
func (p *Pipeline) Effect() effect.Variant {
	return p.effects.Load()
}

// Unavailable returns the effects that cannot be drawn on the current surface.
func (p *Pipeline) Unavailable() []effect.Variant {
	m := p.unavailable.Load()
	if m == nil {
		return nil
	}
	var out []effect.Variant
	for _, v := range effect.All() {
		if _, bad := (*m)[v]; bad {
			out = append(out, v)
		}
	}
	return out
}

// Surface returns the current capture surface, or nil.
func (p *Pipeline) Surface() *CaptureSurface {
	return p.surface.Load()
}

// FPS returns render rate statistics.
func (p *Pipeline) FPS() FPSStats {
	return p.fps.Stats()
}

// Stats returns a copy of the counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Surfaces:  p.surfaces.Load(),
		Frames:    p.frames.Load(),
		Uploads:   p.uploads.Load(),
		BadFrames: p.badFrames.Load(),
		Skipped:   p.skipped.Load(),
		ReadBacks: p.readBacks.Load(),
		Effect:    p.effects.Load().String(),
	}
}
