package render

import (
	"bytes"
	"errors"
	"image/jpeg"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/e7canasta/orion-edge-viewer/internal/effect"
	"github.com/e7canasta/orion-edge-viewer/internal/gpu"
	"github.com/e7canasta/orion-edge-viewer/internal/gpu/soft"
	"github.com/e7canasta/orion-edge-viewer/internal/shader"
	"github.com/e7canasta/orion-edge-viewer/internal/snapshot"
)

// spirvHeader is enough for program linking on the software device.
func spirvHeader(string) ([]byte, error) {
	return []byte{0x03, 0x02, 0x23, 0x07}, nil
}

// failSepia fails the module containing the sepia matrix.
func failSepia(src string) ([]byte, error) {
	if strings.Contains(src, "0.393") {
		return nil, errors.New("syntax error")
	}
	return spirvHeader(src)
}

type recordingListener struct {
	mu        sync.Mutex
	created   []*CaptureSurface
	destroyed int
	// releasedEarly is set when a surface was already released on SurfaceDestroyed
	releasedEarly bool
}

func (l *recordingListener) SurfaceCreated(s *CaptureSurface) {
	l.mu.Lock()
	l.created = append(l.created, s)
	l.mu.Unlock()
}

func (l *recordingListener) SurfaceDestroyed() {
	l.mu.Lock()
	if n := len(l.created); n > 0 && l.created[n-1].Released() {
		l.releasedEarly = true
	}
	l.destroyed++
	l.mu.Unlock()
}

func (l *recordingListener) counts() (created, destroyed int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.created), l.destroyed
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func newTestPipeline(t *testing.T, compile shader.CompileFunc, pub *Publisher, l SurfaceListener) (*Pipeline, *soft.Device) {
	t.Helper()
	p := NewPipeline(Config{
		Effects:       effect.NewSelector(effect.Normal),
		Publisher:     pub,
		Listener:      l,
		BufferWidth:   4,
		BufferHeight:  4,
		ShaderOptions: []shader.Option{shader.WithCompiler(compile)},
	})
	dev := soft.New(soft.WithBands(2))
	if err := p.OnSurfaceCreated(dev); err != nil {
		t.Fatalf("OnSurfaceCreated: %v", err)
	}
	p.OnSurfaceChanged(4, 4)
	return p, dev
}

func pixelAt(t *testing.T, dev *soft.Device, x, y int) [4]byte {
	t.Helper()
	img, err := dev.ReadPixels()
	if err != nil {
		t.Fatalf("ReadPixels: %v", err)
	}
	i := img.PixOffset(x, y)
	return [4]byte{img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3]}
}

func TestPipelineDrawsActiveEffect(t *testing.T) {
	cache := snapshot.New()
	pub := NewPublisher(PublisherConfig{Cache: cache})
	if err := pub.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pub.Stop()

	l := &recordingListener{}
	p, dev := newTestPipeline(t, spirvHeader, pub, l)

	// no frame yet: cleared to black, nothing published
	if err := p.DrawFrame(); err != nil {
		t.Fatalf("DrawFrame without frame: %v", err)
	}
	if got := pixelAt(t, dev, 1, 1); got != [4]byte{0, 0, 0, 255} {
		t.Errorf("empty frame pixel = %v, want opaque black", got)
	}
	if p.Stats().Frames != 0 {
		t.Error("frame counted without camera input")
	}

	p.Surface().Deliver(solidFrame(1, 4, 4, 200, 40, 10))
	if err := p.DrawFrame(); err != nil {
		t.Fatalf("DrawFrame: %v", err)
	}
	if got := pixelAt(t, dev, 2, 2); got != [4]byte{200, 40, 10, 255} {
		t.Errorf("Normal pixel = %v, want [200 40 10 255]", got)
	}

	if err := p.SetEffect(effect.Invert); err != nil {
		t.Fatalf("SetEffect: %v", err)
	}
	// the texture keeps the last frame
	if err := p.DrawFrame(); err != nil {
		t.Fatalf("DrawFrame: %v", err)
	}
	if got := pixelAt(t, dev, 0, 3); got != [4]byte{55, 215, 245, 255} {
		t.Errorf("Invert pixel = %v, want [55 215 245 255]", got)
	}

	stats := p.Stats()
	if stats.Frames != 2 || stats.Uploads != 1 || stats.ReadBacks != 2 {
		t.Errorf("stats = %+v, want 2 frames, 1 upload, 2 read-backs", stats)
	}

	waitFor(t, "snapshot", cache.HasFrame)
	snap, _ := cache.Peek()
	img, err := jpeg.Decode(bytes.NewReader(snap.JPEG))
	if err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 4 || b.Dy() != 4 || snap.Width != 4 || snap.Height != 4 {
		t.Errorf("snapshot size = %v (%dx%d), want 4x4", b, snap.Width, snap.Height)
	}
	if snap.Effect != "Normal" && snap.Effect != "Invert" {
		t.Errorf("snapshot effect = %q", snap.Effect)
	}
	if _, destroyed := l.counts(); destroyed != 0 {
		t.Errorf("destroyed = %d, want 0", destroyed)
	}
}

func TestPipelineUnavailableEffect(t *testing.T) {
	p, dev := newTestPipeline(t, failSepia, nil, nil)

	if got := p.Unavailable(); len(got) != 1 || got[0] != effect.Sepia {
		t.Fatalf("Unavailable = %v, want [Sepia]", got)
	}

	err := p.SetEffect(effect.Sepia)
	if !errors.Is(err, shader.ErrProgramUnavailable) {
		t.Fatalf("SetEffect(Sepia) = %v, want ErrProgramUnavailable", err)
	}
	if p.Effect() != effect.Normal {
		t.Errorf("Effect = %v after rejected SetEffect, want Normal", p.Effect())
	}

	if err := p.SetEffect(effect.Invert); err != nil {
		t.Fatalf("SetEffect(Invert): %v", err)
	}
	v, err := p.CycleEffect()
	if err != nil || v != effect.EdgeEnhance {
		t.Errorf("CycleEffect from Invert = %v, %v; want Edge Enhance", v, err)
	}

	// a selection made behind the pipeline's back is skipped, not drawn
	p.Surface().Deliver(solidFrame(1, 4, 4, 90, 90, 90))
	p.cfg.Effects.Store(effect.Sepia)
	for i := 0; i < 3; i++ {
		if err := p.DrawFrame(); !errors.Is(err, ErrDrawSkipped) {
			t.Fatalf("DrawFrame = %v, want ErrDrawSkipped", err)
		}
	}
	if got := pixelAt(t, dev, 1, 1); got != [4]byte{0, 0, 0, 255} {
		t.Errorf("skipped frame pixel = %v, want clear color", got)
	}
	if got := p.Stats().Skipped; got != 3 {
		t.Errorf("Skipped = %d, want 3", got)
	}

	p.cfg.Effects.Store(effect.Grayscale)
	if err := p.DrawFrame(); err != nil {
		t.Fatalf("DrawFrame after switching away: %v", err)
	}
	if got := pixelAt(t, dev, 1, 1); got != [4]byte{90, 90, 90, 255} {
		t.Errorf("Grayscale pixel = %v, want [90 90 90 255]", got)
	}
}

func TestPipelineSurfaceLifecycle(t *testing.T) {
	l := &recordingListener{}
	p, first := newTestPipeline(t, spirvHeader, nil, l)

	if tex, progs := first.Live(); tex != 1 || progs != len(effect.All()) {
		t.Errorf("Live = %d textures, %d programs; want 1, %d", tex, progs, len(effect.All()))
	}
	old := p.Surface()

	second := soft.New()
	if err := p.OnSurfaceCreated(second); err != nil {
		t.Fatalf("OnSurfaceCreated: %v", err)
	}
	if !old.Released() {
		t.Error("previous capture surface not released")
	}
	if p.Surface() == old {
		t.Error("capture surface not replaced")
	}
	if tex, progs := first.Live(); tex != 0 || progs != 0 {
		t.Errorf("previous device still holds %d textures, %d programs", tex, progs)
	}
	if created, destroyed := l.counts(); created != 2 || destroyed != 1 {
		t.Errorf("listener created=%d destroyed=%d, want 2 and 1", created, destroyed)
	}

	cur := p.Surface()
	p.OnSurfaceDestroyed()
	if !cur.Released() || p.Surface() != nil {
		t.Error("surface survived OnSurfaceDestroyed")
	}
	if l.releasedEarly {
		t.Error("surface released before the listener could close the camera")
	}
	if tex, progs := second.Live(); tex != 0 || progs != 0 {
		t.Errorf("device still holds %d textures, %d programs", tex, progs)
	}
	if err := p.DrawFrame(); !errors.Is(err, ErrNoSurface) {
		t.Errorf("DrawFrame after destroy = %v, want ErrNoSurface", err)
	}
	// second destroy is a no-op
	p.OnSurfaceDestroyed()
	if _, destroyed := l.counts(); destroyed != 2 {
		t.Errorf("destroyed = %d, want 2", destroyed)
	}
}

func TestPipelineBadFrame(t *testing.T) {
	p, _ := newTestPipeline(t, spirvHeader, nil, nil)
	p.Surface().Deliver(solidFrame(1, 4, 4, 1, 2, 3))
	bad := solidFrame(2, 4, 4, 1, 2, 3)
	bad.Pix = bad.Pix[:10]
	if err := p.DrawFrame(); err != nil {
		t.Fatalf("DrawFrame: %v", err)
	}
	p.Surface().Deliver(bad)
	if err := p.DrawFrame(); err != nil {
		t.Fatalf("DrawFrame with bad frame: %v", err)
	}
	s := p.Stats()
	if s.BadFrames != 1 || s.Uploads != 1 || s.Frames != 2 {
		t.Errorf("stats = %+v, want 1 bad frame, 1 upload, 2 frames", s)
	}
}

// TestPipelineRapidEffectSwitching switches effects from another goroutine
// while the render goroutine keeps drawing new frames. Every draw must carry
// the bindings of a single program.
func TestPipelineRapidEffectSwitching(t *testing.T) {
	pub := NewPublisher(PublisherConfig{Cache: snapshot.New()})
	if err := pub.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pub.Stop()

	p, _ := newTestPipeline(t, spirvHeader, pub, &recordingListener{})
	const draws = 500

	stop := make(chan struct{})
	switched := make(chan int)
	go func() {
		n := 0
		defer func() { switched <- n }()
		all := effect.All()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if err := p.SetEffect(all[n%len(all)]); err != nil {
				t.Errorf("SetEffect: %v", err)
				return
			}
			n++
		}
	}()

	for i := 0; i < draws; i++ {
		p.Surface().Deliver(solidFrame(uint64(i+1), 4, 4, 200, 40, 10))
		if err := p.DrawFrame(); err != nil {
			if errors.Is(err, gpu.ErrBindingMismatch) {
				t.Fatalf("draw %d mixed bindings: %v", i, err)
			}
			t.Fatalf("draw %d: %v", i, err)
		}
	}
	close(stop)
	n := <-switched

	if err := p.SetEffect(effect.Sepia); err != nil {
		t.Fatalf("SetEffect(Sepia): %v", err)
	}
	p.Surface().Deliver(solidFrame(draws+1, 4, 4, 200, 40, 10))
	if err := p.DrawFrame(); err != nil {
		t.Fatalf("final draw: %v", err)
	}

	if p.bound == nil || p.bound.Variant != effect.Sepia {
		t.Errorf("bound program = %+v, want Sepia", p.bound)
	}
	if got := p.Effect(); got != effect.Sepia {
		t.Errorf("active effect = %v, want Sepia", got)
	}
	if got := p.Stats().Frames; got != draws+1 {
		t.Errorf("frames = %d, want %d", got, draws+1)
	}
	t.Logf("✅ %d draws while switching effects %d times", draws+1, n)
}
