package render

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"

	"github.com/e7canasta/orion-edge-viewer/internal/effect"
	"github.com/e7canasta/orion-edge-viewer/internal/processor"
	"github.com/e7canasta/orion-edge-viewer/internal/snapshot"
)

// DefaultJPEGQuality is the snapshot encoding quality.
const DefaultJPEGQuality = 85

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	// Cache receives the encoded snapshots (required)
	Cache *snapshot.Cache
	// Processor runs on every frame while processing is enabled (optional)
	Processor processor.Processor
	// Processing is the initial processing toggle
	Processing bool
	// Quality is the JPEG quality (default: 85)
	Quality int
	// MaxWidth downscales wider frames, keeping the aspect ratio (0 = never)
	MaxWidth int
	// Every publishes one frame out of Every drawn (default: 1)
	Every int
	// Interval is the minimum time between published frames (0 = no limit)
	Interval time.Duration
}

// Readback is a framebuffer copy handed from the render goroutine.
type Readback struct {
	// Image is owned by the publisher after Offer
	Image     *image.RGBA
	Timestamp time.Time
	Effect    effect.Variant
	// RenderTime covers draw and read-back
	RenderTime time.Duration
}

// PublisherStats contains Publisher counters.
type PublisherStats struct {
	Offered         uint64
	Dropped         uint64
	Published       uint64
	ProcessFailures uint64
	EncodeFailures  uint64
	Processing      bool
}

// Publisher encodes read-back frames and publishes them to the snapshot
// cache on its own goroutine.
//
// Mailbox semantics (same as the capture surface):
//   - Offer never blocks and overwrites an unconsumed read-back
//   - The publish goroutine blocks on a sync.Cond until a frame is pending
//
// Due is called by the render goroutine only.
type Publisher struct {
	cfg PublisherConfig

	mu      sync.Mutex
	cond    *sync.Cond
	pending *Readback
	closed  bool
	running bool
	wg      sync.WaitGroup

	processing atomic.Bool

	// render goroutine only
	drawn    uint64
	lastDue  time.Time
	anyDueAt bool

	offered         atomic.Uint64
	dropped         atomic.Uint64
	published       atomic.Uint64
	processFailures atomic.Uint64
	encodeFailures  atomic.Uint64
}

// NewPublisher returns a stopped publisher.
func NewPublisher(cfg PublisherConfig) *Publisher {
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = DefaultJPEGQuality
	}
	if cfg.Every <= 0 {
		cfg.Every = 1
	}
	p := &Publisher{cfg: cfg}
	p.cond = sync.NewCond(&p.mu)
	p.processing.Store(cfg.Processing)
	return p
}

// Start launches the publish goroutine.
func (p *Publisher) Start() error {
	if p.cfg.Cache == nil {
		return fmt.Errorf("render: publisher has no cache")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("render: publisher already running")
	}
	p.running = true
	p.closed = false

	p.wg.Add(1)
	go p.loop()
	return nil
}

// Stop discards any pending frame and waits for the goroutine to exit.
// The frame being encoded, if any, is still published.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.pending = nil
	p.cond.Signal()
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
}

// SetProcessing toggles the frame processor. It returns the previous value.
func (p *Publisher) SetProcessing(enabled bool) bool {
	return p.processing.Swap(enabled)
}

// Processing reports whether the processor runs.
func (p *Publisher) Processing() bool {
	return p.processing.Load()
}

// Due counts a drawn frame and reports whether it should be read back.
func (p *Publisher) Due(now time.Time) bool {
	p.drawn++
	if p.drawn%uint64(p.cfg.Every) != 0 {
		return false
	}
	if p.cfg.Interval > 0 && p.anyDueAt && now.Sub(p.lastDue) < p.cfg.Interval {
		return false
	}
	p.lastDue = now
	p.anyDueAt = true
	return true
}

// Offer hands a read-back to the publish goroutine.
func (p *Publisher) Offer(rb Readback) {
	if rb.Image == nil {
		return
	}
	p.offered.Add(1)

	p.mu.Lock()
	if p.closed || !p.running {
		p.mu.Unlock()
		p.dropped.Add(1)
		return
	}
	if p.pending != nil {
		p.dropped.Add(1)
	}
	p.pending = &rb
	p.cond.Signal()
	p.mu.Unlock()
}

// Stats returns a copy of the counters.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		Offered:         p.offered.Load(),
		Dropped:         p.dropped.Load(),
		Published:       p.published.Load(),
		ProcessFailures: p.processFailures.Load(),
		EncodeFailures:  p.encodeFailures.Load(),
		Processing:      p.processing.Load(),
	}
}

func (p *Publisher) next() *Readback {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.pending == nil && !p.closed {
		p.cond.Wait()
	}
	if p.closed {
		return nil
	}
	rb := p.pending
	p.pending = nil
	return rb
}

func (p *Publisher) loop() {
	defer p.wg.Done()

	for {
		rb := p.next()
		if rb == nil {
			return
		}
		snap, err := p.encode(rb)
		if err != nil {
			slog.Debug("render: frame not published", "error", err)
			continue
		}
		p.cfg.Cache.Publish(snap)
		p.published.Add(1)
	}
}

// encode runs the optional processor and downscale, then JPEG-encodes.
func (p *Publisher) encode(rb *Readback) (snapshot.Snapshot, error) {
	img := packed(rb.Image)
	elapsed := rb.RenderTime

	if p.cfg.Processor != nil && p.processing.Load() {
		w, h := img.Rect.Dx(), img.Rect.Dy()
		out, took, err := p.cfg.Processor.Process(w, h, img.Pix)
		if err == nil && len(out) != w*h*4 {
			err = fmt.Errorf("processor returned %d bytes for %dx%d", len(out), w, h)
		}
		if err != nil {
			p.processFailures.Add(1)
			return snapshot.Snapshot{}, fmt.Errorf("render: process: %w", err)
		}
		img = &image.RGBA{Pix: out, Stride: w * 4, Rect: image.Rect(0, 0, w, h)}
		elapsed += took
	}

	img = p.downscale(img)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: p.cfg.Quality}); err != nil {
		p.encodeFailures.Add(1)
		return snapshot.Snapshot{}, fmt.Errorf("render: encode: %w", err)
	}

	return snapshot.Snapshot{
		JPEG:           buf.Bytes(),
		Width:          img.Rect.Dx(),
		Height:         img.Rect.Dy(),
		Timestamp:      rb.Timestamp,
		ProcessingTime: elapsed,
		Effect:         rb.Effect.String(),
	}, nil
}

func (p *Publisher) downscale(img *image.RGBA) *image.RGBA {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	if p.cfg.MaxWidth <= 0 || w <= p.cfg.MaxWidth {
		return img
	}
	dh := h * p.cfg.MaxWidth / w
	if dh < 1 {
		dh = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, p.cfg.MaxWidth, dh))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// packed returns img with origin (0,0) and Stride == 4*width, copying only
// when needed.
func packed(img *image.RGBA) *image.RGBA {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	if img.Rect.Min == (image.Point{}) && img.Stride == w*4 && len(img.Pix) == w*h*4 {
		return img
	}
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Copy(out, image.Point{}, img, img.Rect, draw.Src, nil)
	return out
}
