package render

import (
	"image"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/orion-edge-viewer/internal/capture"
)

// Default camera buffer size.
const (
	DefaultBufferWidth  = 1280
	DefaultBufferHeight = 720
)

// SurfaceStats contains CaptureSurface counters.
type SurfaceStats struct {
	// Delivered is the number of frames handed in by the camera
	Delivered uint64
	// Dropped counts frames replaced before the render loop consumed them
	Dropped uint64
	// Consumed counts frames taken by Update
	Consumed uint64
}

// CaptureSurface is the producer endpoint the camera streams into.
//
// Mailbox semantics:
//   - Single slot, freshest wins: Deliver overwrites an unconsumed frame
//   - Deliver never blocks (called on the camera's streaming thread)
//   - Available signals at most one pending wake-up
//   - After Release every Deliver is a no-op
//
// Thread-safety: all methods are safe for concurrent use.
type CaptureSurface struct {
	mu       sync.Mutex
	pending  *capture.Frame
	width    int
	height   int
	released bool

	available chan struct{}

	delivered atomic.Uint64
	dropped   atomic.Uint64
	consumed  atomic.Uint64
}

// NewCaptureSurface returns a surface with the given default buffer size.
func NewCaptureSurface(width, height int) *CaptureSurface {
	s := &CaptureSurface{available: make(chan struct{}, 1)}
	s.SetDefaultBufferSize(width, height)
	return s
}

// SetDefaultBufferSize sets the frame size requested from the camera.
// Non-positive values select 1280x720.
func (s *CaptureSurface) SetDefaultBufferSize(width, height int) {
	if width <= 0 || height <= 0 {
		width, height = DefaultBufferWidth, DefaultBufferHeight
	}
	s.mu.Lock()
	s.width, s.height = width, height
	s.mu.Unlock()
}

// BufferSize implements capture.Target.
func (s *CaptureSurface) BufferSize() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height
}

// Deliver implements capture.Target.
func (s *CaptureSurface) Deliver(f capture.Frame) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	if s.pending != nil {
		s.dropped.Add(1)
	}
	s.pending = &f
	s.mu.Unlock()

	s.delivered.Add(1)
	select {
	case s.available <- struct{}{}:
	default:
	}
}

// Available is signalled when a frame is pending.
func (s *CaptureSurface) Available() <-chan struct{} {
	return s.available
}

// Update takes the pending frame, if any.
func (s *CaptureSurface) Update() (capture.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return capture.Frame{}, false
	}
	f := *s.pending
	s.pending = nil
	s.consumed.Add(1)
	return f, true
}

// Release detaches the surface. Late frames are discarded.
func (s *CaptureSurface) Release() {
	s.mu.Lock()
	s.released = true
	s.pending = nil
	s.mu.Unlock()
}

// Released reports whether Release was called.
func (s *CaptureSurface) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// Stats returns a copy of the counters.
func (s *CaptureSurface) Stats() SurfaceStats {
	return SurfaceStats{
		Delivered: s.delivered.Load(),
		Dropped:   s.dropped.Load(),
		Consumed:  s.consumed.Load(),
	}
}

// frameImage wraps frame pixels without copying.
func frameImage(f capture.Frame) (*image.RGBA, bool) {
	stride := f.Stride
	if stride == 0 {
		stride = f.Width * 4
	}
	if f.Width <= 0 || f.Height <= 0 || stride < f.Width*4 || len(f.Pix) < stride*(f.Height-1)+f.Width*4 {
		return nil, false
	}
	return &image.RGBA{Pix: f.Pix, Stride: stride, Rect: image.Rect(0, 0, f.Width, f.Height)}, true
}
