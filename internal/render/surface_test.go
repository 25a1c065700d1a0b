package render

import (
	"testing"
	"time"

	"github.com/e7canasta/orion-edge-viewer/internal/capture"
)

func solidFrame(seq uint64, w, h int, r, g, b byte) capture.Frame {
	pix := make([]byte, w*h*4)
	for i := 0; i < len(pix); i += 4 {
		pix[i], pix[i+1], pix[i+2], pix[i+3] = r, g, b, 255
	}
	return capture.Frame{Seq: seq, Timestamp: time.Now(), Width: w, Height: h, Stride: w * 4, Pix: pix}
}

func TestCaptureSurfaceFreshestWins(t *testing.T) {
	s := NewCaptureSurface(4, 4)

	if _, ok := s.Update(); ok {
		t.Fatal("Update on empty surface returned a frame")
	}

	s.Deliver(solidFrame(1, 4, 4, 1, 1, 1))
	s.Deliver(solidFrame(2, 4, 4, 2, 2, 2))
	s.Deliver(solidFrame(3, 4, 4, 3, 3, 3))

	select {
	case <-s.Available():
	default:
		t.Fatal("Available not signalled")
	}
	select {
	case <-s.Available():
		t.Fatal("Available signalled twice")
	default:
	}

	f, ok := s.Update()
	if !ok || f.Seq != 3 {
		t.Fatalf("Update = seq %d, %v; want 3, true", f.Seq, ok)
	}
	if _, ok := s.Update(); ok {
		t.Error("frame consumed twice")
	}

	stats := s.Stats()
	if stats.Delivered != 3 || stats.Dropped != 2 || stats.Consumed != 1 {
		t.Errorf("stats = %+v, want 3 delivered, 2 dropped, 1 consumed", stats)
	}
}

func TestCaptureSurfaceRelease(t *testing.T) {
	s := NewCaptureSurface(4, 4)
	s.Deliver(solidFrame(1, 4, 4, 0, 0, 0))
	s.Release()

	if !s.Released() {
		t.Fatal("Released = false")
	}
	if _, ok := s.Update(); ok {
		t.Error("pending frame survived Release")
	}
	s.Deliver(solidFrame(2, 4, 4, 0, 0, 0))
	if _, ok := s.Update(); ok {
		t.Error("Deliver after Release was accepted")
	}
	if got := s.Stats().Delivered; got != 1 {
		t.Errorf("Delivered = %d, want 1", got)
	}
}

func TestCaptureSurfaceBufferSize(t *testing.T) {
	s := NewCaptureSurface(0, 0)
	if w, h := s.BufferSize(); w != 1280 || h != 720 {
		t.Errorf("default BufferSize = %dx%d, want 1280x720", w, h)
	}
	s.SetDefaultBufferSize(640, 480)
	if w, h := s.BufferSize(); w != 640 || h != 480 {
		t.Errorf("BufferSize = %dx%d, want 640x480", w, h)
	}

	var _ capture.Target = s
}

func TestFrameImage(t *testing.T) {
	tests := []struct {
		name string
		f    capture.Frame
		ok   bool
	}{
		{"packed", capture.Frame{Width: 2, Height: 2, Pix: make([]byte, 16)}, true},
		{"padded stride", capture.Frame{Width: 2, Height: 2, Stride: 12, Pix: make([]byte, 20)}, true},
		{"short", capture.Frame{Width: 2, Height: 2, Pix: make([]byte, 15)}, false},
		{"narrow stride", capture.Frame{Width: 2, Height: 2, Stride: 4, Pix: make([]byte, 16)}, false},
		{"empty", capture.Frame{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, ok := frameImage(tt.f)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && (img.Rect.Dx() != tt.f.Width || img.Rect.Dy() != tt.f.Height) {
				t.Errorf("bounds = %v", img.Rect)
			}
			if ok && &img.Pix[0] != &tt.f.Pix[0] {
				t.Error("frame pixels were copied")
			}
		})
	}
}
