package render

import (
	"errors"
	"image"
	"sync/atomic"
	"testing"
	"time"

	"github.com/e7canasta/orion-edge-viewer/internal/effect"
	"github.com/e7canasta/orion-edge-viewer/internal/processor"
	"github.com/e7canasta/orion-edge-viewer/internal/snapshot"
)

func readback(w, h int) Readback {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	return Readback{Image: img, Timestamp: time.Unix(1700000000, 0), Effect: effect.Sepia, RenderTime: time.Millisecond}
}

func TestPublisherDue(t *testing.T) {
	t0 := time.Unix(1000, 0)

	t.Run("every third frame", func(t *testing.T) {
		p := NewPublisher(PublisherConfig{Every: 3})
		var got []bool
		for i := 0; i < 6; i++ {
			got = append(got, p.Due(t0))
		}
		want := []bool{false, false, true, false, false, true}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("Due sequence = %v, want %v", got, want)
			}
		}
	})

	t.Run("minimum interval", func(t *testing.T) {
		p := NewPublisher(PublisherConfig{Interval: 50 * time.Millisecond})
		steps := []struct {
			at   time.Duration
			want bool
		}{
			{0, true},
			{10 * time.Millisecond, false},
			{49 * time.Millisecond, false},
			{60 * time.Millisecond, true},
			{100 * time.Millisecond, false},
			{110 * time.Millisecond, true},
		}
		for _, s := range steps {
			if got := p.Due(t0.Add(s.at)); got != s.want {
				t.Errorf("Due(+%v) = %v, want %v", s.at, got, s.want)
			}
		}
	})
}

func TestPublisherEncodesSnapshot(t *testing.T) {
	cache := snapshot.New()
	p := NewPublisher(PublisherConfig{Cache: cache})
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	rb := readback(8, 6)
	p.Offer(rb)
	waitFor(t, "snapshot", cache.HasFrame)

	snap, _ := cache.Peek()
	if snap.Width != 8 || snap.Height != 6 {
		t.Errorf("size = %dx%d, want 8x6", snap.Width, snap.Height)
	}
	if snap.Effect != "Sepia" {
		t.Errorf("Effect = %q, want Sepia", snap.Effect)
	}
	if !snap.Timestamp.Equal(rb.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", snap.Timestamp, rb.Timestamp)
	}
	if snap.ProcessingTime != time.Millisecond {
		t.Errorf("ProcessingTime = %v, want render time only", snap.ProcessingTime)
	}
	if len(snap.JPEG) < 2 || snap.JPEG[0] != 0xFF || snap.JPEG[1] != 0xD8 {
		t.Error("snapshot is not a JPEG")
	}
}

func TestPublisherProcessing(t *testing.T) {
	var calls atomic.Int32
	invert := processor.Func(func(w, h int, rgba []byte) ([]byte, time.Duration, error) {
		calls.Add(1)
		out := make([]byte, len(rgba))
		for i, b := range rgba {
			out[i] = 255 - b
		}
		return out, 5 * time.Millisecond, nil
	})

	cache := snapshot.New()
	p := NewPublisher(PublisherConfig{Cache: cache, Processor: invert})
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	p.Offer(readback(4, 4))
	waitFor(t, "first snapshot", func() bool { return p.Stats().Published == 1 })
	if calls.Load() != 0 {
		t.Fatal("processor ran while disabled")
	}

	if prev := p.SetProcessing(true); prev {
		t.Error("SetProcessing returned true for a disabled publisher")
	}
	p.Offer(readback(4, 4))
	waitFor(t, "processed snapshot", func() bool { return p.Stats().Published == 2 })

	snap, _ := cache.Peek()
	if calls.Load() != 1 {
		t.Errorf("processor calls = %d, want 1", calls.Load())
	}
	if snap.ProcessingTime != 6*time.Millisecond {
		t.Errorf("ProcessingTime = %v, want render + processor time (6ms)", snap.ProcessingTime)
	}
	if !p.Stats().Processing {
		t.Error("Stats.Processing = false")
	}
}

func TestPublisherProcessorFailureSkipsFrame(t *testing.T) {
	tests := []struct {
		name string
		fn   processor.Func
	}{
		{"error", func(int, int, []byte) ([]byte, time.Duration, error) {
			return nil, 0, errors.New("boom")
		}},
		{"wrong size", func(int, int, []byte) ([]byte, time.Duration, error) {
			return make([]byte, 3), 0, nil
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache := snapshot.New()
			p := NewPublisher(PublisherConfig{Cache: cache, Processor: tt.fn, Processing: true})
			if err := p.Start(); err != nil {
				t.Fatalf("Start: %v", err)
			}
			defer p.Stop()

			p.Offer(readback(4, 4))
			waitFor(t, "failure", func() bool { return p.Stats().ProcessFailures == 1 })
			if cache.HasFrame() {
				t.Error("failed frame was published")
			}
		})
	}
}

func TestPublisherDownscale(t *testing.T) {
	cache := snapshot.New()
	p := NewPublisher(PublisherConfig{Cache: cache, MaxWidth: 8})
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	p.Offer(readback(16, 10))
	waitFor(t, "snapshot", cache.HasFrame)
	if snap, _ := cache.Peek(); snap.Width != 8 || snap.Height != 5 {
		t.Errorf("size = %dx%d, want 8x5", snap.Width, snap.Height)
	}
}

func TestPublisherLifecycle(t *testing.T) {
	p := NewPublisher(PublisherConfig{})
	if err := p.Start(); err == nil {
		t.Error("Start without cache succeeded")
	}

	p = NewPublisher(PublisherConfig{Cache: snapshot.New()})
	p.Offer(readback(2, 2))
	if s := p.Stats(); s.Offered != 1 || s.Dropped != 1 {
		t.Errorf("offer while stopped: %+v, want 1 offered, 1 dropped", s)
	}

	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Start(); err == nil {
		t.Error("second Start succeeded")
	}
	p.Stop()
	p.Stop()

	if err := p.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	p.Offer(readback(2, 2))
	waitFor(t, "publish after restart", func() bool { return p.Stats().Published == 1 })
	p.Stop()
}

func TestPacked(t *testing.T) {
	base := image.NewRGBA(image.Rect(0, 0, 4, 4))
	base.Pix[base.PixOffset(2, 1)] = 77

	if got := packed(base); got != base {
		t.Error("packed copied an already packed image")
	}

	sub := base.SubImage(image.Rect(1, 1, 3, 3)).(*image.RGBA)
	got := packed(sub)
	if got.Rect != image.Rect(0, 0, 2, 2) || got.Stride != 8 {
		t.Fatalf("packed = rect %v stride %d", got.Rect, got.Stride)
	}
	if got.Pix[got.PixOffset(1, 0)] != 77 {
		t.Error("pixel moved during packing")
	}
}
