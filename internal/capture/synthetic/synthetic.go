// Package synthetic is a capture driver that generates a moving test
// pattern. It needs no camera and is used for development and tests.
package synthetic

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-edge-viewer/internal/capture"
)

// Config configures the generator.
type Config struct {
	// Devices lists the camera ids to expose. Defaults to ["synthetic0"].
	Devices []string
	// FPS is the frame rate of a streaming session. Defaults to 30.
	FPS int
	// OpenDelay simulates how long the camera takes to open.
	OpenDelay time.Duration
}

// Manager implements capture.Manager.
type Manager struct {
	cfg Config
}

// New returns a synthetic driver.
func New(cfg Config) *Manager {
	if len(cfg.Devices) == 0 {
		cfg.Devices = []string{"synthetic0"}
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	return &Manager{cfg: cfg}
}

// Devices implements capture.Manager.
func (m *Manager) Devices() ([]string, error) {
	return append([]string(nil), m.cfg.Devices...), nil
}

// OpenDevice implements capture.Manager.
func (m *Manager) OpenDevice(id string, cb capture.DeviceCallbacks, exec capture.Executor) error {
	d := &device{id: id, fps: m.cfg.FPS, exec: exec}
	go func() {
		if m.cfg.OpenDelay > 0 {
			time.Sleep(m.cfg.OpenDelay)
		}
		exec(func() { cb.OnOpened(d) })
	}()
	return nil
}

type device struct {
	id     string
	fps    int
	exec   capture.Executor
	closed atomic.Bool
}

func (d *device) ID() string { return d.id }

func (d *device) CreateSession(t capture.Target, cb capture.SessionCallbacks) error {
	if d.closed.Load() {
		return errors.New("synthetic: device closed")
	}
	if t == nil {
		return errors.New("synthetic: nil target")
	}
	w, h := t.BufferSize()
	s := &session{dev: d, width: w, height: h}
	go d.exec(func() { cb.OnConfigured(s) })
	return nil
}

func (d *device) Close() error {
	if d.closed.CompareAndSwap(false, true) {
		slog.Debug("synthetic: device closed", "device", d.id)
	}
	return nil
}

type session struct {
	dev           *device
	width, height int

	mu     sync.Mutex
	stop   chan struct{}
	done   chan struct{}
	closed bool
	seq    uint64
}

func (s *session) SetRepeatingRequest(r capture.Request) error {
	if r.Target == nil {
		return errors.New("synthetic: request without target")
	}
	if s.width <= 0 || s.height <= 0 {
		return fmt.Errorf("synthetic: invalid size %dx%d", s.width, s.height)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.dev.closed.Load() {
		return errors.New("synthetic: session closed")
	}
	s.stopLocked()
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.generate(r.Target, s.stop, s.done)
	return nil
}

func (s *session) generate(t capture.Target, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(time.Second / time.Duration(s.dev.fps))
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.seq++
			t.Deliver(Pattern(s.width, s.height, s.seq))
		}
	}
}

func (s *session) stopLocked() {
	if s.stop == nil {
		return
	}
	close(s.stop)
	<-s.done
	s.stop, s.done = nil, nil
}

func (s *session) StopRepeating() error {
	s.mu.Lock()
	s.stopLocked()
	s.mu.Unlock()
	return nil
}

func (s *session) Close() error {
	s.mu.Lock()
	s.stopLocked()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Pattern renders vertical color bars scrolled by seq pixels.
func Pattern(width, height int, seq uint64) capture.Frame {
	bars := [...][3]byte{
		{255, 255, 255}, {255, 255, 0}, {0, 255, 255}, {0, 255, 0},
		{255, 0, 255}, {255, 0, 0}, {0, 0, 255}, {0, 0, 0},
	}
	stride := width * 4
	pix := make([]byte, stride*height)
	barWidth := max(width/len(bars), 1)

	for x := 0; x < width; x++ {
		c := bars[((x+int(seq%uint64(width)))/barWidth)%len(bars)]
		for y := 0; y < height; y++ {
			i := y*stride + x*4
			pix[i], pix[i+1], pix[i+2], pix[i+3] = c[0], c[1], c[2], 255
		}
	}

	return capture.Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     width,
		Height:    height,
		Stride:    stride,
		Pix:       pix,
		TraceID:   uuid.New().String(),
	}
}
