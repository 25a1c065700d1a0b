// Package opencv is a camera driver on top of OpenCV's VideoCapture.
package opencv

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"gocv.io/x/gocv"

	"github.com/e7canasta/orion-edge-viewer/internal/capture"
)

// Config configures the driver.
type Config struct {
	// Devices lists camera indexes ("0") or device paths. Defaults to ["0"].
	Devices []string
	// FPS is requested from the camera and paces the read loop. Defaults to 30.
	FPS int
	// MaxReadFailures consecutive failed reads count as a disconnect. Defaults to 10.
	MaxReadFailures int
}

// Manager implements capture.Manager.
type Manager struct {
	cfg Config
}

// New returns an OpenCV camera driver.
func New(cfg Config) *Manager {
	if len(cfg.Devices) == 0 {
		cfg.Devices = []string{"0"}
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if cfg.MaxReadFailures <= 0 {
		cfg.MaxReadFailures = 10
	}
	return &Manager{cfg: cfg}
}

// Devices implements capture.Manager.
func (m *Manager) Devices() ([]string, error) {
	return append([]string(nil), m.cfg.Devices...), nil
}

// OpenDevice implements capture.Manager.
func (m *Manager) OpenDevice(id string, cb capture.DeviceCallbacks, exec capture.Executor) error {
	d := &device{id: id, cfg: m.cfg, exec: exec, cb: cb}
	go func() {
		var source any = id
		if n, err := strconv.Atoi(id); err == nil {
			source = n
		}
		webcam, err := gocv.OpenVideoCapture(source)
		if err != nil {
			exec(func() { cb.OnError(d, fmt.Errorf("opencv: open %s: %w", id, err)) })
			return
		}
		if !webcam.IsOpened() {
			webcam.Close()
			exec(func() { cb.OnError(d, fmt.Errorf("opencv: open %s: device not opened", id)) })
			return
		}
		d.mu.Lock()
		d.webcam = webcam
		d.mu.Unlock()
		exec(func() { cb.OnOpened(d) })
	}()
	return nil
}

type device struct {
	id   string
	cfg  Config
	exec capture.Executor
	cb   capture.DeviceCallbacks

	mu     sync.Mutex
	webcam *gocv.VideoCapture
	closed bool
	sess   *session
}

func (d *device) ID() string { return d.id }

func (d *device) CreateSession(t capture.Target, cb capture.SessionCallbacks) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.webcam == nil {
		return errors.New("opencv: device closed")
	}

	w, h := t.BufferSize()
	d.webcam.Set(gocv.VideoCaptureFrameWidth, float64(w))
	d.webcam.Set(gocv.VideoCaptureFrameHeight, float64(h))
	d.webcam.Set(gocv.VideoCaptureFPS, float64(d.cfg.FPS))

	s := &session{dev: d}
	d.sess = s
	go d.exec(func() { cb.OnConfigured(s) })
	return nil
}

func (d *device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	sess := d.sess
	d.mu.Unlock()

	if sess != nil {
		_ = sess.StopRepeating()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.webcam == nil {
		return nil
	}
	err := d.webcam.Close()
	d.webcam = nil
	slog.Info("opencv: device closed", "device", d.id)
	return err
}

type session struct {
	dev *device

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func (s *session) SetRepeatingRequest(r capture.Request) error {
	s.dev.mu.Lock()
	webcam := s.dev.webcam
	closed := s.dev.closed
	s.dev.mu.Unlock()
	if closed || webcam == nil {
		return errors.New("opencv: device closed")
	}

	if r.AutoFocus == capture.AFContinuousPicture {
		webcam.Set(gocv.VideoCaptureAutoFocus, 1)
	}
	if r.AutoExposure != capture.AEOff {
		// V4L2 backend: 0.75 selects aperture-priority auto exposure
		webcam.Set(gocv.VideoCaptureAutoExposure, 0.75)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.readLoop(webcam, r.Target, s.stop, s.done)
	return nil
}

// readLoop pulls frames until stopped. Too many consecutive failed reads
// are reported as a disconnect.
func (s *session) readLoop(webcam *gocv.VideoCapture, t capture.Target, stop, done chan struct{}) {
	defer close(done)

	img := gocv.NewMat()
	defer img.Close()
	rgba := gocv.NewMat()
	defer rgba.Close()

	ticker := time.NewTicker(time.Second / time.Duration(s.dev.cfg.FPS))
	defer ticker.Stop()

	var seq uint64
	failures := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if ok := webcam.Read(&img); !ok || img.Empty() {
			failures++
			if failures >= s.dev.cfg.MaxReadFailures {
				slog.Error("opencv: camera stopped delivering frames", "device", s.dev.id, "failures", failures)
				dev := s.dev
				dev.exec(func() { dev.cb.OnDisconnected(dev) })
				return
			}
			continue
		}
		failures = 0

		gocv.CvtColor(img, &rgba, gocv.ColorBGRToRGBA)
		pix := rgba.ToBytes()
		seq++
		t.Deliver(capture.Frame{
			Seq:       seq,
			Timestamp: time.Now(),
			Width:     rgba.Cols(),
			Height:    rgba.Rows(),
			Stride:    rgba.Cols() * 4,
			Pix:       pix,
			TraceID:   uuid.New().String(),
		})
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
	return s.StopRepeating()
}
