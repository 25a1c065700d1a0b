// Package canny is an OpenCV edge detector implementing processor.Processor.
package canny

import (
	"fmt"
	"image"
	"time"

	"gocv.io/x/gocv"

	"github.com/e7canasta/orion-edge-viewer/internal/processor"
)

// Config holds the edge detector parameters.
type Config struct {
	// BlurSize is the Gaussian kernel size (odd).
	BlurSize int
	// Sigma is the Gaussian standard deviation.
	Sigma float64
	// Low and High are the hysteresis thresholds.
	Low, High float32
}

// DefaultConfig returns a 5x5 blur with sigma 1.5 and thresholds 50/150.
func DefaultConfig() Config {
	return Config{BlurSize: 5, Sigma: 1.5, Low: 50, High: 150}
}

// Processor draws white edges on black, returned as RGBA.
type Processor struct {
	cfg Config
}

var _ processor.Named = (*Processor)(nil)

// New returns a Canny processor.
func New(cfg Config) *Processor {
	if cfg.BlurSize <= 0 || cfg.BlurSize%2 == 0 {
		cfg.BlurSize = 5
	}
	return &Processor{cfg: cfg}
}

// Name implements processor.Named.
func (c *Processor) Name() string { return "Canny" }

// Process converts to grayscale, blurs, runs Canny (aperture 3) and expands
// the edge map back to RGBA.
func (c *Processor) Process(width, height int, rgba []byte) ([]byte, time.Duration, error) {
	start := time.Now()
	if err := processor.CheckInput(width, height, rgba); err != nil {
		return nil, 0, err
	}

	src, err := gocv.NewMatFromBytes(height, width, gocv.MatTypeCV8UC4, rgba)
	if err != nil {
		return nil, 0, fmt.Errorf("canny: wrap frame: %w", err)
	}
	defer src.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	blurred := gocv.NewMat()
	defer blurred.Close()
	edges := gocv.NewMat()
	defer edges.Close()
	out := gocv.NewMat()
	defer out.Close()

	gocv.CvtColor(src, &gray, gocv.ColorRGBAToGray)
	gocv.GaussianBlur(gray, &blurred, image.Pt(c.cfg.BlurSize, c.cfg.BlurSize), c.cfg.Sigma, c.cfg.Sigma, gocv.BorderDefault)
	gocv.Canny(blurred, &edges, c.cfg.Low, c.cfg.High)
	gocv.CvtColor(edges, &out, gocv.ColorGrayToRGBA)

	if out.Empty() {
		return nil, 0, fmt.Errorf("canny: produced no output")
	}
	return out.ToBytes(), time.Since(start), nil
}
