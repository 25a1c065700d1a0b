// Package processor contains the per-frame image processing applied to
// rendered snapshots when processing is enabled.
//
// A Processor takes a tightly packed RGBA image and returns a new RGBA
// image of the same size together with the time the processing took.
package processor

import (
	"fmt"
	"time"
)

// Processor transforms one RGBA frame.
type Processor interface {
	Process(width, height int, rgba []byte) (out []byte, elapsed time.Duration, err error)
}

// Func adapts a function to Processor.
type Func func(width, height int, rgba []byte) ([]byte, time.Duration, error)

// Process implements Processor.
func (f Func) Process(width, height int, rgba []byte) ([]byte, time.Duration, error) {
	return f(width, height, rgba)
}

// Named is a Processor with a display name.
type Named interface {
	Processor
	Name() string
}

// CheckInput validates the frame geometry shared by all processors.
func CheckInput(width, height int, rgba []byte) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("processor: invalid size %dx%d", width, height)
	}
	if len(rgba) != width*height*4 {
		return fmt.Errorf("processor: %d bytes for %dx%d RGBA, want %d", len(rgba), width, height, width*height*4)
	}
	return nil
}

// Grayscale replaces every pixel with its BT.601 luma.
type Grayscale struct{}

// Name implements Named.
func (Grayscale) Name() string { return "Grayscale" }

// Process implements Processor.
func (Grayscale) Process(width, height int, rgba []byte) ([]byte, time.Duration, error) {
	start := time.Now()
	if err := CheckInput(width, height, rgba); err != nil {
		return nil, 0, err
	}
	out := make([]byte, len(rgba))
	for i := 0; i < len(rgba); i += 4 {
		y := byte((299*int(rgba[i]) + 587*int(rgba[i+1]) + 114*int(rgba[i+2]) + 500) / 1000)
		out[i], out[i+1], out[i+2], out[i+3] = y, y, y, rgba[i+3]
	}
	return out, time.Since(start), nil
}
