// Package effect defines the closed set of visual effects the viewer can
// render and the process-wide active selection.
package effect

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Variant identifies one fragment effect.
type Variant int32

const (
	// Normal renders the camera image unchanged
	Normal Variant = iota
	// Grayscale replicates BT.601 luma into RGB
	Grayscale
	// Invert inverts RGB and keeps alpha
	Invert
	// Sepia applies the classic sepia tone matrix
	Sepia
	// EdgeEnhance adds an approximate gradient magnitude onto the image
	EdgeEnhance

	variantCount
)

// All returns every variant in cycling order.
func All() []Variant {
	out := make([]Variant, 0, variantCount)
	for v := Normal; v < variantCount; v++ {
		out = append(out, v)
	}
	return out
}

// String returns the label reported to consumers (snapshot filterType).
func (v Variant) String() string {
	switch v {
	case Normal:
		return "Normal"
	case Grayscale:
		return "Grayscale"
	case Invert:
		return "Invert"
	case Sepia:
		return "Sepia"
	case EdgeEnhance:
		return "Edge Enhance"
	default:
		return fmt.Sprintf("Variant(%d)", int32(v))
	}
}

// Valid reports whether v is one of the declared variants.
func (v Variant) Valid() bool {
	return v >= Normal && v < variantCount
}

// Next returns the variant after v, wrapping around to Normal.
func (v Variant) Next() Variant {
	if !v.Valid() {
		return Normal
	}
	return (v + 1) % variantCount
}

// Parse accepts a label ("Edge Enhance"), an identifier ("EdgeEnhance")
// or snake case ("edge_enhance"), case-insensitively.
func Parse(s string) (Variant, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.NewReplacer(" ", "", "_", "", "-", "").Replace(key)
	for _, v := range All() {
		if strings.ToLower(strings.ReplaceAll(v.String(), " ", "")) == key {
			return v, nil
		}
	}
	return Normal, fmt.Errorf("effect: unknown variant %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (v Variant) MarshalText() ([]byte, error) {
	if !v.Valid() {
		return nil, fmt.Errorf("effect: invalid variant %d", int32(v))
	}
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Variant) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Selector holds the active variant. Reads and writes are single atomic
// operations; it is safe to share between the control and render goroutines.
type Selector struct {
	v atomic.Int32
}

// NewSelector returns a selector initialised to v.
func NewSelector(v Variant) *Selector {
	s := &Selector{}
	s.v.Store(int32(v))
	return s
}

// Load returns the active variant.
func (s *Selector) Load() Variant {
	return Variant(s.v.Load())
}

// Store makes v the active variant and returns the previous one.
func (s *Selector) Store(v Variant) Variant {
	return Variant(s.v.Swap(int32(v)))
}

// Cycle advances to the next variant and returns it.
func (s *Selector) Cycle() Variant {
	for {
		old := s.v.Load()
		next := Variant(old).Next()
		if s.v.CompareAndSwap(old, int32(next)) {
			return next
		}
	}
}
