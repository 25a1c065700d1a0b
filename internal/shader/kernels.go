package shader

import (
	"github.com/e7canasta/orion-edge-viewer/internal/effect"
	"github.com/e7canasta/orion-edge-viewer/internal/gpu"
)

// EdgeTexel is the neighbour offset used by the edge enhance effect.
var EdgeTexel = gpu.Vec2{1.0 / 1280.0, 1.0 / 720.0}

// Kernel returns the CPU fragment stage matching the WGSL fragment for v.
func Kernel(v effect.Variant) gpu.FragmentFunc {
	switch v {
	case effect.Normal:
		return normalKernel
	case effect.Grayscale:
		return grayscaleKernel
	case effect.Invert:
		return invertKernel
	case effect.Sepia:
		return sepiaKernel
	case effect.EdgeEnhance:
		return edgeEnhanceKernel
	default:
		return nil
	}
}

func normalKernel(s gpu.Sampler, uv gpu.Vec2) gpu.Color {
	return s.Sample(uv)
}

// Luma returns the BT.601 luma of c.
func Luma(c gpu.Color) float32 {
	return 0.299*c[0] + 0.587*c[1] + 0.114*c[2]
}

func grayscaleKernel(s gpu.Sampler, uv gpu.Vec2) gpu.Color {
	c := s.Sample(uv)
	y := Luma(c)
	return gpu.Color{y, y, y, c[3]}
}

func invertKernel(s gpu.Sampler, uv gpu.Vec2) gpu.Color {
	c := s.Sample(uv)
	return gpu.Color{1 - c[0], 1 - c[1], 1 - c[2], c[3]}
}

func sepiaKernel(s gpu.Sampler, uv gpu.Vec2) gpu.Color {
	c := s.Sample(uv)
	r := 0.393*c[0] + 0.769*c[1] + 0.189*c[2]
	g := 0.349*c[0] + 0.686*c[1] + 0.168*c[2]
	b := 0.272*c[0] + 0.534*c[1] + 0.131*c[2]
	return gpu.Color{min(r, 1), min(g, 1), min(b, 1), c[3]}
}

func edgeEnhanceKernel(s gpu.Sampler, uv gpu.Vec2) gpu.Color {
	dx, dy := EdgeTexel[0], EdgeTexel[1]
	center := s.Sample(uv)
	left := s.Sample(gpu.Vec2{uv[0] - dx, uv[1]})
	right := s.Sample(gpu.Vec2{uv[0] + dx, uv[1]})
	up := s.Sample(gpu.Vec2{uv[0], uv[1] - dy})
	down := s.Sample(gpu.Vec2{uv[0], uv[1] + dy})

	out := gpu.Color{0, 0, 0, center[3]}
	for k := 0; k < 3; k++ {
		e := abs(right[k]-left[k]) + abs(down[k]-up[k])
		out[k] = clamp01(center[k] + e*0.5)
	}
	return out
}

func abs(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

func clamp01(v float32) float32 {
	return max(0, min(v, 1))
}
