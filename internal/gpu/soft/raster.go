package soft

import (
	"image"
	"math"

	"github.com/e7canasta/orion-edge-viewer/internal/gpu"
)

type vertex struct {
	x, y float32
	uv   gpu.Vec2
}

// transform applies a column-major matrix to (x, y, 0, 1).
func transform(m gpu.Mat4, x, y float32) (cx, cy, cw float32) {
	cx = m[0]*x + m[4]*y + m[12]
	cy = m[1]*x + m[5]*y + m[13]
	cw = m[3]*x + m[7]*y + m[15]
	return
}

func edge(a, b vertex, px, py float32) float32 {
	return (b.x-a.x)*(py-a.y) - (b.y-a.y)*(px-a.x)
}

// rasterize shades the pixels of triangle abc whose centers fall in rows
// [y0, y1). Both windings are accepted.
func rasterize(fb *image.RGBA, y0, y1 int, a, b, c vertex, s gpu.Sampler, frag gpu.FragmentFunc) {
	area := edge(a, b, c.x, c.y)
	if area == 0 {
		return
	}

	minX := int(math.Floor(float64(min3(a.x, b.x, c.x))))
	maxX := int(math.Ceil(float64(max3(a.x, b.x, c.x))))
	minY := int(math.Floor(float64(min3(a.y, b.y, c.y))))
	maxY := int(math.Ceil(float64(max3(a.y, b.y, c.y))))

	w := fb.Rect.Dx()
	minX, maxX = clamp(minX, 0, w), clamp(maxX, 0, w)
	minY, maxY = clamp(minY, y0, y1), clamp(maxY, y0, y1)

	for py := minY; py < maxY; py++ {
		fy := float32(py) + 0.5
		row := fb.Pix[py*fb.Stride:]
		for px := minX; px < maxX; px++ {
			fx := float32(px) + 0.5
			w0 := edge(b, c, fx, fy) / area
			w1 := edge(c, a, fx, fy) / area
			w2 := edge(a, b, fx, fy) / area
			if w0 < 0 || w1 < 0 || w2 < 0 {
				continue
			}
			uv := gpu.Vec2{
				w0*a.uv[0] + w1*b.uv[0] + w2*c.uv[0],
				w0*a.uv[1] + w1*b.uv[1] + w2*c.uv[1],
			}
			out := toRGBA8(frag(s, uv))
			copy(row[px*4:px*4+4], out[:])
		}
	}
}

// bilinear samples with linear filtering and clamp-to-edge wrapping.
type bilinear struct {
	img *image.RGBA
}

func (b *bilinear) texel(x, y int) gpu.Color {
	r := b.img.Rect
	x = clamp(x, 0, r.Dx()-1)
	y = clamp(y, 0, r.Dy()-1)
	i := y*b.img.Stride + x*4
	p := b.img.Pix[i : i+4 : i+4]
	return gpu.Color{float32(p[0]) / 255, float32(p[1]) / 255, float32(p[2]) / 255, float32(p[3]) / 255}
}

// Sample implements gpu.Sampler.
func (b *bilinear) Sample(uv gpu.Vec2) gpu.Color {
	w, h := float32(b.img.Rect.Dx()), float32(b.img.Rect.Dy())
	fx := uv[0]*w - 0.5
	fy := uv[1]*h - 0.5
	x0 := float32(math.Floor(float64(fx)))
	y0 := float32(math.Floor(float64(fy)))
	tx, ty := fx-x0, fy-y0
	ix, iy := int(x0), int(y0)

	c00 := b.texel(ix, iy)
	c10 := b.texel(ix+1, iy)
	c01 := b.texel(ix, iy+1)
	c11 := b.texel(ix+1, iy+1)

	var out gpu.Color
	for k := 0; k < 4; k++ {
		top := c00[k] + (c10[k]-c00[k])*tx
		bot := c01[k] + (c11[k]-c01[k])*tx
		out[k] = top + (bot-top)*ty
	}
	return out
}

func toRGBA8(c gpu.Color) [4]uint8 {
	var out [4]uint8
	for k, v := range c {
		if v < 0 {
			v = 0
		} else if v > 1 {
			v = 1
		}
		out[k] = uint8(v*255 + 0.5)
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func min3(a, b, c float32) float32 { return min(a, min(b, c)) }
func max3(a, b, c float32) float32 { return max(a, max(b, c)) }
