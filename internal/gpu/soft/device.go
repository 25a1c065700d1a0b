// Package soft implements gpu.Device on the CPU. Fragment stages run as
// gpu.FragmentFunc kernels over a row-banded rasterizer.
package soft

import (
	"fmt"
	"image"
	"log/slog"
	"runtime"
	"sync"

	"github.com/e7canasta/orion-edge-viewer/internal/gpu"
)

type program struct {
	desc gpu.ProgramDesc
}

// Device is a software rendering context.
type Device struct {
	textures map[gpu.Texture]*image.RGBA
	programs map[gpu.Program]*program
	next     uint32

	fb       *image.RGBA
	bands    int
	released bool
}

// Option configures a Device.
type Option func(*Device)

// WithBands sets how many goroutines rasterize a draw. Defaults to GOMAXPROCS.
func WithBands(n int) Option {
	return func(d *Device) {
		if n > 0 {
			d.bands = n
		}
	}
}

// New creates a device with an empty 1x1 framebuffer. Call Viewport before drawing.
func New(opts ...Option) *Device {
	d := &Device{
		textures: make(map[gpu.Texture]*image.RGBA),
		programs: make(map[gpu.Program]*program),
		fb:       image.NewRGBA(image.Rect(0, 0, 1, 1)),
		bands:    runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Device) handle() uint32 {
	d.next++
	return d.next
}

// CreateExternalTexture implements gpu.Device.
func (d *Device) CreateExternalTexture() (gpu.Texture, error) {
	if d.released {
		return 0, gpu.ErrContextLost
	}
	tex := gpu.Texture(d.handle())
	d.textures[tex] = image.NewRGBA(image.Rect(0, 0, 1, 1))
	return tex, nil
}

// UpdateTexture implements gpu.Device.
func (d *Device) UpdateTexture(tex gpu.Texture, img *image.RGBA) error {
	if d.released {
		return gpu.ErrContextLost
	}
	if _, ok := d.textures[tex]; !ok {
		return fmt.Errorf("soft: texture %d: %w", tex, gpu.ErrInvalidHandle)
	}
	if img == nil || img.Rect.Empty() {
		return fmt.Errorf("soft: texture %d: empty image", tex)
	}
	d.textures[tex] = img
	return nil
}

// DeleteTexture implements gpu.Device.
func (d *Device) DeleteTexture(tex gpu.Texture) {
	delete(d.textures, tex)
}

// LinkProgram implements gpu.Device. A program without a CPU fragment
// kernel cannot run on this device.
func (d *Device) LinkProgram(desc gpu.ProgramDesc) (gpu.Program, error) {
	if d.released {
		return 0, gpu.ErrContextLost
	}
	if desc.Fragment == nil {
		return 0, fmt.Errorf("soft: link %q: no fragment kernel", desc.Label)
	}
	if len(desc.SPIRV) == 0 {
		return 0, fmt.Errorf("soft: link %q: empty module", desc.Label)
	}
	p := gpu.Program(d.handle())
	d.programs[p] = &program{desc: desc}
	slog.Debug("soft: program linked", "label", desc.Label, "program", p, "spirv_words", len(desc.SPIRV))
	return p, nil
}

// DeleteProgram implements gpu.Device.
func (d *Device) DeleteProgram(p gpu.Program) {
	delete(d.programs, p)
}

// AttribLocation implements gpu.Device.
func (d *Device) AttribLocation(p gpu.Program, name string) int {
	prog, ok := d.programs[p]
	if !ok {
		return -1
	}
	if loc, ok := prog.desc.Attributes[name]; ok {
		return loc
	}
	return -1
}

// UniformLocation implements gpu.Device.
func (d *Device) UniformLocation(p gpu.Program, name string) int {
	prog, ok := d.programs[p]
	if !ok {
		return -1
	}
	if loc, ok := prog.desc.Uniforms[name]; ok {
		return loc
	}
	return -1
}

// Viewport resizes the framebuffer. Contents are discarded.
func (d *Device) Viewport(width, height int) {
	if width <= 0 || height <= 0 || d.released {
		return
	}
	if d.fb.Rect.Dx() == width && d.fb.Rect.Dy() == height {
		return
	}
	d.fb = image.NewRGBA(image.Rect(0, 0, width, height))
}

// Clear fills the framebuffer with c.
func (d *Device) Clear(c gpu.Color) error {
	if d.released {
		return gpu.ErrContextLost
	}
	px := toRGBA8(c)
	pix := d.fb.Pix
	for i := 0; i+3 < len(pix); i += 4 {
		pix[i], pix[i+1], pix[i+2], pix[i+3] = px[0], px[1], px[2], px[3]
	}
	return nil
}

// DrawTriangleStrip implements gpu.Device.
func (d *Device) DrawTriangleStrip(call gpu.DrawCall) error {
	if d.released {
		return gpu.ErrContextLost
	}
	prog, ok := d.programs[call.Program]
	if !ok {
		return fmt.Errorf("soft: draw: program %d: %w", call.Program, gpu.ErrInvalidHandle)
	}
	tex, ok := d.textures[call.Texture]
	if !ok {
		return fmt.Errorf("soft: draw: texture %d: %w", call.Texture, gpu.ErrInvalidHandle)
	}
	if err := checkBindings(prog.desc, call); err != nil {
		return err
	}
	if call.Count < 3 {
		return nil
	}
	if len(call.Position.Data) < call.Count*call.Position.Size || len(call.TexCoord.Data) < call.Count*call.TexCoord.Size {
		return fmt.Errorf("soft: draw: vertex arrays shorter than %d vertices", call.Count)
	}

	verts := make([]vertex, call.Count)
	w, h := float32(d.fb.Rect.Dx()), float32(d.fb.Rect.Dy())
	for i := range verts {
		x := call.Position.Data[i*call.Position.Size]
		y := call.Position.Data[i*call.Position.Size+1]
		cx, cy, cw := transform(call.MVP, x, y)
		if cw == 0 {
			cw = 1
		}
		verts[i] = vertex{
			x:  (cx/cw + 1) * 0.5 * w,
			y:  (1 - cy/cw) * 0.5 * h,
			uv: gpu.Vec2{call.TexCoord.Data[i*call.TexCoord.Size], call.TexCoord.Data[i*call.TexCoord.Size+1]},
		}
	}

	s := &bilinear{img: tex}
	rows := d.fb.Rect.Dy()
	bands := d.bands
	if bands > rows {
		bands = rows
	}
	step := (rows + bands - 1) / bands

	var wg sync.WaitGroup
	for y0 := 0; y0 < rows; y0 += step {
		y1 := y0 + step
		if y1 > rows {
			y1 = rows
		}
		wg.Add(1)
		go func(y0, y1 int) {
			defer wg.Done()
			for i := 0; i+2 < len(verts); i++ {
				a, b, c := verts[i], verts[i+1], verts[i+2]
				if i%2 == 1 {
					a, b = b, a
				}
				rasterize(d.fb, y0, y1, a, b, c, s, prog.desc.Fragment)
			}
		}(y0, y1)
	}
	wg.Wait()
	return nil
}

func checkBindings(desc gpu.ProgramDesc, call gpu.DrawCall) error {
	want := []struct {
		name string
		got  int
		tab  map[string]int
	}{
		{"aPosition", call.Position.Location, desc.Attributes},
		{"aTexCoord", call.TexCoord.Location, desc.Attributes},
		{"uMVPMatrix", call.MVPLocation, desc.Uniforms},
		{"uTexture", call.SamplerLocation, desc.Uniforms},
	}
	for _, w := range want {
		loc, ok := w.tab[w.name]
		if !ok || loc != w.got {
			return fmt.Errorf("soft: draw %q: %s at %d: %w", desc.Label, w.name, w.got, gpu.ErrBindingMismatch)
		}
	}
	return nil
}

// ReadPixels implements gpu.Device.
func (d *Device) ReadPixels() (*image.RGBA, error) {
	if d.released {
		return nil, gpu.ErrContextLost
	}
	out := image.NewRGBA(d.fb.Rect)
	copy(out.Pix, d.fb.Pix)
	return out, nil
}

// Release drops every object owned by the device.
func (d *Device) Release() {
	d.released = true
	d.textures = map[gpu.Texture]*image.RGBA{}
	d.programs = map[gpu.Program]*program{}
}

// Live reports how many textures and programs are still allocated.
func (d *Device) Live() (textures, programs int) {
	return len(d.textures), len(d.programs)
}
