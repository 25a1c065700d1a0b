// Package shader builds the per-effect programs drawn by the render
// pipeline. Each effect is a WGSL module sharing one vertex stage; modules
// are compiled to SPIR-V with naga, reflected for attribute and uniform
// locations, and linked on a gpu.Device together with the CPU kernel of
// the same effect.
package shader

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/gogpu/naga"

	"github.com/e7canasta/orion-edge-viewer/internal/effect"
	"github.com/e7canasta/orion-edge-viewer/internal/gpu"
)

// ErrProgramUnavailable is returned when an effect whose program failed to
// build is requested.
var ErrProgramUnavailable = errors.New("shader: program unavailable")

// Attribute and uniform names shared by every module.
const (
	AttrPosition   = "aPosition"
	AttrTexCoord   = "aTexCoord"
	UniformMVP     = "uMVPMatrix"
	UniformTexture = "uTexture"
)

// Bindings are the locations a draw call needs.
type Bindings struct {
	Position int
	TexCoord int
	MVP      int
	Texture  int
}

// Program is one built effect. A Program with a non-nil Err has no device
// handle and must not be drawn.
type Program struct {
	Variant  effect.Variant
	Handle   gpu.Program
	Bindings Bindings
	Err      error
}

// Usable reports whether p can be drawn.
func (p *Program) Usable() bool {
	return p != nil && p.Err == nil && p.Handle != 0
}

// Resolve queries the device for the program's locations.
func (p *Program) Resolve(dev gpu.Device) (Bindings, error) {
	b := Bindings{
		Position: dev.AttribLocation(p.Handle, AttrPosition),
		TexCoord: dev.AttribLocation(p.Handle, AttrTexCoord),
		MVP:      dev.UniformLocation(p.Handle, UniformMVP),
		Texture:  dev.UniformLocation(p.Handle, UniformTexture),
	}
	if b.Position < 0 || b.TexCoord < 0 || b.MVP < 0 || b.Texture < 0 {
		return b, fmt.Errorf("shader: %v: unresolved binding %+v", p.Variant, b)
	}
	return b, nil
}

// CompileFunc turns a WGSL module into SPIR-V bytes.
type CompileFunc func(source string) ([]byte, error)

type options struct {
	compile CompileFunc
	source  func(effect.Variant) (string, error)
}

// Option configures Build.
type Option func(*options)

// WithCompiler replaces naga.Compile.
func WithCompiler(fn CompileFunc) Option {
	return func(o *options) { o.compile = fn }
}

// WithSource replaces the built-in WGSL sources.
func WithSource(fn func(effect.Variant) (string, error)) Option {
	return func(o *options) { o.source = fn }
}

// Set holds one Program per effect, bound to the device that linked them.
type Set struct {
	dev      gpu.Device
	programs map[effect.Variant]*Program
}

// Build compiles and links every effect on dev. It always returns a Set;
// effects that failed carry their error and stay unusable.
func Build(dev gpu.Device, opts ...Option) *Set {
	o := options{compile: naga.Compile, source: Source}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Set{dev: dev, programs: make(map[effect.Variant]*Program)}
	for _, v := range effect.All() {
		p := build(dev, v, o)
		if p.Err != nil {
			slog.Error("shader: program build failed", "effect", v.String(), "error", p.Err)
		} else {
			slog.Debug("shader: program ready", "effect", v.String(), "program", p.Handle)
		}
		s.programs[v] = p
	}
	return s
}

func build(dev gpu.Device, v effect.Variant, o options) *Program {
	p := &Program{Variant: v}

	src, err := o.source(v)
	if err != nil {
		p.Err = err
		return p
	}
	spirv, err := o.compile(src)
	if err != nil {
		p.Err = fmt.Errorf("shader: compile %v: %w", v, err)
		return p
	}
	words, err := toWords(spirv)
	if err != nil {
		p.Err = fmt.Errorf("shader: compile %v: %w", v, err)
		return p
	}
	attrs, uniforms, err := reflectBindings(src)
	if err != nil {
		p.Err = err
		return p
	}

	handle, err := dev.LinkProgram(gpu.ProgramDesc{
		Label:      v.String(),
		SPIRV:      words,
		Attributes: attrs,
		Uniforms:   uniforms,
		Fragment:   Kernel(v),
	})
	if err != nil {
		p.Err = fmt.Errorf("shader: link %v: %w", v, err)
		return p
	}
	p.Handle = handle

	b, err := p.Resolve(dev)
	if err != nil {
		dev.DeleteProgram(handle)
		p.Handle = 0
		p.Err = err
		return p
	}
	p.Bindings = b
	return p
}

// toWords converts little-endian SPIR-V bytes to 32-bit words.
func toWords(b []byte) ([]uint32, error) {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil, fmt.Errorf("malformed SPIR-V (%d bytes)", len(b))
	}
	words := make([]uint32, len(b)/4)
	for i := range words {
		words[i] = uint32(b[i*4]) |
			uint32(b[i*4+1])<<8 |
			uint32(b[i*4+2])<<16 |
			uint32(b[i*4+3])<<24
	}
	return words, nil
}

// Program returns the program for v, or ErrProgramUnavailable wrapping the
// build error.
func (s *Set) Program(v effect.Variant) (*Program, error) {
	p, ok := s.programs[v]
	if !ok {
		return nil, fmt.Errorf("%w: %v not built", ErrProgramUnavailable, v)
	}
	if !p.Usable() {
		return nil, fmt.Errorf("%w: %v: %v", ErrProgramUnavailable, v, p.Err)
	}
	return p, nil
}

// Failures returns the build error of every unusable effect.
func (s *Set) Failures() map[effect.Variant]error {
	out := make(map[effect.Variant]error)
	for v, p := range s.programs {
		if !p.Usable() {
			out[v] = p.Err
		}
	}
	return out
}

// Release deletes every linked program. The set is empty afterwards.
func (s *Set) Release() {
	for _, p := range s.programs {
		if p.Handle != 0 {
			s.dev.DeleteProgram(p.Handle)
		}
	}
	s.programs = map[effect.Variant]*Program{}
}
