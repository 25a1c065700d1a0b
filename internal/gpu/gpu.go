// Package gpu is the drawing context used by the render pipeline: external
// textures, linked programs, a viewport-sized framebuffer and read-back.
//
// All methods of a Device must be called from the goroutine that owns the
// rendering surface. Handles are only valid for the Device that created
// them; after Release every call fails with ErrContextLost.
package gpu

import (
	"errors"
	"image"
)

var (
	// ErrContextLost is returned by every call made after Release.
	ErrContextLost = errors.New("gpu: context lost")
	// ErrInvalidHandle is returned for unknown or deleted handles.
	ErrInvalidHandle = errors.New("gpu: invalid handle")
	// ErrBindingMismatch is returned when a draw call carries locations that
	// do not belong to the program it names.
	ErrBindingMismatch = errors.New("gpu: binding mismatch")
)

// Texture is an opaque texture handle. Zero is never a valid texture.
type Texture uint32

// Program is an opaque linked program handle. Zero is never valid.
type Program uint32

// Vec2 is a two-component vector (texture coordinates).
type Vec2 [2]float32

// Color is a normalized RGBA color.
type Color [4]float32

// Mat4 is a column-major 4x4 matrix.
type Mat4 [16]float32

// Identity returns the identity transform.
func Identity() Mat4 {
	return Mat4{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// Sampler reads filtered texels from the bound texture.
type Sampler interface {
	Sample(uv Vec2) Color
}

// FragmentFunc is the CPU form of a fragment stage. Devices without a
// hardware backend execute it once per covered pixel.
type FragmentFunc func(s Sampler, uv Vec2) Color

// ProgramDesc describes a program to link.
type ProgramDesc struct {
	Label string
	// SPIRV holds the compiled vertex and fragment module.
	SPIRV []uint32
	// Attributes and Uniforms map names to the locations reflected from the
	// source module.
	Attributes map[string]int
	Uniforms   map[string]int
	Fragment   FragmentFunc
}

// VertexAttrib is a client-side vertex array bound to an attribute location.
type VertexAttrib struct {
	Location int
	// Size is the number of components per vertex.
	Size int
	Data []float32
}

// DrawCall is one triangle-strip draw.
type DrawCall struct {
	Program  Program
	Position VertexAttrib
	TexCoord VertexAttrib

	MVPLocation int
	MVP         Mat4

	SamplerLocation int
	TextureUnit     int
	Texture         Texture

	// Count is the number of strip vertices.
	Count int
}

// Device is a rendering context.
type Device interface {
	// CreateExternalTexture creates a texture fed by camera frames.
	CreateExternalTexture() (Texture, error)
	// UpdateTexture replaces the texture image. The device may keep a
	// reference to img until the next update; callers must not mutate it.
	UpdateTexture(tex Texture, img *image.RGBA) error
	DeleteTexture(tex Texture)

	LinkProgram(desc ProgramDesc) (Program, error)
	DeleteProgram(p Program)
	// AttribLocation and UniformLocation return -1 when the name is unknown.
	AttribLocation(p Program, name string) int
	UniformLocation(p Program, name string) int

	Viewport(width, height int)
	Clear(c Color) error
	DrawTriangleStrip(call DrawCall) error
	// ReadPixels copies the framebuffer into a new image, top row first.
	ReadPixels() (*image.RGBA, error)

	Release()
}
