package shader

import (
	"fmt"

	"github.com/e7canasta/orion-edge-viewer/internal/effect"
)

// vertexStage is shared by every effect: transform the quad corner by the
// MVP matrix and pass the texture coordinate through.
const vertexStage = `
@group(0) @binding(0) var<uniform> uMVPMatrix: mat4x4<f32>;
@group(0) @binding(1) var uTexture: texture_2d<f32>;
@group(0) @binding(2) var uTextureSampler: sampler;

struct VertexOutput {
    @builtin(position) position: vec4<f32>,
    @location(0) texCoord: vec2<f32>,
}

@vertex
fn vs_main(@location(0) aPosition: vec4<f32>, @location(1) aTexCoord: vec2<f32>) -> VertexOutput {
    var out: VertexOutput;
    out.position = uMVPMatrix * aPosition;
    out.texCoord = aTexCoord;
    return out;
}
`

const normalFragment = `
@fragment
fn fs_main(in: VertexOutput) -> @location(0) vec4<f32> {
    return textureSample(uTexture, uTextureSampler, in.texCoord);
}
`

const grayscaleFragment = `
@fragment
fn fs_main(in: VertexOutput) -> @location(0) vec4<f32> {
    let color = textureSample(uTexture, uTextureSampler, in.texCoord);
    let gray = dot(color.rgb, vec3<f32>(0.299, 0.587, 0.114));
    return vec4<f32>(gray, gray, gray, color.a);
}
`

const invertFragment = `
@fragment
fn fs_main(in: VertexOutput) -> @location(0) vec4<f32> {
    let color = textureSample(uTexture, uTextureSampler, in.texCoord);
    return vec4<f32>(vec3<f32>(1.0) - color.rgb, color.a);
}
`

const sepiaFragment = `
@fragment
fn fs_main(in: VertexOutput) -> @location(0) vec4<f32> {
    let color = textureSample(uTexture, uTextureSampler, in.texCoord);
    let r = dot(color.rgb, vec3<f32>(0.393, 0.769, 0.189));
    let g = dot(color.rgb, vec3<f32>(0.349, 0.686, 0.168));
    let b = dot(color.rgb, vec3<f32>(0.272, 0.534, 0.131));
    return vec4<f32>(min(vec3<f32>(r, g, b), vec3<f32>(1.0)), color.a);
}
`

// The texel size assumes a 1280x720 source regardless of the real
// texture size.
const edgeEnhanceFragment = `
@fragment
fn fs_main(in: VertexOutput) -> @location(0) vec4<f32> {
    let texel = vec2<f32>(1.0 / 1280.0, 1.0 / 720.0);
    let center = textureSample(uTexture, uTextureSampler, in.texCoord);
    let left = textureSample(uTexture, uTextureSampler, in.texCoord - vec2<f32>(texel.x, 0.0)).rgb;
    let right = textureSample(uTexture, uTextureSampler, in.texCoord + vec2<f32>(texel.x, 0.0)).rgb;
    let up = textureSample(uTexture, uTextureSampler, in.texCoord - vec2<f32>(0.0, texel.y)).rgb;
    let down = textureSample(uTexture, uTextureSampler, in.texCoord + vec2<f32>(0.0, texel.y)).rgb;
    let edge = abs(right - left) + abs(down - up);
    return vec4<f32>(clamp(center.rgb + edge * 0.5, vec3<f32>(0.0), vec3<f32>(1.0)), center.a);
}
`

// Source returns the complete WGSL module (vertex and fragment stages) for v.
func Source(v effect.Variant) (string, error) {
	var frag string
	switch v {
	case effect.Normal:
		frag = normalFragment
	case effect.Grayscale:
		frag = grayscaleFragment
	case effect.Invert:
		frag = invertFragment
	case effect.Sepia:
		frag = sepiaFragment
	case effect.EdgeEnhance:
		frag = edgeEnhanceFragment
	default:
		return "", fmt.Errorf("shader: no source for %v", v)
	}
	return vertexStage + frag, nil
}
