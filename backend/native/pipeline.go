//go:build !nogpu

package native

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"
)

// fillShaderTemplate draws one triangle covering the viewport in a
// constant color. Vertices 0, 1 and 2 map to (-1,-1), (3,-1) and (-1,3).
const fillShaderTemplate = `
@vertex
fn vs_main(@builtin(vertex_index) vi: u32) -> @builtin(position) vec4<f32> {
    let x = f32(i32(vi & 1u) * 4 - 1);
    let y = f32(i32(vi >> 1u) * 4 - 1);
    return vec4<f32>(x, y, 0.0, 1.0);
}

@fragment
fn fs_main() -> @location(0) vec4<f32> {
    return vec4<f32>(%.6f, %.6f, %.6f, %.6f);
}
`

// FillVertexCount is the number of vertices a fill pipeline draws.
const FillVertexCount = 3

// Pipeline wraps a HAL render pipeline. Pipelines from NewPipeline belong
// to the caller; pipelines from CreateFillPipeline own their shader and
// layout and are released with DestroyPipeline.
type Pipeline struct {
	label    string
	pipeline hal.RenderPipeline
	shader   hal.ShaderModule
	layout   hal.PipelineLayout
}

// NewPipeline wraps p for use with the scheduler.
func NewPipeline(label string, p hal.RenderPipeline) *Pipeline {
	return &Pipeline{label: label, pipeline: p}
}

func (p *Pipeline) Label() string                   { return p.label }
func (p *Pipeline) HalPipeline() hal.RenderPipeline { return p.pipeline }

// compileWGSL compiles WGSL source to SPIR-V words.
func compileWGSL(source string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("compile shader: %w", err)
	}
	if len(spirvBytes)%4 != 0 {
		return nil, fmt.Errorf("compile shader: SPIR-V size %d is not word aligned", len(spirvBytes))
	}
	// SPIR-V is little-endian 32-bit words
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}
	return words, nil
}

// CreateFillPipeline builds a pipeline that fills its render target with
// color when drawn with FillVertexCount vertices.
func (d *Device) CreateFillPipeline(label string, format gputypes.TextureFormat, color [4]float32) (*Pipeline, error) {
	spirv, err := compileWGSL(fmt.Sprintf(fillShaderTemplate, color[0], color[1], color[2], color[3]))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", label, err)
	}

	p := &Pipeline{label: label}
	p.shader, err = d.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  label + "_shader",
		Source: hal.ShaderSource{SPIRV: spirv},
	})
	if err != nil {
		return nil, fmt.Errorf("%s: create shader module: %w", label, err)
	}
	p.layout, err = d.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label: label + "_layout",
	})
	if err != nil {
		d.DestroyPipeline(p)
		return nil, fmt.Errorf("%s: create pipeline layout: %w", label, err)
	}
	p.pipeline, err = d.device.CreateRenderPipeline(&hal.RenderPipelineDescriptor{
		Label:  label,
		Layout: p.layout,
		Vertex: hal.VertexState{
			Module:     p.shader,
			EntryPoint: "vs_main",
		},
		Fragment: &hal.FragmentState{
			Module:     p.shader,
			EntryPoint: "fs_main",
			Targets: []gputypes.ColorTargetState{
				{
					Format:    format,
					WriteMask: gputypes.ColorWriteMaskAll,
				},
			},
		},
		Primitive: gputypes.PrimitiveState{
			Topology: gputypes.PrimitiveTopologyTriangleList,
			CullMode: gputypes.CullModeNone,
		},
		Multisample: gputypes.MultisampleState{
			Count: 1,
			Mask:  0xFFFFFFFF,
		},
	})
	if err != nil {
		d.DestroyPipeline(p)
		return nil, fmt.Errorf("%s: create render pipeline: %w", label, err)
	}
	d.log.Debug("native: fill pipeline created", "label", label, "format", format)
	return p, nil
}

// DestroyPipeline releases the HAL objects a pipeline owns. Pipelines from
// NewPipeline are left alone.
func (d *Device) DestroyPipeline(p *Pipeline) {
	if p == nil || p.shader == nil {
		return
	}
	if p.pipeline != nil {
		d.device.DestroyRenderPipeline(p.pipeline)
		p.pipeline = nil
	}
	if p.layout != nil {
		d.device.DestroyPipelineLayout(p.layout)
		p.layout = nil
	}
	d.device.DestroyShaderModule(p.shader)
	p.shader = nil
}
