//go:build !nogpu

package gpu

import (
	_ "embed"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/unicam"
)

//go:embed shaders/unified.wgsl
var unifiedShaderSource string

// Render target formats.
const (
	colorFormat = gputypes.TextureFormatRGBA8Unorm
	depthFormat = gputypes.TextureFormatDepth32Float
)

// CompileShader translates the unified camera shader to SPIR-V. The render
// pipeline is built from WGSL; compiling up front reports shader errors
// before any device object is created.
func CompileShader() ([]byte, error) {
	spirv, err := naga.Compile(unifiedShaderSource)
	if err != nil {
		return nil, fmt.Errorf("%w: compile unified shader: %w", unicam.ErrResource, err)
	}
	return spirv, nil
}

// MeshPipeline owns the shader, layouts and render pipeline shared by every
// frame slot of a render context.
//
// Bind groups:
//
//	group 0: camera uniform (vertex)
//	group 1: texture + sampler (fragment)
type MeshPipeline struct {
	device hal.Device

	shader        hal.ShaderModule
	cameraLayout  hal.BindGroupLayout
	textureLayout hal.BindGroupLayout
	pipeLayout    hal.PipelineLayout
	pipeline      hal.RenderPipeline
}

// NewMeshPipeline creates a pipeline holder. GPU objects are created by
// ensurePipeline.
func NewMeshPipeline(device hal.Device) *MeshPipeline {
	return &MeshPipeline{device: device}
}

// Destroy releases all GPU objects. Safe to call multiple times.
func (p *MeshPipeline) Destroy() {
	p.destroyPipeline()
}

func (p *MeshPipeline) ensurePipeline() error {
	if p.pipeline != nil {
		return nil
	}
	if err := p.createPipeline(); err != nil {
		p.destroyPipeline()
		return err
	}
	return nil
}

func (p *MeshPipeline) createPipeline() error {
	if _, err := CompileShader(); err != nil {
		return err
	}

	shader, err := p.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  "unified_shader",
		Source: hal.ShaderSource{WGSL: unifiedShaderSource},
	})
	if err != nil {
		return fmt.Errorf("%w: create unified shader module: %w", unicam.ErrResource, err)
	}
	p.shader = shader

	cameraLayout, err := p.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "camera_layout",
		Entries: []gputypes.BindGroupLayoutEntry{
			{
				Binding:    0,
				Visibility: gputypes.ShaderStageVertex,
				Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("%w: create camera layout: %w", unicam.ErrResource, err)
	}
	p.cameraLayout = cameraLayout

	textureLayout, err := p.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "texture_layout",
		Entries: []gputypes.BindGroupLayoutEntry{
			{
				Binding:    0,
				Visibility: gputypes.ShaderStageFragment,
				Texture: &gputypes.TextureBindingLayout{
					SampleType:    gputypes.TextureSampleTypeFloat,
					ViewDimension: gputypes.TextureViewDimension2D,
				},
			},
			{
				Binding:    1,
				Visibility: gputypes.ShaderStageFragment,
				Sampler:    &gputypes.SamplerBindingLayout{Type: gputypes.SamplerBindingTypeFiltering},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("%w: create texture layout: %w", unicam.ErrResource, err)
	}
	p.textureLayout = textureLayout

	pipeLayout, err := p.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            "unified_pipe_layout",
		BindGroupLayouts: []hal.BindGroupLayout{p.cameraLayout, p.textureLayout},
	})
	if err != nil {
		return fmt.Errorf("%w: create pipeline layout: %w", unicam.ErrResource, err)
	}
	p.pipeLayout = pipeLayout

	pipeline, err := p.device.CreateRenderPipeline(&hal.RenderPipelineDescriptor{
		Label:  "unified_pipeline",
		Layout: p.pipeLayout,
		Vertex: hal.VertexState{
			Module:     p.shader,
			EntryPoint: "vs_main",
			Buffers:    meshVertexLayout(),
		},
		Fragment: &hal.FragmentState{
			Module:     p.shader,
			EntryPoint: "fs_main",
			Targets: []gputypes.ColorTargetState{
				{
					Format:    colorFormat,
					WriteMask: gputypes.ColorWriteMaskAll,
				},
			},
		},
		DepthStencil: &hal.DepthStencilState{
			Format:            depthFormat,
			DepthWriteEnabled: true,
			DepthCompare:      gputypes.CompareFunctionLess,
			StencilFront: hal.StencilFaceState{
				Compare:     gputypes.CompareFunctionAlways,
				FailOp:      hal.StencilOperationKeep,
				DepthFailOp: hal.StencilOperationKeep,
				PassOp:      hal.StencilOperationKeep,
			},
			StencilBack: hal.StencilFaceState{
				Compare:     gputypes.CompareFunctionAlways,
				FailOp:      hal.StencilOperationKeep,
				DepthFailOp: hal.StencilOperationKeep,
				PassOp:      hal.StencilOperationKeep,
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
		return fmt.Errorf("%w: create render pipeline: %w", unicam.ErrResource, err)
	}
	p.pipeline = pipeline
	return nil
}

// destroyPipeline releases pipeline objects in reverse creation order.
func (p *MeshPipeline) destroyPipeline() {
	if p.device == nil {
		return
	}
	if p.pipeline != nil {
		p.device.DestroyRenderPipeline(p.pipeline)
		p.pipeline = nil
	}
	if p.pipeLayout != nil {
		p.device.DestroyPipelineLayout(p.pipeLayout)
		p.pipeLayout = nil
	}
	if p.textureLayout != nil {
		p.device.DestroyBindGroupLayout(p.textureLayout)
		p.textureLayout = nil
	}
	if p.cameraLayout != nil {
		p.device.DestroyBindGroupLayout(p.cameraLayout)
		p.cameraLayout = nil
	}
	if p.shader != nil {
		p.device.DestroyShaderModule(p.shader)
		p.shader = nil
	}
}

// meshVertexLayout matches unicam.Vertex:
//
//	position (vec3<f32>) = 12 bytes (location 0)
//	uv       (vec2<f32>) =  8 bytes (location 1)
func meshVertexLayout() []gputypes.VertexBufferLayout {
	return []gputypes.VertexBufferLayout{
		{
			ArrayStride: unicam.VertexStride,
			StepMode:    gputypes.VertexStepModeVertex,
			Attributes: []gputypes.VertexAttribute{
				{Format: gputypes.VertexFormatFloat32x3, Offset: 0, ShaderLocation: 0},
				{Format: gputypes.VertexFormatFloat32x2, Offset: 12, ShaderLocation: 1},
			},
		},
	}
}
