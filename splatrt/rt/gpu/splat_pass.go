package gpu

import (
	"fmt"

	"github.com/cogentcore/webgpu/wgpu"

	"github.com/gekko3d/gsplat/splatrt/rt/shaders"
)

// MaterialVariant is the fragment program a mesh renders with. It is chosen
// once when the mesh is built.
type MaterialVariant int

const (
	VariantStandard MaterialVariant = iota
	VariantPointCloud
	VariantAntialiased
	VariantPointCloudAntialiased
)

func SelectVariant(pointCloud, antialiased bool) MaterialVariant {
	switch {
	case pointCloud && antialiased:
		return VariantPointCloudAntialiased
	case pointCloud:
		return VariantPointCloud
	case antialiased:
		return VariantAntialiased
	}
	return VariantStandard
}

func (v MaterialVariant) PointCloud() bool {
	return v == VariantPointCloud || v == VariantPointCloudAntialiased
}

func (v MaterialVariant) Antialiased() bool {
	return v == VariantAntialiased || v == VariantPointCloudAntialiased
}

func (v MaterialVariant) String() string {
	switch v {
	case VariantStandard:
		return "standard"
	case VariantPointCloud:
		return "point-cloud"
	case VariantAntialiased:
		return "antialiased"
	case VariantPointCloudAntialiased:
		return "point-cloud-antialiased"
	}
	return fmt.Sprintf("MaterialVariant(%d)", int(v))
}

// FragmentEntryPoint names the WGSL fragment function for the variant.
func (v MaterialVariant) FragmentEntryPoint() string {
	switch v {
	case VariantPointCloud:
		return "fs_point_cloud"
	case VariantAntialiased:
		return "fs_antialiased"
	case VariantPointCloudAntialiased:
		return "fs_point_cloud_aa"
	}
	return "fs_standard"
}

// VertexEntryPoint names the WGSL vertex function for a covariance precision.
func VertexEntryPoint(half bool) string {
	if half {
		return "vs_main_half"
	}
	return "vs_main"
}

// Flags returns the uniform flag bits implied by the variant.
func (v MaterialVariant) Flags() uint32 {
	var f uint32
	if v.PointCloud() {
		f |= FlagPointCloud
	}
	if v.Antialiased() {
		f |= FlagAntialiased
	}
	return f
}

// SplatRenderPass draws one instanced quad per splat in sort order.
type SplatRenderPass struct {
	Device   *wgpu.Device
	Pipeline *wgpu.RenderPipeline
	Layout   *wgpu.BindGroupLayout
	Variant  MaterialVariant
	Half     bool

	bindGroup    *wgpu.BindGroup
	bindGroupGen uint64
}

func storageEntry(binding uint32, visibility wgpu.ShaderStage) wgpu.BindGroupLayoutEntry {
	return wgpu.BindGroupLayoutEntry{
		Binding:    binding,
		Visibility: visibility,
		Buffer: wgpu.BufferBindingLayout{
			Type: wgpu.BufferBindingTypeReadOnlyStorage,
		},
	}
}

func NewSplatRenderPass(device *wgpu.Device, format wgpu.TextureFormat, variant MaterialVariant, half bool) (*SplatRenderPass, error) {
	shaderModule, err := device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          "SplatShader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: shaders.SplatWGSL},
	})
	if err != nil {
		return nil, err
	}

	vis := wgpu.ShaderStageVertex | wgpu.ShaderStageFragment
	bgl, err := device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label: "SplatBGL",
		Entries: []wgpu.BindGroupLayoutEntry{
			{
				Binding:    0,
				Visibility: vis,
				Buffer: wgpu.BufferBindingLayout{
					Type:           wgpu.BufferBindingTypeUniform,
					MinBindingSize: UniformsSize,
				},
			},
			storageEntry(1, wgpu.ShaderStageVertex), // centers
			storageEntry(2, wgpu.ShaderStageVertex), // covariances
			storageEntry(3, wgpu.ShaderStageVertex), // colors
			storageEntry(4, wgpu.ShaderStageVertex), // sh
			storageEntry(5, wgpu.ShaderStageVertex), // scene transforms
			storageEntry(6, wgpu.ShaderStageVertex), // order
		},
	})
	if err != nil {
		return nil, err
	}

	pipelineLayout, err := device.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		BindGroupLayouts: []*wgpu.BindGroupLayout{bgl},
	})
	if err != nil {
		return nil, err
	}

	pipeline, err := device.CreateRenderPipeline(&wgpu.RenderPipelineDescriptor{
		Label:  "SplatPipeline-" + variant.String(),
		Layout: pipelineLayout,
		Vertex: wgpu.VertexState{
			Module:     shaderModule,
			EntryPoint: VertexEntryPoint(half),
		},
		Fragment: &wgpu.FragmentState{
			Module:     shaderModule,
			EntryPoint: variant.FragmentEntryPoint(),
			Targets: []wgpu.ColorTargetState{
				{
					Format:    format,
					WriteMask: wgpu.ColorWriteMaskAll,
					// Premultiplied back to front blending.
					Blend: &wgpu.BlendState{
						Color: wgpu.BlendComponent{
							Operation: wgpu.BlendOperationAdd,
							SrcFactor: wgpu.BlendFactorOne,
							DstFactor: wgpu.BlendFactorOneMinusSrcAlpha,
						},
						Alpha: wgpu.BlendComponent{
							Operation: wgpu.BlendOperationAdd,
							SrcFactor: wgpu.BlendFactorOne,
							DstFactor: wgpu.BlendFactorOneMinusSrcAlpha,
						},
					},
				},
			},
		},
		Primitive: wgpu.PrimitiveState{
			Topology:  wgpu.PrimitiveTopologyTriangleStrip,
			FrontFace: wgpu.FrontFaceCCW,
			CullMode:  wgpu.CullModeNone,
		},
		DepthStencil: nil,
		Multisample: wgpu.MultisampleState{
			Count: 1,
			Mask:  0xFFFFFFFF,
		},
	})
	if err != nil {
		return nil, err
	}

	return &SplatRenderPass{
		Device:   device,
		Pipeline: pipeline,
		Layout:   bgl,
		Variant:  variant,
		Half:     half,
	}, nil
}

// BindGroup returns a bind group over m's buffers, rebuilding it when any
// buffer was recreated since the last call.
func (p *SplatRenderPass) BindGroup(m *SplatBufferManager) (*wgpu.BindGroup, error) {
	if !m.Ready() {
		return nil, fmt.Errorf("splat buffers not uploaded")
	}
	if p.bindGroup != nil && p.bindGroupGen == m.Generation {
		return p.bindGroup, nil
	}
	if p.bindGroup != nil {
		p.bindGroup.Release()
	}
	bg, err := p.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  "SplatBG",
		Layout: p.Layout,
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: m.UniformsBuf, Size: UniformsSize},
			{Binding: 1, Buffer: m.CentersBuf, Size: m.CentersBuf.GetSize()},
			{Binding: 2, Buffer: m.CovariancesBuf, Size: m.CovariancesBuf.GetSize()},
			{Binding: 3, Buffer: m.ColorsBuf, Size: m.ColorsBuf.GetSize()},
			{Binding: 4, Buffer: m.SHBuf, Size: m.SHBuf.GetSize()},
			{Binding: 5, Buffer: m.TransformsBuf, Size: m.TransformsBuf.GetSize()},
			{Binding: 6, Buffer: m.OrderBuf, Size: m.OrderBuf.GetSize()},
		},
	})
	if err != nil {
		return nil, err
	}
	p.bindGroup, p.bindGroupGen = bg, m.Generation
	return bg, nil
}

// Draw issues 4 vertices per splat for RenderCount instances.
func (p *SplatRenderPass) Draw(pass *wgpu.RenderPassEncoder, m *SplatBufferManager) error {
	if m.RenderCount == 0 {
		return nil
	}
	bg, err := p.BindGroup(m)
	if err != nil {
		return err
	}
	pass.SetPipeline(p.Pipeline)
	pass.SetBindGroup(0, bg, nil)
	pass.Draw(4, m.RenderCount, 0, 0)
	return nil
}

func (p *SplatRenderPass) Release() {
	if p.bindGroup != nil {
		p.bindGroup.Release()
		p.bindGroup = nil
	}
	if p.Pipeline != nil {
		p.Pipeline.Release()
		p.Pipeline = nil
	}
}
