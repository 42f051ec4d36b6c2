package gsplat

import (
	"errors"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/go-gl/mathgl/mgl32"

	"github.com/gekko3d/gsplat/splatrt/rt/core"
	"github.com/gekko3d/gsplat/splatrt/rt/gpu"
)

type meshGPU struct {
	device *wgpu.Device
	format wgpu.TextureFormat
	bufs   *gpu.SplatBufferManager
	pass   *gpu.SplatRenderPass
}

// AttachDevice gives the mesh a device to upload to and draw with.
func (m *SplatMesh) AttachDevice(device *wgpu.Device, format wgpu.TextureFormat) {
	m.gpu = &meshGPU{device: device, format: format, bufs: gpu.NewSplatBufferManager(device)}
}

// Upload writes the packed splats and scene transforms, recreating the
// pipeline when the material variant or covariance precision changed.
func (m *SplatMesh) Upload() error {
	g := m.gpu
	if g == nil {
		return errors.New("gsplat: mesh has no device")
	}
	if m.packed == nil {
		return nil
	}
	if g.pass == nil || g.pass.Variant != m.variant || g.pass.Half != m.packed.Half {
		if g.pass != nil {
			g.pass.Release()
		}
		pass, err := gpu.NewSplatRenderPass(g.device, g.format, m.variant, m.packed.Half)
		if err != nil {
			return err
		}
		g.pass = pass
	}
	g.bufs.UploadSplats(m.packed)
	g.bufs.UploadTransforms(m.Transforms())
	if g.bufs.OrderBuf == nil {
		g.bufs.UploadOrder(m.render)
	}
	return nil
}

func (m *SplatMesh) UploadOrder(order []uint32) {
	if m.gpu != nil {
		m.gpu.bufs.UploadOrder(order)
	}
}

// Render records the splat draw into pass.
func (m *SplatMesh) Render(pass *wgpu.RenderPassEncoder, cam *core.Camera, viewport mgl32.Vec2) error {
	g := m.gpu
	if g == nil || g.pass == nil {
		return nil
	}
	g.bufs.UpdateUniforms(m.UpdateUniforms(cam, viewport))
	if m.opts.DynamicScene {
		g.bufs.UploadTransforms(m.Transforms())
	}
	return g.pass.Draw(pass, g.bufs)
}

func (m *SplatMesh) releaseGPU() {
	if m.gpu == nil {
		return
	}
	if m.gpu.pass != nil {
		m.gpu.pass.Release()
	}
	m.gpu.bufs.Release()
	m.gpu = nil
}
