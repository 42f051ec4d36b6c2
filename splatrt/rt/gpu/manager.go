package gpu

import (
	"github.com/cogentcore/webgpu/wgpu"
	"github.com/go-gl/mathgl/mgl32"
)

const (
	HeadroomSplats = 64 * 1024
	HeadroomOrder  = 16 * 1024
)

// SplatBufferManager owns the storage buffers the splat render pass reads.
type SplatBufferManager struct {
	Device *wgpu.Device

	UniformsBuf    *wgpu.Buffer
	CentersBuf     *wgpu.Buffer
	CovariancesBuf *wgpu.Buffer
	ColorsBuf      *wgpu.Buffer
	SHBuf          *wgpu.Buffer
	TransformsBuf  *wgpu.Buffer
	OrderBuf       *wgpu.Buffer

	SplatCount  uint32
	RenderCount uint32
	SHDegree    int
	Half        bool

	// Generation changes whenever a buffer is recreated, so bind groups
	// built against older buffers can be detected.
	Generation uint64
}

func NewSplatBufferManager(device *wgpu.Device) *SplatBufferManager {
	return &SplatBufferManager{Device: device}
}

func (m *SplatBufferManager) ensureBuffer(name string, buf **wgpu.Buffer, data []byte, usage wgpu.BufferUsage, headroom int) bool {
	neededSize := uint64(len(data) + headroom)
	if neededSize%4 != 0 {
		neededSize += 4 - (neededSize % 4)
	}
	if neededSize == 0 {
		neededSize = 16
	}

	current := *buf
	if current == nil || current.GetSize() < neededSize {
		if current != nil {
			current.Release()
		}
		newBuf, err := m.Device.CreateBuffer(&wgpu.BufferDescriptor{
			Label: name,
			Size:  neededSize,
			Usage: usage | wgpu.BufferUsageCopyDst,
		})
		if err != nil {
			panic(err)
		}
		*buf = newBuf
		if len(data) > 0 {
			m.Device.GetQueue().WriteBuffer(*buf, 0, data)
		}
		m.Generation++
		return true
	}
	if len(data) > 0 {
		m.Device.GetQueue().WriteBuffer(*buf, 0, data)
	}
	return false
}

// UploadSplats writes packed splat data. It reports whether any buffer was
// recreated.
func (m *SplatBufferManager) UploadSplats(p *PackedSplats) bool {
	recreated := false
	recreated = m.ensureBuffer("SplatCenters", &m.CentersBuf, float32Bytes(p.Centers), wgpu.BufferUsageStorage, HeadroomSplats) || recreated
	cov := float32Bytes(p.Covariances)
	if p.Half {
		cov = uint32Bytes(p.CovariancesHalf)
	}
	recreated = m.ensureBuffer("SplatCovariances", &m.CovariancesBuf, cov, wgpu.BufferUsageStorage, HeadroomSplats) || recreated
	recreated = m.ensureBuffer("SplatColors", &m.ColorsBuf, uint32Bytes(p.Colors), wgpu.BufferUsageStorage, HeadroomSplats) || recreated
	recreated = m.ensureBuffer("SplatSH", &m.SHBuf, float32Bytes(p.SH), wgpu.BufferUsageStorage, 0) || recreated

	m.SplatCount = uint32(p.Count)
	m.SHDegree = p.SHDegree
	m.Half = p.Half
	return recreated
}

// UploadOrder writes the back to front draw order.
func (m *SplatBufferManager) UploadOrder(order []uint32) bool {
	m.RenderCount = uint32(len(order))
	return m.ensureBuffer("SplatOrder", &m.OrderBuf, uint32Bytes(order), wgpu.BufferUsageStorage, HeadroomOrder)
}

func (m *SplatBufferManager) UploadTransforms(transforms []mgl32.Mat4) bool {
	return m.ensureBuffer("SceneTransforms", &m.TransformsBuf, TransformsBytes(transforms), wgpu.BufferUsageStorage, 0)
}

func (m *SplatBufferManager) UpdateUniforms(u Uniforms) bool {
	return m.ensureBuffer("SplatUniforms", &m.UniformsBuf, u.Bytes(), wgpu.BufferUsageUniform, 0)
}

// Ready reports whether every buffer the render pass binds exists.
func (m *SplatBufferManager) Ready() bool {
	return m.UniformsBuf != nil && m.CentersBuf != nil && m.CovariancesBuf != nil &&
		m.ColorsBuf != nil && m.SHBuf != nil && m.TransformsBuf != nil && m.OrderBuf != nil
}

func (m *SplatBufferManager) Release() {
	for _, b := range []**wgpu.Buffer{&m.UniformsBuf, &m.CentersBuf, &m.CovariancesBuf, &m.ColorsBuf, &m.SHBuf, &m.TransformsBuf, &m.OrderBuf} {
		if *b != nil {
			(*b).Release()
			*b = nil
		}
	}
}
