package gpu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/go-gl/mathgl/mgl32"

	"github.com/gekko3d/gsplat/splatrt/rt/shaders"
	"github.com/gekko3d/gsplat/splatrt/rt/sorter"
)

const distanceWorkgroupSize = 256

// readback states
const (
	readbackIdle = iota
	readbackMapping
	readbackMapped
	readbackFailed
)

var ErrReadbackBusy = errors.New("gpu: distance readback in progress")

// DistancePass computes per-splat view depths in a compute shader and reads
// them back asynchronously. It implements sorter.DistanceComputer.
type DistancePass struct {
	Device   *wgpu.Device
	Pipeline *wgpu.ComputePipeline
	Layout   *wgpu.BindGroupLayout

	CentersBuf  *wgpu.Buffer
	ParamsBuf   *wgpu.Buffer
	OutBuf      *wgpu.Buffer
	ReadbackBuf *wgpu.Buffer
	BindGroup   *wgpu.BindGroup

	count uint32

	StateMu sync.Mutex
	state   int
	serial  uint64
}

var _ sorter.DistanceComputer = (*DistancePass)(nil)

func NewDistancePass(device *wgpu.Device) (*DistancePass, error) {
	module, err := device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          "SplatDistanceShader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: shaders.DistanceWGSL},
	})
	if err != nil {
		return nil, err
	}
	bgl, err := device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label: "SplatDistanceBGL",
		Entries: []wgpu.BindGroupLayoutEntry{
			{
				Binding:    0,
				Visibility: wgpu.ShaderStageCompute,
				Buffer:     wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeUniform, MinBindingSize: 32},
			},
			storageEntry(1, wgpu.ShaderStageCompute),
			{
				Binding:    2,
				Visibility: wgpu.ShaderStageCompute,
				Buffer:     wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeStorage},
			},
		},
	})
	if err != nil {
		return nil, err
	}
	layout, err := device.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		BindGroupLayouts: []*wgpu.BindGroupLayout{bgl},
	})
	if err != nil {
		return nil, err
	}
	pipeline, err := device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:  "SplatDistancePipeline",
		Layout: layout,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     module,
			EntryPoint: "main",
		},
	})
	if err != nil {
		return nil, err
	}
	return &DistancePass{Device: device, Pipeline: pipeline, Layout: bgl}, nil
}

func (p *DistancePass) createBuffer(buf **wgpu.Buffer, label string, size uint64, usage wgpu.BufferUsage) error {
	if *buf != nil {
		(*buf).Release()
	}
	b, err := p.Device.CreateBuffer(&wgpu.BufferDescriptor{Label: label, Size: max(size, 16), Usage: usage})
	if err != nil {
		return err
	}
	*buf = b
	return nil
}

// SetCenters uploads xyz centers as vec4 and sizes the output buffers.
func (p *DistancePass) SetCenters(centers []float32) error {
	p.StateMu.Lock()
	defer p.StateMu.Unlock()
	// A pending map on the old readback buffer is abandoned with it.
	if p.state == readbackMapped {
		p.ReadbackBuf.Unmap()
	}
	p.state = readbackIdle
	p.serial++

	n := len(centers) / 3
	p.count = uint32(n)
	v4 := make([]float32, n*4)
	for i := 0; i < n; i++ {
		copy(v4[i*4:], centers[i*3:i*3+3])
		v4[i*4+3] = 1
	}
	size := uint64(n * 4 * 4)
	if err := p.createBuffer(&p.CentersBuf, "SplatDistanceCenters", size, wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst); err != nil {
		return err
	}
	if err := p.createBuffer(&p.ParamsBuf, "SplatDistanceParams", 32, wgpu.BufferUsageUniform|wgpu.BufferUsageCopyDst); err != nil {
		return err
	}
	if err := p.createBuffer(&p.OutBuf, "SplatDistances", uint64(n*4), wgpu.BufferUsageStorage|wgpu.BufferUsageCopySrc); err != nil {
		return err
	}
	if err := p.createBuffer(&p.ReadbackBuf, "SplatDistanceReadback", uint64(n*4), wgpu.BufferUsageCopyDst|wgpu.BufferUsageMapRead); err != nil {
		return err
	}
	if n > 0 {
		p.Device.GetQueue().WriteBuffer(p.CentersBuf, 0, float32Bytes(v4))
	}

	bg, err := p.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  "SplatDistanceBG",
		Layout: p.Layout,
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: p.ParamsBuf, Size: 32},
			{Binding: 1, Buffer: p.CentersBuf, Size: p.CentersBuf.GetSize()},
			{Binding: 2, Buffer: p.OutBuf, Size: p.OutBuf.GetSize()},
		},
	})
	if err != nil {
		return err
	}
	if p.BindGroup != nil {
		p.BindGroup.Release()
	}
	p.BindGroup = bg
	return nil
}

// distanceParams matches the WGSL DistanceParams struct: the view row as
// vec4 then the splat count.
func distanceParams(view mgl32.Mat4, count uint32) []byte {
	buf := make([]byte, 32)
	row := sorter.ViewRow(view)
	for i, v := range row {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	binary.LittleEndian.PutUint32(buf[16:], count)
	return buf
}

// Compute dispatches the distance shader and starts the readback copy. The
// returned fence signals once the mapping completes.
func (p *DistancePass) Compute(view mgl32.Mat4) (sorter.Fence, error) {
	p.StateMu.Lock()
	defer p.StateMu.Unlock()
	if p.BindGroup == nil {
		return nil, fmt.Errorf("gpu: distance pass has no centers")
	}
	if p.state != readbackIdle && p.state != readbackFailed {
		return nil, ErrReadbackBusy
	}
	if p.count == 0 {
		return sorter.ReadyFence(nil), nil
	}

	queue := p.Device.GetQueue()
	queue.WriteBuffer(p.ParamsBuf, 0, distanceParams(view, p.count))

	encoder, err := p.Device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, err
	}
	defer encoder.Release()
	pass := encoder.BeginComputePass(nil)
	pass.SetPipeline(p.Pipeline)
	pass.SetBindGroup(0, p.BindGroup, nil)
	pass.DispatchWorkgroups((p.count+distanceWorkgroupSize-1)/distanceWorkgroupSize, 1, 1)
	if err := pass.End(); err != nil {
		return nil, err
	}
	encoder.CopyBufferToBuffer(p.OutBuf, 0, p.ReadbackBuf, 0, uint64(p.count)*4)
	cmd, err := encoder.Finish(nil)
	if err != nil {
		return nil, err
	}
	defer cmd.Release()
	queue.Submit(cmd)

	p.serial++
	serial := p.serial
	p.state = readbackMapping
	err = p.ReadbackBuf.MapAsync(wgpu.MapModeRead, 0, p.ReadbackBuf.GetSize(), func(status wgpu.BufferMapAsyncStatus) {
		p.StateMu.Lock()
		defer p.StateMu.Unlock()
		if p.serial != serial {
			return
		}
		if status == wgpu.BufferMapAsyncStatusSuccess {
			p.state = readbackMapped
		} else {
			p.state = readbackFailed
		}
	})
	if err != nil {
		p.state = readbackIdle
		return nil, err
	}
	return &distanceFence{p: p, serial: serial}, nil
}

type distanceFence struct {
	p      *DistancePass
	serial uint64
}

// Ready polls the device without blocking.
func (f *distanceFence) Ready() bool {
	f.p.Device.Poll(false, nil)
	f.p.StateMu.Lock()
	defer f.p.StateMu.Unlock()
	if f.p.serial != f.serial {
		return true
	}
	return f.p.state == readbackMapped || f.p.state == readbackFailed
}

func (f *distanceFence) Distances() ([]float32, error) {
	p := f.p
	p.StateMu.Lock()
	defer p.StateMu.Unlock()
	if p.serial != f.serial {
		return nil, fmt.Errorf("gpu: distance readback superseded")
	}
	switch p.state {
	case readbackFailed:
		p.state = readbackIdle
		return nil, fmt.Errorf("gpu: distance readback map failed")
	case readbackMapped:
	default:
		return nil, ErrReadbackBusy
	}

	size := uint64(p.count) * 4
	data := p.ReadbackBuf.GetMappedRange(0, uint(size))
	out := make([]float32, p.count)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	p.ReadbackBuf.Unmap()
	p.state = readbackIdle
	return out, nil
}

func (p *DistancePass) Release() {
	for _, b := range []**wgpu.Buffer{&p.CentersBuf, &p.ParamsBuf, &p.OutBuf, &p.ReadbackBuf} {
		if *b != nil {
			(*b).Release()
			*b = nil
		}
	}
	if p.BindGroup != nil {
		p.BindGroup.Release()
		p.BindGroup = nil
	}
	if p.Pipeline != nil {
		p.Pipeline.Release()
		p.Pipeline = nil
	}
}
