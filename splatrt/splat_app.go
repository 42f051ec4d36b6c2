package main

import (
	"context"

	"github.com/chewxy/math32"
	"github.com/cogentcore/webgpu/wgpu"
	"github.com/cogentcore/webgpu/wgpuglfw"
	"github.com/go-gl/glfw/v3.3/glfw"
	"github.com/go-gl/mathgl/mgl32"

	"github.com/gekko3d/gsplat"
	"github.com/gekko3d/gsplat/splatrt/rt/core"
)

// orbitCamera circles Target at Distance.
type orbitCamera struct {
	Target      mgl32.Vec3
	Distance    float32
	Yaw         float32
	Pitch       float32
	Sensitivity float32
}

func (o *orbitCamera) Eye() mgl32.Vec3 {
	cp := math32.Cos(o.Pitch)
	return o.Target.Add(mgl32.Vec3{
		cp * math32.Sin(o.Yaw),
		math32.Sin(o.Pitch),
		cp * math32.Cos(o.Yaw),
	}.Mul(o.Distance))
}

func (o *orbitCamera) Rotate(dx, dy float32) {
	o.Yaw -= dx * o.Sensitivity
	o.Pitch += dy * o.Sensitivity
	limit := float32(1.5)
	o.Pitch = math32.Max(-limit, math32.Min(limit, o.Pitch))
}

func (o *orbitCamera) Zoom(steps float32) {
	o.Distance = math32.Max(0.1, o.Distance*math32.Pow(0.9, steps))
}

type SplatApp struct {
	Window   *glfw.Window
	Instance *wgpu.Instance
	Adapter  *wgpu.Adapter
	Device   *wgpu.Device
	Queue    *wgpu.Queue
	Surface  *wgpu.Surface
	Config   *wgpu.SurfaceConfiguration

	Options gsplat.Options
	Logger  gsplat.Logger
	Viewer  *gsplat.Viewer
	Camera  *core.Camera
	Orbit   orbitCamera

	MouseCaptured bool
	lastX, lastY  float64

	LastRenderTime float64
	FrameCount     int
	FPS            float64
	FPSTime        float64
}

func NewSplatApp(window *glfw.Window, opts gsplat.Options, logger gsplat.Logger) *SplatApp {
	return &SplatApp{
		Window:  window,
		Options: opts,
		Logger:  logger,
		Orbit:   orbitCamera{Distance: 5, Sensitivity: 0.005},
	}
}

func (a *SplatApp) Init() error {
	a.Instance = wgpu.CreateInstance(nil)
	a.Surface = a.Instance.CreateSurface(wgpuglfw.GetSurfaceDescriptor(a.Window))

	adapter, err := a.Instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		CompatibleSurface: a.Surface,
		PowerPreference:   wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		return err
	}
	a.Adapter = adapter

	a.Device, err = adapter.RequestDevice(nil)
	if err != nil {
		return err
	}
	a.Queue = a.Device.GetQueue()

	width, height := a.Window.GetFramebufferSize()
	caps := a.Surface.GetCapabilities(adapter)
	format := caps.Formats[0]
	a.Config = &wgpu.SurfaceConfiguration{
		Usage:       wgpu.TextureUsageRenderAttachment,
		Format:      format,
		Width:       uint32(width),
		Height:      uint32(height),
		PresentMode: wgpu.PresentModeFifo,
		AlphaMode:   caps.AlphaModes[0],
	}
	a.Surface.Configure(adapter, a.Device, a.Config)

	a.Viewer, err = gsplat.NewViewer(a.Options,
		gsplat.WithDevice(a.Device, format),
		gsplat.WithLogger(a.Logger),
	)
	if err != nil {
		return err
	}
	a.Viewer.SetViewport(width, height)
	a.Camera = core.NewPerspectiveCamera(a.Orbit.Eye(), a.Orbit.Target, mgl32.Vec3{0, 1, 0},
		mgl32.DegToRad(60), float32(width)/float32(max(height, 1)), 0.1, 1000)
	return nil
}

// Load adds scenes one by one so each renders as soon as it is ready.
func (a *SplatApp) Load(ctx context.Context, paths []string) {
	for _, p := range paths {
		if _, err := a.Viewer.AddSplatScene(ctx, p, gsplat.SceneOptions{}); err != nil {
			a.Logger.Errorf("load %s: %v", p, err)
		}
	}
}

func (a *SplatApp) Resize(w, h int) {
	if w <= 0 || h <= 0 {
		return
	}
	a.Config.Width = uint32(w)
	a.Config.Height = uint32(h)
	a.Surface.Configure(a.Adapter, a.Device, a.Config)
	a.Viewer.SetViewport(w, h)
	a.Camera.Aspect = float32(w) / float32(h)
	a.Camera.UpdateProjection()
}

func (a *SplatApp) HandleCursor(x, y float64) {
	if a.MouseCaptured {
		a.Orbit.Rotate(float32(x-a.lastX), float32(y-a.lastY))
	}
	a.lastX, a.lastY = x, y
}

func (a *SplatApp) Update() {
	a.Camera.LookAt(a.Orbit.Eye(), a.Orbit.Target, mgl32.Vec3{0, 1, 0})
	a.Viewer.Update(a.Camera)
}

func (a *SplatApp) Render() {
	nextTexture, err := a.Surface.GetCurrentTexture()
	if err != nil {
		a.Logger.Errorf("GetCurrentTexture failed: %v", err)
		return
	}
	defer nextTexture.Release()

	view, err := nextTexture.CreateView(nil)
	if err != nil {
		a.Logger.Errorf("CreateView failed: %v", err)
		return
	}
	defer view.Release()

	encoder, err := a.Device.CreateCommandEncoder(nil)
	if err != nil {
		a.Logger.Errorf("CreateCommandEncoder failed: %v", err)
		return
	}
	defer encoder.Release()

	rPass := encoder.BeginRenderPass(&wgpu.RenderPassDescriptor{
		ColorAttachments: []wgpu.RenderPassColorAttachment{{
			View:       view,
			LoadOp:     wgpu.LoadOpClear,
			StoreOp:    wgpu.StoreOpStore,
			ClearValue: wgpu.Color{R: 0, G: 0, B: 0, A: 1},
		}},
	})
	if err := a.Viewer.Render(rPass, a.Camera); err != nil {
		a.Logger.Warnf("splat render: %v", err)
	}
	if err := rPass.End(); err != nil {
		a.Logger.Errorf("render pass End failed: %v", err)
	}

	cmd, err := encoder.Finish(nil)
	if err != nil {
		a.Logger.Errorf("encoder Finish failed: %v", err)
		return
	}
	defer cmd.Release()
	a.Queue.Submit(cmd)
	a.Surface.Present()

	now := glfw.GetTime()
	if a.LastRenderTime > 0 {
		a.FrameCount++
		a.FPSTime += now - a.LastRenderTime
		if a.FPSTime >= 1.0 {
			a.FPS = float64(a.FrameCount) / a.FPSTime
			a.FrameCount = 0
			a.FPSTime = 0
			a.Logger.Debugf("%.1f fps, %d splats\n%s", a.FPS, a.Viewer.SplatCount(), a.Viewer.Profiler().GetStatsString())
		}
	}
	a.LastRenderTime = now
}

// pickRay unprojects a cursor position into a world space ray.
func (a *SplatApp) pickRay(x, y float64) (mgl32.Vec3, mgl32.Vec3) {
	w, h := a.Window.GetSize()
	ndcX := float32(2*x/float64(max(w, 1)) - 1)
	ndcY := float32(1 - 2*y/float64(max(h, 1)))
	inv := a.Camera.ViewProj().Inv()
	near := inv.Mul4x1(mgl32.Vec4{ndcX, ndcY, -1, 1})
	far := inv.Mul4x1(mgl32.Vec4{ndcX, ndcY, 1, 1})
	n := near.Vec3().Mul(1 / near.W())
	f := far.Vec3().Mul(1 / far.W())
	return n, f.Sub(n).Normalize()
}

// HandleClick centers the orbit on the splat under the cursor.
func (a *SplatApp) HandleClick(button glfw.MouseButton, action glfw.Action) {
	if a.MouseCaptured || action != glfw.Press || button != glfw.MouseButtonLeft {
		return
	}
	origin, dir := a.pickRay(a.Window.GetCursorPos())
	id, hit, ok := a.Viewer.Raycast(origin, dir)
	if !ok {
		return
	}
	a.Logger.Infof("picked splat %d of scene %s at %v", hit.Local, id, hit.Point)
	a.Orbit.Target = hit.Point
}

func (a *SplatApp) Release() {
	if a.Viewer != nil {
		a.Viewer.Dispose()
	}
	if a.Device != nil {
		a.Device.Release()
	}
	if a.Adapter != nil {
		a.Adapter.Release()
	}
	if a.Surface != nil {
		a.Surface.Release()
	}
	if a.Instance != nil {
		a.Instance.Release()
	}
}
