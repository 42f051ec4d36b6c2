package main

import (
	"context"
	"flag"
	"runtime"

	"github.com/go-gl/glfw/v3.3/glfw"

	"github.com/gekko3d/gsplat"
)

func init() {
	runtime.LockOSThread()
}

func main() {
	config := flag.String("config", "", "yaml file with viewer options")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	opts := gsplat.DefaultOptions()
	if *config != "" {
		var err error
		if opts, err = gsplat.LoadOptions(*config); err != nil {
			panic(err)
		}
	}
	opts.Debug = opts.Debug || *debug
	logger := gsplat.NewDefaultLogger("splatrt", opts.Debug)

	if err := glfw.Init(); err != nil {
		panic(err)
	}
	defer glfw.Terminate()

	glfw.WindowHint(glfw.ClientAPI, glfw.NoAPI)
	window, err := glfw.CreateWindow(1280, 720, "Gaussian Splats", nil, nil)
	if err != nil {
		panic(err)
	}
	defer window.Destroy()

	application := NewSplatApp(window, opts, logger)
	if err := application.Init(); err != nil {
		panic(err)
	}
	defer application.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go application.Load(ctx, flag.Args())

	window.SetFramebufferSizeCallback(func(w *glfw.Window, width, height int) {
		application.Resize(width, height)
	})

	window.SetCursorPosCallback(func(w *glfw.Window, xpos, ypos float64) {
		application.HandleCursor(xpos, ypos)
	})

	window.SetScrollCallback(func(w *glfw.Window, xoff, yoff float64) {
		application.Orbit.Zoom(float32(yoff))
	})

	window.SetKeyCallback(func(w *glfw.Window, key glfw.Key, scancode int, action glfw.Action, mods glfw.ModifierKey) {
		if key == glfw.KeyTab && action == glfw.Press {
			application.MouseCaptured = !application.MouseCaptured
			if application.MouseCaptured {
				w.SetInputMode(glfw.CursorMode, glfw.CursorDisabled)
			} else {
				w.SetInputMode(glfw.CursorMode, glfw.CursorNormal)
			}
		}
		if key == glfw.KeyEscape && action == glfw.Press {
			w.SetShouldClose(true)
		}

		// Splat scale
		if action == glfw.Press || action == glfw.Repeat {
			if key == glfw.KeyEqual || key == glfw.KeyKPAdd {
				application.Options.SplatScale *= 1.1
				application.Viewer.SetSplatScale(application.Options.SplatScale)
			}
			if key == glfw.KeyMinus || key == glfw.KeyKPSubtract {
				application.Options.SplatScale *= 0.909
				application.Viewer.SetSplatScale(application.Options.SplatScale)
			}
		}
	})

	window.SetMouseButtonCallback(func(w *glfw.Window, button glfw.MouseButton, action glfw.Action, mods glfw.ModifierKey) {
		application.HandleClick(button, action)
	})

	for !window.ShouldClose() {
		glfw.PollEvents()
		application.Update()
		application.Render()
	}
}
