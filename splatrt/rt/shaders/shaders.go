package shaders

import (
	_ "embed"
)

//go:embed splat.wgsl
var SplatWGSL string

//go:embed distance.wgsl
var DistanceWGSL string
