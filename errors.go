package gsplat

import (
	"errors"

	"github.com/gekko3d/gsplat/splatrt/rt/codec"
)

var (
	// ErrAborted is returned by scene loads that were canceled, either by the
	// caller's context or by Dispose. The cancellation cause stays in the chain.
	ErrAborted = errors.New("gsplat: scene load aborted")

	// ErrDisposed is returned by every Viewer method called after Dispose.
	ErrDisposed = errors.New("gsplat: viewer disposed")

	ErrSceneNotFound = errors.New("gsplat: scene not found")
)

// FormatError reports malformed or unsupported file contents.
type FormatError = codec.FormatError
