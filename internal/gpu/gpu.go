// Package gpu is the narrow rendering interface the pipeline drives: render
// targets, an external image fed by the video decoder, fixed programs,
// asynchronous pixel transfers and fences.
//
// A Context is bound to one goroutine at a time. Objects created by one
// context may be sampled by a context created with NewShared, but each
// context only issues commands against objects it created or was handed.
package gpu

import (
	"errors"
	"image"

	"github.com/zsiec/vcam/internal/geom"
)

// ErrReleased is returned when an operation touches a released object.
var ErrReleased = errors.New("gpu: object released")

// Format is a texture pixel format.
type Format int

// Supported texture formats.
const (
	FormatRGBA8 Format = iota
	FormatR8
	FormatRG8
)

// BytesPerPixel returns the pixel size of f.
func (f Format) BytesPerPixel() int {
	switch f {
	case FormatR8:
		return 1
	case FormatRG8:
		return 2
	}
	return 4
}

func (f Format) String() string {
	switch f {
	case FormatRGBA8:
		return "RGBA8"
	case FormatR8:
		return "R8"
	case FormatRG8:
		return "RG8"
	}
	return "unknown"
}

// Texture is a sampleable image. Rows are stored bottom-up: row 0 is the
// bottom of the image, as with any GL texture.
type Texture interface {
	Size() (w, h int)
	Format() Format
}

// Target is a render target: a texture a pass can draw into.
type Target interface {
	Texture() Texture
	Size() (w, h int)
	Release()
}

// ExternalImage binds decoder output to a sampleable texture. The decoder
// queues images; UpdateTexImage latches the newest one.
type ExternalImage interface {
	// QueueImage hands a decoded frame to the image. Called from the
	// decoder side.
	QueueImage(img *image.RGBA, ptsUs int64)
	// UpdateTexImage latches the most recently queued frame into Texture.
	UpdateTexImage() error
	// TransformMatrix maps texture coordinates of the latched frame.
	TransformMatrix() geom.Mat4
	// Timestamp returns the latched frame's presentation time.
	Timestamp() int64
	Texture() Texture
	Release()
}

// Fence marks the point in the command stream at which it was created.
type Fence interface {
	// Signaled reports, without waiting, whether every command issued
	// before the fence has completed.
	Signaled() bool
	Release()
}

// TransferBuffer is GPU-visible memory that pixel data is copied into for
// CPU access.
type TransferBuffer interface {
	Size() int
	// Map exposes the buffer contents. The slice is valid until Unmap.
	Map() ([]byte, error)
	Unmap()
	Release()
}

// Program selects one of the fixed shader programs.
type Program int

// Programs. Every program samples Source at (TexMatrix * texcoord),
// clamped to the edge.
const (
	// ProgramCopyExternal copies an ExternalImage into an RGBA target.
	ProgramCopyExternal Program = iota
	// ProgramComposite copies an RGBA texture.
	ProgramComposite
	// ProgramLuma writes BT.601 luma into an R8 target.
	ProgramLuma
	// ProgramChroma writes BT.601 (V, U) into an RG8 target.
	ProgramChroma
)

// BT.601 conversion weights used by ProgramLuma and ProgramChroma. Chroma
// is offset by 0.5 so it fits an unsigned normalized channel.
var (
	LumaWeights = [3]float32{0.299, 0.587, 0.114}
	VWeights    = [3]float32{0.500, -0.419, -0.081}
	UWeights    = [3]float32{-0.169, -0.331, 0.500}
)

// Pass is one full-screen draw.
type Pass struct {
	Program   Program
	Source    Texture
	TexMatrix geom.Mat4
	// Target receives the draw; nil draws to the window.
	Target Target
	// Clear fills the target with opaque black first.
	Clear bool
}

// Window is the on-screen surface a main context presents to.
type Window interface {
	Size() (w, h int)
	// Present receives the composed frame, top row first.
	Present(frame *image.RGBA) error
}

// Context issues rendering commands.
type Context interface {
	// MakeCurrent binds the context to the calling goroutine's OS thread.
	MakeCurrent() error
	NewTarget(w, h int, f Format) (Target, error)
	NewExternalImage() (ExternalImage, error)
	NewTransferBuffer(size int) (TransferBuffer, error)
	Draw(p Pass) error
	// ReadPixels copies t into dst synchronously, bottom row first.
	ReadPixels(t Target, dst []byte) error
	// ReadPixelsAsync schedules a copy of t into buf and returns at once.
	ReadPixelsAsync(t Target, buf TransferBuffer) error
	// FenceSync inserts a fence after every command issued so far.
	FenceSync() (Fence, error)
	// SwapBuffers presents the window contents. Contexts without a window
	// return an error.
	SwapBuffers() error
	// NewShared creates a context without a window that can sample this
	// context's textures.
	NewShared() (Context, error)
	Destroy()
}

// Driver creates window-bound contexts.
type Driver interface {
	NewContext(w Window) (Context, error)
}
