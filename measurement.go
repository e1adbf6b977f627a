package compositor

import (
	"image"
	"math"
)

// Stage geometry helpers. Element geometry is stored in stage (display)
// pixels; the template's native resolution is recovered by multiplying with
// the export pixel ratio 1/DisplayScale.

const (
	// DefaultViewportWidth and DefaultViewportHeight bound the display size
	// of a template when no viewport is known.
	DefaultViewportWidth  = 800
	DefaultViewportHeight = 600
	// MinElementSize is the smallest width or height an element can be
	// resized to.
	MinElementSize = 20
	// maxStageDimension guards against absurd raster sizes.
	maxStageDimension = 1 << 14
)

// Size is a width/height pair in pixels.
type Size struct {
	W float64 `json:"width" yaml:"width"`
	H float64 `json:"height" yaml:"height"`
}

// Rect is an axis-aligned rectangle in pixels.
type Rect struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	W float64 `json:"width" yaml:"width"`
	H float64 `json:"height" yaml:"height"`
}

// Size returns the rectangle's dimensions.
func (r Rect) Size() Size { return Size{W: r.W, H: r.H} }

// Local returns the rectangle moved to the origin.
func (r Rect) Local() Rect { return Rect{W: r.W, H: r.H} }

// Scale returns the rectangle with every coordinate multiplied by k.
func (r Rect) Scale(k float64) Rect {
	return Rect{X: r.X * k, Y: r.Y * k, W: r.W * k, H: r.H * k}
}

// pixels converts the rectangle to integer raster coordinates.
func (r Rect) pixels() image.Rectangle {
	return image.Rect(
		int(math.Round(r.X)),
		int(math.Round(r.Y)),
		int(math.Round(r.X+r.W)),
		int(math.Round(r.Y+r.H)),
	)
}

// FitToViewport returns the display scale of an image of the given native
// size inside a maxW x maxH viewport. The image is only ever scaled down, so
// the result is in (0, 1].
func FitToViewport(width, height int, maxW, maxH float64) float64 {
	if width <= 0 || height <= 0 {
		return 1
	}
	if maxW <= 0 {
		maxW = DefaultViewportWidth
	}
	if maxH <= 0 {
		maxH = DefaultViewportHeight
	}
	scale := math.Min(maxW/float64(width), maxH/float64(height))
	return math.Min(scale, 1)
}

// scaledDimension rounds a native dimension to its display size.
func scaledDimension(n int, scale float64) int {
	v := int(math.Round(float64(n) * scale))
	if v < 1 {
		v = 1
	}
	if v > maxStageDimension {
		v = maxStageDimension
	}
	return v
}
