package compositor

import (
	"math"

	"github.com/google/uuid"
)

// Element is a positioned layer of a document. It is implemented by
// *TextElement and *ImageElement only; consumers dispatch with a type switch.
type Element interface {
	ID() string
	Kind() ElementKind
	Bounds() Rect
	GetName() string
	IsVisible() bool
	IsLocked() bool
	// base returns the underlying BaseElement (unexported, internal use only).
	base() *BaseElement
}

// ElementKind tags the two element variants.
type ElementKind string

const (
	KindText  ElementKind = "text"
	KindImage ElementKind = "image"
)

// BaseElement contains the properties shared by all elements.
type BaseElement struct {
	id      string
	name    string
	bounds  Rect // stage pixels, unscaled
	scaleX  float64
	scaleY  float64
	visible bool
	locked  bool
}

func newBaseElement(id, name string, bounds Rect) BaseElement {
	return BaseElement{id: id, name: name, bounds: bounds, scaleX: 1, scaleY: 1, visible: true}
}

func (b *BaseElement) ID() string         { return b.id }
func (b *BaseElement) Bounds() Rect       { return b.bounds }
func (b *BaseElement) GetName() string    { return b.name }
func (b *BaseElement) IsVisible() bool    { return b.visible }
func (b *BaseElement) IsLocked() bool     { return b.locked }
func (b *BaseElement) base() *BaseElement { return b }

func (b *BaseElement) SetName(n string) *BaseElement { b.name = n; return b }

// SetPosition moves the element's top-left corner.
func (b *BaseElement) SetPosition(x, y float64) *BaseElement {
	b.bounds.X = x
	b.bounds.Y = y
	return b
}

// SetSize sets the unscaled width and height.
func (b *BaseElement) SetSize(w, h float64) *BaseElement {
	b.bounds.W = w
	b.bounds.H = h
	return b
}

// SetBounds replaces position and size at once.
func (b *BaseElement) SetBounds(r Rect) *BaseElement {
	b.bounds = r
	return b
}

// Scale returns the pending transform scale. It is (1, 1) except between
// an interactive resize and the following NormalizeTransform.
func (b *BaseElement) Scale() (float64, float64) { return b.scaleX, b.scaleY }

// SetScale records an interactive resize. Zero components are treated as 1.
func (b *BaseElement) SetScale(sx, sy float64) *BaseElement {
	if sx == 0 {
		sx = 1
	}
	if sy == 0 {
		sy = 1
	}
	b.scaleX = sx
	b.scaleY = sy
	return b
}

// normalize bakes the scale into the bounds. It reports whether anything
// changed; an element already at scale (1, 1) is left bit-identical.
func (b *BaseElement) normalize() bool {
	sx := math.Abs(b.scaleX)
	sy := math.Abs(b.scaleY)
	if sx == 1 && sy == 1 {
		return false
	}
	b.bounds.W = math.Max(MinElementSize, b.bounds.W*sx)
	b.bounds.H = math.Max(MinElementSize, b.bounds.H*sy)
	b.scaleX = 1
	b.scaleY = 1
	return true
}

// TextElement is a text layer.
type TextElement struct {
	BaseElement
	Style TextStyle
}

func (t *TextElement) Kind() ElementKind { return KindText }

// NewTextElement creates a text element with the default geometry and style.
func NewTextElement() *TextElement {
	return newTextElement("text-" + uuid.NewString())
}

func newTextElement(id string) *TextElement {
	return &TextElement{
		BaseElement: newBaseElement(id, "Text Layer", Rect{X: 60, Y: 60, W: 240, H: 80}),
		Style:       DefaultTextStyle(),
	}
}

// ImageElement is an image layer.
type ImageElement struct {
	BaseElement
	Style ImageStyle
}

func (i *ImageElement) Kind() ElementKind { return KindImage }

// NewImageElement creates an image element with the default geometry and style.
func NewImageElement() *ImageElement {
	return newImageElement("image-" + uuid.NewString())
}

func newImageElement(id string) *ImageElement {
	return &ImageElement{
		BaseElement: newBaseElement(id, "Image Layer", Rect{X: 120, Y: 120, W: 200, H: 200}),
		Style:       DefaultImageStyle(),
	}
}

// cloneElement returns a deep copy of e.
func cloneElement(e Element) Element {
	switch el := e.(type) {
	case *TextElement:
		c := *el
		return &c
	case *ImageElement:
		c := *el
		return &c
	}
	return nil
}
