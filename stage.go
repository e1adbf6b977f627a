package compositor

import (
	"image"
	"math"
)

// TextContent is the resolved content of a text node.
type TextContent struct {
	Value    string
	Lines    []string
	FontSize float64
	// OffsetY is the distance from the box top to the first line.
	OffsetY float64
	Family  string
	Bold    bool
	HAlign  HorizontalAlignment
	Fill    FillType
	Color   Color
	// Gradient stops, painted top to bottom over the box height.
	GradientStart Color
	GradientEnd   Color
}

// ImageContent is the resolved content of an image node.
type ImageContent struct {
	Image  image.Image
	Source string // candidate that loaded
	// Draw is the image rectangle relative to the box origin. It may extend
	// past the box under cover mode; the clip hides the overflow.
	Draw Rect
}

// ElementNode is the renderable form of one element.
type ElementNode struct {
	ID   string
	Kind ElementKind
	// Box is the unscaled bounding rectangle in stage pixels.
	Box    Rect
	ScaleX float64
	ScaleY float64
	// Clip is the local clip rectangle of image nodes. It always equals the
	// unscaled box, whatever the image content.
	Clip    *Rect
	Visible bool

	Text  *TextContent
	Image *ImageContent
	// PlaceholderVisible is set on image nodes without a loaded image.
	PlaceholderVisible bool

	// Editing affordances. Export clones have all of them off.
	ShowOutline     bool
	ShowPlaceholder bool
	Selectable      bool

	textStyle  TextStyle
	imageStyle ImageStyle
}

// Frame returns the box with the pending scale applied.
func (n *ElementNode) Frame() Rect {
	return Rect{
		X: n.Box.X,
		Y: n.Box.Y,
		W: n.Box.W * math.Abs(n.ScaleX),
		H: n.Box.H * math.Abs(n.ScaleY),
	}
}

func (n *ElementNode) clone() *ElementNode {
	c := *n
	if n.Clip != nil {
		clip := *n.Clip
		c.Clip = &clip
	}
	if n.Text != nil {
		t := *n.Text
		t.Lines = append([]string(nil), n.Text.Lines...)
		c.Text = &t
	}
	if n.Image != nil {
		i := *n.Image
		c.Image = &i
	}
	return &c
}

// Stage is a renderable scene: the template plus one node per element in
// z-order. Nodes are addressed by element id.
//
// A Stage is not safe for concurrent population. Callers serialize
// Populate calls against one stage; exports use a fresh clone per row.
type Stage struct {
	Width    int
	Height   int
	template image.Image
	nodes    []*ElementNode
	index    map[string]int
	export   bool
}

// NewStage builds the live stage of doc. Without a template the stage has
// the default viewport size and no background.
func NewStage(doc *Document) *Stage {
	s := &Stage{
		Width:  DefaultViewportWidth,
		Height: DefaultViewportHeight,
		index:  make(map[string]int),
	}
	if t := doc.Template(); t != nil {
		s.Width, s.Height = t.DisplaySize()
		s.template = t.Image()
	}
	for _, e := range doc.Elements() {
		s.add(newElementNode(e))
	}
	return s
}

func newElementNode(e Element) *ElementNode {
	b := e.base()
	n := &ElementNode{
		ID:              e.ID(),
		Kind:            e.Kind(),
		Box:             b.bounds,
		ScaleX:          b.scaleX,
		ScaleY:          b.scaleY,
		Visible:         b.visible,
		ShowOutline:     true,
		ShowPlaceholder: true,
		Selectable:      b.visible && !b.locked,
	}
	switch el := e.(type) {
	case *TextElement:
		n.textStyle = el.Style
		n.Text = &TextContent{}
	case *ImageElement:
		n.imageStyle = el.Style
		clip := b.bounds.Local()
		n.Clip = &clip
		n.Image = &ImageContent{Draw: clip}
		n.PlaceholderVisible = true
	}
	return n
}

func (s *Stage) add(n *ElementNode) {
	s.index[n.ID] = len(s.nodes)
	s.nodes = append(s.nodes, n)
}

// Node returns the node of an element.
func (s *Stage) Node(id string) (*ElementNode, bool) {
	i, ok := s.index[id]
	if !ok {
		return nil, false
	}
	return s.nodes[i], true
}

// Nodes returns the nodes in z-order, bottom first.
func (s *Stage) Nodes() []*ElementNode {
	return append([]*ElementNode(nil), s.nodes...)
}

// Template returns the background image, or nil.
func (s *Stage) Template() image.Image { return s.template }

// IsExport reports whether s is an export clone.
func (s *Stage) IsExport() bool { return s.export }

// ExportClone deep-copies the stage with every editing affordance hidden
// and nothing selectable.
func (s *Stage) ExportClone() *Stage {
	c := &Stage{
		Width:    s.Width,
		Height:   s.Height,
		template: s.template,
		nodes:    make([]*ElementNode, 0, len(s.nodes)),
		index:    make(map[string]int, len(s.nodes)),
		export:   true,
	}
	for _, n := range s.nodes {
		cn := n.clone()
		cn.ShowOutline = false
		cn.ShowPlaceholder = false
		cn.Selectable = false
		c.add(cn)
	}
	return c
}

// Selectable returns the ids of the nodes the selection surface may target.
func (s *Stage) Selectable() []string {
	var ids []string
	for _, n := range s.nodes {
		if n.Selectable {
			ids = append(ids, n.ID)
		}
	}
	return ids
}

// ApplyGeometry copies e's geometry onto its node and re-derives the clip
// and content rectangles. Text lines are re-derived on the next Populate.
// It reports whether the node changed.
func (s *Stage) ApplyGeometry(e Element) bool {
	n, ok := s.Node(e.ID())
	if !ok {
		return false
	}
	b := e.base()
	changed := n.Box != b.bounds || n.ScaleX != b.scaleX || n.ScaleY != b.scaleY
	n.Box = b.bounds
	n.ScaleX = b.scaleX
	n.ScaleY = b.scaleY
	n.Visible = b.visible
	n.Selectable = !s.export && b.visible && !b.locked
	if n.Kind == KindImage {
		clip := n.Box.Local()
		n.Clip = &clip
		if n.Image == nil {
			n.Image = &ImageContent{}
		}
		if n.Image.Image != nil {
			n.Image.Draw = ImageFitRect(n.Box.Size(), imageSize(n.Image.Image),
				n.imageStyle.FitMode, n.imageStyle.HAlign, n.imageStyle.VAlign)
		} else {
			n.Image.Draw = clip
		}
	}
	return changed
}

func imageSize(img image.Image) Size {
	b := img.Bounds()
	return Size{W: float64(b.Dx()), H: float64(b.Dy())}
}
