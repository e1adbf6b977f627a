// Package compositor is a data-driven image compositor. A Document holds one
// template image and a set of positioned text and image elements bound to
// columns of a tabular dataset; the Renderer produces one raster per data
// row and the Exporter bundles every enabled row with a manifest.
//
// See the Version variable for the current library version.
package compositor

import (
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"math"
	"sort"

	"github.com/VantageDataChat/GoCompositor/table"
)

// OverlayKey is the reserved mapping value that binds an image element to
// the per-row overlay store instead of a dataset column.
const OverlayKey = "__overlay__"

// Redraw is returned by mutating operations. It tells the caller whether the
// change affects the rendered scene; the caller decides when to re-render.
type Redraw bool

// Row is one dataset record keyed by column name.
type Row = table.Row

// Dataset is the tabular data bound to a document.
type Dataset struct {
	Headers []string
	Rows    []Row
}

// DatasetFromTable converts a parsed table into a Dataset.
func DatasetFromTable(t *table.Table) Dataset {
	if t == nil {
		return Dataset{}
	}
	return Dataset{Headers: append([]string(nil), t.Headers...), Rows: t.Rows}
}

// DatasetFromRows builds a Dataset from bare rows. Headers are the keys of
// the first row, sorted; all rows are assumed homogeneous.
func DatasetFromRows(rows []Row) Dataset {
	ds := Dataset{Rows: rows}
	if len(rows) > 0 {
		for k := range rows[0] {
			ds.Headers = append(ds.Headers, k)
		}
		sort.Strings(ds.Headers)
	}
	return ds
}

// Template describes the background image of a document.
type Template struct {
	Source       string // path, URL or data URI the image was loaded from
	NativeWidth  int
	NativeHeight int
	// DisplayScale maps native pixels to stage pixels, in (0, 1].
	DisplayScale float64
	img          image.Image
}

// NewTemplate wraps a decoded image. The display scale is fitted to a
// maxW x maxH viewport (see FitToViewport).
func NewTemplate(img image.Image, source string, maxW, maxH float64) (*Template, error) {
	if img == nil {
		return nil, NewUserInputError("set template", ErrInvalidTemplate)
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, NewUserInputError("set template", fmt.Errorf("%w: empty image", ErrInvalidTemplate))
	}
	return &Template{
		Source:       source,
		NativeWidth:  b.Dx(),
		NativeHeight: b.Dy(),
		DisplayScale: FitToViewport(b.Dx(), b.Dy(), maxW, maxH),
		img:          img,
	}, nil
}

// LoadTemplate fetches and decodes a template through loader.
func LoadTemplate(ctx context.Context, loader ImageLoader, source string, maxW, maxH float64) (*Template, error) {
	img, err := loader.LoadImage(ctx, source)
	if err != nil {
		return nil, NewUserInputError("set template", fmt.Errorf("%w: %v", ErrInvalidTemplate, err))
	}
	return NewTemplate(img, source, maxW, maxH)
}

// Image returns the decoded template image.
func (t *Template) Image() image.Image { return t.img }

// DisplaySize returns the stage size in pixels.
func (t *Template) DisplaySize() (int, int) {
	return scaledDimension(t.NativeWidth, t.DisplayScale), scaledDimension(t.NativeHeight, t.DisplayScale)
}

// ExportPixelRatio returns the ratio that recovers native resolution from
// stage pixels. It is 1 when no display scale was ever applied.
func (t *Template) ExportPixelRatio() float64 {
	if t == nil || t.DisplayScale <= 0 || t.DisplayScale >= 1 {
		return 1
	}
	return 1 / t.DisplayScale
}

// Document is the scene model: template, ordered elements, column mapping,
// dataset, per-row overlays and per-row enable flags.
//
// A Document is not safe for concurrent mutation. Renders that overlap a
// setter call may observe a mix of old and new state.
type Document struct {
	template   *Template
	elements   map[string]Element
	order      []string
	mappings   map[string]string
	dataset    Dataset
	overlays   map[int]string
	rowEnabled []bool
}

// NewDocument creates an empty document.
func NewDocument() *Document {
	return &Document{
		elements: make(map[string]Element),
		order:    make([]string, 0),
		mappings: make(map[string]string),
		overlays: make(map[int]string),
	}
}

// SetTemplate replaces the template. A nil or empty template is rejected
// without touching the document.
func (d *Document) SetTemplate(t *Template) (Redraw, error) {
	if t == nil || t.img == nil || t.NativeWidth <= 0 || t.NativeHeight <= 0 {
		return false, NewUserInputError("set template", ErrInvalidTemplate)
	}
	if t.DisplayScale <= 0 || t.DisplayScale > 1 || math.IsNaN(t.DisplayScale) {
		return false, NewUserInputError("set template", fmt.Errorf("%w: display scale %v out of (0, 1]", ErrInvalidTemplate, t.DisplayScale))
	}
	d.template = t
	return true, nil
}

// Template returns the current template, or nil.
func (d *Document) Template() *Template { return d.template }

// CanAddElements reports whether element creation is enabled, which
// requires a template.
func (d *Document) CanAddElements() bool { return d.template != nil }

// AddTextElement creates a default text element on top of the stack.
func (d *Document) AddTextElement() (*TextElement, error) {
	t := NewTextElement()
	if _, err := d.AddElement(t); err != nil {
		return nil, err
	}
	return t, nil
}

// AddImageElement creates a default image element on top of the stack.
func (d *Document) AddImageElement() (*ImageElement, error) {
	i := NewImageElement()
	if _, err := d.AddElement(i); err != nil {
		return nil, err
	}
	return i, nil
}

// AddElement registers e on top of the stack.
func (d *Document) AddElement(e Element) (Redraw, error) {
	if d.template == nil {
		return false, ErrNoTemplate
	}
	return d.addElement(e)
}

func (d *Document) addElement(e Element) (Redraw, error) {
	if e == nil || e.ID() == "" {
		return false, fmt.Errorf("%w: empty id", ErrUnknownElement)
	}
	if _, ok := d.elements[e.ID()]; ok {
		return false, fmt.Errorf("%w: %s", ErrDuplicateElement, e.ID())
	}
	d.elements[e.ID()] = e
	d.order = append(d.order, e.ID())
	return true, nil
}

// RemoveElement drops an element from the scene. Its mapping entry, if
// any, stays behind and is inert.
func (d *Document) RemoveElement(id string) Redraw {
	if _, ok := d.elements[id]; !ok {
		return false
	}
	delete(d.elements, id)
	for i, oid := range d.order {
		if oid == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	return true
}

// Element returns the element with the given id.
func (d *Document) Element(id string) (Element, bool) {
	e, ok := d.elements[id]
	return e, ok
}

// Elements returns all elements in z-order, bottom first.
func (d *Document) Elements() []Element {
	out := make([]Element, 0, len(d.order))
	for _, id := range d.order {
		if e, ok := d.elements[id]; ok {
			out = append(out, e)
		}
	}
	return out
}

// Order returns a copy of the element ids in z-order, bottom first.
func (d *Document) Order() []string {
	return append([]string(nil), d.order...)
}

// ZOrder returns the element's position in the stack, or -1.
func (d *Document) ZOrder(id string) int {
	for i, oid := range d.order {
		if oid == id {
			return i
		}
	}
	return -1
}

// SetOrder reorders the stack. Unknown ids are dropped; known elements
// missing from ids keep their relative order on top of the listed ones.
func (d *Document) SetOrder(ids []string) Redraw {
	seen := make(map[string]bool, len(ids))
	next := make([]string, 0, len(d.order))
	for _, id := range ids {
		if _, ok := d.elements[id]; ok && !seen[id] {
			seen[id] = true
			next = append(next, id)
		}
	}
	for _, id := range d.order {
		if !seen[id] {
			next = append(next, id)
		}
	}
	d.order = next
	return true
}

// SetVisible shows or hides an element. Unknown ids are ignored.
func (d *Document) SetVisible(id string, visible bool) Redraw {
	e, ok := d.elements[id]
	if !ok {
		return false
	}
	e.base().visible = visible
	return true
}

// SetLocked excludes an element from the selection surface. Locked
// elements still render, so no redraw is requested.
func (d *Document) SetLocked(id string, locked bool) Redraw {
	if e, ok := d.elements[id]; ok {
		e.base().locked = locked
	}
	return false
}

// SetName sets the element's display name.
func (d *Document) SetName(id, name string) Redraw {
	if e, ok := d.elements[id]; ok {
		e.base().name = name
	}
	return false
}

// SetBounds moves and resizes an element.
func (d *Document) SetBounds(id string, r Rect) Redraw {
	e, ok := d.elements[id]
	if !ok {
		return false
	}
	e.base().bounds = r
	return true
}

// SetScale records an interactive resize of an element.
func (d *Document) SetScale(id string, sx, sy float64) Redraw {
	e, ok := d.elements[id]
	if !ok {
		return false
	}
	e.base().SetScale(sx, sy)
	return true
}

// NormalizeTransform bakes a pending resize into the element's width and
// height and resets its scale to 1. It is a no-op at scale (1, 1).
func (d *Document) NormalizeTransform(id string) Redraw {
	e, ok := d.elements[id]
	if !ok {
		return false
	}
	return Redraw(e.base().normalize())
}

// UpdateTextStyle applies fn to a text element's style.
func (d *Document) UpdateTextStyle(id string, fn func(*TextStyle)) (Redraw, error) {
	e, ok := d.elements[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownElement, id)
	}
	t, ok := e.(*TextElement)
	if !ok {
		return false, fmt.Errorf("element %s is not a text element", id)
	}
	fn(&t.Style)
	return true, nil
}

// UpdateImageStyle applies fn to an image element's style.
func (d *Document) UpdateImageStyle(id string, fn func(*ImageStyle)) (Redraw, error) {
	e, ok := d.elements[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownElement, id)
	}
	i, ok := e.(*ImageElement)
	if !ok {
		return false, fmt.Errorf("element %s is not an image element", id)
	}
	fn(&i.Style)
	return true, nil
}

// SetMapping binds an element to a column key or to OverlayKey. An empty
// key removes the binding. Mappings of unknown ids are stored and inert.
func (d *Document) SetMapping(id, key string) (Redraw, error) {
	if key == "" {
		_, had := d.mappings[id]
		delete(d.mappings, id)
		return Redraw(had), nil
	}
	if key == OverlayKey {
		if e, ok := d.elements[id]; ok && e.Kind() == KindText {
			return false, ErrOverlayOnText
		}
	}
	d.mappings[id] = key
	return true, nil
}

// Mapping returns the binding of an element.
func (d *Document) Mapping(id string) (string, bool) {
	k, ok := d.mappings[id]
	return k, ok
}

// Mappings returns a copy of all bindings.
func (d *Document) Mappings() map[string]string {
	out := make(map[string]string, len(d.mappings))
	for k, v := range d.mappings {
		out[k] = v
	}
	return out
}

// SetDataset replaces the dataset. All overlays are cleared and every row
// is enabled again.
func (d *Document) SetDataset(ds Dataset) Redraw {
	d.dataset = ds
	d.overlays = make(map[int]string)
	d.rowEnabled = make([]bool, len(ds.Rows))
	for i := range d.rowEnabled {
		d.rowEnabled[i] = true
	}
	return true
}

// Dataset returns the bound dataset.
func (d *Document) Dataset() Dataset { return d.dataset }

// Headers returns the dataset's column names.
func (d *Document) Headers() []string { return d.dataset.Headers }

// RowCount returns the number of dataset rows.
func (d *Document) RowCount() int { return len(d.dataset.Rows) }

// Row returns a dataset row.
func (d *Document) Row(index int) (Row, bool) {
	if index < 0 || index >= len(d.dataset.Rows) {
		return nil, false
	}
	return d.dataset.Rows[index], true
}

// UpdateCell edits one value in place. Out-of-range rows are ignored.
func (d *Document) UpdateCell(rowIndex int, key, value string) Redraw {
	row, ok := d.Row(rowIndex)
	if !ok {
		return false
	}
	if row == nil {
		row = make(Row)
		d.dataset.Rows[rowIndex] = row
	}
	row[key] = value
	return true
}

// SetOverlay stores an image-data reference (normally a data URI) for a
// row. An empty reference removes the overlay.
func (d *Document) SetOverlay(rowIndex int, ref string) Redraw {
	if ref == "" {
		_, had := d.overlays[rowIndex]
		delete(d.overlays, rowIndex)
		return Redraw(had)
	}
	d.overlays[rowIndex] = ref
	return true
}

// SetOverlayData stores raw image bytes as a data URI overlay.
func (d *Document) SetOverlayData(rowIndex int, data []byte, mimeType string) Redraw {
	if len(data) == 0 {
		return d.SetOverlay(rowIndex, "")
	}
	return d.SetOverlay(rowIndex, EncodeDataURI(data, mimeType))
}

// Overlay returns the overlay reference of a row.
func (d *Document) Overlay(rowIndex int) (string, bool) {
	ref, ok := d.overlays[rowIndex]
	return ref, ok
}

// SetRowEnabled includes or excludes a row from export.
func (d *Document) SetRowEnabled(index int, enabled bool) Redraw {
	if index < 0 {
		return false
	}
	for len(d.rowEnabled) <= index {
		d.rowEnabled = append(d.rowEnabled, true)
	}
	d.rowEnabled[index] = enabled
	return false
}

// RowEnabled reports whether a row takes part in export. Rows default to
// enabled.
func (d *Document) RowEnabled(index int) bool {
	if index >= 0 && index < len(d.rowEnabled) {
		return d.rowEnabled[index]
	}
	return true
}

// EnabledRowCount returns how many dataset rows are enabled.
func (d *Document) EnabledRowCount() int {
	n := 0
	for i := range d.dataset.Rows {
		if d.RowEnabled(i) {
			n++
		}
	}
	return n
}

// Clone returns a deep copy of the document. The decoded template image is
// shared, it is never mutated.
func (d *Document) Clone() *Document {
	c := NewDocument()
	if d.template != nil {
		t := *d.template
		c.template = &t
	}
	for _, id := range d.order {
		if e, ok := d.elements[id]; ok {
			c.elements[id] = cloneElement(e)
			c.order = append(c.order, id)
		}
	}
	for k, v := range d.mappings {
		c.mappings[k] = v
	}
	c.dataset.Headers = append([]string(nil), d.dataset.Headers...)
	c.dataset.Rows = make([]Row, len(d.dataset.Rows))
	for i, row := range d.dataset.Rows {
		cp := make(Row, len(row))
		for k, v := range row {
			cp[k] = v
		}
		c.dataset.Rows[i] = cp
	}
	for k, v := range d.overlays {
		c.overlays[k] = v
	}
	c.rowEnabled = append([]bool(nil), d.rowEnabled...)
	return c
}

// EncodeDataURI encodes data as a base64 data URI.
func EncodeDataURI(data []byte, mimeType string) string {
	if mimeType == "" {
		mimeType = "image/png"
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
