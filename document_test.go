package compositor

import (
	"errors"
	"image"
	"image/color"
	"image/draw"
	"strings"
	"testing"
)

func solidImage(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{c}, image.Point{}, draw.Src)
	return img
}

var templateColor = color.RGBA{R: 10, G: 20, B: 30, A: 255}

// newTestDocument returns a document with a w x h template shown at
// native size.
func newTestDocument(t *testing.T, w, h int) *Document {
	t.Helper()
	tpl, err := NewTemplate(solidImage(w, h, templateColor), "template.png", float64(w), float64(h))
	if err != nil {
		t.Fatalf("NewTemplate: %v", err)
	}
	doc := NewDocument()
	if _, err := doc.SetTemplate(tpl); err != nil {
		t.Fatalf("SetTemplate: %v", err)
	}
	return doc
}

func TestNewTemplateDisplayScale(t *testing.T) {
	tpl, err := NewTemplate(solidImage(1600, 1200, templateColor), "big.png", 0, 0)
	if err != nil {
		t.Fatalf("NewTemplate: %v", err)
	}
	if tpl.DisplayScale != 0.5 {
		t.Errorf("DisplayScale = %v, want 0.5", tpl.DisplayScale)
	}
	if w, h := tpl.DisplaySize(); w != 800 || h != 600 {
		t.Errorf("DisplaySize = %dx%d, want 800x600", w, h)
	}
	if r := tpl.ExportPixelRatio(); r != 2 {
		t.Errorf("ExportPixelRatio = %v, want 2", r)
	}

	small, err := NewTemplate(solidImage(300, 100, templateColor), "small.png", 0, 0)
	if err != nil {
		t.Fatalf("NewTemplate: %v", err)
	}
	if small.DisplayScale != 1 || small.ExportPixelRatio() != 1 {
		t.Errorf("small template scale = %v ratio = %v, want 1 and 1", small.DisplayScale, small.ExportPixelRatio())
	}

	var nilTpl *Template
	if r := nilTpl.ExportPixelRatio(); r != 1 {
		t.Errorf("nil ExportPixelRatio = %v, want 1", r)
	}
}

func TestSetTemplateRejectsInvalid(t *testing.T) {
	_, err := NewTemplate(nil, "missing.png", 0, 0)
	var ue *UserInputError
	if !errors.As(err, &ue) || !errors.Is(err, ErrInvalidTemplate) {
		t.Fatalf("NewTemplate(nil) error = %v, want UserInputError wrapping ErrInvalidTemplate", err)
	}
	_, err = NewTemplate(image.NewRGBA(image.Rect(0, 0, 0, 10)), "empty.png", 0, 0)
	if !errors.Is(err, ErrInvalidTemplate) {
		t.Errorf("empty image error = %v, want ErrInvalidTemplate", err)
	}

	doc := newTestDocument(t, 200, 100)
	before := doc.Template()
	if _, err := doc.SetTemplate(nil); !errors.Is(err, ErrInvalidTemplate) {
		t.Errorf("SetTemplate(nil) error = %v", err)
	}
	if doc.Template() != before {
		t.Error("failed SetTemplate must not mutate the document")
	}
}

func TestAddElementRequiresTemplate(t *testing.T) {
	doc := NewDocument()
	if doc.CanAddElements() {
		t.Error("CanAddElements should be false without a template")
	}
	if _, err := doc.AddTextElement(); !errors.Is(err, ErrNoTemplate) {
		t.Errorf("AddTextElement error = %v, want ErrNoTemplate", err)
	}
}

func TestElementDefaults(t *testing.T) {
	doc := newTestDocument(t, 800, 600)
	txt, err := doc.AddTextElement()
	if err != nil {
		t.Fatalf("AddTextElement: %v", err)
	}
	if b := txt.Bounds(); b != (Rect{X: 60, Y: 60, W: 240, H: 80}) {
		t.Errorf("text bounds = %+v", b)
	}
	if txt.GetName() != "Text Layer" || !txt.Style.AutoFit || txt.Style.FontSize != 28 || txt.Style.Family() != "Inter" {
		t.Errorf("text defaults = %q %+v", txt.GetName(), txt.Style)
	}
	if txt.Style.HAlign != AlignCenter || txt.Style.VAlign != AlignMiddle || txt.Style.Color != "#111111" {
		t.Errorf("text alignment/color defaults = %+v", txt.Style)
	}

	img, err := doc.AddImageElement()
	if err != nil {
		t.Fatalf("AddImageElement: %v", err)
	}
	if b := img.Bounds(); b != (Rect{X: 120, Y: 120, W: 200, H: 200}) {
		t.Errorf("image bounds = %+v", b)
	}
	if img.Style.FitMode != FitFill {
		t.Errorf("image fit mode = %q, want fill", img.Style.FitMode)
	}
	if txt.ID() == img.ID() {
		t.Error("element ids must be unique")
	}
	if got := doc.Order(); len(got) != 2 || got[0] != txt.ID() || got[1] != img.ID() {
		t.Errorf("Order = %v", got)
	}
	if doc.ZOrder(img.ID()) != 1 || doc.ZOrder("nope") != -1 {
		t.Errorf("ZOrder = %d, %d", doc.ZOrder(img.ID()), doc.ZOrder("nope"))
	}
}

func TestDuplicateElement(t *testing.T) {
	doc := newTestDocument(t, 100, 100)
	e := NewTextElement()
	if _, err := doc.AddElement(e); err != nil {
		t.Fatalf("AddElement: %v", err)
	}
	if _, err := doc.AddElement(e); !errors.Is(err, ErrDuplicateElement) {
		t.Errorf("second AddElement error = %v, want ErrDuplicateElement", err)
	}
}

func TestSetMapping(t *testing.T) {
	doc := newTestDocument(t, 100, 100)
	txt, _ := doc.AddTextElement()
	img, _ := doc.AddImageElement()

	if _, err := doc.SetMapping(txt.ID(), OverlayKey); !errors.Is(err, ErrOverlayOnText) {
		t.Errorf("overlay on text error = %v, want ErrOverlayOnText", err)
	}
	if _, ok := doc.Mapping(txt.ID()); ok {
		t.Error("rejected mapping must not be stored")
	}
	if redraw, err := doc.SetMapping(img.ID(), OverlayKey); err != nil || !redraw {
		t.Errorf("overlay on image = %v, %v", redraw, err)
	}
	if redraw, _ := doc.SetMapping(img.ID(), ""); !redraw {
		t.Error("removing a mapping should request a redraw")
	}
	if _, ok := doc.Mapping(img.ID()); ok {
		t.Error("empty key should delete the mapping")
	}
	if redraw, _ := doc.SetMapping(img.ID(), ""); redraw {
		t.Error("removing a missing mapping should not request a redraw")
	}
}

func TestRemoveElementLeavesInertMapping(t *testing.T) {
	doc := newTestDocument(t, 100, 100)
	txt, _ := doc.AddTextElement()
	doc.SetMapping(txt.ID(), "name")

	if !doc.RemoveElement(txt.ID()) {
		t.Fatal("RemoveElement should report a redraw")
	}
	if _, ok := doc.Element(txt.ID()); ok {
		t.Error("element still present")
	}
	if key, ok := doc.Mapping(txt.ID()); !ok || key != "name" {
		t.Errorf("mapping = %q %v, want inert entry kept", key, ok)
	}
	if err := doc.Validate(); err != nil {
		t.Errorf("inert mapping should validate: %v", err)
	}
}

func TestSetOrder(t *testing.T) {
	doc := newTestDocument(t, 100, 100)
	a, _ := doc.AddTextElement()
	b, _ := doc.AddImageElement()
	c, _ := doc.AddTextElement()

	doc.SetOrder([]string{c.ID(), "unknown", a.ID()})
	got := doc.Order()
	want := []string{c.ID(), a.ID(), b.ID()}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Order = %v, want %v", got, want)
		}
	}
}

func TestSetDatasetResetsRowState(t *testing.T) {
	doc := newTestDocument(t, 100, 100)
	doc.SetDataset(DatasetFromRows([]Row{{"name": "a"}, {"name": "b"}, {"name": "c"}}))
	doc.SetOverlay(1, "data:image/png;base64,AAAA")
	doc.SetRowEnabled(0, false)
	doc.SetRowEnabled(2, false)
	if doc.EnabledRowCount() != 1 {
		t.Fatalf("EnabledRowCount = %d, want 1", doc.EnabledRowCount())
	}

	doc.SetDataset(Dataset{Headers: []string{"name"}, Rows: []Row{{"name": "x"}, {"name": "y"}}})
	if _, ok := doc.Overlay(1); ok {
		t.Error("overlays should be cleared on dataset replace")
	}
	for i := 0; i < doc.RowCount(); i++ {
		if !doc.RowEnabled(i) {
			t.Errorf("row %d should be enabled after dataset replace", i)
		}
	}
}

func TestDatasetFromRows(t *testing.T) {
	ds := DatasetFromRows([]Row{{"b": "1", "a": "2"}})
	if len(ds.Headers) != 2 || ds.Headers[0] != "a" || ds.Headers[1] != "b" {
		t.Errorf("Headers = %v, want [a b]", ds.Headers)
	}
	if ds := DatasetFromRows(nil); len(ds.Headers) != 0 {
		t.Errorf("empty Headers = %v", ds.Headers)
	}
}

func TestUpdateCellAndOverlays(t *testing.T) {
	doc := newTestDocument(t, 100, 100)
	doc.SetDataset(Dataset{Headers: []string{"name"}, Rows: []Row{{"name": "a"}}})

	if !doc.UpdateCell(0, "name", "b") {
		t.Error("UpdateCell should request a redraw")
	}
	if row, _ := doc.Row(0); row["name"] != "b" {
		t.Errorf("row = %v", row)
	}
	if doc.UpdateCell(5, "name", "x") {
		t.Error("out-of-range UpdateCell should be a no-op")
	}

	doc.SetOverlayData(0, []byte{1, 2, 3}, "image/png")
	ref, ok := doc.Overlay(0)
	if !ok || ref != "data:image/png;base64,AQID" {
		t.Errorf("overlay = %q %v", ref, ok)
	}
	if !doc.SetOverlay(0, "") {
		t.Error("removing an overlay should request a redraw")
	}
	if _, ok := doc.Overlay(0); ok {
		t.Error("overlay should be removed")
	}
}

func TestNormalizeTransform(t *testing.T) {
	doc := newTestDocument(t, 800, 600)
	img, _ := doc.AddImageElement()

	if doc.NormalizeTransform(img.ID()) {
		t.Error("normalizing an unscaled element should be a no-op")
	}
	before := img.Bounds()

	doc.SetScale(img.ID(), 1.5, -0.05)
	if !doc.NormalizeTransform(img.ID()) {
		t.Fatal("normalizing a scaled element should request a redraw")
	}
	after := img.Bounds()
	if after.W != before.W*1.5 || after.H != MinElementSize {
		t.Errorf("bounds = %+v, want W=%v H=%v", after, before.W*1.5, float64(MinElementSize))
	}
	if after.X != before.X || after.Y != before.Y {
		t.Errorf("position moved: %+v -> %+v", before, after)
	}
	if sx, sy := img.Scale(); sx != 1 || sy != 1 {
		t.Errorf("scale = (%v, %v), want (1, 1)", sx, sy)
	}

	// Idempotent: a second pass changes nothing.
	if doc.NormalizeTransform(img.ID()) {
		t.Error("second NormalizeTransform should be a no-op")
	}
	if img.Bounds() != after {
		t.Errorf("bounds changed on second pass: %+v -> %+v", after, img.Bounds())
	}
}

func TestDocumentClone(t *testing.T) {
	doc := newTestDocument(t, 100, 100)
	txt, _ := doc.AddTextElement()
	doc.SetMapping(txt.ID(), "name")
	doc.SetDataset(Dataset{Headers: []string{"name"}, Rows: []Row{{"name": "a"}}})

	c := doc.Clone()
	doc.UpdateCell(0, "name", "changed")
	doc.UpdateTextStyle(txt.ID(), func(s *TextStyle) { s.FontSize = 99 })
	doc.SetMapping(txt.ID(), "other")

	if row, _ := c.Row(0); row["name"] != "a" {
		t.Errorf("clone row = %v", row)
	}
	e, _ := c.Element(txt.ID())
	if e.(*TextElement).Style.FontSize == 99 {
		t.Error("clone shares element style")
	}
	if key, _ := c.Mapping(txt.ID()); key != "name" {
		t.Errorf("clone mapping = %q", key)
	}
}

func TestValidate(t *testing.T) {
	doc := newTestDocument(t, 100, 100)
	txt, _ := doc.AddTextElement()
	if err := doc.Validate(); err != nil {
		t.Fatalf("valid document: %v", err)
	}

	doc.UpdateTextStyle(txt.ID(), func(s *TextStyle) {
		s.HAlign = "diagonal"
		s.Color = "#zzz"
	})
	doc.SetBounds(txt.ID(), Rect{W: 0, H: 10})
	err := doc.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"width must be positive", "unknown horizontal alignment", "invalid text color"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("validation error %q missing %q", err, want)
		}
	}

	if err := NewDocument().Validate(); err == nil {
		t.Error("document without template should not validate")
	}
}
