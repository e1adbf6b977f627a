package compositor

import "testing"

func TestNewStage(t *testing.T) {
	doc := NewDocument()
	s := NewStage(doc)
	if s.Width != DefaultViewportWidth || s.Height != DefaultViewportHeight {
		t.Errorf("empty stage = %dx%d", s.Width, s.Height)
	}
	if s.Template() != nil || len(s.Nodes()) != 0 {
		t.Error("empty stage should have no template and no nodes")
	}

	tpl, err := NewTemplate(solidImage(1600, 1200, templateColor), "t.png", 0, 0)
	if err != nil {
		t.Fatalf("NewTemplate: %v", err)
	}
	doc.SetTemplate(tpl)
	txt, _ := doc.AddTextElement()
	img, _ := doc.AddImageElement()

	s = NewStage(doc)
	if s.Width != 800 || s.Height != 600 {
		t.Errorf("stage = %dx%d, want 800x600", s.Width, s.Height)
	}
	nodes := s.Nodes()
	if len(nodes) != 2 || nodes[0].ID != txt.ID() || nodes[1].ID != img.ID() {
		t.Fatalf("nodes out of z-order")
	}
	n, ok := s.Node(img.ID())
	if !ok {
		t.Fatal("image node missing")
	}
	if n.Clip == nil || *n.Clip != (Rect{W: 200, H: 200}) {
		t.Errorf("clip = %+v, want the local box", n.Clip)
	}
	if !n.PlaceholderVisible || !n.ShowOutline || !n.ShowPlaceholder || !n.Selectable {
		t.Errorf("live image node affordances = %+v", n)
	}
}

func TestExportCloneHidesAffordances(t *testing.T) {
	doc := newTestDocument(t, 400, 400)
	txt, _ := doc.AddTextElement()
	doc.AddImageElement()
	live := NewStage(doc)

	exp := live.ExportClone()
	if !exp.IsExport() || live.IsExport() {
		t.Error("only the clone is an export stage")
	}
	for _, n := range exp.Nodes() {
		if n.ShowOutline || n.ShowPlaceholder || n.Selectable {
			t.Errorf("export node %s keeps affordances: %+v", n.ID, n)
		}
	}
	if len(exp.Selectable()) != 0 {
		t.Errorf("export Selectable = %v", exp.Selectable())
	}

	// The clone is independent of the live stage.
	n, _ := exp.Node(txt.ID())
	n.Text.Value = "changed"
	if ln, _ := live.Node(txt.ID()); ln.Text.Value == "changed" || !ln.ShowOutline {
		t.Error("export clone shares nodes with the live stage")
	}
}

func TestLockedAndHiddenAreNotSelectable(t *testing.T) {
	doc := newTestDocument(t, 400, 400)
	a, _ := doc.AddTextElement()
	b, _ := doc.AddTextElement()
	c, _ := doc.AddImageElement()
	doc.SetLocked(a.ID(), true)
	doc.SetVisible(b.ID(), false)

	got := NewStage(doc).Selectable()
	if len(got) != 1 || got[0] != c.ID() {
		t.Errorf("Selectable = %v, want [%s]", got, c.ID())
	}
}

func TestApplyGeometry(t *testing.T) {
	doc := newTestDocument(t, 400, 400)
	img, _ := doc.AddImageElement()
	s := NewStage(doc)

	if s.ApplyGeometry(img) {
		t.Error("unchanged geometry should report no change")
	}
	doc.SetScale(img.ID(), 2, 1)
	if !s.ApplyGeometry(img) {
		t.Fatal("scaled element should report a change")
	}
	n, _ := s.Node(img.ID())
	if f := n.Frame(); f.W != 400 || f.H != 200 {
		t.Errorf("frame = %+v, want 400x200", f)
	}

	doc.NormalizeTransform(img.ID())
	s.ApplyGeometry(img)
	if n.ScaleX != 1 || n.Box.W != 400 {
		t.Errorf("node after normalize = box %+v scale %v", n.Box, n.ScaleX)
	}
	if *n.Clip != (Rect{W: 400, H: 200}) || n.Image.Draw != *n.Clip {
		t.Errorf("clip = %+v draw = %+v", *n.Clip, n.Image.Draw)
	}

	if s.ApplyGeometry(NewTextElement()) {
		t.Error("unknown element should report no change")
	}
}
