package compositor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/VantageDataChat/GoCompositor/table"
	"gopkg.in/yaml.v3"
)

// SnapshotVersion is written into every snapshot.
const SnapshotVersion = "1"

// DocumentSnapshot is the serializable form of a Document, used for scene
// files and the project store.
type DocumentSnapshot struct {
	Version  string            `json:"version" yaml:"version"`
	Template *TemplateSnapshot `json:"template,omitempty" yaml:"template,omitempty"`
	Elements []ElementSnapshot `json:"elements" yaml:"elements"`
	Mappings map[string]string `json:"mappings,omitempty" yaml:"mappings,omitempty"`
	// DataFile names a CSV or XLSX file loaded on restore. It takes
	// precedence over inline Headers and Rows.
	DataFile     string         `json:"dataFile,omitempty" yaml:"dataFile,omitempty"`
	Headers      []string       `json:"headers,omitempty" yaml:"headers,omitempty"`
	Rows         []Row          `json:"rows,omitempty" yaml:"rows,omitempty"`
	Overlays     map[int]string `json:"overlays,omitempty" yaml:"overlays,omitempty"`
	DisabledRows []int          `json:"disabledRows,omitempty" yaml:"disabledRows,omitempty"`
}

// TemplateSnapshot locates the template image.
type TemplateSnapshot struct {
	Source string `json:"source" yaml:"source"`
	// DisplayScale is the scale element geometry was authored at. Zero
	// means 1: geometry is in native template pixels.
	DisplayScale float64 `json:"displayScale,omitempty" yaml:"displayScale,omitempty"`
}

// ElementSnapshot is one element. Exactly one of Text and Image applies,
// selected by Kind; a nil style means the default one.
type ElementSnapshot struct {
	ID     string      `json:"id" yaml:"id"`
	Kind   ElementKind `json:"kind" yaml:"kind"`
	Name   string      `json:"name,omitempty" yaml:"name,omitempty"`
	Rect   `yaml:",inline"`
	Hidden bool        `json:"hidden,omitempty" yaml:"hidden,omitempty"`
	Locked bool        `json:"locked,omitempty" yaml:"locked,omitempty"`
	Text   *TextStyle  `json:"text,omitempty" yaml:"text,omitempty"`
	Image  *ImageStyle `json:"image,omitempty" yaml:"image,omitempty"`
}

// Snapshot captures the document. Pending transforms are not captured;
// call NormalizeTransform first.
func (d *Document) Snapshot() *DocumentSnapshot {
	s := &DocumentSnapshot{
		Version:  SnapshotVersion,
		Elements: make([]ElementSnapshot, 0, len(d.order)),
		Mappings: d.Mappings(),
		Headers:  append([]string(nil), d.dataset.Headers...),
		Rows:     d.dataset.Rows,
	}
	if t := d.template; t != nil {
		s.Template = &TemplateSnapshot{Source: t.Source, DisplayScale: t.DisplayScale}
	}
	for _, e := range d.Elements() {
		b := e.base()
		es := ElementSnapshot{
			ID:     b.id,
			Kind:   e.Kind(),
			Name:   b.name,
			Rect:   b.bounds,
			Hidden: !b.visible,
			Locked: b.locked,
		}
		switch el := e.(type) {
		case *TextElement:
			style := el.Style
			es.Text = &style
		case *ImageElement:
			style := el.Style
			es.Image = &style
		}
		s.Elements = append(s.Elements, es)
	}
	if len(d.overlays) > 0 {
		s.Overlays = make(map[int]string, len(d.overlays))
		for k, v := range d.overlays {
			s.Overlays[k] = v
		}
	}
	for i := range d.dataset.Rows {
		if !d.RowEnabled(i) {
			s.DisabledRows = append(s.DisabledRows, i)
		}
	}
	return s
}

// Restore builds a Document from the snapshot. The template is fetched
// through loader; a relative DataFile is resolved against baseDir.
func (s *DocumentSnapshot) Restore(ctx context.Context, loader ImageLoader, baseDir string) (*Document, error) {
	doc := NewDocument()

	if s.Template != nil && s.Template.Source != "" {
		img, err := loader.LoadImage(ctx, s.Template.Source)
		if err != nil {
			return nil, NewUserInputError("set template", fmt.Errorf("%w: %v", ErrInvalidTemplate, err))
		}
		t, err := NewTemplate(img, s.Template.Source, 0, 0)
		if err != nil {
			return nil, err
		}
		t.DisplayScale = s.Template.DisplayScale
		if t.DisplayScale == 0 {
			t.DisplayScale = 1
		}
		if _, err := doc.SetTemplate(t); err != nil {
			return nil, err
		}
	}

	for i, es := range s.Elements {
		e, err := es.element()
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i+1, err)
		}
		if _, err := doc.addElement(e); err != nil {
			return nil, fmt.Errorf("element %d: %w", i+1, err)
		}
	}

	// Sorted so that a failing mapping is reported deterministically.
	ids := make([]string, 0, len(s.Mappings))
	for id := range s.Mappings {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if _, err := doc.SetMapping(id, s.Mappings[id]); err != nil {
			return nil, fmt.Errorf("mapping %s: %w", id, err)
		}
	}

	switch {
	case s.DataFile != "":
		path := s.DataFile
		if !filepath.IsAbs(path) && baseDir != "" {
			path = filepath.Join(baseDir, path)
		}
		t, err := table.ParseFile(path)
		if err != nil {
			return nil, NewUserInputError("load dataset", err)
		}
		doc.SetDataset(DatasetFromTable(t))
	case len(s.Rows) > 0 && len(s.Headers) == 0:
		doc.SetDataset(DatasetFromRows(s.Rows))
	case len(s.Rows) > 0 || len(s.Headers) > 0:
		doc.SetDataset(Dataset{Headers: s.Headers, Rows: s.Rows})
	}

	for row, ref := range s.Overlays {
		doc.SetOverlay(row, ref)
	}
	for _, row := range s.DisabledRows {
		doc.SetRowEnabled(row, false)
	}
	return doc, nil
}

func (es ElementSnapshot) element() (Element, error) {
	var e Element
	switch es.Kind {
	case KindText:
		id := es.ID
		if id == "" {
			id = NewTextElement().ID()
		}
		t := newTextElement(id)
		if es.Text != nil {
			t.Style = *es.Text
		}
		e = t
	case KindImage:
		id := es.ID
		if id == "" {
			id = NewImageElement().ID()
		}
		i := newImageElement(id)
		if es.Image != nil {
			i.Style = *es.Image
		}
		e = i
	default:
		return nil, fmt.Errorf("unknown element kind %q", es.Kind)
	}
	b := e.base()
	if es.Name != "" {
		b.name = es.Name
	}
	b.bounds.X = es.X
	b.bounds.Y = es.Y
	if es.W > 0 {
		b.bounds.W = es.W
	}
	if es.H > 0 {
		b.bounds.H = es.H
	}
	b.visible = !es.Hidden
	b.locked = es.Locked
	return e, nil
}

// DecodeSnapshot parses a snapshot. Documents starting with "{" are read
// as JSON, anything else as YAML.
func DecodeSnapshot(data []byte) (*DocumentSnapshot, error) {
	var s DocumentSnapshot
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return &DocumentSnapshot{Version: SnapshotVersion}, nil
	}
	var err error
	if trimmed[0] == '{' {
		err = json.Unmarshal(trimmed, &s)
	} else {
		err = yaml.Unmarshal(trimmed, &s)
	}
	if err != nil {
		return nil, fmt.Errorf("decode scene: %w", err)
	}
	return &s, nil
}

// LoadSnapshotFile reads a scene file.
func LoadSnapshotFile(path string) (*DocumentSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeSnapshot(data)
}

// EncodeJSON encodes the snapshot as indented JSON.
func (s *DocumentSnapshot) EncodeJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// EncodeYAML encodes the snapshot as YAML.
func (s *DocumentSnapshot) EncodeYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return err
	}
	return enc.Close()
}

// WriteFile saves the snapshot, as JSON when path ends in .json and as
// YAML otherwise.
func (s *DocumentSnapshot) WriteFile(path string) error {
	return writeFileAtomic(path, func(w io.Writer) error {
		if strings.EqualFold(filepath.Ext(path), ".json") {
			return s.EncodeJSON(w)
		}
		return s.EncodeYAML(w)
	})
}
