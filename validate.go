package compositor

import (
	"fmt"
	"math"
	"strings"
)

// Validate checks the document for structural issues and returns an error
// describing all problems found, or nil if the document is valid. Inert
// mappings and overlays of missing elements or rows are not problems.
func (d *Document) Validate() error {
	var errs []string

	if d.template == nil {
		errs = append(errs, "no template image")
	} else {
		t := d.template
		if t.NativeWidth <= 0 || t.NativeHeight <= 0 {
			errs = append(errs, "template dimensions must be positive")
		}
		if t.DisplayScale <= 0 || t.DisplayScale > 1 || math.IsNaN(t.DisplayScale) {
			errs = append(errs, fmt.Sprintf("template display scale %v out of (0, 1]", t.DisplayScale))
		}
	}

	if len(d.order) != len(d.elements) {
		errs = append(errs, "element order and element set differ")
	}
	seen := make(map[string]bool, len(d.order))
	for i, id := range d.order {
		prefix := fmt.Sprintf("element %d (%s)", i+1, id)
		if seen[id] {
			errs = append(errs, prefix+": listed twice")
			continue
		}
		seen[id] = true
		e, ok := d.elements[id]
		if !ok {
			errs = append(errs, prefix+": missing")
			continue
		}
		for _, msg := range validateElement(e) {
			errs = append(errs, prefix+": "+msg)
		}
		if key, ok := d.mappings[id]; ok && key == OverlayKey && e.Kind() == KindText {
			errs = append(errs, prefix+": text element mapped to the overlay store")
		}
	}

	for i, row := range d.dataset.Rows {
		if len(row) > 0 && len(d.dataset.Headers) == 0 {
			errs = append(errs, fmt.Sprintf("row %d: dataset has no headers", i+1))
			break
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("validation failed:\n  %s", strings.Join(errs, "\n  "))
}

func validateElement(e Element) []string {
	var errs []string
	b := e.Bounds()
	if b.W <= 0 {
		errs = append(errs, "width must be positive")
	}
	if b.H <= 0 {
		errs = append(errs, "height must be positive")
	}

	switch el := e.(type) {
	case *TextElement:
		s := el.Style
		if s.FontSize < 0 {
			errs = append(errs, "font size is negative")
		}
		if !s.HAlign.valid() {
			errs = append(errs, "unknown horizontal alignment: "+string(s.HAlign))
		}
		if !s.VAlign.valid() {
			errs = append(errs, "unknown vertical alignment: "+string(s.VAlign))
		}
		switch s.FillType {
		case "", FillSolid:
			if s.Color != "" && !s.Color.Valid() {
				errs = append(errs, "invalid text color: "+string(s.Color))
			}
		case FillGradient:
			for _, c := range []Color{s.GradientStart, s.GradientEnd} {
				if c != "" && !c.Valid() {
					errs = append(errs, "invalid gradient color: "+string(c))
				}
			}
		default:
			errs = append(errs, "unknown fill type: "+string(s.FillType))
		}
	case *ImageElement:
		s := el.Style
		if !s.FitMode.valid() {
			errs = append(errs, "unknown fit mode: "+string(s.FitMode))
		}
		if !s.HAlign.valid() {
			errs = append(errs, "unknown horizontal alignment: "+string(s.HAlign))
		}
		if !s.VAlign.valid() {
			errs = append(errs, "unknown vertical alignment: "+string(s.VAlign))
		}
	}
	return errs
}
