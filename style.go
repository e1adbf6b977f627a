package compositor

import (
	"image/color"
	"strconv"
	"strings"
)

// Color is a CSS-style hex color, e.g. "#111111" or "#fa0".
// An optional alpha byte is accepted in the 8-digit form "#rrggbbaa".
type Color string

// Predefined colors.
const (
	ColorText          Color = "#111111"
	ColorGradientEnd   Color = "#aaaaaa"
	colorTextOutline   Color = "#2563eb"
	colorImageOutline  Color = "#f97316"
	defaultFontFamily        = "Inter"
	defaultFontSize          = 28
	defaultAutoFitCap        = 72
	defaultFallbackCap       = 24
	defaultPlaceholderSize   = 18
)

// Valid reports whether c is a parseable hex color.
func (c Color) Valid() bool {
	_, ok := parseHexColor(string(c))
	return ok
}

// NRGBA returns the color value, falling back to opaque black when c
// cannot be parsed.
func (c Color) NRGBA() color.NRGBA {
	if v, ok := parseHexColor(string(c)); ok {
		return v
	}
	return color.NRGBA{A: 0xff}
}

// parseHexColor parses "#rgb", "#rrggbb" and "#rrggbbaa". A leading "#" is
// optional.
func parseHexColor(s string) (color.NRGBA, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	switch len(s) {
	case 3:
		s = string([]byte{s[0], s[0], s[1], s[1], s[2], s[2]}) + "ff"
	case 6:
		s += "ff"
	case 8:
	default:
		return color.NRGBA{}, false
	}
	var out [4]uint8
	for i := range out {
		h := hexVal(s[i*2])
		l := hexVal(s[i*2+1])
		if h < 0 || l < 0 {
			return color.NRGBA{}, false
		}
		out[i] = uint8(h<<4 | l)
	}
	return color.NRGBA{R: out[0], G: out[1], B: out[2], A: out[3]}, true
}

func hexVal(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	default:
		return -1
	}
}

// HorizontalAlignment positions content along the x axis of a box.
type HorizontalAlignment string

const (
	AlignLeft   HorizontalAlignment = "left"
	AlignCenter HorizontalAlignment = "center"
	AlignRight  HorizontalAlignment = "right"
)

// VerticalAlignment positions content along the y axis of a box.
type VerticalAlignment string

const (
	AlignTop    VerticalAlignment = "top"
	AlignMiddle VerticalAlignment = "middle"
	AlignBottom VerticalAlignment = "bottom"
)

func (a HorizontalAlignment) valid() bool {
	switch a {
	case "", AlignLeft, AlignCenter, AlignRight:
		return true
	}
	return false
}

func (a VerticalAlignment) valid() bool {
	switch a {
	case "", AlignTop, AlignMiddle, AlignBottom:
		return true
	}
	return false
}

// FitMode is the scaling policy of an image inside its element box.
type FitMode string

const (
	FitFill    FitMode = "fill"    // stretch to the box
	FitContain FitMode = "contain" // letterbox
	FitCover   FitMode = "cover"   // crop to fill
)

func (m FitMode) valid() bool {
	switch m {
	case "", FitFill, FitContain, FitCover:
		return true
	}
	return false
}

// FillType selects how text glyphs are painted.
type FillType string

const (
	FillSolid    FillType = "solid"
	FillGradient FillType = "gradient"
)

// TextStyle holds the presentation metadata of a text element.
type TextStyle struct {
	FontFamily string `json:"fontFamily,omitempty" yaml:"fontFamily,omitempty"`
	// FontSize is the upper bound of the auto-fit search, or the exact size
	// when AutoFit is off.
	FontSize      float64             `json:"fontSize,omitempty" yaml:"fontSize,omitempty"`
	AutoFit       bool                `json:"autoFit" yaml:"autoFit"`
	HAlign        HorizontalAlignment `json:"hAlign,omitempty" yaml:"hAlign,omitempty"`
	VAlign        VerticalAlignment   `json:"vAlign,omitempty" yaml:"vAlign,omitempty"`
	FillType      FillType            `json:"fillType,omitempty" yaml:"fillType,omitempty"`
	Color         Color               `json:"textColor,omitempty" yaml:"textColor,omitempty"`
	GradientStart Color               `json:"gradientStart,omitempty" yaml:"gradientStart,omitempty"`
	GradientEnd   Color               `json:"gradientEnd,omitempty" yaml:"gradientEnd,omitempty"`
	FontWeight    string              `json:"fontWeight,omitempty" yaml:"fontWeight,omitempty"`
}

// DefaultTextStyle returns the style given to new text elements.
func DefaultTextStyle() TextStyle {
	return TextStyle{
		FontFamily:    defaultFontFamily,
		FontSize:      defaultFontSize,
		AutoFit:       true,
		HAlign:        AlignCenter,
		VAlign:        AlignMiddle,
		FillType:      FillSolid,
		Color:         ColorText,
		GradientStart: ColorText,
		GradientEnd:   ColorGradientEnd,
	}
}

// Family returns the font family, defaulting to Inter.
func (s TextStyle) Family() string {
	if s.FontFamily == "" {
		return defaultFontFamily
	}
	return s.FontFamily
}

// Bold reports whether the weight selects a bold face ("bold", "bolder" or
// a numeric weight of at least 600).
func (s TextStyle) Bold() bool {
	w := strings.ToLower(strings.TrimSpace(s.FontWeight))
	switch w {
	case "bold", "bolder":
		return true
	case "", "normal", "lighter":
		return false
	}
	n, err := strconv.Atoi(w)
	return err == nil && n >= 600
}

// horizontal returns the effective horizontal alignment. Auto-fitted text
// centers by default, fixed-size text starts at the left edge.
func (s TextStyle) horizontal() HorizontalAlignment {
	if s.HAlign != "" {
		return s.HAlign
	}
	if s.AutoFit {
		return AlignCenter
	}
	return AlignLeft
}

// ImageStyle holds the presentation metadata of an image element.
type ImageStyle struct {
	FitMode FitMode             `json:"fitMode,omitempty" yaml:"fitMode,omitempty"`
	HAlign  HorizontalAlignment `json:"hAlign,omitempty" yaml:"hAlign,omitempty"`
	VAlign  VerticalAlignment   `json:"vAlign,omitempty" yaml:"vAlign,omitempty"`
}

// DefaultImageStyle returns the style given to new image elements.
func DefaultImageStyle() ImageStyle {
	return ImageStyle{FitMode: FitFill, HAlign: AlignCenter, VAlign: AlignMiddle}
}
