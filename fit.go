package compositor

import (
	"math"
	"strings"
)

const (
	// MinFontSize is the floor of the auto-fit search.
	MinFontSize = 8
	// LineHeightFactor is the line box height as a multiple of the font size.
	LineHeightFactor = 1.2
)

// TextMeasurer measures the advance width of a single line of text.
type TextMeasurer interface {
	MeasureText(family string, size float64, text string) float64
}

// WrapLines splits text into the lines a greedy word wrap produces inside
// maxWidth. Paragraphs are separated by "\n"; an empty paragraph yields one
// blank line. A single word wider than maxWidth occupies its own line.
func WrapLines(m TextMeasurer, text, family string, size, maxWidth float64) []string {
	var lines []string
	for _, paragraph := range strings.Split(text, "\n") {
		words := strings.Fields(paragraph)
		if len(words) == 0 {
			lines = append(lines, "")
			continue
		}
		line := ""
		for _, word := range words {
			test := word
			if line != "" {
				test = line + " " + word
			}
			if line != "" && m.MeasureText(family, size, test) > maxWidth {
				lines = append(lines, line)
				line = word
			} else {
				line = test
			}
		}
		if line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		lines = []string{""}
	}
	return lines
}

// MeasureWrappedLines returns the number of lines WrapLines produces.
func MeasureWrappedLines(m TextMeasurer, text, family string, size, maxWidth float64) int {
	return len(WrapLines(m, text, family, size, maxWidth))
}

// EstimatedHeight returns the height of lines lines at the given size.
func EstimatedHeight(lines int, size float64) float64 {
	return float64(lines) * size * LineHeightFactor
}

// FitFontSize returns the largest size at or below styleCap whose wrapped
// text fits box.H, or MinFontSize when nothing fits. The search starts at
// min(styleCap, current) and steps down by one; current <= 0 means the cap.
func FitFontSize(m TextMeasurer, text, family string, box Size, styleCap, current float64) float64 {
	maxSize := math.Max(MinFontSize, styleCap)
	size := maxSize
	if current > 0 && current < size {
		size = current
	}
	height := EstimatedHeight(MeasureWrappedLines(m, text, family, size, box.W), size)
	for height > box.H && size > MinFontSize {
		size--
		height = EstimatedHeight(MeasureWrappedLines(m, text, family, size, box.W), size)
	}
	return math.Max(size, MinFontSize)
}

// TextFontSize returns the size a text element is drawn at. With auto-fit
// off the requested size is used as-is and may overflow the box.
func TextFontSize(m TextMeasurer, text string, style TextStyle, box Size, current float64) float64 {
	if !style.AutoFit {
		size := style.FontSize
		if size <= 0 {
			size = current
		}
		if size <= 0 {
			size = defaultFallbackCap
		}
		return math.Max(MinFontSize, size)
	}
	limit := style.FontSize
	if limit <= 0 {
		limit = defaultAutoFitCap
	}
	return FitFontSize(m, text, style.Family(), box, limit, current)
}

// VerticalOffset positions content of contentHeight inside a container.
// The result is never negative, so overflowing text starts at the top.
func VerticalOffset(containerHeight, contentHeight float64, align VerticalAlignment) float64 {
	switch align {
	case AlignTop:
		return 0
	case AlignBottom:
		return math.Max(0, containerHeight-contentHeight)
	default:
		return math.Max(0, (containerHeight-contentHeight)/2)
	}
}

// AlignmentOffset positions content along one axis. left and top pin to
// the start, right and bottom to the end, anything else centers. The
// result is negative when content is larger than the container.
func AlignmentOffset(container, content float64, align string) float64 {
	switch align {
	case string(AlignLeft), string(AlignTop):
		return 0
	case string(AlignRight), string(AlignBottom):
		return container - content
	default:
		return (container - content) / 2
	}
}

// ImageFitRect returns the draw rectangle of an image inside box, relative
// to the box origin.
func ImageFitRect(box, img Size, mode FitMode, h HorizontalAlignment, v VerticalAlignment) Rect {
	if mode == FitFill || mode == "" || img.W <= 0 || img.H <= 0 {
		return Rect{W: box.W, H: box.H}
	}
	sx := box.W / img.W
	sy := box.H / img.H
	scale := math.Min(sx, sy)
	if mode == FitCover {
		scale = math.Max(sx, sy)
	}
	w := img.W * scale
	hgt := img.H * scale
	return Rect{
		X: AlignmentOffset(box.W, w, string(h)),
		Y: AlignmentOffset(box.H, hgt, string(v)),
		W: w,
		H: hgt,
	}
}
