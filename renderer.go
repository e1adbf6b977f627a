package compositor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/math/fixed"
	"golang.org/x/text/unicode/norm"
)

// Text shown by text nodes that have nothing to display yet.
const (
	PreviewText  = "Sample Text"
	UnmappedText = "Map a column"
	// placeholderText is drawn inside image nodes without an image.
	placeholderText = "Image"
)

// DefaultLoadTimeout bounds a single image candidate load.
const DefaultLoadTimeout = 15 * time.Second

// ImageFormat represents the output image format.
type ImageFormat int

const (
	ImageFormatPNG ImageFormat = iota
	ImageFormatJPEG
)

// ParseImageFormat maps "png", "jpeg" or "jpg" to an ImageFormat.
func ParseImageFormat(s string) (ImageFormat, error) {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), ".")) {
	case "", "png":
		return ImageFormatPNG, nil
	case "jpg", "jpeg":
		return ImageFormatJPEG, nil
	}
	return ImageFormatPNG, fmt.Errorf("unsupported image format %q", s)
}

// Extension returns the file extension of the format, with the dot.
func (f ImageFormat) Extension() string {
	if f == ImageFormatJPEG {
		return ".jpg"
	}
	return ".png"
}

// MimeType returns the media type of the format.
func (f ImageFormat) MimeType() string {
	if f == ImageFormatJPEG {
		return "image/jpeg"
	}
	return "image/png"
}

// RenderOptions configures row rendering.
type RenderOptions struct {
	// Format is the output image format (PNG or JPEG).
	Format ImageFormat
	// JPEGQuality is the JPEG quality (1-100). Default: 90.
	JPEGQuality int
	// BackgroundColor is painted below the template. Nil means transparent
	// for PNG and white for JPEG.
	BackgroundColor *color.RGBA
	// FontDirs specifies additional directories to search for TrueType/OpenType fonts.
	// System font directories are always searched automatically.
	FontDirs []string
	// FontCache allows sharing a pre-configured FontCache across multiple renders.
	// If nil, a new FontCache is created using FontDirs.
	FontCache *FontCache
	// Fonts is consulted before text is measured. Defaults to FontCache.
	Fonts FontAvailability
	// Measurer measures text for the fit engine. Defaults to FontCache.
	Measurer TextMeasurer
	// Loader fetches image candidates. Defaults to a SourceLoader without
	// a base URL, rooted at the working directory.
	Loader ImageLoader
	// LoadTimeout bounds each image candidate. Default: 15s.
	LoadTimeout time.Duration
	// Logger receives font and image load diagnostics. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultRenderOptions returns default rendering options.
func DefaultRenderOptions() *RenderOptions {
	return &RenderOptions{
		Format:      ImageFormatPNG,
		JPEGQuality: 90,
		LoadTimeout: DefaultLoadTimeout,
	}
}

// Renderer populates stages with row content and rasterizes them.
// A Renderer is safe for concurrent use on distinct stages.
type Renderer struct {
	opts     RenderOptions
	fonts    *FontCache
	avail    FontAvailability
	measurer TextMeasurer
	loader   ImageLoader
	logger   *slog.Logger

	missingFonts sync.Map // lowercase family -> struct{}
}

// NewRenderer creates a Renderer. A nil opts means DefaultRenderOptions.
func NewRenderer(opts *RenderOptions) *Renderer {
	if opts == nil {
		opts = DefaultRenderOptions()
	}
	r := &Renderer{opts: *opts}
	r.fonts = opts.FontCache
	if r.fonts == nil {
		r.fonts = NewFontCache(opts.FontDirs...)
	}
	r.avail = opts.Fonts
	if r.avail == nil {
		r.avail = r.fonts
	}
	r.measurer = opts.Measurer
	r.loader = opts.Loader
	if r.loader == nil {
		r.loader = NewSourceLoader("", "")
	}
	r.logger = opts.Logger
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.opts.LoadTimeout <= 0 {
		r.opts.LoadTimeout = DefaultLoadTimeout
	}
	if r.opts.JPEGQuality <= 0 || r.opts.JPEGQuality > 100 {
		r.opts.JPEGQuality = 90
	}
	return r
}

// Options returns the effective options.
func (r *Renderer) Options() RenderOptions { return r.opts }

// Fonts returns the font cache used for drawing.
func (r *Renderer) Fonts() *FontCache { return r.fonts }

// Populate resolves the content of every node of stage for a row. Elements
// are populated concurrently; Populate returns once all of them settled,
// including every image load attempt. In preview mode text nodes show
// PreviewText and column-mapped images stay empty.
//
// Nodes whose element no longer exists are left untouched. The only error
// returned is a cancelled or expired ctx.
func (r *Renderer) Populate(ctx context.Context, stage *Stage, doc *Document, row int, preview bool) error {
	var data Row
	if !preview {
		data, _ = doc.Row(row)
	}
	var wg sync.WaitGroup
	for _, n := range stage.nodes {
		e, ok := doc.Element(n.ID)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(n *ElementNode, e Element) {
			defer wg.Done()
			switch el := e.(type) {
			case *TextElement:
				r.populateText(ctx, n, el, doc, data, preview)
			case *ImageElement:
				r.populateImage(ctx, n, el, doc, row, data)
			}
		}(n, e)
	}
	wg.Wait()
	return ctx.Err()
}

func (r *Renderer) populateText(ctx context.Context, n *ElementNode, el *TextElement, doc *Document, data Row, preview bool) {
	key, mapped := doc.Mapping(el.ID())
	var value string
	switch {
	case preview:
		value = PreviewText
	case !mapped:
		value = UnmappedText
	default:
		value = data[key]
	}
	value = norm.NFC.String(value)

	style := el.Style
	family := style.Family()
	r.ensureFont(ctx, family)

	box := n.Box.Size()
	if box.W <= 0 {
		box.W = 200
	}
	if box.H <= 0 {
		box.H = 80
	}
	m := r.measurerFor(style.Bold())
	size := TextFontSize(m, value, style, box, 0)
	lines := WrapLines(m, value, family, size, box.W)

	n.textStyle = style
	n.Text = &TextContent{
		Value:         value,
		Lines:         lines,
		FontSize:      size,
		OffsetY:       VerticalOffset(box.H, EstimatedHeight(len(lines), size), style.VAlign),
		Family:        family,
		Bold:          style.Bold(),
		HAlign:        style.horizontal(),
		Fill:          style.FillType,
		Color:         style.Color,
		GradientStart: style.GradientStart,
		GradientEnd:   style.GradientEnd,
	}
}

func (r *Renderer) populateImage(ctx context.Context, n *ElementNode, el *ImageElement, doc *Document, row int, data Row) {
	n.imageStyle = el.Style
	clip := n.Box.Local()
	n.Clip = &clip

	var raw string
	if key, ok := doc.Mapping(el.ID()); ok {
		if key == OverlayKey {
			raw, _ = doc.Overlay(row)
		} else {
			raw = data[key]
		}
	}
	candidates := ResolveImageSource(raw)
	if len(candidates) == 0 {
		n.Image = &ImageContent{Draw: clip}
		n.PlaceholderVisible = true
		return
	}
	n.PlaceholderVisible = false

	img, src, err := r.loadFirst(ctx, candidates)
	if err != nil {
		r.logger.Debug("image unavailable, showing placeholder",
			"element", el.ID(), "row", row, "error", err)
		n.Image = &ImageContent{Draw: clip}
		n.PlaceholderVisible = true
		return
	}
	n.Image = &ImageContent{
		Image:  img,
		Source: src,
		Draw:   ImageFitRect(n.Box.Size(), imageSize(img), el.Style.FitMode, el.Style.HAlign, el.Style.VAlign),
	}
}

// loadFirst tries candidates in order, each bounded by LoadTimeout, and
// returns the first image that loads.
func (r *Renderer) loadFirst(ctx context.Context, candidates []string) (image.Image, string, error) {
	var lastErr error
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		cctx, cancel := context.WithTimeout(ctx, r.opts.LoadTimeout)
		img, err := r.loader.LoadImage(cctx, c)
		cancel()
		if err == nil && img != nil {
			return img, c, nil
		}
		if err == nil {
			err = errors.New("loader returned no image")
		}
		r.logger.Debug("image candidate failed", "source", shortSource(c), "error", err)
		lastErr = err
	}
	return nil, "", fmt.Errorf("%w: %v", ErrImageUnavailable, lastErr)
}

// loadSource resolves raw through the cascade and loads the first
// candidate that succeeds.
func (r *Renderer) loadSource(ctx context.Context, raw string) (image.Image, error) {
	candidates := ResolveImageSource(raw)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSource, shortSource(raw))
	}
	img, _, err := r.loadFirst(ctx, candidates)
	return img, err
}

// ensureFont consults the font collaborator once per family. A missing
// family is logged the first time and measurement uses the fallback.
func (r *Renderer) ensureFont(ctx context.Context, family string) {
	key := strings.ToLower(family)
	if _, seen := r.missingFonts.Load(key); seen {
		return
	}
	if err := r.avail.EnsureFont(ctx, family); err != nil {
		if _, loaded := r.missingFonts.LoadOrStore(key, struct{}{}); !loaded {
			r.logger.Warn("font unavailable, using fallback", "family", family, "error", err)
		}
	}
}

func (r *Renderer) measurerFor(bold bool) TextMeasurer {
	if r.measurer != nil {
		return r.measurer
	}
	return weightedMeasurer{fonts: r.fonts, bold: bold}
}

// weightedMeasurer measures with the regular or bold face of a family.
type weightedMeasurer struct {
	fonts *FontCache
	bold  bool
}

func (w weightedMeasurer) MeasureText(family string, size float64, text string) float64 {
	return w.fonts.MeasureTextWeight(family, w.bold, size, text)
}

// RenderRow renders the live view of a row at stage resolution. The row
// index is clamped into the dataset; without data the preview is shown.
func (r *Renderer) RenderRow(ctx context.Context, doc *Document, row int) (*image.RGBA, error) {
	stage := NewStage(doc)
	preview := doc.RowCount() == 0
	if preview {
		row = 0
	} else {
		row = max(0, min(row, doc.RowCount()-1))
	}
	if err := r.Populate(ctx, stage, doc, row, preview); err != nil {
		return nil, err
	}
	return r.Rasterize(stage, 1), nil
}

// RenderExportRow renders a row the way the exporter does: on an export
// clone of live, at the template's native resolution.
func (r *Renderer) RenderExportRow(ctx context.Context, live *Stage, doc *Document, row int) (*image.RGBA, error) {
	stage := live.ExportClone()
	if err := r.Populate(ctx, stage, doc, row, false); err != nil {
		return nil, err
	}
	return r.Rasterize(stage, doc.Template().ExportPixelRatio()), nil
}

// SaveRowAsImage renders a row at native resolution and saves it to a file.
func (r *Renderer) SaveRowAsImage(ctx context.Context, doc *Document, row int, path string) error {
	if doc.Template() == nil {
		return ErrNoTemplate
	}
	img, err := r.RenderExportRow(ctx, NewStage(doc), doc, row)
	if err != nil {
		return err
	}
	return saveImage(img, path, &r.opts)
}

// EncodeImage writes img in the given format.
func EncodeImage(w io.Writer, img image.Image, format ImageFormat, jpegQuality int) error {
	switch format {
	case ImageFormatJPEG:
		if jpegQuality <= 0 || jpegQuality > 100 {
			jpegQuality = 90
		}
		return jpeg.Encode(w, img, &jpeg.Options{Quality: jpegQuality})
	default:
		return png.Encode(w, img)
	}
}

func saveImage(img image.Image, path string, opts *RenderOptions) error {
	if opts == nil {
		opts = DefaultRenderOptions()
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	if err := EncodeImage(f, img, opts.Format, opts.JPEGQuality); err != nil {
		f.Close()
		return fmt.Errorf("encode image: %w", err)
	}
	return f.Close()
}

// --- rasterizer ---

// Rasterize draws stage at pixelRatio times its size: the template, then
// every visible node in z-order, then affordances where enabled.
func (r *Renderer) Rasterize(stage *Stage, pixelRatio float64) *image.RGBA {
	if pixelRatio <= 0 || math.IsNaN(pixelRatio) || math.IsInf(pixelRatio, 0) {
		pixelRatio = 1
	}
	w := scaledDimension(stage.Width, pixelRatio)
	h := scaledDimension(stage.Height, pixelRatio)
	img := image.NewRGBA(image.Rect(0, 0, w, h))

	switch {
	case r.opts.BackgroundColor != nil:
		draw.Draw(img, img.Bounds(), &image.Uniform{*r.opts.BackgroundColor}, image.Point{}, draw.Src)
	case r.opts.Format == ImageFormatJPEG:
		draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)
	}

	if t := stage.template; t != nil {
		draw.CatmullRom.Scale(img, img.Bounds(), t, t.Bounds(), draw.Over, nil)
	}

	rs := &rasterizer{img: img, ratio: pixelRatio, fonts: r.fonts}
	for _, n := range stage.nodes {
		if n.Visible {
			rs.renderNode(n)
		}
	}
	return img
}

type rasterizer struct {
	img   *image.RGBA
	ratio float64
	fonts *FontCache
}

// Affordance colors.
var (
	textOutlineFill  = color.NRGBA{R: 37, G: 99, B: 235, A: 13}
	imageOutlineFill = color.NRGBA{R: 249, G: 115, B: 22, A: 20}
)

func (rs *rasterizer) renderNode(n *ElementNode) {
	frame := n.Frame().Scale(rs.ratio)
	sx := math.Abs(n.ScaleX) * rs.ratio
	sy := math.Abs(n.ScaleY) * rs.ratio

	switch n.Kind {
	case KindText:
		if n.ShowOutline {
			rs.drawOutline(frame.pixels(), textOutlineFill, colorTextOutline.NRGBA())
		}
		rs.drawText(n, frame, sx, sy)
	case KindImage:
		if n.ShowOutline {
			rs.drawOutline(frame.pixels(), imageOutlineFill, colorImageOutline.NRGBA())
		}
		rs.drawImage(n, frame, sx, sy)
		if n.PlaceholderVisible && n.ShowPlaceholder {
			rs.drawPlaceholder(frame, sy)
		}
	}
}

func (rs *rasterizer) drawImage(n *ElementNode, frame Rect, sx, sy float64) {
	if n.Image == nil || n.Image.Image == nil {
		return
	}
	clip := frame.pixels()
	if n.Clip != nil {
		clip = Rect{
			X: frame.X + n.Clip.X*sx,
			Y: frame.Y + n.Clip.Y*sy,
			W: n.Clip.W * sx,
			H: n.Clip.H * sy,
		}.pixels()
	}
	clip = clip.Intersect(rs.img.Bounds())
	if clip.Empty() {
		return
	}
	d := n.Image.Draw
	dst := Rect{X: frame.X + d.X*sx, Y: frame.Y + d.Y*sy, W: d.W * sx, H: d.H * sy}.pixels()
	if dst.Empty() {
		return
	}
	sub := rs.img.SubImage(clip).(*image.RGBA)
	src := n.Image.Image
	draw.CatmullRom.Scale(sub, dst, src, src.Bounds(), draw.Over, nil)
}

func (rs *rasterizer) drawPlaceholder(frame Rect, sy float64) {
	face := rs.fonts.Face("", defaultPlaceholderSize*sy, false)
	defer face.Close()
	c := colorImageOutline.NRGBA()
	w := fixedToFloat(font.MeasureString(face, placeholderText))
	m := face.Metrics()
	ascent := fixedToFloat(m.Ascent)
	height := ascent + fixedToFloat(m.Descent)
	x := frame.X + (frame.W-w)/2
	y := frame.Y + (frame.H-height)/2 + ascent
	d := &font.Drawer{
		Dst:  rs.img,
		Src:  &image.Uniform{c},
		Face: face,
		Dot:  fixed.P(int(math.Round(x)), int(math.Round(y))),
	}
	d.DrawString(placeholderText)
}

func (rs *rasterizer) drawText(n *ElementNode, frame Rect, sx, sy float64) {
	t := n.Text
	if t == nil || len(t.Lines) == 0 || t.FontSize <= 0 {
		return
	}
	face := rs.fonts.Face(t.Family, t.FontSize*sy, t.Bold)
	defer face.Close()

	lineHeight := t.FontSize * LineHeightFactor * sy
	boxHeight := n.Box.H * sy
	top := frame.Y + t.OffsetY*sy

	var src image.Image
	if t.Fill == FillGradient {
		start := t.GradientStart
		if start == "" {
			start = ColorText
		}
		end := t.GradientEnd
		if end == "" {
			end = ColorGradientEnd
		}
		src = &verticalGradient{y0: top, y1: top + boxHeight, from: start.NRGBA(), to: end.NRGBA()}
	} else {
		c := t.Color
		if c == "" {
			c = ColorText
		}
		src = &image.Uniform{c.NRGBA()}
	}

	m := face.Metrics()
	ascent := fixedToFloat(m.Ascent)
	glyphHeight := ascent + fixedToFloat(m.Descent)

	for i, line := range t.Lines {
		lineTop := float64(i) * lineHeight
		// Lines below the box are cut, the first one always shows.
		if i > 0 && lineTop+lineHeight > boxHeight-t.OffsetY*sy {
			break
		}
		if line == "" {
			continue
		}
		lw := fixedToFloat(font.MeasureString(face, line))
		x := frame.X + AlignmentOffset(n.Box.W*sx, lw, string(t.HAlign))
		baseline := top + lineTop + (lineHeight-glyphHeight)/2 + ascent
		d := &font.Drawer{
			Dst:  rs.img,
			Src:  src,
			Face: face,
			Dot:  fixed.Point26_6{X: fixed.Int26_6(math.Round(x * 64)), Y: fixed.Int26_6(math.Round(baseline * 64))},
		}
		d.DrawString(line)
	}
}

// verticalGradient is a linear gradient from y0 to y1, clamped outside.
type verticalGradient struct {
	y0, y1   float64
	from, to color.NRGBA
}

func (g *verticalGradient) ColorModel() color.Model { return color.NRGBAModel }

func (g *verticalGradient) Bounds() image.Rectangle {
	return image.Rect(-1e9, -1e9, 1e9, 1e9)
}

func (g *verticalGradient) At(_, y int) color.Color {
	t := 0.0
	if g.y1 > g.y0 {
		t = (float64(y) + 0.5 - g.y0) / (g.y1 - g.y0)
	}
	t = math.Max(0, math.Min(1, t))
	lerp := func(a, b uint8) uint8 {
		return uint8(math.Round(float64(a) + (float64(b)-float64(a))*t))
	}
	return color.NRGBA{
		R: lerp(g.from.R, g.to.R),
		G: lerp(g.from.G, g.to.G),
		B: lerp(g.from.B, g.to.B),
		A: lerp(g.from.A, g.to.A),
	}
}

// --- drawing primitives ---

// outlineDash is the dash and gap length of affordance outlines.
const outlineDash = 4

func (rs *rasterizer) drawOutline(rect image.Rectangle, fill, stroke color.NRGBA) {
	draw.Draw(rs.img, rect.Intersect(rs.img.Bounds()), &image.Uniform{fill}, image.Point{}, draw.Over)
	dash := int(math.Max(1, math.Round(outlineDash*rs.ratio)))
	width := int(math.Max(1, math.Round(rs.ratio)))
	rs.drawDashedRect(rect, stroke, dash, width)
}

func (rs *rasterizer) drawDashedRect(rect image.Rectangle, c color.NRGBA, dash, width int) {
	on := func(pos int) bool { return (pos/dash)%2 == 0 }
	for i := 0; i < width; i++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			if on(x - rect.Min.X) {
				rs.blendPixel(x, rect.Min.Y+i, c)
				rs.blendPixel(x, rect.Max.Y-1-i, c)
			}
		}
		for y := rect.Min.Y; y < rect.Max.Y; y++ {
			if on(y - rect.Min.Y) {
				rs.blendPixel(rect.Min.X+i, y, c)
				rs.blendPixel(rect.Max.X-1-i, y, c)
			}
		}
	}
}

func (rs *rasterizer) blendPixel(x, y int, c color.NRGBA) {
	if !(image.Point{X: x, Y: y}).In(rs.img.Bounds()) {
		return
	}
	if c.A == 0xff {
		rs.img.SetRGBA(x, y, color.RGBA{R: c.R, G: c.G, B: c.B, A: 0xff})
		return
	}
	draw.Draw(rs.img, image.Rect(x, y, x+1, y+1), &image.Uniform{c}, image.Point{}, draw.Over)
}
