package compositor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"io"
	"slices"
	"strings"

	"github.com/VantageDataChat/GoCompositor/table"
	"github.com/disintegration/imaging"
)

// Export archive layout.
const (
	ManifestName       = "data.csv"
	OverlayColumn      = "overlay_image_file"
	imageNamePattern   = "images/image_%02d"
	overlayNamePattern = "overlays/overlay_%02d.png"
)

// RowErrorPolicy decides what a failing row does to the batch.
type RowErrorPolicy int

const (
	// AbortOnRowError stops the export at the first failing row.
	AbortOnRowError RowErrorPolicy = iota
	// SkipFailedRows records the failure and continues. A skipped row
	// consumes no sequence number and contributes no manifest row.
	SkipFailedRows
)

// ExportPhase names the stages reported through ExportOptions.Progress.
type ExportPhase string

const (
	PhaseRendering ExportPhase = "rendering"
	PhaseBundling  ExportPhase = "bundling"
	PhasePackaging ExportPhase = "packaging"
	PhaseDone      ExportPhase = "done"
)

// ExportProgress is one progress report.
type ExportProgress struct {
	Phase ExportPhase
	// Row is the 1-based dataset row being rendered; Total the dataset size.
	Row      int
	Total    int
	Rendered int
}

func (p ExportProgress) String() string {
	switch p.Phase {
	case PhaseRendering:
		return fmt.Sprintf("Rendering %d/%d", p.Row, p.Total)
	case PhaseBundling:
		return "Bundling CSV..."
	case PhasePackaging:
		return "Packaging ZIP..."
	case PhaseDone:
		return "Download ready!"
	}
	return string(p.Phase)
}

// ExportOptions configures a batch export.
type ExportOptions struct {
	OnRowError RowErrorPolicy
	// Progress, when set, is called synchronously before each row and at
	// each phase change.
	Progress func(ExportProgress)
}

// ExportResult holds everything an export produced.
type ExportResult struct {
	Entries  []ArchiveEntry
	Manifest ArchiveEntry
	// ManifestHeaders and ManifestRows are the manifest before encoding.
	ManifestHeaders []string
	ManifestRows    []Row
	Rendered        int
	Failures        []*RowExportError
}

// Exporter renders every enabled row of a document at native resolution
// and bundles the rasters, overlays and a manifest.
type Exporter struct {
	Renderer *Renderer
	Archive  ArchiveWriter
	Options  ExportOptions
}

// NewExporter creates an Exporter writing ZIP archives.
func NewExporter(r *Renderer, opts ExportOptions) *Exporter {
	if r == nil {
		r = NewRenderer(nil)
	}
	return &Exporter{Renderer: r, Archive: ZipArchiveWriter{}, Options: opts}
}

// Render runs the row loop and builds the manifest without archiving.
// Zero rendered rows yields ErrNothingToExport.
func (x *Exporter) Render(ctx context.Context, doc *Document) (*ExportResult, error) {
	if doc.Template() == nil {
		return nil, ErrNoTemplate
	}
	live := NewStage(doc)
	total := doc.RowCount()
	headers := append([]string(nil), doc.Headers()...)
	if !slices.Contains(headers, OverlayColumn) {
		headers = append(headers, OverlayColumn)
	}
	res := &ExportResult{ManifestHeaders: headers}

	for i := 0; i < total; i++ {
		if !doc.RowEnabled(i) {
			continue
		}
		x.report(ExportProgress{Phase: PhaseRendering, Row: i + 1, Total: total, Rendered: res.Rendered})

		entries, row, err := x.renderRow(ctx, live, doc, i, res.Rendered+1)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			rowErr := &RowExportError{Row: i, Err: err}
			if x.Options.OnRowError != SkipFailedRows {
				return nil, rowErr
			}
			x.Renderer.logger.Warn("skipping row", "row", i+1, "error", err)
			res.Failures = append(res.Failures, rowErr)
			continue
		}
		res.Rendered++
		res.Entries = append(res.Entries, entries...)
		res.ManifestRows = append(res.ManifestRows, row)
	}

	if res.Rendered == 0 {
		return res, ErrNothingToExport
	}

	x.report(ExportProgress{Phase: PhaseBundling, Total: total, Rendered: res.Rendered})
	var buf bytes.Buffer
	if err := table.WriteCSV(&buf, headers, res.ManifestRows); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	res.Manifest = ArchiveEntry{Path: ManifestName, Data: buf.Bytes()}
	return res, nil
}

// Export renders doc and writes the archive to w.
func (x *Exporter) Export(ctx context.Context, doc *Document, w io.Writer) (*ExportResult, error) {
	res, err := x.Render(ctx, doc)
	if err != nil {
		return res, err
	}
	x.report(ExportProgress{Phase: PhasePackaging, Total: doc.RowCount(), Rendered: res.Rendered})
	archive := x.Archive
	if archive == nil {
		archive = ZipArchiveWriter{}
	}
	if err := archive.WriteArchive(w, res.Entries, res.Manifest); err != nil {
		return res, fmt.Errorf("write archive: %w", err)
	}
	x.report(ExportProgress{Phase: PhaseDone, Total: doc.RowCount(), Rendered: res.Rendered})
	return res, nil
}

// ExportToFile exports doc into the archive at path. Nothing is left at
// path when the export fails.
func (x *Exporter) ExportToFile(ctx context.Context, doc *Document, path string) (*ExportResult, error) {
	var res *ExportResult
	err := writeFileAtomic(path, func(w io.Writer) error {
		var err error
		res, err = x.Export(ctx, doc, w)
		return err
	})
	return res, err
}

// renderRow renders one dataset row on a fresh export clone. seq is the
// 1-based count of rendered rows including this one.
func (x *Exporter) renderRow(ctx context.Context, live *Stage, doc *Document, row, seq int) ([]ArchiveEntry, Row, error) {
	img, err := x.Renderer.RenderExportRow(ctx, live, doc, row)
	if err != nil {
		return nil, nil, err
	}
	opts := x.Renderer.opts
	var buf bytes.Buffer
	if err := EncodeImage(&buf, img, opts.Format, opts.JPEGQuality); err != nil {
		return nil, nil, fmt.Errorf("encode image: %w", err)
	}
	entries := []ArchiveEntry{{
		Path: fmt.Sprintf(imageNamePattern, seq) + opts.Format.Extension(),
		Data: buf.Bytes(),
	}}

	overlayName := ""
	if ref, ok := doc.Overlay(row); ok && ref != "" {
		data, err := x.overlayPNG(ctx, ref)
		if err != nil {
			return nil, nil, fmt.Errorf("overlay: %w", err)
		}
		overlayName = fmt.Sprintf(overlayNamePattern, seq)
		entries = append(entries, ArchiveEntry{Path: overlayName, Data: data})
	}

	src, _ := doc.Row(row)
	manifestRow := make(Row, len(src)+1)
	for k, v := range src {
		manifestRow[k] = v
	}
	manifestRow[OverlayColumn] = overlayName
	return entries, manifestRow, nil
}

// overlayPNG returns the overlay as PNG bytes. PNG data URIs pass through
// untouched; anything else is decoded and re-encoded.
func (x *Exporter) overlayPNG(ctx context.Context, ref string) ([]byte, error) {
	var img image.Image
	if strings.HasPrefix(strings.ToLower(ref), "data:") {
		data, mimeType, err := DecodeDataURI(ref)
		if err != nil {
			return nil, err
		}
		if mimeType == "image/png" {
			return data, nil
		}
		img, err = imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
		if err != nil {
			return nil, fmt.Errorf("decode overlay: %w", err)
		}
	} else {
		var err error
		img, err = x.Renderer.loadSource(ctx, ref)
		if err != nil {
			return nil, err
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode overlay: %w", err)
	}
	return buf.Bytes(), nil
}

func (x *Exporter) report(p ExportProgress) {
	if x.Options.Progress != nil {
		x.Options.Progress(p)
	}
}
