package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	compositor "github.com/VantageDataChat/GoCompositor"
	"github.com/VantageDataChat/GoCompositor/store"
	"github.com/VantageDataChat/GoCompositor/table"
	"github.com/labstack/echo/v4"
)

type projectSummary struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type exportSummary struct {
	ID        int64     `json:"id"`
	Rendered  int       `json:"rendered"`
	Failed    int       `json:"failed"`
	Archive   string    `json:"archive"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

func handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"version": compositor.Version})
}

func handleResolve(c echo.Context) error {
	candidates := compositor.ResolveImageSource(c.QueryParam("src"))
	if candidates == nil {
		candidates = []string{}
	}
	return c.JSON(http.StatusOK, map[string][]string{"candidates": candidates})
}

func (a *App) handleListProjects(c echo.Context) error {
	projects, err := a.Store.ListProjects()
	if err != nil {
		return err
	}
	out := make([]projectSummary, 0, len(projects))
	for _, p := range projects {
		out = append(out, projectSummary{Name: p.Name, CreatedAt: p.CreatedAt, UpdatedAt: p.UpdatedAt})
	}
	return c.JSON(http.StatusOK, out)
}

func (a *App) handleGetProject(c echo.Context) error {
	p, err := a.Store.Project(c.Param("name"))
	if err != nil {
		return err
	}
	if c.QueryParam("format") == "yaml" {
		var buf bytes.Buffer
		if err := p.Snapshot.EncodeYAML(&buf); err != nil {
			return err
		}
		return c.Blob(http.StatusOK, "application/yaml", buf.Bytes())
	}
	return c.JSON(http.StatusOK, p.Snapshot)
}

// handlePutProject stores a JSON or YAML snapshot after checking that it
// restores into a valid document.
func (a *App) handlePutProject(c echo.Context) error {
	name := strings.TrimSpace(c.Param("name"))
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return err
	}
	snap, err := compositor.DecodeSnapshot(body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if snap.DataFile != "" && !insideDir(snap.DataFile) {
		return echo.NewHTTPError(http.StatusBadRequest, "dataFile must be a relative path inside the asset directory")
	}
	doc, err := a.restore(c.Request().Context(), snap)
	if err != nil {
		return err
	}
	return a.save(c, name, doc)
}

func (a *App) handleDeleteProject(c echo.Context) error {
	if err := a.Store.DeleteProject(c.Param("name")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// handlePutDataset replaces the dataset of a project with an uploaded CSV
// or XLSX table. Overlays and disabled rows are reset.
func (a *App) handlePutDataset(c echo.Context) error {
	name := c.Param("name")
	doc, err := a.loadDocument(c.Request().Context(), name)
	if err != nil {
		return err
	}
	var t *table.Table
	if isXLSX(c) {
		t, err = table.ParseXLSX(c.Request().Body, c.QueryParam("sheet"))
	} else {
		t, err = table.ParseCSV(c.Request().Body)
	}
	if err != nil {
		return err
	}
	doc.SetDataset(compositor.DatasetFromTable(t))
	return a.save(c, name, doc)
}

// handlePutOverlay stores the request body as the overlay image of a row.
// DELETE or an empty body removes it.
func (a *App) handlePutOverlay(c echo.Context) error {
	name := c.Param("name")
	row, err := strconv.Atoi(c.Param("row"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid row")
	}
	doc, err := a.loadDocument(c.Request().Context(), name)
	if err != nil {
		return err
	}
	if _, ok := doc.Row(row); !ok {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("row %d out of range", row))
	}
	var data []byte
	if c.Request().Method != http.MethodDelete {
		data, err = io.ReadAll(c.Request().Body)
		if err != nil {
			return err
		}
	}
	mimeType := c.Request().Header.Get(echo.HeaderContentType)
	if mimeType == "" || strings.HasPrefix(mimeType, echo.MIMEOctetStream) {
		mimeType = http.DetectContentType(data)
	}
	doc.SetOverlayData(row, data, mimeType)
	return a.save(c, name, doc)
}

func (a *App) handlePreview(c echo.Context) error {
	doc, err := a.loadDocument(c.Request().Context(), c.Param("name"))
	if err != nil {
		return err
	}
	if doc.Template() == nil {
		return compositor.ErrNoTemplate
	}
	row := 0
	if s := c.QueryParam("row"); s != "" {
		if row, err = strconv.Atoi(s); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid row")
		}
	}
	img, err := a.Renderer.RenderRow(c.Request().Context(), doc, row)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := compositor.EncodeImage(&buf, img, a.format, a.Config.JPEGQuality); err != nil {
		return err
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.Blob(http.StatusOK, a.format.MimeType(), buf.Bytes())
}

// handleExport renders every enabled row and answers with the archive.
// The export is recorded in the project's history.
func (a *App) handleExport(c echo.Context) error {
	name := c.Param("name")
	ctx := c.Request().Context()
	doc, err := a.loadDocument(ctx, name)
	if err != nil {
		return err
	}

	opts := compositor.ExportOptions{
		Progress: func(p compositor.ExportProgress) {
			a.Logger.Debug("export progress", "project", name, "status", p.String())
		},
	}
	if a.Config.SkipFailedRows || c.QueryParam("skipFailed") == "true" {
		opts.OnRowError = compositor.SkipFailedRows
	}
	var buf bytes.Buffer
	res, err := compositor.NewExporter(a.Renderer, opts).Export(ctx, doc, &buf)
	if err != nil {
		return err
	}

	rec, err := a.Store.RecordExport(store.ExportRecord{
		Project:  name,
		Rendered: res.Rendered,
		Failed:   len(res.Failures),
		Archive:  compositor.DefaultArchiveName,
		Size:     int64(buf.Len()),
	})
	if err != nil {
		return err
	}
	h := c.Response().Header()
	h.Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", compositor.DefaultArchiveName))
	h.Set("X-Export-Id", strconv.FormatInt(rec.ID, 10))
	h.Set("X-Rendered-Rows", strconv.Itoa(res.Rendered))
	return c.Blob(http.StatusOK, "application/zip", buf.Bytes())
}

func (a *App) handleListExports(c echo.Context) error {
	name := c.Param("name")
	if _, err := a.Store.Project(name); err != nil {
		return err
	}
	records, err := a.Store.ListExports(name)
	if err != nil {
		return err
	}
	out := make([]exportSummary, 0, len(records))
	for _, r := range records {
		out = append(out, exportSummary{
			ID:        r.ID,
			Rendered:  r.Rendered,
			Failed:    r.Failed,
			Archive:   r.Archive,
			Size:      r.Size,
			CreatedAt: r.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (a *App) loadDocument(ctx context.Context, name string) (*compositor.Document, error) {
	p, err := a.Store.Project(name)
	if err != nil {
		return nil, err
	}
	return a.restore(ctx, p.Snapshot)
}

func (a *App) restore(ctx context.Context, snap *compositor.DocumentSnapshot) (*compositor.Document, error) {
	doc, err := snap.Restore(ctx, a.Loader, a.Config.AssetDir)
	if err != nil {
		if code, _ := statusOf(err); code != http.StatusInternalServerError {
			return nil, err
		}
		return nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := doc.Validate(); err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return doc, nil
}

func (a *App) save(c echo.Context, name string, doc *compositor.Document) error {
	if err := a.Store.SaveProject(name, doc.Snapshot()); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := a.Store.Project(strings.TrimSpace(name))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, projectSummary{Name: p.Name, CreatedAt: p.CreatedAt, UpdatedAt: p.UpdatedAt})
}

func isXLSX(c echo.Context) bool {
	if f := strings.ToLower(c.QueryParam("format")); f != "" {
		return f == "xlsx"
	}
	ct := c.Request().Header.Get(echo.HeaderContentType)
	return strings.Contains(ct, "spreadsheetml") || strings.Contains(ct, "ms-excel")
}

// insideDir reports whether p is a relative path that stays inside the
// directory it is joined to.
func insideDir(p string) bool {
	clean := filepath.Clean(filepath.FromSlash(p))
	return !filepath.IsAbs(clean) && clean != ".." &&
		!strings.HasPrefix(clean, ".."+string(filepath.Separator))
}
