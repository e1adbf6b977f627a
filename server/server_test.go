package server

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"testing"

	compositor "github.com/VantageDataChat/GoCompositor"
	"github.com/VantageDataChat/GoCompositor/store"
)

func setupTestApp(t *testing.T) *App {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	a := New(Config{AssetDir: dir},
		WithStore(s),
		WithFontCache(compositor.NewIsolatedFontCache()),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err := a.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func templateDataURI(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 220, B: 240, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode template: %v", err)
	}
	return compositor.EncodeDataURI(buf.Bytes(), "image/png")
}

func projectBody(t *testing.T, disabled ...int) string {
	t.Helper()
	snap := compositor.DocumentSnapshot{
		Version:  compositor.SnapshotVersion,
		Template: &compositor.TemplateSnapshot{Source: templateDataURI(t, 100, 50)},
		Elements: []compositor.ElementSnapshot{
			{ID: "title", Kind: compositor.KindText, Rect: compositor.Rect{X: 5, Y: 5, W: 90, H: 20}},
			{ID: "photo", Kind: compositor.KindImage, Rect: compositor.Rect{X: 5, Y: 30, W: 20, H: 20}},
		},
		Mappings:     map[string]string{"title": "name", "photo": "photo"},
		Headers:      []string{"name", "photo"},
		Rows:         []compositor.Row{{"name": "Ada", "photo": ""}, {"name": "Linus", "photo": ""}},
		DisabledRows: disabled,
	}
	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	return string(data)
}

func do(a *App, method, target, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	a.Echo.ServeHTTP(rec, req)
	return rec
}

func mustStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d (body %q)", rec.Code, want, rec.Body.String())
	}
}

func TestProjectLifecycle(t *testing.T) {
	a := setupTestApp(t)

	mustStatus(t, do(a, http.MethodPut, "/api/projects/cards", "application/json", projectBody(t)), http.StatusOK)

	rec := do(a, http.MethodGet, "/api/projects", "", "")
	mustStatus(t, rec, http.StatusOK)
	var list []projectSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 || list[0].Name != "cards" {
		t.Errorf("projects = %+v", list)
	}

	rec = do(a, http.MethodGet, "/api/projects/cards", "", "")
	mustStatus(t, rec, http.StatusOK)
	snap, err := compositor.DecodeSnapshot(rec.Body.Bytes())
	if err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snap.Elements) != 2 || snap.Mappings["title"] != "name" {
		t.Errorf("snapshot = %+v", snap)
	}

	rec = do(a, http.MethodGet, "/api/projects/cards?format=yaml", "", "")
	mustStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), "elements:") {
		t.Errorf("yaml body = %q", rec.Body.String())
	}

	mustStatus(t, do(a, http.MethodDelete, "/api/projects/cards", "", ""), http.StatusNoContent)
	mustStatus(t, do(a, http.MethodGet, "/api/projects/cards", "", ""), http.StatusNotFound)
}

func TestPutProjectRejectsInvalid(t *testing.T) {
	a := setupTestApp(t)
	tests := []struct {
		name string
		body string
	}{
		{"not a document", "{"},
		{"no template", `{"version":"1","elements":[]}`},
		{"unknown kind", `{"version":"1","elements":[{"id":"x","kind":"shape"}]}`},
		{"escaping data file", `{"version":"1","dataFile":"../secrets.csv"}`},
	}
	for _, tt := range tests {
		rec := do(a, http.MethodPut, "/api/projects/bad", "application/json", tt.body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400 (body %q)", tt.name, rec.Code, rec.Body.String())
		}
	}
}

func TestPreview(t *testing.T) {
	a := setupTestApp(t)
	mustStatus(t, do(a, http.MethodPut, "/api/projects/cards", "application/json", projectBody(t)), http.StatusOK)

	rec := do(a, http.MethodGet, "/api/projects/cards/preview?row=1", "", "")
	mustStatus(t, rec, http.StatusOK)
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q, want image/png", ct)
	}
	img, err := png.Decode(rec.Body)
	if err != nil {
		t.Fatalf("decode preview: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 100 || b.Dy() != 50 {
		t.Errorf("preview size = %dx%d, want 100x50", b.Dx(), b.Dy())
	}

	mustStatus(t, do(a, http.MethodGet, "/api/projects/cards/preview?row=x", "", ""), http.StatusBadRequest)
	mustStatus(t, do(a, http.MethodGet, "/api/projects/missing/preview", "", ""), http.StatusNotFound)
}

func TestExport(t *testing.T) {
	a := setupTestApp(t)
	mustStatus(t, do(a, http.MethodPut, "/api/projects/cards", "application/json", projectBody(t)), http.StatusOK)

	overlay := templateDataURI(t, 4, 4)
	data, _, err := compositor.DecodeDataURI(overlay)
	if err != nil {
		t.Fatalf("decode overlay: %v", err)
	}
	mustStatus(t, do(a, http.MethodPut, "/api/projects/cards/overlays/1", "image/png", string(data)), http.StatusOK)

	rec := do(a, http.MethodPost, "/api/projects/cards/export", "", "")
	mustStatus(t, rec, http.StatusOK)
	if ct := rec.Header().Get("Content-Type"); ct != "application/zip" {
		t.Errorf("Content-Type = %q, want application/zip", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, compositor.DefaultArchiveName) {
		t.Errorf("Content-Disposition = %q", cd)
	}

	zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	want := []string{"data.csv", "images/image_01.png", "images/image_02.png", "overlays/overlay_02.png"}
	if fmt.Sprint(names) != fmt.Sprint(want) {
		t.Errorf("archive entries = %v, want %v", names, want)
	}

	rec = do(a, http.MethodGet, "/api/projects/cards/exports", "", "")
	mustStatus(t, rec, http.StatusOK)
	var history []exportSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history) != 1 || history[0].Rendered != 2 {
		t.Errorf("history = %+v", history)
	}
}

func TestExportNothingEnabled(t *testing.T) {
	a := setupTestApp(t)
	mustStatus(t, do(a, http.MethodPut, "/api/projects/cards", "application/json", projectBody(t, 0, 1)), http.StatusOK)

	rec := do(a, http.MethodPost, "/api/projects/cards/export", "", "")
	mustStatus(t, rec, http.StatusUnprocessableEntity)
	if !strings.Contains(rec.Body.String(), "No enabled rows to export.") {
		t.Errorf("body = %q", rec.Body.String())
	}
	records, err := a.Store.ListExports("cards")
	if err != nil {
		t.Fatalf("ListExports failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("failed export should not be recorded, got %d", len(records))
	}
}

func TestPutDatasetResetsRowState(t *testing.T) {
	a := setupTestApp(t)
	mustStatus(t, do(a, http.MethodPut, "/api/projects/cards", "application/json", projectBody(t, 1)), http.StatusOK)

	csv := "name,photo\nGrace,\nKen,\nBarbara,\n"
	mustStatus(t, do(a, http.MethodPut, "/api/projects/cards/dataset", "text/csv", csv), http.StatusOK)

	p, err := a.Store.Project("cards")
	if err != nil {
		t.Fatalf("Project failed: %v", err)
	}
	if len(p.Snapshot.Rows) != 3 || p.Snapshot.Rows[0]["name"] != "Grace" {
		t.Errorf("rows = %v", p.Snapshot.Rows)
	}
	if len(p.Snapshot.DisabledRows) != 0 {
		t.Errorf("disabled rows should reset, got %v", p.Snapshot.DisabledRows)
	}

	mustStatus(t, do(a, http.MethodPut, "/api/projects/cards/dataset", "text/csv", "a,a\n1,2\n"), http.StatusBadRequest)
}

func TestResolveAndProxyRoutes(t *testing.T) {
	a := setupTestApp(t)

	rec := do(a, http.MethodGet, "/api/resolve?src=https://drive.google.com/file/d/ABC/view", "", "")
	mustStatus(t, rec, http.StatusOK)
	var body map[string][]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode resolve: %v", err)
	}
	if len(body["candidates"]) != 3 {
		t.Errorf("candidates = %v, want 3", body["candidates"])
	}

	mustStatus(t, do(a, http.MethodOptions, compositor.ProxyPath, "", ""), http.StatusNoContent)
	mustStatus(t, do(a, http.MethodGet, compositor.LocalProxyPath+"?url=https://example.com/x.png", "", ""), http.StatusBadRequest)
}

func TestInsideDir(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"data.csv", true},
		{"sub/data.csv", true},
		{"./a/../b.csv", true},
		{"../data.csv", false},
		{"a/../../data.csv", false},
		{"/etc/passwd", false},
	}
	for _, tt := range tests {
		if got := insideDir(tt.path); got != tt.want {
			t.Errorf("insideDir(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestPreviewDoesNotFetchUnlistedHosts(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/png")
		png.Encode(w, image.NewRGBA(image.Rect(0, 0, 4, 4)))
	}))
	defer upstream.Close()

	a := setupTestApp(t)
	snap := compositor.DocumentSnapshot{
		Version:  compositor.SnapshotVersion,
		Template: &compositor.TemplateSnapshot{Source: templateDataURI(t, 100, 50)},
		Elements: []compositor.ElementSnapshot{
			{ID: "photo", Kind: compositor.KindImage, Rect: compositor.Rect{X: 5, Y: 5, W: 40, H: 40}},
		},
		Mappings: map[string]string{"photo": "photo"},
		Headers:  []string{"photo"},
		Rows:     []compositor.Row{{"photo": upstream.URL + "/latest/meta-data.png"}},
	}
	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	mustStatus(t, do(a, http.MethodPut, "/api/projects/internal", "application/json", string(data)), http.StatusOK)

	rec := do(a, http.MethodGet, "/api/projects/internal/preview?row=0", "", "")
	mustStatus(t, rec, http.StatusOK)
	if _, err := png.Decode(rec.Body); err != nil {
		t.Fatalf("decode preview: %v", err)
	}
	if n := hits.Load(); n != 0 {
		t.Errorf("preview fetched a loopback address %d times, want the placeholder", n)
	}
}
