package store

import (
	"errors"
	"path/filepath"
	"testing"

	compositor "github.com/VantageDataChat/GoCompositor"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "projects.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testSnapshot() *compositor.DocumentSnapshot {
	return &compositor.DocumentSnapshot{
		Version: compositor.SnapshotVersion,
		Elements: []compositor.ElementSnapshot{
			{ID: "text-1", Kind: compositor.KindText, Rect: compositor.Rect{X: 10, Y: 20, W: 240, H: 80}},
			{ID: "image-1", Kind: compositor.KindImage, Rect: compositor.Rect{X: 5, Y: 5, W: 100, H: 100}},
		},
		Mappings: map[string]string{"text-1": "name", "image-1": "photo"},
		Headers:  []string{"name", "photo"},
		Rows: []compositor.Row{
			{"name": "Ada", "photo": "ada.png"},
			{"name": "Linus", "photo": "linus.png"},
		},
		DisabledRows: []int{1},
	}
}

func TestSaveAndGetProject(t *testing.T) {
	s := setupTestStore(t)

	if err := s.SaveProject("cards", testSnapshot()); err != nil {
		t.Fatalf("SaveProject failed: %v", err)
	}
	got, err := s.Project("cards")
	if err != nil {
		t.Fatalf("Project failed: %v", err)
	}
	if got.Name != "cards" {
		t.Errorf("Name = %q, want cards", got.Name)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps should be set")
	}
	snap := got.Snapshot
	if len(snap.Elements) != 2 {
		t.Fatalf("Elements = %d, want 2", len(snap.Elements))
	}
	if snap.Elements[0].Kind != compositor.KindText || snap.Elements[0].W != 240 {
		t.Errorf("Elements[0] = %+v", snap.Elements[0])
	}
	if snap.Mappings["image-1"] != "photo" {
		t.Errorf("Mappings = %v", snap.Mappings)
	}
	if len(snap.Rows) != 2 || snap.Rows[1]["name"] != "Linus" {
		t.Errorf("Rows = %v", snap.Rows)
	}
	if len(snap.DisabledRows) != 1 || snap.DisabledRows[0] != 1 {
		t.Errorf("DisabledRows = %v, want [1]", snap.DisabledRows)
	}
}

func TestSaveProjectUpdateKeepsCreatedAt(t *testing.T) {
	s := setupTestStore(t)

	snap := testSnapshot()
	if err := s.SaveProject("cards", snap); err != nil {
		t.Fatalf("SaveProject failed: %v", err)
	}
	first, err := s.Project("cards")
	if err != nil {
		t.Fatalf("Project failed: %v", err)
	}

	snap.Mappings["text-1"] = "title"
	if err := s.SaveProject("cards", snap); err != nil {
		t.Fatalf("SaveProject update failed: %v", err)
	}
	second, err := s.Project("cards")
	if err != nil {
		t.Fatalf("Project failed: %v", err)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("CreatedAt changed: %v -> %v", first.CreatedAt, second.CreatedAt)
	}
	if second.Snapshot.Mappings["text-1"] != "title" {
		t.Errorf("mapping not updated: %v", second.Snapshot.Mappings)
	}
}

func TestSaveProjectRequiresName(t *testing.T) {
	s := setupTestStore(t)
	if err := s.SaveProject("  ", testSnapshot()); err == nil {
		t.Error("expected error for blank name")
	}
	if err := s.SaveProject("x", nil); err == nil {
		t.Error("expected error for nil snapshot")
	}
}

func TestProjectNotFound(t *testing.T) {
	s := setupTestStore(t)
	if _, err := s.Project("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Project(missing) error = %v, want ErrNotFound", err)
	}
	if err := s.DeleteProject("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteProject(missing) error = %v, want ErrNotFound", err)
	}
}

func TestListProjects(t *testing.T) {
	s := setupTestStore(t)
	for _, name := range []string{"a", "b", "c"} {
		if err := s.SaveProject(name, testSnapshot()); err != nil {
			t.Fatalf("SaveProject(%s) failed: %v", name, err)
		}
	}
	projects, err := s.ListProjects()
	if err != nil {
		t.Fatalf("ListProjects failed: %v", err)
	}
	if len(projects) != 3 {
		t.Fatalf("ListProjects = %d, want 3", len(projects))
	}
	seen := map[string]bool{}
	for _, p := range projects {
		seen[p.Name] = true
		if p.Snapshot != nil {
			t.Errorf("%s: listing should not load snapshots", p.Name)
		}
	}
	for _, name := range []string{"a", "b", "c"} {
		if !seen[name] {
			t.Errorf("project %s missing from list", name)
		}
	}
}

func TestExportHistory(t *testing.T) {
	s := setupTestStore(t)
	if err := s.SaveProject("cards", testSnapshot()); err != nil {
		t.Fatalf("SaveProject failed: %v", err)
	}

	for i := 1; i <= 2; i++ {
		rec, err := s.RecordExport(ExportRecord{Project: "cards", Rendered: i, Archive: compositor.DefaultArchiveName, Size: int64(100 * i)})
		if err != nil {
			t.Fatalf("RecordExport failed: %v", err)
		}
		if rec.ID == 0 {
			t.Error("RecordExport should assign an id")
		}
	}
	if _, err := s.RecordExport(ExportRecord{Project: "missing", Rendered: 1}); !errors.Is(err, ErrNotFound) {
		t.Errorf("RecordExport(missing) error = %v, want ErrNotFound", err)
	}

	records, err := s.ListExports("cards")
	if err != nil {
		t.Fatalf("ListExports failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("ListExports = %d, want 2", len(records))
	}
	if records[0].Rendered != 2 || records[1].Rendered != 1 {
		t.Errorf("records not newest first: %+v", records)
	}
	if records[0].Size != 200 || records[0].Archive != compositor.DefaultArchiveName {
		t.Errorf("records[0] = %+v", records[0])
	}

	if err := s.DeleteProject("cards"); err != nil {
		t.Fatalf("DeleteProject failed: %v", err)
	}
	records, err = s.ListExports("cards")
	if err != nil {
		t.Fatalf("ListExports failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("history should be removed with the project, got %d", len(records))
	}
}
