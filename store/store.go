// Package store persists named compositor projects and their export
// history in a SQLite database.
package store

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	compositor "github.com/VantageDataChat/GoCompositor"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a project does not exist.
var ErrNotFound = sql.ErrNoRows

const timeLayout = time.RFC3339Nano

// Project is a saved document snapshot.
type Project struct {
	Name      string
	Snapshot  *compositor.DocumentSnapshot
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ExportRecord is one finished export of a project.
type ExportRecord struct {
	ID        int64
	Project   string
	Rendered  int
	Failed    int
	Archive   string
	Size      int64
	CreatedAt time.Time
}

// Store wraps a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path, ensures the data
// directory exists and creates the schema. The path ":memory:" opens a
// private in-memory database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// WAL lets the preview handlers read while an export is being recorded.
	if _, err := db.Exec(`
		PRAGMA journal_mode=WAL;
		PRAGMA busy_timeout=5000;
		PRAGMA synchronous=NORMAL;
	`); err != nil {
		db.Close()
		return nil, err
	}
	if path == ":memory:" {
		// Every connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(4)
	}
	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS projects (
    name TEXT PRIMARY KEY,
    snapshot TEXT NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS exports (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    project TEXT NOT NULL,
    rendered INTEGER NOT NULL,
    failed INTEGER NOT NULL DEFAULT 0,
    archive TEXT NOT NULL,
    size INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS exports_project ON exports(project, id);
`)
	return err
}

// SaveProject creates or replaces the project called name. The creation
// time of an existing project is kept.
func (s *Store) SaveProject(name string, snap *compositor.DocumentSnapshot) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("project name is required")
	}
	if snap == nil {
		return errors.New("project snapshot is required")
	}
	var buf bytes.Buffer
	if err := snap.EncodeJSON(&buf); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.Exec(`
INSERT INTO projects (name, snapshot, created_at, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		name, buf.String(), now, now)
	return err
}

// Project returns the project called name, or ErrNotFound.
func (s *Store) Project(name string) (Project, error) {
	var data, created, updated string
	err := s.db.QueryRow(`SELECT snapshot, created_at, updated_at FROM projects WHERE name = ?`, name).
		Scan(&data, &created, &updated)
	if err != nil {
		return Project{}, err
	}
	snap, err := compositor.DecodeSnapshot([]byte(data))
	if err != nil {
		return Project{}, fmt.Errorf("project %s: %w", name, err)
	}
	return Project{
		Name:      name,
		Snapshot:  snap,
		CreatedAt: parseTime(created),
		UpdatedAt: parseTime(updated),
	}, nil
}

// ListProjects returns every project without its snapshot, most recently
// updated first.
func (s *Store) ListProjects() ([]Project, error) {
	rows, err := s.db.Query(`SELECT name, created_at, updated_at FROM projects ORDER BY updated_at DESC, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var name, created, updated string
		if err := rows.Scan(&name, &created, &updated); err != nil {
			return nil, err
		}
		projects = append(projects, Project{
			Name:      name,
			CreatedAt: parseTime(created),
			UpdatedAt: parseTime(updated),
		})
	}
	return projects, rows.Err()
}

// DeleteProject removes a project and its export history. Deleting a
// missing project returns ErrNotFound.
func (s *Store) DeleteProject(name string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM projects WHERE name = ?`, name)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(`DELETE FROM exports WHERE project = ?`, name); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordExport appends an export to the project's history and returns the
// stored record. Recording for a missing project returns ErrNotFound.
func (s *Store) RecordExport(rec ExportRecord) (ExportRecord, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.Exec(`
INSERT INTO exports (project, rendered, failed, archive, size, created_at)
SELECT name, ?, ?, ?, ?, ? FROM projects WHERE name = ?`,
		rec.Rendered, rec.Failed, rec.Archive, rec.Size, rec.CreatedAt.Format(timeLayout), rec.Project)
	if err != nil {
		return ExportRecord{}, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ExportRecord{}, ErrNotFound
	}
	rec.ID, err = res.LastInsertId()
	return rec, err
}

// ListExports returns the export history of a project, newest first.
func (s *Store) ListExports(project string) ([]ExportRecord, error) {
	rows, err := s.db.Query(`SELECT id, rendered, failed, archive, size, created_at FROM exports WHERE project = ? ORDER BY id DESC`, project)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []ExportRecord
	for rows.Next() {
		rec := ExportRecord{Project: project}
		var created string
		if err := rows.Scan(&rec.ID, &rec.Rendered, &rec.Failed, &rec.Archive, &rec.Size, &created); err != nil {
			return nil, err
		}
		rec.CreatedAt = parseTime(created)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}
