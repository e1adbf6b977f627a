package compositor

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// DefaultArchiveName is the file name offered for export downloads.
const DefaultArchiveName = "generated_graphics.zip"

// ArchiveEntry is one file of an export archive.
type ArchiveEntry struct {
	Path string
	Data []byte
}

// ArchiveWriter bundles export entries and the manifest into one container.
type ArchiveWriter interface {
	WriteArchive(w io.Writer, entries []ArchiveEntry, manifest ArchiveEntry) error
}

// ZipArchiveWriter writes ZIP archives. Entries keep their order; the
// manifest is written last.
type ZipArchiveWriter struct {
	// Modified is stamped on every entry. Zero means time.Now at write time.
	Modified time.Time
}

// WriteArchive implements ArchiveWriter.
func (z ZipArchiveWriter) WriteArchive(w io.Writer, entries []ArchiveEntry, manifest ArchiveEntry) error {
	modified := z.Modified
	if modified.IsZero() {
		modified = time.Now()
	}
	all := make([]ArchiveEntry, 0, len(entries)+1)
	all = append(append(all, entries...), manifest)

	zw := zip.NewWriter(w)
	for _, e := range all {
		if e.Path == "" {
			continue
		}
		method := zip.Deflate
		// Images are already compressed.
		if ext := filepath.Ext(e.Path); ext == ".png" || ext == ".jpg" {
			method = zip.Store
		}
		f, err := zw.CreateHeader(&zip.FileHeader{
			Name:     e.Path,
			Method:   method,
			Modified: modified,
		})
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", e.Path, err)
		}
		if _, err := f.Write(e.Data); err != nil {
			return fmt.Errorf("failed to write %s: %w", e.Path, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finalize archive: %w", err)
	}
	return nil
}

// writeFileAtomic creates path through a temporary file in the same
// directory, so a failed write never leaves a truncated archive behind.
func writeFileAtomic(path string, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	tmp := f.Name()

	writeErr := write(f)
	closeErr := f.Close()
	if writeErr != nil || closeErr != nil {
		os.Remove(tmp)
		if writeErr != nil {
			return writeErr
		}
		return closeErr
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move archive into place: %w", err)
	}
	return nil
}
