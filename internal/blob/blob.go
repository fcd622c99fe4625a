// Package blob manages the audio chunk files on local disk.
//
// Files live under a single storage root in a deterministic layout:
//
//	audio/<point_id>/<register_id>/<YYYY-MM-DD>/<HH>/chunk_<YYYYMMDD_HHMMSS>_<chunk_id>.ogg
//
// Timestamps in the path are UTC. Writes go to a temp file in the target
// directory followed by an atomic rename, so readers never observe a
// partially written chunk.
package blob

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Storage reads and writes chunk blobs under a root directory.
type Storage struct {
	root string
}

// New returns a Storage rooted at dir.
func New(dir string) *Storage {
	return &Storage{root: dir}
}

// ChunkPath returns the deterministic storage-relative path for a chunk.
func ChunkPath(pointID, registerID uuid.UUID, startTS time.Time, chunkID uuid.UUID) string {
	utc := startTS.UTC()
	return filepath.Join(
		"audio",
		pointID.String(),
		registerID.String(),
		utc.Format("2006-01-02"),
		utc.Format("15"),
		fmt.Sprintf("chunk_%s_%s.ogg", utc.Format("20060102_150405"), chunkID),
	)
}

// Abs resolves a storage-relative path against the root.
func (s *Storage) Abs(relPath string) string {
	return filepath.Join(s.root, relPath)
}

// Save writes content to relPath atomically: the bytes land in a temp file
// in the destination directory, then a rename publishes them. On any error
// the temp file is removed and nothing appears at relPath.
func (s *Storage) Save(relPath string, content []byte) (int64, error) {
	full := s.Abs(relPath)
	dir := filepath.Dir(full)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("blob: mkdir %q: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "chunk_*.tmp")
	if err != nil {
		return 0, fmt.Errorf("blob: create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return 0, fmt.Errorf("blob: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("blob: close temp: %w", err)
	}

	if err := os.Rename(tmpName, full); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("blob: rename: %w", err)
	}
	return int64(len(content)), nil
}

// Open opens a stored blob for reading.
func (s *Storage) Open(relPath string) (*os.File, error) {
	f, err := os.Open(s.Abs(relPath))
	if err != nil {
		return nil, fmt.Errorf("blob: open %q: %w", relPath, err)
	}
	return f, nil
}

// Delete removes a stored blob. Reports whether a file existed.
func (s *Storage) Delete(relPath string) (bool, error) {
	err := os.Remove(s.Abs(relPath))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("blob: delete %q: %w", relPath, err)
	}
	return true, nil
}

// CheckWritable probes the storage root by creating and removing a marker
// file. Used by the health endpoint.
func (s *Storage) CheckWritable() bool {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return false
	}
	probe := filepath.Join(s.root, ".write_test")
	if err := os.WriteFile(probe, []byte("test"), 0o644); err != nil {
		return false
	}
	os.Remove(probe)
	return true
}
