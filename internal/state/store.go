// Package state persists stage completion markers so an interrupted
// migration can resume without redoing completed work.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotComplete is returned by Metadata for a key that has no marker.
var ErrNotComplete = errors.New("stage not complete")

// Store keeps one marker file per stage key under a root directory.
// Distinct keys are written by distinct owners, so no locking is needed
// across keys; a single mark is made atomic via rename.
type Store struct {
	dir string
}

type marker struct {
	Key         string            `json:"key"`
	CompletedAt time.Time         `json:"completed_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Open creates the store directory if needed and returns a Store.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

// IsComplete reports whether the stage key has a completion marker.
func (s *Store) IsComplete(key string) bool {
	_, err := os.Stat(s.path(key))
	return err == nil
}

// MarkComplete durably records completion of a stage key. The write is
// flushed to stable storage before returning. Re-marking an already
// complete key overwrites its metadata but keeps it complete.
func (s *Store) MarkComplete(key string, metadata map[string]string) error {
	m := marker{Key: key, CompletedAt: time.Now().UTC(), Metadata: metadata}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode marker %q: %w", key, err)
	}

	// Write to a temp file, fsync, then rename over the final path so a
	// crash never leaves a half-written marker behind.
	tmp, err := os.CreateTemp(s.dir, "."+fileName(key)+".tmp-")
	if err != nil {
		return fmt.Errorf("create marker %q: %w", key, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write marker %q: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync marker %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close marker %q: %w", key, err)
	}
	if err := os.Rename(tmpName, s.path(key)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("commit marker %q: %w", key, err)
	}
	return nil
}

// Metadata returns the metadata stored with a completed key.
func (s *Store) Metadata(key string) (map[string]string, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%q: %w", key, ErrNotComplete)
		}
		return nil, fmt.Errorf("read marker %q: %w", key, err)
	}
	var m marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode marker %q: %w", key, err)
	}
	return m.Metadata, nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, fileName(key))
}

// fileName maps a stage key to a marker file name. Database names may
// contain path separators or dots in theory; escape what the filesystem
// cares about and keep the rest readable.
func fileName(key string) string {
	safe := strings.NewReplacer("/", "%2F", string(filepath.Separator), "%2F").Replace(key)
	return safe + ".done"
}
