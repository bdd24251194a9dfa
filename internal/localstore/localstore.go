// Package localstore persists cart/favorites snapshots to a single JSON
// file on disk. It is the client-side equivalent of browser local storage:
// synchronous, shared between processes of the same user, and the only
// thing a guest session has.
package localstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/aurelle-jewellery/cartsync/internal/cart"
)

// StorageError wraps a persistence failure. Callers degrade to
// in-memory-only operation rather than surfacing it to the user.
type StorageError struct {
	Op  string
	Err error
}

func (e StorageError) Error() string {
	return fmt.Sprintf("localstore %s: %v", e.Op, e.Err)
}

func (e StorageError) Unwrap() error { return e.Err }

// Store reads and writes one snapshot file. The zero value is not usable;
// construct with New.
type Store struct {
	path string
}

// New creates a store backed by the given file path. The parent directory
// is created on first save, not here, so a read-only probe never mutates
// the filesystem.
func New(path string) *Store {
	return &Store{path: path}
}

// Load deserializes the persisted snapshot. It returns (nil, nil) when the
// file is absent, unreadable, corrupt, or carries an unknown schema
// version: the caller falls back to an empty guest cart (or a server
// re-fetch) instead of crashing on stale data. Load never returns an error
// for bad content, only for programmer misuse (empty path).
func (s *Store) Load() (*cart.Snapshot, error) {
	if s.path == "" {
		return nil, StorageError{Op: "load", Err: errors.New("no path configured")}
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", s.path).Msg("snapshot unreadable, starting empty")
		}
		return nil, nil
	}

	var snap cart.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("snapshot corrupt, starting empty")
		return nil, nil
	}

	if snap.SchemaVersion != cart.SchemaVersion {
		// Unknown version: reject wholesale rather than guess at a partial
		// migration. Authenticated sessions re-fetch from the server.
		log.Warn().
			Int("got", snap.SchemaVersion).
			Int("want", cart.SchemaVersion).
			Msg("snapshot schema version mismatch, discarding")
		return nil, nil
	}

	return &snap, nil
}

// Save writes the snapshot synchronously. The write is atomic (temp file +
// rename) so a crash mid-write leaves the previous snapshot intact, and it
// completes before the calling mutation returns so an immediate shutdown
// loses nothing.
func (s *Store) Save(snap cart.Snapshot) error {
	if s.path == "" {
		return StorageError{Op: "save", Err: errors.New("no path configured")}
	}

	snap.SchemaVersion = cart.SchemaVersion
	if snap.SavedAtMs == 0 {
		snap.SavedAtMs = cart.NowMs()
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		return StorageError{Op: "save", Err: err}
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return StorageError{Op: "save", Err: err}
	}

	tmp, err := os.CreateTemp(dir, ".snapshot-*.json")
	if err != nil {
		return StorageError{Op: "save", Err: err}
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return StorageError{Op: "save", Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return StorageError{Op: "save", Err: err}
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return StorageError{Op: "save", Err: err}
	}

	return nil
}

// Clear removes the persisted snapshot. Used on logout so one user's cart
// is never left under the guest slot. A missing file is not an error.
func (s *Store) Clear() error {
	if s.path == "" {
		return nil
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return StorageError{Op: "clear", Err: err}
	}
	return nil
}
