// Package ledger persists the per-workspace sync ledger: the memo of what
// local and remote last agreed on. It is the engine's only durable working
// state, so every write goes through an atomic write-temp-then-rename to
// survive a crash mid-write.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"promptdeck-sync/internal/domain"
)

type Store interface {
	Get() (*domain.LedgerState, error)
	SetEntry(localID string, entry domain.LedgerEntry) error
	RemoveEntry(localID string) error
	MarkDeleted(localID string, deletedAt time.Time) error
	FindLocalIDByRemoteID(remoteID string) (string, bool, error)
	SetLastSyncTime(t time.Time) error
}

type fileStore struct {
	path  string
	mu    sync.Mutex
	state *domain.LedgerState
}

// NewFileStore opens (or lazily creates) the ledger file at path.
func NewFileStore(path string) Store {
	return &fileStore{path: path}
}

// Get returns the current ledger state, loading it from disk on first use.
// A missing file yields an empty state rather than an error. Callers must
// treat the returned state as read-only; mutations go through the setters.
func (s *fileStore) Get() (*domain.LedgerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *fileStore) load() (*domain.LedgerState, error) {
	if s.state != nil {
		return s.state, nil
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.state = domain.NewLedgerState()
		return s.state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger file: %w", err)
	}

	var state domain.LedgerState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse ledger file %s: %w", s.path, err)
	}
	if state.Entries == nil {
		state.Entries = make(map[string]domain.LedgerEntry)
	}
	if err := migrate(&state); err != nil {
		return nil, err
	}

	s.state = &state
	return s.state, nil
}

// migrate upgrades older ledger schemas in memory; the next write persists
// the current version.
func migrate(state *domain.LedgerState) error {
	switch {
	case state.SchemaVersion == domain.LedgerSchemaVersion:
		return nil
	case state.SchemaVersion > domain.LedgerSchemaVersion:
		return fmt.Errorf("ledger schema version %d is newer than supported %d",
			state.SchemaVersion, domain.LedgerSchemaVersion)
	}

	// v1 entries had no DeletedAt; deleted entries adopt LastSyncedAt as the
	// best available deletion time.
	if state.SchemaVersion <= 1 {
		for id, e := range state.Entries {
			if e.IsDeleted && e.DeletedAt == nil {
				at := e.LastSyncedAt
				e.DeletedAt = &at
				state.Entries[id] = e
			}
		}
	}

	state.SchemaVersion = domain.LedgerSchemaVersion
	return nil
}

func (s *fileStore) SetEntry(localID string, entry domain.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		return err
	}
	state.Entries[localID] = entry
	return s.flush(state)
}

func (s *fileStore) RemoveEntry(localID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		return err
	}
	delete(state.Entries, localID)
	return s.flush(state)
}

func (s *fileStore) MarkDeleted(localID string, deletedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		return err
	}
	entry, ok := state.Entries[localID]
	if !ok {
		return fmt.Errorf("no ledger entry for local id %s", localID)
	}
	entry.IsDeleted = true
	entry.DeletedAt = &deletedAt
	state.Entries[localID] = entry
	return s.flush(state)
}

func (s *fileStore) FindLocalIDByRemoteID(remoteID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		return "", false, err
	}
	localID, ok := state.LocalIDByRemoteID(remoteID)
	return localID, ok, nil
}

func (s *fileStore) SetLastSyncTime(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		return err
	}
	state.LastSyncTime = t
	return s.flush(state)
}

// flush writes the state to a temp file in the same directory and renames it
// over the real path, so readers never observe a torn write.
func (s *fileStore) flush(state *domain.LedgerState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode ledger: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create ledger directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".ledger-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp ledger file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp ledger file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp ledger file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp ledger file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace ledger file: %w", err)
	}
	return nil
}
