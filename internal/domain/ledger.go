package domain

import "time"

// LedgerSchemaVersion is the current on-disk ledger schema. Version 1 stored
// entries without DeletedAt; loading a v1 ledger migrates it in memory and the
// next write persists the current version.
const LedgerSchemaVersion = 2

// LedgerEntry links one local prompt to its remote counterpart and records the
// last agreed-upon fingerprint and version.
//
// An entry with IsDeleted=true must never be the target of a normal upload
// without being reset first; the executor treats that state as corrupted and
// self-heals by clearing the stale link.
type LedgerEntry struct {
	RemoteID                string     `json:"remote_id"`
	FingerprintAtLastSync   string     `json:"fingerprint_at_last_sync"`
	LastSyncedAt            time.Time  `json:"last_synced_at"`
	RemoteVersionAtLastSync int64      `json:"remote_version_at_last_sync"`
	IsDeleted               bool       `json:"is_deleted"`
	DeletedAt               *time.Time `json:"deleted_at,omitempty"`
}

// LedgerState is the full per-workspace ledger: one entry per linked local
// prompt, keyed by local prompt id, plus the workspace's last successful sync
// time. A zero LastSyncTime means the workspace has never completed a pass.
type LedgerState struct {
	SchemaVersion int                    `json:"schema_version"`
	LastSyncTime  time.Time              `json:"last_sync_time"`
	Entries       map[string]LedgerEntry `json:"entries"`
}

// NewLedgerState returns an empty ledger at the current schema version.
func NewLedgerState() *LedgerState {
	return &LedgerState{
		SchemaVersion: LedgerSchemaVersion,
		Entries:       make(map[string]LedgerEntry),
	}
}

// Entry returns the ledger entry for the given local prompt id.
func (s *LedgerState) Entry(localID string) (LedgerEntry, bool) {
	e, ok := s.Entries[localID]
	return e, ok
}

// LocalIDByRemoteID performs a reverse lookup from remote id to local id.
// Live entries win over soft-deleted ones: after a conflict split the retired
// original and the fresh link both reference the same remote record.
func (s *LedgerState) LocalIDByRemoteID(remoteID string) (string, bool) {
	var deletedID string
	var foundDeleted bool
	for localID, e := range s.Entries {
		if e.RemoteID != remoteID {
			continue
		}
		if !e.IsDeleted {
			return localID, true
		}
		deletedID, foundDeleted = localID, true
	}
	return deletedID, foundDeleted
}
