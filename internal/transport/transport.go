// Package transport hides the personal-vs-shared-workspace differences behind
// one interface the sync engine drives. Implementations differ only in
// authorization scope, write permissions, and the optional quota and
// workspace-registration behaviors, which are exposed as capability
// interfaces rather than subclass hooks.
package transport

import (
	"context"

	"promptdeck-sync/internal/domain"
)

// WritePermission reports which mutating operations the current identity may
// perform against the workspace.
type WritePermission struct {
	CanUpload bool
	CanDelete bool
}

// UploadResult is the backend's acknowledgment of a stored record.
type UploadResult struct {
	RemoteID string `json:"remote_id"`
	Version  int64  `json:"version"`
}

// Transport is the wire contract the engine depends on. Upload carries the
// caller's ledger entry (nil for brand-new records) so the backend can enforce
// its optimistic lock against the expected version and base fingerprint.
type Transport interface {
	FetchRemote(ctx context.Context, includeDeleted bool) ([]*domain.RemotePrompt, error)
	Upload(ctx context.Context, p *domain.Prompt, entry *domain.LedgerEntry) (*UploadResult, error)
	Delete(ctx context.Context, remoteID string) error

	// ParseConflict extracts the backend's conflict classification from an
	// Upload error, or ConflictNone when err is not a conflict rejection.
	ParseConflict(err error) domain.ConflictCode

	WritePermission() WritePermission

	// Identity names this device for conflict attribution.
	Identity() string
}

// LocalIDAssigner is implemented by transports whose backend records an
// owner_local_id, allowing backend-originated records to be adopted locally
// and conflict copies to be linked without a re-upload.
type LocalIDAssigner interface {
	AssignLocalID(ctx context.Context, remoteID, localID string) error
}

// CapacityChecker is implemented by quota-bearing workspace modes. A failed
// check returns *domain.CapacityError and must happen before any writes.
type CapacityChecker interface {
	CheckCapacity(ctx context.Context, count int, bytes int64) error
}

// WorkspaceRegistrar is implemented by modes that require announcing the
// workspace before first use.
type WorkspaceRegistrar interface {
	RegisterWorkspace(ctx context.Context) error
}
