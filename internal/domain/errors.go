package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionExpired means the stored credentials are no longer valid.
	// The caller must re-authenticate before retrying.
	ErrSessionExpired = errors.New("session expired")

	// ErrNetworkUnavailable marks a transient transport failure; the whole
	// pass is safe to retry later.
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrRemoteGone is returned by transports when a delete targets a record
	// that no longer exists. The executor treats it as success.
	ErrRemoteGone = errors.New("remote record already gone")

	// ErrSyncInProgress is returned when a second pass is started against a
	// workspace whose engine is already mid-pass.
	ErrSyncInProgress = errors.New("sync already in progress")
)

// CapacityError is raised by the pre-flight quota check. It guarantees zero
// writes occurred in the rejected pass.
type CapacityError struct {
	Limit     int
	Used      int
	Requested int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity exceeded: %d requested with %d/%d used", e.Requested, e.Used, e.Limit)
}

// PermissionError marks a role-gated write attempted without sufficient
// privilege. The item is skipped, not retried.
type PermissionError struct {
	Op string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied: %s", e.Op)
}

// ConflictRetryError is raised when a version or optimistic-lock collision is
// detected mid-execution. The remote world has moved under the pass; the
// caller must re-run the whole pass rather than retry the failed item.
type ConflictRetryError struct {
	RemoteID string
	Code     ConflictCode
}

func (e *ConflictRetryError) Error() string {
	return fmt.Sprintf("remote %s moved during sync (%s): re-run the pass", e.RemoteID, e.Code)
}

// ConflictCode classifies a write rejection surfaced by the backend.
type ConflictCode string

const (
	ConflictNone ConflictCode = ""

	// ConflictSoftDeleted means the upload target was soft-deleted since this
	// client last saw it. The executor transparently re-uploads as new.
	ConflictSoftDeleted ConflictCode = "CONTENT_SOFT_DELETED"

	// ConflictVersionMismatch and ConflictOptimisticLock mean the record's
	// version moved since the last read. Both abort the pass as retryable.
	ConflictVersionMismatch ConflictCode = "VERSION_MISMATCH"
	ConflictOptimisticLock  ConflictCode = "OPTIMISTIC_LOCK"

	// ConflictLegacy is the generic conflict emitted by older backend
	// deployments. It must be handled like ConflictSoftDeleted.
	ConflictLegacy ConflictCode = "CONFLICT"
)

// Retryable reports whether the code requires re-running the whole pass.
func (c ConflictCode) Retryable() bool {
	return c == ConflictVersionMismatch || c == ConflictOptimisticLock
}
