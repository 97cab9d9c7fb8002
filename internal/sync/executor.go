package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"promptdeck-sync/internal/domain"
	"promptdeck-sync/internal/fingerprint"
	"promptdeck-sync/internal/ledger"
	"promptdeck-sync/internal/store"
	"promptdeck-sync/internal/transport"
)

// Stats is the executor's structured result: per-phase counters plus every
// per-item failure that was skipped rather than aborted on.
type Stats struct {
	Uploaded        int
	Downloaded      int
	DeletedLocally  int
	DeletedRemotely int
	ConflictsSplit  int
	Linked          int
	Assigned        int
	Skipped         int
	Errors          []ItemError
}

// ItemError records one best-effort item failure.
type ItemError struct {
	Phase    string
	LocalID  string
	RemoteID string
	Err      error
}

func (e ItemError) Error() string {
	return fmt.Sprintf("%s failed (local=%s remote=%s): %v", e.Phase, e.LocalID, e.RemoteID, e.Err)
}

// Executor applies a plan through the transport, pairing every successful
// remote call with a ledger update. Phases run in a fixed order, each
// completing before the next begins; a failing item is logged and skipped
// without aborting its siblings, except for version collisions, which abort
// the pass as retryable.
type Executor struct {
	transport transport.Transport
	prompts   store.PromptStore
	ledger    ledger.Store
	resolver  *Resolver
	logger    *log.Logger
}

// NewExecutor wires an executor. If logger is nil a default stderr logger is
// used.
func NewExecutor(t transport.Transport, prompts store.PromptStore, ldg ledger.Store, resolver *Resolver, logger *log.Logger) *Executor {
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Executor{
		transport: t,
		prompts:   prompts,
		ledger:    ldg,
		resolver:  resolver,
		logger:    logger,
	}
}

// Execute runs all phases of the plan. The returned Stats reflect whatever
// completed, even when an error aborts the pass early. Cancellation is
// checked cooperatively between phases.
func (e *Executor) Execute(ctx context.Context, plan *domain.SyncPlan) (*Stats, error) {
	stats := &Stats{}
	perm := e.transport.WritePermission()

	phases := []func(context.Context, *domain.SyncPlan, *Stats) error{
		e.runConflicts,
		e.runLocalDeletes,
		func(ctx context.Context, p *domain.SyncPlan, s *Stats) error {
			if !perm.CanDelete {
				s.Skipped += len(p.ToDeleteRemotely)
				return nil
			}
			return e.runRemoteDeletes(ctx, p, s)
		},
		func(ctx context.Context, p *domain.SyncPlan, s *Stats) error {
			if !perm.CanUpload {
				s.Skipped += len(p.ToUpload)
				return nil
			}
			return e.runUploads(ctx, p, s)
		},
		e.runDownloads,
		e.runAssignments,
		e.runLinks,
	}

	for _, phase := range phases {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := phase(ctx, plan, stats); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func (e *Executor) fail(stats *Stats, phase, localID, remoteID string, err error) {
	item := ItemError{Phase: phase, LocalID: localID, RemoteID: remoteID, Err: err}
	stats.Errors = append(stats.Errors, item)
	e.logger.Printf("WARNING: %v", item)
}

func (e *Executor) runConflicts(ctx context.Context, plan *domain.SyncPlan, stats *Stats) error {
	for _, c := range plan.Conflicts {
		localCopy, remoteCopy := e.resolver.Split(c)

		// Both replacement copies must be durable before the original is
		// touched; a failure here leaves the conflicted record intact.
		if _, err := e.prompts.SaveDirectly(localCopy); err != nil {
			e.fail(stats, "conflict", c.Local.ID, c.Remote.RemoteID, err)
			continue
		}
		if _, err := e.prompts.SaveDirectly(remoteCopy); err != nil {
			// A failed split leaves the store as it was: the original stays
			// the only copy, so the next pass re-resolves from scratch.
			if _, derr := e.prompts.DeleteByID(localCopy.ID); derr != nil {
				e.logger.Printf("WARNING: failed to roll back conflict copy %s: %v", localCopy.ID, derr)
			}
			e.fail(stats, "conflict", c.Local.ID, c.Remote.RemoteID, err)
			continue
		}

		// The local side becomes a brand-new remote record.
		if err := e.uploadAndRecord(ctx, localCopy, nil); err != nil {
			var retry *domain.ConflictRetryError
			if errors.As(err, &retry) {
				return err
			}
			// The copy exists locally; the next pass will upload it.
			e.fail(stats, "conflict", localCopy.ID, "", err)
		}

		// The remote side adopts the existing remote record; uploading it
		// again would be a spurious write and a false version collision.
		if err := e.linkCopy(ctx, remoteCopy, c.Remote); err != nil {
			e.fail(stats, "conflict", remoteCopy.ID, c.Remote.RemoteID, err)
		}

		if _, err := e.prompts.DeleteByID(c.Local.ID); err != nil {
			e.fail(stats, "conflict", c.Local.ID, "", err)
			continue
		}
		if _, ok, _ := e.entryFor(c.Local.ID); ok {
			if err := e.ledger.MarkDeleted(c.Local.ID, time.Now()); err != nil {
				e.fail(stats, "conflict", c.Local.ID, "", err)
				continue
			}
		}
		stats.ConflictsSplit++
	}
	return nil
}

// linkCopy ties the remote-side conflict copy to the existing remote record.
// When the backend cannot record the new owner (the record vanished between
// fetch and resolution, or the transport has no owner concept), the copy is
// uploaded as a new record instead.
func (e *Executor) linkCopy(ctx context.Context, cp *domain.Prompt, remote *domain.RemotePrompt) error {
	if assigner, ok := e.transport.(transport.LocalIDAssigner); ok {
		err := assigner.AssignLocalID(ctx, remote.RemoteID, cp.ID)
		if err == nil {
			return e.recordRemote(cp.ID, remote)
		}
		e.logger.Printf("linking conflict copy %s to remote %s failed, uploading as new: %v", cp.ID, remote.RemoteID, err)
	}
	return e.uploadAndRecord(ctx, cp, nil)
}

func (e *Executor) runLocalDeletes(_ context.Context, plan *domain.SyncPlan, stats *Stats) error {
	for _, d := range plan.ToDeleteLocally {
		if _, err := e.prompts.DeleteByID(d.LocalID); err != nil {
			e.fail(stats, "local delete", d.LocalID, d.RemoteID, err)
			continue
		}
		if err := e.ledger.MarkDeleted(d.LocalID, d.DeletedAt); err != nil {
			e.fail(stats, "local delete", d.LocalID, d.RemoteID, err)
			continue
		}
		stats.DeletedLocally++
	}
	return nil
}

func (e *Executor) runRemoteDeletes(ctx context.Context, plan *domain.SyncPlan, stats *Stats) error {
	for _, d := range plan.ToDeleteRemotely {
		err := e.transport.Delete(ctx, d.RemoteID)
		if err != nil && !errors.Is(err, domain.ErrRemoteGone) {
			e.fail(stats, "remote delete", "", d.RemoteID, err)
			continue
		}
		// The local record is already gone for good; its ledger entry goes
		// with it.
		if localID, ok, lerr := e.ledger.FindLocalIDByRemoteID(d.RemoteID); lerr == nil && ok {
			if err := e.ledger.RemoveEntry(localID); err != nil {
				e.fail(stats, "remote delete", localID, d.RemoteID, err)
				continue
			}
		}
		stats.DeletedRemotely++
	}
	return nil
}

func (e *Executor) runUploads(ctx context.Context, plan *domain.SyncPlan, stats *Stats) error {
	for _, p := range plan.ToUpload {
		entry, hasEntry, err := e.entryFor(p.ID)
		if err != nil {
			return err
		}

		var entryPtr *domain.LedgerEntry
		if hasEntry {
			if entry.IsDeleted && entry.RemoteID != "" {
				// A deleted link on a record the user still has locally is
				// corrupted state; clear it and upload as new.
				e.logger.Printf("clearing stale deleted link for prompt %s (remote %s)", p.ID, entry.RemoteID)
				if err := e.ledger.RemoveEntry(p.ID); err != nil {
					e.fail(stats, "upload", p.ID, entry.RemoteID, err)
					continue
				}
			} else {
				entryCopy := entry
				entryPtr = &entryCopy
			}
		}

		if err := e.uploadAndRecord(ctx, p, entryPtr); err != nil {
			var retry *domain.ConflictRetryError
			if errors.As(err, &retry) {
				return err
			}
			e.fail(stats, "upload", p.ID, "", err)
			continue
		}
		stats.Uploaded++
	}
	return nil
}

// uploadAndRecord uploads one prompt and pairs the success with its ledger
// update. A soft-deleted target is transparently retried as a brand-new
// record; a version collision aborts the pass as retryable.
func (e *Executor) uploadAndRecord(ctx context.Context, p *domain.Prompt, entry *domain.LedgerEntry) error {
	res, err := e.transport.Upload(ctx, p, entry)
	if err != nil {
		switch code := e.transport.ParseConflict(err); {
		case code == domain.ConflictSoftDeleted || code == domain.ConflictLegacy:
			e.logger.Printf("remote for prompt %s was deleted since last sync, re-uploading as new", p.ID)
			res, err = e.transport.Upload(ctx, p, nil)
			if err != nil {
				return err
			}
		case code.Retryable():
			remoteID := ""
			if entry != nil {
				remoteID = entry.RemoteID
			}
			return &domain.ConflictRetryError{RemoteID: remoteID, Code: code}
		default:
			return err
		}
	}

	return e.ledger.SetEntry(p.ID, domain.LedgerEntry{
		RemoteID:                res.RemoteID,
		FingerprintAtLastSync:   fingerprint.ForPrompt(p),
		LastSyncedAt:            time.Now(),
		RemoteVersionAtLastSync: res.Version,
	})
}

func (e *Executor) runDownloads(_ context.Context, plan *domain.SyncPlan, stats *Stats) error {
	for _, r := range plan.ToDownload {
		localID := r.OwnerLocalID
		if id, ok, err := e.ledger.FindLocalIDByRemoteID(r.RemoteID); err == nil && ok {
			localID = id
		}
		if localID == "" {
			e.fail(stats, "download", "", r.RemoteID, errors.New("no local id for remote record"))
			continue
		}

		p := promptFromRemote(r, localID)
		// Usage bookkeeping is local-only state; an overwrite keeps it.
		if existing, err := e.prompts.Get(localID); err == nil {
			p.UsageCount = existing.UsageCount
			p.LastUsedAt = existing.LastUsedAt
		}

		if _, err := e.prompts.SaveDirectly(p); err != nil {
			e.fail(stats, "download", localID, r.RemoteID, err)
			continue
		}
		if err := e.recordRemote(localID, r); err != nil {
			e.fail(stats, "download", localID, r.RemoteID, err)
			continue
		}
		stats.Downloaded++
	}
	return nil
}

func (e *Executor) runAssignments(ctx context.Context, plan *domain.SyncPlan, stats *Stats) error {
	assigner, ok := e.transport.(transport.LocalIDAssigner)
	if !ok {
		stats.Skipped += len(plan.ToAssignLocalID)
		return nil
	}

	for _, a := range plan.ToAssignLocalID {
		p := promptFromRemote(a.Remote, a.NewLocalID)
		if _, err := e.prompts.SaveDirectly(p); err != nil {
			e.fail(stats, "assign", a.NewLocalID, a.Remote.RemoteID, err)
			continue
		}
		if err := e.recordRemote(a.NewLocalID, a.Remote); err != nil {
			e.fail(stats, "assign", a.NewLocalID, a.Remote.RemoteID, err)
			continue
		}
		// The backend learns the owner too; failure here is harmless since
		// the ledger already links the pair on this device.
		if err := assigner.AssignLocalID(ctx, a.Remote.RemoteID, a.NewLocalID); err != nil {
			e.fail(stats, "assign", a.NewLocalID, a.Remote.RemoteID, err)
			continue
		}
		stats.Assigned++
	}
	return nil
}

func (e *Executor) runLinks(_ context.Context, plan *domain.SyncPlan, stats *Stats) error {
	for _, l := range plan.ToLink {
		if err := e.recordRemote(l.LocalID, l.Remote); err != nil {
			e.fail(stats, "link", l.LocalID, l.Remote.RemoteID, err)
			continue
		}
		stats.Linked++
	}
	return nil
}

func (e *Executor) recordRemote(localID string, r *domain.RemotePrompt) error {
	remoteFP := r.ContentHash
	if remoteFP == "" {
		remoteFP = fingerprint.ForRemote(r)
	}
	return e.ledger.SetEntry(localID, domain.LedgerEntry{
		RemoteID:                r.RemoteID,
		FingerprintAtLastSync:   remoteFP,
		LastSyncedAt:            time.Now(),
		RemoteVersionAtLastSync: r.Version,
	})
}

func (e *Executor) entryFor(localID string) (domain.LedgerEntry, bool, error) {
	state, err := e.ledger.Get()
	if err != nil {
		return domain.LedgerEntry{}, false, fmt.Errorf("failed to read ledger: %w", err)
	}
	entry, ok := state.Entry(localID)
	return entry, ok, nil
}

func promptFromRemote(r *domain.RemotePrompt, localID string) *domain.Prompt {
	return &domain.Prompt{
		ID:            localID,
		Title:         r.Title,
		Content:       r.Content,
		Category:      r.Category,
		Description:   r.Description,
		Order:         r.Order,
		CategoryOrder: r.CategoryOrder,
		CreatedAt:     r.CreatedAt,
		ModifiedAt:    r.UpdatedAt,
	}
}
