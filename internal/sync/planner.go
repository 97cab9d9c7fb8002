package sync

import (
	"time"

	"github.com/google/uuid"

	"promptdeck-sync/internal/domain"
	"promptdeck-sync/internal/fingerprint"
	"promptdeck-sync/internal/transport"
)

// PlannerInput is everything BuildPlan looks at. LastSync is the workspace's
// last successful pass; a zero value means this is the first sync ever.
// Permission gates whether orphaned remote records get queued for deletion.
// NewID supplies fresh local ids; it defaults to uuid.NewString and exists so
// tests can pin deterministic ids.
type PlannerInput struct {
	Local      []*domain.Prompt
	Remote     []*domain.RemotePrompt
	Ledger     *domain.LedgerState
	LastSync   time.Time
	Permission transport.WritePermission
	NewID      func() string
}

// BuildPlan classifies every record into exactly one reconciliation action.
// It is a pure function over its input: no I/O, no side effects, and (given a
// fixed NewID) fully deterministic.
func BuildPlan(in PlannerInput) *domain.SyncPlan {
	newID := in.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	ledger := in.Ledger
	if ledger == nil {
		ledger = domain.NewLedgerState()
	}
	firstSync := in.LastSync.IsZero()

	remoteByID := make(map[string]*domain.RemotePrompt, len(in.Remote))
	remoteByOwner := make(map[string]*domain.RemotePrompt)
	for _, r := range in.Remote {
		remoteByID[r.RemoteID] = r
		if r.OwnerLocalID != "" {
			remoteByOwner[r.OwnerLocalID] = r
		}
	}

	localByID := make(map[string]*domain.Prompt, len(in.Local))
	for _, p := range in.Local {
		localByID[p.ID] = p
	}

	plan := &domain.SyncPlan{}
	consumed := make(map[string]bool)

	for _, p := range in.Local {
		entry, hasEntry := ledger.Entry(p.ID)

		var candidate *domain.RemotePrompt
		if hasEntry && entry.RemoteID != "" {
			candidate = remoteByID[entry.RemoteID]
		} else if firstSync {
			// Before the first pass there is no ledger; the owner id recorded
			// at upload time is the only way to pair the two sides.
			candidate = remoteByOwner[p.ID]
		}

		if candidate == nil {
			plan.ToUpload = append(plan.ToUpload, p)
			continue
		}
		consumed[candidate.RemoteID] = true

		if candidate.Deleted() {
			if p.ModifiedAt.After(*candidate.DeletedAt) {
				// The local edit postdates the deletion: resurrect.
				plan.ToUpload = append(plan.ToUpload, p)
			} else {
				plan.ToDeleteLocally = append(plan.ToDeleteLocally, domain.LocalDelete{
					LocalID:   p.ID,
					RemoteID:  candidate.RemoteID,
					DeletedAt: *candidate.DeletedAt,
				})
			}
			continue
		}

		localFP := fingerprint.ForPrompt(p)
		remoteFP := candidate.ContentHash
		if remoteFP == "" {
			remoteFP = fingerprint.ForRemote(candidate)
		}

		if !hasEntry || entry.FingerprintAtLastSync == "" {
			// No baseline to compare against: classify by content alone.
			switch {
			case localFP != remoteFP:
				plan.Conflicts = append(plan.Conflicts, domain.ConflictPair{Local: p, Remote: candidate})
			case p.ModifiedAt.After(candidate.UpdatedAt):
				plan.ToUpload = append(plan.ToUpload, p)
			default:
				// Identical content on both sides: record the link so this
				// pair is never classified as first-sync again.
				plan.ToLink = append(plan.ToLink, domain.LedgerLink{LocalID: p.ID, Remote: candidate})
			}
			continue
		}

		localChanged := localFP != entry.FingerprintAtLastSync
		remoteChanged := remoteFP != entry.FingerprintAtLastSync
		switch {
		case localChanged && remoteChanged && localFP != remoteFP:
			plan.Conflicts = append(plan.Conflicts, domain.ConflictPair{Local: p, Remote: candidate})
		case localChanged && remoteChanged:
			// Both sides made the same edit; only the baseline is stale.
			plan.ToLink = append(plan.ToLink, domain.LedgerLink{LocalID: p.ID, Remote: candidate})
		case localChanged:
			plan.ToUpload = append(plan.ToUpload, p)
		case remoteChanged:
			plan.ToDownload = append(plan.ToDownload, candidate)
		}
	}

	for _, r := range in.Remote {
		if consumed[r.RemoteID] {
			continue
		}

		localID, linked := ledger.LocalIDByRemoteID(r.RemoteID)

		if r.Deleted() {
			// Deleted on both sides, or never known locally: nothing to do.
			continue
		}

		if linked {
			entry, _ := ledger.Entry(localID)
			if _, present := localByID[localID]; !present && !entry.IsDeleted && in.Permission.CanDelete {
				// The local record vanished while the ledger still links it:
				// the user deleted it here, propagate the deletion.
				plan.ToDeleteRemotely = append(plan.ToDeleteRemotely, domain.RemoteDelete{RemoteID: r.RemoteID})
			}
			continue
		}

		if r.OwnerLocalID == "" {
			plan.ToAssignLocalID = append(plan.ToAssignLocalID, domain.IDAssignment{
				Remote:     r,
				NewLocalID: newID(),
			})
			continue
		}
		if _, present := localByID[r.OwnerLocalID]; present {
			// Ledger was lost but both sides still carry the record; the
			// owner-keyed upload queued above will re-link them.
			continue
		}
		plan.ToDownload = append(plan.ToDownload, r)
	}

	return plan
}
