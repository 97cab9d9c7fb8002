package domain

import (
	"fmt"
	"time"
)

// RemoteDelete asks the executor to soft-delete a remote prompt.
type RemoteDelete struct {
	RemoteID string `json:"remote_id"`
}

// LocalDelete asks the executor to honor a remote soft-delete locally.
type LocalDelete struct {
	LocalID   string    `json:"local_id"`
	RemoteID  string    `json:"remote_id"`
	DeletedAt time.Time `json:"deleted_at"`
}

// IDAssignment pairs a backend-originated remote prompt with the fresh local
// id it should be adopted under.
type IDAssignment struct {
	Remote     *RemotePrompt `json:"remote"`
	NewLocalID string        `json:"new_local_id"`
}

// ConflictPair is a local/remote pair whose contents genuinely diverged.
type ConflictPair struct {
	Local  *Prompt       `json:"local"`
	Remote *RemotePrompt `json:"remote"`
}

// LedgerLink records a no-op link between a local prompt and its remote
// counterpart: both sides already carry identical content, only the ledger
// baseline is missing or stale.
type LedgerLink struct {
	LocalID string        `json:"local_id"`
	Remote  *RemotePrompt `json:"remote"`
}

// SyncPlan is the planner's sole output. It is a value object: computed once,
// validated, executed once, never partially mutated in between.
type SyncPlan struct {
	ToUpload         []*Prompt
	ToDownload       []*RemotePrompt
	ToDeleteRemotely []RemoteDelete
	ToDeleteLocally  []LocalDelete
	ToAssignLocalID  []IDAssignment
	ToLink           []LedgerLink
	Conflicts        []ConflictPair
}

// Empty reports whether the plan contains no work at all.
func (p *SyncPlan) Empty() bool {
	return len(p.ToUpload) == 0 &&
		len(p.ToDownload) == 0 &&
		len(p.ToDeleteRemotely) == 0 &&
		len(p.ToDeleteLocally) == 0 &&
		len(p.ToAssignLocalID) == 0 &&
		len(p.ToLink) == 0 &&
		len(p.Conflicts) == 0
}

// NewRemoteCount returns how many brand-new remote records executing the plan
// will create: one per conflict (the local-side copy is always uploaded as
// new; the remote-side copy reuses the existing record) and one per upload
// with no live ledger link. Uploads of records the ledger already links
// execute as in-place updates and consume no quota.
func (p *SyncPlan) NewRemoteCount(ledger *LedgerState) int {
	n := len(p.Conflicts)
	for _, u := range p.ToUpload {
		if uploadCreatesRecord(ledger, u.ID) {
			n++
		}
	}
	return n
}

// NewRemoteBytes returns the payload volume of the records counted by
// NewRemoteCount, for quota pre-flight.
func (p *SyncPlan) NewRemoteBytes(ledger *LedgerState) int64 {
	var n int64
	for _, u := range p.ToUpload {
		if uploadCreatesRecord(ledger, u.ID) {
			n += payloadBytes(u)
		}
	}
	for _, c := range p.Conflicts {
		n += payloadBytes(c.Local)
	}
	return n
}

func uploadCreatesRecord(ledger *LedgerState, localID string) bool {
	if ledger == nil {
		return true
	}
	entry, ok := ledger.Entry(localID)
	return !ok || entry.IsDeleted || entry.RemoteID == ""
}

func payloadBytes(p *Prompt) int64 {
	return int64(len(p.Title) + len(p.Content) + len(p.Category) + len(p.Description))
}

// Validate checks the plan's structural invariants: every local prompt id
// appears in at most one list, and a conflicted record is never simultaneously
// queued for upload or download.
func (p *SyncPlan) Validate() error {
	seen := make(map[string]string)
	claim := func(localID, list string) error {
		if localID == "" {
			return nil
		}
		if prev, ok := seen[localID]; ok {
			return fmt.Errorf("plan invariant violated: local id %s appears in both %s and %s", localID, prev, list)
		}
		seen[localID] = list
		return nil
	}

	for _, u := range p.ToUpload {
		if err := claim(u.ID, "toUpload"); err != nil {
			return err
		}
	}
	for _, d := range p.ToDownload {
		if err := claim(d.OwnerLocalID, "toDownload"); err != nil {
			return err
		}
	}
	for _, d := range p.ToDeleteLocally {
		if err := claim(d.LocalID, "toDeleteLocally"); err != nil {
			return err
		}
	}
	for _, a := range p.ToAssignLocalID {
		if err := claim(a.NewLocalID, "toAssignLocalId"); err != nil {
			return err
		}
	}
	for _, l := range p.ToLink {
		if err := claim(l.LocalID, "toLink"); err != nil {
			return err
		}
	}
	for _, c := range p.Conflicts {
		if err := claim(c.Local.ID, "conflicts"); err != nil {
			return err
		}
	}
	return nil
}
