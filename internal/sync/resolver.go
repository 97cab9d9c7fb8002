package sync

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"promptdeck-sync/internal/domain"
)

// attributionSuffixRe matches a previously appended attribution suffix at the
// end of a title. Bounding the device name keeps the strip from eating a
// user's own trailing parenthetical, and stripping before re-appending keeps
// suffixes from stacking across repeated conflicts.
var attributionSuffixRe = regexp.MustCompile(`\s*\(from [^()]{1,80} - \d{4}-\d{2}-\d{2} \d{2}:\d{2}\)$`)

const attributionTimeLayout = "2006-01-02 15:04"

// Resolver turns a detected conflict into two attributed, freshly-identified
// prompts instead of overwriting either side.
type Resolver struct {
	identity string
	newID    func() string
}

// NewResolver builds a resolver attributing local-side copies to identity.
// newID defaults to uuid.NewString.
func NewResolver(identity string, newID func() string) *Resolver {
	if newID == nil {
		newID = uuid.NewString
	}
	return &Resolver{identity: identity, newID: newID}
}

// StripAttribution removes a trailing attribution suffix, if any.
func StripAttribution(title string) string {
	return attributionSuffixRe.ReplaceAllString(title, "")
}

func attributedTitle(title, device string, editedAt time.Time) string {
	return fmt.Sprintf("%s (from %s - %s)", StripAttribution(title), device, editedAt.Format(attributionTimeLayout))
}

// Split produces the two replacement prompts for a conflicted pair. Neither
// reuses the original local id or any existing remote id. The local copy is
// meant to be uploaded as a brand-new record; the remote copy carries the
// remote side's content and is meant to be linked to the existing remote
// record rather than re-uploaded.
func (r *Resolver) Split(c domain.ConflictPair) (localCopy, remoteCopy *domain.Prompt) {
	localCopy = c.Local.Clone()
	localCopy.ID = r.newID()
	localCopy.Title = attributedTitle(c.Local.Title, r.identity, c.Local.ModifiedAt)

	remoteDevice := c.Remote.Attribution.DeviceName
	if remoteDevice == "" {
		remoteDevice = c.Remote.Attribution.DeviceID
	}
	if remoteDevice == "" {
		remoteDevice = "remote"
	}

	remoteCopy = &domain.Prompt{
		ID:            r.newID(),
		Title:         attributedTitle(c.Remote.Title, remoteDevice, c.Remote.UpdatedAt),
		Content:       c.Remote.Content,
		Category:      c.Remote.Category,
		Description:   c.Remote.Description,
		Order:         c.Remote.Order,
		CategoryOrder: c.Remote.CategoryOrder,
		CreatedAt:     c.Remote.CreatedAt,
		ModifiedAt:    c.Remote.UpdatedAt,
	}
	return localCopy, remoteCopy
}
