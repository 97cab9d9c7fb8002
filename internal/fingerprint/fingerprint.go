// Package fingerprint computes the content fingerprint used for sync change
// detection. The digest covers only a record's user-meaningful fields (title,
// content, category); timestamps, ordering metadata and usage counters never
// influence it, so bookkeeping churn can never look like an edit.
package fingerprint

import (
	"encoding/binary"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"

	"promptdeck-sync/internal/domain"
)

// Compute returns a stable hex digest of the three semantic fields. Fields are
// length-framed before hashing so ("ab","c") and ("a","bc") cannot collide.
func Compute(title, content, category string) string {
	h, _ := blake2b.New256(nil)
	var frame [8]byte
	for _, field := range []string{title, content, category} {
		binary.BigEndian.PutUint64(frame[:], uint64(len(field)))
		h.Write(frame[:])
		h.Write([]byte(field))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ForPrompt fingerprints a local prompt.
func ForPrompt(p *domain.Prompt) string {
	return Compute(p.Title, p.Content, p.Category)
}

// ForRemote fingerprints a remote prompt from its own fields. Transports
// normally carry the backend's stored hash; this is the fallback when that
// field is empty.
func ForRemote(r *domain.RemotePrompt) string {
	return Compute(r.Title, r.Content, r.Category)
}
