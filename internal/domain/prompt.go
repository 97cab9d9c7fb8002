package domain

import "time"

// Prompt is a locally stored prompt record. ModifiedAt is the authority for
// recency comparisons during sync; UsageCount and LastUsedAt are bookkeeping
// and never participate in change detection.
type Prompt struct {
	ID            string     `json:"id"`
	Title         string     `json:"title" validate:"required,max=200"`
	Content       string     `json:"content" validate:"required"`
	Category      string     `json:"category" validate:"required,max=100"`
	Description   string     `json:"description,omitempty"`
	Order         *int       `json:"order,omitempty"`
	CategoryOrder *int       `json:"category_order,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ModifiedAt    time.Time  `json:"modified_at"`
	UsageCount    int64      `json:"usage_count"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	ExtraContext  string     `json:"extra_context,omitempty"`
}

// Clone returns a deep copy. Pointer-typed fields get fresh allocations so
// the copy can be mutated without touching the original.
func (p *Prompt) Clone() *Prompt {
	c := *p
	if p.Order != nil {
		v := *p.Order
		c.Order = &v
	}
	if p.CategoryOrder != nil {
		v := *p.CategoryOrder
		c.CategoryOrder = &v
	}
	if p.LastUsedAt != nil {
		v := *p.LastUsedAt
		c.LastUsedAt = &v
	}
	return &c
}

// Attribution identifies the device that last wrote a remote prompt.
type Attribution struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name,omitempty"`
}

// RemotePrompt is the backend's view of a prompt record.
//
// OwnerLocalID may be empty for records created directly against the backend
// (for example from the companion web UI); those need a local id assigned
// during reconciliation. DeletedAt marks a soft delete: the record is excluded
// from normal listings but retained for restore.
type RemotePrompt struct {
	RemoteID      string      `json:"remote_id"`
	OwnerLocalID  string      `json:"owner_local_id,omitempty"`
	Title         string      `json:"title"`
	Content       string      `json:"content"`
	Category      string      `json:"category"`
	Description   string      `json:"description,omitempty"`
	Order         *int        `json:"order,omitempty"`
	CategoryOrder *int        `json:"category_order,omitempty"`
	ContentHash   string      `json:"content_hash"`
	Version       int64       `json:"version"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
	DeletedAt     *time.Time  `json:"deleted_at,omitempty"`
	Attribution   Attribution `json:"attribution"`
}

// Deleted reports whether the remote prompt is soft-deleted.
func (r *RemotePrompt) Deleted() bool {
	return r.DeletedAt != nil
}
