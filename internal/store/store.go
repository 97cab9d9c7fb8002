// Package store provides the local prompt store the sync engine reads from
// and writes to. SaveDirectly bypasses the usual edit path: it persists the
// record exactly as given, without touching ModifiedAt, so downloads and
// conflict copies keep their sync-relevant timestamps.
package store

import "promptdeck-sync/internal/domain"

type PromptStore interface {
	ListAll() ([]*domain.Prompt, error)
	Get(id string) (*domain.Prompt, error)
	SaveDirectly(p *domain.Prompt) (*domain.Prompt, error)
	DeleteByID(id string) (bool, error)
	RecordUsage(id string) error
}
