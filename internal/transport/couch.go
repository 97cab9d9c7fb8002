package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb"
	"github.com/google/uuid"

	"promptdeck-sync/internal/domain"
	"promptdeck-sync/internal/fingerprint"
)

// conflictError carries the classification for a rejected CouchDB write so
// ParseConflict can recover it.
type conflictError struct {
	RemoteID string
	Code     domain.ConflictCode
}

func (e *conflictError) Error() string {
	return fmt.Sprintf("write to remote %s rejected: %s", e.RemoteID, e.Code)
}

type promptDoc struct {
	DocID         string             `json:"_id"`
	Rev           string             `json:"_rev,omitempty"`
	DocType       string             `json:"doc_type"`
	RemoteID      string             `json:"remote_id"`
	OwnerLocalID  string             `json:"owner_local_id,omitempty"`
	Title         string             `json:"title"`
	Content       string             `json:"content"`
	Category      string             `json:"category"`
	Description   string             `json:"description,omitempty"`
	Order         *int               `json:"order,omitempty"`
	CategoryOrder *int               `json:"category_order,omitempty"`
	ContentHash   string             `json:"content_hash"`
	Version       int64              `json:"version"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
	DeletedAt     *time.Time         `json:"deleted_at,omitempty"`
	Attribution   domain.Attribution `json:"attribution"`
}

func (d *promptDoc) toRemote() *domain.RemotePrompt {
	return &domain.RemotePrompt{
		RemoteID:      d.RemoteID,
		OwnerLocalID:  d.OwnerLocalID,
		Title:         d.Title,
		Content:       d.Content,
		Category:      d.Category,
		Description:   d.Description,
		Order:         d.Order,
		CategoryOrder: d.CategoryOrder,
		ContentHash:   d.ContentHash,
		Version:       d.Version,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
		DeletedAt:     d.DeletedAt,
		Attribution:   d.Attribution,
	}
}

// CouchTransport syncs against a self-hosted CouchDB database, one database
// per workspace. The record version is a client-maintained counter checked
// before every write; CouchDB's own revision handling backs it up, turning a
// lost race into an optimistic-lock rejection.
type CouchTransport struct {
	client     *kivik.Client
	dbName     string
	deviceID   string
	deviceName string
}

// DialCouch connects to the CouchDB server at couchURL.
func DialCouch(couchURL, dbName, deviceID, deviceName string) (*CouchTransport, error) {
	client, err := kivik.New("couch", couchURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to CouchDB: %w", err)
	}
	return &CouchTransport{
		client:     client,
		dbName:     dbName,
		deviceID:   deviceID,
		deviceName: deviceName,
	}, nil
}

func docID(remoteID string) string {
	return fmt.Sprintf("prompt:%s", remoteID)
}

func (t *CouchTransport) FetchRemote(ctx context.Context, includeDeleted bool) ([]*domain.RemotePrompt, error) {
	db := t.client.DB(t.dbName)

	query := map[string]interface{}{
		"selector": map[string]interface{}{
			"doc_type": "prompt",
		},
	}
	rows := db.Find(ctx, query)
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list remote prompts: %w", err)
	}
	defer rows.Close()

	var prompts []*domain.RemotePrompt
	for rows.Next() {
		var doc promptDoc
		if err := rows.ScanDoc(&doc); err != nil {
			continue
		}
		if doc.DeletedAt != nil && !includeDeleted {
			continue
		}
		prompts = append(prompts, doc.toRemote())
	}
	return prompts, nil
}

func (t *CouchTransport) Upload(ctx context.Context, p *domain.Prompt, entry *domain.LedgerEntry) (*UploadResult, error) {
	db := t.client.DB(t.dbName)
	now := time.Now()

	doc := promptDoc{
		DocType:       "prompt",
		OwnerLocalID:  p.ID,
		Title:         p.Title,
		Content:       p.Content,
		Category:      p.Category,
		Description:   p.Description,
		Order:         p.Order,
		CategoryOrder: p.CategoryOrder,
		ContentHash:   fingerprint.ForPrompt(p),
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     now,
		Attribution:   domain.Attribution{DeviceID: t.deviceID, DeviceName: t.deviceName},
	}

	if entry == nil || entry.RemoteID == "" {
		// Owner-keyed upsert: a record previously uploaded for this local id
		// is replaced rather than duplicated, which also repairs a lost
		// ledger.
		if existing, err := t.findByOwner(ctx, p.ID); err != nil {
			return nil, err
		} else if existing != nil {
			doc.DocID = existing.DocID
			doc.Rev = existing.Rev
			doc.RemoteID = existing.RemoteID
			doc.Version = existing.Version + 1
			doc.CreatedAt = existing.CreatedAt
		} else {
			doc.RemoteID = uuid.New().String()
			doc.DocID = docID(doc.RemoteID)
			doc.Version = 1
		}
		if _, err := db.Put(ctx, doc.DocID, doc); err != nil {
			if kivik.HTTPStatus(err) == http.StatusConflict {
				return nil, &conflictError{RemoteID: doc.RemoteID, Code: domain.ConflictOptimisticLock}
			}
			return nil, fmt.Errorf("failed to create remote prompt: %w", err)
		}
		return &UploadResult{RemoteID: doc.RemoteID, Version: doc.Version}, nil
	}

	var existing promptDoc
	row := db.Get(ctx, docID(entry.RemoteID))
	if err := row.ScanDoc(&existing); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			// The target vanished since this client last saw it.
			return nil, &conflictError{RemoteID: entry.RemoteID, Code: domain.ConflictSoftDeleted}
		}
		return nil, fmt.Errorf("failed to fetch remote prompt %s: %w", entry.RemoteID, err)
	}

	if existing.DeletedAt != nil {
		return nil, &conflictError{RemoteID: entry.RemoteID, Code: domain.ConflictSoftDeleted}
	}
	if existing.Version != entry.RemoteVersionAtLastSync {
		return nil, &conflictError{RemoteID: entry.RemoteID, Code: domain.ConflictVersionMismatch}
	}

	doc.DocID = existing.DocID
	doc.Rev = existing.Rev
	doc.RemoteID = existing.RemoteID
	doc.Version = existing.Version + 1
	doc.CreatedAt = existing.CreatedAt

	if _, err := db.Put(ctx, doc.DocID, doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusConflict {
			return nil, &conflictError{RemoteID: entry.RemoteID, Code: domain.ConflictOptimisticLock}
		}
		return nil, fmt.Errorf("failed to update remote prompt %s: %w", entry.RemoteID, err)
	}
	return &UploadResult{RemoteID: doc.RemoteID, Version: doc.Version}, nil
}

// findByOwner returns the live document owned by localID, or nil.
func (t *CouchTransport) findByOwner(ctx context.Context, localID string) (*promptDoc, error) {
	db := t.client.DB(t.dbName)
	rows := db.Find(ctx, map[string]interface{}{
		"selector": map[string]interface{}{
			"doc_type":       "prompt",
			"owner_local_id": localID,
		},
		"limit": 2,
	})
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to look up prompt by owner: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var doc promptDoc
		if err := rows.ScanDoc(&doc); err != nil {
			continue
		}
		if doc.DeletedAt == nil {
			return &doc, nil
		}
	}
	return nil, nil
}

func (t *CouchTransport) Delete(ctx context.Context, remoteID string) error {
	db := t.client.DB(t.dbName)

	var doc promptDoc
	row := db.Get(ctx, docID(remoteID))
	if err := row.ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return domain.ErrRemoteGone
		}
		return fmt.Errorf("failed to fetch remote prompt %s for delete: %w", remoteID, err)
	}
	if doc.DeletedAt != nil {
		return nil
	}

	now := time.Now()
	doc.DeletedAt = &now
	doc.UpdatedAt = now
	doc.Version++
	doc.Attribution = domain.Attribution{DeviceID: t.deviceID, DeviceName: t.deviceName}

	if _, err := db.Put(ctx, doc.DocID, doc); err != nil {
		return fmt.Errorf("failed to soft-delete remote prompt %s: %w", remoteID, err)
	}
	return nil
}

func (t *CouchTransport) AssignLocalID(ctx context.Context, remoteID, localID string) error {
	db := t.client.DB(t.dbName)

	var doc promptDoc
	row := db.Get(ctx, docID(remoteID))
	if err := row.ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return domain.ErrRemoteGone
		}
		return fmt.Errorf("failed to fetch remote prompt %s for linking: %w", remoteID, err)
	}
	if doc.DeletedAt != nil {
		return domain.ErrRemoteGone
	}

	doc.OwnerLocalID = localID
	if _, err := db.Put(ctx, doc.DocID, doc); err != nil {
		return fmt.Errorf("failed to link remote prompt %s: %w", remoteID, err)
	}
	return nil
}

func (t *CouchTransport) ParseConflict(err error) domain.ConflictCode {
	var ce *conflictError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return domain.ConflictNone
}

// WritePermission is unrestricted: a self-hosted database has no roles.
func (t *CouchTransport) WritePermission() WritePermission {
	return WritePermission{CanUpload: true, CanDelete: true}
}

func (t *CouchTransport) Identity() string {
	if t.deviceName != "" {
		return t.deviceName
	}
	return t.deviceID
}

// RegisterWorkspace creates the workspace database if it does not exist yet.
func (t *CouchTransport) RegisterWorkspace(ctx context.Context) error {
	exists, err := t.client.DBExists(ctx, t.dbName)
	if err != nil {
		return fmt.Errorf("failed to check database existence: %w", err)
	}
	if exists {
		return nil
	}
	if err := t.client.CreateDB(ctx, t.dbName); err != nil {
		return fmt.Errorf("failed to create database %s: %w", t.dbName, err)
	}
	return nil
}
