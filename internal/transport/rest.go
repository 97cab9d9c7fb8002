package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-playground/validator/v10"

	"promptdeck-sync/internal/auth"
	"promptdeck-sync/internal/domain"
	"promptdeck-sync/internal/fingerprint"
)

var validate = validator.New()

// statusError is a non-2xx backend response. Conflict rejections carry the
// backend's code field so ParseConflict can classify them.
type statusError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *statusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("backend rejected request: status %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("backend rejected request: status %d (%s)", e.Status, e.Code)
}

// uploadRequest is the REST upload payload. Validation mirrors what the
// backend enforces, so malformed records fail fast without a round trip.
type uploadRequest struct {
	OwnerLocalID    string  `json:"owner_local_id" validate:"required"`
	Title           string  `json:"title" validate:"required,max=200"`
	Content         string  `json:"content" validate:"required"`
	Category        string  `json:"category" validate:"required,max=100"`
	Description     string  `json:"description,omitempty"`
	Order           *int    `json:"order,omitempty"`
	CategoryOrder   *int    `json:"category_order,omitempty"`
	ContentHash     string  `json:"content_hash" validate:"required"`
	DeviceID        string  `json:"device_id" validate:"required"`
	DeviceName      string  `json:"device_name,omitempty"`
	ExpectedVersion *int64  `json:"expected_version,omitempty"`
	BaseFingerprint *string `json:"base_fingerprint,omitempty"`
}

// RESTTransport speaks to the Promptdeck backend over its JSON API, in either
// personal or shared-workspace mode.
type RESTTransport struct {
	client      *http.Client
	session     *auth.Session
	baseURL     string
	promptsURL  string
	workspaceID string
	deviceID    string
	deviceName  string
	perm        WritePermission
	quota       bool
}

// NewPersonal returns a transport against the user's own prompt space: full
// write permission, no quota, no registration.
func NewPersonal(baseURL string, session *auth.Session, deviceID, deviceName string, client *http.Client) *RESTTransport {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &RESTTransport{
		client:     client,
		session:    session,
		baseURL:    baseURL,
		promptsURL: baseURL + "/api/v1/prompts",
		deviceID:   deviceID,
		deviceName: deviceName,
		perm:       WritePermission{CanUpload: true, CanDelete: true},
	}
}

// DialWorkspace returns a transport scoped to a shared workspace. It fetches
// the caller's membership to derive write permissions and, when register is
// set, announces the workspace first.
func DialWorkspace(ctx context.Context, baseURL, workspaceID string, session *auth.Session, deviceID, deviceName string, register bool, client *http.Client) (*RESTTransport, error) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	t := &RESTTransport{
		client:      client,
		session:     session,
		baseURL:     baseURL,
		promptsURL:  fmt.Sprintf("%s/api/v1/workspaces/%s/prompts", baseURL, workspaceID),
		workspaceID: workspaceID,
		deviceID:    deviceID,
		deviceName:  deviceName,
		quota:       true,
	}

	if register {
		if err := t.RegisterWorkspace(ctx); err != nil {
			return nil, err
		}
	}

	var membership struct {
		Role string `json:"role"`
	}
	memberURL := fmt.Sprintf("%s/api/v1/workspaces/%s/membership", baseURL, workspaceID)
	if err := t.doJSON(ctx, http.MethodGet, memberURL, nil, &membership); err != nil {
		return nil, fmt.Errorf("failed to fetch workspace membership: %w", err)
	}

	switch membership.Role {
	case "owner", "admin":
		t.perm = WritePermission{CanUpload: true, CanDelete: true}
	case "editor":
		t.perm = WritePermission{CanUpload: true, CanDelete: false}
	default:
		t.perm = WritePermission{}
	}
	return t, nil
}

func (t *RESTTransport) FetchRemote(ctx context.Context, includeDeleted bool) ([]*domain.RemotePrompt, error) {
	u := t.promptsURL
	if includeDeleted {
		u += "?include_deleted=true"
	}
	var prompts []*domain.RemotePrompt
	if err := t.doJSON(ctx, http.MethodGet, u, nil, &prompts); err != nil {
		return nil, fmt.Errorf("failed to fetch remote prompts: %w", err)
	}
	return prompts, nil
}

func (t *RESTTransport) Upload(ctx context.Context, p *domain.Prompt, entry *domain.LedgerEntry) (*UploadResult, error) {
	req := uploadRequest{
		OwnerLocalID:  p.ID,
		Title:         p.Title,
		Content:       p.Content,
		Category:      p.Category,
		Description:   p.Description,
		Order:         p.Order,
		CategoryOrder: p.CategoryOrder,
		ContentHash:   fingerprint.ForPrompt(p),
		DeviceID:      t.deviceID,
		DeviceName:    t.deviceName,
	}
	if err := validate.Struct(&req); err != nil {
		return nil, fmt.Errorf("invalid upload payload for prompt %s: %w", p.ID, err)
	}

	method := http.MethodPost
	target := t.promptsURL
	if entry != nil && entry.RemoteID != "" {
		method = http.MethodPut
		target = t.promptsURL + "/" + entry.RemoteID
		req.ExpectedVersion = &entry.RemoteVersionAtLastSync
		req.BaseFingerprint = &entry.FingerprintAtLastSync
	}

	var result UploadResult
	if err := t.doJSON(ctx, method, target, &req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (t *RESTTransport) Delete(ctx context.Context, remoteID string) error {
	err := t.doJSON(ctx, http.MethodDelete, t.promptsURL+"/"+remoteID, nil, nil)
	var se *statusError
	if errors.As(err, &se) && se.Status == http.StatusNotFound {
		return domain.ErrRemoteGone
	}
	return err
}

func (t *RESTTransport) AssignLocalID(ctx context.Context, remoteID, localID string) error {
	body := map[string]string{"local_id": localID}
	err := t.doJSON(ctx, http.MethodPost, t.promptsURL+"/"+remoteID+"/owner", body, nil)
	if err != nil {
		return fmt.Errorf("failed to assign local id to remote %s: %w", remoteID, err)
	}
	return nil
}

func (t *RESTTransport) ParseConflict(err error) domain.ConflictCode {
	var se *statusError
	if !errors.As(err, &se) || se.Status != http.StatusConflict {
		return domain.ConflictNone
	}
	switch domain.ConflictCode(se.Code) {
	case domain.ConflictSoftDeleted:
		return domain.ConflictSoftDeleted
	case domain.ConflictVersionMismatch:
		return domain.ConflictVersionMismatch
	case domain.ConflictOptimisticLock:
		return domain.ConflictOptimisticLock
	default:
		// Older deployments emit a bare conflict; treat it as soft-deleted.
		return domain.ConflictSoftDeleted
	}
}

func (t *RESTTransport) WritePermission() WritePermission {
	return t.perm
}

func (t *RESTTransport) Identity() string {
	if t.deviceName != "" {
		return t.deviceName
	}
	return t.deviceID
}

func (t *RESTTransport) CheckCapacity(ctx context.Context, count int, bytes int64) error {
	if !t.quota {
		return nil
	}
	var q struct {
		PromptLimit int   `json:"prompt_limit"`
		PromptsUsed int   `json:"prompts_used"`
		ByteLimit   int64 `json:"byte_limit"`
		BytesUsed   int64 `json:"bytes_used"`
	}
	quotaURL := fmt.Sprintf("%s/api/v1/workspaces/%s/quota", t.baseURL, t.workspaceID)
	if err := t.doJSON(ctx, http.MethodGet, quotaURL, nil, &q); err != nil {
		return fmt.Errorf("failed to fetch workspace quota: %w", err)
	}

	if q.PromptLimit > 0 && q.PromptsUsed+count > q.PromptLimit {
		return &domain.CapacityError{Limit: q.PromptLimit, Used: q.PromptsUsed, Requested: count}
	}
	if q.ByteLimit > 0 && q.BytesUsed+bytes > q.ByteLimit {
		return &domain.CapacityError{Limit: int(q.ByteLimit), Used: int(q.BytesUsed), Requested: int(bytes)}
	}
	return nil
}

func (t *RESTTransport) RegisterWorkspace(ctx context.Context) error {
	registerURL := fmt.Sprintf("%s/api/v1/workspaces/%s/register", t.baseURL, t.workspaceID)
	err := t.doJSON(ctx, http.MethodPost, registerURL, map[string]string{"device_id": t.deviceID}, nil)
	var se *statusError
	if errors.As(err, &se) && se.Status == http.StatusConflict {
		// Already registered.
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to register workspace %s: %w", t.workspaceID, err)
	}
	return nil
}

// doJSON performs one authorized round trip, encoding body and decoding the
// response into out when non-nil. Error mapping: connection failures become
// ErrNetworkUnavailable, 401 becomes ErrSessionExpired, 403 becomes
// PermissionError; everything else surfaces as *statusError.
func (t *RESTTransport) doJSON(ctx context.Context, method, target string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := t.session.Authorize(req); err != nil {
		return err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			return fmt.Errorf("%s %s: %w: %v", method, target, domain.ErrNetworkUnavailable, err)
		}
		return fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return domain.ErrSessionExpired
	case http.StatusForbidden:
		return &domain.PermissionError{Op: fmt.Sprintf("%s %s", method, target)}
	}
	if resp.StatusCode >= 400 {
		se := &statusError{Status: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		_ = json.Unmarshal(data, se)
		return se
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", target, err)
	}
	return nil
}
