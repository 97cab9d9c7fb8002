package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"

	"promptdeck-sync/internal/auth"
	"promptdeck-sync/internal/domain"
)

type fakeBackend struct {
	prompts  []*domain.RemotePrompt
	role     string
	quota    map[string]int
	upload   func(w http.ResponseWriter, r *http.Request)
	deleted  []string
	assigned map[string]string
}

func newFakeBackend(t *testing.T) (*fakeBackend, *httptest.Server) {
	t.Helper()
	b := &fakeBackend{role: "editor", assigned: make(map[string]string)}

	r := mux.NewRouter()
	r.HandleFunc("/api/v1/workspaces/{id}/membership", func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"role": b.role})
	}).Methods("GET")
	r.HandleFunc("/api/v1/workspaces/{id}/quota", func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(map[string]int{
			"prompt_limit": b.quota["limit"],
			"prompts_used": b.quota["used"],
		})
	}).Methods("GET")
	r.HandleFunc("/api/v1/workspaces/{id}/prompts", func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(b.prompts)
	}).Methods("GET")
	r.HandleFunc("/api/v1/prompts", func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(b.prompts)
	}).Methods("GET")
	r.HandleFunc("/api/v1/prompts", func(w http.ResponseWriter, req *http.Request) {
		if b.upload != nil {
			b.upload(w, req)
			return
		}
		json.NewEncoder(w).Encode(UploadResult{RemoteID: "r-new", Version: 1})
	}).Methods("POST")
	r.HandleFunc("/api/v1/prompts/{id}", func(w http.ResponseWriter, req *http.Request) {
		if b.upload != nil {
			b.upload(w, req)
			return
		}
		json.NewEncoder(w).Encode(UploadResult{RemoteID: mux.Vars(req)["id"], Version: 2})
	}).Methods("PUT")
	r.HandleFunc("/api/v1/prompts/{id}", func(w http.ResponseWriter, req *http.Request) {
		id := mux.Vars(req)["id"]
		if id == "r-missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		b.deleted = append(b.deleted, id)
		w.WriteHeader(http.StatusOK)
	}).Methods("DELETE")
	r.HandleFunc("/api/v1/prompts/{id}/owner", func(w http.ResponseWriter, req *http.Request) {
		var body map[string]string
		json.NewDecoder(req.Body).Decode(&body)
		b.assigned[mux.Vars(req)["id"]] = body["local_id"]
		w.WriteHeader(http.StatusOK)
	}).Methods("POST")

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return b, srv
}

func testSession(t *testing.T, baseURL string) *auth.Session {
	t.Helper()
	claims := jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(time.Hour).Unix()}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("s"))
	if err != nil {
		t.Fatal(err)
	}
	s, err := auth.NewSession(filepath.Join(t.TempDir(), "session.json"), baseURL, time.Minute, nil)
	if err != nil {
		t.Fatal(err)
	}
	s.SetTokens(auth.TokenPair{AccessToken: token, RefreshToken: "r"})
	return s
}

func TestFetchRemote(t *testing.T) {
	b, srv := newFakeBackend(t)
	b.prompts = []*domain.RemotePrompt{
		{RemoteID: "r1", Title: "t1", Content: "c1", Category: "g"},
		{RemoteID: "r2", Title: "t2", Content: "c2", Category: "g"},
	}

	tr := NewPersonal(srv.URL, testSession(t, srv.URL), "dev1", "laptop", srv.Client())
	prompts, err := tr.FetchRemote(context.Background(), true)
	if err != nil {
		t.Fatalf("FetchRemote() error: %v", err)
	}
	if len(prompts) != 2 {
		t.Errorf("expected 2 prompts, got %d", len(prompts))
	}
}

func TestUploadNewAndUpdate(t *testing.T) {
	_, srv := newFakeBackend(t)
	tr := NewPersonal(srv.URL, testSession(t, srv.URL), "dev1", "laptop", srv.Client())

	p := &domain.Prompt{ID: "p1", Title: "t", Content: "c", Category: "g"}

	res, err := tr.Upload(context.Background(), p, nil)
	if err != nil {
		t.Fatalf("Upload(new) error: %v", err)
	}
	if res.RemoteID != "r-new" || res.Version != 1 {
		t.Errorf("unexpected result: %+v", res)
	}

	entry := &domain.LedgerEntry{RemoteID: "r1", RemoteVersionAtLastSync: 1, FingerprintAtLastSync: "fp"}
	res, err = tr.Upload(context.Background(), p, entry)
	if err != nil {
		t.Fatalf("Upload(update) error: %v", err)
	}
	if res.RemoteID != "r1" || res.Version != 2 {
		t.Errorf("unexpected update result: %+v", res)
	}
}

func TestUploadRejectsInvalidPayload(t *testing.T) {
	_, srv := newFakeBackend(t)
	tr := NewPersonal(srv.URL, testSession(t, srv.URL), "dev1", "laptop", srv.Client())

	p := &domain.Prompt{ID: "p1", Title: "", Content: "c", Category: "g"}
	if _, err := tr.Upload(context.Background(), p, nil); err == nil {
		t.Error("expected validation error for empty title")
	}
}

func TestParseConflictCodes(t *testing.T) {
	b, srv := newFakeBackend(t)
	tr := NewPersonal(srv.URL, testSession(t, srv.URL), "dev1", "laptop", srv.Client())
	p := &domain.Prompt{ID: "p1", Title: "t", Content: "c", Category: "g"}

	tests := []struct {
		name string
		code string
		want domain.ConflictCode
	}{
		{"soft deleted", "CONTENT_SOFT_DELETED", domain.ConflictSoftDeleted},
		{"version mismatch", "VERSION_MISMATCH", domain.ConflictVersionMismatch},
		{"optimistic lock", "OPTIMISTIC_LOCK", domain.ConflictOptimisticLock},
		{"legacy fallback", "CONFLICT", domain.ConflictSoftDeleted},
		{"unknown code", "SOMETHING_ELSE", domain.ConflictSoftDeleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b.upload = func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusConflict)
				json.NewEncoder(w).Encode(map[string]string{"code": tt.code})
			}
			_, err := tr.Upload(context.Background(), p, nil)
			if err == nil {
				t.Fatal("expected upload rejection")
			}
			if got := tr.ParseConflict(err); got != tt.want {
				t.Errorf("ParseConflict() = %s, want %s", got, tt.want)
			}
		})
	}

	if got := tr.ParseConflict(errors.New("plain failure")); got != domain.ConflictNone {
		t.Errorf("non-conflict error classified as %s", got)
	}
}

func TestDeleteGoneIsDistinguished(t *testing.T) {
	b, srv := newFakeBackend(t)
	tr := NewPersonal(srv.URL, testSession(t, srv.URL), "dev1", "laptop", srv.Client())

	if err := tr.Delete(context.Background(), "r-missing"); !errors.Is(err, domain.ErrRemoteGone) {
		t.Errorf("expected ErrRemoteGone for 404, got %v", err)
	}
	if err := tr.Delete(context.Background(), "r1"); err != nil {
		t.Errorf("Delete() error: %v", err)
	}
	if len(b.deleted) != 1 || b.deleted[0] != "r1" {
		t.Errorf("unexpected delete log: %v", b.deleted)
	}
}

func TestWorkspacePermissionsFromRole(t *testing.T) {
	tests := []struct {
		role      string
		canUpload bool
		canDelete bool
	}{
		{"owner", true, true},
		{"admin", true, true},
		{"editor", true, false},
		{"viewer", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			b, srv := newFakeBackend(t)
			b.role = tt.role

			tr, err := DialWorkspace(context.Background(), srv.URL, "w1",
				testSession(t, srv.URL), "dev1", "laptop", false, srv.Client())
			if err != nil {
				t.Fatalf("DialWorkspace() error: %v", err)
			}
			perm := tr.WritePermission()
			if perm.CanUpload != tt.canUpload || perm.CanDelete != tt.canDelete {
				t.Errorf("role %s: got %+v", tt.role, perm)
			}
		})
	}
}

func TestCheckCapacity(t *testing.T) {
	b, srv := newFakeBackend(t)
	b.quota = map[string]int{"limit": 10, "used": 9}

	tr, err := DialWorkspace(context.Background(), srv.URL, "w1",
		testSession(t, srv.URL), "dev1", "laptop", false, srv.Client())
	if err != nil {
		t.Fatal(err)
	}

	if err := tr.CheckCapacity(context.Background(), 1, 100); err != nil {
		t.Errorf("1 record should fit in 9/10: %v", err)
	}

	err = tr.CheckCapacity(context.Background(), 2, 100)
	var capErr *domain.CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected CapacityError, got %v", err)
	}
	if capErr.Limit != 10 || capErr.Used != 9 || capErr.Requested != 2 {
		t.Errorf("unexpected CapacityError: %+v", capErr)
	}
}

func TestNetworkErrorsAreTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	session := testSession(t, srv.URL)
	srv.Close() // force connection refused

	tr := NewPersonal(srv.URL, session, "dev1", "laptop", &http.Client{Timeout: time.Second})
	_, err := tr.FetchRemote(context.Background(), false)
	if !errors.Is(err, domain.ErrNetworkUnavailable) {
		t.Errorf("expected ErrNetworkUnavailable, got %v", err)
	}
}
