package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"promptdeck-sync/internal/domain"
	"promptdeck-sync/internal/fingerprint"
	"promptdeck-sync/internal/ledger"
	"promptdeck-sync/internal/store"
	"promptdeck-sync/internal/transport"
)

func testEngine(tr transport.Transport, prompts store.PromptStore, ldg ledger.Store) *Engine {
	return NewEngine(tr, prompts, ldg, log.New(io.Discard, "", 0))
}

// fakeBackend is an in-memory backend good enough for whole-pass tests: it
// stores uploads, serves them back on fetch, and records owner assignments.
type fakeBackend struct {
	mockTransport
	records map[string]*domain.RemotePrompt
	nextID  int
}

func newFakeBackend() *fakeBackend {
	b := &fakeBackend{records: make(map[string]*domain.RemotePrompt)}
	b.fetch = func(_ context.Context, includeDeleted bool) ([]*domain.RemotePrompt, error) {
		out := make([]*domain.RemotePrompt, 0, len(b.records))
		for _, r := range b.records {
			if r.Deleted() && !includeDeleted {
				continue
			}
			out = append(out, r)
		}
		return out, nil
	}
	b.upload = func(_ context.Context, p *domain.Prompt, entry *domain.LedgerEntry) (*transport.UploadResult, error) {
		var rec *domain.RemotePrompt
		if entry != nil {
			rec = b.records[entry.RemoteID]
		}
		if rec == nil {
			b.nextID++
			rec = &domain.RemotePrompt{RemoteID: b.remoteID(), CreatedAt: p.CreatedAt}
			b.records[rec.RemoteID] = rec
		}
		rec.OwnerLocalID = p.ID
		rec.Title = p.Title
		rec.Content = p.Content
		rec.Category = p.Category
		rec.Description = p.Description
		rec.ContentHash = fingerprint.ForPrompt(p)
		rec.Version++
		rec.UpdatedAt = p.ModifiedAt
		rec.DeletedAt = nil
		return &transport.UploadResult{RemoteID: rec.RemoteID, Version: rec.Version}, nil
	}
	b.del = func(_ context.Context, remoteID string) error {
		rec, ok := b.records[remoteID]
		if !ok {
			return domain.ErrRemoteGone
		}
		now := time.Now()
		rec.DeletedAt = &now
		rec.Version++
		return nil
	}
	b.assign = func(_ context.Context, remoteID, localID string) error {
		rec, ok := b.records[remoteID]
		if !ok {
			return domain.ErrRemoteGone
		}
		rec.OwnerLocalID = localID
		return nil
	}
	return b
}

func (b *fakeBackend) remoteID() string {
	return fmt.Sprintf("srv-%d", b.nextID)
}

func TestSyncRoundTrip(t *testing.T) {
	backend := newFakeBackend()
	backend.records["r9"] = remotePrompt("r9", "l2", "Farewell", "bye", "general", 1, baseTime)

	st := newMemStore(localPrompt("l1", "Greeting", "hello", "general", baseTime))
	ldg := testLedger(t)
	eng := testEngine(backend, st, ldg)

	stats, err := eng.Sync(context.Background())
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if stats.Uploaded != 1 || stats.Downloaded != 1 {
		t.Fatalf("first pass stats %+v", stats)
	}

	// Both sides now hold both records.
	if len(backend.records) != 2 {
		t.Fatalf("backend has %d records, want 2", len(backend.records))
	}
	if _, ok := st.prompts["l2"]; !ok {
		t.Fatal("remote record not adopted locally")
	}

	state, err := ldg.Get()
	if err != nil {
		t.Fatal(err)
	}
	if state.LastSyncTime.IsZero() {
		t.Fatal("last sync time not recorded")
	}

	// A second pass with nothing changed moves no data.
	stats, err = eng.Sync(context.Background())
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if stats.Uploaded+stats.Downloaded+stats.ConflictsSplit+stats.DeletedLocally+stats.DeletedRemotely != 0 {
		t.Fatalf("second pass was not a no-op: %+v", stats)
	}
}

func TestSyncPropagatesLocalDelete(t *testing.T) {
	backend := newFakeBackend()
	st := newMemStore(localPrompt("l1", "Greeting", "hello", "general", baseTime))
	ldg := testLedger(t)
	eng := testEngine(backend, st, ldg)

	if _, err := eng.Sync(context.Background()); err != nil {
		t.Fatalf("first pass: %v", err)
	}

	// User deletes the prompt between passes.
	if _, err := st.DeleteByID("l1"); err != nil {
		t.Fatal(err)
	}

	stats, err := eng.Sync(context.Background())
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if stats.DeletedRemotely != 1 {
		t.Fatalf("second pass stats %+v", stats)
	}
	for _, rec := range backend.records {
		if !rec.Deleted() {
			t.Fatalf("remote record not soft-deleted: %+v", rec)
		}
	}

	// A third pass finds the tombstone with no local counterpart and plans
	// nothing.
	stats, err = eng.Sync(context.Background())
	if err != nil {
		t.Fatalf("third pass: %v", err)
	}
	if stats.Uploaded+stats.Downloaded+stats.DeletedLocally+stats.DeletedRemotely != 0 {
		t.Fatalf("third pass was not a no-op: %+v", stats)
	}
}

func TestSyncSingleFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	tr := &mockTransport{
		fetch: func(_ context.Context, _ bool) ([]*domain.RemotePrompt, error) {
			close(started)
			<-release
			return nil, nil
		},
	}
	eng := testEngine(tr, newMemStore(), testLedger(t))

	done := make(chan error, 1)
	go func() {
		_, err := eng.Sync(context.Background())
		done <- err
	}()

	<-started
	if got := eng.State(); got != StateFetching {
		t.Fatalf("state = %v, want fetching", got)
	}
	if _, err := eng.Sync(context.Background()); !errors.Is(err, domain.ErrSyncInProgress) {
		t.Fatalf("concurrent pass error = %v, want ErrSyncInProgress", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if got := eng.State(); got != StateIdle {
		t.Fatalf("state after pass = %v, want idle", got)
	}
}

func TestSyncFetchFailureLeavesEverythingUntouched(t *testing.T) {
	wantErr := domain.ErrNetworkUnavailable
	tr := &mockTransport{
		fetch: func(_ context.Context, _ bool) ([]*domain.RemotePrompt, error) {
			return nil, wantErr
		},
	}
	ldg := testLedger(t)
	eng := testEngine(tr, newMemStore(), ldg)

	if _, err := eng.Sync(context.Background()); !errors.Is(err, wantErr) {
		t.Fatalf("error = %v, want %v", err, wantErr)
	}
	state, err := ldg.Get()
	if err != nil {
		t.Fatal(err)
	}
	if !state.LastSyncTime.IsZero() {
		t.Fatal("failed pass advanced the last sync time")
	}
}

// quotaTransport layers a capacity check over mockTransport.
type quotaTransport struct {
	*mockTransport
	check func(ctx context.Context, count int, bytes int64) error
}

func (t quotaTransport) CheckCapacity(ctx context.Context, count int, bytes int64) error {
	return t.check(ctx, count, bytes)
}

func TestSyncCapacityRejectionWritesNothing(t *testing.T) {
	m := &mockTransport{}
	tr := quotaTransport{
		mockTransport: m,
		check: func(_ context.Context, count int, _ int64) error {
			return &domain.CapacityError{Limit: 10, Used: 10, Requested: count}
		},
	}
	ldg := testLedger(t)
	eng := testEngine(tr, newMemStore(localPrompt("l1", "Greeting", "hello", "general", baseTime)), ldg)

	_, err := eng.Sync(context.Background())
	var capErr *domain.CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("error = %v, want CapacityError", err)
	}
	if len(m.uploads) != 0 {
		t.Fatal("upload issued after capacity rejection")
	}
	state, lerr := ldg.Get()
	if lerr != nil {
		t.Fatal(lerr)
	}
	if len(state.Entries) != 0 || !state.LastSyncTime.IsZero() {
		t.Fatal("rejected pass left ledger writes behind")
	}
}

func TestSyncEditOnlyPassAtFullQuota(t *testing.T) {
	// The workspace is full, but the pass only updates an already-linked
	// record in place; no quota is consumed, so the pass must go through.
	m := &mockTransport{}
	m.fetch = func(_ context.Context, _ bool) ([]*domain.RemotePrompt, error) {
		return []*domain.RemotePrompt{remotePrompt("r1", "l1", "Greeting", "hello", "general", 1, baseTime)}, nil
	}
	tr := quotaTransport{
		mockTransport: m,
		check: func(_ context.Context, count int, _ int64) error {
			return &domain.CapacityError{Limit: 10, Used: 10, Requested: count}
		},
	}

	ldg := testLedger(t)
	if err := ldg.SetEntry("l1", linkedEntry("r1", "Greeting", "hello", "general", 1)); err != nil {
		t.Fatal(err)
	}
	if err := ldg.SetLastSyncTime(baseTime); err != nil {
		t.Fatal(err)
	}

	edited := localPrompt("l1", "Greeting", "hello v2", "general", baseTime.Add(time.Hour))
	eng := testEngine(tr, newMemStore(edited), ldg)

	stats, err := eng.Sync(context.Background())
	if err != nil {
		t.Fatalf("update-only pass rejected at full quota: %v", err)
	}
	if stats.Uploaded != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if len(m.uploads) != 1 || !m.uploads[0].hadEntry {
		t.Fatalf("expected one in-place update, got %+v", m.uploads)
	}
}

func TestSyncCapacityNotCheckedWithoutNewRecords(t *testing.T) {
	m := &mockTransport{}
	checked := false
	tr := quotaTransport{
		mockTransport: m,
		check: func(_ context.Context, _ int, _ int64) error {
			checked = true
			return errors.New("should not be called")
		},
	}
	m.fetch = func(_ context.Context, _ bool) ([]*domain.RemotePrompt, error) {
		return []*domain.RemotePrompt{remotePrompt("r1", "l1", "Greeting", "hello", "general", 1, baseTime)}, nil
	}

	eng := testEngine(tr, newMemStore(), testLedger(t))
	stats, err := eng.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if checked {
		t.Fatal("capacity checked for a download-only pass")
	}
	if stats.Downloaded != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestSyncLogsLinkOnlyPlan(t *testing.T) {
	// First sync with identical content on both sides plans only a ledger
	// link; the plan log must reflect that instead of reading as empty work.
	m := &mockTransport{}
	m.fetch = func(_ context.Context, _ bool) ([]*domain.RemotePrompt, error) {
		return []*domain.RemotePrompt{remotePrompt("r1", "l1", "Greeting", "hello", "general", 1, baseTime)}, nil
	}

	var buf bytes.Buffer
	eng := NewEngine(m, newMemStore(localPrompt("l1", "Greeting", "hello", "general", baseTime)),
		testLedger(t), log.New(&buf, "", 0))

	stats, err := eng.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if stats.Linked != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if !strings.Contains(buf.String(), "1 links") {
		t.Fatalf("plan log omits the link count: %q", buf.String())
	}
}

func TestRegistryReusesEngines(t *testing.T) {
	reg := NewRegistry()
	built := 0
	construct := func() *Engine {
		built++
		return testEngine(&mockTransport{}, newMemStore(), testLedger(t))
	}

	a := reg.GetOrCreate("ws-1", construct)
	b := reg.GetOrCreate("ws-1", construct)
	if a != b || built != 1 {
		t.Fatalf("expected one shared engine, built %d", built)
	}

	reg.Remove("ws-1")
	c := reg.GetOrCreate("ws-1", construct)
	if c == a || built != 2 {
		t.Fatal("removed engine was not rebuilt")
	}
}
