package syncer

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dkrejci/rollcall/internal/gallery"
	"github.com/dkrejci/rollcall/internal/ledger"
	"github.com/dkrejci/rollcall/internal/remote"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fakeRemote struct {
	pushes [][]remote.PushItem
	pushFn func(items []remote.PushItem) ([]remote.ItemResult, error)
	pulls  []string
	pullFn func(cursor string, limit int) (*remote.PullResponse, error)
}

func (f *fakeRemote) Push(_ context.Context, items []remote.PushItem) ([]remote.ItemResult, error) {
	f.pushes = append(f.pushes, items)
	if f.pushFn != nil {
		return f.pushFn(items)
	}
	return acceptAll(items), nil
}

func (f *fakeRemote) Pull(_ context.Context, cursor string, limit int) (*remote.PullResponse, error) {
	f.pulls = append(f.pulls, cursor)
	if f.pullFn != nil {
		return f.pullFn(cursor, limit)
	}
	return &remote.PullResponse{}, nil
}

func acceptAll(items []remote.PushItem) []remote.ItemResult {
	out := make([]remote.ItemResult, 0, len(items))
	for i, item := range items {
		out = append(out, remote.ItemResult{
			LocalID:     item.LocalID,
			Outcome:     remote.OutcomeAccepted,
			CanonicalID: "canon-" + item.Kind + "-" + string(rune('a'+i)),
		})
	}
	return out
}

func openTestStore(t *testing.T) *gallery.Store {
	t.Helper()
	store, err := gallery.Open(filepath.Join(t.TempDir(), "rollcall.db"))
	if err != nil {
		t.Fatalf("could not open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newEngine(store *gallery.Store, r Remote, clk *fakeClock, cfg Config) *Engine {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = time.Second
	}
	return New(store, r, clk, cfg)
}

func seedAll(t *testing.T, store *gallery.Store, clk *fakeClock) (localID string, embID, attID int64) {
	t.Helper()
	ctx := context.Background()

	localID, err := store.CreateLocalIdentity(ctx, "Mira", gallery.CategoryStudent, clk.Now())
	if err != nil {
		t.Fatalf("could not create identity: %v", err)
	}
	embID, err = store.PutEmbedding(ctx, localID, []float32{0.1, 0.2, 0.3}, 0.9, clk.Now())
	if err != nil {
		t.Fatalf("could not put embedding: %v", err)
	}
	if err := store.InsertLedgerEntry(ctx, ledger.KindEmbedding, embID, clk.Now()); err != nil {
		t.Fatalf("could not mark embedding dirty: %v", err)
	}
	attID, err = store.InsertAttendance(ctx, gallery.AttendanceEvent{
		IdentityID: localID,
		EventType:  gallery.EventPresent,
		OccurredAt: clk.Now(),
		Day:        "2026-03-10",
		SessionID:  "morning",
		CreatedAt:  clk.Now(),
	})
	if err != nil {
		t.Fatalf("could not insert attendance: %v", err)
	}
	return localID, embID, attID
}

func TestRunOnceDrainsAllKindsInOrder(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	clk := &fakeClock{t: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
	rem := &fakeRemote{}
	eng := newEngine(store, rem, clk, Config{})

	localID, embID, attID := seedAll(t, store, clk)

	sum, err := eng.RunOnce(ctx)
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if sum.Pushed != 3 || sum.Accepted != 3 {
		t.Errorf("expected 3 pushed and accepted, got %+v", sum)
	}

	if len(rem.pushes) != 3 {
		t.Fatalf("expected 3 push batches, got %d", len(rem.pushes))
	}
	order := []string{rem.pushes[0][0].Kind, rem.pushes[1][0].Kind, rem.pushes[2][0].Kind}
	if order[0] != "profile" || order[1] != "embedding" || order[2] != "attendance" {
		t.Errorf("unexpected drain order %v", order)
	}

	entries, err := store.LedgerEntries(ctx)
	if err != nil {
		t.Fatalf("could not list ledger: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty ledger after drain, got %d entries", len(entries))
	}

	// The identity was remapped to the authority's canonical id.
	if _, err := store.GetIdentity(ctx, localID); !errors.Is(err, gallery.ErrNotFound) {
		t.Errorf("expected local id to be remapped away, got err %v", err)
	}
	emb, err := store.GetEmbedding(ctx, embID)
	if err != nil {
		t.Fatalf("could not load embedding: %v", err)
	}
	if emb.CanonicalID == "" || emb.LocalOnly {
		t.Errorf("expected synced embedding, got %+v", emb)
	}
	ev, err := store.GetAttendance(ctx, attID)
	if err != nil {
		t.Fatalf("could not load attendance: %v", err)
	}
	if ev.CanonicalID == "" {
		t.Errorf("expected canonical id on attendance event")
	}
	if !strings.HasPrefix(ev.IdentityID, "canon-profile-") {
		t.Errorf("expected attendance remapped to canonical identity, got %q", ev.IdentityID)
	}
}

func TestNewDefaultsNilClock(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	rem := &fakeRemote{}

	// The CLI constructs the engine without an explicit clock.
	eng := New(store, rem, nil, Config{})

	if _, err := store.CreateLocalIdentity(ctx, "Mira", gallery.CategoryStudent, time.Now()); err != nil {
		t.Fatalf("could not create identity: %v", err)
	}

	sum, err := eng.RunOnce(ctx)
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if sum.Pushed != 1 || sum.Accepted != 1 {
		t.Errorf("expected 1 pushed and accepted, got %+v", sum)
	}
}

func TestTransientFailureBacksOff(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	clk := &fakeClock{t: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
	rem := &fakeRemote{
		pushFn: func([]remote.PushItem) ([]remote.ItemResult, error) {
			return nil, &remote.TransientError{Err: errors.New("connection refused")}
		},
	}
	eng := newEngine(store, rem, clk, Config{InitialBackoff: time.Second, MaxBackoff: time.Minute})

	if _, err := store.CreateLocalIdentity(ctx, "Mira", gallery.CategoryStudent, clk.Now()); err != nil {
		t.Fatalf("could not create identity: %v", err)
	}

	var lastDelay time.Duration
	for i := range 3 {
		if _, err := eng.RunOnce(ctx); err == nil {
			t.Fatalf("attempt %d: expected transient error", i)
		}
		entries, err := store.LedgerEntries(ctx, ledger.StateDirty)
		if err != nil {
			t.Fatalf("could not list ledger: %v", err)
		}
		if len(entries) != 1 {
			t.Fatalf("attempt %d: expected 1 dirty entry, got %d", i, len(entries))
		}
		e := entries[0]
		if e.Attempts != i+1 {
			t.Errorf("attempt %d: expected %d attempts, got %d", i, i+1, e.Attempts)
		}
		delay := e.NextAttemptAt.Sub(clk.Now())
		if delay < lastDelay {
			t.Errorf("attempt %d: backoff shrank from %v to %v", i, lastDelay, delay)
		}
		lastDelay = delay
		clk.Advance(delay + time.Second)
	}
}

func TestExhaustedRetriesParksConflict(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	clk := &fakeClock{t: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
	rem := &fakeRemote{
		pushFn: func([]remote.PushItem) ([]remote.ItemResult, error) {
			return nil, &remote.TransientError{Err: errors.New("connection refused")}
		},
	}
	eng := newEngine(store, rem, clk, Config{MaxAttempts: 2, InitialBackoff: time.Second})

	if _, err := store.CreateLocalIdentity(ctx, "Mira", gallery.CategoryStudent, clk.Now()); err != nil {
		t.Fatalf("could not create identity: %v", err)
	}

	for range 2 {
		_, _ = eng.RunOnce(ctx)
		clk.Advance(time.Hour)
	}

	entries, err := store.LedgerEntries(ctx, ledger.StateConflict)
	if err != nil {
		t.Fatalf("could not list ledger: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 conflict entry, got %d", len(entries))
	}
	if entries[0].LastError != ledger.ReasonExhaustedRetries {
		t.Errorf("expected exhausted_retries reason, got %q", entries[0].LastError)
	}

	// Parked entries are not leased again.
	rem.pushes = nil
	if _, err := eng.RunOnce(ctx); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if len(rem.pushes) != 0 {
		t.Errorf("conflict entry should not be pushed, got %d batches", len(rem.pushes))
	}
}

func TestPartialBatchRejection(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	clk := &fakeClock{t: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
	rem := &fakeRemote{
		pushFn: func(items []remote.PushItem) ([]remote.ItemResult, error) {
			out := make([]remote.ItemResult, 0, len(items))
			for i, item := range items {
				if i == 0 {
					out = append(out, remote.ItemResult{
						LocalID: item.LocalID, Outcome: remote.OutcomeAccepted, CanonicalID: "emb-1",
					})
					continue
				}
				out = append(out, remote.ItemResult{
					LocalID: item.LocalID, Outcome: remote.OutcomeRejected, Reason: "embedding_cap_exceeded",
				})
			}
			return out, nil
		},
	}
	eng := newEngine(store, rem, clk, Config{})

	for range 2 {
		id, err := store.PutEmbedding(ctx, "stu-1", []float32{0.5, 0.5}, 0.8, clk.Now())
		if err != nil {
			t.Fatalf("could not put embedding: %v", err)
		}
		if err := store.InsertLedgerEntry(ctx, ledger.KindEmbedding, id, clk.Now()); err != nil {
			t.Fatalf("could not mark dirty: %v", err)
		}
	}

	sum, err := eng.RunOnce(ctx)
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if sum.Accepted != 1 || sum.Rejected != 1 {
		t.Errorf("expected 1 accepted and 1 rejected, got %+v", sum)
	}

	conflicts, err := store.LedgerEntries(ctx, ledger.StateConflict)
	if err != nil {
		t.Fatalf("could not list ledger: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict entry, got %d", len(conflicts))
	}
	if conflicts[0].LastError != "embedding_cap_exceeded" {
		t.Errorf("expected authority reason, got %q", conflicts[0].LastError)
	}

	all, err := store.LedgerEntries(ctx)
	if err != nil {
		t.Fatalf("could not list ledger: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("accepted entry should be deleted, got %d entries", len(all))
	}
}

func TestPullMergesRemoteChanges(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	clk := &fakeClock{t: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
	rem := &fakeRemote{
		pullFn: func(cursor string, limit int) (*remote.PullResponse, error) {
			if cursor != "" {
				return &remote.PullResponse{NextCursor: cursor}, nil
			}
			return &remote.PullResponse{
				Changes: []remote.Change{
					{Kind: remote.ChangeIdentityUpserted, IdentityID: "stu-1", DisplayName: "Mira", Category: "student", Active: true},
					{Kind: remote.ChangeIdentityDeactivated, IdentityID: "stu-2"},
					{Kind: remote.ChangeEmbeddingRetired, CanonicalID: "emb-7"},
				},
				NextCursor: "cur-1",
			}, nil
		},
	}
	eng := newEngine(store, rem, clk, Config{})

	if err := store.UpsertIdentity(ctx, gallery.Identity{
		ID: "stu-2", DisplayName: "Tariq", Category: gallery.CategoryStudent, Active: true, UpdatedAt: clk.Now(),
	}); err != nil {
		t.Fatalf("could not seed identity: %v", err)
	}
	embID, err := store.PutEmbedding(ctx, "stu-2", []float32{0.2, 0.8}, 0.7, clk.Now())
	if err != nil {
		t.Fatalf("could not put embedding: %v", err)
	}
	if err := store.MarkEmbeddingSynced(ctx, embID, "emb-7"); err != nil {
		t.Fatalf("could not mark synced: %v", err)
	}

	sum, err := eng.RunOnce(ctx)
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if sum.Pulled != 3 {
		t.Errorf("expected 3 changes applied, got %d", sum.Pulled)
	}

	ident, err := store.GetIdentity(ctx, "stu-1")
	if err != nil {
		t.Fatalf("upserted identity missing: %v", err)
	}
	if ident.DisplayName != "Mira" || !ident.Active {
		t.Errorf("unexpected upserted identity %+v", ident)
	}

	ident2, err := store.GetIdentity(ctx, "stu-2")
	if err != nil {
		t.Fatalf("could not load stu-2: %v", err)
	}
	if ident2.Active {
		t.Error("expected stu-2 deactivated")
	}

	emb, err := store.GetEmbedding(ctx, embID)
	if err != nil {
		t.Fatalf("could not load embedding: %v", err)
	}
	if !emb.Retired {
		t.Error("expected embedding retired by remote change")
	}

	cursor, err := store.SyncCursor(ctx)
	if err != nil {
		t.Fatalf("could not load cursor: %v", err)
	}
	if cursor != "cur-1" {
		t.Errorf("expected cursor cur-1, got %q", cursor)
	}

	// Next cycle resumes from the stored cursor.
	if _, err := eng.RunOnce(ctx); err != nil {
		t.Fatalf("second cycle failed: %v", err)
	}
	if got := rem.pulls[len(rem.pulls)-1]; got != "cur-1" {
		t.Errorf("expected pull from cur-1, got %q", got)
	}
}

func TestPullPaginates(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	clk := &fakeClock{t: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}

	page := func(ids []string, next string) *remote.PullResponse {
		resp := &remote.PullResponse{NextCursor: next}
		for _, id := range ids {
			resp.Changes = append(resp.Changes, remote.Change{
				Kind: remote.ChangeIdentityUpserted, IdentityID: id, DisplayName: id, Category: "student", Active: true,
			})
		}
		return resp
	}
	rem := &fakeRemote{
		pullFn: func(cursor string, limit int) (*remote.PullResponse, error) {
			switch cursor {
			case "":
				return page([]string{"stu-1", "stu-2"}, "cur-1"), nil
			case "cur-1":
				return page([]string{"stu-3"}, "cur-2"), nil
			default:
				return &remote.PullResponse{NextCursor: cursor}, nil
			}
		},
	}
	eng := newEngine(store, rem, clk, Config{PullPageSize: 2})

	sum, err := eng.RunOnce(ctx)
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if sum.Pulled != 3 {
		t.Errorf("expected 3 changes across pages, got %d", sum.Pulled)
	}
	identities, err := store.ListIdentities(ctx)
	if err != nil {
		t.Fatalf("could not list identities: %v", err)
	}
	if len(identities) != 3 {
		t.Errorf("expected 3 identities, got %d", len(identities))
	}
	cursor, _ := store.SyncCursor(ctx)
	if cursor != "cur-2" {
		t.Errorf("expected final cursor cur-2, got %q", cursor)
	}
}

func TestMissingRecordDropsEntry(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	clk := &fakeClock{t: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
	rem := &fakeRemote{}
	eng := newEngine(store, rem, clk, Config{})

	// Ledger entry pointing at an embedding row that no longer exists.
	if err := store.InsertLedgerEntry(ctx, ledger.KindEmbedding, 999, clk.Now()); err != nil {
		t.Fatalf("could not insert ledger entry: %v", err)
	}

	if _, err := eng.RunOnce(ctx); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	entries, err := store.LedgerEntries(ctx)
	if err != nil {
		t.Fatalf("could not list ledger: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected orphan entry dropped, got %d entries", len(entries))
	}
	if len(rem.pushes) != 0 {
		t.Errorf("nothing should have been pushed, got %d batches", len(rem.pushes))
	}
}
