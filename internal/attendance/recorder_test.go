package attendance

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dkrejci/rollcall/internal/clock"
	"github.com/dkrejci/rollcall/internal/gallery"
	"github.com/dkrejci/rollcall/internal/ledger"
	"github.com/dkrejci/rollcall/internal/matcher"
)

type tickingClock struct {
	t time.Time
}

func (c *tickingClock) Now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func testRecorder(t *testing.T) (*Recorder, *gallery.Store, *tickingClock) {
	t.Helper()
	store, err := gallery.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	clk := &tickingClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	return New(store, clk, time.UTC), store, clk
}

func matched(id string, dist float64) matcher.Decision {
	return matcher.Decision{IdentityID: id, BestDistance: dist, Outcome: matcher.OutcomeMatched}
}

func TestRecordMatchedDecisions(t *testing.T) {
	r, store, _ := testRecorder(t)
	ctx := context.Background()

	summary, err := r.Record(ctx, "sess-1", []matcher.Decision{
		matched("s-001", 0.02),
		matched("s-002", 0.11),
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if summary.Recorded != 2 {
		t.Fatalf("expected 2 recorded, got %d", summary.Recorded)
	}

	events, err := store.AttendanceBySession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("list session: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	for _, ev := range events {
		if ev.EventType != gallery.EventPresent {
			t.Errorf("expected present event, got %s", ev.EventType)
		}
	}

	// Every new event must carry a dirty ledger entry.
	entries, err := store.LedgerEntries(ctx, ledger.StateDirty)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("expected 2 dirty entries, got %d", len(entries))
	}
}

func TestRecordSameDayCollapses(t *testing.T) {
	r, store, _ := testRecorder(t)
	ctx := context.Background()

	first, err := r.Record(ctx, "sess-1", []matcher.Decision{matched("s-001", 0.02)})
	if err != nil {
		t.Fatalf("first record: %v", err)
	}
	second, err := r.Record(ctx, "sess-2", []matcher.Decision{matched("s-001", 0.03)})
	if err != nil {
		t.Fatalf("second record: %v", err)
	}

	if second.Recorded != 0 || second.Skipped != 1 {
		t.Fatalf("expected already-present collapse, got %+v", second)
	}
	if second.Results[0].Status != StatusAlreadyPresent {
		t.Errorf("expected AlreadyPresent status, got %s", second.Results[0].Status)
	}
	if second.Results[0].EventID != first.Results[0].EventID {
		t.Errorf("collapse should reference the original event")
	}

	events, err := store.AttendanceForDay(ctx, "2026-03-14")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("expected exactly 1 event for the day, got %d", len(events))
	}
}

func TestRecordNextDayIsFresh(t *testing.T) {
	r, _, clk := testRecorder(t)
	ctx := context.Background()

	if _, err := r.Record(ctx, "sess-1", []matcher.Decision{matched("s-001", 0.02)}); err != nil {
		t.Fatalf("day one: %v", err)
	}

	clk.t = clk.t.Add(24 * time.Hour)
	summary, err := r.Record(ctx, "sess-2", []matcher.Decision{matched("s-001", 0.02)})
	if err != nil {
		t.Fatalf("day two: %v", err)
	}
	if summary.Recorded != 1 {
		t.Errorf("next day should record fresh, got %+v", summary)
	}
}

func TestRecordNeverPersistsAmbiguousOrNoMatch(t *testing.T) {
	r, store, _ := testRecorder(t)
	ctx := context.Background()

	summary, err := r.Record(ctx, "sess-1", []matcher.Decision{
		{Outcome: matcher.OutcomeNoMatch, BestDistance: 0.8},
		{IdentityID: "s-003", Outcome: matcher.OutcomeAmbiguous, BestDistance: 0.05},
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if summary.Recorded != 0 || summary.Unmatched != 2 {
		t.Fatalf("expected 0 recorded / 2 unmatched, got %+v", summary)
	}

	events, err := store.AttendanceBySession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("ambiguous/no-match must not persist, got %d events", len(events))
	}
}

func TestRecordOverride(t *testing.T) {
	r, store, _ := testRecorder(t)
	ctx := context.Background()

	res, err := r.RecordOverride(ctx, "sess-1", "s-005")
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if res.Status != StatusRecorded {
		t.Fatalf("expected recorded, got %s", res.Status)
	}

	events, err := store.AttendanceBySession(ctx, "sess-1")
	if err != nil || len(events) != 1 {
		t.Fatalf("expected 1 event: %v", err)
	}
	if events[0].EventType != gallery.EventOverride {
		t.Errorf("expected override type, got %s", events[0].EventType)
	}

	// Overrides obey the same per-day collapse.
	res, err = r.RecordOverride(ctx, "sess-2", "s-005")
	if err != nil {
		t.Fatalf("second override: %v", err)
	}
	if res.Status != StatusAlreadyPresent {
		t.Errorf("expected AlreadyPresent, got %s", res.Status)
	}
}

func TestDayBoundaryUsesConfiguredLocation(t *testing.T) {
	store, err := gallery.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	// 23:30 UTC on March 14 is already March 15 in UTC+2.
	loc := time.FixedZone("UTC+2", 2*3600)
	clk := clock.Fixed{T: time.Date(2026, 3, 14, 23, 30, 0, 0, time.UTC)}
	r := New(store, clk, loc)

	if got := r.Day(clk.T); got != "2026-03-15" {
		t.Errorf("expected local day 2026-03-15, got %s", got)
	}
}
