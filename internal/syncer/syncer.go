// Package syncer drains the sync ledger to the authority and merges remote
// changes back into the local gallery. It is the only writer of ledger state
// transitions after Dirty.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dkrejci/rollcall/internal/clock"
	"github.com/dkrejci/rollcall/internal/gallery"
	"github.com/dkrejci/rollcall/internal/ledger"
	"github.com/dkrejci/rollcall/internal/remote"
)

// Remote is the authority client surface the engine needs.
type Remote interface {
	Push(ctx context.Context, items []remote.PushItem) ([]remote.ItemResult, error)
	Pull(ctx context.Context, cursor string, limit int) (*remote.PullResponse, error)
}

// Config tunes one engine instance.
type Config struct {
	BatchSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	PullPageSize   int
	Interval       time.Duration
}

// Summary reports what one sync cycle did.
type Summary struct {
	Pushed    int // entries leased and sent
	Accepted  int
	Rejected  int
	Retried   int
	Conflicts int // entries parked in Conflict this cycle
	Pulled    int // remote changes applied
}

// Engine runs push/pull cycles against the authority.
type Engine struct {
	store   *gallery.Store
	remote  Remote
	clock   clock.Clock
	cfg     Config
	trigger chan struct{}
}

func New(store *gallery.Store, r Remote, clk clock.Clock, cfg Config) *Engine {
	if clk == nil {
		clk = clock.System{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 2 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	if cfg.PullPageSize <= 0 {
		cfg.PullPageSize = 200
	}
	return &Engine{
		store:   store,
		remote:  r,
		clock:   clk,
		cfg:     cfg,
		trigger: make(chan struct{}, 1),
	}
}

// Trigger requests an immediate cycle from a running Start loop. It never
// blocks; a cycle already pending absorbs the request.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Start releases entries stranded InFlight by a previous crash, then runs
// cycles every Interval until the context is canceled. Explicit triggers run
// a cycle early.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.store.ReleaseInFlight(ctx); err != nil {
		return fmt.Errorf("release in-flight entries: %w", err)
	}

	interval := e.cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-e.trigger:
		}
		if _, err := e.RunOnce(ctx); err != nil {
			log.Printf("syncer: cycle failed: %v", err)
		}
	}
}

// RunOnce performs one full cycle: drain the ledger kind by kind, then pull
// and merge remote changes. Transient push failures reschedule the batch and
// skip the pull, since the authority is unreachable anyway.
func (e *Engine) RunOnce(ctx context.Context) (Summary, error) {
	var sum Summary

	for _, kind := range ledger.Kinds {
		for {
			n, err := e.pushBatch(ctx, kind, &sum)
			if err != nil {
				return sum, err
			}
			if n < e.cfg.BatchSize {
				break
			}
		}
	}

	if err := e.pull(ctx, &sum); err != nil {
		return sum, err
	}
	return sum, nil
}

// pushBatch leases and pushes up to BatchSize entries of one kind. It returns
// the number of entries leased so the caller knows whether more remain.
func (e *Engine) pushBatch(ctx context.Context, kind ledger.Kind, sum *Summary) (int, error) {
	now := e.clock.Now()
	entries, err := e.store.LeaseDirty(ctx, kind, e.cfg.BatchSize, now)
	if err != nil {
		return 0, fmt.Errorf("lease %s entries: %w", kind, err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	items := make([]remote.PushItem, 0, len(entries))
	byID := make(map[int64]ledger.Entry, len(entries))
	for _, entry := range entries {
		item, err := e.buildItem(ctx, entry)
		if err != nil {
			// The wrapped record is gone or unreadable. Park it so the
			// problem is visible instead of retrying forever.
			if errors.Is(err, gallery.ErrNotFound) {
				if derr := e.store.DeleteLedgerEntry(ctx, entry.ID); derr != nil {
					return len(entries), derr
				}
				continue
			}
			if merr := e.store.MarkLedgerConflict(ctx, entry.ID, err.Error(), now); merr != nil {
				return len(entries), merr
			}
			sum.Conflicts++
			continue
		}
		items = append(items, item)
		byID[entry.ID] = entry
	}
	if len(items) == 0 {
		return len(entries), nil
	}

	results, err := e.remote.Push(ctx, items)
	if err != nil {
		var te *remote.TransientError
		if errors.As(err, &te) {
			if rerr := e.rescheduleAll(ctx, byID, err, sum); rerr != nil {
				return len(entries), rerr
			}
			return len(entries), err
		}
		return len(entries), fmt.Errorf("push %s batch: %w", kind, err)
	}

	sum.Pushed += len(items)
	resultFor := make(map[int64]remote.ItemResult, len(results))
	for _, res := range results {
		resultFor[res.LocalID] = res
	}

	for id, entry := range byID {
		res, ok := resultFor[id]
		if !ok {
			// No verdict for this item. Treat like a transient failure.
			if err := e.reschedule(ctx, entry, errors.New("no result from authority"), sum); err != nil {
				return len(entries), err
			}
			continue
		}
		switch res.Outcome {
		case remote.OutcomeAccepted:
			if err := e.applyAccept(ctx, entry, res); err != nil {
				return len(entries), err
			}
			sum.Accepted++
		case remote.OutcomeRejected:
			if err := e.store.MarkLedgerConflict(ctx, entry.ID, res.Reason, e.clock.Now()); err != nil {
				return len(entries), err
			}
			log.Printf("syncer: %s entry %d rejected: %s", entry.Kind, entry.ID, res.Reason)
			sum.Rejected++
			sum.Conflicts++
		default:
			if err := e.reschedule(ctx, entry, fmt.Errorf("unknown outcome %q", res.Outcome), sum); err != nil {
				return len(entries), err
			}
		}
	}
	return len(entries), nil
}

// buildItem loads the wrapped record and serializes it for the wire.
func (e *Engine) buildItem(ctx context.Context, entry ledger.Entry) (remote.PushItem, error) {
	var payload any

	switch entry.Kind {
	case ledger.KindProfile:
		ident, err := e.store.IdentityByRowID(ctx, entry.RecordID)
		if err != nil {
			return remote.PushItem{}, err
		}
		payload = remote.ProfilePayload{
			LocalID:     ident.ID,
			DisplayName: ident.DisplayName,
			Category:    ident.Category,
		}
	case ledger.KindEmbedding:
		emb, err := e.store.GetEmbedding(ctx, entry.RecordID)
		if err != nil {
			return remote.PushItem{}, err
		}
		payload = remote.EmbeddingPayload{
			IdentityID: emb.IdentityID,
			Vector:     emb.Vector,
			Quality:    emb.Quality,
			CreatedAt:  emb.CreatedAt.UTC().Format(time.RFC3339),
		}
	case ledger.KindAttendance:
		ev, err := e.store.GetAttendance(ctx, entry.RecordID)
		if err != nil {
			return remote.PushItem{}, err
		}
		payload = remote.AttendancePayload{
			IdentityID: ev.IdentityID,
			EventType:  ev.EventType,
			OccurredAt: ev.OccurredAt.UTC().Format(time.RFC3339),
			Day:        ev.Day,
			SessionID:  ev.SessionID,
		}
	default:
		return remote.PushItem{}, fmt.Errorf("unknown ledger kind %q", entry.Kind)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return remote.PushItem{}, fmt.Errorf("marshal %s payload: %w", entry.Kind, err)
	}
	return remote.PushItem{
		Kind:    string(entry.Kind),
		LocalID: entry.ID,
		Payload: raw,
	}, nil
}

// applyAccept stores the authority's canonical id on the record and removes
// the ledger entry. The canonical write-back lands before the delete so a
// crash between the two leaves a harmless re-push, never a lost ack.
func (e *Engine) applyAccept(ctx context.Context, entry ledger.Entry, res remote.ItemResult) error {
	switch entry.Kind {
	case ledger.KindProfile:
		ident, err := e.store.IdentityByRowID(ctx, entry.RecordID)
		if err != nil {
			return err
		}
		if res.CanonicalID != "" {
			if err := e.store.RemapIdentity(ctx, ident.ID, res.CanonicalID); err != nil {
				return err
			}
		}
	case ledger.KindEmbedding:
		if err := e.store.MarkEmbeddingSynced(ctx, entry.RecordID, res.CanonicalID); err != nil {
			return err
		}
	case ledger.KindAttendance:
		if err := e.store.MarkAttendanceSynced(ctx, entry.RecordID, res.CanonicalID); err != nil {
			return err
		}
	}
	return e.store.DeleteLedgerEntry(ctx, entry.ID)
}

func (e *Engine) rescheduleAll(ctx context.Context, entries map[int64]ledger.Entry, cause error, sum *Summary) error {
	for _, entry := range entries {
		if err := e.reschedule(ctx, entry, cause, sum); err != nil {
			return err
		}
	}
	return nil
}

// reschedule returns an entry to Dirty with a backoff delay, or parks it in
// Conflict once the attempt budget is spent.
func (e *Engine) reschedule(ctx context.Context, entry ledger.Entry, cause error, sum *Summary) error {
	now := e.clock.Now()
	attempts := entry.Attempts + 1
	if attempts >= e.cfg.MaxAttempts {
		sum.Conflicts++
		log.Printf("syncer: %s entry %d exhausted after %d attempts: %v", entry.Kind, entry.ID, attempts, cause)
		return e.store.MarkLedgerConflict(ctx, entry.ID, ledger.ReasonExhaustedRetries, now)
	}
	sum.Retried++
	next := now.Add(e.retryDelay(entry.Attempts))
	return e.store.MarkLedgerRetry(ctx, entry.ID, cause.Error(), now, next)
}

// retryDelay returns the delay before attempt n+1, where n attempts already
// failed. Delays grow exponentially from InitialBackoff up to MaxBackoff.
func (e *Engine) retryDelay(failed int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.InitialBackoff
	bo.MaxInterval = e.cfg.MaxBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	d := bo.NextBackOff()
	for range failed {
		d = bo.NextBackOff()
	}
	return d
}

// pull fetches remote deltas page by page and merges them. The cursor is
// persisted only after a page applied cleanly, so a crash replays the page.
func (e *Engine) pull(ctx context.Context, sum *Summary) error {
	cursor, err := e.store.SyncCursor(ctx)
	if err != nil {
		return fmt.Errorf("load sync cursor: %w", err)
	}

	for {
		page, err := e.remote.Pull(ctx, cursor, e.cfg.PullPageSize)
		if err != nil {
			return fmt.Errorf("pull changes: %w", err)
		}
		for _, ch := range page.Changes {
			if err := e.applyChange(ctx, ch); err != nil {
				return fmt.Errorf("apply %s change: %w", ch.Kind, err)
			}
			sum.Pulled++
		}
		if page.NextCursor != "" && page.NextCursor != cursor {
			cursor = page.NextCursor
			if err := e.store.SetSyncCursor(ctx, cursor); err != nil {
				return fmt.Errorf("store sync cursor: %w", err)
			}
		}
		if len(page.Changes) < e.cfg.PullPageSize {
			return nil
		}
	}
}

// applyChange merges one remote delta. The authority wins every conflict
// about identity data and embedding retirement.
func (e *Engine) applyChange(ctx context.Context, ch remote.Change) error {
	switch ch.Kind {
	case remote.ChangeIdentityUpserted:
		return e.store.UpsertIdentity(ctx, gallery.Identity{
			ID:          ch.IdentityID,
			DisplayName: ch.DisplayName,
			Category:    ch.Category,
			Active:      ch.Active,
			UpdatedAt:   e.clock.Now(),
		})
	case remote.ChangeIdentityDeactivated:
		return e.store.DeactivateIdentity(ctx, ch.IdentityID)
	case remote.ChangeIdentityDeleted:
		return e.store.DeleteIdentity(ctx, ch.IdentityID)
	case remote.ChangeEmbeddingRetired:
		return e.store.RetireByCanonicalID(ctx, ch.CanonicalID)
	default:
		log.Printf("syncer: ignoring unknown change kind %q", ch.Kind)
		return nil
	}
}
