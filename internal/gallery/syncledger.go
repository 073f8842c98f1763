package gallery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dkrejci/rollcall/internal/ledger"
)

// InsertLedgerEntry creates a Dirty entry for a freshly mutated local record.
// The (kind, record_id) unique constraint makes repeat marks idempotent.
func (s *Store) InsertLedgerEntry(ctx context.Context, kind ledger.Kind, recordID int64, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_ledger (kind, record_id, state, created_at)
		VALUES (?, ?, 'dirty', ?)
		ON CONFLICT (kind, record_id) DO NOTHING
	`, string(kind), recordID, toMillis(now))
	return mapSQLiteErr(err)
}

// LeaseDirty atomically selects up to limit Dirty entries of one kind that
// are due for push (FIFO by creation) and marks them InFlight.
func (s *Store) LeaseDirty(ctx context.Context, kind ledger.Kind, limit int, now time.Time) ([]ledger.Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin lease: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	rows, err := tx.QueryContext(ctx, `
		SELECT id, kind, record_id, state, attempts, last_error, last_attempted_at, next_attempt_at, created_at
		FROM sync_ledger
		WHERE state = 'dirty' AND kind = ? AND next_attempt_at <= ?
		ORDER BY created_at, id
		LIMIT ?
	`, string(kind), toMillis(now), limit)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	entries, err := scanLedgerRows(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, tx.Commit()
	}

	for i := range entries {
		if _, err := tx.ExecContext(ctx, `
			UPDATE sync_ledger SET state = 'in_flight' WHERE id = ?
		`, entries[i].ID); err != nil {
			return nil, mapSQLiteErr(err)
		}
		entries[i].State = ledger.StateInFlight
	}
	if err := tx.Commit(); err != nil {
		return nil, mapSQLiteErr(err)
	}
	return entries, nil
}

// DeleteLedgerEntry removes an entry whose record reached Synced and whose
// remote acknowledgment is already durably stored.
func (s *Store) DeleteLedgerEntry(ctx context.Context, entryID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_ledger WHERE id = ?`, entryID)
	return mapSQLiteErr(err)
}

// MarkLedgerConflict parks an entry in Conflict for manual reconciliation.
// The wrapped record is retained untouched.
func (s *Store) MarkLedgerConflict(ctx context.Context, entryID int64, reason string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_ledger
		SET state = 'conflict', last_error = ?, last_attempted_at = ?
		WHERE id = ?
	`, reason, toMillis(now), entryID)
	return mapSQLiteErr(err)
}

// MarkLedgerRetry returns an InFlight entry to Dirty after a transient
// failure, bumping the attempt count and scheduling the next try.
func (s *Store) MarkLedgerRetry(ctx context.Context, entryID int64, errMsg string, now, nextAttempt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_ledger
		SET state = 'dirty', attempts = attempts + 1, last_error = ?, last_attempted_at = ?, next_attempt_at = ?
		WHERE id = ?
	`, errMsg, toMillis(now), toMillis(nextAttempt), entryID)
	return mapSQLiteErr(err)
}

// ResolveConflict returns a Conflict entry to Dirty after manual resolution,
// resetting its attempt budget.
func (s *Store) ResolveConflict(ctx context.Context, entryID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_ledger
		SET state = 'dirty', attempts = 0, last_error = '', next_attempt_at = 0
		WHERE id = ? AND state = 'conflict'
	`, entryID)
	if err != nil {
		return mapSQLiteErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("resolve conflict %d: %w", entryID, ErrNotFound)
	}
	return nil
}

// ReleaseInFlight returns all InFlight entries to Dirty. Called at startup so
// entries stranded by a crash mid-push are retried.
func (s *Store) ReleaseInFlight(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_ledger SET state = 'dirty' WHERE state = 'in_flight'
	`)
	return mapSQLiteErr(err)
}

// LedgerEntries lists entries in the given states (all entries if none given).
func (s *Store) LedgerEntries(ctx context.Context, states ...ledger.State) ([]ledger.Entry, error) {
	query := `
		SELECT id, kind, record_id, state, attempts, last_error, last_attempted_at, next_attempt_at, created_at
		FROM sync_ledger`
	var args []any
	if len(states) > 0 {
		query += ` WHERE state IN (?` + repeatPlaceholder(len(states)-1) + `)`
		for _, st := range states {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	defer rows.Close()
	return scanLedgerRows(rows)
}

// GetLedgerEntry fetches one entry by id.
func (s *Store) GetLedgerEntry(ctx context.Context, entryID int64) (*ledger.Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, record_id, state, attempts, last_error, last_attempted_at, next_attempt_at, created_at
		FROM sync_ledger WHERE id = ?
	`, entryID)
	e, err := scanLedgerRow(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// SyncCursor returns the last pull cursor, empty if no pull has completed.
func (s *Store) SyncCursor(ctx context.Context) (string, error) {
	var cursor string
	err := s.db.QueryRowContext(ctx, `SELECT cursor FROM sync_cursor WHERE id = 1`).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", mapSQLiteErr(err)
	}
	return cursor, nil
}

// SetSyncCursor durably stores the pull cursor.
func (s *Store) SetSyncCursor(ctx context.Context, cursor string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursor (id, cursor) VALUES (1, ?)
		ON CONFLICT (id) DO UPDATE SET cursor = excluded.cursor
	`, cursor)
	return mapSQLiteErr(err)
}

func scanLedgerRows(rows *sql.Rows) ([]ledger.Entry, error) {
	var out []ledger.Entry
	for rows.Next() {
		e, err := scanLedgerRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanLedgerRow(scan func(...any) error) (ledger.Entry, error) {
	var (
		e             ledger.Entry
		kind          string
		state         string
		lastAttempted int64
		nextAttempt   int64
		created       int64
	)
	if err := scan(&e.ID, &kind, &e.RecordID, &state, &e.Attempts, &e.LastError, &lastAttempted, &nextAttempt, &created); err != nil {
		return ledger.Entry{}, err
	}
	e.Kind = ledger.Kind(kind)
	e.State = ledger.State(state)
	e.LastAttemptedAt = fromMillis(lastAttempted)
	e.NextAttemptAt = fromMillis(nextAttempt)
	e.CreatedAt = fromMillis(created)
	return e, nil
}

func repeatPlaceholder(n int) string {
	out := ""
	for range n {
		out += ", ?"
	}
	return out
}
