package gallery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Attendance event types.
const (
	EventPresent  = "present"
	EventOverride = "override"
	EventDeleted  = "deleted"
)

// AttendanceEvent is one durable presence record.
type AttendanceEvent struct {
	ID          int64
	IdentityID  string
	EventType   string
	OccurredAt  time.Time
	Day         string // device-local calendar day, YYYY-MM-DD
	SessionID   string
	CanonicalID string
	CreatedAt   time.Time
}

// ErrAlreadyPresent is returned by InsertAttendance when the identity already
// has a present-event for the same local day.
var ErrAlreadyPresent = errors.New("identity already marked present for this day")

// InsertAttendance appends a presence event and its Dirty ledger entry in one
// transaction. The partial unique index on (identity_id, day) makes the
// same-day collapse race-free even across sessions.
func (s *Store) InsertAttendance(ctx context.Context, ev AttendanceEvent) (int64, error) {
	if ev.IdentityID == "" {
		return 0, fmt.Errorf("identity id is required")
	}
	if ev.EventType == "" {
		ev.EventType = EventPresent
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin attendance insert: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var existing int64
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM attendance_events
		WHERE identity_id = ? AND day = ? AND event_type IN ('present', 'override')
	`, ev.IdentityID, ev.Day).Scan(&existing)
	if err == nil {
		return existing, ErrAlreadyPresent
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, mapSQLiteErr(err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO attendance_events (identity_id, event_type, occurred_at, day, session_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.IdentityID, ev.EventType, toMillis(ev.OccurredAt), ev.Day, ev.SessionID, toMillis(ev.CreatedAt))
	if err != nil {
		return 0, mapSQLiteErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read inserted event id: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sync_ledger (kind, record_id, state, created_at)
		VALUES ('attendance', ?, 'dirty', ?)
	`, id, toMillis(ev.CreatedAt)); err != nil {
		return 0, mapSQLiteErr(err)
	}

	if err := tx.Commit(); err != nil {
		return 0, mapSQLiteErr(err)
	}
	return id, nil
}

// GetAttendance fetches one event by local id.
func (s *Store) GetAttendance(ctx context.Context, id int64) (*AttendanceEvent, error) {
	var (
		ev       AttendanceEvent
		occurred int64
		created  int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, identity_id, event_type, occurred_at, day, session_id, canonical_id, created_at
		FROM attendance_events WHERE id = ?
	`, id).Scan(&ev.ID, &ev.IdentityID, &ev.EventType, &occurred, &ev.Day, &ev.SessionID, &ev.CanonicalID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	ev.OccurredAt = fromMillis(occurred)
	ev.CreatedAt = fromMillis(created)
	return &ev, nil
}

// AttendanceBySession lists all events captured in one scan sweep.
func (s *Store) AttendanceBySession(ctx context.Context, sessionID string) ([]AttendanceEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, identity_id, event_type, occurred_at, day, session_id, canonical_id, created_at
		FROM attendance_events WHERE session_id = ? ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	defer rows.Close()
	return scanAttendanceRows(rows)
}

// AttendanceForDay lists all events for one local calendar day.
func (s *Store) AttendanceForDay(ctx context.Context, day string) ([]AttendanceEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, identity_id, event_type, occurred_at, day, session_id, canonical_id, created_at
		FROM attendance_events WHERE day = ? ORDER BY id
	`, day)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	defer rows.Close()
	return scanAttendanceRows(rows)
}

// MarkAttendanceSynced records the canonical id after a successful push.
func (s *Store) MarkAttendanceSynced(ctx context.Context, id int64, canonicalID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE attendance_events SET canonical_id = ? WHERE id = ?
	`, canonicalID, id)
	return mapSQLiteErr(err)
}

func scanAttendanceRows(rows *sql.Rows) ([]AttendanceEvent, error) {
	var out []AttendanceEvent
	for rows.Next() {
		var (
			ev       AttendanceEvent
			occurred int64
			created  int64
		)
		if err := rows.Scan(&ev.ID, &ev.IdentityID, &ev.EventType, &occurred, &ev.Day, &ev.SessionID, &ev.CanonicalID, &created); err != nil {
			return nil, fmt.Errorf("scan attendance row: %w", err)
		}
		ev.OccurredAt = fromMillis(occurred)
		ev.CreatedAt = fromMillis(created)
		out = append(out, ev)
	}
	return out, rows.Err()
}
