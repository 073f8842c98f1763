package gallery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Identity is the read-only local copy of a directory entry. The authority is
// the source of truth for identity data; the core only updates these rows via
// pull merges and local pre-sync placeholders.
type Identity struct {
	ID          string
	DisplayName string
	Category    string
	Active      bool
	LocalOnly   bool
	UpdatedAt   time.Time
}

// Identity categories.
const (
	CategoryStudent   = "student"
	CategoryVolunteer = "volunteer"
)

// UpsertIdentity writes a directory row. Pull merges call this with
// localOnly=false; newly created identities awaiting sync use localOnly=true.
func (s *Store) UpsertIdentity(ctx context.Context, ident Identity) error {
	if ident.ID == "" {
		return fmt.Errorf("identity id is required")
	}
	if ident.Category != CategoryStudent && ident.Category != CategoryVolunteer {
		return fmt.Errorf("unknown identity category %q", ident.Category)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identities (id, display_name, category, active, local_only, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			display_name = excluded.display_name,
			category     = excluded.category,
			active       = excluded.active,
			local_only   = excluded.local_only,
			updated_at   = excluded.updated_at
	`, ident.ID, ident.DisplayName, ident.Category, boolInt(ident.Active), boolInt(ident.LocalOnly), toMillis(ident.UpdatedAt))
	return mapSQLiteErr(err)
}

// CreateLocalIdentity inserts a pre-sync identity placeholder under a
// temporary local id and queues its Dirty profile ledger entry in the same
// transaction. The authority assigns the canonical id during push.
func (s *Store) CreateLocalIdentity(ctx context.Context, displayName, category string, now time.Time) (string, error) {
	if displayName == "" {
		return "", fmt.Errorf("display name is required")
	}
	if category != CategoryStudent && category != CategoryVolunteer {
		return "", fmt.Errorf("unknown identity category %q", category)
	}

	localID := "local-" + uuid.NewString()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin create identity: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	res, err := tx.ExecContext(ctx, `
		INSERT INTO identities (id, display_name, category, active, local_only, updated_at)
		VALUES (?, ?, ?, 1, 1, ?)
	`, localID, displayName, category, toMillis(now))
	if err != nil {
		return "", mapSQLiteErr(err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return "", fmt.Errorf("identity row id: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sync_ledger (kind, record_id, state, created_at)
		VALUES ('profile', ?, 'dirty', ?)
	`, rowID, toMillis(now)); err != nil {
		return "", mapSQLiteErr(err)
	}

	if err := tx.Commit(); err != nil {
		return "", mapSQLiteErr(err)
	}
	return localID, nil
}

// IdentityByRowID resolves a profile ledger entry's record id back to the
// identity row it wraps.
func (s *Store) IdentityByRowID(ctx context.Context, rowID int64) (*Identity, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM identities WHERE rowid = ?`, rowID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	return s.GetIdentity(ctx, id)
}

// GetIdentity fetches one directory row.
func (s *Store) GetIdentity(ctx context.Context, id string) (*Identity, error) {
	var (
		ident   Identity
		active  int
		local   int
		updated int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, category, active, local_only, updated_at
		FROM identities WHERE id = ?
	`, id).Scan(&ident.ID, &ident.DisplayName, &ident.Category, &active, &local, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	ident.Active = active != 0
	ident.LocalOnly = local != 0
	ident.UpdatedAt = fromMillis(updated)
	return &ident, nil
}

// ListIdentities returns all directory rows ordered by display name.
func (s *Store) ListIdentities(ctx context.Context) ([]Identity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, display_name, category, active, local_only, updated_at
		FROM identities ORDER BY display_name, id
	`)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	defer rows.Close()

	var out []Identity
	for rows.Next() {
		var (
			ident   Identity
			active  int
			local   int
			updated int64
		)
		if err := rows.Scan(&ident.ID, &ident.DisplayName, &ident.Category, &active, &local, &updated); err != nil {
			return nil, fmt.Errorf("scan identity row: %w", err)
		}
		ident.Active = active != 0
		ident.LocalOnly = local != 0
		ident.UpdatedAt = fromMillis(updated)
		out = append(out, ident)
	}
	return out, rows.Err()
}

// DeactivateIdentity flags a directory row inactive (pull merge).
func (s *Store) DeactivateIdentity(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE identities SET active = 0 WHERE id = ?`, id)
	return mapSQLiteErr(err)
}

// DeleteIdentity removes a directory row and purges its embeddings. Called
// only when the authority cascades a deletion.
func (s *Store) DeleteIdentity(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete identity: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM face_embeddings WHERE identity_id = ?`, id); err != nil {
		return mapSQLiteErr(err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM identities WHERE id = ?`, id); err != nil {
		return mapSQLiteErr(err)
	}
	return tx.Commit()
}

// RemapIdentity rewrites a temporary local identity id to the canonical id
// assigned by the authority, across every table that references it.
func (s *Store) RemapIdentity(ctx context.Context, localID, canonicalID string) error {
	if localID == canonicalID {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin remap: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `
		UPDATE identities SET id = ?, local_only = 0 WHERE id = ?
	`, canonicalID, localID); err != nil {
		return mapSQLiteErr(err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE face_embeddings SET identity_id = ? WHERE identity_id = ?
	`, canonicalID, localID); err != nil {
		return mapSQLiteErr(err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE attendance_events SET identity_id = ? WHERE identity_id = ?
	`, canonicalID, localID); err != nil {
		return mapSQLiteErr(err)
	}
	return tx.Commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
