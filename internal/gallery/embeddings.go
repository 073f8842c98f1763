package gallery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"
)

// FaceEmbedding is one enrolled vector. Rows are append-only: superseding an
// embedding creates a new row and retires the old one, preserving the
// biometric audit trail.
type FaceEmbedding struct {
	ID          int64
	IdentityID  string
	Vector      []float32
	Quality     float64
	Retired     bool
	LocalOnly   bool
	CanonicalID string
	CreatedAt   time.Time
}

// SnapshotEntry is one active embedding as seen by the matcher.
type SnapshotEntry struct {
	EmbeddingID int64
	IdentityID  string
	Vector      []float32
}

// Snapshot is a point-in-time view of all active embeddings. It is fully
// materialized, so iteration is restartable and unaffected by writes that
// land after the snapshot was taken.
type Snapshot struct {
	Entries []SnapshotEntry
	TakenAt time.Time
}

// PutEmbedding appends a new embedding row. It never overwrites.
func (s *Store) PutEmbedding(ctx context.Context, identityID string, vec []float32, quality float64, now time.Time) (int64, error) {
	if identityID == "" {
		return 0, fmt.Errorf("identity id is required")
	}
	if len(vec) == 0 {
		return 0, fmt.Errorf("vector is required")
	}

	blob, checksum := encodeVector(vec)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO face_embeddings (identity_id, vector, checksum, dim, quality, retired, local_only, created_at)
		VALUES (?, ?, ?, ?, ?, 0, 1, ?)
	`, identityID, blob, checksum, len(vec), quality, toMillis(now))
	if err != nil {
		return 0, mapSQLiteErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read inserted embedding id: %w", err)
	}
	return id, nil
}

// RetireEmbedding soft-deletes a row: it disappears from future scans but is
// retained for audit.
func (s *Store) RetireEmbedding(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE face_embeddings SET retired = 1 WHERE id = ?`, id)
	if err != nil {
		return mapSQLiteErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("retire embedding %d: %w", id, ErrNotFound)
	}
	return nil
}

// ScanActive materializes a consistent snapshot of all non-retired
// embeddings inside a single read transaction. Rows failing their checksum
// are skipped and logged.
func (s *Store) ScanActive(ctx context.Context) (*Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin scan: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // read-only

	rows, err := tx.QueryContext(ctx, `
		SELECT id, identity_id, vector, checksum, dim
		FROM face_embeddings
		WHERE retired = 0
		ORDER BY identity_id, id
	`)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	defer rows.Close()

	snap := &Snapshot{TakenAt: time.Now().UTC()}
	for rows.Next() {
		var (
			id       int64
			identity string
			blob     []byte
			checksum uint32
			dim      int
		)
		if err := rows.Scan(&id, &identity, &blob, &checksum, &dim); err != nil {
			return nil, fmt.Errorf("scan embedding row: %w", err)
		}
		vec, err := decodeVector(blob, checksum, dim)
		if err != nil {
			if errors.Is(err, ErrCorrupt) {
				log.Printf("gallery: skipping corrupt embedding %d (identity %s): %v", id, identity, err)
				continue
			}
			return nil, err
		}
		snap.Entries = append(snap.Entries, SnapshotEntry{EmbeddingID: id, IdentityID: identity, Vector: vec})
	}
	if err := rows.Err(); err != nil {
		return nil, mapSQLiteErr(err)
	}
	return snap, nil
}

// CountFor returns the number of active embeddings for an identity.
func (s *Store) CountFor(ctx context.Context, identityID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM face_embeddings WHERE identity_id = ? AND retired = 0
	`, identityID).Scan(&n)
	if err != nil {
		return 0, mapSQLiteErr(err)
	}
	return n, nil
}

// GetEmbedding fetches a single row by id, verifying its checksum.
func (s *Store) GetEmbedding(ctx context.Context, id int64) (*FaceEmbedding, error) {
	var (
		emb      FaceEmbedding
		blob     []byte
		checksum uint32
		dim      int
		retired  int
		local    int
		created  int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, identity_id, vector, checksum, dim, quality, retired, local_only, canonical_id, created_at
		FROM face_embeddings WHERE id = ?
	`, id).Scan(&emb.ID, &emb.IdentityID, &blob, &checksum, &dim, &emb.Quality, &retired, &local, &emb.CanonicalID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	emb.Vector, err = decodeVector(blob, checksum, dim)
	if err != nil {
		return nil, err
	}
	emb.Retired = retired != 0
	emb.LocalOnly = local != 0
	emb.CreatedAt = fromMillis(created)
	return &emb, nil
}

// MarkEmbeddingSynced records the authority's canonical id and clears the
// local-only flag after a successful push.
func (s *Store) MarkEmbeddingSynced(ctx context.Context, id int64, canonicalID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE face_embeddings SET local_only = 0, canonical_id = ? WHERE id = ?
	`, canonicalID, id)
	return mapSQLiteErr(err)
}

// RetireByCanonicalID applies a remote-authoritative retirement. The
// authority wins over any local Dirty state for the same row, so the matching
// ledger entry is dropped in the same transaction.
func (s *Store) RetireByCanonicalID(ctx context.Context, canonicalID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin retire: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var id int64
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM face_embeddings WHERE canonical_id = ? AND retired = 0
	`, canonicalID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil // nothing local to retire
	}
	if err != nil {
		return mapSQLiteErr(err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE face_embeddings SET retired = 1 WHERE id = ?`, id); err != nil {
		return mapSQLiteErr(err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM sync_ledger WHERE kind = 'embedding' AND record_id = ?
	`, id); err != nil {
		return mapSQLiteErr(err)
	}
	return tx.Commit()
}

// PurgeIdentityEmbeddings hard-deletes all rows for an identity. Only used
// when the authority cascades an identity deletion.
func (s *Store) PurgeIdentityEmbeddings(ctx context.Context, identityID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM face_embeddings WHERE identity_id = ?`, identityID)
	return mapSQLiteErr(err)
}
