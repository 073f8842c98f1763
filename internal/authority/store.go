package authority

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/dkrejci/rollcall/internal/remote"
)

// Rejection reasons returned in per-item push results.
const (
	ReasonUnknownIdentity  = "unknown_identity"
	ReasonEmbeddingCap     = "embedding_cap_exceeded"
	ReasonInvalidPayload   = "invalid_payload"
	ReasonUnknownItemKind  = "unknown_item_kind"
	ReasonDimensionInvalid = "embedding_dimension_invalid"
)

// Store executes push items and serves the change feed.
type Store struct {
	pool *Pool
	// MaxEmbeddingsPerIdentity caps active embeddings per identity.
	maxEmbeddings int
	// Dim is the expected embedding dimensionality.
	dim int
}

func NewStore(pool *Pool, maxEmbeddings, dim int) *Store {
	if maxEmbeddings <= 0 {
		maxEmbeddings = 10
	}
	if dim <= 0 {
		dim = 512
	}
	return &Store{pool: pool, maxEmbeddings: maxEmbeddings, dim: dim}
}

// ApplyProfile registers a device-created identity under a fresh canonical
// id. Re-pushing the same (device, local id) pair returns the id minted the
// first time.
func (s *Store) ApplyProfile(ctx context.Context, deviceID string, p remote.ProfilePayload) (string, error) {
	if p.DisplayName == "" || p.LocalID == "" {
		return "", errors.New(ReasonInvalidPayload)
	}
	if p.Category != "student" && p.Category != "volunteer" {
		return "", errors.New(ReasonInvalidPayload)
	}

	canonical := "idn-" + uuid.NewString()
	var id string
	err := s.pool.db.QueryRowContext(ctx, `
		INSERT INTO identities (id, display_name, category, source_device, source_local_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (source_device, source_local_id) WHERE source_local_id <> ''
		DO UPDATE SET updated_at = NOW()
		RETURNING id
	`, canonical, p.DisplayName, p.Category, deviceID, p.LocalID).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert identity: %w", err)
	}

	if id == canonical {
		if err := s.logChange(ctx, remote.ChangeIdentityUpserted, id, p.DisplayName, p.Category, true, ""); err != nil {
			return "", err
		}
	}
	return id, nil
}

// ApplyEmbedding stores a pushed embedding, enforcing the per-identity cap.
// The returned reason is non-empty when the item is rejected.
func (s *Store) ApplyEmbedding(ctx context.Context, deviceID string, p remote.EmbeddingPayload) (string, string, error) {
	if p.IdentityID == "" || len(p.Vector) == 0 {
		return "", ReasonInvalidPayload, nil
	}
	if len(p.Vector) != s.dim {
		return "", ReasonDimensionInvalid, nil
	}

	var exists bool
	err := s.pool.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM identities WHERE id = $1)
	`, p.IdentityID).Scan(&exists)
	if err != nil {
		return "", "", fmt.Errorf("check identity: %w", err)
	}
	if !exists {
		return "", ReasonUnknownIdentity, nil
	}

	var count int
	err = s.pool.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM face_embeddings WHERE identity_id = $1 AND NOT retired
	`, p.IdentityID).Scan(&count)
	if err != nil {
		return "", "", fmt.Errorf("count embeddings: %w", err)
	}
	if count >= s.maxEmbeddings {
		return "", ReasonEmbeddingCap, nil
	}

	canonical := "emb-" + uuid.NewString()
	createdAt := time.Now()
	if t, err := time.Parse(time.RFC3339, p.CreatedAt); err == nil {
		createdAt = t
	}
	_, err = s.pool.db.ExecContext(ctx, `
		INSERT INTO face_embeddings (id, identity_id, embedding, quality, device_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, canonical, p.IdentityID, pgvector.NewVector(p.Vector), p.Quality, deviceID, createdAt)
	if err != nil {
		return "", "", fmt.Errorf("insert embedding: %w", err)
	}
	return canonical, "", nil
}

// ApplyAttendance stores a pushed presence event. A second event for the
// same identity and day returns the first event's id, so device re-pushes
// and multi-device overlap both collapse.
func (s *Store) ApplyAttendance(ctx context.Context, deviceID string, p remote.AttendancePayload) (string, string, error) {
	if p.IdentityID == "" || p.Day == "" {
		return "", ReasonInvalidPayload, nil
	}

	var exists bool
	err := s.pool.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM identities WHERE id = $1)
	`, p.IdentityID).Scan(&exists)
	if err != nil {
		return "", "", fmt.Errorf("check identity: %w", err)
	}
	if !exists {
		return "", ReasonUnknownIdentity, nil
	}

	occurredAt := time.Now()
	if t, err := time.Parse(time.RFC3339, p.OccurredAt); err == nil {
		occurredAt = t
	}
	eventType := p.EventType
	if eventType != "present" && eventType != "override" {
		eventType = "present"
	}

	canonical := "att-" + uuid.NewString()
	var id string
	err = s.pool.db.QueryRowContext(ctx, `
		INSERT INTO attendance_events (id, identity_id, event_type, occurred_at, day, session_id, device_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (identity_id, day) DO NOTHING
		RETURNING id
	`, canonical, p.IdentityID, eventType, occurredAt, p.Day, p.SessionID, deviceID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		// Day already covered. Hand back the winning event's id.
		err = s.pool.db.QueryRowContext(ctx, `
			SELECT id FROM attendance_events WHERE identity_id = $1 AND day = $2
		`, p.IdentityID, p.Day).Scan(&id)
	}
	if err != nil {
		return "", "", fmt.Errorf("insert attendance: %w", err)
	}
	return id, "", nil
}

// DeactivateIdentity flags an identity inactive and records the change for
// pulling devices.
func (s *Store) DeactivateIdentity(ctx context.Context, id string) error {
	res, err := s.pool.db.ExecContext(ctx, `
		UPDATE identities SET active = FALSE, updated_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("deactivate identity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return s.logChange(ctx, remote.ChangeIdentityDeactivated, id, "", "", false, "")
}

// RetireEmbedding soft-deletes one embedding and records the change.
func (s *Store) RetireEmbedding(ctx context.Context, id string) error {
	res, err := s.pool.db.ExecContext(ctx, `
		UPDATE face_embeddings SET retired = TRUE WHERE id = $1 AND NOT retired
	`, id)
	if err != nil {
		return fmt.Errorf("retire embedding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return s.logChange(ctx, remote.ChangeEmbeddingRetired, "", "", "", false, id)
}

// Changes returns deltas after the cursor, oldest first, and the cursor to
// resume from.
func (s *Store) Changes(ctx context.Context, cursor string, limit int) ([]remote.Change, string, error) {
	since := int64(0)
	if cursor != "" {
		n, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor %q", cursor)
		}
		since = n
	}
	if limit <= 0 || limit > 1000 {
		limit = 200
	}

	rows, err := s.pool.db.QueryContext(ctx, `
		SELECT seq, kind, identity_id, display_name, category, active, canonical_id
		FROM change_log WHERE seq > $1 ORDER BY seq LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, "", fmt.Errorf("query change log: %w", err)
	}
	defer rows.Close()

	var (
		changes []remote.Change
		lastSeq = since
	)
	for rows.Next() {
		var (
			seq int64
			ch  remote.Change
		)
		if err := rows.Scan(&seq, &ch.Kind, &ch.IdentityID, &ch.DisplayName, &ch.Category, &ch.Active, &ch.CanonicalID); err != nil {
			return nil, "", fmt.Errorf("scan change row: %w", err)
		}
		changes = append(changes, ch)
		lastSeq = seq
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := cursor
	if lastSeq > since {
		next = strconv.FormatInt(lastSeq, 10)
	}
	return changes, next, nil
}

func (s *Store) logChange(ctx context.Context, kind, identityID, displayName, category string, active bool, canonicalID string) error {
	_, err := s.pool.db.ExecContext(ctx, `
		INSERT INTO change_log (kind, identity_id, display_name, category, active, canonical_id)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, kind, identityID, displayName, category, active, canonicalID)
	if err != nil {
		return fmt.Errorf("append change log: %w", err)
	}
	return nil
}
