//go:build integration

package authority

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dkrejci/rollcall/internal/remote"
)

func setupTestContainer(t *testing.T) (*Pool, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("Docker not available or container failed to start, skipping integration test: %v", err)
		return nil, func() {}
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	dbURL := fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())

	pool, err := NewPool(dbURL, 5, 2)
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("Failed to create pool: %v", err)
	}
	if err := pool.Migrate(ctx); err != nil {
		pool.Close()
		container.Terminate(ctx)
		t.Fatalf("Failed to run migrations: %v", err)
	}

	return pool, func() {
		pool.Close()
		container.Terminate(ctx)
	}
}

func TestAuthorityStore(t *testing.T) {
	pool, cleanup := setupTestContainer(t)
	if pool == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()
	store := NewStore(pool, 2, 4)

	var canonical string

	t.Run("ProfilePushIsIdempotent", func(t *testing.T) {
		first, err := store.ApplyProfile(ctx, "tablet-1", remote.ProfilePayload{
			LocalID: "local-abc", DisplayName: "Mira Haddad", Category: "student",
		})
		if err != nil {
			t.Fatalf("apply profile: %v", err)
		}
		second, err := store.ApplyProfile(ctx, "tablet-1", remote.ProfilePayload{
			LocalID: "local-abc", DisplayName: "Mira Haddad", Category: "student",
		})
		if err != nil {
			t.Fatalf("re-apply profile: %v", err)
		}
		if first != second {
			t.Errorf("re-push minted a second canonical id: %s vs %s", first, second)
		}
		canonical = first
	})

	t.Run("EmbeddingCapEnforced", func(t *testing.T) {
		vec := []float32{0.1, 0.2, 0.3, 0.4}
		for i := range 2 {
			id, reason, err := store.ApplyEmbedding(ctx, "tablet-1", remote.EmbeddingPayload{
				IdentityID: canonical, Vector: vec, Quality: 0.9,
			})
			if err != nil {
				t.Fatalf("apply embedding %d: %v", i, err)
			}
			if reason != "" || id == "" {
				t.Fatalf("embedding %d unexpectedly rejected: %s", i, reason)
			}
		}
		_, reason, err := store.ApplyEmbedding(ctx, "tablet-1", remote.EmbeddingPayload{
			IdentityID: canonical, Vector: vec, Quality: 0.9,
		})
		if err != nil {
			t.Fatalf("apply embedding over cap: %v", err)
		}
		if reason != ReasonEmbeddingCap {
			t.Errorf("expected cap rejection, got %q", reason)
		}
	})

	t.Run("EmbeddingUnknownIdentityRejected", func(t *testing.T) {
		_, reason, err := store.ApplyEmbedding(ctx, "tablet-1", remote.EmbeddingPayload{
			IdentityID: "idn-missing", Vector: []float32{1, 2, 3, 4}, Quality: 0.9,
		})
		if err != nil {
			t.Fatalf("apply embedding: %v", err)
		}
		if reason != ReasonUnknownIdentity {
			t.Errorf("expected unknown identity rejection, got %q", reason)
		}
	})

	t.Run("AttendanceCollapsesPerDay", func(t *testing.T) {
		first, reason, err := store.ApplyAttendance(ctx, "tablet-1", remote.AttendancePayload{
			IdentityID: canonical, EventType: "present", Day: "2026-03-10",
			OccurredAt: "2026-03-10T09:00:00Z", SessionID: "morning",
		})
		if err != nil || reason != "" {
			t.Fatalf("apply attendance: %v %s", err, reason)
		}
		second, reason, err := store.ApplyAttendance(ctx, "tablet-2", remote.AttendancePayload{
			IdentityID: canonical, EventType: "present", Day: "2026-03-10",
			OccurredAt: "2026-03-10T10:30:00Z", SessionID: "late",
		})
		if err != nil || reason != "" {
			t.Fatalf("apply second attendance: %v %s", err, reason)
		}
		if first != second {
			t.Errorf("same day from two devices produced two events: %s vs %s", first, second)
		}
	})

	t.Run("ChangeFeedIsMonotonic", func(t *testing.T) {
		changes, cursor, err := store.Changes(ctx, "", 100)
		if err != nil {
			t.Fatalf("pull changes: %v", err)
		}
		if len(changes) == 0 {
			t.Fatal("expected at least the profile upsert in the feed")
		}
		if changes[0].Kind != remote.ChangeIdentityUpserted || changes[0].IdentityID != canonical {
			t.Errorf("unexpected first change %+v", changes[0])
		}

		if err := store.DeactivateIdentity(ctx, canonical); err != nil {
			t.Fatalf("deactivate: %v", err)
		}
		more, next, err := store.Changes(ctx, cursor, 100)
		if err != nil {
			t.Fatalf("pull after cursor: %v", err)
		}
		if len(more) != 1 || more[0].Kind != remote.ChangeIdentityDeactivated {
			t.Errorf("expected only the deactivation after cursor, got %+v", more)
		}
		if next == cursor {
			t.Error("cursor did not advance")
		}

		// Replaying the same cursor returns the same page.
		replay, _, err := store.Changes(ctx, cursor, 100)
		if err != nil {
			t.Fatalf("replay pull: %v", err)
		}
		if len(replay) != len(more) {
			t.Errorf("replay returned %d changes, want %d", len(replay), len(more))
		}
	})
}
