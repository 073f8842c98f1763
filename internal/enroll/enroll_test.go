package enroll

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dkrejci/rollcall/internal/clock"
	"github.com/dkrejci/rollcall/internal/codec"
	"github.com/dkrejci/rollcall/internal/gallery"
	"github.com/dkrejci/rollcall/internal/ledger"
	"github.com/dkrejci/rollcall/internal/matcher"
)

// fakeCodec maps image bytes to canned embeddings or errors.
type fakeCodec struct {
	results map[string]*codec.Embedding
	errs    map[string]error
}

func (f *fakeCodec) Embed(_ context.Context, crop []byte) (*codec.Embedding, error) {
	key := string(crop)
	if err, ok := f.errs[key]; ok {
		return nil, err
	}
	if emb, ok := f.results[key]; ok {
		return emb, nil
	}
	return nil, fmt.Errorf("%w: unexpected image %q", codec.ErrInference, key)
}

func testPipeline(t *testing.T, fc *fakeCodec) (*Pipeline, *gallery.Store) {
	t.Helper()
	store, err := gallery.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	m := matcher.New(store, matcher.Config{MatchThreshold: 0.35, MarginThreshold: 0.05})
	clk := clock.Fixed{T: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	return New(fc, store, m, clk), store
}

func embOf(vec ...float32) *codec.Embedding {
	return &codec.Embedding{Vector: vec, Quality: 0.9, Model: "arcface", Dim: len(vec)}
}

func TestEnrollCommitsAndMarksDirty(t *testing.T) {
	fc := &fakeCodec{results: map[string]*codec.Embedding{
		"img-a": embOf(1, 0, 0),
		"img-b": embOf(0.9, 0.1, 0),
	}}
	p, store := testPipeline(t, fc)
	ctx := context.Background()

	summary, err := p.Enroll(ctx, "s-001", [][]byte{[]byte("img-a"), []byte("img-b")})
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if len(summary.Accepted) != 2 {
		t.Fatalf("expected 2 accepted, got %d", len(summary.Accepted))
	}
	if summary.Partial {
		t.Error("full success should not be Partial")
	}

	n, err := store.CountFor(ctx, "s-001")
	if err != nil || n != 2 {
		t.Errorf("expected 2 stored embeddings, got %d (%v)", n, err)
	}

	entries, err := store.LedgerEntries(ctx, ledger.StateDirty)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("expected 2 dirty ledger entries, got %d", len(entries))
	}
	for _, e := range entries {
		if e.Kind != ledger.KindEmbedding {
			t.Errorf("wrong ledger kind %s", e.Kind)
		}
	}
}

func TestEnrollSkipsLowQuality(t *testing.T) {
	fc := &fakeCodec{
		results: map[string]*codec.Embedding{"img-good": embOf(1, 0, 0)},
		errs:    map[string]error{"img-blurry": fmt.Errorf("%w: det_score 0.2", codec.ErrLowQuality)},
	}
	p, _ := testPipeline(t, fc)

	summary, err := p.Enroll(context.Background(), "s-001", [][]byte{[]byte("img-blurry"), []byte("img-good")})
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if len(summary.Accepted) != 1 || len(summary.Rejected) != 1 {
		t.Fatalf("expected 1 accepted + 1 rejected, got %d + %d", len(summary.Accepted), len(summary.Rejected))
	}
	if !summary.Partial {
		t.Error("mixed outcome should be Partial")
	}
	if summary.Rejected[0].Index != 0 {
		t.Errorf("rejected wrong image index %d", summary.Rejected[0].Index)
	}
}

func TestEnrollAllImagesUnusable(t *testing.T) {
	fc := &fakeCodec{errs: map[string]error{
		"img-1": fmt.Errorf("%w: det_score 0.1", codec.ErrLowQuality),
		"img-2": fmt.Errorf("%w: sidecar down", codec.ErrInference),
	}}
	p, store := testPipeline(t, fc)

	summary, err := p.Enroll(context.Background(), "s-001", [][]byte{[]byte("img-1"), []byte("img-2")})
	if !errors.Is(err, ErrNoUsableImages) {
		t.Fatalf("expected ErrNoUsableImages, got %v", err)
	}
	if len(summary.Rejected) != 2 {
		t.Errorf("expected both images rejected, got %d", len(summary.Rejected))
	}

	n, _ := store.CountFor(context.Background(), "s-001")
	if n != 0 {
		t.Errorf("nothing should be committed, got %d rows", n)
	}
}

func TestEnrollDedupRejectsConflictingImage(t *testing.T) {
	vec := []float32{1, 0, 0}
	fc := &fakeCodec{results: map[string]*codec.Embedding{
		"img-a": embOf(vec...),
		// Same face again, submitted under a different identity.
		"img-dup": embOf(1, 0.001, 0),
	}}
	p, store := testPipeline(t, fc)
	ctx := context.Background()

	if _, err := p.Enroll(ctx, "s-001", [][]byte{[]byte("img-a")}); err != nil {
		t.Fatalf("seed enrollment: %v", err)
	}

	summary, err := p.Enroll(ctx, "s-002", [][]byte{[]byte("img-dup")})
	if !errors.Is(err, ErrNoUsableImages) {
		t.Fatalf("expected ErrNoUsableImages, got %v", err)
	}
	if len(summary.Rejected) != 1 {
		t.Fatalf("expected 1 rejected, got %d", len(summary.Rejected))
	}
	if !strings.Contains(summary.Rejected[0].Err, "s-001") {
		t.Errorf("conflict should name the colliding identity: %q", summary.Rejected[0].Err)
	}

	n, _ := store.CountFor(ctx, "s-002")
	if n != 0 {
		t.Errorf("conflicting image must commit nothing for s-002, got %d", n)
	}
}

func TestEnrollSameIdentityRefreshIsNotAConflict(t *testing.T) {
	fc := &fakeCodec{results: map[string]*codec.Embedding{
		"img-a":       embOf(1, 0, 0),
		"img-refresh": embOf(1, 0.001, 0),
	}}
	p, store := testPipeline(t, fc)
	ctx := context.Background()

	if _, err := p.Enroll(ctx, "s-001", [][]byte{[]byte("img-a")}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	// Re-enrolling the same person under the same identity must pass the
	// guard: the identity's own embeddings are excluded.
	if _, err := p.Enroll(ctx, "s-001", [][]byte{[]byte("img-refresh")}); err != nil {
		t.Fatalf("refresh enrollment failed: %v", err)
	}

	n, _ := store.CountFor(ctx, "s-001")
	if n != 2 {
		t.Errorf("expected 2 embeddings after refresh, got %d", n)
	}
}

func TestEnrollNoImages(t *testing.T) {
	p, _ := testPipeline(t, &fakeCodec{})
	if _, err := p.Enroll(context.Background(), "s-001", nil); !errors.Is(err, ErrNoUsableImages) {
		t.Errorf("expected ErrNoUsableImages for empty input, got %v", err)
	}
}

func TestEnrollEmptyIdentity(t *testing.T) {
	p, _ := testPipeline(t, &fakeCodec{})
	if _, err := p.Enroll(context.Background(), "", [][]byte{[]byte("x")}); err == nil {
		t.Error("expected error for empty identity id")
	}
}
