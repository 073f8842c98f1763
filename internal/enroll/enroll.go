// Package enroll orchestrates adding or refreshing an identity's embeddings:
// codec inference, a dedup guard against enrolling one person under two
// identities, and the commit to the gallery plus its sync ledger entry.
package enroll

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/dkrejci/rollcall/internal/clock"
	"github.com/dkrejci/rollcall/internal/codec"
	"github.com/dkrejci/rollcall/internal/ledger"
	"github.com/dkrejci/rollcall/internal/matcher"
)

// ErrNoUsableImages is returned when every supplied image failed quality or
// the dedup guard. Images that failed individually are reported in the
// summary carried alongside.
var ErrNoUsableImages = errors.New("no usable images")

// ConflictError reports that a candidate vector resolved to a different,
// already-enrolled identity. The image is rejected; nothing is committed
// for it.
type ConflictError struct {
	OtherID  string
	Distance float64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicts with existing identity %s (distance %.4f)", e.OtherID, e.Distance)
}

// ImageResult records the fate of one input image.
type ImageResult struct {
	Index       int
	EmbeddingID int64  // set when accepted
	Err         string // reason when rejected
}

// Summary reports the outcome of one enrollment call.
type Summary struct {
	IdentityID string
	Accepted   []ImageResult
	Rejected   []ImageResult
	Partial    bool // some images accepted, some rejected
}

// Codec is the embedding capability the pipeline depends on.
type Codec interface {
	Embed(ctx context.Context, crop []byte) (*codec.Embedding, error)
}

// Store is the slice of the gallery the pipeline writes.
type Store interface {
	matcher.SnapshotSource
	PutEmbedding(ctx context.Context, identityID string, vec []float32, quality float64, now time.Time) (int64, error)
	InsertLedgerEntry(ctx context.Context, kind ledger.Kind, recordID int64, now time.Time) error
}

// Pipeline enrolls identities.
type Pipeline struct {
	codec   Codec
	store   Store
	matcher *matcher.Matcher
	clock   clock.Clock
}

// New creates an enrollment pipeline.
func New(c Codec, store Store, m *matcher.Matcher, clk clock.Clock) *Pipeline {
	if clk == nil {
		clk = clock.System{}
	}
	return &Pipeline{codec: c, store: store, matcher: m, clock: clk}
}

// Enroll computes embeddings for each image and commits the ones that pass
// quality and the dedup guard. Individual failures never abort the whole
// call; storage failures do.
func (p *Pipeline) Enroll(ctx context.Context, identityID string, images [][]byte) (*Summary, error) {
	if identityID == "" {
		return nil, fmt.Errorf("identity id is required")
	}
	if len(images) == 0 {
		return nil, ErrNoUsableImages
	}

	summary := &Summary{IdentityID: identityID}

	// One snapshot for all dedup checks in this call: every candidate sees
	// the same pre-enrollment gallery.
	snap, err := p.store.ScanActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan gallery for dedup: %w", err)
	}

	for i, img := range images {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		emb, err := p.codec.Embed(ctx, img)
		if err != nil {
			if errors.Is(err, codec.ErrLowQuality) || errors.Is(err, codec.ErrInference) {
				summary.Rejected = append(summary.Rejected, ImageResult{Index: i, Err: err.Error()})
				continue
			}
			return nil, fmt.Errorf("embed image %d: %w", i, err)
		}

		// Dedup guard: does this vector resolve to somebody else?
		decision := p.matcher.MatchSnapshot(snap, emb.Vector, matcher.Exclude(identityID))
		if decision.Outcome == matcher.OutcomeMatched {
			conflict := &ConflictError{OtherID: decision.IdentityID, Distance: decision.BestDistance}
			log.Printf("enroll: image %d for %s rejected: %v", i, identityID, conflict)
			summary.Rejected = append(summary.Rejected, ImageResult{Index: i, Err: conflict.Error()})
			continue
		}

		now := p.clock.Now()
		id, err := p.store.PutEmbedding(ctx, identityID, emb.Vector, emb.Quality, now)
		if err != nil {
			// StorageFull must stop the whole enrollment, not just one image.
			return summary, fmt.Errorf("commit embedding: %w", err)
		}
		if err := p.store.InsertLedgerEntry(ctx, ledger.KindEmbedding, id, now); err != nil {
			return summary, fmt.Errorf("mark embedding dirty: %w", err)
		}
		summary.Accepted = append(summary.Accepted, ImageResult{Index: i, EmbeddingID: id})
	}

	if len(summary.Accepted) == 0 {
		return summary, ErrNoUsableImages
	}
	summary.Partial = len(summary.Rejected) > 0
	return summary, nil
}
