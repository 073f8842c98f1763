// Package matcher turns a query embedding into a ranked identity decision.
//
// The scan is exact and linear over the active gallery. At device scale
// (thousands of embeddings, not millions) this is fast enough, and it avoids
// the approximate-search false negatives an ANN index would introduce — a
// missed present-mark costs more than a slow scan.
package matcher

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/dkrejci/rollcall/internal/gallery"
)

// Outcome is the decision for one matcher invocation.
type Outcome string

const (
	OutcomeMatched   Outcome = "matched"
	OutcomeNoMatch   Outcome = "no_match"
	OutcomeAmbiguous Outcome = "ambiguous"
)

// Decision is the result of matching one query vector against the gallery.
// Ephemeral: consumed by the attendance recorder and discarded.
type Decision struct {
	IdentityID     string  // best candidate, empty for NoMatch
	BestDistance   float64 // d1
	SecondDistance float64 // d2, best distinct-identity runner-up; +Inf if none
	Outcome        Outcome
	Query          []float32
}

// Config holds the two decision thresholds, both cosine distances.
type Config struct {
	// MatchThreshold (T_match): above this, the best candidate is rejected.
	MatchThreshold float64
	// MarginThreshold (T_margin): if d2-d1 is below this, two identities are
	// too close to call and the decision is Ambiguous.
	MarginThreshold float64
}

// SnapshotSource provides a consistent gallery view; satisfied by
// *gallery.Store.
type SnapshotSource interface {
	ScanActive(ctx context.Context) (*gallery.Snapshot, error)
}

// Matcher scores query vectors against the enrolled gallery.
type Matcher struct {
	source SnapshotSource
	cfg    Config
}

// New creates a matcher over the given snapshot source.
func New(source SnapshotSource, cfg Config) *Matcher {
	return &Matcher{source: source, cfg: cfg}
}

// Option adjusts one Match call.
type Option func(*matchOptions)

type matchOptions struct {
	excludeIdentity string
}

// Exclude skips one identity's embeddings during scoring. Enrollment uses it
// to check whether a candidate vector collides with a *different* identity.
func Exclude(identityID string) Option {
	return func(o *matchOptions) { o.excludeIdentity = identityID }
}

// Match scores the query against a fresh gallery snapshot.
func (m *Matcher) Match(ctx context.Context, query []float32, opts ...Option) (Decision, error) {
	snap, err := m.source.ScanActive(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("scan gallery: %w", err)
	}
	return m.MatchSnapshot(snap, query, opts...), nil
}

// MatchSnapshot scores the query against an existing snapshot. Batch callers
// reuse one snapshot across a whole capture session so every face in the
// sweep sees the same gallery.
func (m *Matcher) MatchSnapshot(snap *gallery.Snapshot, query []float32, opts ...Option) Decision {
	var options matchOptions
	for _, opt := range opts {
		opt(&options)
	}

	// Identity score is the minimum distance over its embeddings:
	// best-angle-wins.
	scores := make(map[string]float64)
	for _, entry := range snap.Entries {
		if entry.IdentityID == options.excludeIdentity {
			continue
		}
		d := CosineDistance(query, entry.Vector)
		if best, ok := scores[entry.IdentityID]; !ok || d < best {
			scores[entry.IdentityID] = d
		}
	}

	decision := Decision{Query: query, SecondDistance: math.Inf(1)}
	if len(scores) == 0 {
		decision.Outcome = OutcomeNoMatch
		decision.BestDistance = math.Inf(1)
		return decision
	}

	ranked := make([]string, 0, len(scores))
	for id := range scores {
		ranked = append(ranked, id)
	}
	// Equal scores break to the lowest identity id so results are
	// reproducible.
	sort.Slice(ranked, func(i, j int) bool {
		if scores[ranked[i]] != scores[ranked[j]] {
			return scores[ranked[i]] < scores[ranked[j]]
		}
		return ranked[i] < ranked[j]
	})

	decision.BestDistance = scores[ranked[0]]
	if len(ranked) > 1 {
		decision.SecondDistance = scores[ranked[1]]
	}

	switch {
	case decision.BestDistance > m.cfg.MatchThreshold:
		decision.Outcome = OutcomeNoMatch
	case decision.SecondDistance-decision.BestDistance < m.cfg.MarginThreshold:
		// Two identities too close to call. Never auto-record these.
		decision.Outcome = OutcomeAmbiguous
		decision.IdentityID = ranked[0]
	default:
		decision.Outcome = OutcomeMatched
		decision.IdentityID = ranked[0]
	}
	return decision
}
