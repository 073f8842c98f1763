// Package audit builds an approximate-neighbor index over the active gallery
// and reports enrollment hygiene problems: embeddings suspiciously close to a
// different identity, and embeddings far from everything under their own.
// Findings are advisory. The match path never consults this index.
package audit

import (
	"context"
	"sort"

	"github.com/coder/hnsw"

	"github.com/dkrejci/rollcall/internal/gallery"
	"github.com/dkrejci/rollcall/internal/matcher"
)

// Config tunes the report thresholds.
type Config struct {
	// DuplicateThreshold is the cosine distance under which two embeddings
	// of different identities count as a cross-identity duplicate.
	DuplicateThreshold float64
	// OutlierThreshold is the cosine distance above which an embedding's
	// nearest same-identity neighbor is too far, flagging the embedding.
	OutlierThreshold float64
	// Neighbors is how many approximate neighbors to inspect per embedding.
	Neighbors int
}

// Duplicate flags two embeddings of different identities that sit closer than
// DuplicateThreshold. Usually one of them was enrolled under the wrong name.
type Duplicate struct {
	EmbeddingID      int64   `json:"embedding_id"`
	IdentityID       string  `json:"identity_id"`
	OtherEmbeddingID int64   `json:"other_embedding_id"`
	OtherIdentityID  string  `json:"other_identity_id"`
	Distance         float64 `json:"distance"`
}

// Outlier flags an embedding whose nearest same-identity neighbor is farther
// than OutlierThreshold. Likely a bad crop or a stranger's face.
type Outlier struct {
	EmbeddingID     int64   `json:"embedding_id"`
	IdentityID      string  `json:"identity_id"`
	NearestDistance float64 `json:"nearest_distance"` // distance to the closest same-identity embedding
}

// Report is the result of one audit pass.
type Report struct {
	Scanned    int         `json:"scanned"`
	Duplicates []Duplicate `json:"duplicates"`
	Outliers   []Outlier   `json:"outliers"`
}

// Source supplies the gallery snapshot to audit.
type Source interface {
	ScanActive(ctx context.Context) (*gallery.Snapshot, error)
}

// Run audits the active gallery and returns its findings.
func Run(ctx context.Context, src Source, cfg Config) (*Report, error) {
	if cfg.Neighbors <= 0 {
		cfg.Neighbors = 8
	}

	snap, err := src.ScanActive(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{Scanned: len(snap.Entries)}
	if len(snap.Entries) == 0 {
		return report, nil
	}

	graph := hnsw.NewGraph[int64]()
	graph.Distance = hnsw.CosineDistance

	byID := make(map[int64]gallery.SnapshotEntry, len(snap.Entries))
	for _, entry := range snap.Entries {
		graph.Add(hnsw.MakeNode(entry.EmbeddingID, entry.Vector))
		byID[entry.EmbeddingID] = entry
	}

	seen := make(map[[2]int64]bool)
	for _, entry := range snap.Entries {
		// +1 because the entry finds itself as its own nearest neighbor.
		neighbors := graph.Search(entry.Vector, cfg.Neighbors+1)

		nearestOwn := -1.0
		ownCount := 0
		for _, n := range neighbors {
			if n.Key == entry.EmbeddingID {
				continue
			}
			other, ok := byID[n.Key]
			if !ok {
				continue
			}
			// The graph's internal distances are approximate. Score
			// candidates exactly before flagging anything.
			dist := matcher.CosineDistance(entry.Vector, other.Vector)

			if other.IdentityID == entry.IdentityID {
				ownCount++
				if nearestOwn < 0 || dist < nearestOwn {
					nearestOwn = dist
				}
				continue
			}
			if dist < cfg.DuplicateThreshold {
				pair := [2]int64{min(entry.EmbeddingID, n.Key), max(entry.EmbeddingID, n.Key)}
				if seen[pair] {
					continue
				}
				seen[pair] = true
				report.Duplicates = append(report.Duplicates, Duplicate{
					EmbeddingID:      entry.EmbeddingID,
					IdentityID:       entry.IdentityID,
					OtherEmbeddingID: n.Key,
					OtherIdentityID:  other.IdentityID,
					Distance:         dist,
				})
			}
		}

		// Single-sample identities have no same-identity neighbor, which is
		// normal right after enrollment, not an outlier.
		if ownCount > 0 && nearestOwn > cfg.OutlierThreshold {
			report.Outliers = append(report.Outliers, Outlier{
				EmbeddingID:     entry.EmbeddingID,
				IdentityID:      entry.IdentityID,
				NearestDistance: nearestOwn,
			})
		}
	}

	sort.Slice(report.Duplicates, func(i, j int) bool {
		return report.Duplicates[i].Distance < report.Duplicates[j].Distance
	})
	sort.Slice(report.Outliers, func(i, j int) bool {
		return report.Outliers[i].NearestDistance > report.Outliers[j].NearestDistance
	})
	return report, nil
}
