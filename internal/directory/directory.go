// Package directory provides name search and roster views over the local
// identity gallery.
package directory

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/dkrejci/rollcall/internal/gallery"
)

// Store is the gallery surface the directory reads from.
type Store interface {
	ListIdentities(ctx context.Context) ([]gallery.Identity, error)
	AttendanceForDay(ctx context.Context, day string) ([]gallery.AttendanceEvent, error)
}

var (
	foldCaser = cases.Fold()
	deaccent  = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
)

// Normalize maps a display name to its search form: accents stripped, case
// folded, whitespace collapsed. "José  ÁLVAREZ" and "jose alvarez" normalize
// to the same string.
func Normalize(name string) string {
	stripped, _, err := transform.String(deaccent, name)
	if err != nil {
		stripped = name
	}
	folded := foldCaser.String(stripped)
	return strings.Join(strings.Fields(folded), " ")
}

// Service answers directory queries.
type Service struct {
	store Store
}

func New(store Store) *Service {
	return &Service{store: store}
}

// Search returns identities whose normalized display name contains the
// normalized query, active identities first, then by display name.
func (s *Service) Search(ctx context.Context, query string) ([]gallery.Identity, error) {
	identities, err := s.store.ListIdentities(ctx)
	if err != nil {
		return nil, err
	}

	q := Normalize(query)
	var out []gallery.Identity
	for _, ident := range identities {
		if q == "" || strings.Contains(Normalize(ident.DisplayName), q) {
			out = append(out, ident)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Active != out[j].Active {
			return out[i].Active
		}
		return out[i].DisplayName < out[j].DisplayName
	})
	return out, nil
}

// RosterEntry is one identity's attendance status for a day.
type RosterEntry struct {
	Identity  gallery.Identity
	Present   bool
	EventID   int64
	EventType string
}

// Roster lists all active identities with their presence status for a local
// calendar day.
func (s *Service) Roster(ctx context.Context, day string) ([]RosterEntry, error) {
	identities, err := s.store.ListIdentities(ctx)
	if err != nil {
		return nil, err
	}
	events, err := s.store.AttendanceForDay(ctx, day)
	if err != nil {
		return nil, err
	}

	byIdentity := make(map[string]gallery.AttendanceEvent, len(events))
	for _, ev := range events {
		if ev.EventType == gallery.EventPresent || ev.EventType == gallery.EventOverride {
			byIdentity[ev.IdentityID] = ev
		}
	}

	var out []RosterEntry
	for _, ident := range identities {
		if !ident.Active {
			continue
		}
		entry := RosterEntry{Identity: ident}
		if ev, ok := byIdentity[ident.ID]; ok {
			entry.Present = true
			entry.EventID = ev.ID
			entry.EventType = ev.EventType
		}
		out = append(out, entry)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Identity.DisplayName < out[j].Identity.DisplayName
	})
	return out, nil
}
