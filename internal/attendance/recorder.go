// Package attendance converts matcher decisions from a capture session into
// durable local presence events.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkrejci/rollcall/internal/clock"
	"github.com/dkrejci/rollcall/internal/gallery"
	"github.com/dkrejci/rollcall/internal/matcher"
)

// Store is the slice of the gallery the recorder writes.
type Store interface {
	InsertAttendance(ctx context.Context, ev gallery.AttendanceEvent) (int64, error)
}

// Recorder persists attendance events.
type Recorder struct {
	store Store
	clock clock.Clock
	loc   *time.Location // location used for local calendar-day boundaries
}

// New creates a recorder. loc defaults to time.Local.
func New(store Store, clk clock.Clock, loc *time.Location) *Recorder {
	if clk == nil {
		clk = clock.System{}
	}
	if loc == nil {
		loc = time.Local
	}
	return &Recorder{store: store, clock: clk, loc: loc}
}

// Result is the per-decision outcome of one Record call.
type Result struct {
	IdentityID string
	EventID    int64
	Status     Status
	Distance   float64
}

// Status classifies what happened to one decision.
type Status string

const (
	StatusRecorded       Status = "recorded"
	StatusAlreadyPresent Status = "already_present"
	StatusNoMatch        Status = "no_match"  // echoed back for manual identification
	StatusAmbiguous      Status = "ambiguous" // echoed back, never persisted
)

// Summary reports one capture session's recording pass.
type Summary struct {
	SessionID string
	Results   []Result
	Recorded  int
	Skipped   int // already-present collapses
	Unmatched int // NoMatch + Ambiguous, returned for manual resolution
}

// Record converts a session's decisions into attendance events. Only Matched
// decisions produce rows; NoMatch and Ambiguous are reported back for manual
// resolution. A second Matched decision for the same identity on the same
// local day collapses to AlreadyPresent.
func (r *Recorder) Record(ctx context.Context, sessionID string, decisions []matcher.Decision) (*Summary, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}

	summary := &Summary{SessionID: sessionID}
	for _, d := range decisions {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		switch d.Outcome {
		case matcher.OutcomeNoMatch:
			summary.Results = append(summary.Results, Result{Status: StatusNoMatch, Distance: d.BestDistance})
			summary.Unmatched++
			continue
		case matcher.OutcomeAmbiguous:
			summary.Results = append(summary.Results, Result{
				IdentityID: d.IdentityID, Status: StatusAmbiguous, Distance: d.BestDistance,
			})
			summary.Unmatched++
			continue
		}

		res, err := r.insert(ctx, sessionID, d.IdentityID, gallery.EventPresent)
		if err != nil {
			return summary, err
		}
		res.Distance = d.BestDistance
		summary.Results = append(summary.Results, res)
		switch res.Status {
		case StatusRecorded:
			summary.Recorded++
		case StatusAlreadyPresent:
			summary.Skipped++
		}
	}
	return summary, nil
}

// RecordOverride persists a manually resolved presence (an operator settling
// an Ambiguous or NoMatch face). Subject to the same per-day collapse.
func (r *Recorder) RecordOverride(ctx context.Context, sessionID, identityID string) (*Result, error) {
	if identityID == "" {
		return nil, fmt.Errorf("identity id is required")
	}
	res, err := r.insert(ctx, sessionID, identityID, gallery.EventOverride)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *Recorder) insert(ctx context.Context, sessionID, identityID, eventType string) (Result, error) {
	now := r.clock.Now()
	id, err := r.store.InsertAttendance(ctx, gallery.AttendanceEvent{
		IdentityID: identityID,
		EventType:  eventType,
		OccurredAt: now.UTC(),
		Day:        r.Day(now),
		SessionID:  sessionID,
		CreatedAt:  now.UTC(),
	})
	if errors.Is(err, gallery.ErrAlreadyPresent) {
		return Result{IdentityID: identityID, EventID: id, Status: StatusAlreadyPresent}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("insert attendance for %s: %w", identityID, err)
	}
	return Result{IdentityID: identityID, EventID: id, Status: StatusRecorded}, nil
}

// Day formats the device-local calendar day used for the idempotence key.
func (r *Recorder) Day(t time.Time) string {
	return t.In(r.loc).Format("2006-01-02")
}
