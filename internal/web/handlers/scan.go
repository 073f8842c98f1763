package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dkrejci/rollcall/internal/attendance"
	"github.com/dkrejci/rollcall/internal/codec"
	"github.com/dkrejci/rollcall/internal/gallery"
	"github.com/dkrejci/rollcall/internal/matcher"
)

// Embedder turns a face crop into a vector.
type Embedder interface {
	Embed(ctx context.Context, crop []byte) (*codec.Embedding, error)
}

// Matcher resolves a vector against the gallery.
type Matcher interface {
	Match(ctx context.Context, query []float32, opts ...matcher.Option) (matcher.Decision, error)
}

// Recorder persists attendance for matcher decisions.
type Recorder interface {
	Record(ctx context.Context, sessionID string, decisions []matcher.Decision) (*attendance.Summary, error)
	RecordOverride(ctx context.Context, sessionID, identityID string) (*attendance.Result, error)
}

// AttendanceStore reads recorded events back.
type AttendanceStore interface {
	AttendanceBySession(ctx context.Context, sessionID string) ([]gallery.AttendanceEvent, error)
	AttendanceForDay(ctx context.Context, day string) ([]gallery.AttendanceEvent, error)
}

// ScanHandler serves the capture-session endpoints: scan a face crop, record
// the outcome, and settle unmatched faces manually.
type ScanHandler struct {
	embedder Embedder
	matcher  Matcher
	recorder Recorder
	store    AttendanceStore
}

func NewScanHandler(e Embedder, m Matcher, rec Recorder, store AttendanceStore) *ScanHandler {
	return &ScanHandler{embedder: e, matcher: m, recorder: rec, store: store}
}

type scanResultResponse struct {
	IdentityID string  `json:"identity_id,omitempty"`
	Status     string  `json:"status"`
	EventID    int64   `json:"event_id,omitempty"`
	Distance   float64 `json:"distance"`
	Reason     string  `json:"reason,omitempty"`
}

type scanResponse struct {
	SessionID string               `json:"session_id"`
	Results   []scanResultResponse `json:"results"`
}

// Scan embeds every uploaded face crop, matches each against the gallery, and
// records the outcomes as one batch in the capture session. Crops that fail
// the quality floor get a per-crop low_quality result; NoMatch and Ambiguous
// outcomes come back without a persisted event so the operator can settle
// them via Override.
func (h *ScanHandler) Scan(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	images, err := readImages(r)
	if err != nil || len(images) == 0 {
		respondError(w, http.StatusBadRequest, "at least one face crop is required")
		return
	}

	results := make([]scanResultResponse, len(images))
	var decisions []matcher.Decision
	cropFor := make([]int, 0, len(images))
	for i, img := range images {
		emb, err := h.embedder.Embed(r.Context(), img)
		if errors.Is(err, codec.ErrLowQuality) {
			results[i] = scanResultResponse{Status: "low_quality", Reason: "face crop quality too low"}
			continue
		}
		if err != nil {
			respondError(w, http.StatusBadGateway, "embedding service unavailable")
			return
		}
		decision, err := h.matcher.Match(r.Context(), emb.Vector)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "match failed")
			return
		}
		decisions = append(decisions, decision)
		cropFor = append(cropFor, i)
	}

	if len(decisions) > 0 {
		sum, err := h.recorder.Record(r.Context(), sessionID, decisions)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "failed to record attendance")
			return
		}
		for j, res := range sum.Results {
			results[cropFor[j]] = scanResultResponse{
				IdentityID: res.IdentityID,
				Status:     string(res.Status),
				EventID:    res.EventID,
				Distance:   res.Distance,
			}
		}
	}

	status := http.StatusOK
	if len(decisions) == 0 {
		// Every crop failed quality; nothing was matched or recorded.
		status = http.StatusUnprocessableEntity
	}
	respondJSON(w, status, scanResponse{SessionID: sessionID, Results: results})
}

type overrideRequest struct {
	IdentityID string `json:"identity_id"`
}

// Override records a manually settled presence for the session.
func (h *ScanHandler) Override(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IdentityID == "" {
		respondError(w, http.StatusBadRequest, "identity_id is required")
		return
	}

	res, err := h.recorder.RecordOverride(r.Context(), sessionID, req.IdentityID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to record override")
		return
	}
	respondJSON(w, http.StatusOK, scanResultResponse{
		IdentityID: res.IdentityID,
		Status:     string(res.Status),
		EventID:    res.EventID,
	})
}

type eventResponse struct {
	ID         int64  `json:"id"`
	IdentityID string `json:"identity_id"`
	EventType  string `json:"event_type"`
	OccurredAt string `json:"occurred_at"`
	Day        string `json:"day"`
	SessionID  string `json:"session_id"`
}

func eventsToResponse(events []gallery.AttendanceEvent) []eventResponse {
	out := make([]eventResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, eventResponse{
			ID:         ev.ID,
			IdentityID: ev.IdentityID,
			EventType:  ev.EventType,
			OccurredAt: ev.OccurredAt.UTC().Format(time.RFC3339),
			Day:        ev.Day,
			SessionID:  ev.SessionID,
		})
	}
	return out
}

// SessionEvents lists the events recorded in one capture session.
func (h *ScanHandler) SessionEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.store.AttendanceBySession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list session events")
		return
	}
	respondJSON(w, http.StatusOK, eventsToResponse(events))
}

// DayEvents lists the events recorded for one local calendar day.
func (h *ScanHandler) DayEvents(w http.ResponseWriter, r *http.Request) {
	day := r.URL.Query().Get("day")
	if day == "" {
		respondError(w, http.StatusBadRequest, "day query parameter is required")
		return
	}
	events, err := h.store.AttendanceForDay(r.Context(), day)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list day events")
		return
	}
	respondJSON(w, http.StatusOK, eventsToResponse(events))
}
