package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dkrejci/rollcall/internal/gallery"
	"github.com/dkrejci/rollcall/internal/ledger"
	"github.com/dkrejci/rollcall/internal/syncer"
)

// SyncEngine is the engine surface the sync handler drives.
type SyncEngine interface {
	RunOnce(ctx context.Context) (syncer.Summary, error)
}

// LedgerStore inspects and resolves ledger entries.
type LedgerStore interface {
	LedgerEntries(ctx context.Context, states ...ledger.State) ([]ledger.Entry, error)
	ResolveConflict(ctx context.Context, entryID int64) error
}

// SyncHandler serves sync control and ledger inspection endpoints.
type SyncHandler struct {
	engine SyncEngine
	store  LedgerStore
}

func NewSyncHandler(engine SyncEngine, store LedgerStore) *SyncHandler {
	return &SyncHandler{engine: engine, store: store}
}

// Run performs one synchronous sync cycle and reports what it did.
func (h *SyncHandler) Run(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		respondError(w, http.StatusServiceUnavailable, "sync authority is not configured")
		return
	}
	sum, err := h.engine.RunOnce(r.Context())
	if err != nil {
		// Partial work may have happened. Report it with the failure.
		respondJSON(w, http.StatusBadGateway, map[string]any{
			"error":   err.Error(),
			"summary": sum,
		})
		return
	}
	respondJSON(w, http.StatusOK, sum)
}

type ledgerEntryResponse struct {
	ID            int64  `json:"id"`
	Kind          string `json:"kind"`
	RecordID      int64  `json:"record_id"`
	State         string `json:"state"`
	Attempts      int    `json:"attempts"`
	LastError     string `json:"last_error,omitempty"`
	NextAttemptAt string `json:"next_attempt_at,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// Ledger lists ledger entries, optionally filtered by ?state=.
func (h *SyncHandler) Ledger(w http.ResponseWriter, r *http.Request) {
	var states []ledger.State
	if s := r.URL.Query().Get("state"); s != "" {
		states = append(states, ledger.State(s))
	}
	entries, err := h.store.LedgerEntries(r.Context(), states...)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list ledger")
		return
	}

	out := make([]ledgerEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp := ledgerEntryResponse{
			ID:        e.ID,
			Kind:      string(e.Kind),
			RecordID:  e.RecordID,
			State:     string(e.State),
			Attempts:  e.Attempts,
			LastError: e.LastError,
			CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339),
		}
		if e.NextAttemptAt.UnixMilli() > 0 {
			resp.NextAttemptAt = e.NextAttemptAt.UTC().Format(time.RFC3339)
		}
		out = append(out, resp)
	}
	respondJSON(w, http.StatusOK, out)
}

// Resolve returns a Conflict entry to Dirty so the next cycle retries it.
func (h *SyncHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid entry id")
		return
	}
	if err := h.store.ResolveConflict(r.Context(), id); err != nil {
		if errors.Is(err, gallery.ErrNotFound) {
			respondError(w, http.StatusNotFound, "no conflict entry with that id")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to resolve entry")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}
