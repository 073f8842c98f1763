package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dkrejci/rollcall/internal/directory"
	"github.com/dkrejci/rollcall/internal/gallery"
)

// IdentityStore is the gallery surface the identity handler needs.
type IdentityStore interface {
	GetIdentity(ctx context.Context, id string) (*gallery.Identity, error)
	CreateLocalIdentity(ctx context.Context, displayName, category string, now time.Time) (string, error)
	CountFor(ctx context.Context, identityID string) (int, error)
}

// Directory answers search and roster queries.
type Directory interface {
	Search(ctx context.Context, query string) ([]gallery.Identity, error)
	Roster(ctx context.Context, day string) ([]directory.RosterEntry, error)
}

// IdentityResponse is an identity in API responses.
type IdentityResponse struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Category    string `json:"category"`
	Active      bool   `json:"active"`
	LocalOnly   bool   `json:"local_only"`
	Embeddings  int    `json:"embeddings,omitempty"`
}

func identityToResponse(ident gallery.Identity) IdentityResponse {
	return IdentityResponse{
		ID:          ident.ID,
		DisplayName: ident.DisplayName,
		Category:    ident.Category,
		Active:      ident.Active,
		LocalOnly:   ident.LocalOnly,
	}
}

// IdentitiesHandler serves the identity directory endpoints.
type IdentitiesHandler struct {
	store IdentityStore
	dir   Directory
}

func NewIdentitiesHandler(store IdentityStore, dir Directory) *IdentitiesHandler {
	return &IdentitiesHandler{store: store, dir: dir}
}

// List searches the directory. An empty query returns everything.
func (h *IdentitiesHandler) List(w http.ResponseWriter, r *http.Request) {
	identities, err := h.dir.Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to search identities")
		return
	}
	out := make([]IdentityResponse, 0, len(identities))
	for _, ident := range identities {
		out = append(out, identityToResponse(ident))
	}
	respondJSON(w, http.StatusOK, out)
}

// Get returns one identity with its embedding count.
func (h *IdentitiesHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ident, err := h.store.GetIdentity(r.Context(), id)
	if errors.Is(err, gallery.ErrNotFound) {
		respondError(w, http.StatusNotFound, "identity not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load identity")
		return
	}
	resp := identityToResponse(*ident)
	if n, err := h.store.CountFor(r.Context(), id); err == nil {
		resp.Embeddings = n
	}
	respondJSON(w, http.StatusOK, resp)
}

type createIdentityRequest struct {
	DisplayName string `json:"display_name"`
	Category    string `json:"category"`
}

// Create registers a new identity under a temporary local id. The sync
// engine later swaps it for the authority's canonical id.
func (h *IdentitiesHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createIdentityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	localID, err := h.store.CreateLocalIdentity(r.Context(), req.DisplayName, req.Category, time.Now())
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"id": localID})
}

// Roster lists active identities with their presence status for a day.
func (h *IdentitiesHandler) Roster(w http.ResponseWriter, r *http.Request) {
	day := r.URL.Query().Get("day")
	if day == "" {
		respondError(w, http.StatusBadRequest, "day query parameter is required")
		return
	}
	roster, err := h.dir.Roster(r.Context(), day)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to build roster")
		return
	}

	type entry struct {
		Identity  IdentityResponse `json:"identity"`
		Present   bool             `json:"present"`
		EventID   int64            `json:"event_id,omitempty"`
		EventType string           `json:"event_type,omitempty"`
	}
	out := make([]entry, 0, len(roster))
	for _, re := range roster {
		out = append(out, entry{
			Identity:  identityToResponse(re.Identity),
			Present:   re.Present,
			EventID:   re.EventID,
			EventType: re.EventType,
		})
	}
	respondJSON(w, http.StatusOK, out)
}
