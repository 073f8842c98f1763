package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dkrejci/rollcall/internal/enroll"
)

// Enroller runs the enrollment pipeline.
type Enroller interface {
	Enroll(ctx context.Context, identityID string, images [][]byte) (*enroll.Summary, error)
}

// EnrollHandler serves enrollment uploads.
type EnrollHandler struct {
	enroller Enroller
}

func NewEnrollHandler(e Enroller) *EnrollHandler {
	return &EnrollHandler{enroller: e}
}

type enrollResponse struct {
	IdentityID string `json:"identity_id"`
	Accepted   int    `json:"accepted"`
	Rejected   []struct {
		Index  int    `json:"index"`
		Reason string `json:"reason"`
	} `json:"rejected,omitempty"`
	Partial bool `json:"partial"`
}

func summaryToResponse(sum *enroll.Summary) enrollResponse {
	resp := enrollResponse{
		IdentityID: sum.IdentityID,
		Accepted:   len(sum.Accepted),
		Partial:    sum.Partial,
	}
	for _, rej := range sum.Rejected {
		resp.Rejected = append(resp.Rejected, struct {
			Index  int    `json:"index"`
			Reason string `json:"reason"`
		}{Index: rej.Index, Reason: rej.Err})
	}
	return resp
}

// Enroll accepts face crops under the "images" multipart field and commits
// the ones that pass quality and the dedup guard.
func (h *EnrollHandler) Enroll(w http.ResponseWriter, r *http.Request) {
	identityID := chi.URLParam(r, "id")
	if identityID == "" {
		respondError(w, http.StatusBadRequest, "identity id is required")
		return
	}

	images, err := readImages(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid multipart upload")
		return
	}
	if len(images) == 0 {
		respondError(w, http.StatusBadRequest, "at least one image is required")
		return
	}

	sum, err := h.enroller.Enroll(r.Context(), identityID, images)
	if errors.Is(err, enroll.ErrNoUsableImages) {
		resp := summaryToResponse(sum)
		respondJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "enrollment failed")
		return
	}
	respondJSON(w, http.StatusOK, summaryToResponse(sum))
}
