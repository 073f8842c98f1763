package handlers

import (
	"net/http"

	"github.com/dkrejci/rollcall/internal/audit"
)

// AuditHandler runs gallery hygiene reports on demand.
type AuditHandler struct {
	source audit.Source
	cfg    audit.Config
}

func NewAuditHandler(source audit.Source, cfg audit.Config) *AuditHandler {
	return &AuditHandler{source: source, cfg: cfg}
}

type auditResponse struct {
	Scanned    int `json:"scanned"`
	Duplicates []struct {
		EmbeddingID      int64   `json:"embedding_id"`
		IdentityID       string  `json:"identity_id"`
		OtherEmbeddingID int64   `json:"other_embedding_id"`
		OtherIdentityID  string  `json:"other_identity_id"`
		Distance         float64 `json:"distance"`
	} `json:"duplicates"`
	Outliers []struct {
		EmbeddingID     int64   `json:"embedding_id"`
		IdentityID      string  `json:"identity_id"`
		NearestDistance float64 `json:"nearest_distance"`
	} `json:"outliers"`
}

// Run audits the active gallery and returns advisory findings.
func (h *AuditHandler) Run(w http.ResponseWriter, r *http.Request) {
	report, err := audit.Run(r.Context(), h.source, h.cfg)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "audit failed")
		return
	}

	resp := auditResponse{Scanned: report.Scanned}
	for _, d := range report.Duplicates {
		resp.Duplicates = append(resp.Duplicates, struct {
			EmbeddingID      int64   `json:"embedding_id"`
			IdentityID       string  `json:"identity_id"`
			OtherEmbeddingID int64   `json:"other_embedding_id"`
			OtherIdentityID  string  `json:"other_identity_id"`
			Distance         float64 `json:"distance"`
		}{d.EmbeddingID, d.IdentityID, d.OtherEmbeddingID, d.OtherIdentityID, d.Distance})
	}
	for _, o := range report.Outliers {
		resp.Outliers = append(resp.Outliers, struct {
			EmbeddingID     int64   `json:"embedding_id"`
			IdentityID      string  `json:"identity_id"`
			NearestDistance float64 `json:"nearest_distance"`
		}{o.EmbeddingID, o.IdentityID, o.NearestDistance})
	}
	respondJSON(w, http.StatusOK, resp)
}
