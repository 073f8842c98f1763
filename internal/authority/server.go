package authority

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/dkrejci/rollcall/internal/remote"
)

// Server is the authority HTTP service.
type Server struct {
	store      *Store
	token      string
	router     *chi.Mux
	httpServer *http.Server
}

// NewServer wires routes and middleware for the authority API.
func NewServer(store *Store, token string, port int) *Server {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(time.Minute))

	s := &Server{
		store:  store,
		token:  token,
		router: r,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      r,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: time.Minute,
			IdleTimeout:  60 * time.Second,
		},
	}

	r.Get("/api/v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.requireToken)
		r.Post("/sync/push", s.handlePush)
		r.Post("/sync/pull", s.handlePull)
		r.Post("/admin/identities/{id}/deactivate", s.handleDeactivate)
		r.Post("/admin/embeddings/{id}/retire", s.handleRetire)
	})

	return s
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	log.Printf("Starting authority server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req remote.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.DeviceID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "device_id is required"})
		return
	}

	resp := remote.PushResponse{Results: make([]remote.ItemResult, 0, len(req.Items))}
	for _, item := range req.Items {
		result, err := s.applyItem(r.Context(), req.DeviceID, item)
		if err != nil {
			log.Printf("authority: push item %d from %s failed: %v", item.LocalID, req.DeviceID, err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "push failed"})
			return
		}
		resp.Results = append(resp.Results, result)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) applyItem(ctx context.Context, deviceID string, item remote.PushItem) (remote.ItemResult, error) {
	result := remote.ItemResult{LocalID: item.LocalID}

	switch item.Kind {
	case "profile":
		var p remote.ProfilePayload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			result.Outcome = remote.OutcomeRejected
			result.Reason = ReasonInvalidPayload
			return result, nil
		}
		canonical, err := s.store.ApplyProfile(ctx, deviceID, p)
		if err != nil {
			if err.Error() == ReasonInvalidPayload {
				result.Outcome = remote.OutcomeRejected
				result.Reason = ReasonInvalidPayload
				return result, nil
			}
			return result, err
		}
		result.Outcome = remote.OutcomeAccepted
		result.CanonicalID = canonical
	case "embedding":
		var p remote.EmbeddingPayload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			result.Outcome = remote.OutcomeRejected
			result.Reason = ReasonInvalidPayload
			return result, nil
		}
		canonical, reason, err := s.store.ApplyEmbedding(ctx, deviceID, p)
		if err != nil {
			return result, err
		}
		if reason != "" {
			result.Outcome = remote.OutcomeRejected
			result.Reason = reason
			return result, nil
		}
		result.Outcome = remote.OutcomeAccepted
		result.CanonicalID = canonical
	case "attendance":
		var p remote.AttendancePayload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			result.Outcome = remote.OutcomeRejected
			result.Reason = ReasonInvalidPayload
			return result, nil
		}
		canonical, reason, err := s.store.ApplyAttendance(ctx, deviceID, p)
		if err != nil {
			return result, err
		}
		if reason != "" {
			result.Outcome = remote.OutcomeRejected
			result.Reason = reason
			return result, nil
		}
		result.Outcome = remote.OutcomeAccepted
		result.CanonicalID = canonical
	default:
		result.Outcome = remote.OutcomeRejected
		result.Reason = ReasonUnknownItemKind
	}
	return result, nil
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	var req remote.PullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	changes, next, err := s.store.Changes(r.Context(), req.Since, req.Limit)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, remote.PullResponse{Changes: changes, NextCursor: next})
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	err := s.store.DeactivateIdentity(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, sql.ErrNoRows) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "identity not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "deactivate failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

func (s *Server) handleRetire(w http.ResponseWriter, r *http.Request) {
	err := s.store.RetireEmbedding(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, sql.ErrNoRows) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "embedding not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "retire failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "retired"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data) //nolint:errcheck // headers already sent
	}
}
