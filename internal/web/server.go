// Package web exposes the device API: enrollment, capture sessions, the
// identity directory, and sync control.
package web

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/dkrejci/rollcall/internal/web/handlers"
)

// Services collects everything the API serves.
type Services struct {
	Identities *handlers.IdentitiesHandler
	Enroll     *handlers.EnrollHandler
	Scan       *handlers.ScanHandler
	Sync       *handlers.SyncHandler
	Audit      *handlers.AuditHandler
}

// Server is the device HTTP server.
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
}

// NewServer wires the middleware stack and routes.
func NewServer(host string, port int, svc Services) *Server {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(2 * time.Minute))

	s := &Server{
		router: r,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", host, port),
			Handler:      r,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 2 * time.Minute,
			IdleTimeout:  60 * time.Second,
		},
	}
	s.setupRoutes(svc)
	return s
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	log.Printf("Starting web server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("Shutting down web server...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// Router returns the chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
