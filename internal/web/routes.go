package web

import (
	"github.com/go-chi/chi/v5"

	"github.com/dkrejci/rollcall/internal/web/handlers"
)

func (s *Server) setupRoutes(svc Services) {
	// Health check
	s.router.Get("/api/v1/health", handlers.HealthCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		// Identity directory
		r.Get("/identities", svc.Identities.List)
		r.Post("/identities", svc.Identities.Create)
		r.Get("/identities/{id}", svc.Identities.Get)
		r.Post("/identities/{id}/enroll", svc.Enroll.Enroll)

		// Capture sessions
		r.Post("/sessions/{sessionID}/scan", svc.Scan.Scan)
		r.Post("/sessions/{sessionID}/override", svc.Scan.Override)
		r.Get("/sessions/{sessionID}/events", svc.Scan.SessionEvents)

		// Attendance views
		r.Get("/attendance", svc.Scan.DayEvents)
		r.Get("/attendance/roster", svc.Identities.Roster)

		// Sync control and ledger inspection
		r.Post("/sync/run", svc.Sync.Run)
		r.Get("/sync/ledger", svc.Sync.Ledger)
		r.Post("/sync/ledger/{id}/resolve", svc.Sync.Resolve)

		// Gallery hygiene
		r.Post("/audit", svc.Audit.Run)
	})
}
