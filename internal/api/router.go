package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// WebSocket (auth via ticket or bearer header, validated in handler)
		r.Get("/ws", s.handleWebSocket)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/auth/ws-ticket", s.handleWSTicket)
			r.Get("/metrics", s.handleMetrics)

			r.Get("/device", s.handleGetDevice)
			r.Post("/status/publish", s.handlePublishStatus)

			r.Route("/modules", func(r chi.Router) {
				r.Get("/", s.handleListModules)
				r.Post("/{id}/commands", s.handleModuleCommand)
			})

			r.Route("/door", func(r chi.Router) {
				r.Get("/", s.handleGetDoor)
				r.Post("/{action}", s.handleDoorAction)
			})

			r.Route("/feeder", func(r chi.Router) {
				r.Get("/", s.handleGetFeeder)
				r.Post("/dispense", s.handleDispense)
				r.Post("/refill", s.handleRefill)
				r.Post("/level", s.handleSetFoodLevel)
				r.Post("/jam", s.handleSimulateJam)
			})

			r.Route("/chickens", func(r chi.Router) {
				r.Get("/", s.handleListChickens)
				r.Post("/", s.handleCreateChicken)
				r.Post("/{tag}/enter", s.handleChickenEnter)
				r.Post("/{tag}/exit", s.handleChickenExit)
				r.Post("/{id}/eggs", s.handleAddEgg)
				r.Delete("/{id}", s.handleDeleteChicken)
			})

			r.Route("/camera", func(r chi.Router) {
				r.Get("/", s.handleGetCamera)
				r.Post("/photo", s.handleTakePhoto)
				r.Post("/photo/latest", s.handleFetchLatestPhoto)
				r.Get("/snapshots", s.handleListSnapshots)
				r.Post("/snapshots/{id}/confirm", s.handleConfirmSnapshot)
				r.Delete("/snapshots/{id}", s.handleDeleteSnapshot)
			})

			r.Route("/gateway/pairings", func(r chi.Router) {
				r.Get("/", s.handleListPairings)
				r.Post("/{cameraId}/approve", s.handleApprovePairing)
				r.Post("/{cameraId}/reject", s.handleRejectPairing)
				r.Delete("/{cameraId}", s.handleUnpair)
			})
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"version":    s.version,
		"device_id":  s.device.ID(),
		"connection": s.sessionState(),
	})
}
