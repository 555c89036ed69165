package api

import (
	"encoding/json"
	"net/http"

	"github.com/driftgate/driftgate/internal/api/handlers"
	"github.com/driftgate/driftgate/internal/api/middleware"
	"github.com/driftgate/driftgate/internal/config"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Evaluation
		r.Route("/evaluation", func(r chi.Router) {
			r.Post("/runs", h.RunSuite)
			r.Get("/runs", h.ListRuns)
			r.Get("/runs/{runId}", h.GetRun)
			r.Post("/drift", h.DriftCheck)
		})

		// Calibration
		r.Route("/calibration", func(r chi.Router) {
			r.Get("/", h.ShowCalibration)
			r.Post("/fit", h.FitCalibration)
			r.Post("/apply", h.ApplyCalibration)
			r.Post("/gate", h.CalibratedGate)
		})

		// Self-healing
		r.Route("/healer", func(r chi.Router) {
			r.Post("/observe", h.HealerObserve)
			r.Post("/run", h.HealerRun)
		})

		// Governed proposal queue
		r.Route("/proposals", func(r chi.Router) {
			r.Get("/", h.ListProposals)
			r.Post("/", h.SubmitProposal)
			r.Route("/{proposalId}", func(r chi.Router) {
				r.Get("/", h.GetProposal)
				r.Post("/review", h.ReviewProposal)
				r.Post("/apply", h.ApplyProposal)
			})
		})

		// Receipt log
		r.Route("/receipts", func(r chi.Router) {
			r.Get("/", h.RecentReceipts)
			r.Get("/{receiptId}", h.GetReceipt)
		})
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "driftgate-engine",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "driftgate-engine",
		})
	}
}
