package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/deploysalon/coordinator/internal/handlers"
	"github.com/deploysalon/coordinator/internal/health"
	"github.com/deploysalon/coordinator/internal/metrics"
	"github.com/deploysalon/coordinator/internal/middleware"
)

// setupAPIRoutes configures the API server routes. The pipeline callback,
// admin, and chat relay endpoints all sit behind the shared-secret
// signature; the status endpoint is signed over a timestamp instead of a
// body.
func setupAPIRoutes(r *chi.Mux, logger *zap.Logger, auth *handlers.Auth, deploy *handlers.DeployHandlers, admin *handlers.AdminHandlers, chat *handlers.ChatHandlers) {
	r.Get("/ping", handlePing(logger))

	r.Route("/deploy", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireBodySignature)
			r.Post("/begin", deploy.HandleBegin)
			r.Post("/progress", deploy.HandleProgress)
			r.Post("/error", deploy.HandleError)
			r.Post("/end", deploy.HandleEnd)
			r.Post("/abort", deploy.HandleAbort)
		})
		r.With(auth.RequireTimestampSignature).Get("/status", deploy.HandleStatus)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireBodySignature)
			r.Post("/hold", admin.HandleHold)
			r.Post("/unhold", admin.HandleUnhold)
			r.Post("/hold_all", admin.HandleHoldAll)
			r.Post("/unhold_all", admin.HandleUnholdAll)
			r.Post("/send_announcement", admin.HandleAnnouncement)
		})
		r.With(auth.RequireTimestampSignature).Get("/get_salon_names", admin.HandleSalonNames)
	})

	r.With(auth.RequireBodySignature).Post("/chat/command", chat.HandleCommand)
}

// setupProbeRoutes configures the probe server routes.
func setupProbeRoutes(r *chi.Mux, logger *zap.Logger, manager *health.Manager, m *metrics.Metrics) {
	r.With(middleware.HealthCheckMetricsMiddleware(m, "startup")).
		Get("/healthz/startup", handleStartup(logger, manager))
	r.With(middleware.HealthCheckMetricsMiddleware(m, "liveness")).
		Get("/healthz/live", handleLiveness(logger, manager))
	r.With(middleware.HealthCheckMetricsMiddleware(m, "readiness")).
		Get("/healthz/ready", handleReadiness(logger, manager))
}

// handlePing handles the /ping endpoint.
func handlePing(logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := map[string]string{
			"status": "pong",
		}

		writeProbe(w, logger, http.StatusOK, response)
	}
}

// handleStartup handles the startup probe endpoint.
func handleStartup(logger *zap.Logger, manager *health.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := manager.GetStartupStatus(r.Context())

		status := http.StatusOK
		if response.Status != health.StatusOK {
			status = http.StatusServiceUnavailable
		}
		writeProbe(w, logger, status, response)
	}
}

// handleLiveness handles the liveness probe endpoint.
func handleLiveness(logger *zap.Logger, manager *health.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := manager.GetLivenessStatus()

		status := http.StatusOK
		if response.Status != health.StatusOK {
			status = http.StatusServiceUnavailable
		}
		writeProbe(w, logger, status, response)
	}
}

// handleReadiness handles the readiness probe endpoint.
func handleReadiness(logger *zap.Logger, manager *health.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := manager.GetReadinessStatus(r.Context())

		status := http.StatusOK
		if !response.Ready {
			status = http.StatusServiceUnavailable
		}
		writeProbe(w, logger, status, response)
	}
}

func writeProbe(w http.ResponseWriter, logger *zap.Logger, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode probe response", zap.Error(err))
	}
}
