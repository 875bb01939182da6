package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/deploysalon/coordinator/internal/metrics"
	"github.com/deploysalon/coordinator/internal/model"
	"github.com/deploysalon/coordinator/internal/salon"
)

// DeployHandlers serves the pipeline callback and signed status endpoints.
type DeployHandlers struct {
	coordinator Coordinator
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

// NewDeployHandlers creates a new DeployHandlers instance.
func NewDeployHandlers(coordinator Coordinator, logger *zap.Logger, m *metrics.Metrics) *DeployHandlers {
	return &DeployHandlers{
		coordinator: coordinator,
		logger:      logger,
		metrics:     m,
	}
}

// HandleBegin handles POST /deploy/begin callbacks.
// Returns:
//   - 200 OK: Callback accepted; unknown salons are dropped silently
//   - 400 Bad Request: Invalid request body
func (h *DeployHandlers) HandleBegin(w http.ResponseWriter, r *http.Request) {
	var req model.DeployBeginRequest
	if !h.decode(w, r, "begin", &req) {
		return
	}
	h.accept(w, "begin", req.Salon, h.coordinator.OnDeployBegan(r.Context(), req))
}

// HandleProgress handles POST /deploy/progress callbacks.
func (h *DeployHandlers) HandleProgress(w http.ResponseWriter, r *http.Request) {
	var req model.DeployProgressRequest
	if !h.decode(w, r, "progress", &req) {
		return
	}
	h.accept(w, "progress", req.Salon, h.coordinator.OnDeployProgress(r.Context(), req))
}

// HandleError handles POST /deploy/error callbacks.
func (h *DeployHandlers) HandleError(w http.ResponseWriter, r *http.Request) {
	var req model.DeployErrorRequest
	if !h.decode(w, r, "error", &req) {
		return
	}
	h.accept(w, "error", req.Salon, h.coordinator.OnDeployError(r.Context(), req))
}

// HandleEnd handles POST /deploy/end callbacks.
func (h *DeployHandlers) HandleEnd(w http.ResponseWriter, r *http.Request) {
	var req model.DeployEndRequest
	if !h.decode(w, r, "end", &req) {
		return
	}
	h.accept(w, "end", req.Salon, h.coordinator.OnDeployEnded(r.Context(), req))
}

// HandleAbort handles POST /deploy/abort callbacks.
func (h *DeployHandlers) HandleAbort(w http.ResponseWriter, r *http.Request) {
	var req model.DeployAbortRequest
	if !h.decode(w, r, "abort", &req) {
		return
	}
	h.accept(w, "abort", req.Salon, h.coordinator.OnDeployAborted(r.Context(), req))
}

// HandleStatus handles GET /deploy/status?salon=name requests.
// Returns:
//   - 200 OK: Status returned
//   - 400 Bad Request: Missing salon parameter
//   - 404 Not Found: Unknown salon
func (h *DeployHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("salon")
	if name == "" {
		h.recordMetric("status", "failure")
		respondError(w, h.logger, http.StatusBadRequest, "Missing salon parameter")
		return
	}

	status, err := h.coordinator.SalonStatus(r.Context(), name)
	if err != nil {
		if errors.Is(err, salon.ErrUnknownSalon) {
			h.recordMetric("status", "unknown")
			respondError(w, h.logger, http.StatusNotFound, "Unknown salon")
			return
		}
		h.logger.Error("Failed to report salon status", zap.Error(err))
		h.recordMetric("status", "failure")
		respondError(w, h.logger, http.StatusInternalServerError, "Failed to report status")
		return
	}

	h.recordMetric("status", "success")
	respondJSON(w, h.logger, http.StatusOK, status)
}

func (h *DeployHandlers) decode(w http.ResponseWriter, r *http.Request, event string, req interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		h.logger.Error("Failed to decode deploy callback",
			zap.String("event", event),
			zap.Error(err),
		)
		h.recordMetric(event, "failure")
		respondError(w, h.logger, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// accept finishes a fire-and-forget callback. Unknown salons and deploy
// ids are dropped with a log line; the pipeline gets a 200 either way so
// it never retries against a salon that was torn down mid-deploy.
func (h *DeployHandlers) accept(w http.ResponseWriter, event, salonName string, err error) {
	if err != nil {
		h.logger.Debug("Dropped deploy callback",
			zap.String("event", event),
			zap.String("salon", salonName),
			zap.Error(err),
		)
		h.recordMetric(event, "dropped")
		w.WriteHeader(http.StatusOK)
		return
	}
	h.recordMetric(event, "success")
	w.WriteHeader(http.StatusOK)
}

func (h *DeployHandlers) recordMetric(event, status string) {
	if h.metrics != nil && h.metrics.CallbacksTotal != nil {
		h.metrics.CallbacksTotal.WithLabelValues(event, status).Inc()
	}
}
