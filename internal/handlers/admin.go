package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/deploysalon/coordinator/internal/model"
	"github.com/deploysalon/coordinator/internal/salon"
)

// AdminHandlers serves the administrative endpoints.
type AdminHandlers struct {
	coordinator Coordinator
	logger      *zap.Logger
}

// NewAdminHandlers creates a new AdminHandlers instance.
func NewAdminHandlers(coordinator Coordinator, logger *zap.Logger) *AdminHandlers {
	return &AdminHandlers{
		coordinator: coordinator,
		logger:      logger,
	}
}

// HandleHold handles POST /admin/hold requests.
// Returns:
//   - 200 OK: Salon held
//   - 400 Bad Request: Invalid request body or missing salon
//   - 404 Not Found: Unknown salon
func (h *AdminHandlers) HandleHold(w http.ResponseWriter, r *http.Request) {
	var req model.HoldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, h.logger, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Salon == "" {
		respondError(w, h.logger, http.StatusBadRequest, "Salon is required")
		return
	}

	if err := h.coordinator.HoldSalon(r.Context(), req.Salon, req.Type, req.Reason); err != nil {
		h.respondSalonError(w, req.Salon, err)
		return
	}

	respondJSON(w, h.logger, http.StatusOK, model.APIResponse{
		Status:  "ok",
		Message: fmt.Sprintf("Deploys held in %s", req.Salon),
	})
}

// HandleUnhold handles POST /admin/unhold requests.
func (h *AdminHandlers) HandleUnhold(w http.ResponseWriter, r *http.Request) {
	var req model.HoldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, h.logger, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Salon == "" {
		respondError(w, h.logger, http.StatusBadRequest, "Salon is required")
		return
	}

	if err := h.coordinator.UnholdSalon(r.Context(), req.Salon); err != nil {
		h.respondSalonError(w, req.Salon, err)
		return
	}

	respondJSON(w, h.logger, http.StatusOK, model.APIResponse{
		Status:  "ok",
		Message: fmt.Sprintf("Deploys resumed in %s", req.Salon),
	})
}

// HandleHoldAll handles POST /admin/hold_all requests.
func (h *AdminHandlers) HandleHoldAll(w http.ResponseWriter, r *http.Request) {
	var req model.HoldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, h.logger, http.StatusBadRequest, "Invalid request body")
		return
	}

	held, err := h.coordinator.HoldAll(r.Context(), req.Type, req.Reason)
	if err != nil {
		h.logger.Error("Failed to hold all salons", zap.Error(err))
		respondError(w, h.logger, http.StatusInternalServerError, "Failed to hold salons")
		return
	}

	respondJSON(w, h.logger, http.StatusOK, model.APIResponse{
		Status:  "ok",
		Message: fmt.Sprintf("Deploys held in %d salons", held),
	})
}

// HandleUnholdAll handles POST /admin/unhold_all requests.
func (h *AdminHandlers) HandleUnholdAll(w http.ResponseWriter, r *http.Request) {
	released, err := h.coordinator.UnholdAll(r.Context())
	if err != nil {
		h.logger.Error("Failed to unhold all salons", zap.Error(err))
		respondError(w, h.logger, http.StatusInternalServerError, "Failed to unhold salons")
		return
	}

	respondJSON(w, h.logger, http.StatusOK, model.APIResponse{
		Status:  "ok",
		Message: fmt.Sprintf("Deploys resumed in %d salons", released),
	})
}

// HandleAnnouncement handles POST /admin/send_announcement requests.
func (h *AdminHandlers) HandleAnnouncement(w http.ResponseWriter, r *http.Request) {
	var req model.AnnouncementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, h.logger, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		respondError(w, h.logger, http.StatusBadRequest, "Message is required")
		return
	}

	if err := h.coordinator.Announce(r.Context(), req.Message); err != nil {
		h.logger.Error("Failed to send announcement", zap.Error(err))
		respondError(w, h.logger, http.StatusInternalServerError, "Failed to send announcement")
		return
	}

	respondJSON(w, h.logger, http.StatusOK, model.APIResponse{Status: "ok"})
}

// HandleSalonNames handles GET /admin/get_salon_names requests.
func (h *AdminHandlers) HandleSalonNames(w http.ResponseWriter, r *http.Request) {
	names, err := h.coordinator.SalonNames(r.Context())
	if err != nil {
		h.logger.Error("Failed to list salons", zap.Error(err))
		respondError(w, h.logger, http.StatusInternalServerError, "Failed to list salons")
		return
	}

	respondJSON(w, h.logger, http.StatusOK, model.SalonNamesResponse{Salons: names})
}

func (h *AdminHandlers) respondSalonError(w http.ResponseWriter, name string, err error) {
	if errors.Is(err, salon.ErrUnknownSalon) {
		respondError(w, h.logger, http.StatusNotFound, fmt.Sprintf("Unknown salon %q", name))
		return
	}
	h.logger.Error("Admin operation failed",
		zap.String("salon", name),
		zap.Error(err),
	)
	respondError(w, h.logger, http.StatusInternalServerError, "Operation failed")
}
