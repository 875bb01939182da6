package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/deploysalon/coordinator/internal/model"
)

// ChatHandlers receives chat lines relayed over HTTP by the chat bridge.
type ChatHandlers struct {
	coordinator Coordinator
	logger      *zap.Logger
}

// NewChatHandlers creates a new ChatHandlers instance.
func NewChatHandlers(coordinator Coordinator, logger *zap.Logger) *ChatHandlers {
	return &ChatHandlers{
		coordinator: coordinator,
		logger:      logger,
	}
}

// HandleCommand handles POST /chat/command requests. Command outcomes are
// reported in-channel, so the relay only learns whether the line was
// accepted.
// Returns:
//   - 200 OK: Command dispatched
//   - 400 Bad Request: Invalid request body or missing fields
func (h *ChatHandlers) HandleCommand(w http.ResponseWriter, r *http.Request) {
	var req model.ChatCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("Failed to decode chat command", zap.Error(err))
		respondError(w, h.logger, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Channel == "" || req.Message == "" {
		respondError(w, h.logger, http.StatusBadRequest, "Channel and message are required")
		return
	}

	h.coordinator.HandleCommand(r.Context(), req.Channel, req.Sender, req.Message)
	respondJSON(w, h.logger, http.StatusOK, model.APIResponse{Status: "ok"})
}
