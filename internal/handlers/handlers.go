// Package handlers provides the HTTP handlers for the pipeline callback,
// signed status, admin, and chat relay endpoints.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/deploysalon/coordinator/internal/model"
)

// Coordinator is the salon engine surface the HTTP layer drives. It is
// implemented by monitor.Monitor.
type Coordinator interface {
	HandleCommand(ctx context.Context, channel, sender, line string)

	OnDeployBegan(ctx context.Context, req model.DeployBeginRequest) error
	OnDeployProgress(ctx context.Context, req model.DeployProgressRequest) error
	OnDeployError(ctx context.Context, req model.DeployErrorRequest) error
	OnDeployEnded(ctx context.Context, req model.DeployEndRequest) error
	OnDeployAborted(ctx context.Context, req model.DeployAbortRequest) error

	SalonStatus(ctx context.Context, name string) (model.SalonStatusResponse, error)
	HoldSalon(ctx context.Context, name, typ, reason string) error
	UnholdSalon(ctx context.Context, name string) error
	HoldAll(ctx context.Context, typ, reason string) (int, error)
	UnholdAll(ctx context.Context) (int, error)
	Announce(ctx context.Context, message string) error
	SalonNames(ctx context.Context) ([]string, error)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, logger *zap.Logger, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, logger *zap.Logger, status int, message string) {
	respondJSON(w, logger, status, model.APIResponse{
		Status:  "error",
		Message: message,
	})
}
