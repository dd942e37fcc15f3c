package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/mineguard/mineguard/config"
	"github.com/mineguard/mineguard/instance"
	"github.com/mineguard/mineguard/registry"
)

// ErrorResponse is the boundary error shape. error_type is stable and
// machine-readable; message is for humans and the log sink.
type ErrorResponse struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}

func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status, errorType := classify(err)

	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "error", err)
	} else {
		logger.Debug("request rejected", "error_type", errorType, "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		ErrorType: errorType,
		Message:   err.Error(),
	})
}

func notFoundByName(name string) error {
	return &registry.ErrNotFound{ID: name}
}

func classify(err error) (int, string) {
	var (
		notFound   *registry.ErrNotFound
		exists     *registry.ErrAlreadyExists
		active     *registry.ErrInstanceActive
		draining   *registry.ErrShuttingDown
		inProgress *instance.ErrOperationInProgress
		notAcked   *instance.ErrCrashNotAcknowledged
		spawn      *instance.SpawnError
	)

	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound, "not_found"
	case errors.As(err, &exists):
		return http.StatusConflict, "already_exists"
	case errors.As(err, &active):
		return http.StatusConflict, "instance_active"
	case errors.As(err, &inProgress):
		return http.StatusConflict, "operation_in_progress"
	case errors.As(err, &notAcked):
		return http.StatusConflict, "crash_not_acknowledged"
	case errors.As(err, &spawn):
		return http.StatusUnprocessableEntity, "spawn_failure"
	case errors.As(err, &draining):
		return http.StatusServiceUnavailable, "shutting_down"
	case errors.Is(err, config.ErrInstanceNameMissing),
		errors.Is(err, config.ErrInstanceDirMissing),
		errors.Is(err, config.ErrInstanceJarNotRelative):
		return http.StatusBadRequest, "invalid_config"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
