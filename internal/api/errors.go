package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/investpilot/portfolio-engine/internal/model"
	"github.com/investpilot/portfolio-engine/internal/task"
)

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

type duplicateResponse struct {
	Error          string    `json:"error"`
	ExistingTaskID string    `json:"existing_task_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// writeServiceError maps a domain error to its HTTP status. Unknown errors
// are logged and reported as 500 without detail.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var dup *model.DuplicateTaskError
	switch {
	case errors.As(err, &dup):
		writeJSON(w, http.StatusConflict, duplicateResponse{
			Error:          "an equivalent task is already running",
			ExistingTaskID: dup.ExistingTaskID,
			CreatedAt:      dup.CreatedAt,
		})
	case errors.Is(err, model.ErrValidation):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, model.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, model.ErrForbidden):
		writeError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, model.ErrInsufficientPosition),
		errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, model.ErrAlreadyAdopted),
		errors.Is(err, model.ErrConflict):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, task.ErrQueueFull):
		writeError(w, err.Error(), http.StatusServiceUnavailable)
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}
