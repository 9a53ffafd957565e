// Package respond writes JSON responses for the ops endpoints.
package respond

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// JSON writes v as a JSON body with the given status code. A nil v writes
// headers only.
func JSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("failed to encode JSON response",
			slog.Int("status_code", code),
			slog.Any("error", err))
	}
}

// Error writes {"error": msg}.
func Error(w http.ResponseWriter, code int, msg string) {
	JSON(w, code, map[string]string{"error": msg})
}

// SafeError writes a generic message for server errors and logs the
// sanitized cause. Client errors are echoed back as-is.
func SafeError(w http.ResponseWriter, code int, err error) {
	if err == nil {
		return
	}
	if code < http.StatusInternalServerError {
		Error(w, code, err.Error())
		return
	}
	slog.Default().Error("internal server error",
		slog.Int("code", code),
		slog.String("error", SanitizeError(err)))
	Error(w, code, "internal server error")
}
