package worker

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"drip-engine/internal/handler/http/respond"
)

// ReadyCheck probes one dependency. A non-nil error makes the worker not ready.
type ReadyCheck func(ctx context.Context) error

// HealthServer tracks liveness and readiness.
//
//   - /health: liveness probe, always 200 OK
//   - /health/ready: 200 when SetReady(true) was called and every check
//     passes, 503 otherwise
type HealthServer struct {
	logger  *slog.Logger
	isReady atomic.Bool

	mu     sync.RWMutex
	checks map[string]ReadyCheck
}

type healthResponse struct {
	Status string   `json:"status"`
	Failed []string `json:"failed,omitempty"`
}

// NewHealthServer returns a health server that starts not ready.
func NewHealthServer(logger *slog.Logger) *HealthServer {
	return &HealthServer{logger: logger, checks: make(map[string]ReadyCheck)}
}

// AddCheck registers a readiness probe under name.
func (h *HealthServer) AddCheck(name string, check ReadyCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// SetReady sets the readiness flag.
func (h *HealthServer) SetReady(ready bool) {
	h.isReady.Store(ready)
	h.logger.Info("health server readiness changed", slog.Bool("ready", ready))
}

func (h *HealthServer) handleLiveness(w http.ResponseWriter, r *http.Request) {
	respond.JSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

func (h *HealthServer) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if !h.isReady.Load() {
		respond.JSON(w, http.StatusServiceUnavailable, healthResponse{Status: "not ready"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	h.mu.RLock()
	var failed []string
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed = append(failed, name)
			h.logger.Warn("readiness check failed",
				slog.String("check", name),
				slog.String("error", respond.SanitizeError(err)))
		}
	}
	h.mu.RUnlock()

	if len(failed) > 0 {
		sort.Strings(failed)
		respond.JSON(w, http.StatusServiceUnavailable, healthResponse{Status: "not ready", Failed: failed})
		return
	}
	respond.JSON(w, http.StatusOK, healthResponse{Status: "ok"})
}
