package worker

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	hhttp "drip-engine/internal/handler/http"
	"drip-engine/internal/handler/http/respond"
	"drip-engine/internal/infra/queue"
	"drip-engine/internal/observability/tracing"
)

// QueueInspector exposes queue state to the ops endpoints.
type QueueInspector interface {
	Stats(ctx context.Context) (queue.Stats, error)
	Failed(ctx context.Context, limit int) ([]*queue.Job, error)
}

// CooldownAdmin reads and clears channel cooldowns.
type CooldownAdmin interface {
	Remaining(ctx context.Context, channelID int64) (time.Duration, error)
	Clear(ctx context.Context, channelID int64) error
}

// CacheInvalidator evicts cached campaign and channel facts after an
// out-of-band edit to the store of record.
type CacheInvalidator interface {
	InvalidateCampaign(ctx context.Context, campaignID int64) error
	InvalidateChannel(ctx context.Context, channelID int64) error
}

// BreakerProbe reports whether a channel's circuit breaker is open.
type BreakerProbe func(channelID int64) bool

// OpsDeps are the collaborators of the ops router.
type OpsDeps struct {
	Health    *HealthServer
	Queue     QueueInspector
	Cooldowns CooldownAdmin
	// Breakers is optional.
	Breakers BreakerProbe
	// Cache is optional; without it the cache routes are not mounted.
	Cache CacheInvalidator
	// Gatherer defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

type failedJob struct {
	ID          string    `json:"id"`
	Priority    int       `json:"priority"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	Group       string    `json:"group,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	Payload     string    `json:"payload"`
	CreatedAt   time.Time `json:"created_at"`
	FailedAt    time.Time `json:"failed_at"`
}

type cooldownResponse struct {
	ChannelID        int64 `json:"channel_id"`
	Active           bool  `json:"active"`
	RemainingSeconds int64 `json:"remaining_seconds"`
	BreakerOpen      *bool `json:"breaker_open,omitempty"`
}

// NewOpsRouter builds the ops HTTP surface.
//
//	GET    /health
//	GET    /health/ready
//	GET    /metrics
//	GET    /queue/stats
//	GET    /queue/failed?limit=N
//	GET    /channels/{id}/cooldown
//	DELETE /channels/{id}/cooldown
//	DELETE /channels/{id}/cache
//	DELETE /campaigns/{id}/cache
func NewOpsRouter(d OpsDeps) http.Handler {
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(hhttp.RequestID(d.Logger))
	r.Use(hhttp.Recover(d.Logger))
	r.Use(tracing.Middleware)
	r.Use(hhttp.Logging(d.Logger))

	r.Get("/health", d.Health.handleLiveness)
	r.Get("/health/ready", d.Health.handleReadiness)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/queue", func(r chi.Router) {
		r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
			stats, err := d.Queue.Stats(r.Context())
			if err != nil {
				respond.SafeError(w, http.StatusInternalServerError, err)
				return
			}
			respond.JSON(w, http.StatusOK, stats)
		})
		r.Get("/failed", func(w http.ResponseWriter, r *http.Request) {
			limit := 50
			if raw := r.URL.Query().Get("limit"); raw != "" {
				n, err := strconv.Atoi(raw)
				if err != nil || n < 1 || n > 1000 {
					respond.Error(w, http.StatusBadRequest, "limit must be between 1 and 1000")
					return
				}
				limit = n
			}
			jobs, err := d.Queue.Failed(r.Context(), limit)
			if err != nil {
				respond.SafeError(w, http.StatusInternalServerError, err)
				return
			}
			out := make([]failedJob, 0, len(jobs))
			for _, j := range jobs {
				out = append(out, failedJob{
					ID:          j.ID,
					Priority:    j.Priority,
					Attempts:    j.Attempts,
					MaxAttempts: j.MaxAttempts,
					Group:       j.Group,
					LastError:   j.LastError,
					Payload:     string(j.Payload),
					CreatedAt:   j.CreatedAt,
					FailedAt:    j.FailedAt,
				})
			}
			respond.JSON(w, http.StatusOK, out)
		})
	})

	r.Get("/channels/{id}/cooldown", func(w http.ResponseWriter, r *http.Request) {
		id, ok := channelID(w, r)
		if !ok {
			return
		}
		remaining, err := d.Cooldowns.Remaining(r.Context(), id)
		if err != nil {
			respond.SafeError(w, http.StatusInternalServerError, err)
			return
		}
		resp := cooldownResponse{
			ChannelID:        id,
			Active:           remaining > 0,
			RemainingSeconds: int64(math.Ceil(remaining.Seconds())),
		}
		if d.Breakers != nil {
			open := d.Breakers(id)
			resp.BreakerOpen = &open
		}
		respond.JSON(w, http.StatusOK, resp)
	})
	r.Delete("/channels/{id}/cooldown", func(w http.ResponseWriter, r *http.Request) {
		id, ok := channelID(w, r)
		if !ok {
			return
		}
		if err := d.Cooldowns.Clear(r.Context(), id); err != nil {
			respond.SafeError(w, http.StatusInternalServerError, err)
			return
		}
		d.Logger.Info("channel cooldown cleared", slog.Int64("channel_id", id))
		w.WriteHeader(http.StatusNoContent)
	})

	if d.Cache != nil {
		r.Delete("/channels/{id}/cache", func(w http.ResponseWriter, r *http.Request) {
			id, ok := channelID(w, r)
			if !ok {
				return
			}
			if err := d.Cache.InvalidateChannel(r.Context(), id); err != nil {
				respond.SafeError(w, http.StatusInternalServerError, err)
				return
			}
			d.Logger.Info("channel cache invalidated", slog.Int64("channel_id", id))
			w.WriteHeader(http.StatusNoContent)
		})
		r.Delete("/campaigns/{id}/cache", func(w http.ResponseWriter, r *http.Request) {
			id, ok := pathID(w, r, "campaign")
			if !ok {
				return
			}
			if err := d.Cache.InvalidateCampaign(r.Context(), id); err != nil {
				respond.SafeError(w, http.StatusInternalServerError, err)
				return
			}
			d.Logger.Info("campaign cache invalidated", slog.Int64("campaign_id", id))
			w.WriteHeader(http.StatusNoContent)
		})
	}

	return r
}

func channelID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	return pathID(w, r, "channel")
}

func pathID(w http.ResponseWriter, r *http.Request, kind string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respond.Error(w, http.StatusBadRequest, "invalid "+kind+" id")
		return 0, false
	}
	return id, true
}

// Serve runs handler on addr until ctx is cancelled, then shuts down
// gracefully within 5 seconds.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("ops server starting", slog.String("addr", addr))
		errChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logger.Info("ops server shutting down")
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("ops server shutdown failed", slog.Any("error", err))
			return err
		}
		return http.ErrServerClosed
	case err := <-errChan:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server failed", slog.Any("error", err))
		}
		return err
	}
}
