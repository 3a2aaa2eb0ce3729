package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/jellycast/internal/classifier"
	"github.com/lalithlochan/jellycast/internal/db"
	"github.com/lalithlochan/jellycast/internal/dispatch"
	"github.com/lalithlochan/jellycast/internal/media"
	"github.com/lalithlochan/jellycast/internal/metrics"
	"github.com/lalithlochan/jellycast/internal/pipeline"
	"github.com/lalithlochan/jellycast/internal/redis"
	"github.com/lalithlochan/jellycast/internal/syncer"
)

// maxBodyBytes bounds inbound webhook bodies.
const maxBodyBytes = 1 << 20

// Pipeline processes inbound events.
type Pipeline interface {
	Submit(ctx context.Context, raw classifier.RawEvent) (pipeline.Result, error)
	Stats() pipeline.Stats
	Reject(reason string)
}

// Dispatcher exposes queue state and dead-letter operations.
type Dispatcher interface {
	Stats() dispatch.Stats
	DeadLetters(ctx context.Context, limit, offset int) ([]*db.Job, error)
	Redrive(ctx context.Context, id uuid.UUID) (*db.Job, error)
	SendTest(ctx context.Context, channel string) error
}

// Syncer runs library sync passes on demand.
type Syncer interface {
	Trigger() error
	Running() bool
	LastReport() *syncer.Report
}

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	pipeline    Pipeline
	dispatcher  Dispatcher
	syncer      Syncer                    // nil if library sync is off
	idempotency *redis.IdempotencyService // nil if Redis not configured
	startedAt   time.Time

	mu     sync.RWMutex
	checks map[string]HealthCheck
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, p Pipeline, d Dispatcher) *Handler {
	return &Handler{
		logger:     logger,
		pipeline:   p,
		dispatcher: d,
		startedAt:  time.Now(),
		checks:     make(map[string]HealthCheck),
	}
}

// WithIdempotency enables Idempotency-Key handling on the webhook.
func (h *Handler) WithIdempotency(svc *redis.IdempotencyService) *Handler {
	h.idempotency = svc
	return h
}

// WithSyncer enables POST /sync.
func (h *Handler) WithSyncer(s Syncer) *Handler {
	h.syncer = s
	return h
}

// AddHealthCheck registers a dependency reported by GET /health.
func (h *Handler) AddHealthCheck(name string, check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Webhook handles POST /webhook.
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idempotencyKey := r.Header.Get("Idempotency-Key")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "invalid_request", "Body too large", "")
			return
		}
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unreadable body", err.Error())
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		h.pipeline.Reject("malformed")
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, "webhook", idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Event is already being processed",
					"Another delivery with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cached != nil {
			metrics.RecordIdempotencyHit()
			w.Header().Set("X-Idempotency-Replayed", "true")
			h.writeJSON(w, cached.StatusCode, pipeline.Result{
				ItemID:  cached.ItemID,
				Outcome: media.Outcome(cached.Outcome),
			})
			return
		}
	}

	res, err := h.pipeline.Submit(ctx, classifier.FromPayload(payload))
	if err != nil {
		if idempotencyKey != "" && h.idempotency != nil {
			if rerr := h.idempotency.Release(ctx, "webhook", idempotencyKey); rerr != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(rerr))
			}
		}

		var verr *media.ValidationError
		switch {
		case errors.As(err, &verr):
			h.writeError(w, http.StatusBadRequest, "invalid_event", "Invalid event", verr.Error())
		case errors.Is(err, pipeline.ErrStateStore):
			w.Header().Set("Retry-After", "5")
			h.writeError(w, http.StatusServiceUnavailable, "state_store_error", "Event could not be processed", "")
		default:
			h.writeError(w, http.StatusInternalServerError, "internal_error", "Event could not be processed", "")
		}
		return
	}

	if idempotencyKey != "" && h.idempotency != nil {
		result := &redis.IdempotencyResult{
			ItemID:     res.ItemID,
			Outcome:    string(res.Outcome),
			StatusCode: http.StatusAccepted,
		}
		if err := h.idempotency.Store(ctx, "webhook", idempotencyKey, result, redis.IdempotencyTTL); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	h.writeJSON(w, http.StatusAccepted, res)
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	h.mu.RUnlock()
	sort.Strings(names)

	status := http.StatusOK
	results := make(map[string]string, len(names))
	for _, name := range names {
		h.mu.RLock()
		check := h.checks[name]
		h.mu.RUnlock()

		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	h.writeJSON(w, status, map[string]any{
		"status": overall,
		"checks": results,
	})
}

// Stats handles GET /stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"events":         h.pipeline.Stats(),
		"dispatch":       h.dispatcher.Stats(),
	}
	if h.syncer != nil {
		resp["sync"] = map[string]any{
			"running":     h.syncer.Running(),
			"last_report": h.syncer.LastReport(),
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// TriggerSync handles POST /sync.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if h.syncer == nil {
		h.writeError(w, http.StatusServiceUnavailable, "sync_disabled", "Library sync is not configured", "")
		return
	}

	err := h.syncer.Trigger()
	switch {
	case errors.Is(err, syncer.ErrPassInProgress):
		h.writeError(w, http.StatusConflict, "sync_running", "A sync pass is already running", "")
		return
	case errors.Is(err, syncer.ErrNotConfigured):
		h.writeError(w, http.StatusServiceUnavailable, "sync_disabled", "Library sync is not configured", "")
		return
	case err != nil:
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to start sync", err.Error())
		return
	}

	h.logger.Info("library sync triggered")
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// ListDeadLetters handles GET /v1/dlq?limit=20&offset=0
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Parse pagination parameters with defaults
	limit := 20
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	jobs, err := h.dispatcher.DeadLetters(ctx, limit, offset)
	if err != nil {
		h.logger.Error("failed to list dead letters", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list dead letters", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":   jobs,
		"limit":  limit,
		"offset": offset,
		"count":  len(jobs),
	})
}

// RetryDeadLetter handles POST /v1/dlq/{id}/retry
func (h *Handler) RetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid job ID", "ID must be a valid UUID")
		return
	}

	job, err := h.dispatcher.Redrive(ctx, id)
	switch {
	case errors.Is(err, db.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Job not found", "")
		return
	case errors.Is(err, dispatch.ErrNotDeadLettered):
		h.writeError(w, http.StatusConflict, "invalid_state", "Job is not dead-lettered", "")
		return
	case errors.Is(err, dispatch.ErrUnknownChannel):
		h.writeError(w, http.StatusConflict, "unknown_channel", "Job channel is no longer configured", err.Error())
		return
	case errors.Is(err, dispatch.ErrQueueOverflow):
		h.writeError(w, http.StatusServiceUnavailable, "queue_full", "Channel queue is full", "")
		return
	case err != nil:
		h.logger.Error("failed to redrive job", zap.Error(err), zap.String("id", idStr))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to retry job", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"id":      job.ID.String(),
		"status":  "retried",
		"channel": job.Channel,
	})
}

// SendTest handles POST /test/{channel}.
func (h *Handler) SendTest(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")

	err := h.dispatcher.SendTest(r.Context(), channel)
	switch {
	case errors.Is(err, dispatch.ErrUnknownChannel):
		h.writeError(w, http.StatusNotFound, "unknown_channel", "Channel not found", "")
		return
	case err != nil:
		h.logger.Warn("test notification failed", zap.String("channel", channel), zap.Error(err))
		h.writeError(w, http.StatusBadGateway, "delivery_failed", "Test notification failed", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"channel": channel, "status": "sent"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to write response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
