package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/herald-io/herald/internal/db"
	"github.com/herald-io/herald/internal/engine"
	"github.com/herald-io/herald/internal/metrics"
	"github.com/herald-io/herald/internal/redis"
)

// NotificationEngine is the engine surface the HTTP layer drives.
type NotificationEngine interface {
	Dispatch(ctx context.Context, in engine.DispatchInput) (*db.Notification, error)
	DispatchBulk(ctx context.Context, recipientIDs []uuid.UUID, in engine.DispatchInput) (*engine.BulkResult, error)
	Get(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	List(ctx context.Context, f db.ListFilter) ([]*db.Notification, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, to string, upd engine.StatusUpdate) (*db.Notification, error)
	MarkRead(ctx context.Context, id, recipientID uuid.UUID) (*db.Notification, error)
	MarkAllRead(ctx context.Context, recipientID uuid.UUID) (int64, error)
	MarkClicked(ctx context.Context, id, recipientID uuid.UUID) (*db.Notification, error)
	Retry(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Stats(ctx context.Context, recipientID *uuid.UUID) (*engine.Stats, error)
}

// DispatchRequest is the body for POST /v1/notifications.
type DispatchRequest struct {
	RecipientID string         `json:"recipient_id"`
	Channel     string         `json:"channel"`
	Template    string         `json:"template"`
	Subject     string         `json:"subject"`
	Content     string         `json:"content"`
	Payload     map[string]any `json:"payload,omitempty"`
	Priority    string         `json:"priority,omitempty"`
	ScheduledAt *time.Time     `json:"scheduled_at,omitempty"`
}

// BulkDispatchRequest is the body for POST /v1/notifications/bulk.
type BulkDispatchRequest struct {
	RecipientIDs []string       `json:"recipient_ids"`
	Channel      string         `json:"channel"`
	Template     string         `json:"template"`
	Subject      string         `json:"subject"`
	Content      string         `json:"content"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// StatusUpdateRequest is the body for the channel-callback path.
type StatusUpdateRequest struct {
	Status       string `json:"status"`
	ExternalID   string `json:"external_id,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

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
	engine      NotificationEngine
	idempotency *redis.IdempotencyService // nil if Redis not configured
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, eng NotificationEngine) *Handler {
	return &Handler{
		logger: logger,
		engine: eng,
	}
}

// NewHandlerWithIdempotency creates a handler with idempotency support
func NewHandlerWithIdempotency(logger *zap.Logger, eng NotificationEngine, idempotency *redis.IdempotencyService) *Handler {
	return &Handler{
		logger:      logger,
		engine:      eng,
		idempotency: idempotency,
	}
}

// Routes mounts every notification endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/notifications", h.Dispatch)
	r.Post("/notifications/bulk", h.DispatchBulk)
	r.Get("/notifications", h.ListNotifications)
	r.Get("/notifications/stats", h.Stats)
	r.Post("/notifications/read-all", h.MarkAllRead)
	r.Get("/notifications/{id}", h.GetNotification)
	r.Patch("/notifications/{id}/status", h.UpdateStatus)
	r.Post("/notifications/{id}/read", h.MarkRead)
	r.Post("/notifications/{id}/clicked", h.MarkClicked)
	r.Post("/notifications/{id}/retry", h.Retry)
	r.Delete("/notifications/{id}", h.DeleteNotification)
}

func (h *Handler) decodeDispatchInput(req DispatchRequest) (engine.DispatchInput, string, string) {
	if req.RecipientID == "" || req.Channel == "" || req.Template == "" {
		return engine.DispatchInput{}, "Missing required fields", "recipient_id, channel and template are required"
	}
	if !db.ValidChannel(req.Channel) {
		return engine.DispatchInput{}, "Invalid channel", "channel must be email, push, sms, or in_app"
	}

	recipientID, err := uuid.Parse(req.RecipientID)
	if err != nil {
		return engine.DispatchInput{}, "Invalid recipient_id", "recipient_id must be a valid UUID"
	}

	return engine.DispatchInput{
		RecipientID: recipientID,
		Channel:     req.Channel,
		Template:    req.Template,
		Subject:     req.Subject,
		Content:     req.Content,
		Payload:     req.Payload,
		Priority:    req.Priority,
		ScheduledAt: req.ScheduledAt,
	}, "", ""
}

// Dispatch handles POST /v1/notifications.
// Supports replay protection via the Idempotency-Key header.
func (h *Handler) Dispatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	input, title, detail := h.decodeDispatchInput(req)
	if title != "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", title, detail)
		return
	}

	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, req.RecipientID, idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cached != nil {
			metrics.RecordIdempotencyHit()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_ = json.NewEncoder(w).Encode(map[string]string{"id": cached.NotificationID})
			return
		}
	}

	notif, err := h.engine.Dispatch(ctx, input)
	if err != nil {
		h.writeEngineError(w, err, "dispatch")
		return
	}

	metrics.RecordDispatched(notif.Channel, notif.Template)

	if idempotencyKey != "" && h.idempotency != nil {
		result := &redis.IdempotencyResult{
			NotificationID: notif.ID.String(),
			StatusCode:     http.StatusCreated,
		}
		if err := h.idempotency.Store(ctx, req.RecipientID, idempotencyKey, result); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	h.writeJSON(w, http.StatusCreated, notif)
}

// DispatchBulk handles POST /v1/notifications/bulk. Partial success is a
// 201: the body reports both created records and rejected recipient ids.
func (h *Handler) DispatchBulk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req BulkDispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if len(req.RecipientIDs) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing recipients", "recipient_ids must not be empty")
		return
	}
	if req.Channel == "" || req.Template == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "channel and template are required")
		return
	}
	if !db.ValidChannel(req.Channel) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel", "channel must be email, push, sms, or in_app")
		return
	}

	recipientIDs := make([]uuid.UUID, 0, len(req.RecipientIDs))
	for _, raw := range req.RecipientIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid recipient_id", raw+" is not a valid UUID")
			return
		}
		recipientIDs = append(recipientIDs, id)
	}

	result, err := h.engine.DispatchBulk(ctx, recipientIDs, engine.DispatchInput{
		Channel:  req.Channel,
		Template: req.Template,
		Subject:  req.Subject,
		Content:  req.Content,
		Payload:  req.Payload,
	})
	if err != nil {
		h.writeEngineError(w, err, "bulk dispatch")
		return
	}

	for _, n := range result.Created {
		metrics.RecordDispatched(n.Channel, n.Template)
	}

	h.writeJSON(w, http.StatusCreated, result)
}

// GetNotification handles GET /v1/notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	notif, err := h.engine.Get(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, err, "get")
		return
	}

	h.writeJSON(w, http.StatusOK, notif)
}

// ListNotifications handles GET /v1/notifications?recipient_id=...
// Filters: channel, status, template, created_from, created_to, unread.
// Sort: sort_by (created_at|sent_at|delivered_at|subject) + order.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	recipientIDStr := q.Get("recipient_id")
	if recipientIDStr == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing recipient_id", "recipient_id query parameter is required")
		return
	}
	recipientID, err := uuid.Parse(recipientIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid recipient_id", "recipient_id must be a valid UUID")
		return
	}

	filter := db.ListFilter{
		RecipientID: recipientID,
		Channel:     q.Get("channel"),
		Status:      q.Get("status"),
		Template:    q.Get("template"),
		SortBy:      q.Get("sort_by"),
		SortDesc:    q.Get("order") != "asc",
		Page:        1,
		Limit:       20,
	}

	if from := q.Get("created_from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid created_from", "created_from must be RFC3339")
			return
		}
		filter.CreatedFrom = &t
	}
	if to := q.Get("created_to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid created_to", "created_to must be RFC3339")
			return
		}
		filter.CreatedTo = &t
	}
	if unread := q.Get("unread"); unread != "" {
		v := unread == "true"
		filter.Unread = &v
	}
	if pageStr := q.Get("page"); pageStr != "" {
		if p, err := strconv.Atoi(pageStr); err == nil && p > 0 {
			filter.Page = p
		}
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= db.MaxPageSize {
			filter.Limit = l
		}
	}

	notifications, err := h.engine.List(r.Context(), filter)
	if err != nil {
		h.writeEngineError(w, err, "list")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":  notifications,
		"page":  filter.Page,
		"limit": filter.Limit,
		"count": len(notifications),
	})
}

// UpdateStatus handles PATCH /v1/notifications/{id}/status. This is the
// channel-callback path; every update is checked against the delivery state
// machine and rejected with 409 when it doesn't match an edge.
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	var req StatusUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if !db.ValidStatus(req.Status) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status",
			"status must be one of: pending, sent, delivered, failed, bounced")
		return
	}

	notif, err := h.engine.UpdateStatus(r.Context(), id, req.Status, engine.StatusUpdate{
		ExternalID:   req.ExternalID,
		ErrorMessage: req.ErrorMessage,
	})
	if err != nil {
		h.writeEngineError(w, err, "update status")
		return
	}

	h.writeJSON(w, http.StatusOK, notif)
}

// MarkRead handles POST /v1/notifications/{id}/read
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	recipientID, ok := h.bodyRecipientID(w, r)
	if !ok {
		return
	}

	notif, err := h.engine.MarkRead(r.Context(), id, recipientID)
	if err != nil {
		h.writeEngineError(w, err, "mark read")
		return
	}

	h.writeJSON(w, http.StatusOK, notif)
}

// MarkAllRead handles POST /v1/notifications/read-all
func (h *Handler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	recipientID, ok := h.bodyRecipientID(w, r)
	if !ok {
		return
	}

	updated, err := h.engine.MarkAllRead(r.Context(), recipientID)
	if err != nil {
		h.writeEngineError(w, err, "mark all read")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]int64{"updated_count": updated})
}

// MarkClicked handles POST /v1/notifications/{id}/clicked
func (h *Handler) MarkClicked(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	recipientID, ok := h.bodyRecipientID(w, r)
	if !ok {
		return
	}

	notif, err := h.engine.MarkClicked(r.Context(), id, recipientID)
	if err != nil {
		h.writeEngineError(w, err, "mark clicked")
		return
	}

	h.writeJSON(w, http.StatusOK, notif)
}

// Retry handles POST /v1/notifications/{id}/retry
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	notif, err := h.engine.Retry(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, err, "retry")
		return
	}

	metrics.RecordRetry()

	h.writeJSON(w, http.StatusOK, notif)
}

// DeleteNotification handles DELETE /v1/notifications/{id}
func (h *Handler) DeleteNotification(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	if err := h.engine.Delete(r.Context(), id); err != nil {
		h.writeEngineError(w, err, "delete")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Stats handles GET /v1/notifications/stats?recipient_id=...
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	var recipientID *uuid.UUID
	if raw := r.URL.Query().Get("recipient_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid recipient_id", "recipient_id must be a valid UUID")
			return
		}
		recipientID = &id
	}

	stats, err := h.engine.Stats(r.Context(), recipientID)
	if err != nil {
		h.writeEngineError(w, err, "stats")
		return
	}

	h.writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) bodyRecipientID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	var req struct {
		RecipientID string `json:"recipient_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return uuid.Nil, false
	}
	recipientID, err := uuid.Parse(req.RecipientID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid recipient_id", "recipient_id must be a valid UUID")
		return uuid.Nil, false
	}
	return recipientID, true
}

// writeEngineError translates the engine's error taxonomy to HTTP.
// Channel-sender detail stays on the record; error responses carry only the
// taxonomy, never downstream diagnostics.
func (h *Handler) writeEngineError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, engine.ErrRecipientNotFound):
		h.writeError(w, http.StatusNotFound, "recipient_not_found", "Recipient not found", "")
	case errors.Is(err, engine.ErrNotificationNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
	case errors.Is(err, engine.ErrInvalidStateTransition):
		h.writeError(w, http.StatusConflict, "invalid_state_transition", "Invalid state transition", err.Error())
	case errors.Is(err, engine.ErrInvalidRetryState):
		h.writeError(w, http.StatusConflict, "invalid_retry_state", "Only failed notifications can be retried", "")
	case errors.Is(err, engine.ErrRetryLimitExceeded):
		h.writeError(w, http.StatusConflict, "retry_limit_exceeded", "Retry limit exceeded", "")
	case errors.Is(err, engine.ErrUnsupportedChannel):
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel", "")
	default:
		h.logger.Error("engine operation failed",
			zap.Error(err),
			zap.String("operation", op),
		)
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Operation failed", "")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
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
