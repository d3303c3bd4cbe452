// Package engine implements the notification dispatch and delivery-tracking
// core: record creation with recipient validation, the delivery state
// machine, explicit retry, read tracking and delivery analytics. Transport
// and persistence are injected capabilities.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/herald-io/herald/internal/db"
	"github.com/herald-io/herald/internal/render"
)

// Config holds engine tuning knobs.
type Config struct {
	// MaxRetries caps how often a failed notification may be retried.
	// Zero disables the ceiling and matches the unbounded behavior of
	// operator-driven retry.
	MaxRetries int
}

// Engine coordinates dispatch, status transitions, retries, read tracking
// and stats over the injected store, resolver and delivery queue.
type Engine struct {
	store    Store
	resolver RecipientResolver
	queue    Queue
	config   Config
	logger   *zap.Logger
	now      func() time.Time
}

// New creates an Engine.
func New(store Store, resolver RecipientResolver, queue Queue, cfg Config, logger *zap.Logger) *Engine {
	return &Engine{
		store:    store,
		resolver: resolver,
		queue:    queue,
		config:   cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// DispatchInput describes one notification to create.
type DispatchInput struct {
	RecipientID uuid.UUID
	Channel     string
	Template    string
	Subject     string
	Content     string
	Payload     map[string]any
	Priority    string
	ScheduledAt *time.Time
}

// BulkResult reports the outcome of a bulk dispatch: the created records and
// the recipient ids that failed resolver validation. Partial success is the
// normal case, not an error.
type BulkResult struct {
	Created            []*db.Notification `json:"created"`
	FailedRecipientIDs []uuid.UUID        `json:"failed_recipient_ids"`
}

// Dispatch validates the recipient, creates a pending record and schedules
// the asynchronous delivery attempt. The caller gets the pending record
// immediately; the transition to sent/failed happens on the worker path.
func (e *Engine) Dispatch(ctx context.Context, in DispatchInput) (*db.Notification, error) {
	if !db.ValidChannel(in.Channel) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChannel, in.Channel)
	}

	exists, err := e.resolver.Exists(ctx, in.RecipientID)
	if err != nil {
		return nil, fmt.Errorf("resolve recipient: %w", err)
	}
	if !exists {
		return nil, ErrRecipientNotFound
	}

	notif := e.buildNotification(in, "")
	if err := e.store.CreateNotification(ctx, notif); err != nil {
		return nil, err
	}

	e.enqueueDelivery(ctx, notif)

	return notif, nil
}

// DispatchBulk validates each recipient independently and creates one record
// per valid recipient. Unknown recipients are reported, not fatal. A
// duplicated recipient id yields two independent records. Every created
// record carries a shared bulk_id payload token so the cohort can be grouped
// later.
func (e *Engine) DispatchBulk(ctx context.Context, recipientIDs []uuid.UUID, in DispatchInput) (*BulkResult, error) {
	if !db.ValidChannel(in.Channel) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChannel, in.Channel)
	}

	bulkID := fmt.Sprintf("bulk_%d", e.now().UnixMilli())
	result := &BulkResult{
		Created:            []*db.Notification{},
		FailedRecipientIDs: []uuid.UUID{},
	}

	for _, rid := range recipientIDs {
		exists, err := e.resolver.Exists(ctx, rid)
		if err != nil {
			return nil, fmt.Errorf("resolve recipient %s: %w", rid, err)
		}
		if !exists {
			result.FailedRecipientIDs = append(result.FailedRecipientIDs, rid)
			continue
		}

		bulkIn := in
		bulkIn.RecipientID = rid
		result.Created = append(result.Created, e.buildNotification(bulkIn, bulkID))
	}

	if len(result.Created) > 0 {
		if err := e.store.CreateNotifications(ctx, result.Created); err != nil {
			return nil, err
		}
		for _, n := range result.Created {
			e.enqueueDelivery(ctx, n)
		}
	}

	e.logger.Info("bulk dispatch completed",
		zap.String("bulk_id", bulkID),
		zap.String("channel", in.Channel),
		zap.Int("created", len(result.Created)),
		zap.Int("failed", len(result.FailedRecipientIDs)),
	)

	return result, nil
}

func (e *Engine) buildNotification(in DispatchInput, bulkID string) *db.Notification {
	payload := make(map[string]any, len(in.Payload)+3)
	for k, v := range in.Payload {
		payload[k] = v
	}
	if in.Priority != "" {
		payload[db.PayloadKeyPriority] = in.Priority
	}
	if in.ScheduledAt != nil {
		payload[db.PayloadKeyScheduledAt] = in.ScheduledAt.UTC().Format(time.RFC3339)
	}
	if bulkID != "" {
		payload[db.PayloadKeyBulkID] = bulkID
	}

	return &db.Notification{
		ID:          uuid.New(),
		RecipientID: in.RecipientID,
		Channel:     in.Channel,
		Template:    in.Template,
		Subject:     render.Fill(in.Subject, payload),
		Content:     render.Fill(in.Content, payload),
		Payload:     payload,
		Status:      db.StatusPending,
	}
}

// enqueueDelivery hands the record to the asynchronous send path. A queue
// failure leaves the record pending and is logged; the record is durable and
// an operator retry re-enters it into the pipeline.
func (e *Engine) enqueueDelivery(ctx context.Context, n *db.Notification) {
	task := DeliveryTask{
		NotificationID: n.ID,
		Channel:        n.Channel,
		Attempt:        n.RetryCount,
		EnqueuedAt:     e.now().UnixNano(),
	}
	if err := e.queue.Enqueue(ctx, task); err != nil {
		e.logger.Error("failed to enqueue delivery task",
			zap.Error(err),
			zap.String("notification_id", n.ID.String()),
		)
	}
}

// Get returns a notification by id.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*db.Notification, error) {
	n, err := e.store.GetNotification(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotificationNotFound
	}
	return n, err
}

// List returns a filtered, sorted page of a recipient's notifications.
func (e *Engine) List(ctx context.Context, f db.ListFilter) ([]*db.Notification, error) {
	return e.store.ListNotifications(ctx, f)
}

// UpdateStatus applies a status transition, rejecting anything that is not
// an edge of the state machine. Concurrent callbacks for the same record are
// serialized by the store's compare-and-set guard: the loser observes a
// record that already moved on and gets InvalidTransitionError instead of
// overwriting it.
func (e *Engine) UpdateStatus(ctx context.Context, id uuid.UUID, to string, upd StatusUpdate) (*db.Notification, error) {
	if !db.ValidStatus(to) {
		return nil, &InvalidTransitionError{From: "?", To: to}
	}

	n, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	from := n.Status
	if !CanTransition(from, to) {
		return nil, &InvalidTransitionError{From: from, To: to}
	}

	eff := transitionEffects(from, to, upd, e.now())
	applied, err := e.store.TransitionStatus(ctx, id, from, to, eff)
	if err != nil {
		return nil, err
	}
	if !applied {
		// Lost the race: re-read so the error names the real current state.
		current, gerr := e.Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return nil, &InvalidTransitionError{From: current.Status, To: to}
	}

	updated, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	e.logger.Info("notification status updated",
		zap.String("notification_id", id.String()),
		zap.String("from", from),
		zap.String("to", to),
	)

	// A failed record reset to pending re-enters the delivery pipeline
	// exactly as if freshly dispatched.
	if from == db.StatusFailed && to == db.StatusPending {
		e.enqueueDelivery(ctx, updated)
	}

	return updated, nil
}

// Retry resets a failed notification to pending, increments its retry
// counter, clears the error and re-enqueues delivery. Only failed records
// are retryable; there is no automatic scheduled retry.
func (e *Engine) Retry(ctx context.Context, id uuid.UUID) (*db.Notification, error) {
	n, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if n.Status != db.StatusFailed {
		return nil, fmt.Errorf("%w: status is %s", ErrInvalidRetryState, n.Status)
	}
	if e.config.MaxRetries > 0 && n.RetryCount >= e.config.MaxRetries {
		return nil, fmt.Errorf("%w: %d attempts", ErrRetryLimitExceeded, n.RetryCount)
	}

	return e.UpdateStatus(ctx, id, db.StatusPending, StatusUpdate{})
}

// MarkRead stamps opened_at on an in-app notification (first read wins).
func (e *Engine) MarkRead(ctx context.Context, id, recipientID uuid.UUID) (*db.Notification, error) {
	n, err := e.store.MarkRead(ctx, id, recipientID, e.now())
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotificationNotFound
	}
	return n, err
}

// MarkAllRead stamps opened_at on every unread in-app notification owned by
// the recipient and returns the number updated.
func (e *Engine) MarkAllRead(ctx context.Context, recipientID uuid.UUID) (int64, error) {
	return e.store.MarkAllRead(ctx, recipientID, e.now())
}

// MarkClicked stamps clicked_at (first click wins).
func (e *Engine) MarkClicked(ctx context.Context, id, recipientID uuid.UUID) (*db.Notification, error) {
	n, err := e.store.MarkClicked(ctx, id, recipientID, e.now())
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotificationNotFound
	}
	return n, err
}

// Delete soft-deletes a notification. Delivery logic never deletes records;
// this is the administrative path only.
func (e *Engine) Delete(ctx context.Context, id uuid.UUID) error {
	err := e.store.SoftDelete(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return ErrNotificationNotFound
	}
	return err
}

// Stats computes delivery and engagement aggregates, globally or scoped to
// one recipient.
func (e *Engine) Stats(ctx context.Context, recipientID *uuid.UUID) (*Stats, error) {
	records, err := e.store.CollectStats(ctx, recipientID)
	if err != nil {
		return nil, err
	}
	return ComputeStats(records, e.now()), nil
}
