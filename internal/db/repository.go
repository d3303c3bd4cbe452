package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrNotFound is returned when no matching notification row exists.
var ErrNotFound = errors.New("notification not found")

// Repository handles database operations for notifications
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new notification repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const notificationColumns = `
	id, recipient_id, channel, template, subject, content, payload,
	status, external_id, error_message, retry_count,
	sent_at, delivered_at, opened_at, clicked_at,
	created_at, updated_at, deleted_at
`

func scanNotification(row pgx.Row) (*Notification, error) {
	var n Notification
	err := row.Scan(
		&n.ID,
		&n.RecipientID,
		&n.Channel,
		&n.Template,
		&n.Subject,
		&n.Content,
		&n.Payload,
		&n.Status,
		&n.ExternalID,
		&n.ErrorMessage,
		&n.RetryCount,
		&n.SentAt,
		&n.DeliveredAt,
		&n.OpenedAt,
		&n.ClickedAt,
		&n.CreatedAt,
		&n.UpdatedAt,
		&n.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// CreateNotification inserts a new notification into the database
func (r *Repository) CreateNotification(ctx context.Context, notif *Notification) error {
	query := `
		INSERT INTO notifications (
			id, recipient_id, channel, template, subject, content,
			payload, status, retry_count
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		notif.ID,
		notif.RecipientID,
		notif.Channel,
		notif.Template,
		notif.Subject,
		notif.Content,
		notif.Payload,
		notif.Status,
		notif.RetryCount,
	).Scan(&notif.CreatedAt, &notif.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("notification_id", notif.ID.String()),
		)
		return fmt.Errorf("insert notification: %w", err)
	}

	r.logger.Info("notification created",
		zap.String("notification_id", notif.ID.String()),
		zap.String("recipient_id", notif.RecipientID.String()),
		zap.String("channel", notif.Channel),
		zap.String("template", notif.Template),
	)

	return nil
}

// CreateNotifications inserts a batch of notifications in one round trip.
// Bulk dispatch creates one independent row per recipient; there is no
// batch-level job row.
func (r *Repository) CreateNotifications(ctx context.Context, notifs []*Notification) error {
	if len(notifs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO notifications (
			id, recipient_id, channel, template, subject, content,
			payload, status, retry_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`
	for _, n := range notifs {
		batch.Queue(query,
			n.ID, n.RecipientID, n.Channel, n.Template, n.Subject, n.Content,
			n.Payload, n.Status, n.RetryCount,
		)
	}

	results := r.db.Pool().SendBatch(ctx, batch)
	defer results.Close()

	for _, n := range notifs {
		if err := results.QueryRow().Scan(&n.CreatedAt, &n.UpdatedAt); err != nil {
			return fmt.Errorf("insert notification batch: %w", err)
		}
	}

	r.logger.Info("notification batch created",
		zap.Int("count", len(notifs)),
		zap.String("channel", notifs[0].Channel),
	)

	return nil
}

// GetNotification retrieves a notification by ID
func (r *Repository) GetNotification(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE id = $1 AND deleted_at IS NULL
	`

	n, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		r.logger.Error("failed to get notification",
			zap.Error(err),
			zap.String("notification_id", id.String()),
		)
		return nil, fmt.Errorf("query notification: %w", err)
	}

	return n, nil
}

var sortColumns = map[string]string{
	SortByCreatedAt:   "created_at",
	SortBySentAt:      "sent_at",
	SortByDeliveredAt: "delivered_at",
	SortBySubject:     "subject",
}

// ListNotifications retrieves a recipient's notifications with filters,
// sorting and page/limit pagination. The limit is clamped to MaxPageSize.
func (r *Repository) ListNotifications(ctx context.Context, f ListFilter) ([]*Notification, error) {
	where := []string{"recipient_id = $1", "deleted_at IS NULL"}
	args := []any{f.RecipientID}

	addArg := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if f.Channel != "" {
		addArg("channel = $%d", f.Channel)
	}
	if f.Status != "" {
		addArg("status = $%d", f.Status)
	}
	if f.Template != "" {
		addArg("template = $%d", f.Template)
	}
	if f.CreatedFrom != nil {
		addArg("created_at >= $%d", *f.CreatedFrom)
	}
	if f.CreatedTo != nil {
		addArg("created_at <= $%d", *f.CreatedTo)
	}
	if f.Unread != nil {
		if *f.Unread {
			where = append(where, "opened_at IS NULL")
		} else {
			where = append(where, "opened_at IS NOT NULL")
		}
	}

	sortCol, ok := sortColumns[f.SortBy]
	if !ok {
		sortCol = "created_at"
	}
	direction := "ASC"
	if f.SortDesc {
		direction = "DESC"
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	page := f.Page
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * limit

	query := fmt.Sprintf(`
		SELECT %s
		FROM notifications
		WHERE %s
		ORDER BY %s %s NULLS LAST
		LIMIT %d OFFSET %d
	`, notificationColumns, strings.Join(where, " AND "), sortCol, direction, limit, offset)

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return notifications, nil
}

// TransitionStatus applies a status transition with a compare-and-set guard:
// the row is only updated when its current status still equals from. This is
// what linearizes concurrent status callbacks per record. Returns false when
// the guard did not match (the record moved on or never was in from).
func (r *Repository) TransitionStatus(ctx context.Context, id uuid.UUID, from, to string, eff TransitionEffects) (bool, error) {
	set := []string{"status = $1", "updated_at = NOW()"}
	args := []any{to}

	addSet := func(clause string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf(clause, len(args)))
	}

	if eff.SentAt != nil {
		addSet("sent_at = COALESCE(sent_at, $%d)", *eff.SentAt)
	}
	if eff.DeliveredAt != nil {
		addSet("delivered_at = COALESCE(delivered_at, $%d)", *eff.DeliveredAt)
	}
	if eff.ExternalID != nil {
		addSet("external_id = $%d", *eff.ExternalID)
	}
	if eff.ErrorMessage != nil {
		addSet("error_message = $%d", *eff.ErrorMessage)
	}
	if eff.ClearError {
		set = append(set, "error_message = NULL")
	}
	if eff.IncrementRetry {
		set = append(set, "retry_count = retry_count + 1")
	}

	args = append(args, id, from)
	query := fmt.Sprintf(`
		UPDATE notifications
		SET %s
		WHERE id = $%d AND status = $%d AND deleted_at IS NULL
	`, strings.Join(set, ", "), len(args)-1, len(args))

	result, err := r.db.Pool().Exec(ctx, query, args...)
	if err != nil {
		r.logger.Error("failed to transition notification status",
			zap.Error(err),
			zap.String("notification_id", id.String()),
			zap.String("from", from),
			zap.String("to", to),
		)
		return false, fmt.Errorf("transition status: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// MarkRead stamps opened_at on an in-app notification owned by the recipient.
// First read wins: an already-set opened_at is left untouched and the call
// still succeeds.
func (r *Repository) MarkRead(ctx context.Context, id, recipientID uuid.UUID, at time.Time) (*Notification, error) {
	query := `
		UPDATE notifications
		SET opened_at = COALESCE(opened_at, $3), updated_at = NOW()
		WHERE id = $1 AND recipient_id = $2 AND channel = $4 AND deleted_at IS NULL
		RETURNING ` + notificationColumns

	n, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id, recipientID, at, ChannelInApp))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}

	return n, nil
}

// MarkAllRead stamps opened_at on every unread in-app notification owned by
// the recipient and returns how many rows changed. Rows created after this
// statement runs are simply not included.
func (r *Repository) MarkAllRead(ctx context.Context, recipientID uuid.UUID, at time.Time) (int64, error) {
	query := `
		UPDATE notifications
		SET opened_at = $2, updated_at = NOW()
		WHERE recipient_id = $1 AND channel = $3 AND opened_at IS NULL AND deleted_at IS NULL
	`

	result, err := r.db.Pool().Exec(ctx, query, recipientID, at, ChannelInApp)
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}

	r.logger.Info("notifications marked read",
		zap.String("recipient_id", recipientID.String()),
		zap.Int64("updated", result.RowsAffected()),
	)

	return result.RowsAffected(), nil
}

// MarkClicked stamps clicked_at (first click wins). A click implies the
// notification was opened, so opened_at is backfilled when still null.
func (r *Repository) MarkClicked(ctx context.Context, id, recipientID uuid.UUID, at time.Time) (*Notification, error) {
	query := `
		UPDATE notifications
		SET clicked_at = COALESCE(clicked_at, $3),
		    opened_at = COALESCE(opened_at, $3),
		    updated_at = NOW()
		WHERE id = $1 AND recipient_id = $2 AND deleted_at IS NULL
		RETURNING ` + notificationColumns

	n, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id, recipientID, at))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mark clicked: %w", err)
	}

	return n, nil
}

// SoftDelete hides a notification from every read path. The row is kept so
// that previously computed aggregates stay explainable.
func (r *Repository) SoftDelete(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE notifications
		SET deleted_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`

	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("soft delete notification: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	r.logger.Info("notification deleted", zap.String("notification_id", id.String()))

	return nil
}

// CollectStats streams the narrow per-row projection the analytics
// aggregator folds over. Scoped to one recipient when recipientID is set.
func (r *Repository) CollectStats(ctx context.Context, recipientID *uuid.UUID) ([]StatsRecord, error) {
	query := `
		SELECT channel, template, status, created_at, delivered_at, opened_at, clicked_at
		FROM notifications
		WHERE deleted_at IS NULL
	`
	var args []any
	if recipientID != nil {
		query += " AND recipient_id = $1"
		args = append(args, *recipientID)
	}

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	var records []StatsRecord
	for rows.Next() {
		var rec StatsRecord
		if err := rows.Scan(
			&rec.Channel,
			&rec.Template,
			&rec.Status,
			&rec.CreatedAt,
			&rec.DeliveredAt,
			&rec.OpenedAt,
			&rec.ClickedAt,
		); err != nil {
			return nil, fmt.Errorf("scan stats record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stats rows: %w", err)
	}

	return records, nil
}
