package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/herald-io/herald/internal/db"
)

// Store is the persistence capability the engine drives. The Postgres
// implementation lives in internal/db; tests use an in-memory fake.
type Store interface {
	CreateNotification(ctx context.Context, notif *db.Notification) error
	CreateNotifications(ctx context.Context, notifs []*db.Notification) error
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	ListNotifications(ctx context.Context, f db.ListFilter) ([]*db.Notification, error)

	// TransitionStatus must apply the update only when the row's current
	// status still equals from, and report whether it did.
	TransitionStatus(ctx context.Context, id uuid.UUID, from, to string, eff db.TransitionEffects) (bool, error)

	MarkRead(ctx context.Context, id, recipientID uuid.UUID, at time.Time) (*db.Notification, error)
	MarkAllRead(ctx context.Context, recipientID uuid.UUID, at time.Time) (int64, error)
	MarkClicked(ctx context.Context, id, recipientID uuid.UUID, at time.Time) (*db.Notification, error)
	SoftDelete(ctx context.Context, id uuid.UUID) error
	CollectStats(ctx context.Context, recipientID *uuid.UUID) ([]db.StatsRecord, error)
}

// RecipientResolver is the external collaborator that validates a target
// identity at dispatch time. Existence is checked once; a recipient deleted
// later does not invalidate in-flight notifications.
type RecipientResolver interface {
	Exists(ctx context.Context, recipientID uuid.UUID) (bool, error)
}
