package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/herald-io/herald/internal/db"
)

var errStoreDown = errors.New("store down")

// fakeStore is an in-memory Store with the same compare-and-set transition
// semantics as the Postgres repository.
type fakeStore struct {
	notifications map[uuid.UUID]*db.Notification

	failCreate     bool
	forceCASMiss   bool
	casActualState string
}

func newFakeStore() *fakeStore {
	return &fakeStore{notifications: make(map[uuid.UUID]*db.Notification)}
}

func (s *fakeStore) CreateNotification(ctx context.Context, notif *db.Notification) error {
	if s.failCreate {
		return errStoreDown
	}
	notif.CreatedAt = time.Now()
	notif.UpdatedAt = notif.CreatedAt
	s.notifications[notif.ID] = notif
	return nil
}

func (s *fakeStore) CreateNotifications(ctx context.Context, notifs []*db.Notification) error {
	for _, n := range notifs {
		if err := s.CreateNotification(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeStore) GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error) {
	n, ok := s.notifications[id]
	if !ok || n.DeletedAt != nil {
		return nil, db.ErrNotFound
	}
	return n, nil
}

func (s *fakeStore) ListNotifications(ctx context.Context, f db.ListFilter) ([]*db.Notification, error) {
	var out []*db.Notification
	for _, n := range s.notifications {
		if n.DeletedAt == nil && n.RecipientID == f.RecipientID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *fakeStore) TransitionStatus(ctx context.Context, id uuid.UUID, from, to string, eff db.TransitionEffects) (bool, error) {
	n, ok := s.notifications[id]
	if !ok || n.DeletedAt != nil {
		return false, nil
	}
	if s.forceCASMiss {
		// Simulate a concurrent writer winning first.
		n.Status = s.casActualState
		return false, nil
	}
	if n.Status != from {
		return false, nil
	}

	n.Status = to
	if eff.SentAt != nil {
		n.SentAt = eff.SentAt
	}
	if eff.DeliveredAt != nil {
		n.DeliveredAt = eff.DeliveredAt
	}
	if eff.ExternalID != nil {
		n.ExternalID = eff.ExternalID
	}
	if eff.ErrorMessage != nil {
		n.ErrorMessage = eff.ErrorMessage
	}
	if eff.ClearError {
		n.ErrorMessage = nil
	}
	if eff.IncrementRetry {
		n.RetryCount++
	}
	n.UpdatedAt = time.Now()
	return true, nil
}

func (s *fakeStore) MarkRead(ctx context.Context, id, recipientID uuid.UUID, at time.Time) (*db.Notification, error) {
	n, ok := s.notifications[id]
	if !ok || n.DeletedAt != nil || n.RecipientID != recipientID || n.Channel != db.ChannelInApp {
		return nil, db.ErrNotFound
	}
	if n.OpenedAt == nil {
		n.OpenedAt = &at
	}
	return n, nil
}

func (s *fakeStore) MarkAllRead(ctx context.Context, recipientID uuid.UUID, at time.Time) (int64, error) {
	var count int64
	for _, n := range s.notifications {
		if n.DeletedAt == nil && n.RecipientID == recipientID && n.Channel == db.ChannelInApp && n.OpenedAt == nil {
			n.OpenedAt = &at
			count++
		}
	}
	return count, nil
}

func (s *fakeStore) MarkClicked(ctx context.Context, id, recipientID uuid.UUID, at time.Time) (*db.Notification, error) {
	n, ok := s.notifications[id]
	if !ok || n.DeletedAt != nil || n.RecipientID != recipientID || n.Channel != db.ChannelInApp {
		return nil, db.ErrNotFound
	}
	if n.ClickedAt == nil {
		n.ClickedAt = &at
	}
	if n.OpenedAt == nil {
		n.OpenedAt = &at
	}
	return n, nil
}

func (s *fakeStore) SoftDelete(ctx context.Context, id uuid.UUID) error {
	n, ok := s.notifications[id]
	if !ok || n.DeletedAt != nil {
		return db.ErrNotFound
	}
	now := time.Now()
	n.DeletedAt = &now
	return nil
}

func (s *fakeStore) CollectStats(ctx context.Context, recipientID *uuid.UUID) ([]db.StatsRecord, error) {
	var out []db.StatsRecord
	for _, n := range s.notifications {
		if n.DeletedAt != nil {
			continue
		}
		if recipientID != nil && n.RecipientID != *recipientID {
			continue
		}
		out = append(out, db.StatsRecord{
			Channel:     n.Channel,
			Template:    n.Template,
			Status:      n.Status,
			CreatedAt:   n.CreatedAt,
			DeliveredAt: n.DeliveredAt,
			OpenedAt:    n.OpenedAt,
			ClickedAt:   n.ClickedAt,
		})
	}
	return out, nil
}

// fakeResolver resolves a fixed set of recipients.
type fakeResolver struct {
	known map[uuid.UUID]bool
	err   error
}

func (r *fakeResolver) Exists(ctx context.Context, recipientID uuid.UUID) (bool, error) {
	if r.err != nil {
		return false, r.err
	}
	return r.known[recipientID], nil
}

// fakeQueue records enqueued tasks.
type fakeQueue struct {
	tasks []DeliveryTask
	err   error
}

func (q *fakeQueue) Enqueue(ctx context.Context, task DeliveryTask) error {
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, task)
	return nil
}

type testEnv struct {
	engine   *Engine
	store    *fakeStore
	resolver *fakeResolver
	queue    *fakeQueue
}

func newTestEnv(known ...uuid.UUID) *testEnv {
	store := newFakeStore()
	resolver := &fakeResolver{known: make(map[uuid.UUID]bool)}
	for _, id := range known {
		resolver.known[id] = true
	}
	queue := &fakeQueue{}

	return &testEnv{
		engine:   New(store, resolver, queue, Config{MaxRetries: 3}, zap.NewNop()),
		store:    store,
		resolver: resolver,
		queue:    queue,
	}
}

func TestDispatch_CreatesPendingAndEnqueues(t *testing.T) {
	recipient := uuid.New()
	env := newTestEnv(recipient)
	ctx := context.Background()

	notif, err := env.engine.Dispatch(ctx, DispatchInput{
		RecipientID: recipient,
		Channel:     db.ChannelEmail,
		Template:    "welcome",
		Subject:     "Hello {name}",
		Content:     "Welcome, {name}!",
		Payload:     map[string]any{"name": "Ada"},
		Priority:    "high",
	})
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}

	if notif.Status != db.StatusPending {
		t.Errorf("expected pending, got %s", notif.Status)
	}
	if notif.Subject != "Hello Ada" {
		t.Errorf("subject not rendered: %q", notif.Subject)
	}
	if notif.Content != "Welcome, Ada!" {
		t.Errorf("content not rendered: %q", notif.Content)
	}
	if notif.Payload[db.PayloadKeyPriority] != "high" {
		t.Errorf("priority not folded into payload: %v", notif.Payload)
	}
	if len(env.queue.tasks) != 1 {
		t.Fatalf("expected 1 delivery task, got %d", len(env.queue.tasks))
	}
	if env.queue.tasks[0].NotificationID != notif.ID {
		t.Errorf("task references wrong notification")
	}
}

func TestDispatch_UnknownRecipient(t *testing.T) {
	env := newTestEnv() // nobody resolves
	ctx := context.Background()

	_, err := env.engine.Dispatch(ctx, DispatchInput{
		RecipientID: uuid.New(),
		Channel:     db.ChannelEmail,
		Template:    "welcome",
	})
	if !errors.Is(err, ErrRecipientNotFound) {
		t.Fatalf("expected ErrRecipientNotFound, got: %v", err)
	}
	if len(env.store.notifications) != 0 {
		t.Error("no record should be created for an unknown recipient")
	}
	if len(env.queue.tasks) != 0 {
		t.Error("nothing should be enqueued for an unknown recipient")
	}
}

func TestDispatch_InvalidChannel(t *testing.T) {
	recipient := uuid.New()
	env := newTestEnv(recipient)

	_, err := env.engine.Dispatch(context.Background(), DispatchInput{
		RecipientID: recipient,
		Channel:     "carrier_pigeon",
		Template:    "welcome",
	})
	if !errors.Is(err, ErrUnsupportedChannel) {
		t.Fatalf("expected ErrUnsupportedChannel, got: %v", err)
	}
}

func TestDispatch_QueueFailureLeavesRecordPending(t *testing.T) {
	recipient := uuid.New()
	env := newTestEnv(recipient)
	env.queue.err = errors.New("queue full")

	notif, err := env.engine.Dispatch(context.Background(), DispatchInput{
		RecipientID: recipient,
		Channel:     db.ChannelEmail,
		Template:    "welcome",
	})
	if err != nil {
		t.Fatalf("dispatch should survive a queue failure: %v", err)
	}
	if notif.Status != db.StatusPending {
		t.Errorf("record should stay pending, got %s", notif.Status)
	}
}

func TestDispatchBulk_PartialFailure(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	env := newTestEnv(a, c) // b does not resolve
	ctx := context.Background()

	result, err := env.engine.DispatchBulk(ctx, []uuid.UUID{a, b, c}, DispatchInput{
		Channel:  db.ChannelPush,
		Template: "digest",
	})
	if err != nil {
		t.Fatalf("bulk dispatch failed: %v", err)
	}

	if len(result.Created) != 2 {
		t.Fatalf("expected 2 created, got %d", len(result.Created))
	}
	if len(result.FailedRecipientIDs) != 1 || result.FailedRecipientIDs[0] != b {
		t.Fatalf("expected failed=[%s], got %v", b, result.FailedRecipientIDs)
	}

	bulkID := result.Created[0].Payload[db.PayloadKeyBulkID]
	if bulkID == nil {
		t.Fatal("bulk_id missing from payload")
	}
	for _, n := range result.Created {
		if n.Payload[db.PayloadKeyBulkID] != bulkID {
			t.Error("bulk cohort should share one bulk_id")
		}
	}
	if len(env.queue.tasks) != 2 {
		t.Errorf("expected 2 delivery tasks, got %d", len(env.queue.tasks))
	}
}

func TestDispatchBulk_DuplicateRecipient(t *testing.T) {
	a := uuid.New()
	env := newTestEnv(a)

	result, err := env.engine.DispatchBulk(context.Background(), []uuid.UUID{a, a}, DispatchInput{
		Channel:  db.ChannelEmail,
		Template: "digest",
	})
	if err != nil {
		t.Fatalf("bulk dispatch failed: %v", err)
	}
	if len(result.Created) != 2 {
		t.Fatalf("duplicate recipient should yield two records, got %d", len(result.Created))
	}
	if result.Created[0].ID == result.Created[1].ID {
		t.Error("records must be independent")
	}
}

func dispatchOne(t *testing.T, env *testEnv, recipient uuid.UUID, channel string) *db.Notification {
	t.Helper()
	notif, err := env.engine.Dispatch(context.Background(), DispatchInput{
		RecipientID: recipient,
		Channel:     channel,
		Template:    "welcome",
	})
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	return notif
}

func TestUpdateStatus_PendingToSent(t *testing.T) {
	recipient := uuid.New()
	env := newTestEnv(recipient)
	notif := dispatchOne(t, env, recipient, db.ChannelEmail)

	updated, err := env.engine.UpdateStatus(context.Background(), notif.ID, db.StatusSent, StatusUpdate{
		ExternalID: "ses-msg-1",
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Status != db.StatusSent {
		t.Errorf("expected sent, got %s", updated.Status)
	}
	if updated.SentAt == nil {
		t.Error("sent_at should be stamped")
	}
	if updated.ExternalID == nil || *updated.ExternalID != "ses-msg-1" {
		t.Errorf("external_id not recorded: %v", updated.ExternalID)
	}
}

func TestUpdateStatus_SentToDelivered(t *testing.T) {
	recipient := uuid.New()
	env := newTestEnv(recipient)
	notif := dispatchOne(t, env, recipient, db.ChannelEmail)
	ctx := context.Background()

	if _, err := env.engine.UpdateStatus(ctx, notif.ID, db.StatusSent, StatusUpdate{}); err != nil {
		t.Fatalf("to sent: %v", err)
	}
	updated, err := env.engine.UpdateStatus(ctx, notif.ID, db.StatusDelivered, StatusUpdate{})
	if err != nil {
		t.Fatalf("to delivered: %v", err)
	}
	if updated.DeliveredAt == nil {
		t.Error("delivered_at should be stamped")
	}
}

func TestUpdateStatus_PendingToFailedRecordsError(t *testing.T) {
	recipient := uuid.New()
	env := newTestEnv(recipient)
	notif := dispatchOne(t, env, recipient, db.ChannelSMS)

	updated, err := env.engine.UpdateStatus(context.Background(), notif.ID, db.StatusFailed, StatusUpdate{
		ErrorMessage: "throttled by provider",
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.ErrorMessage == nil || *updated.ErrorMessage != "throttled by provider" {
		t.Errorf("error_message not recorded: %v", updated.ErrorMessage)
	}
}

func TestUpdateStatus_RejectsNonEdges(t *testing.T) {
	recipient := uuid.New()
	env := newTestEnv(recipient)
	ctx := context.Background()

	cases := []struct {
		name string
		path []string // statuses to walk first
		to   string
	}{
		{"pending to delivered", nil, db.StatusDelivered},
		{"pending to bounced", nil, db.StatusBounced},
		{"sent to failed", []string{db.StatusSent}, db.StatusFailed},
		{"sent to pending", []string{db.StatusSent}, db.StatusPending},
		{"delivered is terminal", []string{db.StatusSent, db.StatusDelivered}, db.StatusSent},
		{"bounced is terminal", []string{db.StatusSent, db.StatusBounced}, db.StatusPending},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			notif := dispatchOne(t, env, recipient, db.ChannelEmail)
			for _, step := range tc.path {
				if _, err := env.engine.UpdateStatus(ctx, notif.ID, step, StatusUpdate{}); err != nil {
					t.Fatalf("walking to %s: %v", step, err)
				}
			}

			_, err := env.engine.UpdateStatus(ctx, notif.ID, tc.to, StatusUpdate{})
			if !errors.Is(err, ErrInvalidStateTransition) {
				t.Fatalf("expected invalid transition, got: %v", err)
			}

			var ite *InvalidTransitionError
			if !errors.As(err, &ite) {
				t.Fatalf("expected *InvalidTransitionError, got %T", err)
			}
			if ite.To != tc.to {
				t.Errorf("error should name the rejected target, got %s", ite.To)
			}
		})
	}
}

func TestUpdateStatus_LostRaceNamesCurrentState(t *testing.T) {
	recipient := uuid.New()
	env := newTestEnv(recipient)
	notif := dispatchOne(t, env, recipient, db.ChannelEmail)

	// A concurrent callback moves the record to sent between our read and
	// the guarded write.
	env.store.forceCASMiss = true
	env.store.casActualState = db.StatusSent

	_, err := env.engine.UpdateStatus(context.Background(), notif.ID, db.StatusFailed, StatusUpdate{})
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected invalid transition after lost race, got: %v", err)
	}

	var ite *InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected *InvalidTransitionError, got %T", err)
	}
	if ite.From != db.StatusSent {
		t.Errorf("error should name the winner's state, got %s", ite.From)
	}
}

func TestUpdateStatus_UnknownNotification(t *testing.T) {
	env := newTestEnv()

	_, err := env.engine.UpdateStatus(context.Background(), uuid.New(), db.StatusSent, StatusUpdate{})
	if !errors.Is(err, ErrNotificationNotFound) {
		t.Fatalf("expected ErrNotificationNotFound, got: %v", err)
	}
}

func failOnce(t *testing.T, env *testEnv, id uuid.UUID, msg string) {
	t.Helper()
	if _, err := env.engine.UpdateStatus(context.Background(), id, db.StatusFailed, StatusUpdate{ErrorMessage: msg}); err != nil {
		t.Fatalf("to failed: %v", err)
	}
}

func TestRetry_ResetsFailedNotification(t *testing.T) {
	recipient := uuid.New()
	env := newTestEnv(recipient)
	notif := dispatchOne(t, env, recipient, db.ChannelEmail)
	failOnce(t, env, notif.ID, "smtp timeout")

	tasksBefore := len(env.queue.tasks)

	retried, err := env.engine.Retry(context.Background(), notif.ID)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if retried.Status != db.StatusPending {
		t.Errorf("expected pending, got %s", retried.Status)
	}
	if retried.RetryCount != 1 {
		t.Errorf("expected retry_count=1, got %d", retried.RetryCount)
	}
	if retried.ErrorMessage != nil {
		t.Errorf("error should be cleared, got %q", *retried.ErrorMessage)
	}
	if len(env.queue.tasks) != tasksBefore+1 {
		t.Error("retry should re-enqueue delivery")
	}
}

func TestRetry_RejectsNonFailed(t *testing.T) {
	recipient := uuid.New()
	env := newTestEnv(recipient)
	notif := dispatchOne(t, env, recipient, db.ChannelEmail)

	_, err := env.engine.Retry(context.Background(), notif.ID)
	if !errors.Is(err, ErrInvalidRetryState) {
		t.Fatalf("expected ErrInvalidRetryState for pending record, got: %v", err)
	}
}

func TestRetry_LimitExceeded(t *testing.T) {
	recipient := uuid.New()
	env := newTestEnv(recipient)
	notif := dispatchOne(t, env, recipient, db.ChannelEmail)
	ctx := context.Background()

	// Exhaust the configured ceiling of 3.
	for i := 0; i < 3; i++ {
		failOnce(t, env, notif.ID, "provider down")
		if _, err := env.engine.Retry(ctx, notif.ID); err != nil {
			t.Fatalf("retry %d failed: %v", i+1, err)
		}
	}

	failOnce(t, env, notif.ID, "provider down")
	_, err := env.engine.Retry(ctx, notif.ID)
	if !errors.Is(err, ErrRetryLimitExceeded) {
		t.Fatalf("expected ErrRetryLimitExceeded, got: %v", err)
	}
}

func TestMarkRead_FirstReadWins(t *testing.T) {
	recipient := uuid.New()
	env := newTestEnv(recipient)
	notif := dispatchOne(t, env, recipient, db.ChannelInApp)
	ctx := context.Background()

	first, err := env.engine.MarkRead(ctx, notif.ID, recipient)
	if err != nil {
		t.Fatalf("mark read failed: %v", err)
	}
	if first.OpenedAt == nil {
		t.Fatal("opened_at should be stamped")
	}
	stamp := *first.OpenedAt

	second, err := env.engine.MarkRead(ctx, notif.ID, recipient)
	if err != nil {
		t.Fatalf("second mark read failed: %v", err)
	}
	if !second.OpenedAt.Equal(stamp) {
		t.Error("second read must not overwrite the original timestamp")
	}
}

func TestMarkRead_WrongRecipient(t *testing.T) {
	recipient := uuid.New()
	env := newTestEnv(recipient)
	notif := dispatchOne(t, env, recipient, db.ChannelInApp)

	_, err := env.engine.MarkRead(context.Background(), notif.ID, uuid.New())
	if !errors.Is(err, ErrNotificationNotFound) {
		t.Fatalf("expected not found for foreign recipient, got: %v", err)
	}
}

func TestMarkAllRead(t *testing.T) {
	recipient := uuid.New()
	env := newTestEnv(recipient)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		dispatchOne(t, env, recipient, db.ChannelInApp)
	}

	updated, err := env.engine.MarkAllRead(ctx, recipient)
	if err != nil {
		t.Fatalf("mark all read failed: %v", err)
	}
	if updated != 5 {
		t.Errorf("expected 5 updated, got %d", updated)
	}

	again, err := env.engine.MarkAllRead(ctx, recipient)
	if err != nil {
		t.Fatalf("second mark all read failed: %v", err)
	}
	if again != 0 {
		t.Errorf("expected 0 on second pass, got %d", again)
	}
}

func TestMarkClicked_BackfillsOpened(t *testing.T) {
	recipient := uuid.New()
	env := newTestEnv(recipient)
	notif := dispatchOne(t, env, recipient, db.ChannelInApp)

	clicked, err := env.engine.MarkClicked(context.Background(), notif.ID, recipient)
	if err != nil {
		t.Fatalf("mark clicked failed: %v", err)
	}
	if clicked.ClickedAt == nil {
		t.Error("clicked_at should be stamped")
	}
	if clicked.OpenedAt == nil {
		t.Error("a click implies a read, opened_at should be backfilled")
	}
}

func TestDelete_HidesRecord(t *testing.T) {
	recipient := uuid.New()
	env := newTestEnv(recipient)
	notif := dispatchOne(t, env, recipient, db.ChannelEmail)
	ctx := context.Background()

	if err := env.engine.Delete(ctx, notif.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	if _, err := env.engine.Get(ctx, notif.ID); !errors.Is(err, ErrNotificationNotFound) {
		t.Fatalf("deleted record should not be readable, got: %v", err)
	}

	if err := env.engine.Delete(ctx, notif.ID); !errors.Is(err, ErrNotificationNotFound) {
		t.Fatalf("double delete should report not found, got: %v", err)
	}
}
