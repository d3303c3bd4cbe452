package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/herald-io/herald/internal/db"
	"github.com/herald-io/herald/internal/engine"
)

type statusCall struct {
	id  uuid.UUID
	to  string
	upd engine.StatusUpdate
}

// fakeReporter stands in for the engine on the worker's report path.
type fakeReporter struct {
	mu            sync.Mutex
	notifications map[uuid.UUID]*db.Notification
	calls         []statusCall
	updateErr     error
}

func newFakeReporter(notifs ...*db.Notification) *fakeReporter {
	r := &fakeReporter{notifications: make(map[uuid.UUID]*db.Notification)}
	for _, n := range notifs {
		r.notifications[n.ID] = n
	}
	return r
}

func (r *fakeReporter) Get(ctx context.Context, id uuid.UUID) (*db.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.notifications[id]
	if !ok {
		return nil, engine.ErrNotificationNotFound
	}
	return n, nil
}

func (r *fakeReporter) UpdateStatus(ctx context.Context, id uuid.UUID, to string, upd engine.StatusUpdate) (*db.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, statusCall{id: id, to: to, upd: upd})
	if r.updateErr != nil {
		return nil, r.updateErr
	}
	n, ok := r.notifications[id]
	if !ok {
		return nil, engine.ErrNotificationNotFound
	}
	n.Status = to
	return n, nil
}

func (r *fakeReporter) lastCall(t *testing.T) statusCall {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		t.Fatal("expected a status update, got none")
	}
	return r.calls[len(r.calls)-1]
}

// fakeSender returns a canned result or blocks until its context dies.
type fakeSender struct {
	externalID string
	err        error
	block      bool
}

func (s *fakeSender) Send(ctx context.Context, notif *db.Notification) (string, error) {
	if s.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if s.err != nil {
		return "", s.err
	}
	return s.externalID, nil
}

func (s *fakeSender) SupportsChannel(channel string) bool { return true }

func pendingNotification(channel string) *db.Notification {
	return &db.Notification{
		ID:          uuid.New(),
		RecipientID: uuid.New(),
		Channel:     channel,
		Template:    "welcome",
		Status:      db.StatusPending,
	}
}

func TestWorker_SuccessReportsSent(t *testing.T) {
	notif := pendingNotification(db.ChannelEmail)
	reporter := newFakeReporter(notif)
	w := New(reporter, &fakeSender{externalID: "ses-42"}, Config{}, zap.NewNop())

	w.process(context.Background(), engine.DeliveryTask{NotificationID: notif.ID, Channel: notif.Channel})

	call := reporter.lastCall(t)
	if call.to != db.StatusSent {
		t.Errorf("expected transition to sent, got %s", call.to)
	}
	if call.upd.ExternalID != "ses-42" {
		t.Errorf("external id not reported: %q", call.upd.ExternalID)
	}
}

func TestWorker_FailureReportsFailed(t *testing.T) {
	notif := pendingNotification(db.ChannelSMS)
	reporter := newFakeReporter(notif)
	w := New(reporter, &fakeSender{err: errors.New("provider rejected number")}, Config{}, zap.NewNop())

	w.process(context.Background(), engine.DeliveryTask{NotificationID: notif.ID, Channel: notif.Channel})

	call := reporter.lastCall(t)
	if call.to != db.StatusFailed {
		t.Errorf("expected transition to failed, got %s", call.to)
	}
	if call.upd.ErrorMessage != "provider rejected number" {
		t.Errorf("error message not reported: %q", call.upd.ErrorMessage)
	}
}

func TestWorker_TimeoutReportsFailedWithTimeoutMessage(t *testing.T) {
	notif := pendingNotification(db.ChannelPush)
	reporter := newFakeReporter(notif)
	w := New(reporter, &fakeSender{block: true}, Config{SendTimeout: 20 * time.Millisecond}, zap.NewNop())

	w.process(context.Background(), engine.DeliveryTask{NotificationID: notif.ID, Channel: notif.Channel})

	call := reporter.lastCall(t)
	if call.to != db.StatusFailed {
		t.Errorf("expected transition to failed, got %s", call.to)
	}
	if !strings.Contains(call.upd.ErrorMessage, "timed out") {
		t.Errorf("expected timeout message, got %q", call.upd.ErrorMessage)
	}
}

func TestWorker_SkipsNonPending(t *testing.T) {
	notif := pendingNotification(db.ChannelEmail)
	notif.Status = db.StatusSent
	reporter := newFakeReporter(notif)
	w := New(reporter, &fakeSender{externalID: "x"}, Config{}, zap.NewNop())

	w.process(context.Background(), engine.DeliveryTask{NotificationID: notif.ID, Channel: notif.Channel})

	if len(reporter.calls) != 0 {
		t.Errorf("stale task must not trigger a status update, got %d calls", len(reporter.calls))
	}
}

func TestWorker_UnknownNotification(t *testing.T) {
	reporter := newFakeReporter()
	w := New(reporter, &fakeSender{externalID: "x"}, Config{}, zap.NewNop())

	w.process(context.Background(), engine.DeliveryTask{NotificationID: uuid.New()})

	if len(reporter.calls) != 0 {
		t.Errorf("unknown notification must not trigger a status update")
	}
}

func TestWorker_SupersededTransitionIsBenign(t *testing.T) {
	notif := pendingNotification(db.ChannelEmail)
	reporter := newFakeReporter(notif)
	reporter.updateErr = &engine.InvalidTransitionError{From: db.StatusSent, To: db.StatusSent}
	w := New(reporter, &fakeSender{externalID: "x"}, Config{}, zap.NewNop())

	// Must not panic; the race loser just logs and moves on.
	w.process(context.Background(), engine.DeliveryTask{NotificationID: notif.ID, Channel: notif.Channel})
}

func TestWorker_PoolDrainsQueue(t *testing.T) {
	const n = 20

	notifs := make([]*db.Notification, n)
	for i := range notifs {
		notifs[i] = pendingNotification(db.ChannelEmail)
	}
	reporter := newFakeReporter(notifs...)
	w := New(reporter, &fakeSender{externalID: "ok"}, Config{Concurrency: 4}, zap.NewNop())

	tasks := make(chan engine.DeliveryTask, n)
	for _, notif := range notifs {
		tasks <- engine.DeliveryTask{NotificationID: notif.ID, Channel: notif.Channel}
	}
	close(tasks)

	done := make(chan struct{})
	go func() {
		w.Start(context.Background(), tasks)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker pool did not drain the queue")
	}

	reporter.mu.Lock()
	defer reporter.mu.Unlock()
	if len(reporter.calls) != n {
		t.Errorf("expected %d status updates, got %d", n, len(reporter.calls))
	}
	for _, notif := range notifs {
		if notif.Status != db.StatusSent {
			t.Errorf("notification %s not sent, status %s", notif.ID, notif.Status)
		}
	}
}
