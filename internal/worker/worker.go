// Package worker drives the asynchronous send path: it consumes delivery
// tasks, invokes the channel sender under a bounded timeout and reports the
// outcome back through the engine's status-update contract.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/herald-io/herald/internal/db"
	"github.com/herald-io/herald/internal/engine"
	"github.com/herald-io/herald/internal/metrics"
)

// StatusReporter is the slice of the engine the worker needs: loading a
// record and applying state-machine-guarded transitions.
type StatusReporter interface {
	Get(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, to string, upd engine.StatusUpdate) (*db.Notification, error)
}

// Config tunes the worker pool.
type Config struct {
	Concurrency int
	SendTimeout time.Duration
}

// Worker is a pool of goroutines processing delivery tasks. Different
// records proceed fully in parallel; transitions for a single record stay
// linearized by the engine's compare-and-set guard.
type Worker struct {
	reporter StatusReporter
	sender   Sender
	config   Config
	logger   *zap.Logger
}

func New(reporter StatusReporter, sender Sender, cfg Config, logger *zap.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}

	return &Worker{
		reporter: reporter,
		sender:   sender,
		config:   cfg,
		logger:   logger,
	}
}

// Start consumes tasks until ctx is done or the channel closes, then waits
// for in-flight sends to finish.
func (w *Worker) Start(ctx context.Context, tasks <-chan engine.DeliveryTask) {
	var wg sync.WaitGroup
	for i := 0; i < w.config.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case task, ok := <-tasks:
					if !ok {
						return
					}
					w.process(ctx, task)
				}
			}
		}()
	}
	wg.Wait()
	w.logger.Info("worker pool stopped")
}

func (w *Worker) process(ctx context.Context, task engine.DeliveryTask) {
	notif, err := w.reporter.Get(ctx, task.NotificationID)
	if err != nil {
		w.logger.Warn("delivery task references unknown notification",
			zap.Error(err),
			zap.String("notification_id", task.NotificationID.String()),
		)
		return
	}

	// Stale task: the record already moved on (duplicate enqueue, admin
	// action). Sending now would violate the state machine, so drop it.
	if notif.Status != db.StatusPending {
		w.logger.Debug("skipping non-pending notification",
			zap.String("notification_id", notif.ID.String()),
			zap.String("status", notif.Status),
		)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.config.SendTimeout)
	start := time.Now()
	externalID, sendErr := w.sender.Send(sendCtx, notif)
	cancel()

	metrics.RecordSendLatency(notif.Channel, time.Since(start))

	if sendErr != nil {
		msg := sendErr.Error()
		if errors.Is(sendErr, context.DeadlineExceeded) {
			msg = fmt.Sprintf("send timed out after %s", w.config.SendTimeout)
		}

		w.logger.Error("failed to send notification",
			zap.Error(sendErr),
			zap.String("notification_id", notif.ID.String()),
			zap.String("channel", notif.Channel),
			zap.Int("attempt", task.Attempt),
		)

		w.report(ctx, notif, db.StatusFailed, engine.StatusUpdate{ErrorMessage: msg})
		return
	}

	w.logger.Info("notification sent",
		zap.String("notification_id", notif.ID.String()),
		zap.String("channel", notif.Channel),
		zap.String("external_id", externalID),
	)

	w.report(ctx, notif, db.StatusSent, engine.StatusUpdate{ExternalID: externalID})
}

func (w *Worker) report(ctx context.Context, notif *db.Notification, to string, upd engine.StatusUpdate) {
	if _, err := w.reporter.UpdateStatus(ctx, notif.ID, to, upd); err != nil {
		// Losing the transition race is benign; anything else is not.
		if errors.Is(err, engine.ErrInvalidStateTransition) {
			w.logger.Warn("status transition superseded",
				zap.Error(err),
				zap.String("notification_id", notif.ID.String()),
			)
		} else {
			w.logger.Error("failed to record send outcome",
				zap.Error(err),
				zap.String("notification_id", notif.ID.String()),
				zap.String("to", to),
			)
		}
		return
	}

	metrics.RecordProcessed(to, notif.Channel)
}
