package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestMemoryQueue_RoundTrip(t *testing.T) {
	q := NewMemoryQueue(4)
	defer q.Close()

	task := DeliveryTask{NotificationID: uuid.New(), Channel: "email"}
	if err := q.Enqueue(context.Background(), task); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	select {
	case got := <-q.Tasks():
		if got.NotificationID != task.NotificationID {
			t.Errorf("wrong task delivered")
		}
		if got.EnqueuedAt == 0 {
			t.Errorf("enqueue timestamp not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("task not delivered")
	}
}

func TestMemoryQueue_FullQueueRespectsContext(t *testing.T) {
	q := NewMemoryQueue(1)
	defer q.Close()
	ctx := context.Background()

	if err := q.Enqueue(ctx, DeliveryTask{NotificationID: uuid.New()}); err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()

	err := q.Enqueue(timeoutCtx, DeliveryTask{NotificationID: uuid.New()})
	if err == nil {
		t.Fatal("enqueue into a full queue should fail once the context dies")
	}
}
