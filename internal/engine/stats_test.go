package engine

import (
	"testing"
	"time"

	"github.com/herald-io/herald/internal/db"
)

func TestComputeStats_EmptySet(t *testing.T) {
	stats := ComputeStats(nil, time.Now())

	if stats.Total != 0 {
		t.Errorf("expected total 0, got %d", stats.Total)
	}
	if stats.DeliveryRate != 0 || stats.OpenRate != 0 || stats.ClickRate != 0 {
		t.Errorf("rates must be zero on an empty set: %+v", stats)
	}
	if stats.AvgDeliverySeconds != 0 {
		t.Errorf("avg delivery must be zero on an empty set, got %f", stats.AvgDeliverySeconds)
	}
}

func TestComputeStats_Rates(t *testing.T) {
	now := time.Now()
	ago := func(d time.Duration) time.Time { return now.Add(-d) }
	ptr := func(tm time.Time) *time.Time { return &tm }

	records := []db.StatsRecord{
		// delivered in 30s, opened and clicked
		{Channel: db.ChannelEmail, Template: "welcome", Status: db.StatusDelivered,
			CreatedAt: ago(time.Hour), DeliveredAt: ptr(ago(time.Hour - 30*time.Second)),
			OpenedAt: ptr(ago(30 * time.Minute)), ClickedAt: ptr(ago(20 * time.Minute))},
		// delivered in 90s, opened
		{Channel: db.ChannelEmail, Template: "welcome", Status: db.StatusDelivered,
			CreatedAt: ago(2 * time.Hour), DeliveredAt: ptr(ago(2*time.Hour - 90*time.Second)),
			OpenedAt: ptr(ago(time.Hour))},
		// sent, not yet confirmed
		{Channel: db.ChannelPush, Template: "digest", Status: db.StatusSent,
			CreatedAt: ago(time.Hour)},
		// failed
		{Channel: db.ChannelSMS, Template: "alert", Status: db.StatusFailed,
			CreatedAt: ago(48 * time.Hour)},
	}

	stats := ComputeStats(records, now)

	if stats.Total != 4 {
		t.Errorf("expected total 4, got %d", stats.Total)
	}
	if stats.ByChannel[db.ChannelEmail] != 2 {
		t.Errorf("expected 2 email, got %d", stats.ByChannel[db.ChannelEmail])
	}
	if stats.ByTemplate["welcome"] != 2 {
		t.Errorf("expected 2 welcome, got %d", stats.ByTemplate["welcome"])
	}

	// (delivered + sent) / (delivered + sent + failed) = 3/4
	if stats.DeliveryRate != 75.0 {
		t.Errorf("expected delivery rate 75.00, got %f", stats.DeliveryRate)
	}
	// opened / (delivered + sent) = 2/3
	if stats.OpenRate != 66.67 {
		t.Errorf("expected open rate 66.67, got %f", stats.OpenRate)
	}
	// clicked / opened = 1/2
	if stats.ClickRate != 50.0 {
		t.Errorf("expected click rate 50.00, got %f", stats.ClickRate)
	}
	if stats.FailedCount != 1 {
		t.Errorf("expected failed count 1, got %d", stats.FailedCount)
	}
	// the 48h-old failed record is outside the 24h window
	if stats.RecentCount != 3 {
		t.Errorf("expected recent count 3, got %d", stats.RecentCount)
	}
	// (30 + 90) / 2 = 60 seconds
	if stats.AvgDeliverySeconds != 60.0 {
		t.Errorf("expected avg delivery 60s, got %f", stats.AvgDeliverySeconds)
	}
}

func TestComputeStats_AllDelivered(t *testing.T) {
	now := time.Now()
	records := []db.StatsRecord{
		{Channel: db.ChannelEmail, Template: "a", Status: db.StatusDelivered, CreatedAt: now},
		{Channel: db.ChannelEmail, Template: "a", Status: db.StatusDelivered, CreatedAt: now},
	}

	stats := ComputeStats(records, now)
	if stats.DeliveryRate != 100.0 {
		t.Errorf("expected delivery rate 100.00, got %f", stats.DeliveryRate)
	}
	// nothing opened yet
	if stats.OpenRate != 0 {
		t.Errorf("expected open rate 0, got %f", stats.OpenRate)
	}
	// click rate has a zero denominator (no opens)
	if stats.ClickRate != 0 {
		t.Errorf("expected click rate 0, got %f", stats.ClickRate)
	}
}

func TestComputeStats_PendingOnlyHasNoDeliveryRate(t *testing.T) {
	now := time.Now()
	records := []db.StatsRecord{
		{Channel: db.ChannelEmail, Template: "a", Status: db.StatusPending, CreatedAt: now},
	}

	stats := ComputeStats(records, now)
	if stats.DeliveryRate != 0 {
		t.Errorf("pending records must not count toward delivery rate, got %f", stats.DeliveryRate)
	}
}
