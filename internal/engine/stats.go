package engine

import (
	"math"
	"time"

	"github.com/herald-io/herald/internal/db"
)

// Stats aggregates delivery and engagement metrics over the record store.
// All rates are percentages rounded to two decimals and zero when their
// denominator is zero.
type Stats struct {
	Total              int            `json:"total"`
	ByChannel          map[string]int `json:"by_channel"`
	ByStatus           map[string]int `json:"by_status"`
	ByTemplate         map[string]int `json:"by_template"`
	DeliveryRate       float64        `json:"delivery_rate"`
	OpenRate           float64        `json:"open_rate"`
	ClickRate          float64        `json:"click_rate"`
	RecentCount        int            `json:"recent_count"`
	FailedCount        int            `json:"failed_count"`
	AvgDeliverySeconds float64        `json:"avg_delivery_time"`
}

// recentWindow is how far back "recent" reaches.
const recentWindow = 24 * time.Hour

// ComputeStats folds the per-row projections into aggregate metrics. It is a
// pure read-side computation: safe on an empty data set, no division by zero.
func ComputeStats(records []db.StatsRecord, now time.Time) *Stats {
	stats := &Stats{
		Total:      len(records),
		ByChannel:  make(map[string]int),
		ByStatus:   make(map[string]int),
		ByTemplate: make(map[string]int),
	}

	var (
		opened, clicked  int
		deliveryTotalSec float64
		deliveredStamped int
	)
	recentCutoff := now.Add(-recentWindow)

	for _, rec := range records {
		stats.ByChannel[rec.Channel]++
		stats.ByStatus[rec.Status]++
		stats.ByTemplate[rec.Template]++

		if rec.OpenedAt != nil {
			opened++
		}
		if rec.ClickedAt != nil {
			clicked++
		}
		if rec.CreatedAt.After(recentCutoff) {
			stats.RecentCount++
		}
		if rec.DeliveredAt != nil {
			deliveryTotalSec += rec.DeliveredAt.Sub(rec.CreatedAt).Seconds()
			deliveredStamped++
		}
	}

	delivered := stats.ByStatus[db.StatusDelivered]
	sent := stats.ByStatus[db.StatusSent]
	failed := stats.ByStatus[db.StatusFailed]
	stats.FailedCount = failed

	stats.DeliveryRate = percentage(delivered+sent, delivered+sent+failed)
	stats.OpenRate = percentage(opened, delivered+sent)
	stats.ClickRate = percentage(clicked, opened)

	if deliveredStamped > 0 {
		stats.AvgDeliverySeconds = round2(deliveryTotalSec / float64(deliveredStamped))
	}

	return stats
}

func percentage(numerator, denominator int) float64 {
	if denominator == 0 {
		return 0
	}
	return round2(float64(numerator) / float64(denominator) * 100)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
