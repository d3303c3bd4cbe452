package db

import (
	"time"

	"github.com/google/uuid"
)

// Notification is one unit of outbound communication to one recipient
// via one channel. Subject and content are rendered at dispatch time and
// never edited afterwards; delivery progress is recorded on the lifecycle
// timestamps.
type Notification struct {
	ID           uuid.UUID      `json:"id"`
	RecipientID  uuid.UUID      `json:"recipient_id"`
	Channel      string         `json:"channel"`
	Template     string         `json:"template"`
	Subject      string         `json:"subject"`
	Content      string         `json:"content"`
	Payload      map[string]any `json:"payload,omitempty"`
	Status       string         `json:"status"`
	ExternalID   *string        `json:"external_id,omitempty"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	RetryCount   int            `json:"retry_count"`
	SentAt       *time.Time     `json:"sent_at,omitempty"`
	DeliveredAt  *time.Time     `json:"delivered_at,omitempty"`
	OpenedAt     *time.Time     `json:"opened_at,omitempty"`
	ClickedAt    *time.Time     `json:"clicked_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    *time.Time     `json:"-"`
}

// Status constants
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
	StatusBounced   = "bounced"
)

// Channel constants
const (
	ChannelEmail = "email"
	ChannelPush  = "push"
	ChannelSMS   = "sms"
	ChannelInApp = "in_app"
)

// Well-known payload keys. Priority, scheduling and bulk cohort membership
// live inside the payload map rather than as first-class columns.
const (
	PayloadKeyPriority    = "priority"
	PayloadKeyScheduledAt = "scheduled_at"
	PayloadKeyBulkID      = "bulk_id"
)

// ValidChannel reports whether channel is one of the supported delivery media.
func ValidChannel(channel string) bool {
	switch channel {
	case ChannelEmail, ChannelPush, ChannelSMS, ChannelInApp:
		return true
	}
	return false
}

// ValidStatus reports whether status is a known lifecycle status.
func ValidStatus(status string) bool {
	switch status {
	case StatusPending, StatusSent, StatusDelivered, StatusFailed, StatusBounced:
		return true
	}
	return false
}

// MaxPageSize is the hard upper bound on list page sizes.
const MaxPageSize = 100

// Sort field constants for ListFilter.SortBy.
const (
	SortByCreatedAt   = "created_at"
	SortBySentAt      = "sent_at"
	SortByDeliveredAt = "delivered_at"
	SortBySubject     = "subject"
)

// ListFilter narrows and orders a recipient's notification listing.
type ListFilter struct {
	RecipientID uuid.UUID
	Channel     string
	Status      string
	Template    string
	CreatedFrom *time.Time
	CreatedTo   *time.Time
	Unread      *bool // true: opened_at IS NULL, false: opened_at IS NOT NULL
	SortBy      string
	SortDesc    bool
	Page        int
	Limit       int
}

// TransitionEffects carries the column writes that accompany a status
// transition. Nil pointers leave the column untouched.
type TransitionEffects struct {
	SentAt         *time.Time
	DeliveredAt    *time.Time
	ExternalID     *string
	ErrorMessage   *string
	ClearError     bool
	IncrementRetry bool
}

// StatsRecord is the projection of one notification used by the analytics
// aggregator. Keeping it narrow avoids dragging payloads through stats scans.
type StatsRecord struct {
	Channel     string
	Template    string
	Status      string
	CreatedAt   time.Time
	DeliveredAt *time.Time
	OpenedAt    *time.Time
	ClickedAt   *time.Time
}
