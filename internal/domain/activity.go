package domain

import (
	"time"

	"github.com/google/uuid"
)

// ActivityCategory tags the producer of an activity log entry.
type ActivityCategory string

const (
	CategorySystem  ActivityCategory = "SYSTEM"
	CategoryWebhook ActivityCategory = "WEBHOOK"
	CategoryBot     ActivityCategory = "BOT"
	CategoryChain   ActivityCategory = "CHAIN"
	CategoryPayment ActivityCategory = "PAYMENT"
	CategoryAdmin   ActivityCategory = "ADMIN"
)

// ActivityLevel is the severity of an entry.
type ActivityLevel string

const (
	LevelInfo  ActivityLevel = "info"
	LevelWarn  ActivityLevel = "warn"
	LevelError ActivityLevel = "error"
)

// ActivityLogEntry is an immutable record broadcast on the activity bus.
type ActivityLogEntry struct {
	ID        uuid.UUID        `json:"id"`
	Category  ActivityCategory `json:"category"`
	Level     ActivityLevel    `json:"level"`
	Message   string           `json:"message"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
	UserID    string           `json:"user_id,omitempty"`
	CreatedAt time.Time        `json:"timestamp"`
}

// ActivityFilter narrows a history query.
type ActivityFilter struct {
	Category ActivityCategory
	UserID   string
	Limit    int
}
