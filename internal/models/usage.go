package models

import (
	"time"

	"gorm.io/datatypes"
)

// Usage records metering data for a single chat request.
type Usage struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID    uint64 `gorm:"not null;index"`     // Related user ID.
	Model     string `gorm:"type:text;not null"` // Upstream model name.
	RequestID string `gorm:"type:text;index"`    // Request correlation ID.
	ClientIP  string `gorm:"type:text"`          // Originating address.

	ReasoningEffort string `gorm:"type:text"` // low, medium or high.

	RequestedAt time.Time `gorm:"not null;index"`         // Request timestamp.
	Failed      bool      `gorm:"not null;default:false"` // Failure flag.

	ErrorStatusCode *int           `gorm:"index"`      // Status surfaced for failed requests.
	ErrorDetail     datatypes.JSON `gorm:"type:jsonb"` // Structured error detail JSON.

	InputTokens     int64 `gorm:"not null;default:0"` // Prompt token count.
	OutputTokens    int64 `gorm:"not null;default:0"` // Completion token count, reasoning included.
	ReasoningTokens int64 `gorm:"not null;default:0"` // Reasoning sub-count.
	TotalTokens     int64 `gorm:"not null;default:0"` // Total token count.

	CostMicros int64 `gorm:"not null;default:0"` // Cost in micro-dollars.

	LatencyMillis int64 `gorm:"not null;default:0"` // Upstream latency.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}
