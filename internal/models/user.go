package models

import (
	"time"

	"github.com/router-for-me/o1relay/internal/ledger"
)

// User is a registered client together with its usage ledger.
type User struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Name  string `gorm:"type:text;not null"`                    // Display label.
	Token string `gorm:"type:varchar(32);not null;uniqueIndex"` // Auth token, immutable.

	IsActive bool `gorm:"not null;default:true"` // Requests are rejected when false.

	TotalTokens int64   `gorm:"not null;default:0"`                        // Lifetime billed tokens.
	TotalCost   float64 `gorm:"type:decimal(20,10);not null;default:0"`    // Lifetime spend in USD.
	UsageLimit  float64 `gorm:"type:decimal(20,10);not null;default:1000"` // Spend cap in USD.

	DailyRequestCount int        `gorm:"not null;default:0"` // Requests on LastRequestDate's day.
	LastRequestDate   *time.Time // Day the daily counter belongs to.

	LastUsedAt *time.Time // Last accounted request.
	LastIP     string     `gorm:"type:text"` // Last observed client address.

	Version uint64 `gorm:"not null;default:0"` // Bumped by every ledger write.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// State returns the ledger view of the user.
func (u *User) State() ledger.State {
	if u == nil {
		return ledger.State{}
	}
	return ledger.State{
		Active:            u.IsActive,
		TotalTokens:       u.TotalTokens,
		TotalCost:         u.TotalCost,
		DailyRequestCount: u.DailyRequestCount,
		LastRequestDate:   u.LastRequestDate,
		UsageLimit:        u.UsageLimit,
		LastUsedAt:        u.LastUsedAt,
		LastIP:            u.LastIP,
	}
}

// ApplyState copies a ledger state back onto the user.
func (u *User) ApplyState(state ledger.State) {
	if u == nil {
		return
	}
	u.IsActive = state.Active
	u.TotalTokens = state.TotalTokens
	u.TotalCost = state.TotalCost
	u.DailyRequestCount = state.DailyRequestCount
	u.LastRequestDate = state.LastRequestDate
	u.UsageLimit = state.UsageLimit
	u.LastUsedAt = state.LastUsedAt
	u.LastIP = state.LastIP
}

// LedgerColumns maps a ledger state to the columns persisted for it.
func LedgerColumns(state ledger.State) map[string]any {
	return map[string]any{
		"is_active":           state.Active,
		"total_tokens":        state.TotalTokens,
		"total_cost":          state.TotalCost,
		"usage_limit":         state.UsageLimit,
		"daily_request_count": state.DailyRequestCount,
		"last_request_date":   state.LastRequestDate,
		"last_used_at":        state.LastUsedAt,
		"last_ip":             state.LastIP,
	}
}

// Status returns a display label for the active flag.
func (u *User) Status() string {
	if u != nil && u.IsActive {
		return "active"
	}
	return "inactive"
}
