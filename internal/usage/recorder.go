// Package usage applies completed model calls to the ledger and keeps the usage log.
package usage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/router-for-me/o1relay/internal/billing"
	"github.com/router-for-me/o1relay/internal/ledger"
	"github.com/router-for-me/o1relay/internal/models"
	"github.com/router-for-me/o1relay/internal/store"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// maxErrorBodyBytes caps the upstream body kept in failure detail.
const maxErrorBodyBytes = 2048

// Entry describes one successful upstream call.
type Entry struct {
	UserID          uint64
	Model           string
	RequestID       string
	ClientIP        string
	ReasoningEffort string

	PromptTokens     int64
	CompletionTokens int64 // Reasoning included.
	ReasoningTokens  int64
	TotalTokens      int64

	Cost        float64
	Latency     time.Duration
	RequestedAt time.Time
}

// Failure describes an admitted request whose upstream call failed.
type Failure struct {
	UserID          uint64
	Model           string
	RequestID       string
	ClientIP        string
	ReasoningEffort string

	StatusCode int
	Message    string
	Body       []byte

	Latency     time.Duration
	RequestedAt time.Time
}

// Recorder commits usage to the ledger and the usage log.
type Recorder struct {
	users *store.Users
	now   func() time.Time
}

// NewRecorder constructs a Recorder.
func NewRecorder(users *store.Users) *Recorder {
	return &Recorder{users: users, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock replaces the time source.
func (r *Recorder) SetClock(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

// Commit applies entry to the user's ledger and appends a usage row in one
// transaction. It returns once the change is durable.
func (r *Recorder) Commit(ctx context.Context, entry Entry) (ledger.State, error) {
	if r == nil || r.users == nil {
		return ledger.State{}, errors.New("usage recorder: not configured")
	}
	if entry.PromptTokens < 0 || entry.CompletionTokens < 0 || entry.Cost < 0 {
		return ledger.State{}, fmt.Errorf("usage recorder: negative usage")
	}
	total := entry.TotalTokens
	if total <= 0 {
		total = entry.PromptTokens + entry.CompletionTokens
	}
	now := r.now()
	requestedAt := entry.RequestedAt
	if requestedAt.IsZero() {
		requestedAt = now
	}

	charge := ledger.Charge{Tokens: total, Cost: entry.Cost, IP: entry.ClientIP}
	row := models.Usage{
		UserID:          entry.UserID,
		Model:           strings.TrimSpace(entry.Model),
		RequestID:       entry.RequestID,
		ClientIP:        strings.TrimSpace(entry.ClientIP),
		ReasoningEffort: entry.ReasoningEffort,
		RequestedAt:     requestedAt.UTC(),
		InputTokens:     entry.PromptTokens,
		OutputTokens:    entry.CompletionTokens,
		ReasoningTokens: entry.ReasoningTokens,
		TotalTokens:     total,
		CostMicros:      billing.ToMicros(entry.Cost),
		LatencyMillis:   entry.Latency.Milliseconds(),
		CreatedAt:       now,
	}

	user, errApply := r.users.ApplyByID(ctx, entry.UserID,
		func(user *models.User) (ledger.State, error) {
			return ledger.ApplyUsage(user.State(), charge, now), nil
		},
		func(tx *gorm.DB, _ *models.User) error {
			if errCreate := tx.Create(&row).Error; errCreate != nil {
				return fmt.Errorf("insert usage: %w", errCreate)
			}
			return nil
		},
	)
	if errApply != nil {
		return ledger.State{}, fmt.Errorf("usage recorder: commit: %w", errApply)
	}
	return user.State(), nil
}

// usageErrorDetail is the JSON stored for failed requests.
type usageErrorDetail struct {
	StatusCode   int    `json:"status_code"`
	Message      string `json:"message"`
	ResponseBody any    `json:"response_body,omitempty"`
}

// RecordFailure appends an audit row for a failed upstream call. The ledger is not touched.
func (r *Recorder) RecordFailure(ctx context.Context, failure Failure) error {
	if r == nil || r.users == nil {
		return errors.New("usage recorder: not configured")
	}
	statusCode, detail := buildErrorDetail(failure)
	requestedAt := failure.RequestedAt
	if requestedAt.IsZero() {
		requestedAt = r.now()
	}
	row := models.Usage{
		UserID:          failure.UserID,
		Model:           strings.TrimSpace(failure.Model),
		RequestID:       failure.RequestID,
		ClientIP:        strings.TrimSpace(failure.ClientIP),
		ReasoningEffort: failure.ReasoningEffort,
		RequestedAt:     requestedAt.UTC(),
		Failed:          true,
		ErrorStatusCode: statusCode,
		ErrorDetail:     detail,
		LatencyMillis:   failure.Latency.Milliseconds(),
		CreatedAt:       r.now(),
	}
	if errCreate := r.users.DB().WithContext(ctx).Create(&row).Error; errCreate != nil {
		return fmt.Errorf("usage recorder: record failure: %w", errCreate)
	}
	return nil
}

func buildErrorDetail(failure Failure) (*int, datatypes.JSON) {
	statusCode := failure.StatusCode
	if statusCode == 0 {
		statusCode = http.StatusBadGateway
	}
	message := strings.TrimSpace(failure.Message)
	if message == "" {
		message = strings.TrimSpace(http.StatusText(statusCode))
	}

	detail := usageErrorDetail{StatusCode: statusCode, Message: message}
	body := failure.Body
	if len(body) > maxErrorBodyBytes {
		body = body[:maxErrorBodyBytes]
	}
	if len(body) > 0 {
		if json.Valid(body) {
			detail.ResponseBody = json.RawMessage(body)
		} else {
			detail.ResponseBody = string(body)
		}
	}

	payload, errMarshal := json.Marshal(detail)
	if errMarshal != nil {
		return &statusCode, nil
	}
	return &statusCode, datatypes.JSON(payload)
}
