// Package relay orchestrates a chat request from authentication to accounting.
package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/router-for-me/o1relay/internal/access"
	"github.com/router-for-me/o1relay/internal/billing"
	"github.com/router-for-me/o1relay/internal/metrics"
	"github.com/router-for-me/o1relay/internal/upstream"
	"github.com/router-for-me/o1relay/internal/usage"
	log "github.com/sirupsen/logrus"
)

// DefaultReasoningEffort is used when the caller sends none.
const DefaultReasoningEffort = "low"

// defaultUpstreamTimeout bounds a model call when no timeout is configured.
const defaultUpstreamTimeout = 10 * time.Minute

var reasoningEfforts = map[string]struct{}{
	"low":    {},
	"medium": {},
	"high":   {},
}

// ChatRequest is an incoming chat call.
type ChatRequest struct {
	Token           string
	Messages        []upstream.Message
	ReasoningEffort string
	ClientIP        string
	RequestID       string
}

// ChatResult is returned after the usage is committed.
type ChatResult struct {
	Content string
	Model   string

	PromptTokens     int64
	CompletionTokens int64 // Net of reasoning.
	ReasoningTokens  int64
	TotalTokens      int64

	Cost              float64
	UserTotalCost     float64
	UsageLimit        float64
	DailyRequestCount int
	DailyRequestLimit int
	LatencySeconds    float64
}

// StatsResult is the public view of a user's ledger.
type StatsResult struct {
	Name              string
	Active            bool
	TotalTokens       int64
	TotalCost         float64
	UsageLimit        float64
	Remaining         float64
	DailyRequestCount int
	DailyRequestLimit int
	LastUsedAt        *time.Time
	LastIP            string
}

// Service runs chat and stats requests.
type Service struct {
	auth     *access.Authenticator
	recorder *usage.Recorder
	client   upstream.Client
	pricing  billing.Pricing
	metrics  *metrics.Metrics
	model    string
	timeout  time.Duration
	now      func() time.Time

	pending sync.WaitGroup // Chats that may still reach the ledger.
}

// Options configures a Service.
type Options struct {
	Pricing         billing.Pricing
	Metrics         *metrics.Metrics
	Model           string
	UpstreamTimeout time.Duration
}

// NewService wires the orchestrator.
func NewService(auth *access.Authenticator, recorder *usage.Recorder, client upstream.Client, opts Options) *Service {
	pricing := opts.Pricing
	if pricing.Validate() != nil || (pricing.InputPerMillion == 0 && pricing.OutputPerMillion == 0) {
		pricing = billing.DefaultPricing()
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = upstream.DefaultModel
	}
	timeout := opts.UpstreamTimeout
	if timeout <= 0 {
		timeout = defaultUpstreamTimeout
	}
	return &Service{
		auth:     auth,
		recorder: recorder,
		client:   client,
		pricing:  pricing,
		metrics:  opts.Metrics,
		model:    model,
		timeout:  timeout,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Chat authenticates, validates, admits, dispatches and accounts one request.
func (s *Service) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	s.pending.Add(1)
	defer s.pending.Done()

	result, err := s.chat(ctx, req)
	if err != nil {
		s.metrics.ObserveOutcome(KindOf(err).String())
		return nil, err
	}
	s.metrics.ObserveOutcome("ok")
	return result, nil
}

func (s *Service) chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	resolved, errResolve := s.auth.Resolve(ctx, req.Token)
	if errResolve != nil {
		return nil, s.translateAccessError(errResolve)
	}

	effort, errValidate := validate(req)
	if errValidate != nil {
		return nil, errValidate
	}

	admission, errAdmit := s.auth.AdmitUser(ctx, resolved)
	if errAdmit != nil {
		return nil, s.translateAccessError(errAdmit)
	}
	defer admission.Release(ctx)
	user := admission.User

	// The call and the commit outlive a disconnected client so spent tokens are always accounted.
	detached := context.WithoutCancel(ctx)
	callCtx, cancel := context.WithTimeout(detached, s.timeout)
	defer cancel()

	requestedAt := s.now()
	resp, errCall := s.client.Complete(callCtx, upstream.Request{
		Messages:        req.Messages,
		ReasoningEffort: effort,
	})
	if errCall != nil {
		s.recordFailure(detached, user.ID, req, effort, requestedAt, errCall)
		return nil, newError(KindUpstream, "Upstream model service temporarily unavailable", errCall)
	}
	s.metrics.ObserveUpstreamLatency(resp.Latency)

	cost := s.pricing.Cost(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	model := resp.Model
	if model == "" {
		model = s.model
	}
	state, errCommit := s.recorder.Commit(detached, usage.Entry{
		UserID:           user.ID,
		Model:            model,
		RequestID:        req.RequestID,
		ClientIP:         req.ClientIP,
		ReasoningEffort:  effort,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		ReasoningTokens:  resp.Usage.ReasoningTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		Cost:             cost,
		Latency:          resp.Latency,
		RequestedAt:      requestedAt,
	})
	if errCommit != nil {
		log.WithError(errCommit).WithField("user_id", user.ID).Error("relay: usage commit failed")
		return nil, internalError(errCommit)
	}
	s.metrics.ObserveUsage(resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Usage.ReasoningTokens, cost)

	completion := resp.Usage.CompletionTokens - resp.Usage.ReasoningTokens
	if completion < 0 {
		completion = 0
	}
	return &ChatResult{
		Content:           resp.Content,
		Model:             model,
		PromptTokens:      resp.Usage.PromptTokens,
		CompletionTokens:  completion,
		ReasoningTokens:   resp.Usage.ReasoningTokens,
		TotalTokens:       resp.Usage.TotalTokens,
		Cost:              cost,
		UserTotalCost:     state.TotalCost,
		UsageLimit:        state.UsageLimit,
		DailyRequestCount: state.DailyRequestCount,
		DailyRequestLimit: s.auth.Policy().Ceiling(),
		LatencySeconds:    resp.Latency.Seconds(),
	}, nil
}

// Drain blocks until every chat in progress has committed or recorded its failure,
// or until ctx is done. Call it after the listener stops accepting requests.
func (s *Service) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns the ledger summary for token.
func (s *Service) Stats(ctx context.Context, token string) (*StatsResult, error) {
	user, err := s.auth.Resolve(ctx, token)
	if err != nil {
		return nil, s.translateAccessError(err)
	}
	state := user.State()
	return &StatsResult{
		Name:              user.Name,
		Active:            user.IsActive,
		TotalTokens:       user.TotalTokens,
		TotalCost:         user.TotalCost,
		UsageLimit:        user.UsageLimit,
		Remaining:         state.Remaining(),
		DailyRequestCount: state.EffectiveDailyCount(s.now()),
		DailyRequestLimit: s.auth.Policy().Ceiling(),
		LastUsedAt:        user.LastUsedAt,
		LastIP:            user.LastIP,
	}, nil
}

func validate(req ChatRequest) (string, error) {
	if len(req.Messages) == 0 {
		return "", newError(KindValidation, "messages must not be empty", nil)
	}
	for _, msg := range req.Messages {
		if strings.TrimSpace(msg.Role) == "" {
			return "", newError(KindValidation, "every message needs a role", nil)
		}
	}
	effort := strings.ToLower(strings.TrimSpace(req.ReasoningEffort))
	if effort == "" {
		return DefaultReasoningEffort, nil
	}
	if _, ok := reasoningEfforts[effort]; !ok {
		return "", newError(KindValidation, "reasoning_effort must be one of low, medium, high", nil)
	}
	return effort, nil
}

func (s *Service) translateAccessError(err error) error {
	message := err.Error()
	switch {
	case errors.Is(err, access.ErrUnauthorized):
		return newError(KindUnauthorized, "Invalid token", err)
	case errors.Is(err, access.ErrInactive):
		return newError(KindInactive, message, err)
	case errors.Is(err, access.ErrQuotaExceeded):
		return newError(KindQuotaExceeded, message, err)
	case errors.Is(err, access.ErrRateLimited):
		return newError(KindRateLimited, message, err)
	default:
		log.WithError(err).Error("relay: access check failed")
		return internalError(err)
	}
}

func (s *Service) recordFailure(ctx context.Context, userID uint64, req ChatRequest, effort string, requestedAt time.Time, cause error) {
	failure := usage.Failure{
		UserID:          userID,
		Model:           s.model,
		RequestID:       req.RequestID,
		ClientIP:        req.ClientIP,
		ReasoningEffort: effort,
		Message:         cause.Error(),
		RequestedAt:     requestedAt,
	}
	var upstreamErr *upstream.Error
	if errors.As(cause, &upstreamErr) {
		failure.StatusCode = upstreamErr.StatusCode
		failure.Body = upstreamErr.Body
		failure.Latency = upstreamErr.Latency
	}
	if errRecord := s.recorder.RecordFailure(ctx, failure); errRecord != nil {
		log.WithError(errRecord).WithField("user_id", userID).Warn("relay: failed to record upstream failure")
	}
	log.WithError(cause).WithField("user_id", userID).Warn("relay: upstream call failed")
}
