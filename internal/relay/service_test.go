package relay

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/router-for-me/o1relay/internal/access"
	"github.com/router-for-me/o1relay/internal/billing"
	"github.com/router-for-me/o1relay/internal/db"
	"github.com/router-for-me/o1relay/internal/ledger"
	"github.com/router-for-me/o1relay/internal/metrics"
	"github.com/router-for-me/o1relay/internal/models"
	"github.com/router-for-me/o1relay/internal/quota"
	"github.com/router-for-me/o1relay/internal/store"
	"github.com/router-for-me/o1relay/internal/upstream"
	"github.com/router-for-me/o1relay/internal/usage"
	"gorm.io/gorm"
)

type fakeClient struct {
	calls    atomic.Int32
	resp     upstream.Response
	err      error
	lastReq  upstream.Request
	ctxError error
	onCall   func()
}

func (f *fakeClient) Complete(ctx context.Context, req upstream.Request) (upstream.Response, error) {
	f.calls.Add(1)
	f.lastReq = req
	if f.onCall != nil {
		f.onCall()
	}
	f.ctxError = ctx.Err()
	if f.err != nil {
		return upstream.Response{}, f.err
	}
	return f.resp, nil
}

type relayFixture struct {
	service *Service
	users   *store.Users
	slots   *quota.MemorySlots
	client  *fakeClient
	user    *models.User
}

func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()
	conn, errOpen := db.Open(filepath.Join(t.TempDir(), "relay.db"))
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	t.Cleanup(func() { _ = db.Close(conn) })
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}

	users := store.NewUsers(conn)
	slots := quota.NewMemorySlots()
	client := &fakeClient{resp: upstream.Response{
		Content: "pong",
		Model:   "o1",
		Usage:   upstream.Usage{PromptTokens: 1000, CompletionTokens: 2000, TotalTokens: 3000, ReasoningTokens: 1200},
		Latency: 2 * time.Second,
	}}
	service := NewService(
		access.NewAuthenticator(users, slots, ledger.DefaultPolicy()),
		usage.NewRecorder(users),
		client,
		Options{Pricing: billing.DefaultPricing(), Metrics: metrics.New(), UpstreamTimeout: time.Minute},
	)

	user, err := users.Create(context.Background(), "alice", 100)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return &relayFixture{service: service, users: users, slots: slots, client: client, user: user}
}

func (f *relayFixture) request() ChatRequest {
	return ChatRequest{
		Token:    f.user.Token,
		Messages: []upstream.Message{{Role: "user", Content: "ping"}},
		ClientIP: "203.0.113.7",
	}
}

func (f *relayFixture) reload(t *testing.T) *models.User {
	t.Helper()
	user, err := f.users.FindByToken(context.Background(), f.user.Token)
	if err != nil {
		t.Fatalf("reload user: %v", err)
	}
	return user
}

func TestChatAccountsSuccessfulCall(t *testing.T) {
	f := newRelayFixture(t)

	result, err := f.service.Chat(context.Background(), f.request())
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if f.client.lastReq.ReasoningEffort != "low" {
		t.Fatalf("expected default effort low, got %q", f.client.lastReq.ReasoningEffort)
	}
	if result.Content != "pong" || result.TotalTokens != 3000 {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.CompletionTokens != 800 || result.ReasoningTokens != 1200 {
		t.Fatalf("expected completion net of reasoning, got %+v", result)
	}
	if math.Abs(result.Cost-0.135) > 1e-9 || math.Abs(result.UserTotalCost-0.135) > 1e-9 {
		t.Fatalf("unexpected cost %v / %v", result.Cost, result.UserTotalCost)
	}
	if result.DailyRequestCount != 1 || result.DailyRequestLimit != 100 {
		t.Fatalf("unexpected counters %d/%d", result.DailyRequestCount, result.DailyRequestLimit)
	}
	if result.LatencySeconds != 2 {
		t.Fatalf("expected latency 2s, got %v", result.LatencySeconds)
	}

	user := f.reload(t)
	if user.TotalTokens != 3000 || user.DailyRequestCount != 1 || user.LastIP != "203.0.113.7" {
		t.Fatalf("ledger not updated: %+v", user)
	}
	if n, _ := f.slots.InFlight(context.Background(), f.user.Token); n != 0 {
		t.Fatalf("expected slot released, got %d", n)
	}
}

func TestChatValidationRejectsBeforeUpstream(t *testing.T) {
	f := newRelayFixture(t)

	empty := f.request()
	empty.Messages = nil
	_, err := f.service.Chat(context.Background(), empty)
	if KindOf(err) != KindValidation {
		t.Fatalf("expected validation error for empty messages, got %v", err)
	}

	extreme := f.request()
	extreme.ReasoningEffort = "extreme"
	_, err = f.service.Chat(context.Background(), extreme)
	if KindOf(err) != KindValidation {
		t.Fatalf("expected validation error for extreme effort, got %v", err)
	}

	if calls := f.client.calls.Load(); calls != 0 {
		t.Fatalf("expected no upstream call, got %d", calls)
	}
	if user := f.reload(t); user.DailyRequestCount != 0 || user.Version != f.user.Version {
		t.Fatalf("validation failures must not touch the ledger: %+v", user)
	}
}

func TestChatUnknownTokenIsUnauthorized(t *testing.T) {
	f := newRelayFixture(t)
	req := f.request()
	req.Token = "nobody00"
	req.Messages = nil

	_, err := f.service.Chat(context.Background(), req)
	if KindOf(err) != KindUnauthorized {
		t.Fatalf("expected unauthorized before validation, got %v", err)
	}
}

func TestChatUpstreamFailureLeavesLedgerUnchanged(t *testing.T) {
	f := newRelayFixture(t)
	f.client.err = &upstream.Error{StatusCode: 500, Body: []byte(`{"error":"boom"}`)}

	_, err := f.service.Chat(context.Background(), f.request())
	if KindOf(err) != KindUpstream {
		t.Fatalf("expected upstream failure, got %v", err)
	}
	if !errors.Is(err, upstream.ErrUnavailable) {
		t.Fatalf("expected wrapped ErrUnavailable, got %v", err)
	}

	user := f.reload(t)
	if user.TotalCost != 0 || user.TotalTokens != 0 || user.DailyRequestCount != 0 || user.LastUsedAt != nil {
		t.Fatalf("upstream failure must not touch the ledger: %+v", user)
	}

	var failed int64
	f.users.DB().Model(&models.Usage{}).Where("user_id = ? AND failed = ?", user.ID, true).Count(&failed)
	if failed != 1 {
		t.Fatalf("expected one failure audit row, got %d", failed)
	}
	if n, _ := f.slots.InFlight(context.Background(), f.user.Token); n != 0 {
		t.Fatalf("expected slot released after failure, got %d", n)
	}
}

func TestChatAdmissionRejections(t *testing.T) {
	f := newRelayFixture(t)
	now := time.Now().UTC()

	if errSeed := f.users.DB().Model(&models.User{}).Where("id = ?", f.user.ID).
		Updates(map[string]any{"daily_request_count": 100, "last_request_date": now}).Error; errSeed != nil {
		t.Fatalf("seed: %v", errSeed)
	}
	_, err := f.service.Chat(context.Background(), f.request())
	if KindOf(err) != KindRateLimited {
		t.Fatalf("expected rate limited, got %v", err)
	}

	if errSeed := f.users.DB().Model(&models.User{}).Where("id = ?", f.user.ID).
		Updates(map[string]any{"total_cost": 100}).Error; errSeed != nil {
		t.Fatalf("seed: %v", errSeed)
	}
	_, err = f.service.Chat(context.Background(), f.request())
	if KindOf(err) != KindQuotaExceeded {
		t.Fatalf("expected quota exceeded, got %v", err)
	}

	if _, errToggle := f.users.Toggle(context.Background(), f.user.Token); errToggle != nil {
		t.Fatalf("toggle: %v", errToggle)
	}
	_, err = f.service.Chat(context.Background(), f.request())
	if KindOf(err) != KindInactive {
		t.Fatalf("expected inactive, got %v", err)
	}

	if calls := f.client.calls.Load(); calls != 0 {
		t.Fatalf("rejected requests must not reach upstream, got %d calls", calls)
	}
}

func TestChatAccountsAfterClientDisconnect(t *testing.T) {
	f := newRelayFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.client.onCall = cancel

	_, err := f.service.Chat(ctx, f.request())
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if f.client.ctxError != nil {
		t.Fatalf("upstream call must not inherit client cancellation, got %v", f.client.ctxError)
	}
	if user := f.reload(t); user.TotalTokens != 3000 {
		t.Fatalf("expected usage to be accounted, got %+v", user)
	}
}

func TestDrainWaitsForSlowUpstreamCommit(t *testing.T) {
	f := newRelayFixture(t)
	started := make(chan struct{})
	release := make(chan struct{})
	f.client.onCall = func() {
		close(started)
		<-release
	}

	chatErr := make(chan error, 1)
	go func() {
		_, err := f.service.Chat(context.Background(), f.request())
		chatErr <- err
	}()
	<-started

	shortCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := f.service.Drain(shortCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected drain to wait for the pending chat, got %v", err)
	}

	close(release)
	if err := f.service.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if err := <-chatErr; err != nil {
		t.Fatalf("chat: %v", err)
	}
	if user := f.reload(t); user.TotalTokens != 3000 || user.DailyRequestCount != 1 {
		t.Fatalf("expected the slow call to be accounted before drain returned, got %+v", user)
	}
}

func TestChatLoadsUserTwiceBeforeCommit(t *testing.T) {
	f := newRelayFixture(t)
	var userQueries atomic.Int32
	errRegister := f.users.DB().Callback().Query().After("gorm:query").Register("test:count_user_queries", func(tx *gorm.DB) {
		if tx.Statement.Table == "users" {
			userQueries.Add(1)
		}
	})
	if errRegister != nil {
		t.Fatalf("register callback: %v", errRegister)
	}

	if _, err := f.service.Chat(context.Background(), f.request()); err != nil {
		t.Fatalf("chat: %v", err)
	}
	// Resolve, the reload after the slot is taken, and the locked read in the commit.
	if n := userQueries.Load(); n != 3 {
		t.Fatalf("expected 3 user reads per chat, got %d", n)
	}
}

func TestStats(t *testing.T) {
	f := newRelayFixture(t)
	if _, err := f.service.Chat(context.Background(), f.request()); err != nil {
		t.Fatalf("chat: %v", err)
	}

	stats, err := f.service.Stats(context.Background(), f.user.Token)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Name != "alice" || stats.TotalTokens != 3000 || stats.DailyRequestCount != 1 || !stats.Active {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if math.Abs(stats.Remaining-(100-0.135)) > 1e-9 {
		t.Fatalf("unexpected remaining %v", stats.Remaining)
	}
	if stats.LastUsedAt == nil || stats.LastIP != "203.0.113.7" {
		t.Fatalf("expected last use details, got %+v", stats)
	}

	if _, err = f.service.Stats(context.Background(), "nobody00"); KindOf(err) != KindUnauthorized {
		t.Fatalf("expected unauthorized stats, got %v", err)
	}
}

func TestKindStrings(t *testing.T) {
	want := map[Kind]string{
		KindUnauthorized:  "unauthorized",
		KindInactive:      "inactive",
		KindQuotaExceeded: "quota_exceeded",
		KindRateLimited:   "rate_limited",
		KindValidation:    "validation_error",
		KindUpstream:      "upstream_failure",
		KindInternal:      "internal_error",
	}
	for kind, code := range want {
		if kind.String() != code {
			t.Fatalf("expected %q, got %q", code, kind.String())
		}
	}
	if KindOf(errors.New("plain")) != KindInternal {
		t.Fatalf("plain errors must map to internal")
	}
}
