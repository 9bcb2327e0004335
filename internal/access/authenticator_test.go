package access

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/router-for-me/o1relay/internal/db"
	"github.com/router-for-me/o1relay/internal/ledger"
	"github.com/router-for-me/o1relay/internal/models"
	"github.com/router-for-me/o1relay/internal/quota"
	"github.com/router-for-me/o1relay/internal/store"
)

func newAuthenticatorForTest(t *testing.T) (*Authenticator, *store.Users, *quota.MemorySlots) {
	t.Helper()
	conn, errOpen := db.Open(filepath.Join(t.TempDir(), "access.db"))
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	t.Cleanup(func() { _ = db.Close(conn) })
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	users := store.NewUsers(conn)
	slots := quota.NewMemorySlots()
	return NewAuthenticator(users, slots, ledger.DefaultPolicy()), users, slots
}

func seedUser(t *testing.T, users *store.Users, columns map[string]any) *models.User {
	t.Helper()
	user, err := users.Create(context.Background(), "alice", 10)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if len(columns) > 0 {
		if errUpdate := users.DB().Model(&models.User{}).Where("id = ?", user.ID).Updates(columns).Error; errUpdate != nil {
			t.Fatalf("seed user: %v", errUpdate)
		}
	}
	return user
}

func TestAdmitUnknownTokenIsUnauthorized(t *testing.T) {
	auth, _, slots := newAuthenticatorForTest(t)

	for _, token := range []string{"", "   ", "missing1"} {
		if _, err := auth.Admit(context.Background(), token); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("token %q: expected unauthorized, got %v", token, err)
		}
	}
	if n, _ := slots.InFlight(context.Background(), "missing1"); n != 0 {
		t.Fatalf("unknown tokens must not hold slots, got %d", n)
	}
}

func TestAdmitRejectionsReleaseSlot(t *testing.T) {
	auth, users, slots := newAuthenticatorForTest(t)
	ctx := context.Background()

	inactive := seedUser(t, users, map[string]any{"is_active": false})
	_, err := auth.Admit(ctx, inactive.Token)
	if !errors.Is(err, ErrInactive) {
		t.Fatalf("expected inactive, got %v", err)
	}
	if n, _ := slots.InFlight(ctx, inactive.Token); n != 0 {
		t.Fatalf("rejected admission must release its slot, got %d", n)
	}

	spent := seedUser(t, users, map[string]any{"total_cost": 10})
	_, err = auth.Admit(ctx, spent.Token)
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected quota exceeded, got %v", err)
	}
	if !strings.Contains(err.Error(), "$10.00") {
		t.Fatalf("expected the cap in the message, got %q", err.Error())
	}
	var rejection *Rejection
	if !errors.As(err, &rejection) || rejection.Decision.Reason != ledger.ReasonQuotaExceeded {
		t.Fatalf("expected rejection detail, got %#v", err)
	}
}

func TestAdmitRateLimitCountsOpenSlots(t *testing.T) {
	auth, users, slots := newAuthenticatorForTest(t)
	ctx := context.Background()
	now := time.Now().UTC()

	user := seedUser(t, users, map[string]any{"daily_request_count": 98, "last_request_date": now})

	first, err := auth.Admit(ctx, user.Token)
	if err != nil {
		t.Fatalf("first admission: %v", err)
	}
	second, err := auth.Admit(ctx, user.Token)
	if err != nil {
		t.Fatalf("second admission: %v", err)
	}
	if _, err = auth.Admit(ctx, user.Token); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected third concurrent admission to be rate limited, got %v", err)
	}
	if !strings.Contains(err.Error(), "(100)") {
		t.Fatalf("expected ceiling in message, got %q", err.Error())
	}

	first.Release(ctx)
	first.Release(ctx)
	if n, _ := slots.InFlight(ctx, user.Token); n != 1 {
		t.Fatalf("double release must only free one slot, got %d in flight", n)
	}
	second.Release(ctx)
}

func TestAdmitResetsOnNewDay(t *testing.T) {
	auth, users, _ := newAuthenticatorForTest(t)
	yesterday := time.Now().UTC().AddDate(0, 0, -1)
	user := seedUser(t, users, map[string]any{"daily_request_count": 100, "last_request_date": yesterday})

	admission, err := auth.Admit(context.Background(), user.Token)
	if err != nil {
		t.Fatalf("expected admission on a new day, got %v", err)
	}
	defer admission.Release(context.Background())
	if admission.Decision.DailyCount != 0 {
		t.Fatalf("expected effective count 0, got %d", admission.Decision.DailyCount)
	}
}

func TestAdmitUserReloadsLedger(t *testing.T) {
	auth, users, slots := newAuthenticatorForTest(t)
	ctx := context.Background()
	user := seedUser(t, users, nil)

	resolved, err := auth.Resolve(ctx, user.Token)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if errUpdate := users.DB().Model(&models.User{}).Where("id = ?", user.ID).Updates(map[string]any{
		"daily_request_count": 100,
		"last_request_date":   time.Now().UTC(),
	}).Error; errUpdate != nil {
		t.Fatalf("update user: %v", errUpdate)
	}

	if _, err = auth.AdmitUser(ctx, resolved); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected admission to see the committed counter, got %v", err)
	}
	if n, _ := slots.InFlight(ctx, user.Token); n != 0 {
		t.Fatalf("rejected admission must release its slot, got %d", n)
	}
	if _, err = auth.AdmitUser(ctx, nil); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for a nil user, got %v", err)
	}
}

func TestExtractToken(t *testing.T) {
	req := httptest.NewRequest("POST", "/chat", nil)
	if got := ExtractToken(req, " body0001 "); got != "body0001" {
		t.Fatalf("expected body token, got %q", got)
	}

	req.Header.Set("X-API-Key", "header01")
	if got := ExtractToken(req, "body0001"); got != "header01" {
		t.Fatalf("expected x-api-key token, got %q", got)
	}

	req.Header.Set("Authorization", "Bearer bearer01")
	if got := ExtractToken(req, "body0001"); got != "bearer01" {
		t.Fatalf("expected bearer token, got %q", got)
	}

	if got := ExtractToken(nil, ""); got != "" {
		t.Fatalf("expected empty token, got %q", got)
	}
}
