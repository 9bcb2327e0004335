// Package access resolves user tokens and admits requests against the usage ledger.
package access

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/router-for-me/o1relay/internal/ledger"
	"github.com/router-for-me/o1relay/internal/models"
	"github.com/router-for-me/o1relay/internal/quota"
	"github.com/router-for-me/o1relay/internal/store"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrUnauthorized indicates the token matches no user.
	ErrUnauthorized = errors.New("invalid token")
	// ErrInactive indicates the user is disabled.
	ErrInactive = errors.New("user is inactive")
	// ErrQuotaExceeded indicates total spend reached the usage cap.
	ErrQuotaExceeded = errors.New("usage limit exceeded")
	// ErrRateLimited indicates the daily request ceiling is reached.
	ErrRateLimited = errors.New("daily request limit exceeded")
)

// Rejection wraps an admission sentinel with the decision behind it.
type Rejection struct {
	Err      error
	Decision ledger.Decision
}

func (r *Rejection) Error() string {
	switch r.Decision.Reason {
	case ledger.ReasonQuotaExceeded:
		return fmt.Sprintf("Usage limit ($%.2f) exceeded", r.Decision.UsageLimit)
	case ledger.ReasonRateLimited:
		return fmt.Sprintf("Daily request limit (%d) exceeded", r.Decision.Ceiling)
	case ledger.ReasonInactive:
		return "User is inactive"
	default:
		return r.Err.Error()
	}
}

func (r *Rejection) Unwrap() error { return r.Err }

// Admission is a granted request. Release must be called exactly once after the
// usage commit or after any failure that follows admission.
type Admission struct {
	User     *models.User
	Decision ledger.Decision

	release func(ctx context.Context)
}

// Release frees the in-flight slot held by the admission.
func (a *Admission) Release(ctx context.Context) {
	if a == nil || a.release == nil {
		return
	}
	release := a.release
	a.release = nil
	release(ctx)
}

// Authenticator checks tokens and admission rules.
type Authenticator struct {
	users  *store.Users
	slots  quota.Slots
	policy ledger.Policy
	now    func() time.Time
}

// NewAuthenticator constructs an Authenticator. A nil slots table falls back to memory.
func NewAuthenticator(users *store.Users, slots quota.Slots, policy ledger.Policy) *Authenticator {
	if slots == nil {
		slots = quota.NewMemorySlots()
	}
	return &Authenticator{
		users:  users,
		slots:  slots,
		policy: policy,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source used for daily resets.
func (a *Authenticator) SetClock(now func() time.Time) {
	if now != nil {
		a.now = now
	}
}

// Policy returns the admission policy in effect.
func (a *Authenticator) Policy() ledger.Policy { return a.policy }

// Resolve returns the user owning token.
func (a *Authenticator) Resolve(ctx context.Context, token string) (*models.User, error) {
	user, err := a.users.FindByToken(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("resolve token: %w", err)
	}
	return user, nil
}

// Admit authenticates token and applies the admission rules. The ledger is read
// again after the in-flight slot is acquired so a concurrent commit cannot be missed.
func (a *Authenticator) Admit(ctx context.Context, token string) (*Admission, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrUnauthorized
	}
	resolved, errResolve := a.Resolve(ctx, token)
	if errResolve != nil {
		return nil, errResolve
	}
	return a.AdmitUser(ctx, resolved)
}

// AdmitUser applies the admission rules to a user already returned by Resolve.
// Only the ID and token of resolved are used; the ledger is reloaded after the
// slot is acquired.
func (a *Authenticator) AdmitUser(ctx context.Context, resolved *models.User) (*Admission, error) {
	if resolved == nil {
		return nil, ErrUnauthorized
	}

	inFlight, errAcquire := a.slots.Acquire(ctx, resolved.Token)
	if errAcquire != nil {
		return nil, fmt.Errorf("acquire slot: %w", errAcquire)
	}
	release := func(ctx context.Context) {
		if errRelease := a.slots.Release(context.WithoutCancel(ctx), resolved.Token); errRelease != nil {
			log.WithError(errRelease).Warn("access: release slot failed")
		}
	}

	user, errReload := a.users.FindByID(ctx, resolved.ID)
	if errReload != nil {
		release(ctx)
		if errors.Is(errReload, store.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("reload user: %w", errReload)
	}

	state := user.State()
	decision := a.policy.Admit(&state, a.now(), inFlight-1)
	if !decision.Allowed {
		release(ctx)
		return nil, &Rejection{Err: reasonError(decision.Reason), Decision: decision}
	}
	return &Admission{User: user, Decision: decision, release: release}, nil
}

func reasonError(reason ledger.Reason) error {
	switch reason {
	case ledger.ReasonInactive:
		return ErrInactive
	case ledger.ReasonQuotaExceeded:
		return ErrQuotaExceeded
	case ledger.ReasonRateLimited:
		return ErrRateLimited
	default:
		return ErrUnauthorized
	}
}

// ExtractToken reads the user token from the Authorization bearer header, the
// X-API-Key header, or the fallback value taken from the body or path.
func ExtractToken(r *http.Request, fallback string) string {
	if r != nil {
		val := strings.TrimSpace(r.Header.Get("Authorization"))
		if strings.HasPrefix(val, "Bearer ") {
			if token := strings.TrimSpace(strings.TrimPrefix(val, "Bearer ")); token != "" {
				return token
			}
		}
		if v := strings.TrimSpace(r.Header.Get("X-API-Key")); v != "" {
			return v
		}
	}
	return strings.TrimSpace(fallback)
}
