// Package ledger holds the per-user usage state and the pure transitions applied to it.
//
// Nothing in this package touches storage. Callers load a State, run Admit or ApplyUsage,
// and persist the returned value in one write.
package ledger

import (
	"strings"
	"time"
)

// DefaultDailyRequestCeiling is the number of requests a user may issue per UTC calendar day.
const DefaultDailyRequestCeiling = 100

// DefaultUsageLimit is the monetary cap (USD) assigned to new users.
const DefaultUsageLimit = 1000.0

// State is the usage ledger of a single user.
type State struct {
	Active            bool       // Requests are rejected when false.
	TotalTokens       int64      // Lifetime billed tokens.
	TotalCost         float64    // Lifetime spend in USD.
	DailyRequestCount int        // Requests counted on LastRequestDate's day.
	LastRequestDate   *time.Time // Day the daily counter belongs to.
	UsageLimit        float64    // Spend cap in USD.
	LastUsedAt        *time.Time // Time of the last accounted request.
	LastIP            string     // Last observed client address.
}

// Charge is the result of one successful upstream call.
type Charge struct {
	Tokens int64
	Cost   float64
	IP     string
}

// Policy carries the admission thresholds.
type Policy struct {
	DailyRequestCeiling int
}

// DefaultPolicy returns the policy with the standard daily ceiling.
func DefaultPolicy() Policy {
	return Policy{DailyRequestCeiling: DefaultDailyRequestCeiling}
}

// Ceiling returns the configured daily ceiling, falling back to the default.
func (p Policy) Ceiling() int {
	if p.DailyRequestCeiling <= 0 {
		return DefaultDailyRequestCeiling
	}
	return p.DailyRequestCeiling
}

// Admit decides whether a request may proceed. inFlight is the number of admitted
// requests from the same user that have not been accounted yet.
func (p Policy) Admit(state *State, now time.Time, inFlight int) Decision {
	if state == nil {
		return Decision{Reason: ReasonUnauthorized}
	}
	if !state.Active {
		return Decision{Reason: ReasonInactive, UsageLimit: state.UsageLimit}
	}
	if state.TotalCost >= state.UsageLimit {
		return Decision{Reason: ReasonQuotaExceeded, UsageLimit: state.UsageLimit}
	}
	if inFlight < 0 {
		inFlight = 0
	}
	ceiling := p.Ceiling()
	count := state.EffectiveDailyCount(now)
	if count+inFlight+1 > ceiling {
		return Decision{Reason: ReasonRateLimited, UsageLimit: state.UsageLimit, DailyCount: count, Ceiling: ceiling}
	}
	return Decision{Allowed: true, Reason: ReasonOK, UsageLimit: state.UsageLimit, DailyCount: count, Ceiling: ceiling}
}

// EffectiveDailyCount returns the daily counter as seen on now's day.
func (s State) EffectiveDailyCount(now time.Time) int {
	if s.LastRequestDate == nil || !SameDay(*s.LastRequestDate, now) {
		return 0
	}
	return s.DailyRequestCount
}

// ApplyUsage returns the state after accounting one successful call.
func ApplyUsage(state State, charge Charge, now time.Time) State {
	next := state
	if charge.Tokens > 0 {
		next.TotalTokens += charge.Tokens
	}
	if charge.Cost > 0 {
		next.TotalCost += charge.Cost
	}
	next.DailyRequestCount = state.EffectiveDailyCount(now) + 1
	day := now.UTC()
	next.LastRequestDate = &day
	used := now.UTC()
	next.LastUsedAt = &used
	if ip := strings.TrimSpace(charge.IP); ip != "" {
		next.LastIP = ip
	}
	return next
}

// ResetCounters clears the daily request counter. Lifetime totals are kept.
func ResetCounters(state State) State {
	next := state
	next.DailyRequestCount = 0
	next.LastRequestDate = nil
	return next
}

// Toggle flips the active flag.
func Toggle(state State) State {
	next := state
	next.Active = !state.Active
	return next
}

// RaiseLimit adds delta to the usage cap.
func RaiseLimit(state State, delta float64) State {
	next := state
	next.UsageLimit += delta
	return next
}

// Remaining returns the unspent part of the usage cap.
func (s State) Remaining() float64 {
	return s.UsageLimit - s.TotalCost
}

// SameDay reports whether a and b fall on the same UTC calendar day.
func SameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// DayKey formats the UTC calendar day of t as YYYY-MM-DD.
func DayKey(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}
