package ledger

import (
	"math"
	"testing"
	"time"
)

func activeState() State {
	return State{Active: true, UsageLimit: DefaultUsageLimit}
}

func TestAdmitNilRecordIsUnauthorized(t *testing.T) {
	decision := DefaultPolicy().Admit(nil, time.Now(), 0)
	if decision.Allowed || decision.Reason != ReasonUnauthorized {
		t.Fatalf("expected unauthorized, got %+v", decision)
	}
}

func TestAdmitInactiveWinsOverEveryOtherCheck(t *testing.T) {
	now := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	cases := []State{
		{Active: false, UsageLimit: 10},
		{Active: false, UsageLimit: 10, TotalCost: 10},
		{Active: false, UsageLimit: 10, TotalCost: 50, DailyRequestCount: 100, LastRequestDate: &now},
		{Active: false, UsageLimit: 0},
	}
	for i, state := range cases {
		state := state
		decision := DefaultPolicy().Admit(&state, now, 0)
		if decision.Allowed || decision.Reason != ReasonInactive {
			t.Fatalf("case %d: expected inactive, got %+v", i, decision)
		}
	}
}

func TestAdmitQuotaBoundary(t *testing.T) {
	now := time.Now()

	atLimit := activeState()
	atLimit.UsageLimit = 5
	atLimit.TotalCost = 5
	if decision := DefaultPolicy().Admit(&atLimit, now, 0); decision.Reason != ReasonQuotaExceeded {
		t.Fatalf("expected quota_exceeded at the cap, got %s", decision.Reason)
	}

	belowLimit := activeState()
	belowLimit.UsageLimit = 5
	belowLimit.TotalCost = 4.99
	if decision := DefaultPolicy().Admit(&belowLimit, now, 0); !decision.Allowed {
		t.Fatalf("expected admission just below the cap, got %s", decision.Reason)
	}
}

func TestAdmitRateLimitBoundary(t *testing.T) {
	now := time.Date(2026, 3, 4, 18, 30, 0, 0, time.UTC)
	earlier := now.Add(-2 * time.Hour)

	state := activeState()
	state.LastRequestDate = &earlier
	state.DailyRequestCount = 99
	if decision := DefaultPolicy().Admit(&state, now, 0); !decision.Allowed {
		t.Fatalf("expected the 100th request to be admitted, got %s", decision.Reason)
	}

	state.DailyRequestCount = 100
	decision := DefaultPolicy().Admit(&state, now, 0)
	if decision.Allowed || decision.Reason != ReasonRateLimited {
		t.Fatalf("expected the 101st request to be rate limited, got %+v", decision)
	}
	if decision.Ceiling != DefaultDailyRequestCeiling {
		t.Fatalf("expected ceiling %d, got %d", DefaultDailyRequestCeiling, decision.Ceiling)
	}
}

func TestAdmitCountsInFlightReservations(t *testing.T) {
	now := time.Now().UTC()
	state := activeState()
	state.LastRequestDate = &now
	state.DailyRequestCount = 98

	if decision := DefaultPolicy().Admit(&state, now, 1); !decision.Allowed {
		t.Fatalf("expected admission with one in flight, got %s", decision.Reason)
	}
	if decision := DefaultPolicy().Admit(&state, now, 2); decision.Reason != ReasonRateLimited {
		t.Fatalf("expected rate limit with two in flight, got %s", decision.Reason)
	}
}

func TestAdmitTreatsYesterdayCounterAsReset(t *testing.T) {
	now := time.Date(2026, 3, 5, 0, 0, 1, 0, time.UTC)
	yesterday := time.Date(2026, 3, 4, 23, 59, 59, 0, time.UTC)

	state := activeState()
	state.DailyRequestCount = 100
	state.LastRequestDate = &yesterday

	decision := DefaultPolicy().Admit(&state, now, 0)
	if !decision.Allowed {
		t.Fatalf("expected admission on a new day, got %s", decision.Reason)
	}
	if decision.DailyCount != 0 {
		t.Fatalf("expected effective count 0, got %d", decision.DailyCount)
	}
	if state.DailyRequestCount != 100 {
		t.Fatalf("admission must not mutate the state")
	}
}

func TestApplyUsageResetsDailyCounterOnNewDay(t *testing.T) {
	now := time.Date(2026, 3, 5, 8, 0, 0, 0, time.UTC)
	yesterday := now.AddDate(0, 0, -1)

	state := activeState()
	state.DailyRequestCount = 100
	state.LastRequestDate = &yesterday

	next := ApplyUsage(state, Charge{Tokens: 10, Cost: 0.5}, now)
	if next.DailyRequestCount != 1 {
		t.Fatalf("expected daily counter 1 after reset, got %d", next.DailyRequestCount)
	}
	if next.LastRequestDate == nil || !SameDay(*next.LastRequestDate, now) {
		t.Fatalf("expected last request date to move to today")
	}
}

func TestApplyUsageAccumulates(t *testing.T) {
	now := time.Now().UTC()
	state := activeState()
	state.LastIP = "10.0.0.1"

	costs := []float64{0.015, 0.0425, 1.2, 0.000001}
	var want float64
	for i, cost := range costs {
		state = ApplyUsage(state, Charge{Tokens: int64(100 * (i + 1)), Cost: cost}, now)
		want += cost
	}

	if math.Abs(state.TotalCost-want) > 1e-9 {
		t.Fatalf("expected total cost %v, got %v", want, state.TotalCost)
	}
	if state.TotalTokens != 1000 {
		t.Fatalf("expected 1000 tokens, got %d", state.TotalTokens)
	}
	if state.DailyRequestCount != len(costs) {
		t.Fatalf("expected %d requests, got %d", len(costs), state.DailyRequestCount)
	}
	if state.LastIP != "10.0.0.1" {
		t.Fatalf("empty ip must keep the previous address, got %q", state.LastIP)
	}

	state = ApplyUsage(state, Charge{IP: " 192.168.1.9 "}, now)
	if state.LastIP != "192.168.1.9" {
		t.Fatalf("expected ip to be overwritten, got %q", state.LastIP)
	}
	if state.LastUsedAt == nil {
		t.Fatalf("expected last used timestamp")
	}
}

func TestResetToggleAndRaise(t *testing.T) {
	now := time.Now().UTC()
	state := activeState()
	state.TotalCost = 3
	state.TotalTokens = 42
	state.DailyRequestCount = 7
	state.LastRequestDate = &now

	reset := ResetCounters(state)
	if reset.DailyRequestCount != 0 || reset.LastRequestDate != nil {
		t.Fatalf("expected cleared daily counter, got %+v", reset)
	}
	if reset.TotalCost != 3 || reset.TotalTokens != 42 {
		t.Fatalf("reset must keep lifetime totals")
	}

	if Toggle(state).Active {
		t.Fatalf("expected toggle to deactivate")
	}

	raised := RaiseLimit(state, 250)
	if raised.UsageLimit != DefaultUsageLimit+250 {
		t.Fatalf("expected raised limit, got %v", raised.UsageLimit)
	}
	if raised.Remaining() != DefaultUsageLimit+250-3 {
		t.Fatalf("unexpected remaining %v", raised.Remaining())
	}
}

func TestReasonString(t *testing.T) {
	want := map[Reason]string{
		ReasonOK:            "ok",
		ReasonUnauthorized:  "unauthorized",
		ReasonInactive:      "inactive",
		ReasonQuotaExceeded: "quota_exceeded",
		ReasonRateLimited:   "rate_limited",
	}
	for reason, code := range want {
		if reason.String() != code {
			t.Fatalf("expected %q, got %q", code, reason.String())
		}
	}
}
