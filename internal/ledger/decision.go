package ledger

// Reason explains an admission decision.
type Reason int

const (
	// ReasonOK admits the request.
	ReasonOK Reason = iota
	// ReasonUnauthorized means no record exists for the token.
	ReasonUnauthorized
	// ReasonInactive means the record is disabled.
	ReasonInactive
	// ReasonQuotaExceeded means total spend reached the usage cap.
	ReasonQuotaExceeded
	// ReasonRateLimited means the daily request ceiling is reached.
	ReasonRateLimited
)

// String returns the snake_case code of the reason.
func (r Reason) String() string {
	switch r {
	case ReasonOK:
		return "ok"
	case ReasonUnauthorized:
		return "unauthorized"
	case ReasonInactive:
		return "inactive"
	case ReasonQuotaExceeded:
		return "quota_exceeded"
	case ReasonRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// Decision is the outcome of Policy.Admit.
type Decision struct {
	Allowed    bool
	Reason     Reason
	UsageLimit float64 // Cap in effect, for rejection messages.
	DailyCount int     // Daily counter as of the decision.
	Ceiling    int     // Daily ceiling in effect.
}
