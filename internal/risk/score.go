package risk

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/sudo-init-do/rewardgate/internal/audit"
	"github.com/sudo-init-do/rewardgate/internal/store"
)

const (
	MediumThreshold = 30
	HighThreshold   = 60

	failedAttemptWeight = 10
	failedAttemptCap    = 40
	extraIPWeight       = 5
	extraIPCap          = 20
	overrideWeight      = 25
	mediumAmountWeight  = 15
	highAmountWeight    = 30
	maxScore            = 100
)

// Thresholds come from configuration.
type Thresholds struct {
	MediumAmount decimal.Decimal
	HighAmount   decimal.Decimal
}

// Signals are what the score is computed from.
type Signals struct {
	FailedAttempts int             `json:"failed_attempts"`
	DistinctIPs    int             `json:"distinct_ips"`
	AdminOverride  bool            `json:"admin_override"`
	Amount         decimal.Decimal `json:"amount"`
}

// Score is deterministic in its inputs and clamped to 0..100.
func Score(s Signals, th Thresholds) (int, store.RiskLevel) {
	score := min(s.FailedAttempts*failedAttemptWeight, failedAttemptCap)
	if s.DistinctIPs > 1 {
		score += min((s.DistinctIPs-1)*extraIPWeight, extraIPCap)
	}
	if s.AdminOverride {
		score += overrideWeight
	}
	switch {
	case th.HighAmount.IsPositive() && s.Amount.GreaterThanOrEqual(th.HighAmount):
		score += highAmountWeight
	case th.MediumAmount.IsPositive() && s.Amount.GreaterThanOrEqual(th.MediumAmount):
		score += mediumAmountWeight
	}
	score = min(score, maxScore)
	return score, Level(score)
}

func Level(score int) store.RiskLevel {
	switch {
	case score >= HighThreshold:
		return store.RiskHigh
	case score >= MediumThreshold:
		return store.RiskMedium
	default:
		return store.RiskLow
	}
}

// IsFailure reports whether an audit action counts as a failed attempt.
func IsFailure(action string) bool {
	return action == string(audit.ActionSignatureRejected) || action == string(audit.ActionRejected)
}

// CollectSignals derives signals for req from the user's audit history.
func CollectSignals(ctx context.Context, tx store.Tx, req store.VerificationRequest) (Signals, error) {
	entries, err := tx.ListAuditEntriesByUser(ctx, req.UserID)
	if err != nil {
		return Signals{}, fmt.Errorf("list user audit: %w", err)
	}
	return SignalsFrom(req, entries), nil
}

// SignalsFrom is CollectSignals over already loaded entries.
func SignalsFrom(req store.VerificationRequest, entries []store.AuditEntry) Signals {
	s := Signals{AdminOverride: req.AdminOverride, Amount: req.Amount}
	ips := map[string]struct{}{}
	if req.ClientIP != "" {
		ips[req.ClientIP] = struct{}{}
	}
	for _, e := range entries {
		if IsFailure(e.Action) {
			s.FailedAttempts++
		}
		if e.ActorIP != "" && e.UserID == req.UserID {
			ips[e.ActorIP] = struct{}{}
		}
	}
	s.DistinctIPs = len(ips)
	return s
}

// Apply scores req and stores the result on it. The caller saves it.
func Apply(ctx context.Context, tx store.Tx, req *store.VerificationRequest, th Thresholds) (Signals, error) {
	s, err := CollectSignals(ctx, tx, *req)
	if err != nil {
		return Signals{}, err
	}
	req.RiskScore, req.RiskLevel = Score(s, th)
	return s, nil
}
