package risk

import (
	"github.com/sudo-init-do/rewardgate/internal/store"
)

type Flag string

const (
	FlagHighRisk               Flag = "high_risk"
	FlagMultipleFailedAttempts Flag = "multiple_failed_attempts"
	FlagMultipleIPAddresses    Flag = "multiple_ip_addresses"
	FlagAdminOverride          Flag = "admin_override"
)

const (
	failedAttemptsFlagAbove = 3
	distinctIPsFlagAbove    = 3
)

// GenerateFlags tags a request for compliance review. It only reads its
// arguments.
func GenerateFlags(req store.VerificationRequest, entries []store.AuditEntry, failedAttempts int) []Flag {
	flags := []Flag{}
	if req.RiskLevel == store.RiskHigh || req.RiskScore >= HighThreshold {
		flags = append(flags, FlagHighRisk)
	}
	if failedAttempts > failedAttemptsFlagAbove {
		flags = append(flags, FlagMultipleFailedAttempts)
	}
	ips := map[string]struct{}{}
	for _, e := range entries {
		if e.ActorIP != "" {
			ips[e.ActorIP] = struct{}{}
		}
	}
	if len(ips) > distinctIPsFlagAbove {
		flags = append(flags, FlagMultipleIPAddresses)
	}
	if req.AdminOverride {
		flags = append(flags, FlagAdminOverride)
	}
	return flags
}
