package alerts

import (
	"time"

	"github.com/shopspring/decimal"
)

// Task type constants
const (
	TaskVerificationRequired = "notify:verification_required"
	TaskRewardReleased       = "notify:reward_released"
	TaskOperatorAlert        = "alert:operator"
)

const (
	QueueNotifications = "notifications"
	QueueAlerts        = "alerts"
)

const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// VerificationRequiredPayload tells a player that credited value is waiting
// for wallet verification.
type VerificationRequiredPayload struct {
	UserID string          `json:"user_id"`
	Source string          `json:"source"`
	Amount decimal.Decimal `json:"amount"`
	Total  decimal.Decimal `json:"total_pending"`
	SentAt time.Time       `json:"sent_at"`
}

// RewardReleasedPayload is sent after a settlement commits.
type RewardReleasedPayload struct {
	UserID    string          `json:"user_id"`
	RequestID string          `json:"request_id"`
	Source    string          `json:"source"`
	Amount    decimal.Decimal `json:"amount"`
	SentAt    time.Time       `json:"sent_at"`
}

// OperatorAlertPayload goes to the operator mailbox.
type OperatorAlertPayload struct {
	Severity  string    `json:"severity"` // warning|critical
	Subject   string    `json:"subject"`
	Message   string    `json:"message"`
	RequestID string    `json:"request_id,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}
