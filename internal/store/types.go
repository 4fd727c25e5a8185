package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Source is the business domain a reward was earned in.
type Source string

const (
	SourceLotteryPrize         Source = "lottery_prize"
	SourceLotteryParticipation Source = "lottery_participation"
	SourceAirdropWithdrawal    Source = "airdrop_withdrawal"
	SourceTraderWithdrawal     Source = "trader_withdrawal"
)

var Sources = []Source{
	SourceLotteryPrize,
	SourceLotteryParticipation,
	SourceAirdropWithdrawal,
	SourceTraderWithdrawal,
}

func (s Source) Valid() bool {
	switch s {
	case SourceLotteryPrize, SourceLotteryParticipation, SourceAirdropWithdrawal, SourceTraderWithdrawal:
		return true
	}
	return false
}

type RewardStatus string

const (
	RewardPendingVerification RewardStatus = "pending_verification"
	RewardClaimed             RewardStatus = "claimed"
	RewardReleased            RewardStatus = "released"
)

// SettledStatus is the terminal reward status for a source. Lottery prizes are
// claimed, everything else is released.
func SettledStatus(s Source) RewardStatus {
	if s == SourceLotteryPrize {
		return RewardClaimed
	}
	return RewardReleased
}

type Method string

const (
	MethodSignature Method = "signature"
	MethodAssisted  Method = "assisted"
)

func (m Method) Valid() bool {
	return m == MethodSignature || m == MethodAssisted
}

type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusProcessing RequestStatus = "processing"
	StatusVerifying  RequestStatus = "verifying"
	StatusApproved   RequestStatus = "approved"
	StatusRejected   RequestStatus = "rejected"
	StatusExpired    RequestStatus = "expired"
)

// OpenStatuses are the states a request can still leave.
var OpenStatuses = []RequestStatus{StatusPending, StatusProcessing, StatusVerifying}

func (s RequestStatus) Open() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusVerifying:
		return true
	case StatusApproved, StatusRejected, StatusExpired:
		return false
	}
	return false
}

func (s RequestStatus) Terminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusExpired:
		return true
	case StatusPending, StatusProcessing, StatusVerifying:
		return false
	}
	return false
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to RequestStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusVerifying || to == StatusExpired
	case StatusProcessing, StatusVerifying:
		return to == StatusApproved || to == StatusRejected || to == StatusExpired
	case StatusApproved, StatusRejected, StatusExpired:
		return false
	}
	return false
}

// CheckTransitions wraps ErrInvalidTransition with the first pair in from
// that CanTransition rejects.
func CheckTransitions(from []RequestStatus, to RequestStatus) error {
	for _, f := range from {
		if !CanTransition(f, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, f, to)
		}
	}
	return nil
}

// Relinkable reports whether rewards held by a request in status s may be
// taken over by a new request.
func Relinkable(s RequestStatus) bool {
	return s == StatusRejected || s == StatusExpired
}

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

type ExecutionStatus string

const (
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

type RetryStatus string

const (
	RetryPending   RetryStatus = "pending"
	RetryExhausted RetryStatus = "exhausted"
)

type Role string

const (
	RolePlayer   Role = "player"
	RoleReviewer Role = "reviewer"
	RoleAdmin    Role = "admin"
)

func (r Role) Valid() bool {
	return r == RolePlayer || r == RoleReviewer || r == RoleAdmin
}

type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

type Wallet struct {
	UserID         string          `json:"user_id"`
	Balance        decimal.Decimal `json:"balance"`
	PendingBalance decimal.Decimal `json:"pending_balance"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type PendingReward struct {
	ID         uuid.UUID       `json:"id"`
	UserID     string          `json:"user_id"`
	Source     Source          `json:"source"`
	Amount     decimal.Decimal `json:"amount"`
	Status     RewardStatus    `json:"status"`
	Details    json.RawMessage `json:"details,omitempty"`
	RequestID  *uuid.UUID      `json:"verification_request_id,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}

type VerificationRequest struct {
	ID              uuid.UUID       `json:"id"`
	UserID          string          `json:"user_id"`
	Method          Method          `json:"method"`
	Scope           Source          `json:"scope"`
	Status          RequestStatus   `json:"status"`
	Nonce           string          `json:"nonce,omitempty"`
	Message         string          `json:"message,omitempty"`
	Signature       string          `json:"signature,omitempty"`
	ClaimedAddress  string          `json:"claimed_address,omitempty"`
	ClaimedNetwork  string          `json:"claimed_network,omitempty"`
	Evidence        json.RawMessage `json:"evidence,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	RiskScore       int             `json:"risk_score"`
	RiskLevel       RiskLevel       `json:"risk_level"`
	ExpiresAt       time.Time       `json:"expires_at"`
	RejectionReason string          `json:"rejection_reason,omitempty"`
	ReviewedBy      string          `json:"reviewed_by,omitempty"`
	AdminOverride   bool            `json:"admin_override"`
	OverrideReason  string          `json:"override_reason,omitempty"`
	ClientIP        string          `json:"client_ip,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
}

type AuditEntry struct {
	ID        uuid.UUID       `json:"id"`
	Seq       int64           `json:"seq"`
	RequestID uuid.UUID       `json:"request_id"`
	UserID    string          `json:"user_id"`
	Action    string          `json:"action"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	ActorIP   string          `json:"actor_ip,omitempty"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
	CreatedAt time.Time       `json:"created_at"`
}

type Execution struct {
	ID        uuid.UUID       `json:"id"`
	RequestID uuid.UUID       `json:"request_id"`
	Domain    Source          `json:"domain"`
	Action    string          `json:"action"`
	Amount    decimal.Decimal `json:"amount"`
	Fee       decimal.Decimal `json:"fee"`
	Status    ExecutionStatus `json:"status"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type Retry struct {
	RequestID     uuid.UUID   `json:"request_id"`
	Attempts      int         `json:"attempts"`
	NextAttemptAt time.Time   `json:"next_attempt_at"`
	LastError     string      `json:"last_error"`
	Status        RetryStatus `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

type AdminPayment struct {
	Reference string          `json:"reference"`
	RequestID uuid.UUID       `json:"request_id"`
	Network   string          `json:"network"`
	Amount    decimal.Decimal `json:"amount"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// RequestFilter narrows request listings. Zero values mean "any".
type RequestFilter struct {
	From      time.Time
	To        time.Time
	UserID    string
	Statuses  []RequestStatus
	Method    Method
	RiskLevel RiskLevel
	Scope     Source
	Limit     int
}

// Evidence is what an assisted verification request carries. Uploaded files
// live in object storage; only their keys and digests are stored here.
type Evidence struct {
	Note          string         `json:"note,omitempty"`
	ClaimedWallet string         `json:"claimed_wallet,omitempty"`
	Network       string         `json:"network,omitempty"`
	Files         []EvidenceFile `json:"files,omitempty"`
}

type EvidenceFile struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	SHA256      string `json:"sha256"`
}

// Stats is the operator dashboard summary.
type Stats struct {
	Users            int                   `json:"users"`
	Requests         map[RequestStatus]int `json:"requests"`
	PendingRewards   int                   `json:"pending_rewards"`
	PendingBalance   decimal.Decimal       `json:"pending_balance"`
	ReleasedBalance  decimal.Decimal       `json:"released_balance"`
	RetriesPending   int                   `json:"retries_pending"`
	RetriesExhausted int                   `json:"retries_exhausted"`
}
