package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicateCompleted is returned when a second completed execution row
	// would be written for the same request.
	ErrDuplicateCompleted = errors.New("store: completed execution already recorded")
	// ErrDuplicateReward lets producers redeliver a reward id safely.
	ErrDuplicateReward = errors.New("store: reward already recorded")
	// ErrDuplicateOpenRequest is returned when a user already has an open
	// request for the scope.
	ErrDuplicateOpenRequest = errors.New("store: open request already exists for scope")
	// ErrRewardLinked is returned when a reward still belongs to a request
	// that is open or approved.
	ErrRewardLinked      = errors.New("store: reward is linked to another live request")
	ErrInvalidTransition = errors.New("store: transition not allowed")
)

// Store hands out transactions. All reads and writes go through WithTx; the
// transaction commits when fn returns nil and rolls back otherwise.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
	Close()
}

// Tx is the set of operations available inside one transaction.
type Tx interface {
	UpsertUser(ctx context.Context, u User) (User, error)
	GetUser(ctx context.Context, id string) (User, error)
	SetUserRole(ctx context.Context, id string, role Role) error
	// ListUsers returns newest first. An empty role matches all.
	ListUsers(ctx context.Context, role Role, limit int) ([]User, error)

	EnsureWallet(ctx context.Context, userID string) error
	GetWallet(ctx context.Context, userID string) (Wallet, error)
	AddPending(ctx context.Context, userID string, amount decimal.Decimal) error
	// MovePendingToBalance is a single conditional statement. It reports false,
	// without changing anything, when the pending balance is below amount.
	MovePendingToBalance(ctx context.Context, userID string, amount decimal.Decimal) (bool, error)
	// ListWallets returns wallets with the largest pending balance first.
	ListWallets(ctx context.Context, limit int) ([]Wallet, error)
	Stats(ctx context.Context) (Stats, error)

	InsertReward(ctx context.Context, r PendingReward) error
	GetReward(ctx context.Context, id uuid.UUID) (PendingReward, error)
	// ListRewards returns rewards oldest first. An empty source matches all.
	ListRewards(ctx context.Context, userID string, status RewardStatus, source Source) ([]PendingReward, error)
	ListRewardsByRequest(ctx context.Context, requestID uuid.UUID) ([]PendingReward, error)
	// LinkRewards points rewards at requestID. A reward may only move off a
	// rejected or expired request; otherwise nothing changes and
	// ErrRewardLinked is returned.
	LinkRewards(ctx context.Context, requestID uuid.UUID, ids []uuid.UUID) error
	// ResolveReward moves a pending_verification reward to status. It reports
	// false when the reward was no longer pending.
	ResolveReward(ctx context.Context, id uuid.UUID, status RewardStatus, at time.Time) (bool, error)

	InsertRequest(ctx context.Context, r VerificationRequest) error
	GetRequest(ctx context.Context, id uuid.UUID) (VerificationRequest, error)
	// LockRequest reads a request and holds its row until the transaction ends.
	LockRequest(ctx context.Context, id uuid.UUID) (VerificationRequest, error)
	FindOpenRequest(ctx context.Context, userID string, scope Source) (VerificationRequest, error)
	LatestOpenRequest(ctx context.Context, userID string, method Method) (VerificationRequest, error)
	// TransitionRequest sets status only if the current status is one of from.
	// It returns ErrInvalidTransition when any from -> to pair is not allowed
	// by CanTransition.
	TransitionRequest(ctx context.Context, id uuid.UUID, from []RequestStatus, to RequestStatus, at time.Time) (bool, error)
	// SaveRequest writes every mutable field except status.
	SaveRequest(ctx context.Context, r VerificationRequest) error
	ListOverdueRequests(ctx context.Context, now time.Time, limit int) ([]VerificationRequest, error)
	ListRequests(ctx context.Context, f RequestFilter) ([]VerificationRequest, error)

	// LastAuditEntry serializes appends to one request's chain.
	LastAuditEntry(ctx context.Context, requestID uuid.UUID) (AuditEntry, bool, error)
	InsertAuditEntry(ctx context.Context, e AuditEntry) error
	ListAuditEntries(ctx context.Context, requestID uuid.UUID) ([]AuditEntry, error)
	ListAuditEntriesByUser(ctx context.Context, userID string) ([]AuditEntry, error)

	InsertExecution(ctx context.Context, e Execution) error
	HasCompletedExecution(ctx context.Context, requestID uuid.UUID) (bool, error)
	ListExecutions(ctx context.Context, requestID uuid.UUID) ([]Execution, error)

	UpsertRetry(ctx context.Context, r Retry) error
	GetRetry(ctx context.Context, requestID uuid.UUID) (Retry, error)
	DeleteRetry(ctx context.Context, requestID uuid.UUID) error
	DueRetries(ctx context.Context, now time.Time, limit int) ([]Retry, error)
	ListRetries(ctx context.Context, status RetryStatus) ([]Retry, error)

	// InsertAdminPayment ignores a reference that is already recorded.
	InsertAdminPayment(ctx context.Context, p AdminPayment) error
	ListAdminPayments(ctx context.Context, requestID uuid.UUID) ([]AdminPayment, error)
}
