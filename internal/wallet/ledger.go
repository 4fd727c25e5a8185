package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/sudo-init-do/rewardgate/internal/apperr"
	"github.com/sudo-init-do/rewardgate/internal/logging"
	"github.com/sudo-init-do/rewardgate/internal/store"
)

var (
	ErrInvalidAmount = apperr.New(apperr.KindValidation, "invalid_amount", "amount must be a non-negative decimal")
	// ErrInsufficientPendingBalance means the ledger and the pending rewards
	// disagree. It is never retried and the ledger is never patched up.
	ErrInsufficientPendingBalance = apperr.New(apperr.KindConsistency, "insufficient_pending_balance", "pending balance is lower than the release amount")
)

// Ledger moves value between a user's pending and spendable balances. Every
// method runs inside the caller's transaction.
type Ledger struct {
	log *slog.Logger
}

func NewLedger(log *slog.Logger) *Ledger {
	if log == nil {
		log = logging.Discard()
	}
	return &Ledger{log: log}
}

// CreditPending escrows amount for the user, creating the wallet if needed.
func (l *Ledger) CreditPending(ctx context.Context, tx store.Tx, userID string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	if err := tx.EnsureWallet(ctx, userID); err != nil {
		return fmt.Errorf("ensure wallet: %w", err)
	}
	if err := tx.AddPending(ctx, userID, amount); err != nil {
		return fmt.Errorf("credit pending: %w", err)
	}
	return nil
}

// ReleasePendingToSpendable debits pending and credits spendable in one
// conditional statement.
func (l *Ledger) ReleasePendingToSpendable(ctx context.Context, tx store.Tx, userID string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	moved, err := tx.MovePendingToBalance(ctx, userID, amount)
	if err != nil {
		return fmt.Errorf("release pending: %w", err)
	}
	if !moved {
		l.log.ErrorContext(ctx, "ledger consistency fault",
			"severity", "critical",
			"user_id", userID,
			"amount", amount.String(),
		)
		return ErrInsufficientPendingBalance
	}
	return nil
}

// Balance returns the wallet, or a zero wallet for users never credited.
func (l *Ledger) Balance(ctx context.Context, tx store.Tx, userID string) (store.Wallet, error) {
	w, err := tx.GetWallet(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Wallet{UserID: userID, Balance: decimal.Zero, PendingBalance: decimal.Zero}, nil
	}
	if err != nil {
		return store.Wallet{}, fmt.Errorf("get wallet: %w", err)
	}
	return w, nil
}
