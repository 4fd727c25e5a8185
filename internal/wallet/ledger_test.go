package wallet

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudo-init-do/rewardgate/internal/apperr"
	"github.com/sudo-init-do/rewardgate/internal/store"
)

func TestCreditAndRelease(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	l := NewLedger(nil)

	err := st.WithTx(ctx, func(tx store.Tx) error {
		require.NoError(t, l.CreditPending(ctx, tx, "u1", decimal.RequireFromString("100.50")))
		require.NoError(t, l.CreditPending(ctx, tx, "u1", decimal.RequireFromString("0.25")))
		return l.ReleasePendingToSpendable(ctx, tx, "u1", decimal.RequireFromString("100.50"))
	})
	require.NoError(t, err)

	_ = st.WithTx(ctx, func(tx store.Tx) error {
		w, err := l.Balance(ctx, tx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "100.5", w.Balance.String())
		assert.Equal(t, "0.25", w.PendingBalance.String())
		return nil
	})
}

func TestReleaseBeyondPendingIsConsistencyFault(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	l := NewLedger(nil)

	err := st.WithTx(ctx, func(tx store.Tx) error {
		require.NoError(t, l.CreditPending(ctx, tx, "u1", decimal.NewFromInt(5)))
		return l.ReleasePendingToSpendable(ctx, tx, "u1", decimal.NewFromInt(6))
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientPendingBalance))
	assert.Equal(t, apperr.KindConsistency, apperr.KindOf(err))

	_ = st.WithTx(ctx, func(tx store.Tx) error {
		w, _ := l.Balance(ctx, tx, "u1")
		assert.True(t, w.Balance.IsZero())
		assert.True(t, w.PendingBalance.IsZero(), "failed transaction must not leave the credit behind")
		return nil
	})
}

func TestNegativeAmountsRejected(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	l := NewLedger(nil)

	_ = st.WithTx(ctx, func(tx store.Tx) error {
		assert.ErrorIs(t, l.CreditPending(ctx, tx, "u1", decimal.NewFromInt(-1)), ErrInvalidAmount)
		assert.ErrorIs(t, l.ReleasePendingToSpendable(ctx, tx, "u1", decimal.NewFromInt(-1)), ErrInvalidAmount)
		return nil
	})
}

func TestBalanceOfUnknownUserIsZero(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	_ = st.WithTx(ctx, func(tx store.Tx) error {
		w, err := NewLedger(nil).Balance(ctx, tx, "nobody")
		require.NoError(t, err)
		assert.True(t, w.Balance.IsZero())
		return nil
	})
}
