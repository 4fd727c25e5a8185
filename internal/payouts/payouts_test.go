package payouts

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudo-init-do/rewardgate/internal/logging"
	"github.com/sudo-init-do/rewardgate/internal/store"
)

func TestWorkerRecordsPaymentOnce(t *testing.T) {
	st := store.NewMemory()
	w := NewWorker(st, logging.Discard())
	rid := uuid.New()

	b, err := json.Marshal(FeeRequest{
		Reference: Reference(rid), RequestID: rid, Network: "ethereum",
		Amount: decimal.RequireFromString("1.005"), Metadata: map[string]string{"domain": "lottery_prize"},
	})
	require.NoError(t, err)
	task := asynq.NewTask(TaskComplianceFee, b)

	require.NoError(t, w.HandleComplianceFee(context.Background(), task))
	require.NoError(t, w.HandleComplianceFee(context.Background(), task))

	_ = st.WithTx(context.Background(), func(tx store.Tx) error {
		payments, err := tx.ListAdminPayments(context.Background(), rid)
		require.NoError(t, err)
		require.Len(t, payments, 1)
		assert.Equal(t, "fee-"+rid.String(), payments[0].Reference)
		assert.Equal(t, "1.005", payments[0].Amount.String())
		assert.Equal(t, StatusScheduled, payments[0].Status)
		return nil
	})
}

func TestWorkerSkipsInvalidPayload(t *testing.T) {
	w := NewWorker(store.NewMemory(), logging.Discard())
	b, _ := json.Marshal(FeeRequest{Reference: "fee-x", Amount: decimal.Zero})
	err := w.HandleComplianceFee(context.Background(), asynq.NewTask(TaskComplianceFee, b))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}
