// Package payouts schedules compliance-fee payments to the administrative
// account and records them when the worker picks them up.
package payouts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	"github.com/sudo-init-do/rewardgate/internal/store"
)

const (
	TaskComplianceFee = "payout:compliance_fee"
	QueuePayouts      = "payouts"

	StatusScheduled = "scheduled"
)

// FeeRequest is one compliance-fee payment.
type FeeRequest struct {
	Reference string            `json:"reference"`
	RequestID uuid.UUID         `json:"request_id"`
	Network   string            `json:"network"`
	Amount    decimal.Decimal   `json:"amount"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Reference is deterministic so a repeated schedule is deduplicated.
func Reference(requestID uuid.UUID) string {
	return "fee-" + requestID.String()
}

// Scheduler accepts a payment and returns its reference.
type Scheduler interface {
	ScheduleComplianceFee(ctx context.Context, req FeeRequest) (string, error)
}

type AsynqScheduler struct {
	client *asynq.Client
}

func NewAsynqScheduler(client *asynq.Client) *AsynqScheduler {
	return &AsynqScheduler{client: client}
}

func (s *AsynqScheduler) ScheduleComplianceFee(ctx context.Context, req FeeRequest) (string, error) {
	if req.Reference == "" {
		req.Reference = Reference(req.RequestID)
	}
	b, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode fee payload: %w", err)
	}
	task := asynq.NewTask(TaskComplianceFee, b)
	_, err = s.client.EnqueueContext(ctx, task,
		asynq.TaskID(req.Reference),
		asynq.Queue(QueuePayouts),
		asynq.MaxRetry(10),
		asynq.Retention(7*24*time.Hour),
	)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return "", fmt.Errorf("enqueue compliance fee: %w", err)
	}
	return req.Reference, nil
}

// Worker writes scheduled payments to the admin payment table.
type Worker struct {
	store store.Store
	log   *slog.Logger
}

func NewWorker(st store.Store, log *slog.Logger) *Worker {
	return &Worker{store: st, log: log}
}

func (w *Worker) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskComplianceFee, w.HandleComplianceFee)
}

func (w *Worker) HandleComplianceFee(ctx context.Context, t *asynq.Task) error {
	var req FeeRequest
	if err := json.Unmarshal(t.Payload(), &req); err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	if !req.Amount.IsPositive() || req.Reference == "" {
		w.log.Warn("compliance fee dropped", "reference", req.Reference, "amount", req.Amount.String())
		return fmt.Errorf("%w: invalid fee payload", asynq.SkipRetry)
	}
	meta, err := json.Marshal(req.Metadata)
	if err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	err = w.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertAdminPayment(ctx, store.AdminPayment{
			Reference: req.Reference,
			RequestID: req.RequestID,
			Network:   req.Network,
			Amount:    req.Amount,
			Metadata:  meta,
			Status:    StatusScheduled,
			CreatedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		w.log.Error("compliance fee not recorded", "reference", req.Reference, "error", err)
		return err
	}
	w.log.Info("compliance fee recorded", "reference", req.Reference, "amount", req.Amount.String(), "network", req.Network)
	return nil
}

// Recorder is an in-memory Scheduler.
type Recorder struct {
	mu       sync.Mutex
	Requests []FeeRequest
	Err      error
}

func (r *Recorder) ScheduleComplianceFee(_ context.Context, req FeeRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return "", r.Err
	}
	if req.Reference == "" {
		req.Reference = Reference(req.RequestID)
	}
	r.Requests = append(r.Requests, req)
	return req.Reference, nil
}

func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Requests)
}
