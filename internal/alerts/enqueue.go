package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hibiken/asynq"
)

// Sink accepts notifications without blocking on delivery.
type Sink interface {
	VerificationRequired(ctx context.Context, p VerificationRequiredPayload) error
	RewardReleased(ctx context.Context, p RewardReleasedPayload) error
	OperatorAlert(ctx context.Context, p OperatorAlertPayload) error
}

// Enqueuer hands notifications to asynq.
type Enqueuer struct {
	client *asynq.Client
}

func NewEnqueuer(client *asynq.Client) *Enqueuer {
	return &Enqueuer{client: client}
}

func (e *Enqueuer) VerificationRequired(ctx context.Context, p VerificationRequiredPayload) error {
	return e.enqueue(ctx, TaskVerificationRequired, p, asynq.Queue(QueueNotifications), asynq.MaxRetry(5))
}

func (e *Enqueuer) RewardReleased(ctx context.Context, p RewardReleasedPayload) error {
	return e.enqueue(ctx, TaskRewardReleased, p, asynq.Queue(QueueNotifications), asynq.MaxRetry(5))
}

func (e *Enqueuer) OperatorAlert(ctx context.Context, p OperatorAlertPayload) error {
	return e.enqueue(ctx, TaskOperatorAlert, p, asynq.Queue(QueueAlerts), asynq.MaxRetry(10))
}

func (e *Enqueuer) enqueue(ctx context.Context, taskType string, payload interface{}, opts ...asynq.Option) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", taskType, err)
	}
	if _, err := e.client.EnqueueContext(ctx, asynq.NewTask(taskType, b), opts...); err != nil {
		return fmt.Errorf("enqueue %s: %w", taskType, err)
	}
	return nil
}

// Recorder is an in-memory Sink.
type Recorder struct {
	mu                   sync.Mutex
	VerificationRequests []VerificationRequiredPayload
	Releases             []RewardReleasedPayload
	Alerts               []OperatorAlertPayload
}

func (r *Recorder) VerificationRequired(_ context.Context, p VerificationRequiredPayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.VerificationRequests = append(r.VerificationRequests, p)
	return nil
}

func (r *Recorder) RewardReleased(_ context.Context, p RewardReleasedPayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Releases = append(r.Releases, p)
	return nil
}

func (r *Recorder) OperatorAlert(_ context.Context, p OperatorAlertPayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Alerts = append(r.Alerts, p)
	return nil
}

func (r *Recorder) AlertCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Alerts)
}

func (r *Recorder) ReleaseCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Releases)
}
