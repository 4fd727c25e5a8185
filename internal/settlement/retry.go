package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sudo-init-do/rewardgate/internal/apperr"
	"github.com/sudo-init-do/rewardgate/internal/audit"
	"github.com/sudo-init-do/rewardgate/internal/store"
)

var (
	ErrRetryNotFound     = apperr.New(apperr.KindNotFound, "retry_not_found", "no settlement retry for this request")
	ErrRetryNotExhausted = apperr.New(apperr.KindStateConflict, "retry_not_exhausted", "only exhausted retries can be requeued")
)

// RetryStats summarizes one pass of the retry worker.
type RetryStats struct {
	Due       int
	Completed int
	Skipped   int
	Failed    int
	Dropped   int
}

// RetryDue claims due retry markers and settles them again. Claiming pushes
// next_attempt_at forward so a second worker does not pick the same rows.
func (r *Router) RetryDue(ctx context.Context, batch int) (RetryStats, error) {
	now := r.now().UTC()
	var due []store.Retry
	err := r.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		due, err = tx.DueRetries(ctx, now, batch)
		if err != nil {
			return fmt.Errorf("due retries: %w", err)
		}
		for _, rt := range due {
			rt.NextAttemptAt = now.Add(r.cfg.BaseBackoff)
			rt.UpdatedAt = now
			if err := tx.UpsertRetry(ctx, rt); err != nil {
				return fmt.Errorf("claim retry: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return RetryStats{}, err
	}

	stats := RetryStats{Due: len(due)}
	for _, rt := range due {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		res, err := r.ProcessVerifiedRequest(ctx, rt.RequestID)
		switch {
		case err == nil && res.AlreadyCompleted:
			stats.Skipped++
		case err == nil:
			stats.Completed++
		case errors.Is(err, ErrNotReady), errors.Is(err, ErrRequestNotFound):
			stats.Dropped++
			r.dropRetry(ctx, rt.RequestID, err)
		default:
			stats.Failed++
		}
	}
	if stats.Due > 0 {
		r.log.InfoContext(ctx, "settlement retry pass",
			"due", stats.Due, "completed", stats.Completed, "skipped", stats.Skipped,
			"failed", stats.Failed, "dropped", stats.Dropped)
	}
	return stats, nil
}

func (r *Router) dropRetry(ctx context.Context, requestID uuid.UUID, cause error) {
	err := r.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.DeleteRetry(ctx, requestID)
	})
	if err != nil {
		r.log.ErrorContext(ctx, "retry marker not removed", "request_id", requestID, "error", err)
		return
	}
	r.log.WarnContext(ctx, "retry dropped", "request_id", requestID, "reason", cause)
}

// RunRetryLoop retries due settlements every interval until ctx ends.
func (r *Router) RunRetryLoop(ctx context.Context, interval time.Duration, batch int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.RetryDue(ctx, batch); err != nil && ctx.Err() == nil {
			r.log.ErrorContext(ctx, "settlement retry pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Requeue puts an exhausted retry back in the queue with its attempt count reset.
func (r *Router) Requeue(ctx context.Context, requestID uuid.UUID, actorID, actorIP string) (store.Retry, error) {
	now := r.now().UTC()
	var out store.Retry
	err := r.store.WithTx(ctx, func(tx store.Tx) error {
		rt, err := tx.GetRetry(ctx, requestID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrRetryNotFound
		}
		if err != nil {
			return fmt.Errorf("get retry: %w", err)
		}
		if rt.Status != store.RetryExhausted {
			return ErrRetryNotExhausted
		}
		req, err := tx.GetRequest(ctx, requestID)
		if err != nil {
			return fmt.Errorf("get request: %w", err)
		}
		rt.Status = store.RetryPending
		rt.Attempts = 0
		rt.NextAttemptAt = now
		rt.UpdatedAt = now
		if err := tx.UpsertRetry(ctx, rt); err != nil {
			return fmt.Errorf("upsert retry: %w", err)
		}
		out = rt
		_, err = audit.Append(ctx, tx, audit.Event{
			RequestID: requestID,
			UserID:    req.UserID,
			Action:    audit.ActionRetryRequeued,
			Detail:    map[string]string{"requeued_by": actorID},
			ActorIP:   actorIP,
		}, now)
		return err
	})
	if err != nil {
		return store.Retry{}, err
	}
	r.log.InfoContext(ctx, "settlement retry requeued", "request_id", requestID, "by", actorID)
	return out, nil
}

func (r *Router) ListRetries(ctx context.Context, status store.RetryStatus) ([]store.Retry, error) {
	var out []store.Retry
	err := r.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.ListRetries(ctx, status)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list retries: %w", err)
	}
	if out == nil {
		out = []store.Retry{}
	}
	return out, nil
}
