package verification

import (
	"context"
	"fmt"
	"time"

	"github.com/sudo-init-do/rewardgate/internal/store"
)

// ExpireOverdue moves every open request past its deadline to expired. Each
// request is handled in its own transaction with a conditional transition, so
// it is safe beside user submissions and other sweepers.
func (s *Service) ExpireOverdue(ctx context.Context, limit int) (int, error) {
	now := s.now().UTC()
	var overdue []store.VerificationRequest
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		overdue, err = tx.ListOverdueRequests(ctx, now, limit)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("list overdue: %w", err)
	}

	count := 0
	for _, o := range overdue {
		if ctx.Err() != nil {
			return count, ctx.Err()
		}
		var (
			req store.VerificationRequest
			ok  bool
		)
		err := s.store.WithTx(ctx, func(tx store.Tx) error {
			var err error
			req, err = tx.LockRequest(ctx, o.ID)
			if err != nil {
				return err
			}
			if !req.Status.Open() || now.Before(req.ExpiresAt) {
				return nil
			}
			ok, err = s.expire(ctx, tx, &req, "", now)
			return err
		})
		if err != nil {
			s.log.ErrorContext(ctx, "request not expired", "request_id", o.ID, "error", err)
			continue
		}
		if ok {
			count++
			s.announce(ctx, req, reasonExpired)
		}
	}
	if count > 0 {
		s.log.InfoContext(ctx, "expired overdue verification requests", "count", count)
	}
	return count, nil
}

// RunExpirySweep calls ExpireOverdue every interval until ctx ends.
func (s *Service) RunExpirySweep(ctx context.Context, interval time.Duration, batch int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.ExpireOverdue(ctx, batch); err != nil && ctx.Err() == nil {
			s.log.ErrorContext(ctx, "expiry sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
