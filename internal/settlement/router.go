package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sudo-init-do/rewardgate/internal/alerts"
	"github.com/sudo-init-do/rewardgate/internal/apperr"
	"github.com/sudo-init-do/rewardgate/internal/audit"
	"github.com/sudo-init-do/rewardgate/internal/events"
	"github.com/sudo-init-do/rewardgate/internal/payouts"
	"github.com/sudo-init-do/rewardgate/internal/store"
	"github.com/sudo-init-do/rewardgate/internal/wallet"
)

var (
	// ErrNotReady is returned for requests that are not approved. It is never
	// retried.
	ErrNotReady        = apperr.New(apperr.KindStateConflict, "not_ready", "verification request is not approved")
	ErrRequestNotFound = apperr.New(apperr.KindNotFound, "request_not_found", "verification request not found")
	ErrNothingToSettle = apperr.New(apperr.KindSettlement, "nothing_to_settle", "no rewards are linked to the request")
	ErrSettlement      = apperr.New(apperr.KindSettlement, "settlement_failed", "settlement failed and has been queued for retry")
	ErrSettlementHeld  = apperr.New(apperr.KindSettlement, "settlement_held", "settlement failed and needs operator attention")
)

const defaultPayoutNetwork = "internal"

type Config struct {
	Fee         FeePolicy
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Result describes a settlement attempt that did not fail.
type Result struct {
	RequestID        uuid.UUID       `json:"request_id"`
	AlreadyCompleted bool            `json:"already_completed"`
	Domain           store.Source    `json:"domain"`
	Action           string          `json:"action"`
	Amount           decimal.Decimal `json:"amount"`
	Fee              decimal.Decimal `json:"fee"`
	FeeReference     string          `json:"fee_reference,omitempty"`
	RewardIDs        []uuid.UUID     `json:"reward_ids"`
}

// Router settles approved verification requests into the owning domain.
type Router struct {
	store   store.Store
	ledger  *wallet.Ledger
	payouts payouts.Scheduler
	sink    alerts.Sink
	events  events.Publisher
	cfg     Config
	log     *slog.Logger
	now     func() time.Time
}

func NewRouter(st store.Store, ledger *wallet.Ledger, sched payouts.Scheduler, sink alerts.Sink, pub events.Publisher, cfg Config, log *slog.Logger) *Router {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 30 * time.Second
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	return &Router{
		store:   st,
		ledger:  ledger,
		payouts: sched,
		sink:    sink,
		events:  pub,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
	}
}

func (r *Router) WithClock(now func() time.Time) *Router {
	r.now = now
	return r
}

type settledPayload struct {
	Rewards      []settledReward `json:"rewards"`
	Total        decimal.Decimal `json:"total"`
	Fee          decimal.Decimal `json:"fee"`
	Method       store.Method    `json:"method"`
	Network      string          `json:"network,omitempty"`
	Address      string          `json:"address,omitempty"`
	ReviewedBy   string          `json:"reviewed_by,omitempty"`
	Override     bool            `json:"admin_override"`
	Verification uuid.UUID       `json:"verification_request_id"`
}

type settledReward struct {
	ID      uuid.UUID       `json:"id"`
	Source  store.Source    `json:"source"`
	Amount  decimal.Decimal `json:"amount"`
	Action  string          `json:"action"`
	Details json.RawMessage `json:"details,omitempty"`
}

// ProcessVerifiedRequest pays out every reward linked to an approved request
// in one transaction. A completed execution row for the request makes it a
// no-op. On failure nothing from the attempt is kept; a failed row and a
// retry marker are written separately.
func (r *Router) ProcessVerifiedRequest(ctx context.Context, requestID uuid.UUID) (Result, error) {
	at := r.now().UTC()
	res := Result{RequestID: requestID, RewardIDs: []uuid.UUID{}}
	var req store.VerificationRequest

	err := r.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		req, err = tx.LockRequest(ctx, requestID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrRequestNotFound
		}
		if err != nil {
			return fmt.Errorf("lock request: %w", err)
		}
		if req.Status != store.StatusApproved {
			return ErrNotReady
		}
		res.Domain = req.Scope

		done, err := tx.HasCompletedExecution(ctx, requestID)
		if err != nil {
			return fmt.Errorf("check execution log: %w", err)
		}
		if done {
			res.AlreadyCompleted = true
			if err := tx.DeleteRetry(ctx, requestID); err != nil {
				return fmt.Errorf("clear retry: %w", err)
			}
			_, err := audit.Append(ctx, tx, audit.Event{
				RequestID: requestID,
				UserID:    req.UserID,
				Action:    audit.ActionSettlementSkipped,
				Detail:    map[string]string{"reason": "completed execution exists"},
			}, at)
			return err
		}
		if !req.Scope.Valid() {
			return apperr.Wrap(ErrUnknownVerificationType, fmt.Errorf("scope %q", req.Scope))
		}

		linked, err := tx.ListRewardsByRequest(ctx, requestID)
		if err != nil {
			return fmt.Errorf("list rewards: %w", err)
		}
		if len(linked) == 0 {
			return ErrNothingToSettle
		}
		items := make([]Settlement, 0, len(linked))
		for _, rw := range linked {
			s, err := Decode(req.Scope, rw)
			if err != nil {
				return err
			}
			items = append(items, s)
		}

		payload := settledPayload{
			Method:       req.Method,
			Network:      req.ClaimedNetwork,
			Address:      req.ClaimedAddress,
			ReviewedBy:   req.ReviewedBy,
			Override:     req.AdminOverride,
			Verification: requestID,
		}
		for _, s := range items {
			if err := s.settle(ctx, tx, r.ledger, at); err != nil {
				return err
			}
			rw := s.Reward()
			res.RewardIDs = append(res.RewardIDs, rw.ID)
			payload.Rewards = append(payload.Rewards, settledReward{
				ID: rw.ID, Source: rw.Source, Amount: rw.Amount, Action: s.Action(), Details: rw.Details,
			})
		}
		res.Amount = total(items)
		res.Fee = r.cfg.Fee.Fee(res.Amount)
		res.Action = items[0].Action()
		payload.Total = res.Amount
		payload.Fee = res.Fee

		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode execution payload: %w", err)
		}
		if err := tx.InsertExecution(ctx, store.Execution{
			ID:        uuid.New(),
			RequestID: requestID,
			Domain:    req.Scope,
			Action:    res.Action,
			Amount:    res.Amount,
			Fee:       res.Fee,
			Status:    store.ExecutionCompleted,
			Payload:   raw,
			CreatedAt: at,
		}); err != nil {
			return fmt.Errorf("write execution log: %w", err)
		}
		if err := tx.DeleteRetry(ctx, requestID); err != nil {
			return fmt.Errorf("clear retry: %w", err)
		}
		_, err = audit.Append(ctx, tx, audit.Event{
			RequestID: requestID,
			UserID:    req.UserID,
			Action:    audit.ActionSettlementCompleted,
			Detail: map[string]interface{}{
				"domain":  req.Scope,
				"action":  res.Action,
				"amount":  res.Amount.String(),
				"fee":     res.Fee.String(),
				"rewards": len(items),
			},
		}, at)
		return err
	})

	if err != nil {
		if errors.Is(err, ErrNotReady) || errors.Is(err, ErrRequestNotFound) {
			return Result{}, err
		}
		if errors.Is(err, store.ErrDuplicateCompleted) {
			// lost a race with another settler; its row stands
			return Result{RequestID: requestID, AlreadyCompleted: true, Domain: req.Scope, RewardIDs: []uuid.UUID{}}, nil
		}
		return Result{}, r.recordFailure(ctx, requestID, err)
	}

	if res.AlreadyCompleted {
		r.log.InfoContext(ctx, "settlement skipped, already completed", "request_id", requestID)
		return res, nil
	}

	r.log.InfoContext(ctx, "settlement completed",
		"request_id", requestID,
		"user_id", req.UserID,
		"domain", req.Scope,
		"amount", res.Amount.String(),
		"fee", res.Fee.String(),
	)
	res.FeeReference = r.scheduleFee(ctx, req, res)
	r.afterCommit(ctx, req, res, at)
	return res, nil
}

// scheduleFee never fails the settlement; problems are logged and audited.
func (r *Router) scheduleFee(ctx context.Context, req store.VerificationRequest, res Result) string {
	if !res.Fee.IsPositive() {
		return ""
	}
	network := req.ClaimedNetwork
	if network == "" {
		network = defaultPayoutNetwork
	}
	ref, err := r.payouts.ScheduleComplianceFee(ctx, payouts.FeeRequest{
		Reference: payouts.Reference(req.ID),
		RequestID: req.ID,
		Network:   network,
		Amount:    res.Fee,
		Metadata: map[string]string{
			"domain":         string(res.Domain),
			"user_id":        req.UserID,
			"settled_amount": res.Amount.String(),
		},
		CreatedAt: r.now().UTC(),
	})
	action := audit.ActionFeeScheduled
	detail := map[string]string{"reference": ref, "amount": res.Fee.String(), "network": network}
	if err != nil {
		r.log.ErrorContext(ctx, "compliance fee not scheduled", "request_id", req.ID, "error", err)
		action = audit.ActionFeeScheduleFailed
		detail = map[string]string{"amount": res.Fee.String(), "error": err.Error()}
	}
	if auditErr := r.store.WithTx(ctx, func(tx store.Tx) error {
		_, err := audit.Append(ctx, tx, audit.Event{RequestID: req.ID, UserID: req.UserID, Action: action, Detail: detail}, r.now())
		return err
	}); auditErr != nil {
		r.log.ErrorContext(ctx, "fee audit not written", "request_id", req.ID, "error", auditErr)
	}
	return ref
}

func (r *Router) afterCommit(ctx context.Context, req store.VerificationRequest, res Result, at time.Time) {
	if err := r.events.Publish(ctx, events.TopicSettlementCompleted, events.SettlementCompleted{
		RequestID: req.ID,
		UserID:    req.UserID,
		Domain:    string(res.Domain),
		Amount:    res.Amount,
		Fee:       res.Fee,
		RewardIDs: res.RewardIDs,
		SettledAt: at,
	}); err != nil {
		r.log.WarnContext(ctx, "settlement event not published", "request_id", req.ID, "error", err)
	}
	if err := r.sink.RewardReleased(ctx, alerts.RewardReleasedPayload{
		UserID:    req.UserID,
		RequestID: req.ID.String(),
		Source:    string(res.Domain),
		Amount:    res.Amount,
		SentAt:    at,
	}); err != nil {
		r.log.WarnContext(ctx, "release notification not queued", "request_id", req.ID, "error", err)
	}
}

// permanent errors cannot succeed on retry.
func permanent(err error) bool {
	return errors.Is(err, ErrUnknownVerificationType) ||
		errors.Is(err, ErrInvalidRewardDetails) ||
		errors.Is(err, ErrNothingToSettle) ||
		errors.Is(err, ErrRewardNotPending) ||
		apperr.KindOf(err) == apperr.KindConsistency
}

// Backoff is the delay before attempt+1.
func (r *Router) Backoff(attempt int) time.Duration {
	d := r.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= r.cfg.MaxBackoff {
			return r.cfg.MaxBackoff
		}
	}
	return d
}

// recordFailure writes the failed execution row and the retry marker in a
// transaction of their own, then returns the error for the caller.
func (r *Router) recordFailure(ctx context.Context, requestID uuid.UUID, cause error) error {
	at := r.now().UTC()
	hold := permanent(cause)
	exhausted := hold
	var (
		userID   string
		attempts int
	)

	err := r.store.WithTx(ctx, func(tx store.Tx) error {
		req, err := tx.GetRequest(ctx, requestID)
		if err != nil {
			return fmt.Errorf("get request: %w", err)
		}
		userID = req.UserID

		if err := tx.InsertExecution(ctx, store.Execution{
			ID:        uuid.New(),
			RequestID: requestID,
			Domain:    req.Scope,
			Action:    "settle",
			Amount:    req.Amount,
			Fee:       decimal.Zero,
			Status:    store.ExecutionFailed,
			Error:     cause.Error(),
			CreatedAt: at,
		}); err != nil {
			return fmt.Errorf("write failed execution: %w", err)
		}
		if _, err := audit.Append(ctx, tx, audit.Event{
			RequestID: requestID,
			UserID:    req.UserID,
			Action:    audit.ActionSettlementFailed,
			Detail:    map[string]string{"error": apperr.PublicMessage(cause), "code": errCode(cause)},
		}, at); err != nil {
			return err
		}

		retry, err := tx.GetRetry(ctx, requestID)
		if errors.Is(err, store.ErrNotFound) {
			retry = store.Retry{RequestID: requestID, CreatedAt: at}
		} else if err != nil {
			return fmt.Errorf("get retry: %w", err)
		}
		retry.Attempts++
		retry.LastError = cause.Error()
		retry.UpdatedAt = at
		attempts = retry.Attempts
		if retry.Attempts >= r.cfg.MaxAttempts {
			exhausted = true
		}
		action := audit.ActionRetryScheduled
		if exhausted {
			retry.Status = store.RetryExhausted
			retry.NextAttemptAt = at
			action = audit.ActionRetryExhausted
		} else {
			retry.Status = store.RetryPending
			retry.NextAttemptAt = at.Add(r.Backoff(retry.Attempts))
		}
		if err := tx.UpsertRetry(ctx, retry); err != nil {
			return fmt.Errorf("upsert retry: %w", err)
		}
		_, err = audit.Append(ctx, tx, audit.Event{
			RequestID: requestID,
			UserID:    req.UserID,
			Action:    action,
			Detail: map[string]interface{}{
				"attempts":        retry.Attempts,
				"next_attempt_at": retry.NextAttemptAt.Format(time.RFC3339),
			},
		}, at)
		return err
	})
	if err != nil {
		r.log.ErrorContext(ctx, "settlement failure not recorded",
			"severity", "critical", "request_id", requestID, "cause", cause, "error", err)
		return apperr.Wrap(ErrSettlementHeld, cause)
	}

	logAttrs := []any{"request_id", requestID, "user_id", userID, "attempts", attempts, "error", cause}
	if apperr.KindOf(cause) == apperr.KindConsistency {
		logAttrs = append(logAttrs, "severity", "critical")
	}
	r.log.ErrorContext(ctx, "settlement failed", logAttrs...)

	if exhausted {
		if err := r.sink.OperatorAlert(ctx, alerts.OperatorAlertPayload{
			Severity:  alerts.SeverityCritical,
			Subject:   "settlement needs operator attention",
			Message:   fmt.Sprintf("Settlement of verification request %s stopped after %d attempt(s): %v", requestID, attempts, cause),
			RequestID: requestID.String(),
			SentAt:    at,
		}); err != nil {
			r.log.ErrorContext(ctx, "operator alert not queued", "request_id", requestID, "error", err)
		}
	}

	if apperr.KindOf(cause) == apperr.KindConsistency {
		return cause
	}
	if exhausted {
		return apperr.Wrap(ErrSettlementHeld, cause)
	}
	return apperr.Wrap(ErrSettlement, cause)
}

func errCode(err error) string {
	var e *apperr.Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}
