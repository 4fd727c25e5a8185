// Package verification runs the wallet-ownership challenge that gates reward
// releases.
package verification

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sudo-init-do/rewardgate/internal/alerts"
	"github.com/sudo-init-do/rewardgate/internal/apperr"
	"github.com/sudo-init-do/rewardgate/internal/audit"
	"github.com/sudo-init-do/rewardgate/internal/events"
	"github.com/sudo-init-do/rewardgate/internal/evidence"
	"github.com/sudo-init-do/rewardgate/internal/risk"
	"github.com/sudo-init-do/rewardgate/internal/settlement"
	"github.com/sudo-init-do/rewardgate/internal/store"
)

var (
	ErrNoPendingRewards  = apperr.New(apperr.KindStateConflict, "no_pending_rewards", "there are no rewards waiting for verification")
	ErrNoOpenRequest     = apperr.New(apperr.KindNotFound, "no_open_request", "no open verification request")
	ErrRequestNotFound   = apperr.New(apperr.KindNotFound, "request_not_found", "verification request not found")
	ErrRequestBusy       = apperr.New(apperr.KindStateConflict, "request_in_progress", "verification request is already being processed")
	ErrRequestResolved   = apperr.New(apperr.KindStateConflict, "request_resolved", "verification request is already resolved")
	ErrRequestExists     = apperr.New(apperr.KindStateConflict, "request_exists", "an open verification request already exists")
	ErrSettlementPending = apperr.New(apperr.KindStateConflict, "settlement_pending", "a previous approval for these rewards is still being settled")
	ErrNotUnderReview    = apperr.New(apperr.KindStateConflict, "not_under_review", "verification request is not awaiting review")
	ErrWrongMethod       = apperr.New(apperr.KindStateConflict, "wrong_method", "verification request uses a different method")
	ErrNotReviewer       = apperr.New(apperr.KindForbidden, "forbidden", "reviewer or admin role required")
	ErrInvalidMethod     = apperr.Validation("method must be signature or assisted")
	ErrInvalidScope      = apperr.Validation("unknown reward scope")
)

const (
	reasonExpired       = "challenge expired, request a new one"
	reasonNonceMissing  = "challenge message does not contain the issued nonce"
	reasonSignerInvalid = "signature does not match the claimed wallet"
)

// Settler releases the rewards of an approved request.
type Settler interface {
	ProcessVerifiedRequest(ctx context.Context, requestID uuid.UUID) (settlement.Result, error)
}

// Notifier receives committed status changes, e.g. a websocket hub.
type Notifier interface {
	VerificationChanged(change events.VerificationChanged)
}

type nopNotifier struct{}

func (nopNotifier) VerificationChanged(events.VerificationChanged) {}

type Config struct {
	SignatureTTL time.Duration
	AssistedTTL  time.Duration
	MaxUpload    int64
	Thresholds   risk.Thresholds
}

type Service struct {
	store    store.Store
	settler  Settler
	evidence evidence.Store
	sink     alerts.Sink
	events   events.Publisher
	notify   Notifier
	cfg      Config
	log      *slog.Logger
	now      func() time.Time
	random   func([]byte) (int, error)
}

func NewService(st store.Store, settler Settler, ev evidence.Store, sink alerts.Sink, pub events.Publisher, cfg Config, log *slog.Logger) *Service {
	if cfg.SignatureTTL <= 0 {
		cfg.SignatureTTL = 24 * time.Hour
	}
	if cfg.AssistedTTL <= 0 {
		cfg.AssistedTTL = 7 * 24 * time.Hour
	}
	if cfg.MaxUpload <= 0 {
		cfg.MaxUpload = 10 << 20
	}
	return &Service{
		store:    st,
		settler:  settler,
		evidence: ev,
		sink:     sink,
		events:   pub,
		notify:   nopNotifier{},
		cfg:      cfg,
		log:      log,
		now:      time.Now,
		random:   rand.Read,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithNotifier(n Notifier) *Service {
	if n != nil {
		s.notify = n
	}
	return s
}

type CreateInput struct {
	UserID   string
	Method   store.Method
	Scope    store.Source
	ClientIP string
}

// Challenge is returned to the user after CreateRequest.
type Challenge struct {
	RequestID    uuid.UUID           `json:"request_id"`
	Method       store.Method        `json:"method"`
	Scope        store.Source        `json:"scope"`
	Status       store.RequestStatus `json:"status"`
	Amount       decimal.Decimal     `json:"amount"`
	Message      string              `json:"message,omitempty"`
	Instructions string              `json:"instructions,omitempty"`
	ExpiresAt    time.Time           `json:"expires_at"`
	Refreshed    bool                `json:"refreshed"`
}

// Outcome is the result of a submission or review. Expiry is an outcome, not
// an error.
type Outcome struct {
	RequestID       uuid.UUID           `json:"request_id"`
	Status          store.RequestStatus `json:"status"`
	Reason          string              `json:"reason,omitempty"`
	RiskScore       int                 `json:"risk_score"`
	RiskLevel       store.RiskLevel     `json:"risk_level"`
	Settlement      *settlement.Result  `json:"settlement,omitempty"`
	SettlementError string              `json:"settlement_error,omitempty"`
}

func outcomeOf(req store.VerificationRequest, reason string) Outcome {
	return Outcome{
		RequestID: req.ID,
		Status:    req.Status,
		Reason:    reason,
		RiskScore: req.RiskScore,
		RiskLevel: req.RiskLevel,
	}
}

// CreateRequest opens a verification request for the user's pending rewards
// in one scope, or refreshes the open one.
func (s *Service) CreateRequest(ctx context.Context, in CreateInput) (Challenge, error) {
	if in.UserID == "" {
		return Challenge{}, apperr.Validation("user_id is required")
	}
	if !in.Method.Valid() {
		return Challenge{}, ErrInvalidMethod
	}
	if in.Scope != "" && !in.Scope.Valid() {
		return Challenge{}, ErrInvalidScope
	}

	now := s.now().UTC()
	var (
		req    store.VerificationRequest
		result Challenge
	)
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		scope := in.Scope
		if scope == "" {
			all, err := tx.ListRewards(ctx, in.UserID, store.RewardPendingVerification, "")
			if err != nil {
				return fmt.Errorf("list pending rewards: %w", err)
			}
			if len(all) == 0 {
				return ErrNoPendingRewards
			}
			scope = all[0].Source
		}
		pending, err := tx.ListRewards(ctx, in.UserID, store.RewardPendingVerification, scope)
		if err != nil {
			return fmt.Errorf("list pending rewards: %w", err)
		}
		total := decimal.Zero
		ids := make([]uuid.UUID, 0, len(pending))
		for _, r := range pending {
			total = total.Add(r.Amount)
			ids = append(ids, r.ID)
		}
		if !total.IsPositive() {
			return ErrNoPendingRewards
		}
		if err := s.checkUnsettled(ctx, tx, pending); err != nil {
			return err
		}

		nonce, err := s.nonce(in.UserID, scope, now)
		if err != nil {
			return err
		}
		ttl := s.cfg.SignatureTTL
		if in.Method == store.MethodAssisted {
			ttl = s.cfg.AssistedTTL
		}

		open, err := tx.FindOpenRequest(ctx, in.UserID, scope)
		switch {
		case err == nil:
			if open.Status != store.StatusPending {
				return ErrRequestBusy
			}
			req = open
			result.Refreshed = true
		case errors.Is(err, store.ErrNotFound):
			req = store.VerificationRequest{
				ID:        uuid.New(),
				UserID:    in.UserID,
				Scope:     scope,
				Status:    store.StatusPending,
				RiskLevel: store.RiskLow,
				CreatedAt: now,
			}
		default:
			return fmt.Errorf("find open request: %w", err)
		}

		req.Method = in.Method
		req.Nonce = nonce
		req.Amount = total
		req.ExpiresAt = now.Add(ttl)
		req.UpdatedAt = now
		req.ClientIP = in.ClientIP
		req.Message = ""
		if in.Method == store.MethodSignature {
			req.Message = ChallengeMessage(in.UserID, scope, nonce, now, req.ExpiresAt)
		}

		action := audit.ActionRequestCreated
		if result.Refreshed {
			action = audit.ActionRequestRefreshed
			if err := tx.SaveRequest(ctx, req); err != nil {
				return fmt.Errorf("refresh request: %w", err)
			}
		} else if err := tx.InsertRequest(ctx, req); err != nil {
			if errors.Is(err, store.ErrDuplicateOpenRequest) {
				return ErrRequestExists
			}
			return fmt.Errorf("insert request: %w", err)
		}
		if err := tx.LinkRewards(ctx, req.ID, ids); err != nil {
			if errors.Is(err, store.ErrRewardLinked) {
				return ErrSettlementPending
			}
			return fmt.Errorf("link rewards: %w", err)
		}
		_, err = audit.Append(ctx, tx, audit.Event{
			RequestID: req.ID,
			UserID:    in.UserID,
			Action:    action,
			Detail: map[string]interface{}{
				"method":     in.Method,
				"scope":      scope,
				"amount":     total.String(),
				"rewards":    len(ids),
				"expires_at": req.ExpiresAt.Format(time.RFC3339),
			},
			ActorIP: in.ClientIP,
		}, now)
		return err
	})
	if err != nil {
		return Challenge{}, err
	}

	result.RequestID = req.ID
	result.Method = req.Method
	result.Scope = req.Scope
	result.Status = req.Status
	result.Amount = req.Amount
	result.Message = req.Message
	result.ExpiresAt = req.ExpiresAt
	if req.Method == store.MethodAssisted {
		result.Instructions = AssistedInstructions(req.ExpiresAt)
	}

	s.log.InfoContext(ctx, "verification request issued",
		"request_id", req.ID, "user_id", req.UserID, "method", req.Method,
		"scope", req.Scope, "amount", req.Amount.String(), "refreshed", result.Refreshed)
	s.announce(ctx, req, "")
	return result, nil
}

// checkUnsettled refuses to reopen rewards whose approved request is still
// waiting on a settlement retry.
func (s *Service) checkUnsettled(ctx context.Context, tx store.Tx, pending []store.PendingReward) error {
	seen := make(map[uuid.UUID]bool)
	for _, r := range pending {
		if r.RequestID == nil || seen[*r.RequestID] {
			continue
		}
		seen[*r.RequestID] = true
		held, err := tx.GetRequest(ctx, *r.RequestID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("load linked request: %w", err)
		}
		if held.Status != store.StatusApproved {
			continue
		}
		done, err := tx.HasCompletedExecution(ctx, held.ID)
		if err != nil {
			return fmt.Errorf("check settlement: %w", err)
		}
		if !done {
			return ErrSettlementPending
		}
	}
	return nil
}

// nonce = sha256(user | issued-at | 32 random bytes | scope)
func (s *Service) nonce(userID string, scope store.Source, now time.Time) (string, error) {
	buf := make([]byte, 32)
	if _, err := s.random(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(now.Format(time.RFC3339Nano)))
	h.Write([]byte{0})
	h.Write(buf)
	h.Write([]byte{0})
	h.Write([]byte(scope))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ChallengeMessage is the text the wallet signs.
func ChallengeMessage(userID string, scope store.Source, nonce string, issued, expires time.Time) string {
	var b strings.Builder
	b.WriteString("Rewardgate wallet verification\n\n")
	b.WriteString("Sign this message to prove you own the wallet that will receive your rewards. ")
	b.WriteString("Signing is free and does not send a transaction.\n\n")
	fmt.Fprintf(&b, "User: %s\n", userID)
	fmt.Fprintf(&b, "Scope: %s\n", scope)
	fmt.Fprintf(&b, "Nonce: %s\n", nonce)
	fmt.Fprintf(&b, "Issued At: %s\n", issued.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Expires At: %s", expires.UTC().Format(time.RFC3339))
	return b.String()
}

func AssistedInstructions(expires time.Time) string {
	return "Upload proof that you control the receiving wallet, for example a screenshot of the wallet " +
		"showing its address or an exchange statement, together with the wallet address and network. " +
		"A reviewer will resolve the request before " + expires.UTC().Format(time.RFC3339) + "."
}

// announce publishes a committed status change. Failures are only logged.
func (s *Service) announce(ctx context.Context, req store.VerificationRequest, reason string) {
	change := events.VerificationChanged{
		RequestID: req.ID,
		UserID:    req.UserID,
		Method:    string(req.Method),
		Scope:     string(req.Scope),
		Status:    string(req.Status),
		Reason:    reason,
		At:        s.now().UTC(),
	}
	if err := s.events.Publish(ctx, events.VerificationTopic(string(req.Status)), change); err != nil {
		s.log.WarnContext(ctx, "verification event not published", "request_id", req.ID, "error", err)
	}
	s.notify.VerificationChanged(change)
}

// settle runs the router after approval. A settlement failure does not undo
// the approval; the router has already queued a retry.
func (s *Service) settle(ctx context.Context, out *Outcome) {
	res, err := s.settler.ProcessVerifiedRequest(ctx, out.RequestID)
	if err != nil {
		s.log.ErrorContext(ctx, "settlement after approval failed", "request_id", out.RequestID, "error", err)
		out.SettlementError = apperr.PublicMessage(err)
		return
	}
	out.Settlement = &res
}

// score refreshes the risk fields on req. Scoring is advisory, so the
// caller saves whatever it gets.
func (s *Service) score(ctx context.Context, tx store.Tx, req *store.VerificationRequest) error {
	if _, err := risk.Apply(ctx, tx, req, s.cfg.Thresholds); err != nil {
		return fmt.Errorf("score request: %w", err)
	}
	return nil
}

// expire moves an open request to expired inside tx. It reports false when
// another transition got there first.
func (s *Service) expire(ctx context.Context, tx store.Tx, req *store.VerificationRequest, actorIP string, now time.Time) (bool, error) {
	ok, err := tx.TransitionRequest(ctx, req.ID, store.OpenStatuses, store.StatusExpired, now)
	if err != nil {
		return false, fmt.Errorf("expire request: %w", err)
	}
	if !ok {
		return false, nil
	}
	prev := req.Status
	req.Status = store.StatusExpired
	req.ResolvedAt = &now
	req.UpdatedAt = now
	if err := s.score(ctx, tx, req); err != nil {
		return false, err
	}
	if err := tx.SaveRequest(ctx, *req); err != nil {
		return false, fmt.Errorf("save request: %w", err)
	}
	_, err = audit.Append(ctx, tx, audit.Event{
		RequestID: req.ID,
		UserID:    req.UserID,
		Action:    audit.ActionExpired,
		Detail: map[string]string{
			"from":       string(prev),
			"expires_at": req.ExpiresAt.Format(time.RFC3339),
		},
		ActorIP: actorIP,
	}, now)
	return err == nil, err
}

// StatusView is what the owner or a reviewer sees of a request.
type StatusView struct {
	Request store.VerificationRequest `json:"request"`
	Rewards []store.PendingReward     `json:"rewards"`
}

// Status returns a request to its owner or an operator. Other users get
// not found.
func (s *Service) Status(ctx context.Context, viewer risk.Viewer, requestID uuid.UUID) (StatusView, error) {
	var view StatusView
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		req, err := tx.GetRequest(ctx, requestID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrRequestNotFound
		}
		if err != nil {
			return fmt.Errorf("get request: %w", err)
		}
		if req.UserID != viewer.UserID && !viewer.Elevated() {
			return ErrRequestNotFound
		}
		rewards, err := tx.ListRewardsByRequest(ctx, requestID)
		if err != nil {
			return fmt.Errorf("list rewards: %w", err)
		}
		view.Request = req
		view.Rewards = rewards
		return nil
	})
	if err != nil {
		return StatusView{}, err
	}
	if view.Rewards == nil {
		view.Rewards = []store.PendingReward{}
	}
	if viewer.UserID != view.Request.UserID {
		view.Request = risk.MaskRequest(view.Request)
	}
	return view, nil
}

// ListPendingReview returns requests waiting on an operator.
func (s *Service) ListPendingReview(ctx context.Context, limit int) ([]store.VerificationRequest, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []store.VerificationRequest
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.ListRequests(ctx, store.RequestFilter{
			Statuses: []store.RequestStatus{store.StatusVerifying, store.StatusProcessing},
			Limit:    limit,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list pending review: %w", err)
	}
	if out == nil {
		out = []store.VerificationRequest{}
	}
	return out, nil
}
