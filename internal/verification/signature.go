package verification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sudo-init-do/rewardgate/internal/audit"
	"github.com/sudo-init-do/rewardgate/internal/proof"
	"github.com/sudo-init-do/rewardgate/internal/store"
)

type SignatureInput struct {
	UserID string
	// RequestID is optional; uuid.Nil selects the newest open signature request.
	RequestID uuid.UUID
	Signature string
	Address   string
	Network   string
	ClientIP  string
}

// SubmitSignature checks a signed challenge. Malformed input is rejected
// before any state changes. A well formed signature moves the request to
// processing, which only one caller can do, and then to approved or rejected.
func (s *Service) SubmitSignature(ctx context.Context, in SignatureInput) (Outcome, error) {
	parsed, err := proof.Parse(proof.Claim{Network: in.Network, Address: in.Address, Signature: in.Signature})
	if err != nil {
		return Outcome{}, err
	}

	now := s.now().UTC()
	var (
		req     store.VerificationRequest
		expired bool
	)
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		req, err = s.locate(ctx, tx, in.UserID, in.RequestID, store.MethodSignature)
		if err != nil {
			return err
		}
		if req.Status != store.StatusPending {
			return ErrRequestBusy
		}
		if !now.Before(req.ExpiresAt) {
			ok, err := s.expire(ctx, tx, &req, in.ClientIP, now)
			if err != nil {
				return err
			}
			if !ok {
				return ErrRequestBusy
			}
			expired = true
			return nil
		}

		ok, err := tx.TransitionRequest(ctx, req.ID, []store.RequestStatus{store.StatusPending}, store.StatusProcessing, now)
		if err != nil {
			return fmt.Errorf("claim request: %w", err)
		}
		if !ok {
			return ErrRequestBusy
		}
		req.Status = store.StatusProcessing
		req.Signature = strings.TrimSpace(in.Signature)
		req.ClaimedAddress = parsed.Address
		req.ClaimedNetwork = parsed.Network
		req.ClientIP = in.ClientIP
		req.UpdatedAt = now
		if err := s.score(ctx, tx, &req); err != nil {
			return err
		}
		if err := tx.SaveRequest(ctx, req); err != nil {
			return fmt.Errorf("save request: %w", err)
		}
		_, err = audit.Append(ctx, tx, audit.Event{
			RequestID: req.ID,
			UserID:    req.UserID,
			Action:    audit.ActionSignatureSubmitted,
			Detail:    map[string]string{"network": parsed.Network, "address": parsed.Address},
			ActorIP:   in.ClientIP,
		}, now)
		return err
	})
	if err != nil {
		return Outcome{}, err
	}
	if expired {
		s.log.InfoContext(ctx, "signature submitted after expiry", "request_id", req.ID, "user_id", req.UserID)
		s.announce(ctx, req, reasonExpired)
		return outcomeOf(req, reasonExpired), nil
	}
	s.announce(ctx, req, "")

	reason := ""
	if req.Nonce == "" || !strings.Contains(req.Message, req.Nonce) {
		reason = reasonNonceMissing
	} else if err := parsed.Verify(req.Message); err != nil {
		reason = reasonSignerInvalid
		s.log.InfoContext(ctx, "signature rejected", "request_id", req.ID, "network", parsed.Network, "error", err)
	}

	return s.resolveSignature(ctx, req.ID, reason, in.ClientIP)
}

// resolveSignature finishes a processing request. An empty reason approves.
func (s *Service) resolveSignature(ctx context.Context, requestID uuid.UUID, reason, clientIP string) (Outcome, error) {
	now := s.now().UTC()
	var (
		req      store.VerificationRequest
		resolved bool
	)
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		resolved = false
		var err error
		req, err = tx.LockRequest(ctx, requestID)
		if err != nil {
			return fmt.Errorf("lock request: %w", err)
		}
		if req.Status != store.StatusProcessing {
			// the sweep or a reviewer resolved it meanwhile
			return nil
		}
		to := store.StatusApproved
		verdict := audit.ActionSignatureVerified
		if reason != "" {
			to = store.StatusRejected
			verdict = audit.ActionSignatureRejected
		}
		ok, err := tx.TransitionRequest(ctx, req.ID, []store.RequestStatus{store.StatusProcessing}, to, now)
		if err != nil {
			return fmt.Errorf("resolve request: %w", err)
		}
		if !ok {
			return ErrRequestBusy
		}
		resolved = true
		req.Status = to
		req.ResolvedAt = &now
		req.UpdatedAt = now
		req.RejectionReason = reason

		detail := map[string]string{"network": req.ClaimedNetwork, "address": req.ClaimedAddress}
		if reason != "" {
			detail["reason"] = reason
		}
		if _, err := audit.Append(ctx, tx, audit.Event{
			RequestID: req.ID, UserID: req.UserID, Action: verdict, Detail: detail, ActorIP: clientIP,
		}, now); err != nil {
			return err
		}
		if to == store.StatusApproved {
			if _, err := audit.Append(ctx, tx, audit.Event{
				RequestID: req.ID, UserID: req.UserID, Action: audit.ActionApproved,
				Detail: map[string]string{"by": "signature"}, ActorIP: clientIP,
			}, now); err != nil {
				return err
			}
		}
		// scored after the verdict so this attempt counts
		if err := s.score(ctx, tx, &req); err != nil {
			return err
		}
		if err := tx.SaveRequest(ctx, req); err != nil {
			return fmt.Errorf("save request: %w", err)
		}
		return s.auditRisk(ctx, tx, req, now)
	})
	if err != nil {
		return Outcome{}, err
	}

	out := outcomeOf(req, req.RejectionReason)
	if req.Status == store.StatusExpired {
		out.Reason = reasonExpired
	}
	if !resolved {
		// resolved elsewhere
		return out, nil
	}
	s.log.InfoContext(ctx, "signature verification resolved",
		"request_id", req.ID, "user_id", req.UserID, "status", req.Status,
		"risk_score", req.RiskScore, "risk_level", req.RiskLevel)
	s.announce(ctx, req, out.Reason)
	if req.Status == store.StatusApproved {
		s.settle(ctx, &out)
	}
	return out, nil
}

// locate finds the request a submission applies to.
func (s *Service) locate(ctx context.Context, tx store.Tx, userID string, requestID uuid.UUID, method store.Method) (store.VerificationRequest, error) {
	if requestID == uuid.Nil {
		req, err := tx.LatestOpenRequest(ctx, userID, method)
		if errors.Is(err, store.ErrNotFound) {
			return store.VerificationRequest{}, ErrNoOpenRequest
		}
		if err != nil {
			return store.VerificationRequest{}, fmt.Errorf("find open request: %w", err)
		}
		return tx.LockRequest(ctx, req.ID)
	}
	req, err := tx.LockRequest(ctx, requestID)
	if errors.Is(err, store.ErrNotFound) {
		return store.VerificationRequest{}, ErrNoOpenRequest
	}
	if err != nil {
		return store.VerificationRequest{}, fmt.Errorf("lock request: %w", err)
	}
	if req.UserID != userID {
		return store.VerificationRequest{}, ErrNoOpenRequest
	}
	if req.Status.Terminal() {
		return store.VerificationRequest{}, ErrRequestResolved
	}
	if req.Method != method {
		return store.VerificationRequest{}, ErrWrongMethod
	}
	return req, nil
}

// auditRisk records the score a terminal or processing request got.
func (s *Service) auditRisk(ctx context.Context, tx store.Tx, req store.VerificationRequest, at time.Time) error {
	_, err := audit.Append(ctx, tx, audit.Event{
		RequestID: req.ID,
		UserID:    req.UserID,
		Action:    audit.ActionRiskScored,
		Detail:    map[string]interface{}{"score": req.RiskScore, "level": req.RiskLevel, "status": req.Status},
	}, at)
	return err
}
