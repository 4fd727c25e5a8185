package verification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/sudo-init-do/rewardgate/internal/alerts"
	"github.com/sudo-init-do/rewardgate/internal/apperr"
	"github.com/sudo-init-do/rewardgate/internal/audit"
	"github.com/sudo-init-do/rewardgate/internal/evidence"
	"github.com/sudo-init-do/rewardgate/internal/proof"
	"github.com/sudo-init-do/rewardgate/internal/risk"
	"github.com/sudo-init-do/rewardgate/internal/store"
)

const maxEvidenceFiles = 5

var allowedEvidenceTypes = map[string]bool{
	"image/png":       true,
	"image/jpeg":      true,
	"image/webp":      true,
	"application/pdf": true,
	"text/plain":      true,
}

// Upload is one evidence file as received from the client.
type Upload struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

type AssistedInput struct {
	UserID        string
	RequestID     uuid.UUID
	Note          string
	ClaimedWallet string
	Network       string
	Files         []Upload
	ClientIP      string
}

func (s *Service) validateAssisted(in *AssistedInput) error {
	in.Note = strings.TrimSpace(in.Note)
	in.ClaimedWallet = strings.TrimSpace(in.ClaimedWallet)
	in.Network = strings.ToLower(strings.TrimSpace(in.Network))
	if in.Note == "" && len(in.Files) == 0 {
		return apperr.Validation("evidence needs a note or at least one file")
	}
	if len(in.Note) > 4000 {
		return apperr.Validation("note is too long")
	}
	if len(in.Files) > maxEvidenceFiles {
		return apperr.Validation(fmt.Sprintf("at most %d files can be attached", maxEvidenceFiles))
	}
	for _, f := range in.Files {
		if !allowedEvidenceTypes[f.ContentType] {
			return apperr.Validation(fmt.Sprintf("file type %q is not accepted", f.ContentType))
		}
		if f.Size <= 0 || f.Size > s.cfg.MaxUpload {
			return apperr.Validation(fmt.Sprintf("file %q must be between 1 byte and %d bytes", f.Name, s.cfg.MaxUpload))
		}
	}
	if in.ClaimedWallet == "" {
		return nil
	}
	family, ok := proof.NetworkFamily(in.Network)
	if !ok {
		return proof.ErrUnsupportedNetwork
	}
	if family == proof.FamilyEVM {
		addr, err := proof.ChecksumAddress(in.ClaimedWallet)
		if err != nil {
			return err
		}
		in.ClaimedWallet = addr
	}
	return nil
}

// SubmitAssisted stores evidence and hands the request to a reviewer.
// Files go to object storage first; if the transition then fails they are
// removed again.
func (s *Service) SubmitAssisted(ctx context.Context, in AssistedInput) (Outcome, error) {
	if err := s.validateAssisted(&in); err != nil {
		return Outcome{}, err
	}

	var target store.VerificationRequest
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		target, err = s.locate(ctx, tx, in.UserID, in.RequestID, store.MethodAssisted)
		if err != nil {
			return err
		}
		if target.Status != store.StatusPending {
			return ErrRequestBusy
		}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}

	ev := store.Evidence{Note: in.Note, ClaimedWallet: in.ClaimedWallet, Network: in.Network, Files: []store.EvidenceFile{}}
	for _, f := range in.Files {
		obj, err := s.evidence.Put(ctx, evidence.Key(in.UserID, target.ID, f.Name), f.Body, f.Size, f.ContentType)
		if err != nil {
			s.discard(ctx, ev.Files)
			return Outcome{}, fmt.Errorf("store evidence: %w", err)
		}
		ev.Files = append(ev.Files, store.EvidenceFile{
			Key: obj.Key, Name: f.Name, ContentType: obj.ContentType, Size: obj.Size, SHA256: obj.SHA256,
		})
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		s.discard(ctx, ev.Files)
		return Outcome{}, fmt.Errorf("encode evidence: %w", err)
	}

	now := s.now().UTC()
	var (
		req     store.VerificationRequest
		expired bool
	)
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		req, err = tx.LockRequest(ctx, target.ID)
		if err != nil {
			return fmt.Errorf("lock request: %w", err)
		}
		if req.Status != store.StatusPending {
			return ErrRequestBusy
		}
		if !now.Before(req.ExpiresAt) {
			expired, err = s.expire(ctx, tx, &req, in.ClientIP, now)
			if err == nil && !expired {
				return ErrRequestBusy
			}
			return err
		}
		ok, err := tx.TransitionRequest(ctx, req.ID, []store.RequestStatus{store.StatusPending}, store.StatusVerifying, now)
		if err != nil {
			return fmt.Errorf("move to review: %w", err)
		}
		if !ok {
			return ErrRequestBusy
		}
		req.Status = store.StatusVerifying
		req.Evidence = raw
		req.ClaimedAddress = in.ClaimedWallet
		req.ClaimedNetwork = in.Network
		req.ClientIP = in.ClientIP
		req.UpdatedAt = now
		if _, err := audit.Append(ctx, tx, audit.Event{
			RequestID: req.ID,
			UserID:    req.UserID,
			Action:    audit.ActionAssistedSubmitted,
			Detail: map[string]interface{}{
				"files":   len(ev.Files),
				"wallet":  in.ClaimedWallet,
				"network": in.Network,
			},
			ActorIP: in.ClientIP,
		}, now); err != nil {
			return err
		}
		if err := s.score(ctx, tx, &req); err != nil {
			return err
		}
		if err := tx.SaveRequest(ctx, req); err != nil {
			return fmt.Errorf("save request: %w", err)
		}
		return s.auditRisk(ctx, tx, req, now)
	})
	if err != nil || expired {
		s.discard(ctx, ev.Files)
	}
	if err != nil {
		return Outcome{}, err
	}
	if expired {
		s.announce(ctx, req, reasonExpired)
		return outcomeOf(req, reasonExpired), nil
	}

	s.log.InfoContext(ctx, "assisted evidence received", "request_id", req.ID, "user_id", req.UserID, "files", len(ev.Files))
	s.announce(ctx, req, "")
	if err := s.sink.OperatorAlert(ctx, alerts.OperatorAlertPayload{
		Severity:  alerts.SeverityWarning,
		Subject:   "assisted verification awaiting review",
		Message:   fmt.Sprintf("Request %s (%s, %s) has evidence waiting for a reviewer.", req.ID, req.Scope, req.Amount.String()),
		RequestID: req.ID.String(),
		SentAt:    now,
	}); err != nil {
		s.log.WarnContext(ctx, "review alert not queued", "request_id", req.ID, "error", err)
	}
	return outcomeOf(req, ""), nil
}

func (s *Service) discard(ctx context.Context, files []store.EvidenceFile) {
	for _, f := range files {
		if err := s.evidence.Delete(ctx, f.Key); err != nil {
			s.log.WarnContext(ctx, "orphaned evidence not removed", "key", f.Key, "error", err)
		}
	}
}

type ReviewInput struct {
	RequestID uuid.UUID
	Reviewer  risk.Viewer
	// Note is the approval comment or the rejection reason.
	Note     string
	ClientIP string
}

// Approve resolves a request under review. Approving a signature request
// bypasses the cryptographic check and is recorded as an admin override.
func (s *Service) Approve(ctx context.Context, in ReviewInput) (Outcome, error) {
	return s.review(ctx, in, store.StatusApproved)
}

// Reject resolves a request under review with a reason shown to the user.
func (s *Service) Reject(ctx context.Context, in ReviewInput) (Outcome, error) {
	if strings.TrimSpace(in.Note) == "" {
		return Outcome{}, apperr.Validation("a rejection reason is required")
	}
	return s.review(ctx, in, store.StatusRejected)
}

func (s *Service) review(ctx context.Context, in ReviewInput, to store.RequestStatus) (Outcome, error) {
	if !in.Reviewer.Elevated() {
		return Outcome{}, ErrNotReviewer
	}
	note := strings.TrimSpace(in.Note)
	now := s.now().UTC()
	var (
		req     store.VerificationRequest
		expired bool
	)
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		req, err = tx.LockRequest(ctx, in.RequestID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrRequestNotFound
			}
			return fmt.Errorf("lock request: %w", err)
		}
		if req.Status != store.StatusProcessing && req.Status != store.StatusVerifying {
			return ErrNotUnderReview
		}
		if !now.Before(req.ExpiresAt) {
			expired, err = s.expire(ctx, tx, &req, in.ClientIP, now)
			if err == nil && !expired {
				return ErrRequestBusy
			}
			return err
		}
		from := req.Status
		ok, err := tx.TransitionRequest(ctx, req.ID, []store.RequestStatus{from}, to, now)
		if err != nil {
			return fmt.Errorf("review request: %w", err)
		}
		if !ok {
			return ErrNotUnderReview
		}
		req.Status = to
		req.ResolvedAt = &now
		req.UpdatedAt = now
		req.ReviewedBy = in.Reviewer.UserID

		action := audit.ActionApproved
		detail := map[string]interface{}{"reviewer": in.Reviewer.UserID, "role": in.Reviewer.Role, "from": from}
		if to == store.StatusApproved {
			if req.Method == store.MethodSignature {
				req.AdminOverride = true
				req.OverrideReason = note
				if req.OverrideReason == "" {
					req.OverrideReason = "approved by " + string(in.Reviewer.Role)
				}
				detail["admin_override"] = true
			}
			if note != "" {
				detail["note"] = note
			}
		} else {
			action = audit.ActionRejected
			req.RejectionReason = note
			detail["reason"] = note
		}
		if _, err := audit.Append(ctx, tx, audit.Event{
			RequestID: req.ID, UserID: req.UserID, Action: action, Detail: detail, ActorIP: in.ClientIP,
		}, now); err != nil {
			return err
		}
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
	if expired {
		s.announce(ctx, req, reasonExpired)
		return outcomeOf(req, reasonExpired), nil
	}

	s.log.InfoContext(ctx, "verification reviewed",
		"request_id", req.ID, "status", req.Status, "reviewer", in.Reviewer.UserID,
		"admin_override", req.AdminOverride, "risk_level", req.RiskLevel)
	out := outcomeOf(req, req.RejectionReason)
	s.announce(ctx, req, out.Reason)
	if req.Status == store.StatusApproved {
		s.settle(ctx, &out)
	}
	return out, nil
}

// OpenEvidence streams one evidence file to an operator.
func (s *Service) OpenEvidence(ctx context.Context, viewer risk.Viewer, requestID uuid.UUID, index int) (io.ReadCloser, store.EvidenceFile, error) {
	if !viewer.Elevated() {
		return nil, store.EvidenceFile{}, ErrNotReviewer
	}
	var req store.VerificationRequest
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		req, err = tx.GetRequest(ctx, requestID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, store.EvidenceFile{}, ErrRequestNotFound
	}
	if err != nil {
		return nil, store.EvidenceFile{}, fmt.Errorf("get request: %w", err)
	}
	var ev store.Evidence
	if len(req.Evidence) > 0 {
		if err := json.Unmarshal(req.Evidence, &ev); err != nil {
			return nil, store.EvidenceFile{}, fmt.Errorf("decode evidence: %w", err)
		}
	}
	if index < 0 || index >= len(ev.Files) {
		return nil, store.EvidenceFile{}, apperr.New(apperr.KindNotFound, "evidence_not_found", "evidence file not found")
	}
	f := ev.Files[index]
	rc, err := s.evidence.Get(ctx, f.Key)
	if err != nil {
		return nil, store.EvidenceFile{}, fmt.Errorf("open evidence: %w", err)
	}
	return rc, f, nil
}
