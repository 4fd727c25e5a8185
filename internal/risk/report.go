package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sudo-init-do/rewardgate/internal/apperr"
	"github.com/sudo-init-do/rewardgate/internal/audit"
	"github.com/sudo-init-do/rewardgate/internal/store"
)

const ReportVersion = "1"

var (
	ErrReportNotFound = apperr.New(apperr.KindNotFound, "request_not_found", "verification request not found")
	ErrReportDenied   = apperr.New(apperr.KindForbidden, "report_denied", "not allowed to view this report")
)

// Viewer is who asks for a report.
type Viewer struct {
	UserID string
	Role   store.Role
}

func (v Viewer) Elevated() bool {
	return v.Role == store.RoleAdmin || v.Role == store.RoleReviewer
}

// CanSeeSensitive is true only for admins that asked for it.
func (v Viewer) CanSeeSensitive(requested bool) bool {
	return requested && v.Role == store.RoleAdmin
}

type Metadata struct {
	Version           string    `json:"version"`
	GeneratedAt       time.Time `json:"generated_at"`
	GeneratedBy       string    `json:"generated_by"`
	SensitiveIncluded bool      `json:"sensitive_included"`
}

type Report struct {
	Metadata   Metadata                  `json:"metadata"`
	Request    store.VerificationRequest `json:"request"`
	Rewards    []store.PendingReward     `json:"rewards"`
	Executions []store.Execution         `json:"executions"`
	AuditTrail []store.AuditEntry        `json:"audit_trail"`
	Chain      audit.VerifyReport        `json:"chain"`
	Signals    Signals                   `json:"signals"`
	Flags      []Flag                    `json:"flags"`
}

type Reporter struct {
	store      store.Store
	thresholds Thresholds
	now        func() time.Time
}

func NewReporter(st store.Store, th Thresholds) *Reporter {
	return &Reporter{store: st, thresholds: th, now: time.Now}
}

func (r *Reporter) WithClock(now func() time.Time) *Reporter {
	r.now = now
	return r
}

// Report builds the compliance report of one request. Players may only read
// their own; sensitive fields stay masked unless an admin asks for them.
func (r *Reporter) Report(ctx context.Context, requestID uuid.UUID, viewer Viewer, includeSensitive bool) (Report, error) {
	var rep Report
	err := r.store.WithTx(ctx, func(tx store.Tx) error {
		req, err := tx.GetRequest(ctx, requestID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrReportNotFound
		}
		if err != nil {
			return fmt.Errorf("get request: %w", err)
		}
		if !viewer.Elevated() && req.UserID != viewer.UserID {
			// same answer as a missing request
			return ErrReportNotFound
		}
		entries, err := tx.ListAuditEntries(ctx, requestID)
		if err != nil {
			return fmt.Errorf("list audit: %w", err)
		}
		userEntries, err := tx.ListAuditEntriesByUser(ctx, req.UserID)
		if err != nil {
			return fmt.Errorf("list user audit: %w", err)
		}
		rewards, err := tx.ListRewardsByRequest(ctx, requestID)
		if err != nil {
			return fmt.Errorf("list rewards: %w", err)
		}
		execs, err := tx.ListExecutions(ctx, requestID)
		if err != nil {
			return fmt.Errorf("list executions: %w", err)
		}

		signals := SignalsFrom(req, userEntries)
		sensitive := viewer.CanSeeSensitive(includeSensitive)
		rep = Report{
			Metadata: Metadata{
				Version:           ReportVersion,
				GeneratedAt:       r.now().UTC(),
				GeneratedBy:       viewer.UserID,
				SensitiveIncluded: sensitive,
			},
			Request:    req,
			Rewards:    nonNil(rewards),
			Executions: nonNil(execs),
			AuditTrail: nonNil(entries),
			Chain:      audit.Verify(entries),
			Signals:    signals,
			Flags:      GenerateFlags(req, userEntries, signals.FailedAttempts),
		}
		if !sensitive {
			rep.Request = MaskRequest(rep.Request)
			for i := range rep.AuditTrail {
				rep.AuditTrail[i].ActorIP = MaskIP(rep.AuditTrail[i].ActorIP)
			}
		}
		return nil
	})
	return rep, err
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// MaskRequest hides the signature, client IP and evidence object keys.
func MaskRequest(req store.VerificationRequest) store.VerificationRequest {
	req.Signature = MaskSecret(req.Signature)
	req.ClientIP = MaskIP(req.ClientIP)
	req.Evidence = MaskEvidence(req.Evidence)
	return req
}

func MaskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}

// MaskIP keeps the network half of an address.
func MaskIP(ip string) string {
	if ip == "" {
		return ""
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "masked"
	}
	if v4 := parsed.To4(); v4 != nil {
		return fmt.Sprintf("%d.%d.x.x", v4[0], v4[1])
	}
	parts := strings.Split(parsed.String(), ":")
	if len(parts) > 2 {
		parts = parts[:2]
	}
	return strings.Join(parts, ":") + ":x"
}

func MaskEvidence(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var ev store.Evidence
	if err := json.Unmarshal(raw, &ev); err != nil {
		return json.RawMessage(`{"masked":true}`)
	}
	for i := range ev.Files {
		ev.Files[i].Key = "masked"
	}
	out, err := json.Marshal(ev)
	if err != nil {
		return json.RawMessage(`{"masked":true}`)
	}
	return out
}

// VerifyChain recomputes the audit chain of an existing request.
func (r *Reporter) VerifyChain(ctx context.Context, requestID uuid.UUID, viewer Viewer) (audit.VerifyReport, error) {
	if !viewer.Elevated() {
		return audit.VerifyReport{}, ErrReportDenied
	}
	var entries []store.AuditEntry
	err := r.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetRequest(ctx, requestID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrReportNotFound
			}
			return fmt.Errorf("get request: %w", err)
		}
		var err error
		entries, err = tx.ListAuditEntries(ctx, requestID)
		return err
	})
	if err != nil {
		return audit.VerifyReport{}, err
	}
	return audit.Verify(entries), nil
}
