package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sudo-init-do/rewardgate/internal/store"
)

// Action names every state transition and settlement step that is recorded.
type Action string

const (
	ActionRequestCreated      Action = "request_created"
	ActionRequestRefreshed    Action = "request_refreshed"
	ActionSignatureSubmitted  Action = "signature_submitted"
	ActionSignatureVerified   Action = "signature_verified"
	ActionSignatureRejected   Action = "signature_rejected"
	ActionAssistedSubmitted   Action = "assisted_submitted"
	ActionApproved            Action = "approved"
	ActionRejected            Action = "rejected"
	ActionExpired             Action = "expired"
	ActionRiskScored          Action = "risk_scored"
	ActionSettlementCompleted Action = "settlement_completed"
	ActionSettlementFailed    Action = "settlement_failed"
	ActionSettlementSkipped   Action = "settlement_skipped"
	ActionRetryScheduled      Action = "retry_scheduled"
	ActionRetryExhausted      Action = "retry_exhausted"
	ActionRetryRequeued       Action = "retry_requeued"
	ActionFeeScheduled        Action = "fee_scheduled"
	ActionFeeScheduleFailed   Action = "fee_schedule_failed"
)

// Event is what callers hand to Append; hashing and sequencing happen here.
type Event struct {
	RequestID uuid.UUID
	UserID    string
	Action    Action
	Detail    interface{}
	ActorIP   string
}

type hashedFields struct {
	RequestID string          `json:"request_id"`
	UserID    string          `json:"user_id"`
	Action    string          `json:"action"`
	Detail    json.RawMessage `json:"detail"`
	ActorIP   string          `json:"actor_ip"`
	CreatedAt string          `json:"created_at"`
}

// Append writes the next entry of the request's chain inside tx.
func Append(ctx context.Context, tx store.Tx, ev Event, at time.Time) (store.AuditEntry, error) {
	detail, err := json.Marshal(ev.Detail)
	if err != nil {
		return store.AuditEntry{}, fmt.Errorf("encode audit detail: %w", err)
	}
	if ev.Detail == nil {
		detail = json.RawMessage(`{}`)
	}

	last, ok, err := tx.LastAuditEntry(ctx, ev.RequestID)
	if err != nil {
		return store.AuditEntry{}, fmt.Errorf("read audit chain: %w", err)
	}
	entry := store.AuditEntry{
		ID:        uuid.New(),
		Seq:       1,
		RequestID: ev.RequestID,
		UserID:    ev.UserID,
		Action:    string(ev.Action),
		Detail:    detail,
		ActorIP:   ev.ActorIP,
		// timestamptz keeps microseconds
		CreatedAt: at.UTC().Truncate(time.Microsecond),
	}
	if ok {
		entry.Seq = last.Seq + 1
		entry.PrevHash = last.Hash
	}
	entry.Hash, err = computeHash(entry)
	if err != nil {
		return store.AuditEntry{}, err
	}
	if err := tx.InsertAuditEntry(ctx, entry); err != nil {
		return store.AuditEntry{}, fmt.Errorf("insert audit entry: %w", err)
	}
	return entry, nil
}

func computeHash(e store.AuditEntry) (string, error) {
	payload, err := StableJSON(hashedFields{
		RequestID: e.RequestID.String(),
		UserID:    e.UserID,
		Action:    e.Action,
		Detail:    e.Detail,
		ActorIP:   e.ActorIP,
		CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", fmt.Errorf("canonical audit payload: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(e.PrevHash))
	h.Write([]byte(fmt.Sprintf("|%d|", e.Seq)))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyReport summarizes chain verification for one request.
type VerifyReport struct {
	OK       bool     `json:"ok"`
	Total    int      `json:"total"`
	LastHash string   `json:"last_hash"`
	Errors   []string `json:"errors"`
}

// Verify recomputes every hash of a request's chain in sequence order.
func Verify(entries []store.AuditEntry) VerifyReport {
	report := VerifyReport{OK: true, Total: len(entries)}
	var expectedPrev string
	for i, e := range entries {
		if e.Seq != int64(i+1) {
			report.OK = false
			report.Errors = append(report.Errors, fmt.Sprintf("sequence mismatch at position %d (seq %d)", i+1, e.Seq))
		}
		if e.PrevHash != expectedPrev {
			report.OK = false
			report.Errors = append(report.Errors, fmt.Sprintf("prev_hash mismatch at seq %d", e.Seq))
		}
		computed, err := computeHash(e)
		if err != nil {
			report.OK = false
			report.Errors = append(report.Errors, fmt.Sprintf("seq %d: %v", e.Seq, err))
			continue
		}
		if computed != e.Hash {
			report.OK = false
			report.Errors = append(report.Errors, fmt.Sprintf("hash mismatch at seq %d", e.Seq))
		}
		expectedPrev = e.Hash
		report.LastHash = e.Hash
	}
	return report
}

// VerifyRequest loads and verifies one request's chain.
func VerifyRequest(ctx context.Context, st store.Store, requestID uuid.UUID) (VerifyReport, error) {
	var entries []store.AuditEntry
	err := st.WithTx(ctx, func(tx store.Tx) error {
		var err error
		entries, err = tx.ListAuditEntries(ctx, requestID)
		return err
	})
	if err != nil {
		return VerifyReport{}, err
	}
	return Verify(entries), nil
}
