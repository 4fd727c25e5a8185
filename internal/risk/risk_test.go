package risk

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudo-init-do/rewardgate/internal/apperr"
	"github.com/sudo-init-do/rewardgate/internal/audit"
	"github.com/sudo-init-do/rewardgate/internal/store"
)

var th = Thresholds{MediumAmount: decimal.NewFromInt(500), HighAmount: decimal.NewFromInt(5000)}

func TestScore(t *testing.T) {
	cases := []struct {
		name  string
		in    Signals
		score int
		level store.RiskLevel
	}{
		{"clean small", Signals{DistinctIPs: 1, Amount: decimal.NewFromInt(10)}, 0, store.RiskLow},
		{"two failures", Signals{FailedAttempts: 2, DistinctIPs: 1, Amount: decimal.NewFromInt(10)}, 20, store.RiskLow},
		{"medium amount plus failures", Signals{FailedAttempts: 2, Amount: decimal.NewFromInt(500)}, 35, store.RiskMedium},
		{"override and high amount", Signals{AdminOverride: true, Amount: decimal.NewFromInt(5000)}, 55, store.RiskMedium},
		{"everything", Signals{FailedAttempts: 9, DistinctIPs: 9, AdminOverride: true, Amount: decimal.NewFromInt(9000)}, 100, store.RiskHigh},
		{"failures capped", Signals{FailedAttempts: 50}, 40, store.RiskMedium},
		{"many ips", Signals{DistinctIPs: 3, FailedAttempts: 3, AdminOverride: true}, 65, store.RiskHigh},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			score, level := Score(tc.in, th)
			assert.Equal(t, tc.score, score)
			assert.Equal(t, tc.level, level)

			again, _ := Score(tc.in, th)
			assert.Equal(t, score, again)
		})
	}
}

func TestLevelBoundaries(t *testing.T) {
	assert.Equal(t, store.RiskLow, Level(29))
	assert.Equal(t, store.RiskMedium, Level(30))
	assert.Equal(t, store.RiskMedium, Level(59))
	assert.Equal(t, store.RiskHigh, Level(60))
}

func entry(action audit.Action, ip string) store.AuditEntry {
	return store.AuditEntry{UserID: "u1", Action: string(action), ActorIP: ip}
}

func TestGenerateFlags(t *testing.T) {
	req := store.VerificationRequest{UserID: "u1", RiskScore: 70, RiskLevel: store.RiskHigh, AdminOverride: true}
	entries := []store.AuditEntry{
		entry(audit.ActionSignatureRejected, "10.0.0.1"),
		entry(audit.ActionSignatureRejected, "10.0.0.2"),
		entry(audit.ActionSignatureRejected, "10.0.0.3"),
		entry(audit.ActionRejected, "10.0.0.4"),
	}
	flags := GenerateFlags(req, entries, 4)
	assert.Equal(t, []Flag{FlagHighRisk, FlagMultipleFailedAttempts, FlagMultipleIPAddresses, FlagAdminOverride}, flags)

	assert.Empty(t, GenerateFlags(store.VerificationRequest{RiskLevel: store.RiskLow}, entries[:3], 3))
}

func TestSignalsFrom(t *testing.T) {
	req := store.VerificationRequest{UserID: "u1", ClientIP: "10.0.0.9", Amount: decimal.NewFromInt(7)}
	s := SignalsFrom(req, []store.AuditEntry{
		entry(audit.ActionSignatureRejected, "10.0.0.1"),
		entry(audit.ActionSignatureSubmitted, "10.0.0.1"),
		entry(audit.ActionRequestCreated, ""),
	})
	assert.Equal(t, 1, s.FailedAttempts)
	assert.Equal(t, 2, s.DistinctIPs)
}

func seed(t *testing.T) (*store.Memory, uuid.UUID) {
	t.Helper()
	st := store.NewMemory()
	id := uuid.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ev, _ := json.Marshal(store.Evidence{Note: "ledger screenshot", Files: []store.EvidenceFile{{Key: "evidence/u1/a.png", Name: "a.png", SHA256: "ab"}}})
	require.NoError(t, st.WithTx(context.Background(), func(tx store.Tx) error {
		if err := tx.InsertRequest(context.Background(), store.VerificationRequest{
			ID: id, UserID: "u1", Method: store.MethodAssisted, Scope: store.SourceAirdropWithdrawal,
			Status: store.StatusVerifying, Amount: decimal.NewFromInt(20), ClientIP: "203.0.113.7",
			Signature: "0xabcdef0123456789", Evidence: ev, CreatedAt: now,
		}); err != nil {
			return err
		}
		_, err := audit.Append(context.Background(), tx, audit.Event{RequestID: id, UserID: "u1", Action: audit.ActionAssistedSubmitted, ActorIP: "203.0.113.7"}, now)
		return err
	}))
	return st, id
}

func TestReportAccessAndMasking(t *testing.T) {
	st, id := seed(t)
	rep := NewReporter(st, th)
	ctx := context.Background()

	own, err := rep.Report(ctx, id, Viewer{UserID: "u1", Role: store.RolePlayer}, true)
	require.NoError(t, err)
	assert.False(t, own.Metadata.SensitiveIncluded, "players never get sensitive fields")
	assert.Equal(t, "203.0.x.x", own.Request.ClientIP)
	assert.Equal(t, "****6789", own.Request.Signature)
	assert.NotContains(t, string(own.Request.Evidence), "evidence/u1/a.png")
	assert.Equal(t, "203.0.x.x", own.AuditTrail[0].ActorIP)
	assert.True(t, own.Chain.OK)

	_, err = rep.Report(ctx, id, Viewer{UserID: "u2", Role: store.RolePlayer}, false)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	full, err := rep.Report(ctx, id, Viewer{UserID: "root", Role: store.RoleAdmin}, true)
	require.NoError(t, err)
	assert.True(t, full.Metadata.SensitiveIncluded)
	assert.Equal(t, "203.0.113.7", full.Request.ClientIP)
	assert.Contains(t, string(full.Request.Evidence), "evidence/u1/a.png")

	reviewer, err := rep.Report(ctx, id, Viewer{UserID: "rev", Role: store.RoleReviewer}, true)
	require.NoError(t, err)
	assert.False(t, reviewer.Metadata.SensitiveIncluded)
}

func TestExportCSV(t *testing.T) {
	st, id := seed(t)
	rep := NewReporter(st, th)

	_, err := rep.Export(context.Background(), ExportQuery{Format: FormatCSV}, Viewer{UserID: "u1", Role: store.RolePlayer})
	assert.ErrorIs(t, err, ErrReportDenied)

	exp, err := rep.Export(context.Background(), ExportQuery{
		Filter: store.RequestFilter{Scope: store.SourceAirdropWithdrawal},
		Format: FormatCSV,
	}, Viewer{UserID: "root", Role: store.RoleAdmin})
	require.NoError(t, err)
	require.Equal(t, 1, exp.Count)

	var buf bytes.Buffer
	require.NoError(t, exp.WriteCSV(&buf))
	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, csvHeader, records[0])
	assert.Equal(t, id.String(), records[1][0])
	assert.Equal(t, "203.0.x.x", records[1][16])
}

func TestExportRejectsBadInput(t *testing.T) {
	st, _ := seed(t)
	rep := NewReporter(st, th)
	admin := Viewer{UserID: "root", Role: store.RoleAdmin}

	_, err := rep.Export(context.Background(), ExportQuery{Format: "xml"}, admin)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	now := time.Now()
	_, err = rep.Export(context.Background(), ExportQuery{Filter: store.RequestFilter{From: now, To: now.Add(-time.Hour)}}, admin)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}
