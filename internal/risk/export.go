package risk

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/sudo-init-do/rewardgate/internal/apperr"
	"github.com/sudo-init-do/rewardgate/internal/store"
)

const (
	FormatCSV  = "csv"
	FormatJSON = "json"

	defaultExportLimit = 10000
)

type ExportQuery struct {
	Filter           store.RequestFilter
	Format           string
	IncludeSensitive bool
}

type ExportRow struct {
	Request        store.VerificationRequest `json:"request"`
	FailedAttempts int                       `json:"failed_attempts"`
	DistinctIPs    int                       `json:"distinct_ips"`
	Flags          []Flag                    `json:"flags"`
}

type Export struct {
	Metadata Metadata    `json:"metadata"`
	Filter   exportEcho  `json:"filter"`
	Count    int         `json:"count"`
	Rows     []ExportRow `json:"rows"`
}

type exportEcho struct {
	From      *time.Time `json:"from,omitempty"`
	To        *time.Time `json:"to,omitempty"`
	UserID    string     `json:"user_id,omitempty"`
	Statuses  []string   `json:"statuses,omitempty"`
	Method    string     `json:"method,omitempty"`
	RiskLevel string     `json:"risk_level,omitempty"`
	Scope     string     `json:"scope,omitempty"`
}

// Export collects every request matching q. Only reviewers and admins may
// export.
func (r *Reporter) Export(ctx context.Context, q ExportQuery, viewer Viewer) (Export, error) {
	if !viewer.Elevated() {
		return Export{}, ErrReportDenied
	}
	switch q.Format {
	case "", FormatJSON, FormatCSV:
	default:
		return Export{}, apperr.Validation("format must be csv or json")
	}
	if !q.Filter.From.IsZero() && !q.Filter.To.IsZero() && q.Filter.To.Before(q.Filter.From) {
		return Export{}, apperr.Validation("date range end is before its start")
	}
	if q.Filter.Limit <= 0 || q.Filter.Limit > defaultExportLimit {
		q.Filter.Limit = defaultExportLimit
	}
	sensitive := viewer.CanSeeSensitive(q.IncludeSensitive)

	out := Export{
		Metadata: Metadata{
			Version:           ReportVersion,
			GeneratedAt:       r.now().UTC(),
			GeneratedBy:       viewer.UserID,
			SensitiveIncluded: sensitive,
		},
		Filter: echoFilter(q.Filter),
		Rows:   []ExportRow{},
	}
	err := r.store.WithTx(ctx, func(tx store.Tx) error {
		reqs, err := tx.ListRequests(ctx, q.Filter)
		if err != nil {
			return fmt.Errorf("list requests: %w", err)
		}
		byUser := map[string][]store.AuditEntry{}
		for _, req := range reqs {
			entries, ok := byUser[req.UserID]
			if !ok {
				entries, err = tx.ListAuditEntriesByUser(ctx, req.UserID)
				if err != nil {
					return fmt.Errorf("list user audit: %w", err)
				}
				byUser[req.UserID] = entries
			}
			signals := SignalsFrom(req, entries)
			row := ExportRow{
				Request:        req,
				FailedAttempts: signals.FailedAttempts,
				DistinctIPs:    signals.DistinctIPs,
				Flags:          GenerateFlags(req, entries, signals.FailedAttempts),
			}
			if !sensitive {
				row.Request = MaskRequest(row.Request)
			}
			out.Rows = append(out.Rows, row)
		}
		return nil
	})
	if err != nil {
		return Export{}, err
	}
	out.Count = len(out.Rows)
	return out, nil
}

func echoFilter(f store.RequestFilter) exportEcho {
	e := exportEcho{
		UserID:    f.UserID,
		Method:    string(f.Method),
		RiskLevel: string(f.RiskLevel),
		Scope:     string(f.Scope),
	}
	if !f.From.IsZero() {
		from := f.From.UTC()
		e.From = &from
	}
	if !f.To.IsZero() {
		to := f.To.UTC()
		e.To = &to
	}
	for _, s := range f.Statuses {
		e.Statuses = append(e.Statuses, string(s))
	}
	return e
}

var csvHeader = []string{
	"request_id", "user_id", "method", "scope", "status", "amount",
	"risk_score", "risk_level", "flags", "failed_attempts", "distinct_ips",
	"admin_override", "override_reason", "claimed_network", "claimed_address",
	"signature", "client_ip", "reviewed_by", "rejection_reason",
	"created_at", "resolved_at",
}

func (e Export) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, row := range e.Rows {
		req := row.Request
		flags := make([]string, len(row.Flags))
		for i, f := range row.Flags {
			flags[i] = string(f)
		}
		resolved := ""
		if req.ResolvedAt != nil {
			resolved = req.ResolvedAt.UTC().Format(time.RFC3339)
		}
		record := []string{
			req.ID.String(),
			req.UserID,
			string(req.Method),
			string(req.Scope),
			string(req.Status),
			req.Amount.String(),
			strconv.Itoa(req.RiskScore),
			string(req.RiskLevel),
			strings.Join(flags, ";"),
			strconv.Itoa(row.FailedAttempts),
			strconv.Itoa(row.DistinctIPs),
			strconv.FormatBool(req.AdminOverride),
			req.OverrideReason,
			req.ClaimedNetwork,
			req.ClaimedAddress,
			req.Signature,
			req.ClientIP,
			req.ReviewedBy,
			req.RejectionReason,
			req.CreatedAt.UTC().Format(time.RFC3339),
			resolved,
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func (e Export) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(e)
}
