package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/sudo-init-do/rewardgate/internal/store"
)

type pgTx struct {
	tx pgx.Tx
}

type rowScanner interface {
	Scan(dest ...any) error
}

// jsonArg stores empty documents as NULL.
func jsonArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func statusArgs(statuses []store.RequestStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

var openStatuses = statusArgs(store.OpenStatuses)

// Users and wallets.

func (t *pgTx) UpsertUser(ctx context.Context, u store.User) (store.User, error) {
	role := u.Role
	if role == "" {
		role = store.RolePlayer
	}
	created := u.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	var (
		out     store.User
		outRole string
	)
	err := t.tx.QueryRow(ctx, `
		INSERT INTO users (id, username, role, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET username = CASE WHEN EXCLUDED.username <> '' THEN EXCLUDED.username ELSE users.username END
		RETURNING id, username, role, created_at`,
		u.ID, u.Username, string(role), created,
	).Scan(&out.ID, &out.Username, &outRole, &out.CreatedAt)
	if err != nil {
		return store.User{}, fmt.Errorf("upsert user: %w", err)
	}
	out.Role = store.Role(outRole)
	return out, nil
}

func (t *pgTx) GetUser(ctx context.Context, id string) (store.User, error) {
	var (
		u    store.User
		role string
	)
	err := t.tx.QueryRow(ctx, `SELECT id, username, role, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Username, &role, &u.CreatedAt)
	if err != nil {
		return store.User{}, notFound(err)
	}
	u.Role = store.Role(role)
	return u, nil
}

func (t *pgTx) SetUserRole(ctx context.Context, id string, role store.Role) error {
	ct, err := t.tx.Exec(ctx, `UPDATE users SET role = $2 WHERE id = $1`, id, string(role))
	if err != nil {
		return fmt.Errorf("set role: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *pgTx) ListUsers(ctx context.Context, role store.Role, limit int) ([]store.User, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, username, role, created_at FROM users
		WHERE ($1 = '' OR role = $1)
		ORDER BY created_at DESC, id
		LIMIT NULLIF($2, 0)`, string(role), limit)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()
	var out []store.User
	for rows.Next() {
		var (
			u     store.User
			roleS string
		)
		if err := rows.Scan(&u.ID, &u.Username, &roleS, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.Role = store.Role(roleS)
		out = append(out, u)
	}
	return out, rows.Err()
}

func (t *pgTx) EnsureWallet(ctx context.Context, userID string) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO wallets (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID)
	return err
}

func (t *pgTx) GetWallet(ctx context.Context, userID string) (store.Wallet, error) {
	var w store.Wallet
	err := t.tx.QueryRow(ctx, `SELECT user_id, balance, pending_balance, updated_at FROM wallets WHERE user_id = $1`, userID).
		Scan(&w.UserID, &w.Balance, &w.PendingBalance, &w.UpdatedAt)
	if err != nil {
		return store.Wallet{}, notFound(err)
	}
	return w, nil
}

func (t *pgTx) AddPending(ctx context.Context, userID string, amount decimal.Decimal) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE wallets SET pending_balance = pending_balance + $2, updated_at = NOW()
		WHERE user_id = $1`, userID, amount)
	if err != nil {
		return fmt.Errorf("add pending: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *pgTx) MovePendingToBalance(ctx context.Context, userID string, amount decimal.Decimal) (bool, error) {
	ct, err := t.tx.Exec(ctx, `
		UPDATE wallets
		SET pending_balance = pending_balance - $2, balance = balance + $2, updated_at = NOW()
		WHERE user_id = $1 AND pending_balance >= $2`, userID, amount)
	if err != nil {
		return false, fmt.Errorf("move pending: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// Rewards.

const rewardColumns = `id, user_id, source, amount, status, details, verification_request_id, created_at, resolved_at`

func scanReward(row rowScanner) (store.PendingReward, error) {
	var (
		r              store.PendingReward
		source, status string
		details        []byte
	)
	if err := row.Scan(&r.ID, &r.UserID, &source, &r.Amount, &status, &details, &r.RequestID, &r.CreatedAt, &r.ResolvedAt); err != nil {
		return store.PendingReward{}, err
	}
	r.Source = store.Source(source)
	r.Status = store.RewardStatus(status)
	if len(details) > 0 {
		r.Details = json.RawMessage(details)
	}
	return r, nil
}

func collectRewards(rows pgx.Rows) ([]store.PendingReward, error) {
	defer rows.Close()
	var out []store.PendingReward
	for rows.Next() {
		r, err := scanReward(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *pgTx) ListWallets(ctx context.Context, limit int) ([]store.Wallet, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT user_id, balance, pending_balance, updated_at FROM wallets
		ORDER BY pending_balance DESC, user_id
		LIMIT NULLIF($1, 0)`, limit)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	defer rows.Close()
	var out []store.Wallet
	for rows.Next() {
		var w store.Wallet
		if err := rows.Scan(&w.UserID, &w.Balance, &w.PendingBalance, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan wallet: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (t *pgTx) Stats(ctx context.Context) (store.Stats, error) {
	st := store.Stats{Requests: map[store.RequestStatus]int{}}
	err := t.tx.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(*) FROM pending_rewards WHERE status = 'pending_verification'),
			(SELECT COALESCE(SUM(pending_balance), 0) FROM wallets),
			(SELECT COALESCE(SUM(balance), 0) FROM wallets),
			(SELECT COUNT(*) FROM settlement_retries WHERE status = 'pending'),
			(SELECT COUNT(*) FROM settlement_retries WHERE status = 'exhausted')`).
		Scan(&st.Users, &st.PendingRewards, &st.PendingBalance, &st.ReleasedBalance, &st.RetriesPending, &st.RetriesExhausted)
	if err != nil {
		return store.Stats{}, fmt.Errorf("stats: %w", err)
	}
	rows, err := t.tx.Query(ctx, `SELECT status, COUNT(*) FROM verification_requests GROUP BY status`)
	if err != nil {
		return store.Stats{}, fmt.Errorf("request counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return store.Stats{}, fmt.Errorf("scan request count: %w", err)
		}
		st.Requests[store.RequestStatus(status)] = n
	}
	return st, rows.Err()
}

func (t *pgTx) InsertReward(ctx context.Context, r store.PendingReward) error {
	ct, err := t.tx.Exec(ctx, `
		INSERT INTO pending_rewards (id, user_id, source, amount, status, details, verification_request_id, created_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		r.ID, r.UserID, string(r.Source), r.Amount, string(r.Status), jsonArg(r.Details), r.RequestID, r.CreatedAt, r.ResolvedAt)
	if err != nil {
		return fmt.Errorf("insert reward: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return store.ErrDuplicateReward
	}
	return nil
}

func (t *pgTx) GetReward(ctx context.Context, id uuid.UUID) (store.PendingReward, error) {
	r, err := scanReward(t.tx.QueryRow(ctx, `SELECT `+rewardColumns+` FROM pending_rewards WHERE id = $1`, id))
	if err != nil {
		return store.PendingReward{}, notFound(err)
	}
	return r, nil
}

func (t *pgTx) ListRewards(ctx context.Context, userID string, status store.RewardStatus, source store.Source) ([]store.PendingReward, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+rewardColumns+` FROM pending_rewards
		WHERE user_id = $1 AND status = $2 AND ($3 = '' OR source = $3)
		ORDER BY created_at, id`, userID, string(status), string(source))
	if err != nil {
		return nil, fmt.Errorf("list rewards: %w", err)
	}
	return collectRewards(rows)
}

func (t *pgTx) ListRewardsByRequest(ctx context.Context, requestID uuid.UUID) ([]store.PendingReward, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+rewardColumns+` FROM pending_rewards
		WHERE verification_request_id = $1
		ORDER BY created_at, id`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list rewards by request: %w", err)
	}
	return collectRewards(rows)
}

func (t *pgTx) LinkRewards(ctx context.Context, requestID uuid.UUID, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	var found, held int
	err := t.tx.QueryRow(ctx, `
		WITH locked AS (
			SELECT verification_request_id FROM pending_rewards WHERE id = ANY($2) FOR UPDATE
		)
		SELECT count(*),
		       count(*) FILTER (WHERE l.verification_request_id IS NOT NULL
		                          AND l.verification_request_id <> $1
		                          AND v.status NOT IN ('rejected', 'expired'))
		FROM locked l
		LEFT JOIN verification_requests v ON v.id = l.verification_request_id`, requestID, ids).Scan(&found, &held)
	if err != nil {
		return fmt.Errorf("check reward links: %w", err)
	}
	if found != len(ids) {
		return store.ErrNotFound
	}
	if held > 0 {
		return store.ErrRewardLinked
	}
	if _, err := t.tx.Exec(ctx, `UPDATE pending_rewards SET verification_request_id = $1 WHERE id = ANY($2)`, requestID, ids); err != nil {
		return fmt.Errorf("link rewards: %w", err)
	}
	return nil
}

func (t *pgTx) ResolveReward(ctx context.Context, id uuid.UUID, status store.RewardStatus, at time.Time) (bool, error) {
	ct, err := t.tx.Exec(ctx, `
		UPDATE pending_rewards SET status = $2, resolved_at = $3
		WHERE id = $1 AND status = 'pending_verification'`, id, string(status), at)
	if err != nil {
		return false, fmt.Errorf("resolve reward: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// Verification requests.

const requestColumns = `id, user_id, method, scope, status, nonce, message, signature,
	claimed_address, claimed_network, evidence, amount, risk_score, risk_level, expires_at,
	rejection_reason, reviewed_by, admin_override, override_reason, client_ip,
	created_at, updated_at, resolved_at`

func scanRequest(row rowScanner) (store.VerificationRequest, error) {
	var (
		r                            store.VerificationRequest
		method, scope, status, level string
		evidence                     []byte
	)
	err := row.Scan(&r.ID, &r.UserID, &method, &scope, &status, &r.Nonce, &r.Message, &r.Signature,
		&r.ClaimedAddress, &r.ClaimedNetwork, &evidence, &r.Amount, &r.RiskScore, &level, &r.ExpiresAt,
		&r.RejectionReason, &r.ReviewedBy, &r.AdminOverride, &r.OverrideReason, &r.ClientIP,
		&r.CreatedAt, &r.UpdatedAt, &r.ResolvedAt)
	if err != nil {
		return store.VerificationRequest{}, err
	}
	r.Method = store.Method(method)
	r.Scope = store.Source(scope)
	r.Status = store.RequestStatus(status)
	r.RiskLevel = store.RiskLevel(level)
	if len(evidence) > 0 {
		r.Evidence = json.RawMessage(evidence)
	}
	return r, nil
}

func collectRequests(rows pgx.Rows) ([]store.VerificationRequest, error) {
	defer rows.Close()
	var out []store.VerificationRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertRequest(ctx context.Context, r store.VerificationRequest) error {
	level := r.RiskLevel
	if level == "" {
		level = store.RiskLow
	}
	ct, err := t.tx.Exec(ctx, `
		INSERT INTO verification_requests (`+requestColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
		ON CONFLICT (user_id, scope) WHERE status IN ('pending','processing','verifying') DO NOTHING`,
		r.ID, r.UserID, string(r.Method), string(r.Scope), string(r.Status), r.Nonce, r.Message, r.Signature,
		r.ClaimedAddress, r.ClaimedNetwork, jsonArg(r.Evidence), r.Amount, r.RiskScore, string(level), r.ExpiresAt,
		r.RejectionReason, r.ReviewedBy, r.AdminOverride, r.OverrideReason, r.ClientIP,
		r.CreatedAt, r.UpdatedAt, r.ResolvedAt)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return store.ErrDuplicateOpenRequest
	}
	return nil
}

func (t *pgTx) GetRequest(ctx context.Context, id uuid.UUID) (store.VerificationRequest, error) {
	r, err := scanRequest(t.tx.QueryRow(ctx, `SELECT `+requestColumns+` FROM verification_requests WHERE id = $1`, id))
	if err != nil {
		return store.VerificationRequest{}, notFound(err)
	}
	return r, nil
}

func (t *pgTx) LockRequest(ctx context.Context, id uuid.UUID) (store.VerificationRequest, error) {
	r, err := scanRequest(t.tx.QueryRow(ctx, `SELECT `+requestColumns+` FROM verification_requests WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return store.VerificationRequest{}, notFound(err)
	}
	return r, nil
}

func (t *pgTx) FindOpenRequest(ctx context.Context, userID string, scope store.Source) (store.VerificationRequest, error) {
	r, err := scanRequest(t.tx.QueryRow(ctx, `
		SELECT `+requestColumns+` FROM verification_requests
		WHERE user_id = $1 AND scope = $2 AND status = ANY($3)
		ORDER BY created_at DESC LIMIT 1`, userID, string(scope), openStatuses))
	if err != nil {
		return store.VerificationRequest{}, notFound(err)
	}
	return r, nil
}

func (t *pgTx) LatestOpenRequest(ctx context.Context, userID string, method store.Method) (store.VerificationRequest, error) {
	r, err := scanRequest(t.tx.QueryRow(ctx, `
		SELECT `+requestColumns+` FROM verification_requests
		WHERE user_id = $1 AND method = $2 AND status = ANY($3)
		ORDER BY created_at DESC LIMIT 1`, userID, string(method), openStatuses))
	if err != nil {
		return store.VerificationRequest{}, notFound(err)
	}
	return r, nil
}

func (t *pgTx) TransitionRequest(ctx context.Context, id uuid.UUID, from []store.RequestStatus, to store.RequestStatus, at time.Time) (bool, error) {
	if err := store.CheckTransitions(from, to); err != nil {
		return false, err
	}
	ct, err := t.tx.Exec(ctx, `
		UPDATE verification_requests
		SET status = $3, updated_at = $4,
		    resolved_at = CASE WHEN $5 THEN $4 ELSE resolved_at END
		WHERE id = $1 AND status = ANY($2)`,
		id, statusArgs(from), string(to), at, to.Terminal())
	if err != nil {
		return false, fmt.Errorf("transition request: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

func (t *pgTx) SaveRequest(ctx context.Context, r store.VerificationRequest) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE verification_requests SET
			method = $2, scope = $3, nonce = $4, message = $5, signature = $6,
			claimed_address = $7, claimed_network = $8, evidence = $9, amount = $10,
			risk_score = $11, risk_level = $12, expires_at = $13, rejection_reason = $14,
			reviewed_by = $15, admin_override = $16, override_reason = $17, client_ip = $18,
			updated_at = $19
		WHERE id = $1`,
		r.ID, string(r.Method), string(r.Scope), r.Nonce, r.Message, r.Signature,
		r.ClaimedAddress, r.ClaimedNetwork, jsonArg(r.Evidence), r.Amount,
		r.RiskScore, string(r.RiskLevel), r.ExpiresAt, r.RejectionReason,
		r.ReviewedBy, r.AdminOverride, r.OverrideReason, r.ClientIP, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save request: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *pgTx) ListOverdueRequests(ctx context.Context, now time.Time, limit int) ([]store.VerificationRequest, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := t.tx.Query(ctx, `
		SELECT `+requestColumns+` FROM verification_requests
		WHERE status = ANY($1) AND expires_at < $2
		ORDER BY expires_at LIMIT $3`, openStatuses, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list overdue: %w", err)
	}
	return collectRequests(rows)
}

func (t *pgTx) ListRequests(ctx context.Context, f store.RequestFilter) ([]store.VerificationRequest, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at < $%d", f.To)
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.Method != "" {
		add("method = $%d", string(f.Method))
	}
	if f.RiskLevel != "" {
		add("risk_level = $%d", string(f.RiskLevel))
	}
	if f.Scope != "" {
		add("scope = $%d", string(f.Scope))
	}
	if len(f.Statuses) > 0 {
		add("status = ANY($%d)", statusArgs(f.Statuses))
	}

	q := `SELECT ` + requestColumns + ` FROM verification_requests`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	rows, err := t.tx.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	return collectRequests(rows)
}

// Audit chain.

const auditColumns = `id, request_id, seq, user_id, action, detail, actor_ip, prev_hash, hash, created_at`

func scanAudit(row rowScanner) (store.AuditEntry, error) {
	var (
		e      store.AuditEntry
		detail []byte
	)
	if err := row.Scan(&e.ID, &e.RequestID, &e.Seq, &e.UserID, &e.Action, &detail, &e.ActorIP, &e.PrevHash, &e.Hash, &e.CreatedAt); err != nil {
		return store.AuditEntry{}, err
	}
	if len(detail) > 0 {
		e.Detail = json.RawMessage(detail)
	}
	return e, nil
}

func collectAudit(rows pgx.Rows) ([]store.AuditEntry, error) {
	defer rows.Close()
	var out []store.AuditEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LastAuditEntry takes a transaction-scoped advisory lock on the request so
// concurrent appends line up behind each other.
func (t *pgTx) LastAuditEntry(ctx context.Context, requestID uuid.UUID) (store.AuditEntry, bool, error) {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, requestID.String()); err != nil {
		return store.AuditEntry{}, false, fmt.Errorf("lock audit chain: %w", err)
	}
	e, err := scanAudit(t.tx.QueryRow(ctx, `
		SELECT `+auditColumns+` FROM verification_audit
		WHERE request_id = $1 ORDER BY seq DESC LIMIT 1`, requestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.AuditEntry{}, false, nil
	}
	if err != nil {
		return store.AuditEntry{}, false, err
	}
	return e, true, nil
}

func (t *pgTx) InsertAuditEntry(ctx context.Context, e store.AuditEntry) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO verification_audit (`+auditColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		e.ID, e.RequestID, e.Seq, e.UserID, e.Action, jsonArg(e.Detail), e.ActorIP, e.PrevHash, e.Hash, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (t *pgTx) ListAuditEntries(ctx context.Context, requestID uuid.UUID) ([]store.AuditEntry, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+auditColumns+` FROM verification_audit WHERE request_id = $1 ORDER BY seq`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	return collectAudit(rows)
}

func (t *pgTx) ListAuditEntriesByUser(ctx context.Context, userID string) ([]store.AuditEntry, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+auditColumns+` FROM verification_audit WHERE user_id = $1 ORDER BY created_at, seq`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user audit: %w", err)
	}
	return collectAudit(rows)
}

// Settlement executions, retries and admin payments.

const executionColumns = `id, request_id, domain, action, amount, fee, status, payload, error, created_at`

func (t *pgTx) InsertExecution(ctx context.Context, e store.Execution) error {
	ct, err := t.tx.Exec(ctx, `
		INSERT INTO settlement_executions (`+executionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (request_id) WHERE status = 'completed' DO NOTHING`,
		e.ID, e.RequestID, string(e.Domain), e.Action, e.Amount, e.Fee, string(e.Status), jsonArg(e.Payload), e.Error, e.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateCompleted
		}
		return fmt.Errorf("insert execution: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return store.ErrDuplicateCompleted
	}
	return nil
}

func (t *pgTx) HasCompletedExecution(ctx context.Context, requestID uuid.UUID) (bool, error) {
	var ok bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM settlement_executions WHERE request_id = $1 AND status = 'completed')`,
		requestID).Scan(&ok)
	return ok, err
}

func (t *pgTx) ListExecutions(ctx context.Context, requestID uuid.UUID) ([]store.Execution, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+executionColumns+` FROM settlement_executions WHERE request_id = $1 ORDER BY created_at`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()
	var out []store.Execution
	for rows.Next() {
		var (
			e              store.Execution
			domain, status string
			payload        []byte
		)
		if err := rows.Scan(&e.ID, &e.RequestID, &domain, &e.Action, &e.Amount, &e.Fee, &status, &payload, &e.Error, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Domain = store.Source(domain)
		e.Status = store.ExecutionStatus(status)
		if len(payload) > 0 {
			e.Payload = json.RawMessage(payload)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const retryColumns = `request_id, attempts, next_attempt_at, last_error, status, created_at, updated_at`

func collectRetries(rows pgx.Rows) ([]store.Retry, error) {
	defer rows.Close()
	var out []store.Retry
	for rows.Next() {
		r, err := scanRetry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRetry(row rowScanner) (store.Retry, error) {
	var (
		r      store.Retry
		status string
	)
	if err := row.Scan(&r.RequestID, &r.Attempts, &r.NextAttemptAt, &r.LastError, &status, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return store.Retry{}, err
	}
	r.Status = store.RetryStatus(status)
	return r, nil
}

func (t *pgTx) UpsertRetry(ctx context.Context, r store.Retry) error {
	created := r.CreatedAt
	if created.IsZero() {
		created = r.UpdatedAt
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO settlement_retries (`+retryColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (request_id) DO UPDATE SET
			attempts = EXCLUDED.attempts,
			next_attempt_at = EXCLUDED.next_attempt_at,
			last_error = EXCLUDED.last_error,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		r.RequestID, r.Attempts, r.NextAttemptAt, r.LastError, string(r.Status), created, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert retry: %w", err)
	}
	return nil
}

func (t *pgTx) GetRetry(ctx context.Context, requestID uuid.UUID) (store.Retry, error) {
	r, err := scanRetry(t.tx.QueryRow(ctx, `SELECT `+retryColumns+` FROM settlement_retries WHERE request_id = $1 FOR UPDATE`, requestID))
	if err != nil {
		return store.Retry{}, notFound(err)
	}
	return r, nil
}

func (t *pgTx) DeleteRetry(ctx context.Context, requestID uuid.UUID) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM settlement_retries WHERE request_id = $1`, requestID)
	return err
}

// DueRetries skips rows another worker is already holding.
func (t *pgTx) DueRetries(ctx context.Context, now time.Time, limit int) ([]store.Retry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := t.tx.Query(ctx, `
		SELECT `+retryColumns+` FROM settlement_retries
		WHERE status = 'pending' AND next_attempt_at <= $1
		ORDER BY next_attempt_at LIMIT $2
		FOR UPDATE SKIP LOCKED`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("due retries: %w", err)
	}
	return collectRetries(rows)
}

func (t *pgTx) ListRetries(ctx context.Context, status store.RetryStatus) ([]store.Retry, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+retryColumns+` FROM settlement_retries
		WHERE ($1 = '' OR status = $1) ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list retries: %w", err)
	}
	return collectRetries(rows)
}

func (t *pgTx) InsertAdminPayment(ctx context.Context, p store.AdminPayment) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO admin_payments (reference, request_id, network, amount, metadata, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (reference) DO NOTHING`,
		p.Reference, p.RequestID, p.Network, p.Amount, jsonArg(p.Metadata), p.Status, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert admin payment: %w", err)
	}
	return nil
}

func (t *pgTx) ListAdminPayments(ctx context.Context, requestID uuid.UUID) ([]store.AdminPayment, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT reference, request_id, network, amount, metadata, status, created_at
		FROM admin_payments WHERE request_id = $1 ORDER BY created_at`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list admin payments: %w", err)
	}
	defer rows.Close()
	var out []store.AdminPayment
	for rows.Next() {
		var (
			p    store.AdminPayment
			meta []byte
		)
		if err := rows.Scan(&p.Reference, &p.RequestID, &p.Network, &p.Amount, &meta, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			p.Metadata = json.RawMessage(meta)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

var _ store.Tx = (*pgTx)(nil)
var _ store.Store = (*Postgres)(nil)
