package db

import (
	"context"
	"fmt"
)

// schema is applied on every start; each statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id         TEXT PRIMARY KEY,
		username   TEXT NOT NULL DEFAULT '',
		role       TEXT NOT NULL DEFAULT 'player' CHECK (role IN ('player','reviewer','admin')),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS wallets (
		user_id         TEXT PRIMARY KEY,
		balance         NUMERIC(38,18) NOT NULL DEFAULT 0 CHECK (balance >= 0),
		pending_balance NUMERIC(38,18) NOT NULL DEFAULT 0 CHECK (pending_balance >= 0),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS verification_requests (
		id               UUID PRIMARY KEY,
		user_id          TEXT NOT NULL,
		method           TEXT NOT NULL CHECK (method IN ('signature','assisted')),
		scope            TEXT NOT NULL,
		status           TEXT NOT NULL CHECK (status IN ('pending','processing','verifying','approved','rejected','expired')),
		nonce            TEXT NOT NULL DEFAULT '',
		message          TEXT NOT NULL DEFAULT '',
		signature        TEXT NOT NULL DEFAULT '',
		claimed_address  TEXT NOT NULL DEFAULT '',
		claimed_network  TEXT NOT NULL DEFAULT '',
		evidence         JSONB,
		amount           NUMERIC(38,18) NOT NULL DEFAULT 0,
		risk_score       INTEGER NOT NULL DEFAULT 0,
		risk_level       TEXT NOT NULL DEFAULT 'low',
		expires_at       TIMESTAMPTZ NOT NULL,
		rejection_reason TEXT NOT NULL DEFAULT '',
		reviewed_by      TEXT NOT NULL DEFAULT '',
		admin_override   BOOLEAN NOT NULL DEFAULT FALSE,
		override_reason  TEXT NOT NULL DEFAULT '',
		client_ip        TEXT NOT NULL DEFAULT '',
		created_at       TIMESTAMPTZ NOT NULL,
		updated_at       TIMESTAMPTZ NOT NULL,
		resolved_at      TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_requests_open_scope
		ON verification_requests(user_id, scope)
		WHERE status IN ('pending','processing','verifying')`,
	`CREATE INDEX IF NOT EXISTS idx_requests_user_created ON verification_requests(user_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_requests_open_expiry ON verification_requests(expires_at)
		WHERE status IN ('pending','processing','verifying')`,
	`CREATE TABLE IF NOT EXISTS pending_rewards (
		id                      UUID PRIMARY KEY,
		user_id                 TEXT NOT NULL,
		source                  TEXT NOT NULL,
		amount                  NUMERIC(38,18) NOT NULL CHECK (amount > 0),
		status                  TEXT NOT NULL CHECK (status IN ('pending_verification','claimed','released')),
		details                 JSONB,
		verification_request_id UUID REFERENCES verification_requests(id),
		created_at              TIMESTAMPTZ NOT NULL,
		resolved_at             TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rewards_user_status ON pending_rewards(user_id, status, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_rewards_request ON pending_rewards(verification_request_id)`,
	`CREATE TABLE IF NOT EXISTS verification_audit (
		id         UUID PRIMARY KEY,
		request_id UUID NOT NULL,
		seq        BIGINT NOT NULL,
		user_id    TEXT NOT NULL,
		action     TEXT NOT NULL,
		detail     JSONB,
		actor_ip   TEXT NOT NULL DEFAULT '',
		prev_hash  TEXT NOT NULL DEFAULT '',
		hash       TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (request_id, seq)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_user ON verification_audit(user_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS settlement_executions (
		id         UUID PRIMARY KEY,
		request_id UUID NOT NULL REFERENCES verification_requests(id),
		domain     TEXT NOT NULL,
		action     TEXT NOT NULL,
		amount     NUMERIC(38,18) NOT NULL,
		fee        NUMERIC(38,18) NOT NULL DEFAULT 0,
		status     TEXT NOT NULL CHECK (status IN ('completed','failed')),
		payload    JSONB,
		error      TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_executions_completed
		ON settlement_executions(request_id) WHERE status = 'completed'`,
	`CREATE TABLE IF NOT EXISTS settlement_retries (
		request_id      UUID PRIMARY KEY REFERENCES verification_requests(id),
		attempts        INTEGER NOT NULL DEFAULT 0,
		next_attempt_at TIMESTAMPTZ NOT NULL,
		last_error      TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL CHECK (status IN ('pending','exhausted')),
		created_at      TIMESTAMPTZ NOT NULL,
		updated_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_retries_due ON settlement_retries(next_attempt_at) WHERE status = 'pending'`,
	`CREATE TABLE IF NOT EXISTS admin_payments (
		reference  TEXT PRIMARY KEY,
		request_id UUID NOT NULL REFERENCES verification_requests(id),
		network    TEXT NOT NULL,
		amount     NUMERIC(38,18) NOT NULL,
		metadata   JSONB,
		status     TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
}

// ensureSchema creates tables and indexes if missing.
func (p *Postgres) ensureSchema(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i+1, err)
		}
	}
	p.log.InfoContext(ctx, "schema ensured", "statements", len(schema))
	return nil
}
