package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sudo-init-do/rewardgate/internal/config"
	"github.com/sudo-init-do/rewardgate/internal/store"
)

// Postgres is the production store.Store.
type Postgres struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// Open connects to Postgres, retrying a bounded number of times, and ensures
// the schema exists.
func Open(ctx context.Context, cfg config.DatabaseConfig, log *slog.Logger) (*Postgres, error) {
	attempts := cfg.ConnectRetries
	if attempts < 1 {
		attempts = 1
	}
	var (
		pool *pgxpool.Pool
		err  error
	)
	for i := 1; i <= attempts; i++ {
		pool, err = connect(ctx, cfg.DSN())
		if err == nil {
			break
		}
		log.WarnContext(ctx, "postgres not reachable", "attempt", i, "of", attempts, "error", err)
		if i == attempts {
			return nil, fmt.Errorf("connect postgres after %d attempts: %w", attempts, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.RetryDelay):
		}
	}
	log.InfoContext(ctx, "connected to postgres")

	p := &Postgres{pool: pool, log: log}
	if err := p.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// WithTx runs fn in a read-committed transaction. Row locks taken inside fn
// are held until it returns.
func (p *Postgres) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		// no-op after commit
		_ = tx.Rollback(context.Background())
	}()
	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() {
	p.pool.Close()
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}
