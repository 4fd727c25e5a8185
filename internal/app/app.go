package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/sudo-init-do/rewardgate/internal/alerts"
	"github.com/sudo-init-do/rewardgate/internal/config"
	"github.com/sudo-init-do/rewardgate/internal/db"
	"github.com/sudo-init-do/rewardgate/internal/events"
	"github.com/sudo-init-do/rewardgate/internal/evidence"
	"github.com/sudo-init-do/rewardgate/internal/payouts"
	"github.com/sudo-init-do/rewardgate/internal/rewards"
	"github.com/sudo-init-do/rewardgate/internal/risk"
	"github.com/sudo-init-do/rewardgate/internal/settlement"
	"github.com/sudo-init-do/rewardgate/internal/store"
	"github.com/sudo-init-do/rewardgate/internal/verification"
	"github.com/sudo-init-do/rewardgate/internal/wallet"
)

// App holds the services shared by the server and the worker.
type App struct {
	Config config.Config
	Log    *slog.Logger

	Store    store.Store
	Redis    *redis.Client
	Asynq    *asynq.Client
	NATS     *events.Client
	Events   events.Publisher
	Evidence evidence.Store

	Ledger       *wallet.Ledger
	Rewards      *rewards.Service
	Router       *settlement.Router
	Verification *verification.Service
	Reporter     *risk.Reporter

	closers []func()
}

// RedisOpt is the asynq connection for cfg.
func RedisOpt(cfg config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
}

// New connects every backing service and builds the domain services on top.
// Close must be called when New succeeds.
func New(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}

	st, err := openStore(ctx, cfg.Database, log)
	if err != nil {
		return nil, err
	}
	a.Store = st
	a.closers = append(a.closers, st.Close)

	a.Redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	a.closers = append(a.closers, func() { _ = a.Redis.Close() })
	if err := a.Redis.Ping(ctx).Err(); err != nil {
		log.Warn("redis not reachable, tasks will fail until it is", "addr", cfg.Redis.Addr, "error", err)
	}

	a.Asynq = asynq.NewClient(RedisOpt(cfg.Redis))
	a.closers = append(a.closers, func() { _ = a.Asynq.Close() })

	a.Events = events.Nop{}
	nc, err := events.NewClient(events.Config{
		URL:           cfg.NATS.URL,
		Name:          cfg.NATS.Name,
		ReconnectWait: cfg.NATS.ReconnectWait,
		MaxReconnects: cfg.NATS.MaxReconnects,
		Prefix:        cfg.NATS.EventsPrefix,
	}, log)
	if err != nil {
		log.Warn("nats unavailable, domain events disabled", "url", cfg.NATS.URL, "error", err)
	} else {
		a.NATS = nc
		a.Events = nc
		a.closers = append(a.closers, func() { _ = nc.Close() })
	}

	if cfg.MinIO.AccessKey == "" {
		log.Warn("MINIO_ACCESS_KEY not set, evidence kept in memory")
		a.Evidence = evidence.NewMemory()
	} else {
		ev, err := evidence.NewMinIO(ctx, cfg.MinIO)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Evidence = ev
	}

	sink := alerts.NewEnqueuer(a.Asynq)
	thresholds := risk.Thresholds{MediumAmount: cfg.Risk.MediumAmount, HighAmount: cfg.Risk.HighAmount}

	a.Ledger = wallet.NewLedger(log)
	a.Rewards = rewards.NewService(a.Store, a.Ledger, sink, log)
	a.Router = settlement.NewRouter(a.Store, a.Ledger, payouts.NewAsynqScheduler(a.Asynq), sink, a.Events, settlement.Config{
		Fee: settlement.FeePolicy{
			Percentage: cfg.Settlement.FeePercentage,
			Min:        cfg.Settlement.MinFee,
			Max:        cfg.Settlement.MaxFee,
		},
		MaxAttempts: cfg.Settlement.MaxAttempts,
		BaseBackoff: cfg.Settlement.BaseBackoff,
		MaxBackoff:  cfg.Settlement.MaxBackoff,
	}, log)
	a.Verification = verification.NewService(a.Store, a.Router, a.Evidence, sink, a.Events, verification.Config{
		SignatureTTL: cfg.Verification.SignatureTTL,
		AssistedTTL:  cfg.Verification.AssistedTTL,
		MaxUpload:    cfg.MinIO.MaxUpload,
		Thresholds:   thresholds,
	}, log)
	a.Reporter = risk.NewReporter(a.Store, thresholds)
	return a, nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, log *slog.Logger) (store.Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "memory":
		log.Warn("using in-memory store, state is lost on exit")
		return store.NewMemory(), nil
	case "", "postgres":
		return db.Open(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown DB_DRIVER %q", cfg.Driver)
	}
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
