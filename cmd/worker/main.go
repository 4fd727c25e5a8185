package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/sudo-init-do/rewardgate/internal/alerts"
	"github.com/sudo-init-do/rewardgate/internal/app"
	"github.com/sudo-init-do/rewardgate/internal/config"
	"github.com/sudo-init-do/rewardgate/internal/logging"
	"github.com/sudo-init-do/rewardgate/internal/payouts"
	"github.com/sudo-init-do/rewardgate/internal/rewards"
)

const expiryBatch = 200

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	if a.NATS == nil {
		log.Error("reward intake needs NATS", "url", cfg.NATS.URL)
		os.Exit(1)
	}
	intake := rewards.NewIntake(a.Rewards, log)
	if err := intake.Start(a.NATS, cfg.NATS.RewardsSubject, cfg.NATS.QueueGroup); err != nil {
		log.Error("reward intake failed", "error", err)
		os.Exit(1)
	}

	mailer := alerts.NewMailer(cfg.SMTP)
	if !mailer.Configured() {
		log.Warn("SMTP not configured, operator alerts will only be logged")
	}
	if cfg.Telegram.BotToken == "" {
		log.Warn("TELEGRAM_BOT_TOKEN not set, player notifications will fail")
	}

	srv := asynq.NewServer(app.RedisOpt(cfg.Redis), asynq.Config{
		Concurrency: 10,
		Queues: map[string]int{
			alerts.QueueAlerts:        6,
			payouts.QueuePayouts:      4,
			alerts.QueueNotifications: 3,
		},
		Logger: asynqLogger{log},
	})
	mux := asynq.NewServeMux()
	alerts.NewProcessor(alerts.NewTelegramSender(cfg.Telegram.BotToken, cfg.Telegram.APIURL), mailer, cfg.SMTP.OperatorTo, log).Register(mux)
	payouts.NewWorker(a.Store, log).Register(mux)

	if err := srv.Start(mux); err != nil {
		log.Error("asynq server failed", "error", err)
		os.Exit(1)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.Verification.RunExpirySweep(ctx, cfg.Verification.SweepInterval, expiryBatch)
	}()
	go func() {
		defer wg.Done()
		a.Router.RunRetryLoop(ctx, cfg.Settlement.RetryInterval, cfg.Settlement.RetryBatch)
	}()
	log.Info("worker started",
		"rewards_subject", cfg.NATS.RewardsSubject,
		"sweep_interval", cfg.Verification.SweepInterval,
		"retry_interval", cfg.Settlement.RetryInterval)

	<-ctx.Done()
	log.Info("worker shutting down")
	srv.Shutdown()
	wg.Wait()
}

// asynqLogger routes asynq's internal logging through slog.
type asynqLogger struct{ log *slog.Logger }

func (l asynqLogger) Debug(args ...interface{}) { l.log.Debug(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...interface{})  { l.log.Info(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...interface{})  { l.log.Warn(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...interface{}) { l.log.Error(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...interface{}) {
	l.log.Error(fmt.Sprint(args...), "severity", "critical")
	os.Exit(1)
}
