package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/sudo-init-do/rewardgate/internal/admin"
	"github.com/sudo-init-do/rewardgate/internal/app"
	"github.com/sudo-init-do/rewardgate/internal/auth"
	"github.com/sudo-init-do/rewardgate/internal/config"
	"github.com/sudo-init-do/rewardgate/internal/logging"
	"github.com/sudo-init-do/rewardgate/internal/messaging"
	mware "github.com/sudo-init-do/rewardgate/internal/middleware"
	"github.com/sudo-init-do/rewardgate/internal/rewards"
	"github.com/sudo-init-do/rewardgate/internal/risk"
	"github.com/sudo-init-do/rewardgate/internal/settlement"
	"github.com/sudo-init-do/rewardgate/internal/store"
	"github.com/sudo-init-do/rewardgate/internal/verification"
	"github.com/sudo-init-do/rewardgate/internal/wallet"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Logging)
	if cfg.Auth.JWTSecret == "" {
		log.Error("JWT_SECRET must be set")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	hub := messaging.NewHub(log)
	a.Verification.WithNotifier(hub)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelInfo
			if v.Error != nil || v.Status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("remote_ip", v.RemoteIP),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			log.LogAttrs(c.Request().Context(), level, "request", attrs...)
			return nil
		},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
	})
	e.GET("/ready", func(c echo.Context) error {
		if err := a.Store.Ping(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "not_ready", "error": "db unreachable"})
		}
		return c.JSON(http.StatusOK, echo.Map{"status": "ready"})
	})

	authH := auth.NewHandler(a.Store, cfg.Auth, cfg.Telegram.BotToken, log)
	walletH := wallet.NewHandler(a.Store, a.Ledger, log)
	rewardsH := rewards.NewHandler(a.Rewards, log)
	verifyH := verification.NewHandler(a.Verification, log)
	riskH := risk.NewHandler(a.Reporter, log)
	settleH := settlement.NewHandler(a.Router, log)
	adminH := admin.NewHandler(a.Store, log)

	jwt := mware.JWT([]byte(cfg.Auth.JWTSecret))

	// Public auth routes with per-IP rate limiting
	authGroup := e.Group("/auth")
	authGroup.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(cfg.HTTP.AuthRateLimit))))
	authGroup.POST("/telegram", authH.Telegram)
	authGroup.POST("/bootstrap-admin", authH.BootstrapAdmin)

	// Player routes
	api := e.Group("")
	api.Use(jwt)
	api.GET("/auth/me", authH.Me)
	api.GET("/wallet/balance", walletH.Balance)
	api.GET("/wallet/history", walletH.History)
	api.GET("/rewards/pending", rewardsH.ListPending)
	api.GET("/verification/ws", hub.VerificationWS)

	submitLimit := mware.RateLimit(submitLimiter(ctx.Done(), a, cfg.Verification), mware.ByUser, log)
	api.POST("/verification/requests", verifyH.CreateRequest, submitLimit)
	api.POST("/verification/signature", verifyH.SubmitSignature, submitLimit)
	api.POST("/verification/assisted", verifyH.SubmitAssisted, submitLimit)
	api.GET("/verification/requests/:id", verifyH.Status)
	api.GET("/verification/requests/:id/report", riskH.Report)

	// Operator routes
	ops := e.Group("/admin")
	ops.Use(jwt)
	ops.Use(mware.RequireRoles(store.RoleReviewer, store.RoleAdmin))
	ops.GET("/stats", adminH.Stats)
	ops.GET("/wallets", adminH.ListWallets)
	ops.GET("/users", adminH.ListUsers, mware.AdminGuard)
	ops.POST("/users/:id/role", adminH.SetRole, mware.AdminGuard)
	ops.GET("/verification/pending", verifyH.ListPendingReview)
	ops.GET("/verification/export", riskH.Export)
	ops.POST("/verification/:id/approve", verifyH.Approve)
	ops.POST("/verification/:id/reject", verifyH.Reject)
	ops.GET("/verification/:id/evidence/:index", verifyH.Evidence)
	ops.GET("/verification/:id/report", riskH.Report)
	ops.GET("/verification/:id/audit/verify", riskH.VerifyChain)
	ops.GET("/settlement/retries", settleH.ListRetries)
	ops.POST("/settlement/retries/:id/requeue", settleH.Requeue, mware.AdminGuard)
	ops.POST("/rewards", rewardsH.AdminCredit, mware.AdminGuard)

	go func() {
		log.Info("api server listening", "port", cfg.HTTP.Port)
		if err := e.Start(":" + cfg.HTTP.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
	log.Info("api server stopped")
}

// submitLimiter shares the verification quota across replicas through Redis
// and falls back to a per-process window when Redis is down at startup.
func submitLimiter(done <-chan struct{}, a *app.App, cfg config.VerificationConfig) mware.Limiter {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Redis.Ping(ctx).Err(); err != nil {
		a.Log.Warn("verification rate limit is per process", "error", err)
		l := mware.NewMemoryLimiter(cfg.SubmitWindow, cfg.SubmitLimit)
		go func() {
			ticker := time.NewTicker(cfg.SubmitWindow)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					l.Sweep()
				}
			}
		}()
		return l
	}
	return mware.NewRedisLimiter(a.Redis, "rl:verification:", cfg.SubmitWindow, cfg.SubmitLimit)
}
