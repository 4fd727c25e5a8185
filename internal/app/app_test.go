package app

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudo-init-do/rewardgate/internal/config"
	"github.com/sudo-init-do/rewardgate/internal/events"
	"github.com/sudo-init-do/rewardgate/internal/evidence"
	"github.com/sudo-init-do/rewardgate/internal/logging"
	"github.com/sudo-init-do/rewardgate/internal/store"
)

func offlineConfig() config.Config {
	return config.Config{
		Database: config.DatabaseConfig{Driver: "memory"},
		Redis:    config.RedisConfig{Addr: "127.0.0.1:1"},
		NATS:     config.NATSConfig{URL: "nats://127.0.0.1:1", ReconnectWait: 10 * time.Millisecond},
		Settlement: config.SettlementConfig{
			FeePercentage: decimal.RequireFromString("0.01"),
			MaxFee:        decimal.NewFromInt(50),
			MaxAttempts:   3,
			BaseBackoff:   time.Second,
			MaxBackoff:    time.Minute,
		},
		Risk: config.RiskConfig{MediumAmount: decimal.NewFromInt(500), HighAmount: decimal.NewFromInt(5000)},
	}
}

func TestNewDegradesWithoutBrokers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, err := New(ctx, offlineConfig(), logging.Discard())
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &store.Memory{}, a.Store)
	assert.IsType(t, events.Nop{}, a.Events)
	assert.Nil(t, a.NATS)
	assert.IsType(t, &evidence.Memory{}, a.Evidence)
	require.NotNil(t, a.Verification)
	require.NotNil(t, a.Router)
	require.NotNil(t, a.Reporter)
	assert.NoError(t, a.Store.Ping(ctx))
}

func TestUnknownDriver(t *testing.T) {
	cfg := offlineConfig()
	cfg.Database.Driver = "sqlite"
	_, err := New(context.Background(), cfg, logging.Discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown DB_DRIVER")
}
