package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_DRIVER", "memory")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTP.Port)
	assert.Equal(t, 24*time.Hour, cfg.Verification.SignatureTTL)
	assert.True(t, cfg.Settlement.FeePercentage.Equal(decimal.RequireFromString("0.01")))
	assert.True(t, cfg.Settlement.MaxFee.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, 5, cfg.Settlement.MaxAttempts)
	assert.Equal(t, "rewards.pending", cfg.NATS.RewardsSubject)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DB_DRIVER", "memory")
	t.Setenv("SIGNATURE_TTL", "2h")
	t.Setenv("COMPLIANCE_FEE_PERCENTAGE", "0.025")
	t.Setenv("COMPLIANCE_FEE_MIN", "0.5")
	t.Setenv("COMPLIANCE_FEE_MAX", "10")
	t.Setenv("SETTLEMENT_MAX_ATTEMPTS", "3")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 2*time.Hour, cfg.Verification.SignatureTTL)
	assert.Equal(t, "0.025", cfg.Settlement.FeePercentage.String())
	assert.Equal(t, "0.5", cfg.Settlement.MinFee.String())
	assert.Equal(t, 3, cfg.Settlement.MaxAttempts)
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string][2]string{
		"bad duration":  {"SIGNATURE_TTL", "tomorrow"},
		"bad decimal":   {"COMPLIANCE_FEE_MAX", "ten"},
		"fee above one": {"COMPLIANCE_FEE_PERCENTAGE", "1.5"},
		"bad driver":    {"DB_DRIVER", "sqlite"},
		"zero attempts": {"SETTLEMENT_MAX_ATTEMPTS", "0"},
		"zero sweep":    {"EXPIRY_SWEEP_INTERVAL", "0s"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("DB_DRIVER", "memory")
			t.Setenv(kv[0], kv[1])

			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestDSN(t *testing.T) {
	d := DatabaseConfig{User: "u", Password: "p", Host: "db", Port: "5432", Name: "gate"}
	assert.Equal(t, "postgres://u:p@db:5432/gate", d.DSN())

	d.URL = "postgres://override"
	assert.Equal(t, "postgres://override", d.DSN())
}
