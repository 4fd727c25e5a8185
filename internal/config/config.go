package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config aggregates application configuration values.
type Config struct {
	HTTP         HTTPConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	NATS         NATSConfig
	MinIO        MinIOConfig
	Auth         AuthConfig
	Verification VerificationConfig
	Settlement   SettlementConfig
	Risk         RiskConfig
	Telegram     TelegramConfig
	SMTP         SMTPConfig
	Logging      LoggingConfig
}

type HTTPConfig struct {
	Port            string
	ShutdownTimeout time.Duration
	AuthRateLimit   float64
}

// DatabaseConfig selects the store. Driver "memory" keeps everything in process.
type DatabaseConfig struct {
	Driver         string
	User           string
	Password       string
	Host           string
	Port           string
	Name           string
	URL            string
	ConnectRetries int
	RetryDelay     time.Duration
}

// DSN prefers DATABASE_URL and falls back to the DB_* parts.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", d.User, d.Password, d.Host, d.Port, d.Name)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type NATSConfig struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	RewardsSubject string
	QueueGroup     string
	EventsPrefix   string
}

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	MaxUpload int64
}

type AuthConfig struct {
	JWTSecret       string
	TokenTTL        time.Duration
	BootstrapSecret string
}

type VerificationConfig struct {
	SignatureTTL  time.Duration
	AssistedTTL   time.Duration
	SweepInterval time.Duration
	SubmitLimit   int
	SubmitWindow  time.Duration
}

type SettlementConfig struct {
	FeePercentage decimal.Decimal
	MinFee        decimal.Decimal
	MaxFee        decimal.Decimal
	MaxAttempts   int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	RetryInterval time.Duration
	RetryBatch    int
}

type RiskConfig struct {
	MediumAmount decimal.Decimal
	HighAmount   decimal.Decimal
}

type TelegramConfig struct {
	BotToken string
	APIURL   string
}

type SMTPConfig struct {
	Host       string
	Port       string
	Username   string
	Password   string
	From       string
	OperatorTo string
}

// LoggingConfig controls structured logging settings.
type LoggingConfig struct {
	Level         string
	Format        string // text|json
	IncludeCaller bool
}

// Load reads configuration from the environment, applying defaults.
// A .env file in the working directory is loaded first when present.
func Load() (Config, error) {
	_ = godotenv.Load()

	p := &parser{}
	cfg := Config{
		HTTP: HTTPConfig{
			Port:            valueOrDefault("PORT", "8080"),
			ShutdownTimeout: p.duration("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
			AuthRateLimit:   p.float("AUTH_RATE_LIMIT", 20),
		},
		Database: DatabaseConfig{
			Driver:         valueOrDefault("DB_DRIVER", "postgres"),
			User:           os.Getenv("DB_USER"),
			Password:       os.Getenv("DB_PASSWORD"),
			Host:           valueOrDefault("DB_HOST", "localhost"),
			Port:           valueOrDefault("DB_PORT", "5432"),
			Name:           valueOrDefault("DB_NAME", "rewardgate"),
			URL:            os.Getenv("DATABASE_URL"),
			ConnectRetries: p.int("DB_CONNECT_RETRIES", 5),
			RetryDelay:     p.duration("DB_RETRY_DELAY", 2*time.Second),
		},
		Redis: RedisConfig{
			Addr:     valueOrDefault("REDIS_ADDR", "127.0.0.1:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       p.int("REDIS_DB", 0),
		},
		NATS: NATSConfig{
			URL:            valueOrDefault("NATS_URL", "nats://127.0.0.1:4222"),
			Name:           valueOrDefault("NATS_CLIENT_NAME", "rewardgate"),
			ReconnectWait:  p.duration("NATS_RECONNECT_WAIT", time.Second),
			MaxReconnects:  p.int("NATS_MAX_RECONNECTS", 10),
			RewardsSubject: valueOrDefault("NATS_REWARDS_SUBJECT", "rewards.pending"),
			QueueGroup:     valueOrDefault("NATS_QUEUE_GROUP", "rewardgate"),
			EventsPrefix:   valueOrDefault("NATS_EVENTS_PREFIX", "rewardgate"),
		},
		MinIO: MinIOConfig{
			Endpoint:  valueOrDefault("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
			SecretKey: os.Getenv("MINIO_SECRET_KEY"),
			Bucket:    valueOrDefault("MINIO_BUCKET", "verification-evidence"),
			UseSSL:    p.bool("MINIO_USE_SSL", false),
			MaxUpload: int64(p.int("MINIO_MAX_UPLOAD_BYTES", 10<<20)),
		},
		Auth: AuthConfig{
			JWTSecret:       os.Getenv("JWT_SECRET"),
			TokenTTL:        p.duration("JWT_TTL", 72*time.Hour),
			BootstrapSecret: os.Getenv("ADMIN_BOOTSTRAP_SECRET"),
		},
		Verification: VerificationConfig{
			SignatureTTL:  p.duration("SIGNATURE_TTL", 24*time.Hour),
			AssistedTTL:   p.duration("ASSISTED_TTL", 7*24*time.Hour),
			SweepInterval: p.duration("EXPIRY_SWEEP_INTERVAL", time.Minute),
			SubmitLimit:   p.int("VERIFICATION_RATE_LIMIT", 10),
			SubmitWindow:  p.duration("VERIFICATION_RATE_WINDOW", time.Minute),
		},
		Settlement: SettlementConfig{
			FeePercentage: p.decimal("COMPLIANCE_FEE_PERCENTAGE", "0.01"),
			MinFee:        p.decimal("COMPLIANCE_FEE_MIN", "0"),
			MaxFee:        p.decimal("COMPLIANCE_FEE_MAX", "50"),
			MaxAttempts:   p.int("SETTLEMENT_MAX_ATTEMPTS", 5),
			BaseBackoff:   p.duration("SETTLEMENT_BASE_BACKOFF", 30*time.Second),
			MaxBackoff:    p.duration("SETTLEMENT_MAX_BACKOFF", time.Hour),
			RetryInterval: p.duration("SETTLEMENT_RETRY_INTERVAL", 15*time.Second),
			RetryBatch:    p.int("SETTLEMENT_RETRY_BATCH", 50),
		},
		Risk: RiskConfig{
			MediumAmount: p.decimal("RISK_MEDIUM_AMOUNT", "500"),
			HighAmount:   p.decimal("RISK_HIGH_AMOUNT", "5000"),
		},
		Telegram: TelegramConfig{
			BotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
			APIURL:   valueOrDefault("TELEGRAM_API_URL", "https://api.telegram.org"),
		},
		SMTP: SMTPConfig{
			Host:       os.Getenv("SMTP_HOST"),
			Port:       valueOrDefault("SMTP_PORT", "465"),
			Username:   os.Getenv("SMTP_USERNAME"),
			Password:   os.Getenv("SMTP_PASSWORD"),
			From:       os.Getenv("SMTP_FROM"),
			OperatorTo: os.Getenv("OPERATOR_EMAIL"),
		},
		Logging: LoggingConfig{
			Level:         valueOrDefault("LOG_LEVEL", "info"),
			Format:        valueOrDefault("LOG_FORMAT", "text"),
			IncludeCaller: p.bool("LOG_INCLUDE_CALLER", false),
		},
	}
	if p.err != nil {
		return Config{}, p.err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	s := c.Settlement
	if s.FeePercentage.IsNegative() || s.FeePercentage.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("COMPLIANCE_FEE_PERCENTAGE must be within [0,1], got %s", s.FeePercentage)
	}
	if s.MinFee.IsNegative() || s.MaxFee.LessThan(s.MinFee) {
		return fmt.Errorf("compliance fee bounds invalid: min=%s max=%s", s.MinFee, s.MaxFee)
	}
	if s.MaxAttempts <= 0 {
		return fmt.Errorf("SETTLEMENT_MAX_ATTEMPTS must be positive")
	}
	for name, d := range map[string]time.Duration{
		"EXPIRY_SWEEP_INTERVAL":     c.Verification.SweepInterval,
		"SETTLEMENT_RETRY_INTERVAL": s.RetryInterval,
		"VERIFICATION_RATE_WINDOW":  c.Verification.SubmitWindow,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Verification.SubmitLimit <= 0 {
		return fmt.Errorf("VERIFICATION_RATE_LIMIT must be positive")
	}
	if c.Risk.HighAmount.LessThan(c.Risk.MediumAmount) {
		return fmt.Errorf("RISK_HIGH_AMOUNT must be >= RISK_MEDIUM_AMOUNT")
	}
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.Database.Driver)
	}
	return nil
}

// parser keeps the first conversion error so Load reports it once.
type parser struct {
	err error
}

func (p *parser) fail(key, val string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s=%q: %w", key, val, err)
	}
}

func (p *parser) int(key string, def int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		p.fail(key, val, err)
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		p.fail(key, val, err)
		return def
	}
	return f
}

func (p *parser) bool(key string, def bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		p.fail(key, val, err)
		return def
	}
	return b
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		p.fail(key, val, err)
		return def
	}
	return d
}

func (p *parser) decimal(key, def string) decimal.Decimal {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		val = def
	}
	d, err := decimal.NewFromString(val)
	if err != nil {
		p.fail(key, val, err)
		return decimal.Zero
	}
	return d
}

func valueOrDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
