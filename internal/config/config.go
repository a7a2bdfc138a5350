package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"credit_ledger/internal/money"
)

// Ledger store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config holds configuration for the ledger service.
type Config struct {
	HTTPPort        string
	ShutdownTimeout time.Duration
	Log             LogConfig
	Store           string
	Database        DatabaseConfig
	Redis           RedisConfig
	Auth            AuthConfig
	Stripe          StripeConfig
	Billing         BillingConfig
	Pricing         PricingConfig
	RateLimit       RateLimitConfig
	UsageQueue      UsageQueueConfig
	AuditSink       AuditSinkConfig
}

// LogConfig controls the process logger
type LogConfig struct {
	Level  string
	Format string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PriceCacheSize  int
	PriceCacheTTL   time.Duration
}

// RedisConfig holds Redis connection settings. An empty Address disables
// Redis: queues fall back to memory and rate limiting is off.
type RedisConfig struct {
	Address      string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Enabled reports whether a Redis address is configured
func (r RedisConfig) Enabled() bool {
	return r.Address != ""
}

// AuthConfig holds token verification and service key settings
type AuthConfig struct {
	JWTSecret      []byte
	JWTIssuer      string
	JWTAudience    string
	AdminJWTSecret []byte
	ServiceKeys    string // name:bcrypthash pairs, comma separated
}

// StripeConfig holds payment webhook settings
type StripeConfig struct {
	WebhookSecret string
}

// BillingConfig holds the credit grants
type BillingConfig struct {
	SignupCredit money.MicroCents
	BonusPercent int64
	BonusCap     money.MicroCents
}

// PricingConfig locates the pricing seed file
type PricingConfig struct {
	File string
}

// RateLimitConfig holds per-minute request limits. Zero disables a limit.
type RateLimitConfig struct {
	UsagePerMinute int
	UserPerMinute  int
}

// UsageQueueConfig controls the raw usage worker
type UsageQueueConfig struct {
	BatchSize    int
	BatchTimeout time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

// AuditSinkConfig holds configuration for the S3 audit export
type AuditSinkConfig struct {
	Enabled       bool          // Whether to export ledger entries to S3
	BufferSize    int           // In-memory queue size
	FlushSize     int           // Flush to S3 after this many records
	FlushInterval time.Duration // Flush to S3 after this duration
	S3Bucket      string        // S3 bucket name
	S3Region      string        // AWS region
	S3Prefix      string        // Prefix for S3 keys (e.g., "audit/")
	S3Endpoint    string        // Optional S3-compatible endpoint
	PodName       string        // Pod identifier for multi-pod deployments
}

func getEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	intVal, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}

	return intVal
}

func getEnvInt64(key string, defaultValue int64) int64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	intVal, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return defaultValue
	}
	return intVal
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue
	}

	return duration
}

func getEnvString(key string, defaultValue string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val
}

func getEnvBool(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultValue
	}
	return b
}

// getEnvDollars parses a dollar amount. Unlike the other helpers a
// malformed value is an error: money settings are never silently defaulted.
func getEnvDollars(key string, defaultValue string) (money.MicroCents, error) {
	val := getEnvString(key, defaultValue)
	amount, err := money.ParseDollars(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return amount, nil
}

// LoadDotEnv loads .env files into the environment when present. Variables
// already set win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads configuration from the environment, after applying .env.
func Load() (*Config, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}
	return FromEnv()
}

// FromEnv reads configuration from environment variables only.
func FromEnv() (*Config, error) {
	store := strings.ToLower(getEnvString("LEDGER_STORE", StorePostgres))
	if store != StorePostgres && store != StoreMemory {
		return nil, fmt.Errorf("LEDGER_STORE must be %q or %q, got %q", StorePostgres, StoreMemory, store)
	}

	dbURL := os.Getenv("DATABASE_URL")
	if store == StorePostgres && dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	signupCredit, err := getEnvDollars("SIGNUP_CREDIT_DOLLARS", "2.00")
	if err != nil {
		return nil, err
	}
	bonusCap, err := getEnvDollars("FIRST_TOPUP_BONUS_CAP_DOLLARS", "5.00")
	if err != nil {
		return nil, err
	}
	bonusPercent := getEnvInt64("FIRST_TOPUP_BONUS_PERCENT", 20)
	if bonusPercent < 0 || bonusPercent > 100 {
		return nil, fmt.Errorf("FIRST_TOPUP_BONUS_PERCENT must be between 0 and 100")
	}

	cfg := &Config{
		HTTPPort:        getEnvString("HTTP_PORT", "8080"),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		Log: LogConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
		},
		Store: store,
		Database: DatabaseConfig{
			URL:             dbURL,
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute),
			PriceCacheSize:  getEnvInt("CACHE_PRICE_SIZE", 500),
			PriceCacheTTL:   getEnvDuration("CACHE_PRICE_TTL", 1*time.Minute),
		},
		Redis: RedisConfig{
			Address:      getEnvString("REDIS_ADDRESS", ""),
			Password:     getEnvString("REDIS_PASSWORD", ""),
			DB:           getEnvInt("REDIS_DB", 0),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Auth: AuthConfig{
			JWTSecret:      []byte(jwtSecret),
			JWTIssuer:      getEnvString("JWT_ISSUER", ""),
			JWTAudience:    getEnvString("JWT_AUDIENCE", ""),
			AdminJWTSecret: []byte(getEnvString("ADMIN_JWT_SECRET", jwtSecret)),
			ServiceKeys:    getEnvString("SERVICE_KEYS", ""),
		},
		Stripe: StripeConfig{
			WebhookSecret: getEnvString("STRIPE_WEBHOOK_SECRET", ""),
		},
		Billing: BillingConfig{
			SignupCredit: signupCredit,
			BonusPercent: bonusPercent,
			BonusCap:     bonusCap,
		},
		Pricing: PricingConfig{
			File: getEnvString("PRICING_FILE", ""),
		},
		RateLimit: RateLimitConfig{
			UsagePerMinute: getEnvInt("RATE_LIMIT_USAGE_PER_MINUTE", 120),
			UserPerMinute:  getEnvInt("RATE_LIMIT_USER_PER_MINUTE", 60),
		},
		UsageQueue: UsageQueueConfig{
			BatchSize:    getEnvInt("USAGE_QUEUE_BATCH_SIZE", 100),
			BatchTimeout: getEnvDuration("USAGE_QUEUE_BATCH_TIMEOUT", 5*time.Second),
			MaxRetries:   getEnvInt("USAGE_QUEUE_MAX_RETRIES", 3),
			RetryBackoff: getEnvDuration("USAGE_QUEUE_RETRY_BACKOFF", 1*time.Second),
		},
		AuditSink: AuditSinkConfig{
			Enabled:       getEnvBool("AUDIT_SINK_ENABLED", false),
			BufferSize:    getEnvInt("AUDIT_SINK_BUFFER_SIZE", 10000),
			FlushSize:     getEnvInt("AUDIT_SINK_FLUSH_SIZE", 1000),
			FlushInterval: getEnvDuration("AUDIT_SINK_FLUSH_INTERVAL", 5*time.Minute),
			S3Bucket:      getEnvString("AUDIT_SINK_S3_BUCKET", ""),
			S3Region:      getEnvString("AUDIT_SINK_S3_REGION", "us-east-1"),
			S3Prefix:      getEnvString("AUDIT_SINK_S3_PREFIX", "audit/"),
			S3Endpoint:    getEnvString("AUDIT_SINK_S3_ENDPOINT", ""),
			PodName:       getEnvString("POD_NAME", "ledger-0"),
		},
	}

	if cfg.AuditSink.Enabled && cfg.AuditSink.S3Bucket == "" {
		return nil, fmt.Errorf("AUDIT_SINK_S3_BUCKET is required when AUDIT_SINK_ENABLED is set")
	}

	return cfg, nil
}
