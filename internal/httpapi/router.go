package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"credit_ledger/internal/auth"
	"credit_ledger/internal/billing"
	"credit_ledger/internal/config"
	"credit_ledger/internal/logging"
	"credit_ledger/internal/metrics"
	"credit_ledger/internal/middleware"
	"credit_ledger/internal/models"
	"credit_ledger/internal/payments"
	"credit_ledger/internal/pricing"
	"credit_ledger/internal/queue"
	"credit_ledger/internal/ratelimit"
	"credit_ledger/internal/storage"
	"credit_ledger/internal/usage"
	"credit_ledger/internal/utils"
)

// UsageSummaries aggregates raw usage per billing period
type UsageSummaries interface {
	Summary(ctx context.Context, userID string, period time.Time) ([]*models.UsageSummary, error)
}

// UsageDeadLetters exposes the raw usage dead letter queue
type UsageDeadLetters interface {
	GetDeadLetterItems(ctx context.Context, maxItems int) ([]queue.DeadLetterItem, error)
	RetryDeadLetterItem(ctx context.Context, id string) error
}

// HealthCheck reports whether one backing service is reachable
type HealthCheck func(ctx context.Context) error

// Dependencies aggregates all services the HTTP layer needs.
type Dependencies struct {
	Ledger      *billing.Service
	Reporter    *usage.Reporter
	Webhook     http.Handler
	ServiceKeys auth.ServiceKeyStore
	UserJWT     auth.JWTConfig
	AdminJWT    auth.JWTConfig
	RateLimit   ratelimit.Limiter
	Limits      config.RateLimitConfig
	Prices      PriceAdmin
	Usage       UsageSummaries
	DeadLetters UsageDeadLetters
	Metrics     *metrics.Metrics
	Health      map[string]HealthCheck

	// Background work and resources owned by the router
	UsageWorker *storage.UsageQueueWorker
	Audit       logging.Sink
	closers     []func() error
}

// NewRouter creates an HTTP handler with all dependencies wired up
func NewRouter(ctx context.Context, cfg *config.Config) (http.Handler, *Dependencies, error) {
	deps, err := NewDependencies(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return NewHandler(deps), deps, nil
}

// NewDependencies builds the ledger, its stores and its background workers
// from configuration. Workers are created but not started.
func NewDependencies(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	deps := &Dependencies{
		UserJWT: auth.JWTConfig{
			Secret:   cfg.Auth.JWTSecret,
			Issuer:   cfg.Auth.JWTIssuer,
			Audience: cfg.Auth.JWTAudience,
		},
		AdminJWT: auth.JWTConfig{
			Secret:   cfg.Auth.AdminJWTSecret,
			Issuer:   cfg.Auth.JWTIssuer,
			Audience: cfg.Auth.JWTAudience,
		},
		Limits:  cfg.RateLimit,
		Metrics: metrics.New(),
		Health:  make(map[string]HealthCheck),
	}

	records, err := auth.ParseServiceKeys(cfg.Auth.ServiceKeys)
	if err != nil {
		return nil, fmt.Errorf("invalid SERVICE_KEYS: %w", err)
	}
	deps.ServiceKeys = auth.NewStaticServiceKeyStore(records...)

	// Redis backs the usage queue, rate limiting and spend tracking
	var redisClient *storage.RedisClient
	if cfg.Redis.Enabled() {
		redisCfg := storage.DefaultRedisConfig()
		redisCfg.Address = cfg.Redis.Address
		redisCfg.Password = cfg.Redis.Password
		redisCfg.DB = cfg.Redis.DB
		redisCfg.PoolSize = cfg.Redis.PoolSize
		redisCfg.MinIdleConns = cfg.Redis.MinIdleConns
		redisCfg.DialTimeout = cfg.Redis.DialTimeout
		redisCfg.ReadTimeout = cfg.Redis.ReadTimeout
		redisCfg.WriteTimeout = cfg.Redis.WriteTimeout

		redisClient, err = storage.NewRedisClient(redisCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Redis: %w", err)
		}
		deps.closers = append(deps.closers, redisClient.Close)
		deps.Health["redis"] = redisClient.Health
		deps.RateLimit = ratelimit.NewRateLimiter(redisClient.Client())
	} else {
		deps.RateLimit = ratelimit.NewNoopLimiter()
	}

	// Ledger store, prices, usage events and identity links
	var (
		store   billing.Store
		prices  pricing.Table
		events  storage.UsageEventWriter
		links   payments.IdentityLinks
		summary UsageSummaries
	)
	switch cfg.Store {
	case config.StoreMemory:
		table, err := loadStaticPrices(cfg.Pricing.File)
		if err != nil {
			deps.Close()
			return nil, err
		}
		memEvents := storage.NewMemoryUsageEvents()
		store = storage.NewMemoryStore()
		prices = table
		deps.Prices = NewStaticPriceAdmin(table)
		events, summary = memEvents, memEvents
		links = storage.NewMemoryIdentityLinks()

	default:
		dbCfg := storage.DefaultDBConfig()
		dbCfg.URL = cfg.Database.URL
		dbCfg.MaxOpenConns = cfg.Database.MaxOpenConns
		dbCfg.MaxIdleConns = cfg.Database.MaxIdleConns
		dbCfg.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
		dbCfg.ConnMaxIdleTime = cfg.Database.ConnMaxIdleTime
		dbCfg.PriceCacheSize = cfg.Database.PriceCacheSize
		dbCfg.PriceCacheTTL = cfg.Database.PriceCacheTTL

		db, err := storage.NewDB(dbCfg)
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		deps.closers = append(deps.closers, db.Close)
		deps.Health["postgres"] = db.Health

		priceRepo := db.NewPriceRepository()
		usageRepo := db.NewUsageEventRepository()
		store = db.NewLedgerStore()
		prices = priceRepo
		deps.Prices = priceRepo
		events, summary = usageRepo, usageRepo
		links = db.NewIdentityRepository()
	}
	deps.Usage = summary

	// Raw usage queue and its worker
	queueCfg := queue.DefaultConfig("raw-usage")
	queueCfg.UseRedis = redisClient != nil
	queueCfg.BatchSize = cfg.UsageQueue.BatchSize
	queueCfg.BatchTimeout = cfg.UsageQueue.BatchTimeout
	queueCfg.MaxRetries = cfg.UsageQueue.MaxRetries
	queueCfg.RetryBackoff = cfg.UsageQueue.RetryBackoff

	var usageQueue queue.Queue
	var usageDLQ queue.DeadLetterQueue
	if queueCfg.UseRedis {
		if usageQueue, err = queue.NewRedisQueue(redisClient.Client(), queueCfg); err != nil {
			deps.Close()
			return nil, fmt.Errorf("failed to create usage queue: %w", err)
		}
		if usageDLQ, err = queue.NewRedisDeadLetterQueue(redisClient.Client(), queueCfg); err != nil {
			deps.Close()
			return nil, fmt.Errorf("failed to create usage DLQ: %w", err)
		}
	} else {
		usageQueue = queue.NewMemoryQueue(queueCfg)
		usageDLQ = queue.NewMemoryDeadLetterQueue()
	}
	deps.UsageWorker = storage.NewUsageQueueWorker(usageQueue, usageDLQ, events, queueCfg)
	deps.DeadLetters = deps.UsageWorker

	// Audit export
	deps.Audit = logging.NewNoopSink()
	if cfg.AuditSink.Enabled {
		writer, err := logging.NewS3Writer(ctx, logging.S3Config{
			Bucket:   cfg.AuditSink.S3Bucket,
			Region:   cfg.AuditSink.S3Region,
			Prefix:   cfg.AuditSink.S3Prefix,
			PodName:  cfg.AuditSink.PodName,
			Endpoint: cfg.AuditSink.S3Endpoint,
		})
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("failed to initialize audit sink: %w", err)
		}
		deps.Audit = logging.NewBufferedSink(writer, logging.BufferedSinkConfig{
			BufferSize:    cfg.AuditSink.BufferSize,
			FlushSize:     cfg.AuditSink.FlushSize,
			FlushInterval: cfg.AuditSink.FlushInterval,
		})
	}

	opts := billing.DefaultOptions()
	opts.SignupCredit = cfg.Billing.SignupCredit
	opts.BonusPercent = cfg.Billing.BonusPercent
	opts.BonusCap = cfg.Billing.BonusCap
	opts.Metrics = deps.Metrics
	opts.Audit = deps.Audit
	if redisClient != nil {
		opts.Spend = billing.NewRedisSpendTracker(redisClient.Client())
	}

	deps.Ledger = billing.NewService(store, prices, opts)
	deps.Reporter = usage.NewReporter(deps.Ledger, deps.UsageWorker, deps.Metrics)
	deps.Webhook = payments.NewWebhookHandler(cfg.Stripe.WebhookSecret, deps.Ledger, links, deps.Metrics)

	return deps, nil
}

func loadStaticPrices(path string) (*pricing.StaticTable, error) {
	if path == "" {
		return pricing.NewStaticTable()
	}
	table, err := pricing.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load pricing file: %w", err)
	}
	return table, nil
}

// Close releases connections opened by NewDependencies
func (d *Dependencies) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

// NewHandler registers every route on a ServeMux and wraps it with request
// metrics
func NewHandler(deps *Dependencies) http.Handler {
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.RateLimit == nil {
		deps.RateLimit = ratelimit.NewNoopLimiter()
	}

	mux := http.NewServeMux()
	registerRoutes(mux, deps)
	return instrument(mux, deps.Metrics)
}

func registerRoutes(mux *http.ServeMux, deps *Dependencies) {
	// Payment provider webhooks authenticate by signature
	mux.Handle("POST /webhooks/stripe", deps.Webhook)

	// Usage reports from backend services
	serviceKey := middleware.ServiceKeyMiddleware(deps.ServiceKeys)
	mux.Handle("POST /v1/usage", serviceKey(http.HandlerFunc(deps.handleUsageReport)))

	// User endpoints
	userJWT := middleware.UserJWTMiddleware(deps.UserJWT)
	userLimit := middleware.RateLimit(deps.RateLimit, deps.Limits.UserPerMinute, middleware.UserKey)
	user := func(h http.HandlerFunc) http.Handler { return userJWT(userLimit(h)) }

	mux.Handle("POST /v1/charges", user(deps.handleCharge))
	mux.Handle("POST /v1/account/signup-credit", user(deps.handleSignupCredit))
	mux.Handle("GET /v1/ledger", user(deps.handleLedger))
	mux.Handle("GET /v1/usage/summary", user(deps.handleUsageSummary))
	mux.Handle("GET /v1/balance", middleware.OptionalUserJWTMiddleware(deps.UserJWT)(http.HandlerFunc(deps.handleBalance)))

	// Admin endpoints
	viewer := middleware.AdminJWTMiddleware(deps.AdminJWT, auth.RoleViewer)
	admin := middleware.AdminJWTMiddleware(deps.AdminJWT, auth.RoleAdmin)
	mux.Handle("GET /admin/prices", viewer(http.HandlerFunc(deps.handleListPrices)))
	mux.Handle("PUT /admin/prices", admin(http.HandlerFunc(deps.handleUpsertPrice)))
	mux.Handle("GET /admin/usage-dlq", viewer(http.HandlerFunc(deps.handleListDeadLetters)))
	mux.Handle("POST /admin/usage-dlq/retry", admin(http.HandlerFunc(deps.handleRetryDeadLetter)))

	// Health check and metrics - public
	mux.HandleFunc("GET /health", deps.handleHealth)
	mux.Handle("GET /metrics", deps.Metrics.Handler())
}

func (d *Dependencies) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(d.Health))
	status := http.StatusOK
	for name, check := range d.Health {
		if err := check(r.Context()); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	utils.RespondWithJSON(w, status, map[string]any{"status": state, "checks": checks})
}
