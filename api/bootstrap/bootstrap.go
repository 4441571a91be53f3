package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tbeaudouin05/stripe-recurring/api/config"
	"github.com/tbeaudouin05/stripe-recurring/api/database"
	"github.com/tbeaudouin05/stripe-recurring/api/lock"
	"github.com/tbeaudouin05/stripe-recurring/api/metrics"
	"github.com/tbeaudouin05/stripe-recurring/api/services/forum"
	stripeapp "github.com/tbeaudouin05/stripe-recurring/api/services/stripe/app"
	stripedb "github.com/tbeaudouin05/stripe-recurring/api/services/stripe/db"
	stripegw "github.com/tbeaudouin05/stripe-recurring/api/services/stripe/gateway/stripe"
)

var (
	stripeService stripeapp.Service
	reconciler    *stripeapp.Reconciler
	registry      = newRegistry()
	closers       []func() error

	initOnce sync.Once
	initErr  error
)

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	metrics.Register(reg)
	return reg
}

// forumAPI is what the forum client and its log-only stand-in both provide.
type forumAPI interface {
	stripeapp.Notifier
	stripeapp.Entitlements
}

// Init initializes config, database, and third-party clients, and wires services.
func Init() error {
	// If a service has already been injected (e.g., tests), do not override or init heavy deps.
	if stripeService != nil {
		return nil
	}
	var err error
	if config.AppConfig == nil {
		config.AppConfig, err = config.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}
	cfg := config.AppConfig
	logger := slog.Default()

	if err := database.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	db := database.GetDB()
	closers = append(closers, db.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := database.Migrate(ctx, db); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	stripegw.SetKey(cfg.StripeSecretKey)
	gateway := stripegw.New()
	store := stripedb.NewPostgresStore(db)

	locker, err := newLocker(cfg, logger)
	if err != nil {
		return err
	}

	var forumClient forumAPI = forum.LogOnly{Log: logger}
	if cfg.ForumAPIURL != "" {
		forumClient = forum.NewClient(cfg.ForumAPIURL, cfg.ForumAPIKey, logger)
	} else {
		logger.Warn("FORUM_API_URL not set; notifications and group changes are only logged")
	}
	if cfg.AdminAPIKey == "" {
		logger.Warn("ADMIN_API_KEY not set; admin HTTP routes are not mounted and admin gRPC calls are unauthenticated")
	}

	stripeService = stripeapp.NewService(store, gateway, forumClient, stripeapp.Options{
		WebhookSecret: cfg.StripeWebhookSecret,
		Logger:        logger,
	})
	reconciler = stripeapp.NewReconciler(store, gateway, forumClient, forumClient, locker, stripeapp.ReconcilerConfig{
		LockKey:           config.ReconcileLockKey,
		LeaseTTL:          cfg.LeaseTTL(),
		BatchSize:         config.ReconcileBatchSize,
		GraceWindow:       config.GraceWindow,
		BaseURL:           cfg.BaseURL,
		Currency:          cfg.Currency,
		AlternateCurrency: cfg.AlternateCurrency,
	}, logger)
	return nil
}

func newLocker(cfg *config.Config, logger *slog.Logger) (stripeapp.Locker, error) {
	switch cfg.LockBackend {
	case config.LockBackendRedis:
		l, err := lock.NewRedisLockFromURL(cfg.RedisURL, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		closers = append(closers, l.Close)
		return l, nil
	case config.LockBackendMemory:
		logger.Warn("LOCK_BACKEND=memory only excludes ticks within this process")
		return lock.NewMemoryLock(), nil
	default:
		return lock.NewPGAdvisoryLock(database.GetDB()), nil
	}
}

func GetStripeService() stripeapp.Service { return stripeService }

// SetStripeService allows tests to inject a stub implementation.
func SetStripeService(s stripeapp.Service) { stripeService = s }

// GetReconciler returns nil until Init has wired a database.
func GetReconciler() *stripeapp.Reconciler { return reconciler }

func SetReconciler(r *stripeapp.Reconciler) { reconciler = r }

// Registry holds every collector the service exports on /metrics.
func Registry() *prometheus.Registry { return registry }

// Ensure runs Init() once per process and returns any initialization error.
func Ensure() error {
	initOnce.Do(func() {
		initErr = Init()
	})
	return initErr
}

// Close releases connections opened by Init, newest first.
func Close() error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		errs = append(errs, closers[i]())
	}
	closers = nil
	return errors.Join(errs...)
}
