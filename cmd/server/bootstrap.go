package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/charlesng35/weddingdesk/internal/api"
	"github.com/charlesng35/weddingdesk/internal/app"
	"github.com/charlesng35/weddingdesk/internal/app/maintenance"
	"github.com/charlesng35/weddingdesk/internal/cache"
	"github.com/charlesng35/weddingdesk/internal/database"
	"github.com/charlesng35/weddingdesk/internal/messaging"
	"github.com/charlesng35/weddingdesk/internal/middleware"
	"github.com/charlesng35/weddingdesk/internal/monitoring/checks"
	"github.com/charlesng35/weddingdesk/internal/queue"
	"github.com/charlesng35/weddingdesk/internal/realtime"
	"github.com/charlesng35/weddingdesk/internal/services"
	"github.com/charlesng35/weddingdesk/pkg/logger"
)

// runtimeStack bundles long-lived services used by the HTTP server.
type runtimeStack struct {
	DB         *gorm.DB
	Redis      *redis.Client
	Store      cache.Store
	Queue      queue.Queue
	Hub        *realtime.Hub
	Audit      *services.AuditService
	Campaigns  *services.CampaignService
	Dispatcher *services.Dispatcher
	Tracker    *services.DeliveryTracker
	Reconciler *services.Reconciler
	Sweeper    *maintenance.Sweeper
	RateStore  middleware.RateStore
	Router     *gin.Engine

	cancel context.CancelFunc
	group  *errgroup.Group
}

// bootstrapRuntime initialises databases, caches, services, and the HTTP router.
func bootstrapRuntime(ctx context.Context, cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{}
	var err error
	success := false

	defer func() {
		if !success {
			stack.Shutdown(context.Background(), log)
		}
	}()

	// enable gin debug mod
	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	stack.DB, err = initialiseDatabase(cfg)
	if err != nil {
		return nil, err
	}

	dbStore := cache.NewDatabaseStore(stack.DB)
	stack.Store = dbStore

	if cfg.Cache.Redis.Enabled || cfg.Queue.UsesRedis() {
		if stack.Redis, err = cache.NewRedisClient(ctx, cfg.Cache.RedisClientConfig()); err != nil {
			if cfg.Queue.UsesRedis() {
				return nil, fmt.Errorf("connect redis queue: %w", err)
			}
			log.Warn("redis unavailable; falling back to database-backed operations", zap.Error(err))
		} else {
			log.Info("redis connected", zap.String("addr", cfg.Cache.Redis.Address))
			if cfg.Cache.Redis.Enabled {
				stack.Store = cache.NewRedisStore(stack.Redis)
			}
		}
	}

	stack.Queue, err = initialiseQueue(ctx, cfg, stack.Redis)
	if err != nil {
		return nil, err
	}

	provider, err := initialiseProvider(cfg)
	if err != nil {
		return nil, err
	}

	stack.Hub = realtime.NewHub()

	stack.Audit, err = services.NewAuditService(stack.DB)
	if err != nil {
		return nil, fmt.Errorf("initialise audit service: %w", err)
	}

	organizations, err := services.NewOrganizationService(stack.DB, stack.Audit)
	if err != nil {
		return nil, fmt.Errorf("initialise organization service: %w", err)
	}

	entitlements, err := services.NewEntitlementService(stack.DB, stack.Audit, stack.Store, cfg.Entitlements.EntitlementServiceConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise entitlement service: %w", err)
	}

	ledger, err := services.NewLedgerService(stack.DB, stack.Audit, cfg.Ledger.LedgerServiceConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise ledger service: %w", err)
	}

	directory, err := services.NewDirectoryService(stack.DB)
	if err != nil {
		return nil, fmt.Errorf("initialise directory service: %w", err)
	}

	aggregator, err := services.NewStatusAggregator(stack.DB, stack.Hub)
	if err != nil {
		return nil, fmt.Errorf("initialise status aggregator: %w", err)
	}

	stack.Tracker, err = services.NewDeliveryTracker(stack.DB, ledger, aggregator, cfg.Messaging.TrackerConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise delivery tracker: %w", err)
	}

	stack.Campaigns, err = services.NewCampaignService(stack.DB, cfg.Messaging.CampaignServiceConfig(), services.CampaignServiceDeps{
		Audit:        stack.Audit,
		Entitlements: entitlements,
		Ledger:       ledger,
		Directory:    directory,
		Queue:        stack.Queue,
		Tracker:      stack.Tracker,
		Aggregator:   aggregator,
	})
	if err != nil {
		return nil, fmt.Errorf("initialise campaign service: %w", err)
	}

	stack.Dispatcher, err = services.NewDispatcher(stack.DB, stack.Queue, provider, ledger, stack.Tracker, cfg.Messaging.DispatcherConfig(cfg.Queue))
	if err != nil {
		return nil, fmt.Errorf("initialise dispatcher: %w", err)
	}

	stack.Reconciler, err = services.NewReconciler(stack.DB, stack.Queue, stack.Tracker, aggregator, cfg.Maintenance.ReconcilerConfig(cfg.Messaging))
	if err != nil {
		return nil, fmt.Errorf("initialise reconciler: %w", err)
	}

	stack.Sweeper = maintenance.NewSweeper(stack.DB, stack.Reconciler, stack.Audit,
		maintenance.WithReconcileSchedule(cfg.Maintenance.ReconcileSchedule),
		maintenance.WithAuditRetentionDays(cfg.Maintenance.AuditRetentionDays),
		maintenance.WithPruner(dbStore),
	)
	if err := stack.Sweeper.Start(); err != nil {
		return nil, fmt.Errorf("start maintenance jobs: %w", err)
	}

	stack.RateStore = middleware.NewCacheRateStore(stack.Store)

	health := api.DefaultHealthManager(stack.DB, cfg)
	if cfg.Cache.Redis.Enabled || cfg.Queue.UsesRedis() {
		var client redis.UniversalClient
		if stack.Redis != nil {
			client = stack.Redis
		}
		health.Register(checks.Redis(client, cfg.Queue.UsesRedis(), cfg.Cache.Redis.Timeout))
	}

	stack.Router, err = api.NewRouter(api.Dependencies{
		DB:            stack.DB,
		Config:        cfg,
		Organizations: organizations,
		Entitlements:  entitlements,
		Ledger:        ledger,
		Campaigns:     stack.Campaigns,
		Callbacks:     stack.Tracker,
		Hub:           stack.Hub,
		RateStore:     stack.RateStore,
		Health:        health,
	})
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	success = true
	return stack, nil
}

// Start launches the dispatcher workers and the delivery tracker loop. A
// reconciliation pass runs first so work orphaned by a previous process is
// re-enqueued before new batches arrive.
func (s *runtimeStack) Start(ctx context.Context, log *zap.Logger) {
	if err := s.Sweeper.Sweep(ctx); err != nil {
		log.Warn("startup reconciliation failed", zap.Error(err))
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.group, runCtx = errgroup.WithContext(runCtx)

	s.group.Go(func() error {
		return s.Tracker.Run(runCtx)
	})
	s.group.Go(func() error {
		return s.Dispatcher.Run(runCtx)
	})
}

// Shutdown gracefully stops background jobs and releases resources.
func (s *runtimeStack) Shutdown(ctx context.Context, log *zap.Logger) {
	if s == nil {
		return
	}

	if s.Sweeper != nil {
		stopCtx := s.Sweeper.Stop()
		if stopCtx != nil {
			select {
			case <-stopCtx.Done():
			case <-ctx.Done():
			}
		}
	}

	if s.cancel != nil {
		s.cancel()
	}
	if s.Queue != nil {
		if err := s.Queue.Close(); err != nil {
			log.Warn("queue shutdown", zap.Error(err))
		}
	}
	if s.group != nil {
		if err := s.group.Wait(); err != nil {
			log.Warn("background workers stopped with error", zap.Error(err))
		}
	}

	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			log.Warn("redis shutdown", zap.Error(err))
		}
	}

	if s.DB != nil {
		closeDatabase(s.DB, log)
	}
}

func initialiseQueue(ctx context.Context, cfg *app.Config, client *redis.Client) (queue.Queue, error) {
	if !cfg.Queue.UsesRedis() {
		return queue.NewMemoryQueue(), nil
	}
	if client == nil {
		return nil, errors.New("redis queue requires a redis connection")
	}
	q, err := queue.NewRedisQueue(ctx, client, cfg.Queue.RedisQueueConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise redis queue: %w", err)
	}
	logger.WithModule("queue").Info("redis queue ready",
		zap.String("stream", cfg.Queue.Stream),
		zap.String("consumer", cfg.Queue.Consumer),
	)
	return q, nil
}

func initialiseProvider(cfg *app.Config) (messaging.Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Messaging.Provider)) {
	case "twilio":
		provider, err := messaging.NewTwilioProvider(cfg.Messaging.TwilioClientConfig())
		if err != nil {
			return nil, fmt.Errorf("initialise twilio provider: %w", err)
		}
		return provider, nil
	case "", "log":
		return messaging.NewLogProvider(logger.WithModule("messaging")), nil
	default:
		return nil, fmt.Errorf("unsupported messaging provider %q", cfg.Messaging.Provider)
	}
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := convertDatabaseConfig(cfg)
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.AutoMigrateAndSeed(db); err != nil {
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}

	log := logger.WithModule("database")
	log.Info("database connected", zap.String("driver", strings.ToLower(strings.TrimSpace(dbCfg.Driver))))

	return db, nil
}

func convertDatabaseConfig(cfg *app.Config) database.Config {
	dbCfg := database.Config{
		Driver:          strings.ToLower(strings.TrimSpace(cfg.Database.Driver)),
		Path:            strings.TrimSpace(cfg.Database.Path),
		DSN:             strings.TrimSpace(cfg.Database.DSN),
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}

	var auth app.DBAuthConfig
	switch dbCfg.Driver {
	case "", "sqlite":
		dbCfg.Driver = "sqlite"
		return dbCfg
	case "postgres", "postgresql":
		dbCfg.Driver = "postgres"
		auth = cfg.Database.Postgres
	case "mysql":
		auth = cfg.Database.MySQL
	default:
		// Leave driver as-is to surface unsupported driver error during open.
		return dbCfg
	}

	dbCfg.Host = strings.TrimSpace(auth.Host)
	dbCfg.Port = auth.Port
	dbCfg.Name = strings.TrimSpace(auth.Database)
	dbCfg.User = strings.TrimSpace(auth.Username)
	dbCfg.Password = strings.TrimSpace(auth.Password)
	dbCfg.Options = auth.Options
	return dbCfg
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	if db == nil {
		return
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("failed to obtain underlying sql DB for closing", zap.Error(err))
		return
	}

	if err := sqlDB.Close(); err != nil {
		log.Warn("failed to close database", zap.Error(err))
	}
}
