package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/sessionkeeper/internal/api"
	"github.com/charlesng35/sessionkeeper/internal/app"
	"github.com/charlesng35/sessionkeeper/internal/app/maintenance"
	"github.com/charlesng35/sessionkeeper/internal/auth"
	"github.com/charlesng35/sessionkeeper/internal/cache"
	"github.com/charlesng35/sessionkeeper/internal/database"
	"github.com/charlesng35/sessionkeeper/internal/middleware"
	"github.com/charlesng35/sessionkeeper/internal/monitoring"
	"github.com/charlesng35/sessionkeeper/internal/monitoring/checks"
	"github.com/charlesng35/sessionkeeper/internal/services"
	"github.com/charlesng35/sessionkeeper/internal/session"
	"github.com/charlesng35/sessionkeeper/pkg/logger"
	"github.com/charlesng35/sessionkeeper/pkg/mail"
)

// runtimeStack bundles long-lived services used by the HTTP server.
type runtimeStack struct {
	DB        *gorm.DB
	Redis     *cache.RedisStore
	Sessions  *session.Manager
	Auth      *auth.Service
	Throttle  *auth.Throttle
	Accounts  *services.AccountService
	Audit     *services.AuditService
	Health    *monitoring.HealthManager
	Cleaner   *maintenance.Cleaner
	RateStore middleware.RateStore
	Router    *gin.Engine

	cleanerStarted bool
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

	dbStore := cache.NewDatabaseStore(stack.DB, nil)

	if cfg.Cache.Redis.Enabled {
		if stack.Redis, err = cache.NewRedisStore(ctx, cfg.Cache.RedisClientConfig()); err != nil {
			log.Warn("redis unavailable; falling back to database-backed operations", zap.Error(err))
			stack.Redis = nil
		} else {
			log.Info("redis connected", zap.String("addr", cfg.Cache.Redis.Address))
		}
	}

	stack.Audit, err = services.NewAuditService(stack.DB, nil)
	if err != nil {
		return nil, fmt.Errorf("initialise audit service: %w", err)
	}

	mailer, err := mail.NewSMTPMailer(cfg.Email.SMTPSettings())
	if err != nil {
		return nil, fmt.Errorf("initialise mailer: %w", err)
	}
	notifier, err := services.NewSecurityNotifier(mailer, cfg.NotifierConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise notifier: %w", err)
	}

	tokens, err := auth.NewTokenStore(stack.DB, nil)
	if err != nil {
		return nil, fmt.Errorf("initialise autologin tokens: %w", err)
	}

	accountOpts := cfg.AccountOptions()
	accountOpts.Audit = stack.Audit
	accountOpts.Tokens = tokens
	accountOpts.Mailer = notifier
	stack.Accounts, err = services.NewAccountService(stack.DB, accountOpts)
	if err != nil {
		return nil, fmt.Errorf("initialise account service: %w", err)
	}

	store, err := session.NewStore(stack.DB, cfg.Session.StoreConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise session store: %w", err)
	}

	managerCfg := cfg.Session.ManagerConfig()
	managerCfg.Snapshots = tokens
	stack.Sessions, err = session.NewManager(store, managerCfg)
	if err != nil {
		return nil, fmt.Errorf("initialise session manager: %w", err)
	}

	autologinCfg := cfg.AutologinProtocolConfig()
	autologinCfg.Auditor = stack.Audit
	autologinCfg.Notifier = notifier
	autologin, err := auth.NewAutologin(tokens, stack.Accounts, stack.Sessions, autologinCfg)
	if err != nil {
		return nil, fmt.Errorf("initialise autologin: %w", err)
	}

	serviceCfg := cfg.Auth.ServiceConfig()
	serviceCfg.Auditor = stack.Audit
	stack.Auth, err = auth.NewService(stack.Sessions, stack.Accounts, autologin, serviceCfg)
	if err != nil {
		return nil, fmt.Errorf("initialise authenticator: %w", err)
	}

	throttleCfg := cfg.Throttle.ThrottleServiceConfig()
	throttleCfg.Auditor = stack.Audit
	throttleCfg.Notifier = notifier
	stack.Throttle, err = auth.NewThrottle(stack.DB, stack.Accounts, throttleCfg)
	if err != nil {
		return nil, fmt.Errorf("initialise throttle: %w", err)
	}
	stack.Accounts.SetFailureClearer(stack.Throttle)

	stack.Cleaner = maintenance.NewCleaner(
		maintenance.WithSchedule(cfg.Maintenance.Schedule),
		maintenance.WithSessions(store),
		maintenance.WithAutologinTokens(tokens, cfg.Autologin.Retention),
		maintenance.WithFailedLogins(stack.Throttle, cfg.Throttle.Retention),
		maintenance.WithAuditLogs(stack.Audit, cfg.Maintenance.AuditRetention),
		maintenance.WithCacheEntries(dbStore),
		maintenance.WithAccountLinks(stack.Accounts),
	)
	if cfg.Maintenance.Enabled {
		if err := stack.Cleaner.Start(); err != nil {
			return nil, fmt.Errorf("start maintenance jobs: %w", err)
		}
		stack.cleanerStarted = true
	}

	stack.Health = buildHealth(cfg, stack)

	switch {
	case stack.Redis != nil:
		stack.RateStore = middleware.NewRedisRateStore(stack.Redis)
	default:
		stack.RateStore = middleware.NewDatabaseRateStore(dbStore)
	}

	stack.Router, err = api.NewRouter(cfg, api.Dependencies{
		Sessions:  stack.Sessions,
		Auth:      stack.Auth,
		Throttle:  stack.Throttle,
		Accounts:  stack.Accounts,
		Audit:     stack.Audit,
		Health:    stack.Health,
		RateStore: stack.RateStore,
	})
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	success = true
	return stack, nil
}

func buildHealth(cfg *app.Config, stack *runtimeStack) *monitoring.HealthManager {
	timeout := cfg.Monitoring.Health.Timeout

	var redis checks.Pinger
	if stack.Redis != nil {
		redis = stack.Redis
	}
	var jobs checks.JobReporter
	if stack.cleanerStarted {
		jobs = stack.Cleaner
	}

	return monitoring.NewHealthManager(
		checks.Database(stack.DB, timeout),
		checks.Redis(redis, cfg.Cache.Redis.Enabled, timeout),
		checks.Maintenance(jobs, 3*time.Hour),
	)
}

// Shutdown gracefully stops background jobs and releases resources.
func (s *runtimeStack) Shutdown(ctx context.Context, log *zap.Logger) {
	if s == nil {
		return
	}

	if s.Cleaner != nil && s.cleanerStarted {
		stopCtx := s.Cleaner.Stop()
		<-stopCtx.Done()
		if err := s.Cleaner.RunOnce(ctx); err != nil {
			log.Warn("maintenance shutdown cleanup failed", zap.Error(err))
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

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := cfg.Database.ConnectionConfig()
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}

	logger.WithModule("database").Info("database connected", zap.String("driver", database.Dialect(db)))
	return db, nil
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
