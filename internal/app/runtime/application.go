// Package runtime wires the engine's services together and manages their
// lifecycle.
package runtime

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/pipeflow/automation/internal/app/cache"
	"github.com/pipeflow/automation/internal/app/metrics"
	"github.com/pipeflow/automation/internal/app/services/events"
	"github.com/pipeflow/automation/internal/app/services/rules"
	"github.com/pipeflow/automation/internal/app/services/scheduler"
	"github.com/pipeflow/automation/internal/app/storage"
	"github.com/pipeflow/automation/internal/app/storage/memory"
	"github.com/pipeflow/automation/internal/app/storage/postgres"
	"github.com/pipeflow/automation/internal/config"
	"github.com/pipeflow/automation/pkg/logger"
)

// Application wires core dependencies and manages the engine lifecycle.
type Application struct {
	cfg        *config.Config
	log        *logger.Logger
	rulesSvc   *rules.Service
	eventsSvc  *events.Service
	scheduler  *scheduler.Service
	metricsSrv *http.Server
	ruleCache  cache.Cache
	db         *sqlx.DB
}

// stores bundles the storage interfaces the services need.
type stores struct {
	rules      storage.RuleStore
	executions storage.ExecutionStore
	events     storage.EventStore
	records    storage.RecordStore
}

// NewApplication constructs an application with default wiring: PostgreSQL
// and Redis when configured, in-memory stores otherwise.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewApplicationWithConfig(cfg)
}

// NewApplicationWithConfig constructs an application from an explicit
// configuration.
func NewApplicationWithConfig(cfg *config.Config) (*Application, error) {
	log := logger.New(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})

	st, db, err := buildStores(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("configure stores: %w", err)
	}

	ruleCache, err := buildCache(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("configure cache: %w", err)
	}

	rulesSvc := rules.New(st.rules, st.executions, st.records, ruleCache, rules.Config{
		MaxConcurrentExecutions: cfg.Engine.MaxConcurrentExecutions,
		DefaultRetryAttempts:    cfg.Engine.DefaultRetryAttempts,
		DefaultRetryDelay:       cfg.Engine.DefaultRetryDelay(),
		CacheTTL:                cfg.Engine.CacheTTL(),
		WebhookTimeout:          cfg.Engine.WebhookTimeout(),
	}, nil, log.WithField("service", "rules"))

	eventsSvc := events.New(st.events, rulesSvc, events.Config{
		QueueSize:          cfg.Engine.QueueSize,
		DrainRatePerSecond: cfg.Engine.DrainRatePerSecond,
		WebhookTimeout:     cfg.Engine.WebhookTimeout(),
	}, log.WithField("service", "events"))

	schedulerSvc := scheduler.New(st.rules, rulesSvc, log.WithField("service", "scheduler"))

	app := &Application{
		cfg:       cfg,
		log:       log,
		rulesSvc:  rulesSvc,
		eventsSvc: eventsSvc,
		scheduler: schedulerSvc,
		ruleCache: ruleCache,
		db:        db,
	}
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		app.metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
	}
	return app, nil
}

// Rules exposes the rule service.
func (a *Application) Rules() *rules.Service { return a.rulesSvc }

// Events exposes the event service.
func (a *Application) Events() *events.Service { return a.eventsSvc }

// Run starts the engine and blocks until the context is cancelled or a
// component fails to come up.
func (a *Application) Run(ctx context.Context) error {
	if err := a.eventsSvc.EnsureDefaultDefinitions(ctx); err != nil {
		a.log.WithError(err).Warn("failed to seed default event definitions")
	}
	if err := a.eventsSvc.Start(ctx); err != nil {
		return err
	}
	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	if a.metricsSrv != nil {
		go func() {
			a.log.Infof("metrics endpoint listening on %s", a.metricsSrv.Addr)
			if err := a.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	a.log.Info("automation engine running")
	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown stops the scheduler and event consumer, waits for in-flight
// executions, and releases external connections.
func (a *Application) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	a.scheduler.Stop()
	a.eventsSvc.Stop()
	a.rulesSvc.Close()

	if a.metricsSrv != nil {
		if err := a.metricsSrv.Shutdown(shutdownCtx); err != nil {
			a.log.WithError(err).Warn("error shutting down metrics endpoint")
		}
	}
	if closer, ok := a.ruleCache.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			a.log.WithError(err).Warn("error closing cache connection")
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.WithError(err).Warn("error closing database connection")
		}
	}
	return nil
}

func buildStores(cfg *config.Config, log *logger.Logger) (stores, *sqlx.DB, error) {
	if cfg.Database.DSN == "" {
		log.Warn("no database configured, using in-memory stores")
		mem := memory.New()
		return stores{rules: mem, executions: mem, events: mem, records: mem}, nil, nil
	}

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return stores{}, nil, err
	}
	pg := postgres.New(db)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := pg.EnsureSchema(ctx); err != nil {
		db.Close()
		return stores{}, nil, fmt.Errorf("ensure schema: %w", err)
	}
	return stores{rules: pg, executions: pg, events: pg, records: pg}, db, nil
}

func buildCache(cfg *config.Config, log *logger.Logger) (cache.Cache, error) {
	if cfg.Redis.Addr == "" {
		log.Warn("no redis configured, using in-process rule cache")
		return cache.NewMemory(), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return cache.NewRedis(ctx, cache.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

func openDatabase(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "postgres"
	}

	db, err := sqlx.Open(driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
