package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Evothesis/server-infrastructure/common/database"
	"github.com/Evothesis/server-infrastructure/common/logging"
	"github.com/Evothesis/server-infrastructure/common/messaging"
	natsclient "github.com/Evothesis/server-infrastructure/common/messaging/nats"
	"github.com/Evothesis/server-infrastructure/internal/compliance"
	"github.com/Evothesis/server-infrastructure/internal/config"
	"github.com/Evothesis/server-infrastructure/internal/exporter"
	"github.com/Evothesis/server-infrastructure/internal/objectstore"
	"github.com/Evothesis/server-infrastructure/internal/privacy"
	"github.com/Evothesis/server-infrastructure/internal/repository"
	"github.com/Evothesis/server-infrastructure/internal/retention"
	"github.com/Evothesis/server-infrastructure/internal/scheduler"
	"github.com/Evothesis/server-infrastructure/internal/searchindex"
	"github.com/Evothesis/server-infrastructure/internal/tenant"
)

// App holds every pipeline component built from one Config.
type App struct {
	Config *config.Config
	Logger *logging.Logger

	Store     repository.EventStore
	Raw       objectstore.Store
	Processed objectstore.Store
	Cache     tenant.Cache
	Resolver  *tenant.Resolver
	Indexer   *searchindex.Indexer
	NATS      *natsclient.Client

	Exporter  *exporter.Exporter
	Processor *compliance.Processor
	Cleaner   *retention.Cleaner
	Guard     *scheduler.Guard

	closers []io.Closer
}

// closerFunc adapts a func to io.Closer.
type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// BuildStore opens the configured row store, migrating PostgreSQL first when
// asked to. SQLite stores migrate themselves on open.
func BuildStore(ctx context.Context, cfg config.DatabaseConfig) (repository.EventStore, error) {
	database.Configure(database.Timeouts{
		Query: cfg.QueryTimeout,
		Write: cfg.WriteTimeout,
		Bulk:  cfg.BulkTimeout,
	})
	switch cfg.Driver {
	case config.DriverPostgres:
		if cfg.MigrateOnStart {
			if err := repository.MigratePostgres(cfg.URL); err != nil {
				return nil, err
			}
		}
		return repository.NewPostgresStore(ctx, cfg.URL, repository.PostgresOptions{
			MaxConns: cfg.MaxConns,
			MinConns: cfg.MinConns,
		})
	case config.DriverSQLite:
		return repository.NewSQLiteStore(ctx, cfg.SQLitePath)
	case config.DriverMemory:
		return repository.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// BuildBucket opens one bucket on the configured object store.
func BuildBucket(ctx context.Context, driver string, b config.BucketConfig, fallbackName string) (objectstore.Store, error) {
	switch driver {
	case config.DriverS3:
		return objectstore.NewS3Store(ctx, objectstore.S3Options{
			Bucket:       b.Bucket,
			Region:       b.Region,
			AccessKey:    b.AccessKey,
			SecretKey:    b.SecretKey,
			Endpoint:     b.Endpoint,
			UsePathStyle: b.UsePathStyle,
		})
	case config.DriverMemory:
		name := b.Bucket
		if name == "" {
			name = fallbackName
		}
		return objectstore.NewMemoryStore(name), nil
	default:
		return nil, fmt.Errorf("unknown object store driver %q", driver)
	}
}

// BuildApp wires every component. On error, whatever was already opened is
// closed.
func BuildApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Default()
	}

	app := &App{Config: cfg, Logger: logger, Guard: scheduler.NewGuard()}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	app.Store, err = BuildStore(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open row store: %w", err)
	}
	app.closers = append(app.closers, app.Store)

	app.Raw, err = BuildBucket(ctx, cfg.ObjectStore.Driver, cfg.Raw, "raw")
	if err != nil {
		return nil, fmt.Errorf("failed to open raw bucket: %w", err)
	}
	app.Processed, err = BuildBucket(ctx, cfg.ObjectStore.Driver, cfg.Processed, "processed")
	if err != nil {
		return nil, fmt.Errorf("failed to open processed bucket: %w", err)
	}

	switch cfg.Tenant.CacheBackend {
	case config.CacheRedis:
		rc, err := tenant.OpenRedisCache(ctx, cfg.Tenant.RedisURL, cfg.Tenant.CacheTTL)
		if err != nil {
			return nil, err
		}
		app.Cache = rc
		app.closers = append(app.closers, rc)
	default:
		app.Cache = tenant.NewMemoryCache(cfg.Tenant.CacheTTL)
	}

	policy := cfg.Retry.Policy()

	app.Resolver, err = tenant.NewResolver(app.Cache, tenant.Options{
		BaseURL:    cfg.Tenant.URL,
		Timeout:    cfg.Tenant.Timeout,
		AuthSecret: cfg.Tenant.AuthSecret,
		Retry:      policy,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	var publisher messaging.Publisher = messaging.NopPublisher{}
	if cfg.NATS.Enabled {
		natsCfg := natsclient.DefaultConfig()
		natsCfg.URL = cfg.NATS.URL
		natsCfg.Name = cfg.NATS.Name
		natsCfg.Token = cfg.NATS.Token
		app.NATS, err = natsclient.NewClient(natsCfg, logger.Logger)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, closerFunc(app.NATS.Drain))
		publisher = app.NATS
	}

	procOpts := compliance.Options{
		BatchSize:   cfg.Process.BatchSize,
		Concurrency: cfg.Process.Concurrency,
		ClaimTTL:    cfg.Process.ClaimTTL,
		ScanLimit:   cfg.Process.ScanLimit,
		Retry:       policy,
		Publisher:   publisher,
		Logger:      logger,
	}
	if cfg.Search.Enabled {
		app.Indexer, err = searchindex.New(searchindex.Config{
			URL:           cfg.Search.URL,
			Username:      cfg.Search.Username,
			Password:      cfg.Search.Password,
			TLSSkipVerify: cfg.Search.TLSSkipVerify,
			IndexPrefix:   cfg.Search.IndexPrefix,
			FlushInterval: cfg.Search.FlushInterval,
			Workers:       cfg.Search.Workers,
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		procOpts.Indexer = app.Indexer
	}

	app.Exporter, err = exporter.New(app.Store, app.Raw, exporter.Options{
		BatchSize:     cfg.Export.BatchSize,
		MaxBatchBytes: cfg.Export.MaxBatchBytes,
		Retry:         policy,
		Publisher:     publisher,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	app.Processor, err = compliance.New(app.Raw, app.Processed, app.Resolver,
		privacy.NewTransformer(cfg.Process.IPSalt), procOpts)
	if err != nil {
		return nil, err
	}

	app.Cleaner, err = retention.New(app.Store, app.Raw, retention.Options{
		Enabled:         cfg.Cleanup.Enabled,
		Delay:           cfg.Cleanup.Delay(),
		BatchSize:       cfg.Cleanup.BatchSize,
		DeleteBatchSize: cfg.Cleanup.DeleteBatchSize,
		Verify:          cfg.Cleanup.VerifyRawExport,
		StaleAfter:      cfg.Cleanup.StaleAfter,
		Retry:           policy.WithMaxAttempts(cfg.Cleanup.MaxRetries),
		Publisher:       publisher,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	return app, nil
}

// Jobs returns the periodic passes configured for serve.
func (a *App) Jobs() []scheduler.Job {
	return []scheduler.Job{
		{Stage: "export", Interval: a.Config.Export.Interval, Run: func(ctx context.Context) { a.Exporter.Export(ctx) }},
		{Stage: "process", Interval: a.Config.Process.Interval, Run: func(ctx context.Context) { a.Processor.Process(ctx) }},
		{Stage: "cleanup", Interval: a.Config.Cleanup.Interval, Run: func(ctx context.Context) { a.Cleaner.Cleanup(ctx) }},
	}
}

// Close releases connections in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
