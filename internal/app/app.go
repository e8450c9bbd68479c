// Package app assembles the engine from configuration. The three binaries
// share it so they agree on stores, leases and secrets.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/leozw/certiroute/internal/acme"
	"github.com/leozw/certiroute/internal/api/handlers"
	"github.com/leozw/certiroute/internal/certs"
	"github.com/leozw/certiroute/internal/checks"
	"github.com/leozw/certiroute/internal/command"
	"github.com/leozw/certiroute/internal/config"
	"github.com/leozw/certiroute/internal/credentials"
	"github.com/leozw/certiroute/internal/dnsprovider"
	"github.com/leozw/certiroute/internal/installer"
	"github.com/leozw/certiroute/internal/lease"
	"github.com/leozw/certiroute/internal/metrics"
	"github.com/leozw/certiroute/internal/probe"
	"github.com/leozw/certiroute/internal/publicip"
	"github.com/leozw/certiroute/internal/queue"
	"github.com/leozw/certiroute/internal/registrar"
	"github.com/leozw/certiroute/internal/secrets"
	"github.com/leozw/certiroute/internal/storage/memory"
	"github.com/leozw/certiroute/internal/storage/postgres"
	"github.com/leozw/certiroute/internal/storage/redis"
)

// Store is everything the services need from the lifecycle store.
type Store interface {
	registrar.Store
	certs.Store
	credentials.Repository
	Ping(ctx context.Context) error
}

var (
	_ Store = (*memory.Store)(nil)
	_ Store = (*postgres.DB)(nil)
)

type App struct {
	Config       *config.Config
	Logger       *zap.Logger
	Registry     *prometheus.Registry
	Metrics      *metrics.Collector
	Store        Store
	Redis        *redis.Client
	Queue        *queue.RedisQueue
	Credentials  *credentials.Service
	Registrar    *registrar.Service
	Certificates *certs.Manager
	Prober       *probe.Prober

	closers []func() error
}

// Build wires every component. Without a database URL the process-local
// store is used; without a Redis URL leases and the detection cache stay in
// process and no job queue exists.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.NewCollector(a.Registry)

	if err := a.openStore(); err != nil {
		a.Close()
		return nil, err
	}

	var (
		locker lease.Locker        = lease.NewMemory()
		cache  probe.SnapshotCache = &probe.MemoryCache{}
	)
	if cfg.Redis.URL != "" {
		a.Redis = redis.NewClient(cfg.Redis.URL)
		a.closers = append(a.closers, a.Redis.Close)
		locker = redis.NewLocker(a.Redis, logger)
		cache = redis.NewSnapshotCache(a.Redis)
		a.Queue = queue.NewRedisQueue(a.Redis.Client, cfg.Scheduler.QueueName)
	} else {
		logger.Warn("No Redis configured; leases and detections are process-local")
	}

	cipher, err := credentials.NewCipher(cfg.Credentials.EncryptionKey)
	if err != nil {
		a.Close()
		return nil, err
	}
	route53 := dnsprovider.NewRoute53(cfg.DNS.RequestTimeout)
	a.Credentials = credentials.NewService(a.Store, cipher, route53, logger)

	a.Registrar = registrar.NewService(
		a.Credentials,
		route53,
		publicip.New(cfg.DNS.IPDiscoveryURL, cfg.DNS.RequestTimeout),
		checks.NewDNSChecker(cfg.DNS.Resolver, cfg.DNS.RequestTimeout),
		checks.NewWHOISChecker(cfg.DNS.RequestTimeout),
		a.Store,
		locker,
		a.Metrics,
		logger,
		registrar.Options{
			TTL:              cfg.DNS.TTL,
			LeaseTTL:         cfg.DNS.LeaseTTL,
			ReconcileOrphans: cfg.DNS.ReconcileOrphans,
		},
	)

	secretStore, err := openSecrets(ctx, cfg.Secrets)
	if err != nil {
		a.Close()
		return nil, err
	}

	authority, err := acme.NewAuthority(cfg.ACME, secretStore, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	keyType, err := acme.KeyType(cfg.ACME.KeyType)
	if err != nil {
		a.Close()
		return nil, err
	}

	installers, err := installer.NewRegistry(cfg.Installer, command.NewExec(cfg.Installer.CommandTimeout), logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Certificates = certs.NewManager(
		a.Store,
		authority,
		a.Registrar,
		secretStore,
		installers,
		checks.NewSSLChecker(cfg.DNS.RequestTimeout),
		locker,
		a.Metrics,
		logger,
		certs.Options{KeyType: keyType, LeaseTTL: cfg.ACME.RequestTimeout + time.Minute},
	)

	a.Prober = probe.NewSystemProber(cfg.Probe, cache, a.Metrics, logger)
	return a, nil
}

func (a *App) openStore() error {
	cfg := a.Config.Database
	if cfg.URL == "" {
		a.Logger.Warn("No database configured; using the in-memory store")
		a.Store = memory.New()
		return nil
	}

	db, err := postgres.Connect(cfg.URL, cfg.MaxConnections, cfg.MaxIdleConns, a.Logger)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	a.closers = append(a.closers, db.Close)
	if cfg.AutoMigrate {
		if err := db.Migrate(); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
	}
	a.Store = db
	return nil
}

func openSecrets(ctx context.Context, cfg config.SecretsConfig) (*secrets.Router, error) {
	file, err := secrets.NewFileStore(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("open secret dir: %w", err)
	}

	switch cfg.Backend {
	case "", "fs":
		return secrets.NewRouter(file, file, nil), nil
	case "s3":
		s3, err := secrets.NewS3Store(ctx, secrets.S3Config{
			Bucket:   cfg.Bucket,
			Region:   cfg.Region,
			Prefix:   cfg.Prefix,
			Endpoint: cfg.Endpoint,
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("open s3 secrets: %w", err)
		}
		return secrets.NewRouter(s3, file, s3), nil
	default:
		return nil, fmt.Errorf("unknown secrets backend %q", cfg.Backend)
	}
}

// Deps exposes the services to the HTTP layer.
func (a *App) Deps() handlers.Deps {
	ready := map[string]handlers.Pinger{"store": a.Store}
	if a.Redis != nil {
		ready["redis"] = a.Redis
	}
	return handlers.Deps{
		Credentials:  a.Credentials,
		Registrar:    a.Registrar,
		Certificates: a.Certificates,
		Detector:     a.Prober,
		Ready:        ready,
	}
}

// RemoteWriter pushes the registry to the configured remote-write endpoint.
func (a *App) RemoteWriter() *metrics.RemoteWriter {
	return metrics.NewRemoteWriter(a.Config.Metrics, a.Registry, a.Logger)
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn("Close failed", zap.Error(err))
		}
	}
	a.closers = nil
}
