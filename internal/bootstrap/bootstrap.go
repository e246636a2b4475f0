// Package bootstrap assembles and runs the components of kvadmin serve
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/global-data-controller/kvadmin/internal/admin"
	"github.com/global-data-controller/kvadmin/internal/api"
	"github.com/global-data-controller/kvadmin/internal/config"
	"github.com/global-data-controller/kvadmin/internal/eventbus"
	"github.com/global-data-controller/kvadmin/internal/group"
	"github.com/global-data-controller/kvadmin/internal/logging"
	"github.com/global-data-controller/kvadmin/internal/models"
	"github.com/global-data-controller/kvadmin/internal/policy"
	"github.com/global-data-controller/kvadmin/internal/server"
	"github.com/global-data-controller/kvadmin/internal/storage"
	"github.com/global-data-controller/kvadmin/internal/telemetry"
)

// Bootstrap initializes the admin server components
type Bootstrap struct {
	Config    *config.Config
	Logger    logging.Logger
	Telemetry *telemetry.Telemetry
	Metrics   *telemetry.Metrics

	Store   storage.MetadataStore
	Gate    *policy.Gate
	Bus     eventbus.EventBus
	Cluster *admin.Cluster
	Server  *server.Server

	// Ephemeral keeps metadata in memory whatever the storage backend.
	Ephemeral bool
}

// New creates a new bootstrap instance
func New() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads configFile (or the default locations) and initializes
// logging and telemetry
func (b *Bootstrap) Initialize(ctx context.Context, configFile string) error {
	cfg, err := config.LoadFromFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	return b.InitializeConfig(ctx, cfg)
}

// InitializeConfig initializes logging and telemetry from a loaded config
func (b *Bootstrap) InitializeConfig(ctx context.Context, cfg *config.Config) error {
	b.Config = cfg

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	b.Logger = logger

	logger.Info(ctx, "Configuration loaded",
		zap.String("storage", cfg.Storage.Backend),
		zap.Bool("ephemeral", b.Ephemeral),
		zap.String("log_level", cfg.Logging.Level))

	tel, err := telemetry.NewTelemetry(cfg.Telemetry, logger.Zap())
	if err != nil {
		logger.Error(ctx, "Failed to initialize telemetry", zap.Error(err))
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	b.Telemetry = tel

	metrics, err := telemetry.NewMetrics(tel.Meter())
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}
	b.Metrics = metrics

	if cfg.Telemetry.Enabled {
		logger.Info(ctx, "Telemetry initialized",
			zap.String("service_name", cfg.Telemetry.ServiceName),
			zap.String("jaeger_endpoint", cfg.Telemetry.JaegerEndpoint),
			zap.Float64("sample_rate", cfg.Telemetry.SampleRate))
	} else {
		logger.Info(ctx, "Telemetry is disabled")
	}
	return nil
}

// Start opens the store, starts the admin replicas and serves them
func (b *Bootstrap) Start(ctx context.Context) error {
	if b.Logger == nil {
		return fmt.Errorf("bootstrap not initialized")
	}
	cfg := b.Config
	zl := b.Logger.Zap()

	store, err := b.openStore(ctx)
	if err != nil {
		return err
	}
	b.Store = store

	gate, err := policy.NewGateFromConfig(ctx, &cfg.Policy, zl)
	if err != nil {
		return fmt.Errorf("failed to load override policy: %w", err)
	}
	b.Gate = gate

	bus, err := eventbus.Open(cfg.EventBus, zl)
	if err != nil {
		return fmt.Errorf("failed to connect event bus: %w", err)
	}
	b.Bus = bus

	opts := admin.Options{Store: store, Gate: gate, Metrics: b.Metrics, Logger: zl}
	if bus != nil {
		opts.Bus = bus
	}
	cluster, err := admin.NewCluster(ctx, admin.ClusterConfig{
		Layout: cfg.Cluster,
		Admin: admin.Config{
			TaskDelay:         cfg.Admin.TaskDelay,
			AwaitPollInterval: cfg.Admin.AwaitPollInterval,
			Quorum:            cfg.Admin.Quorum,
		},
		Group: group.Config{ElectionDelay: cfg.Admin.ElectionDelay},
	}, opts)
	if err != nil {
		return fmt.Errorf("failed to start admin replicas: %w", err)
	}
	b.Cluster = cluster

	var replicas []server.Replica
	for _, e := range cluster.Endpoints() {
		replicas = append(replicas, server.Replica{
			ID:      e.ID(),
			Handler: api.NewGateway(e, cfg.API, zl.With(zap.Stringer("replica", e.ID()))),
		})
	}
	srvOpts := server.Options{Replicas: replicas, Root: cfg.Admin.ReplicaID, Logger: zl}
	if cfg.Telemetry.Enabled {
		srvOpts.Metrics = b.Telemetry.Handler()
	}
	srv, err := server.New(cfg.Server, srvOpts)
	if err != nil {
		return err
	}
	b.Server = srv

	cluster.Group().OnLeaderChange(func(leader models.AdminID, term uint64) {
		srv.SetMaster(leader)
	})
	if leader, _, ok := cluster.Group().Leader(); ok {
		srv.SetMaster(leader)
	}

	if err := b.Telemetry.Start(ctx); err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}

	b.Logger.Info(ctx, "Admin server started",
		zap.String("topology", cfg.Cluster.Name),
		zap.Int("replicas", len(replicas)),
		zap.String("http", srv.HTTPAddr()))
	return nil
}

func (b *Bootstrap) openStore(ctx context.Context) (storage.MetadataStore, error) {
	cfg := b.Config.Storage
	if b.Ephemeral {
		return storage.NewMemoryStore(), nil
	}
	switch cfg.Backend {
	case config.BackendMemory:
		return storage.NewMemoryStore(), nil
	case config.BackendBBolt:
		store, err := storage.NewBBoltStore(storage.BBoltConfig{Path: cfg.Path})
		if err != nil {
			return nil, fmt.Errorf("failed to open bbolt store: %w", err)
		}
		return store, nil
	case config.BackendYDB:
		store, err := storage.NewYDBStore(ctx, storage.YDBConfig{ConnectionString: cfg.DSN, Table: cfg.Table})
		if err != nil {
			return nil, fmt.Errorf("failed to open ydb store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}
}

// Stop stops every started component in reverse order
func (b *Bootstrap) Stop(ctx context.Context) error {
	if b.Logger == nil {
		return nil
	}
	b.Logger.Info(ctx, "Stopping admin server")

	var errs []error
	if b.Server != nil {
		errs = append(errs, b.Server.Stop(ctx))
	}
	if b.Cluster != nil {
		b.Cluster.Close()
	}
	if b.Bus != nil {
		errs = append(errs, b.Bus.Close())
	}
	if b.Store != nil {
		errs = append(errs, b.Store.Close())
	}
	if b.Telemetry != nil {
		errs = append(errs, b.Telemetry.Stop(ctx))
	}

	err := errors.Join(errs...)
	if err != nil {
		b.Logger.Error(ctx, "Admin server stopped with errors", zap.Error(err))
	} else {
		b.Logger.Info(ctx, "Admin server stopped")
	}
	// stdout cannot be synced on every platform
	_ = b.Logger.Sync()
	return err
}
