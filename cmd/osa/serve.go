package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/openscience-archive/osa/pkg/api"
	"github.com/openscience-archive/osa/pkg/config"
	"github.com/openscience-archive/osa/pkg/events"
	"github.com/openscience-archive/osa/pkg/files"
	"github.com/openscience-archive/osa/pkg/handler"
	"github.com/openscience-archive/osa/pkg/index"
	"github.com/openscience-archive/osa/pkg/log"
	"github.com/openscience-archive/osa/pkg/metrics"
	"github.com/openscience-archive/osa/pkg/outbox"
	"github.com/openscience-archive/osa/pkg/pipeline"
	"github.com/openscience-archive/osa/pkg/runner"
	"github.com/openscience-archive/osa/pkg/service"
	"github.com/openscience-archive/osa/pkg/storage"
	"github.com/openscience-archive/osa/pkg/worker"
)

const shutdownTimeout = 30 * time.Second

var (
	configPath string
	devMode    bool
	listenAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the archive server: workers, scheduler and HTTP API",
	Long: `Serve runs everything in one process: one worker per pipeline
handler, the janitor, the recurring source-run scheduler and the
read-side HTTP API.

With --dev the relational store and the OCI runner are replaced by
in-memory substitutes, so the server starts with no Postgres and no
containerd.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
	serveCmd.Flags().BoolVar(&devMode, "dev", false, "run with in-memory storage and a fake runner")
	serveCmd.Flags().StringVar(&listenAddr, "addr", "", "HTTP listen address (overrides the config file)")
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if devMode {
		cfg.Dev = true
	}
	if listenAddr != "" {
		cfg.Server.Addr = listenAddr
	}
	if cfg.Dev && cfg.Files.BasePath == config.Default().Files.BasePath {
		dir, err := os.MkdirTemp("", "osa-dev-*")
		if err != nil {
			return nil, err
		}
		cfg.Files.BasePath = dir
	}
	return cfg, cfg.Validate()
}

func serve(cfg *config.Config) error {
	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.Format != "console",
	})
	metrics.SetVersion(Version)
	logger := log.WithComponent("serve")

	types := events.NewTypeRegistry()
	if err := events.RegisterCore(types); err != nil {
		return err
	}
	types.Freeze()

	layout, err := files.NewLayout(cfg.Files.BasePath)
	if err != nil {
		return err
	}

	run, closeRunner, err := buildRunner(cfg)
	if err != nil {
		return err
	}
	defer closeRunner()

	indexes, err := buildIndexes(cfg)
	if err != nil {
		return err
	}

	svc := service.New(layout)
	handlers := pipeline.Handlers(pipeline.Deps{
		Service: svc,
		Files:   layout,
		Runner:  run,
		Indexes: indexes,
	})
	registry, err := handler.NewRegistry(types, handlers...)
	if err != nil {
		return err
	}

	factory, db, stats, err := buildFactory(cfg, types, registry)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	collector := metrics.NewCollector(stats)
	collector.Start()
	defer collector.Stop()

	pool := worker.NewPool(registry, factory, worker.PoolConfig{
		PollInterval:        cfg.Worker.PollInterval.Std(),
		JanitorInterval:     cfg.Worker.JanitorInterval.Std(),
		SchedulerResolution: cfg.Worker.SchedulerResolution.Std(),
	})
	if err := pool.Start(context.Background()); err != nil {
		return fmt.Errorf("starting worker pool: %w", err)
	}

	var pinger api.Pinger
	if db != nil {
		pinger = db
	}
	apiServer := api.NewServer(factory, svc, indexes, pinger)
	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(cfg.Server.Addr); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("http api failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	if err := pool.Stop(shutdownTimeout); err != nil {
		logger.Warn().Err(err).Msg("worker pool shutdown incomplete")
	}
	logger.Info().Msg("shutdown complete")
	return nil
}

func buildRunner(cfg *config.Config) (runner.Runner, func(), error) {
	if cfg.Dev {
		// The fake runner succeeds without producing output, so hookless
		// conventions flow end to end in dev mode.
		fake := runner.NewFakeRunner(func(context.Context, runner.Spec) (runner.Result, error) {
			return runner.Result{}, nil
		})
		return fake, func() {}, nil
	}

	cr, err := runner.NewContainerdRunner(cfg.Runner.ContainerdSocket)
	if err != nil {
		return nil, nil, err
	}
	cr.SetNamespace(cfg.Runner.Namespace)
	return cr, func() { _ = cr.Close() }, nil
}

// buildIndexes wires the configured index backends. The keyword backend
// is Redis when configured, in-memory otherwise; the vector slot runs on
// the in-memory backend until a real vector store is wired.
func buildIndexes(cfg *config.Config) (*index.Registry, error) {
	var keyword index.Backend = index.NewMemoryBackend("keyword")
	if cfg.Index.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Index.Redis.Addr,
			Password: cfg.Index.Redis.Password,
			DB:       cfg.Index.Redis.DB,
		})
		keyword = index.NewRedisBackend("keyword", client)
	}
	return index.NewRegistry(
		index.WithBreaker(keyword),
		index.NewMemoryBackend("vector"),
	)
}

func buildFactory(cfg *config.Config, types *events.TypeRegistry, registry *handler.Registry) (handler.Factory, *sql.DB, metrics.StatsSource, error) {
	subs := registry.Subscriptions()

	if cfg.Dev {
		repo := outbox.NewMemoryRepository(types)
		return handler.NewMemoryFactory(repo, storage.MemoryStores(), subs), nil, repo, nil
	}

	db, err := sql.Open("pgx", cfg.Database.DSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening database: %w", err)
	}
	if cfg.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if lifetime := cfg.Database.ConnMaxLifetime.Std(); lifetime > 0 {
		db.SetConnMaxLifetime(lifetime)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("pinging database: %w", err)
	}
	stats := outbox.NewPostgresRepository(db, types)
	return handler.NewPostgresFactory(db, types, subs), db, stats, nil
}
