// Package server provides the public entry point for initializing the
// DriftGate engine server.
//
// This package exists in pkg/ (not internal/) so that embedders can import
// it and compose the engine with their own task executor:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/driftgate/driftgate/internal/api"
	"github.com/driftgate/driftgate/internal/api/handlers"
	"github.com/driftgate/driftgate/internal/applier"
	"github.com/driftgate/driftgate/internal/calibration"
	"github.com/driftgate/driftgate/internal/config"
	"github.com/driftgate/driftgate/internal/evaluation"
	"github.com/driftgate/driftgate/internal/governance"
	"github.com/driftgate/driftgate/internal/healer"
	"github.com/driftgate/driftgate/internal/store"
	"github.com/driftgate/driftgate/internal/telemetry"
	"github.com/driftgate/driftgate/pkg/models"
)

// Config is the public configuration for the engine server.
type Config struct {
	Port         int
	Version      string
	OTELEnabled  bool
	OTELEndpoint string
	ServiceName  string

	// Executor runs suite tasks against the system under test. Task
	// execution is an external collaborator: embedders supply one. When
	// nil, suite runs over HTTP fail with a validation error until an
	// executor is wired in.
	Executor evaluation.TaskExecutor
}

// Server holds the initialized DriftGate engine.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store (in-memory JSON snapshot or SQLite).
	Store store.Store

	// Config is the server configuration.
	Config *Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush
	// telemetry and stop the policy watcher.
	ShutdownFunc func(context.Context) error
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() *Config {
	cfg := config.Load()
	return &Config{
		Port:         cfg.Port,
		Version:      cfg.Version,
		OTELEnabled:  cfg.Telemetry.Enabled,
		OTELEndpoint: cfg.Telemetry.OTLPEndpoint,
		ServiceName:  cfg.Telemetry.ServiceName,
	}
}

// New initializes all engine components and returns a ready Server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, LoadConfig())
}

// NewWithConfig initializes the engine with an explicit configuration.
func NewWithConfig(ctx context.Context, pubCfg *Config) (*Server, error) {
	cfg := config.Load()
	if pubCfg.Port > 0 {
		cfg.Port = pubCfg.Port
	}

	// Initialize telemetry
	telemetryShutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	// Governance policy, optionally hot-reloaded
	policy, err := governance.NewPolicyProvider(cfg.Policy.Path)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	log.Info().Str("path", cfg.Policy.Path).Msg("✅ Governance policy loaded")

	watchCtx, stopWatch := context.WithCancel(context.Background())
	if cfg.Policy.Watch {
		go func() {
			if err := policy.Watch(watchCtx); err != nil && watchCtx.Err() == nil {
				log.Error().Err(err).Msg("Policy watcher stopped")
			}
		}()
		log.Info().Msg("✅ Policy hot-reload enabled")
	}

	executor := pubCfg.Executor
	if executor == nil {
		executor = evaluation.TaskExecutorFunc(func(ctx context.Context, task models.TaskSpec) (float64, error) {
			return 0, models.Validationf("no task executor configured")
		})
	}

	// Initialize services
	runner := evaluation.NewRunner(executor, dataStore)
	cal := calibration.NewService(dataStore)
	heal := healer.NewHealer(dataStore, cfg.Healer)
	gate := governance.NewGate(dataStore, policy)
	app := applier.NewApplier(dataStore, filepath.Join(dataDir(cfg.Store), "backups"), "driftgate-engine")

	log.Info().Msg("✅ Evaluation runner initialized")
	log.Info().Msg("✅ Calibration service initialized")
	log.Info().Msg("✅ Governance gate initialized")
	log.Info().Msg("✅ Sandboxed applier initialized")

	// Build handlers + API router
	h := handlers.New(dataStore, runner, cal, heal, gate, app)
	router := api.NewRouter(cfg, h)

	shutdown := func(ctx context.Context) error {
		stopWatch()
		return telemetryShutdown(ctx)
	}

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Config:       pubCfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		path := filepath.Join(dataDir(cfg), "driftgate.db")
		s, err := store.NewSQLiteStore(path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		log.Info().Str("path", path).Msg("✅ SQLite store initialized")
		return s, nil
	case "", "memory":
		s := store.NewMemoryStore(cfg.DataDir)
		log.Info().Msg("✅ In-memory store initialized")
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func dataDir(cfg config.StoreConfig) string {
	if cfg.DataDir != "" {
		return cfg.DataDir
	}
	return os.TempDir()
}
