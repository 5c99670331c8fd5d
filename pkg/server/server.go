// Package server provides the public entry point for initializing the
// lemonade gateway: Config → Prober → Filter → Catalog → Registry →
// Scheduler → Artifact Store → Gateway → Handlers → Router.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(fmt.Sprintf(":%d", srv.Port), srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lemonade-sh/lemonade-gateway/internal/api"
	"github.com/lemonade-sh/lemonade-gateway/internal/api/handlers"
	"github.com/lemonade-sh/lemonade-gateway/internal/artifact"
	"github.com/lemonade-sh/lemonade-gateway/internal/auth"
	"github.com/lemonade-sh/lemonade-gateway/internal/catalog"
	"github.com/lemonade-sh/lemonade-gateway/internal/config"
	"github.com/lemonade-sh/lemonade-gateway/internal/engine"
	"github.com/lemonade-sh/lemonade-gateway/internal/gateway"
	"github.com/lemonade-sh/lemonade-gateway/internal/hardware"
	"github.com/lemonade-sh/lemonade-gateway/internal/scheduler"
	"github.com/lemonade-sh/lemonade-gateway/internal/telemetry"
)

const statsSampleInterval = 2 * time.Second

// Server holds the initialized gateway.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	Config    *config.Config
	Catalog   *catalog.Catalog
	Prober    *hardware.Prober
	Scheduler *scheduler.Scheduler
	Gateway   *gateway.Gateway

	Port int

	statsCancel  context.CancelFunc
	shutdownFunc func(context.Context) error
}

// New initializes the gateway from environment configuration.
func New(ctx context.Context) (*Server, error) {
	cfg := config.Load()

	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	prober := hardware.NewProber(cfg.CacheRoot, cfg.Version, "/var/lib/lemonade/engines")
	snapshot := prober.Snapshot()
	log.Info().Str("os", snapshot.OS).Float64("memory_gb", snapshot.PhysicalMemory).Msg("hardware probed")

	filter := hardware.NewFilter(hardware.DefaultSupportTable(), cfg.DisableModelFiltering)
	resolver := artifact.NewResolver(cfg)

	cat, err := catalog.New(cfg.CacheRoot, cfg.ExtraModelsDir, resolver, filter, snapshot)
	if err != nil {
		return nil, fmt.Errorf("init catalog: %w", err)
	}
	cat.Start(ctx)
	log.Info().Int("count", cat.Count()).Msg("catalog initialized")

	registry := engine.NewRegistry()
	sched := scheduler.New(registry, cfg.MaxPerType, nil)

	hfClient := artifact.NewHFClient("https://huggingface.co", cfg.HFToken)
	store := artifact.NewStore(cfg, hfClient)

	gw := gateway.New(cat, sched, store)

	live := hardware.NewLiveSampler()
	statsCtx, statsCancel := context.WithCancel(ctx)
	live.Start(statsCtx, statsSampleInterval)

	h := handlers.New(gw, cat, prober, live, cfg)

	var authMW *auth.Middleware
	if cfg.APIKey != "" {
		authMW = auth.New(cfg.APIKey)
	}

	router := api.NewRouter(h, authMW)

	return &Server{
		Handler:       router,
		Config:        cfg,
		Catalog:       cat,
		Prober:        prober,
		Scheduler:     sched,
		Gateway:       gw,
		Port:         cfg.Port,
		statsCancel:  statsCancel,
		shutdownFunc: shutdown,
	}, nil
}

// Shutdown stops background goroutines and flushes telemetry.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.statsCancel != nil {
		s.statsCancel()
	}
	s.Catalog.Stop()
	if s.shutdownFunc != nil {
		return s.shutdownFunc(ctx)
	}
	return nil
}
