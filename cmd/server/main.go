package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/wigma-ws/internal/adapters/http"
	wssignal "github.com/dkeye/wigma-ws/internal/adapters/signal"
	"github.com/dkeye/wigma-ws/internal/app"
	"github.com/dkeye/wigma-ws/internal/app/orch"
	"github.com/dkeye/wigma-ws/internal/auth"
	"github.com/dkeye/wigma-ws/internal/config"
	"github.com/dkeye/wigma-ws/internal/persistence"
	"github.com/dkeye/wigma-ws/internal/platform/timeouts"
	"github.com/dkeye/wigma-ws/internal/store"
	"github.com/dkeye/wigma-ws/internal/store/memory"
	"github.com/dkeye/wigma-ws/internal/store/sqlite"
	"github.com/dkeye/wigma-ws/internal/store/supabase"
	"github.com/dkeye/wigma-ws/internal/telemetry"
	"github.com/dkeye/wigma-ws/internal/worker"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	if cfg.Mode == "release" {
		// JSON lines in production.
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
	log.Info().Msg("Server exited gracefully")
}

func run(ctx context.Context, cfg *config.Config) error {
	shutdownTracing, err := telemetry.Setup(ctx, "wigma-ws", cfg.OTelEndpoint)
	if err != nil {
		log.Warn().Err(err).Msg("tracing disabled")
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer scancel()
		_ = shutdownTracing(sctx)
	}()

	httpClient := timeouts.NewHTTPClient()
	backend, closeBackend, err := openBackend(ctx, cfg, httpClient)
	if err != nil {
		return err
	}
	defer closeBackend()

	verifier := auth.NewVerifier(ctx, auth.Options{
		IdentityProviderURL: cfg.SupabaseURL,
		Secret:              cfg.JWTSecret,
		HTTPClient:          httpClient,
	})
	policy, err := app.PolicyByName(cfg.SlowPeerPolicy)
	if err != nil {
		return err
	}
	persist := persistence.New(persistence.Options{
		Backend:    backend,
		Timeout:    timeouts.Request,
		MaxRetries: uint64(cfg.StoreRetries),
		NewBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	})
	workers := worker.New(cfg.Workers)

	o := orch.New(orch.Options{
		Registry:            app.NewRegistry(),
		Rooms:               app.NewRoomManager(cfg.MaxRooms),
		Policy:              policy,
		Verifier:            verifier,
		Store:               persist,
		Workers:             workers,
		MaxPeers:            cfg.MaxPeers,
		CompactionThreshold: cfg.CompactionThreshold,
		SweepInterval:       cfg.SnapshotInterval(),
		CompactionTimeout:   cfg.CompactionTimeout,
	})

	ws := wssignal.NewSignalWSController(o, wssignal.Options{
		ReadLimit:       cfg.ReadLimit,
		PingPeriod:      cfg.PingPeriod,
		IdleTimeout:     cfg.IdleTimeout,
		WriteTimeout:    timeouts.Write,
		SendBufferBytes: cfg.SendBufferBytes,
		AllowedOrigins:  cfg.AllowedOrigins,
	})
	var limiter *wssignal.RateLimiter
	if cfg.JoinRateLimit > 0 {
		limiter = wssignal.NewRateLimiter(cfg.JoinRateLimit, time.Minute)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router.SetupRouter(ctx, cfg, o, ws, limiter),
		ReadHeaderTimeout: timeouts.ReadHeader,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return workers.Run(gctx) })
	g.Go(func() error { return o.Run(gctx) })
	g.Go(func() error { return verifier.RunRefresh(gctx, cfg.JWKSRefreshInterval) })
	if limiter != nil {
		g.Go(func() error { return pruneLoop(gctx, limiter) })
	}
	g.Go(func() error {
		log.Info().Str("addr", addr).Str("store", cfg.StoreBackend).Msg("wigma-ws server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		sctx, scancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer scancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})
	return g.Wait()
}

func openBackend(ctx context.Context, cfg *config.Config, client *http.Client) (store.Backend, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendSupabase:
		return supabase.New(cfg.SupabaseURL, cfg.SupabaseServiceKey, client), func() {}, nil
	case config.BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create sqlite dir: %w", err)
		}
		s, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case config.BackendMemory:
		log.Warn().Msg("memory store: documents are lost on restart and every member check passes")
		return memory.New(true), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}

func pruneLoop(ctx context.Context, rl *wssignal.RateLimiter) error {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			rl.Prune()
		}
	}
}
