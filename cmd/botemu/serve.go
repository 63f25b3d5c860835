package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/p-blackswan/botemu/internal/api"
	"github.com/p-blackswan/botemu/internal/commands"
	"github.com/p-blackswan/botemu/internal/config"
	"github.com/p-blackswan/botemu/internal/conversation"
	"github.com/p-blackswan/botemu/internal/delivery"
	"github.com/p-blackswan/botemu/internal/health"
	"github.com/p-blackswan/botemu/internal/ledger"
	"github.com/p-blackswan/botemu/internal/metrics"
	"github.com/p-blackswan/botemu/internal/realtime"
	"github.com/p-blackswan/botemu/internal/session"
)

// sessionSoftLimit marks readiness degraded, not down.
const sessionSoftLimit = 10000

func newServeCommand() *cobra.Command {
	var prefix string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the emulator API and realtime servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadWithPrefix(prefix)
			if err != nil {
				return err
			}
			logger, closeLog, err := newLogger(cfg, os.Stdout)
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVar(&prefix, "env-prefix", "", "Prefix for environment variable names")
	return cmd
}

func loadCommands(cfg *config.Config, logger zerolog.Logger) (*commands.Registry, error) {
	var extra []commands.Command
	if cfg.CommandsFile != "" {
		cmds, err := commands.LoadFile(cfg.CommandsFile)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("file", cfg.CommandsFile).Int("count", len(cmds)).Msg("loaded custom commands")
		extra = cmds
	}
	return commands.Default(time.Now, extra...)
}

func serve(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	logger.Info().
		Str("environment", cfg.Environment).
		Int("http_port", cfg.HTTPPort).
		Str("realtime_addr", cfg.RealtimeListenAddr).
		Str("version", version).
		Msg("starting bot emulator")

	registry, err := loadCommands(cfg, logger)
	if err != nil {
		return fmt.Errorf("loading commands: %w", err)
	}

	// The hub is built after the store but must hear about removals.
	var hub *realtime.Hub
	store := session.NewStore(logger, session.WithRemoveHook(func(id, reason string) {
		if hub != nil {
			hub.CloseSession(id, reason)
		}
	}))

	m := metrics.New(func() float64 { return float64(store.Len()) })

	led, err := ledger.New(cfg.LedgerDSN, logger)
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	defer led.Close()

	hub = realtime.NewHub(store, logger,
		realtime.WithAllowedOrigins(cfg.AllowedOriginList()),
		realtime.WithMetrics(m))

	notifier := delivery.NewNotifier(store, logger,
		delivery.WithRecorder(led),
		delivery.WithBroadcaster(hub),
		delivery.WithMetrics(m))
	engine := conversation.NewEngine(store, logger, conversation.WithMetrics(m))

	checker := health.NewChecker(logger)
	checker.Register("ledger", health.PingCheck(led))
	checker.Register("sessions", health.CapacityCheck(store.Len, sessionSoftLimit))

	sweeper, err := session.NewSweeper(cfg.SweepSchedule, logger)
	if err != nil {
		return err
	}
	sweeper.Add("sessions", session.ExpireSessions(store, cfg.SessionRetention, func(ids []string) {
		m.RecordExpired(len(ids))
	}))
	sweeper.Add("ledger", func(ctx context.Context, now time.Time) error {
		if _, err := led.RunRetention(ctx, now.Add(-cfg.LedgerRetention)); err != nil {
			return err
		}
		if size, err := led.DBSizeBytes(); err == nil {
			logger.Debug().Int64("bytes", size).Msg("ledger size")
		}
		return nil
	})
	sweeper.Add("health", func(ctx context.Context, _ time.Time) error {
		checker.RunAll(ctx)
		return nil
	})

	// Realtime socket, metrics and probes
	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", health.LivenessHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())

	rtServer := &http.Server{
		Addr:              cfg.RealtimeListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	apiServer := api.NewServer(api.ServerConfig{
		ListenAddr:     cfg.ListenAddr(),
		AllowedOrigins: cfg.AllowedOriginList(),
		RateLimit: api.RateLimitConfig{
			Window: cfg.RateLimitWindow,
			Max:    cfg.RateLimitMaxRequests,
		},
		BodyLimit: cfg.BodyLimitBytes,
	}, api.Deps{
		Store:      store,
		Engine:     engine,
		Notifier:   notifier,
		Commands:   registry,
		Deliveries: led,
		Realtime:   hub,
		Checker:    checker,
		History: api.HistoryLimits{
			Default: cfg.HistoryDefaultLimit,
			Max:     cfg.HistoryMaxLimit,
		},
	}, m, logger)

	errCh := make(chan error, 2)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info().Str("addr", cfg.RealtimeListenAddr).Msg("realtime server starting")
		if err := rtServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("realtime server: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := apiServer.Start(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sweeper.Run(sweepCtx); err != nil {
			logger.Error().Err(err).Msg("sweeper stopped")
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down gracefully")
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("server failed, shutting down")
	}

	stopSweep()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api server shutdown error")
	}
	hub.Shutdown()
	if err := rtServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("realtime server shutdown error")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-shutdownCtx.Done():
		logger.Warn().Msg("forced shutdown after timeout")
	}

	logger.Info().Msg("bot emulator stopped")
	return runErr
}
