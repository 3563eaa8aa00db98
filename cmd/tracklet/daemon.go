package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/trackletapp/tracklet/internal/clock"
	"github.com/trackletapp/tracklet/internal/config"
	"github.com/trackletapp/tracklet/internal/metrics"
	"github.com/trackletapp/tracklet/internal/storage/bolt"
	"github.com/trackletapp/tracklet/internal/storage/redis"
	"github.com/trackletapp/tracklet/internal/syncer"
	"github.com/trackletapp/tracklet/internal/tracker"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the session sync daemon",
	Long: `Run the background host for the session core: opens the local store,
connects to the remote store, and keeps them reconciled on a periodic
cycle. SIGHUP triggers an immediate manual sync.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Str("user_id", cfg.User.ID).
		Msg("Starting tracklet daemon")

	// Local store
	local, err := bolt.Open(cfg.Storage.Path, logger)
	if err != nil {
		return fmt.Errorf("failed to open local store: %w", err)
	}
	defer func() {
		if err := local.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close local store")
		}
	}()

	logger.Info().Str("path", cfg.Storage.Path).Msg("Local store opened")

	// Remote store
	remote, err := redis.Open(cfg.Remote.Redis)
	if err != nil {
		return fmt.Errorf("failed to connect to remote store: %w", err)
	}
	defer func() {
		if err := remote.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close remote store")
		}
	}()

	logger.Info().
		Str("host", cfg.Remote.Redis.Host).
		Int("port", cfg.Remote.Redis.Port).
		Msg("Remote store connected")

	// Sync engine
	engine, err := syncer.New(local, remote, clock.RealClock{}, syncer.Config{
		UserID:      cfg.User.ID,
		BatchSize:   cfg.Sync.BatchSize,
		PullLimit:   cfg.Sync.PullLimit,
		MaxAttempts: uint(cfg.Sync.MaxAttempts),
		BaseDelay:   parseDuration(cfg.Sync.BaseDelay, syncer.DefaultBaseDelay),
		BatchYield:  parseDuration(cfg.Sync.BatchYield, syncer.DefaultBatchYield),
		PurgeMemory: cfg.Sync.PurgeMemory,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize sync engine: %w", err)
	}

	// Lifecycle engine
	engineTracker := tracker.New(local, engine, clock.RealClock{}, tracker.Config{
		UserID:       cfg.User.ID,
		GuardRelease: parseDuration(cfg.Tracker.GuardRelease, tracker.DefaultGuardRelease),
	}, logger)
	engine.SetReloader(engineTracker)

	if err := engineTracker.Load(cmd.Context()); err != nil {
		logger.Error().Err(err).Msg("Initial session load failed, continuing empty")
	}

	engine.OnStateChange(func(active bool) {
		logger.Debug().Bool("syncing", active).Msg("Sync state changed")
	})

	// Triggers and sweeper
	triggers := syncer.NewTriggers(engine, logger)
	sweeper := syncer.NewSweeper(engine, syncer.DefaultSweepInterval, logger)
	sweeper.Start()

	// Metrics server
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.Metrics.BindAddress, cfg.Metrics.Port)
		metricsServer = metrics.NewServer(addr, logger)
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go triggers.RunPeriodic(ctx, parseDuration(cfg.Sync.CycleInterval, 5*time.Minute))
	triggers.SyncNow()

	logger.Info().Msg("Tracklet daemon startup complete")

	// SIGHUP = manual sync, INT/TERM = shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			logger.Info().Msg("Manual sync requested")
			triggers.SyncNow()
			continue
		}
		break
	}

	logger.Info().Msg("Shutdown signal received, gracefully stopping...")

	cancel()
	sweeper.Stop()

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping metrics server")
		}
	}

	logger.Info().Msg("Tracklet stopped")

	return nil
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
