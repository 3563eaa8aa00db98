package main

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/trackletapp/tracklet/internal/clock"
	"github.com/trackletapp/tracklet/internal/config"
	"github.com/trackletapp/tracklet/internal/storage/bolt"
	"github.com/trackletapp/tracklet/internal/storage/redis"
	"github.com/trackletapp/tracklet/internal/syncer"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle and exit",
	Long:  `Run a single pull-then-push reconciliation against the remote store.`,
	RunE:  runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	local, err := bolt.Open(cfg.Storage.Path, logger)
	if err != nil {
		return fmt.Errorf("failed to open local store: %w", err)
	}
	defer func() { _ = local.Close() }()

	remote, err := redis.Open(cfg.Remote.Redis)
	if err != nil {
		return fmt.Errorf("failed to connect to remote store: %w", err)
	}
	defer func() { _ = remote.Close() }()

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

	started := time.Now()
	if err := engine.SyncCycle(cmd.Context(), "manual"); err != nil {
		return fmt.Errorf("sync cycle failed: %w", err)
	}

	logger.Info().Dur("elapsed", time.Since(started)).Msg("Sync cycle complete")
	return nil
}
