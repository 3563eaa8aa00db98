package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/trackletapp/tracklet/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the tracklet configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration validation failed: %v\n", err)
		return err
	}

	fmt.Printf("Configuration OK\n")
	fmt.Printf("  user:       %s\n", cfg.User.ID)
	fmt.Printf("  local:      %s\n", cfg.Storage.Path)
	fmt.Printf("  remote:     %s:%d/%d\n", cfg.Remote.Redis.Host, cfg.Remote.Redis.Port, cfg.Remote.Redis.DB)
	fmt.Printf("  batch size: %d\n", cfg.Sync.BatchSize)
	fmt.Printf("  pull limit: %d\n", cfg.Sync.PullLimit)
	return nil
}
