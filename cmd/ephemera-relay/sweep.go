package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ephemera-project/ephemera/internal/logger"
	"github.com/ephemera-project/ephemera/sweeper"
)

// sweepCmd runs a single garbage collection pass. Useful as a cron job
// against a shared backend when no server instance is running.
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove expired records and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		log := logger.NewDefaultLogger()
		ctx := context.Background()

		kv, err := openStore(ctx, cfg, log)
		if err != nil {
			return fmt.Errorf("open storage backend: %w", err)
		}
		defer kv.Close()

		removed, err := sweeper.New(kv, log, 0).Sweep(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d expired records\n", removed)
		return nil
	},
}
