package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ternarybob/trellis/internal/app"
)

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Fail stale RUNNING jobs and jobs whose messages were dead-lettered",
	RunE:  runReap,
}

func runReap(cmd *cobra.Command, args []string) error {
	application, err := app.New(config, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer application.Close()

	result, err := application.Reaper.Run(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("stale: %d, dead-lettered: %d\n", result.Stale, result.DeadLettered)
	return nil
}
