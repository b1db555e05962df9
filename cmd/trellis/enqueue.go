package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ternarybob/trellis/internal/app"
	"github.com/ternarybob/trellis/internal/jobs"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <source-ref>",
	Short: "Create an import job for a source file and queue its analysis",
	Long:  `Creates the job record, then publishes the analyze message. A running "serve" process picks it up.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runEnqueue,
}

var (
	enqueueName   string
	enqueueTenant string
	enqueueUser   string
)

func init() {
	enqueueCmd.Flags().StringVar(&enqueueName, "name", "", "Display name for the job")
	enqueueCmd.Flags().StringVar(&enqueueTenant, "tenant", "", "Tenant identifier (required in multi-tenant mode)")
	enqueueCmd.Flags().StringVar(&enqueueUser, "user", "", "User to notify when the job finishes")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	application, err := app.New(config, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer application.Close()

	job, err := application.Enqueuer.StartAnalysis(context.Background(), jobs.CreateJobRequest{
		SourceRef:   args[0],
		Name:        enqueueName,
		TenantID:    enqueueTenant,
		CreatedByID: enqueueUser,
	})
	if err != nil {
		if job != nil {
			return fmt.Errorf("job %s created but not queued (retry with requeue): %w", job.ID, err)
		}
		return err
	}

	fmt.Println(job.ID)
	return nil
}
