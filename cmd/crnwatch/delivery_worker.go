package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jdholdren/crnwatch/internal/delivery"
)

var deliveryWorkerCmd = &cobra.Command{
	Use:   "delivery-worker",
	Short: "Run the temporal worker that posts notifications to the webhook",
	Long: `The delivery worker pairs with DELIVERY=temporal: serve starts a workflow
per notification and this worker runs them, posting to WEBHOOK_URL with
temporal owning the retries.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if cfg.WebhookURL == "" {
			return fmt.Errorf("WEBHOOK_URL must be set")
		}

		c, err := dialTemporal(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := delivery.EnsureNamespace(ctx, c.WorkflowService(), cfg.TemporalNamespace); err != nil {
			return err
		}

		w := delivery.NewWorker(c, delivery.TaskQueue, delivery.NewWebhookChannel(cfg.WebhookURL, nil))

		// Stop the worker when the command is interrupted
		interrupt := make(chan any)
		go func() {
			<-ctx.Done()
			close(interrupt)
		}()
		if err := w.Run(interrupt); err != nil {
			return fmt.Errorf("error running worker: %s", err)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(deliveryWorkerCmd)
}
