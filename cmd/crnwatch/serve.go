package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/jdholdren/crnwatch/internal/api"
	"github.com/jdholdren/crnwatch/internal/crnwatch"
	"github.com/jdholdren/crnwatch/internal/delivery"
	"github.com/jdholdren/crnwatch/internal/dispatch"
	"github.com/jdholdren/crnwatch/internal/migrations"
	"github.com/jdholdren/crnwatch/internal/redisledger"
	"github.com/jdholdren/crnwatch/internal/scheduler"
	cwsqlite "github.com/jdholdren/crnwatch/internal/sqlite"
	"github.com/jdholdren/crnwatch/internal/tracker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tracking engine and the HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context) error {
	slog.Info("running", "config", cfg)

	dbx, err := openDB()
	if err != nil {
		return err
	}
	defer dbx.Close()

	// Migrate, always
	if err := migrations.Run(dbx); err != nil {
		return fmt.Errorf("error migrating: %s", err)
	}

	repo := cwsqlite.New(dbx)

	ledger, err := newLedger(ctx, repo)
	if err != nil {
		return err
	}
	channel, err := newChannel(ctx)
	if err != nil {
		return err
	}

	app := fx.New(
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.SlogLogger{Logger: slog.Default()}
		}),
		fx.Supply(
			api.Config{Port: cfg.Port, CorsOrigin: cfg.CorsOrigin},
			fx.Annotate(ctx, fx.As(new(context.Context))),
			fx.Annotate(repo, fx.As(new(api.Store))),
			fx.Annotate(ledger, fx.As(new(crnwatch.DispatchLedger))),
			fx.Annotate(channel, fx.As(new(crnwatch.Channel))),
		),
		fx.Provide(
			func(ledger crnwatch.DispatchLedger, channel crnwatch.Channel) (*dispatch.Dispatcher, error) {
				return dispatch.New(dispatch.Config{
					Workers:        cfg.SendWorkers,
					Backoff:        sendPolicy().Backoff,
					ReplaySchedule: cfg.ReplaySchedule,
					RedeliverAfter: cfg.RedeliverAfter,
					RedeliverFor:   cfg.RedeliverFor,
				}, repo, ledger, repo, channel)
			},
			func(d *dispatch.Dispatcher) *tracker.Tracker {
				return tracker.New(newRegistrar(), repo, d)
			},
			func(t *tracker.Tracker) *scheduler.Scheduler {
				return scheduler.New(scheduler.Config{
					PollInterval:    cfg.PollInterval,
					MinPollInterval: cfg.MinPollInterval,
					ScanSchedule:    cfg.ScanSchedule,
					Workers:         cfg.PollWorkers,
					QueueSize:       cfg.PollQueueSize,
					Policy: scheduler.Policy{
						Base:       cfg.BackoffBase,
						Multiplier: cfg.BackoffMultiplier,
						Cap:        cfg.BackoffCap,
					},
					MaxConsecutiveFailures:   cfg.MaxConsecutiveFailures,
					DegradedInterval:         cfg.DegradedInterval,
					NotFoundRemovalThreshold: cfg.NotFoundRemovalThreshold,
				}, t, repo)
			},
			func(s *scheduler.Scheduler) api.Scheduler { return s },
		),
		api.Module,
		fx.Invoke(runEngine),
		fx.Invoke(func(api.Server) {}), // Start the API server
	)

	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("error starting: %s", err)
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := app.Stop(stopCtx); err != nil {
		return fmt.Errorf("error stopping: %s", err)
	}

	return nil
}

// The retry schedule for one outbound send, in the same shape as the poll
// backoff.
func sendPolicy() scheduler.Policy {
	return scheduler.Policy{
		Base:        time.Second,
		Multiplier:  2,
		Cap:         time.Minute,
		MaxAttempts: cfg.SendMaxAttempts,
	}
}

// Ties the dispatcher and scheduler to the app lifecycle. The scheduler stops
// before the dispatcher so the last polls can still hand off their events.
func runEngine(ctx context.Context, lc fx.Lifecycle, d *dispatch.Dispatcher, s *scheduler.Scheduler) {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if err := d.Start(runCtx); err != nil {
				return fmt.Errorf("error starting dispatcher: %s", err)
			}
			go func() {
				done <- s.Run(runCtx)
			}()

			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()

			var err error
			select {
			case err = <-done:
			case <-stopCtx.Done():
				return fmt.Errorf("scheduler didn't stop in time: %w", stopCtx.Err())
			}
			d.Close()

			if err != nil {
				return fmt.Errorf("error running scheduler: %s", err)
			}
			return nil
		},
	})
}

func newLedger(ctx context.Context, repo cwsqlite.Repo) (crnwatch.DispatchLedger, error) {
	switch cfg.Ledger {
	case "", "sqlite":
		return repo, nil
	case "redis":
		rdb, err := redisledger.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}

		return redisledger.New(rdb, cfg.LedgerTTL), nil
	}

	return nil, fmt.Errorf("unknown ledger %q", cfg.Ledger)
}

func newChannel(ctx context.Context) (crnwatch.Channel, error) {
	switch cfg.Delivery {
	case "", "log":
		return delivery.LogChannel{Logger: slog.Default()}, nil
	case "webhook":
		if cfg.WebhookURL == "" {
			return nil, fmt.Errorf("WEBHOOK_URL must be set for webhook delivery")
		}

		return delivery.NewWebhookChannel(cfg.WebhookURL, nil), nil
	case "temporal":
		c, err := dialTemporal(ctx)
		if err != nil {
			return nil, err
		}

		return delivery.NewTemporalChannel(c, delivery.TaskQueue), nil
	}

	return nil, fmt.Errorf("unknown delivery %q", cfg.Delivery)
}

// Retries until temporal is ready.
func dialTemporal(ctx context.Context) (client.Client, error) {
	if cfg.TemporalHostPort == "" {
		return nil, fmt.Errorf("TEMPORAL_HOST_PORT must be set for temporal delivery")
	}

	var temporalCli client.Client
	if err := retry.Fibonacci(ctx, 1*time.Second, func(ctx context.Context) error {
		c, err := client.Dial(client.Options{
			HostPort:  cfg.TemporalHostPort,
			Namespace: cfg.TemporalNamespace,
			Logger:    tlog.NewStructuredLogger(slog.Default()),
		})
		if err != nil {
			slog.WarnContext(ctx, "temporal not ready", "error", err)
			return retry.RetryableError(err)
		}
		temporalCli = c

		return nil
	}); err != nil {
		return nil, fmt.Errorf("error creating temporal client: %s", err)
	}

	return temporalCli, nil
}
