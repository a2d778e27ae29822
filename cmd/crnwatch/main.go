// Crnwatch watches course sections at the registrar and tells the people
// tracking them when seats open, times move or a section is cancelled.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/cobra"
	_ "golang.org/x/crypto/x509roots/fallback"
	_ "modernc.org/sqlite"

	"github.com/jdholdren/crnwatch/internal/logger"
)

type config struct {
	Database string `env:"DATABASE"`
	Port     int    `env:"PORT, default=4444"`

	// Which format to use for logging: either text or json
	LoggerFormat string `env:"LOGGER_FORMAT, default=text"`
	Debug        bool   `env:"DEBUG, default=false"`

	RegistrarURL     string        `env:"REGISTRAR_URL"`
	RegistrarTimeout time.Duration `env:"REGISTRAR_TIMEOUT, default=10s"`
	RegistrarRate    float64       `env:"REGISTRAR_RATE, default=1"`
	RegistrarBurst   int           `env:"REGISTRAR_BURST, default=1"`

	PollInterval             time.Duration `env:"POLL_INTERVAL, default=5m"`
	MinPollInterval          time.Duration `env:"MIN_POLL_INTERVAL, default=1m"`
	ScanSchedule             string        `env:"SCAN_SCHEDULE, default=@every 15s"`
	PollWorkers              int           `env:"POLL_WORKERS, default=4"`
	PollQueueSize            int           `env:"POLL_QUEUE_SIZE, default=64"`
	BackoffBase              time.Duration `env:"BACKOFF_BASE, default=30s"`
	BackoffMultiplier        float64       `env:"BACKOFF_MULTIPLIER, default=2"`
	BackoffCap               time.Duration `env:"BACKOFF_CAP, default=10m"`
	MaxConsecutiveFailures   int           `env:"MAX_CONSECUTIVE_FAILURES, default=5"`
	DegradedInterval         time.Duration `env:"DEGRADED_INTERVAL, default=30m"`
	NotFoundRemovalThreshold int           `env:"NOT_FOUND_REMOVAL_THRESHOLD, default=0"`

	// Where the dispatch ledger lives: sqlite or redis
	Ledger    string        `env:"LEDGER, default=sqlite"`
	RedisURL  string        `env:"REDIS_URL"`
	LedgerTTL time.Duration `env:"LEDGER_TTL, default=720h"`

	// How notifications leave: log, webhook or temporal
	Delivery          string `env:"DELIVERY, default=log"`
	WebhookURL        string `env:"WEBHOOK_URL"`
	TemporalHostPort  string `env:"TEMPORAL_HOST_PORT"`
	TemporalNamespace string `env:"TEMPORAL_NAMESPACE, default=default"`
	SendWorkers       int    `env:"SEND_WORKERS, default=4"`
	SendMaxAttempts   int    `env:"SEND_MAX_ATTEMPTS, default=5"`
	ReplaySchedule    string `env:"REPLAY_SCHEDULE, default=@every 1m"`

	// Sends that failed or never finished are retried after sitting for
	// REDELIVER_AFTER, for up to REDELIVER_FOR after the change was seen
	RedeliverAfter time.Duration `env:"REDELIVER_AFTER, default=10m"`
	RedeliverFor   time.Duration `env:"REDELIVER_FOR, default=24h"`

	CorsOrigin string `env:"CORS_ORIGIN, default=*"`
}

var (
	cfg config

	rootCmd = &cobra.Command{
		Use:          "crnwatch",
		Short:        "Track course sections and notify subscribers of changes",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// Parse the config
			if err := envconfig.Process(cmd.Context(), &cfg); err != nil {
				return fmt.Errorf("error parsing config: %s", err)
			}

			level := slog.LevelInfo
			if cfg.Debug {
				level = slog.LevelDebug
			}
			slog.SetDefault(logger.New(os.Stderr, cfg.LoggerFormat, level))

			return nil
		},
	}
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("error running", "error", err)
		os.Exit(1)
	}
}

// Connects to the sqlite db.
func openDB() (*sqlx.DB, error) {
	if cfg.Database == "" {
		return nil, fmt.Errorf("DATABASE must be set")
	}

	dbx, err := sqlx.Open("sqlite", fmt.Sprintf("%s?_txlock=immediate&_journal_mode=WAL&_busy_timeout=5000", cfg.Database))
	if err != nil {
		return nil, fmt.Errorf("error opening database: %s", err)
	}

	return dbx, nil
}
