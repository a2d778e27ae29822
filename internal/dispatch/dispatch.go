// Package dispatch fans change events out to the users subscribed to them,
// once per user per event.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/robfig/cron/v3"
	"github.com/sethvargo/go-retry"

	"github.com/jdholdren/crnwatch/internal/crnwatch"
	"github.com/jdholdren/crnwatch/internal/logger"
)

type (
	// Recipients resolves who hears about a key.
	Recipients interface {
		Subscribers(ctx context.Context, key crnwatch.Key) ([]crnwatch.Subscription, error)
	}

	Config struct {
		Workers   int
		CacheSize int // Recently recorded dispatch keys kept in memory

		// Builds the retry schedule for one send.
		Backoff func() retry.Backoff

		ReplaySchedule string // Cron spec for re-dispatching pending events
		ReplayBatch    int

		// Failed sends, and recorded ones that never got an answer, are tried
		// again once they've sat this long. Anything detected more than
		// RedeliverFor ago is left alone.
		RedeliverAfter time.Duration
		RedeliverFor   time.Duration
	}

	Dispatcher struct {
		cfg        Config
		recipients Recipients
		ledger     crnwatch.DispatchLedger
		outbox     crnwatch.EventOutbox
		channel    crnwatch.Channel

		pool   *workerpool.WorkerPool
		seen   *lru.Cache[string, struct{}]
		cron   *cron.Cron
		replay sync.Mutex
		now    func() time.Time
	}
)

func New(cfg Config, recipients Recipients, ledger crnwatch.DispatchLedger, outbox crnwatch.EventOutbox, channel crnwatch.Channel) (*Dispatcher, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 4096
	}
	if cfg.Backoff == nil {
		cfg.Backoff = func() retry.Backoff {
			return retry.WithMaxRetries(4, retry.NewExponential(time.Second))
		}
	}
	if cfg.ReplaySchedule == "" {
		cfg.ReplaySchedule = "@every 1m"
	}
	if cfg.ReplayBatch <= 0 {
		cfg.ReplayBatch = 500
	}
	if cfg.RedeliverAfter <= 0 {
		cfg.RedeliverAfter = 10 * time.Minute
	}
	if cfg.RedeliverFor <= 0 {
		cfg.RedeliverFor = 24 * time.Hour
	}

	seen, err := lru.New[string, struct{}](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("error creating dispatch cache: %s", err)
	}

	return &Dispatcher{
		cfg:        cfg,
		recipients: recipients,
		ledger:     ledger,
		outbox:     outbox,
		channel:    channel,
		pool:       workerpool.New(cfg.Workers),
		seen:       seen,
		cron:       cron.New(),
		now:        time.Now,
	}, nil
}

// Dispatch records and queues a notification for every subscriber whose
// preferences allow each event. Sends happen in the background.
//
// An event is marked dispatched once every one of its recipients has a ledger
// entry. Events that fail here stay pending and are picked up by Replay.
func (d *Dispatcher) Dispatch(ctx context.Context, events []crnwatch.ChangeEvent) error {
	var (
		done []string
		errs []error
	)
	for _, ev := range events {
		if err := d.dispatchEvent(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("error dispatching %s for %s: %w", ev.Kind, ev.Key(), err))
			continue
		}
		if ev.ID != "" {
			done = append(done, ev.ID)
		}
	}

	if err := d.outbox.MarkEventsDispatched(ctx, done); err != nil {
		errs = append(errs, fmt.Errorf("error marking events dispatched: %w", err))
	}

	return errors.Join(errs...)
}

func (d *Dispatcher) dispatchEvent(ctx context.Context, ev crnwatch.ChangeEvent) error {
	subs, err := d.recipients.Subscribers(ctx, ev.Key())
	if err != nil {
		return fmt.Errorf("error resolving subscribers: %w", err)
	}

	for _, sub := range subs {
		if !sub.Preferences().Allows(ev.Kind) {
			continue
		}

		key := ev.DispatchKeyFor(sub.UserID)
		if d.seen.Contains(key.String()) {
			continue
		}

		// The ledger entry goes in before the send is queued, so a crash
		// loses at most this one send and never repeats it.
		first, err := d.ledger.Record(ctx, key)
		if err != nil {
			return fmt.Errorf("error recording dispatch: %w", err)
		}
		d.seen.Add(key.String(), struct{}{})
		if !first {
			continue
		}

		d.submit(ctx, sub.UserID, ev, key)
	}

	return nil
}

func (d *Dispatcher) submit(ctx context.Context, userID string, ev crnwatch.ChangeEvent, key crnwatch.DispatchKey) {
	ctx = logger.Ctx(context.WithoutCancel(ctx),
		slog.String("user_id", userID),
		slog.String("kind", string(ev.Kind)),
		slog.String("term", ev.Term),
		slog.String("crn", ev.CRN),
	)

	d.pool.Submit(func() {
		err := retry.Do(ctx, d.cfg.Backoff(), func(ctx context.Context) error {
			err := d.channel.Send(ctx, userID, ev)
			if err == nil || errors.Is(err, crnwatch.ErrPermanentDelivery) {
				return err
			}

			slog.WarnContext(ctx, "send failed, retrying", "error", err)
			return retry.RetryableError(err)
		})
		if errors.Is(err, crnwatch.ErrPermanentDelivery) {
			slog.ErrorContext(ctx, "notification rejected", "error", err)
			if err := d.ledger.MarkRejected(ctx, key); err != nil {
				slog.ErrorContext(ctx, "error marking dispatch rejected", "error", err)
			}
			return
		}
		if err != nil {
			slog.ErrorContext(ctx, "giving up on notification for now", "error", err)
			if err := d.ledger.MarkFailed(ctx, key); err != nil {
				slog.ErrorContext(ctx, "error marking dispatch failed", "error", err)
			}
			return
		}

		if err := d.ledger.MarkSent(ctx, key); err != nil {
			slog.ErrorContext(ctx, "error marking dispatch sent", "error", err)
		}
	})
}

// Replay re-dispatches events that were stored but never fully dispatched,
// then retries sends that never went out.
func (d *Dispatcher) Replay(ctx context.Context) error {
	d.replay.Lock()
	defer d.replay.Unlock()

	var errs []error
	events, err := d.outbox.PendingEvents(ctx, d.cfg.ReplayBatch)
	if err != nil {
		errs = append(errs, fmt.Errorf("error listing pending events: %w", err))
	}
	if len(events) > 0 {
		slog.InfoContext(ctx, "replaying pending events", "count", len(events))
		errs = append(errs, d.Dispatch(ctx, events))
	}

	errs = append(errs, d.redeliver(ctx))
	return errors.Join(errs...)
}

// Only ledgers that can list what's undelivered get redeliveries.
func (d *Dispatcher) redeliver(ctx context.Context) error {
	rd, ok := d.ledger.(crnwatch.Redeliveries)
	if !ok {
		return nil
	}

	now := d.now()
	keys, err := rd.ClaimUndelivered(ctx, now.Add(-d.cfg.RedeliverAfter), now.Add(-d.cfg.RedeliverFor), d.cfg.ReplayBatch)
	if err != nil {
		return fmt.Errorf("error claiming undelivered sends: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	slog.InfoContext(ctx, "redelivering sends", "count", len(keys))

	var errs []error
	for _, key := range keys {
		ev, err := d.outbox.EventFor(ctx, key)
		if err != nil {
			// Still claimed, it comes back around once it's stale again
			errs = append(errs, fmt.Errorf("error loading event for %s: %w", key, err))
			continue
		}

		wanted, err := d.stillWanted(ctx, key.UserID, ev)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !wanted {
			if err := d.ledger.MarkRejected(ctx, key); err != nil {
				errs = append(errs, fmt.Errorf("error marking dispatch rejected: %w", err))
			}
			continue
		}

		d.submit(ctx, key.UserID, *ev, key)
	}

	return errors.Join(errs...)
}

// Reports whether the user still subscribes to the event and wants its kind.
func (d *Dispatcher) stillWanted(ctx context.Context, userID string, ev *crnwatch.ChangeEvent) (bool, error) {
	if ev == nil {
		return false, nil
	}

	subs, err := d.recipients.Subscribers(ctx, ev.Key())
	if err != nil {
		return false, fmt.Errorf("error resolving subscribers: %w", err)
	}
	for _, sub := range subs {
		if sub.UserID == userID {
			return sub.Preferences().Allows(ev.Kind), nil
		}
	}

	return false, nil
}

// Start replays once and then on the replay schedule.
func (d *Dispatcher) Start(ctx context.Context) error {
	if err := d.Replay(ctx); err != nil {
		slog.ErrorContext(ctx, "error replaying events", "error", err)
	}

	if _, err := d.cron.AddFunc(d.cfg.ReplaySchedule, func() {
		if err := d.Replay(ctx); err != nil {
			slog.ErrorContext(ctx, "error replaying events", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("error scheduling replay: %s", err)
	}
	d.cron.Start()

	return nil
}

// Close stops replaying and waits for queued sends to finish.
func (d *Dispatcher) Close() {
	<-d.cron.Stop().Done()
	d.pool.StopWait()
}
