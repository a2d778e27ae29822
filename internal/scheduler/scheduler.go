// Package scheduler decides when each tracked section gets polled.
//
// Every key moves through IDLE -> DUE -> IN_FLIGHT -> {IDLE, BACKOFF}. A cron
// driven scan pushes due keys onto a bounded queue that a fixed set of workers
// drains. A key is never queued or polled twice at the same time.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/run"
	"github.com/robfig/cron/v3"

	"github.com/jdholdren/crnwatch/internal/crnwatch"
	"github.com/jdholdren/crnwatch/internal/logger"
)

type State int

const (
	StateIdle State = iota
	StateDue
	StateInFlight
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDue:
		return "due"
	case StateInFlight:
		return "in_flight"
	case StateBackoff:
		return "backoff"
	}

	return fmt.Sprintf("state(%d)", int(s))
}

// Availability values reported for a key.
const (
	AvailabilityOK          = "ok"
	AvailabilityNotFound    = "section_not_found"
	AvailabilityUnavailable = "temporarily_unavailable"
)

type (
	// Poller does the work for one key: fetch, diff, store, dispatch.
	Poller interface {
		Poll(ctx context.Context, key crnwatch.Key) (crnwatch.PollOutcome, error)
	}

	// KeySource is the slice of the subscription registry the scheduler needs.
	KeySource interface {
		TrackedKeys(ctx context.Context) ([]crnwatch.Key, error)
		RemoveKey(ctx context.Context, key crnwatch.Key) error
	}

	Config struct {
		PollInterval    time.Duration
		MinPollInterval time.Duration // Floor under PollInterval

		ScanSchedule string // Cron spec for the due scan
		Workers      int
		QueueSize    int

		Policy                 Policy
		MaxConsecutiveFailures int
		DegradedInterval       time.Duration

		// Consecutive NotFound polls before a key is dropped; 0 never drops.
		NotFoundRemovalThreshold int
	}

	// PollJob is one queued poll.
	PollJob struct {
		Key       crnwatch.Key
		NotBefore time.Time
		Attempt   int
	}

	// KeyStatus is a point in time view of a key's schedule.
	KeyStatus struct {
		Key          crnwatch.Key `json:"key"`
		State        string       `json:"state"`
		LastPolled   time.Time    `json:"last_polled"`
		NextDue      time.Time    `json:"next_due"`
		Failures     int          `json:"failures"`
		NotFound     int          `json:"not_found"`
		Degraded     bool         `json:"degraded"`
		Availability string       `json:"availability"`
		LastError    string       `json:"last_error,omitempty"`
	}

	Scheduler struct {
		cfg    Config
		poller Poller
		source KeySource
		cron   *cron.Cron
		now    func() time.Time

		mu      sync.Mutex
		entries map[crnwatch.Key]*entry
		jobs    chan PollJob
		closed  bool
	}

	entry struct {
		state      State
		nextDue    time.Time
		lastPolled time.Time
		failures   int
		notFound   int
		degraded   bool
		lastErr    error

		// An in-flight entry isn't deleted out from under its worker. It's
		// marked removed and finish drops it; retrack means it was tracked
		// again before that happened and wants a fresh poll.
		removed bool
		retrack bool
	}
)

func New(cfg Config, poller Poller, source KeySource) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Minute
	}
	if cfg.MinPollInterval <= 0 {
		cfg.MinPollInterval = time.Minute
	}
	if cfg.ScanSchedule == "" {
		cfg.ScanSchedule = "@every 15s"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Policy == (Policy{}) {
		cfg.Policy = DefaultPolicy()
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 5
	}
	if cfg.DegradedInterval <= 0 {
		cfg.DegradedInterval = 30 * time.Minute
	}

	return &Scheduler{
		cfg:     cfg,
		poller:  poller,
		source:  source,
		cron:    cron.New(),
		now:     time.Now,
		entries: map[crnwatch.Key]*entry{},
		jobs:    make(chan PollJob, cfg.QueueSize),
	}
}

func (s *Scheduler) interval() time.Duration {
	return max(s.cfg.PollInterval, s.cfg.MinPollInterval)
}

// Run polls until ctx is done. In-flight polls are allowed to finish on their
// own deadline; queued polls are dropped back to idle.
func (s *Scheduler) Run(ctx context.Context) error {
	var g run.Group

	// Due scan
	{
		stop := make(chan struct{})
		g.Add(func() error {
			if _, err := s.cron.AddFunc(s.cfg.ScanSchedule, func() { s.tick(ctx) }); err != nil {
				return fmt.Errorf("error scheduling scan: %s", err)
			}

			s.tick(ctx)
			s.cron.Start()
			<-stop
			return nil
		}, func(error) {
			close(stop)
			<-s.cron.Stop().Done()
			s.closeJobs()
		})
	}

	// Pollers
	for i := 0; i < s.cfg.Workers; i++ {
		g.Add(func() error {
			s.work(ctx)
			return nil
		}, func(error) {
			s.closeJobs()
		})
	}

	// Shutdown
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			<-ctx.Done()
			return nil
		}, func(error) {
			cancel()
		})
	}

	slog.InfoContext(ctx, "scheduler running", "workers", s.cfg.Workers, "scan", s.cfg.ScanSchedule, "interval", s.interval())
	return g.Run()
}

func (s *Scheduler) tick(ctx context.Context) {
	if err := s.Sync(ctx); err != nil {
		slog.ErrorContext(ctx, "error syncing tracked keys", "error", err)
	}
	s.scan()
}

// Sync reconciles the schedule with the registry: new keys become due right
// away and keys nobody tracks anymore are forgotten.
func (s *Scheduler) Sync(ctx context.Context) error {
	keys, err := s.source.TrackedKeys(ctx)
	if err != nil {
		return fmt.Errorf("error listing tracked keys: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	tracked := make(map[crnwatch.Key]struct{}, len(keys))
	for _, key := range keys {
		tracked[key] = struct{}{}
		if _, ok := s.entries[key]; !ok {
			s.entries[key] = &entry{state: StateIdle, nextDue: now}
		}
	}
	for key, e := range s.entries {
		if _, ok := tracked[key]; !ok {
			s.dropLocked(key)
			continue
		}
		if e.removed {
			s.reviveLocked(e)
		}
	}

	return nil
}

// Must hold s.mu.
func (s *Scheduler) dropLocked(key crnwatch.Key) {
	e, ok := s.entries[key]
	if !ok {
		return
	}
	if e.state == StateInFlight {
		e.removed = true
		e.retrack = false
		return
	}
	delete(s.entries, key)
}

// Must hold s.mu.
func (s *Scheduler) reviveLocked(e *entry) {
	e.removed = false
	e.retrack = true
}

// Queues every key whose time has come, earliest first, until the queue is
// full. Whatever doesn't fit waits for the next scan.
func (s *Scheduler) scan() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var due []crnwatch.Key
	for key, e := range s.entries {
		if !e.removed && (e.state == StateIdle || e.state == StateBackoff) && !e.nextDue.After(now) {
			due = append(due, key)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return s.entries[due[i]].nextDue.Before(s.entries[due[j]].nextDue)
	})

	var queued int
	for _, key := range due {
		if !s.enqueueLocked(key) {
			break
		}
		queued++
	}

	return queued
}

// Must hold s.mu.
func (s *Scheduler) enqueueLocked(key crnwatch.Key) bool {
	e := s.entries[key]
	if s.closed || e == nil {
		return false
	}

	select {
	case s.jobs <- PollJob{Key: key, NotBefore: e.nextDue, Attempt: e.failures + 1}:
		e.state = StateDue
		return true
	default:
		return false
	}
}

func (s *Scheduler) closeJobs() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.jobs)
}

func (s *Scheduler) work(ctx context.Context) {
	// Shutdown shouldn't cut a registrar call short, it has its own deadline
	pollCtx := context.WithoutCancel(ctx)

	for job := range s.jobs {
		if !s.start(job.Key) {
			continue
		}
		s.poll(pollCtx, job)
	}
}

// Moves a dequeued key to IN_FLIGHT. Reports false when the job should be
// skipped.
func (s *Scheduler) start(key crnwatch.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.state != StateDue {
		return false
	}
	if s.closed {
		e.state = StateIdle
		return false
	}
	e.state = StateInFlight

	return true
}

func (s *Scheduler) poll(ctx context.Context, job PollJob) {
	ctx = logger.Ctx(ctx,
		slog.String("term", job.Key.Term),
		slog.String("crn", job.Key.CRN),
		slog.Int("attempt", job.Attempt),
	)

	outcome, err := s.poller.Poll(ctx, job.Key)
	if s.finish(ctx, job.Key, outcome, err) {
		slog.WarnContext(ctx, "section not found too many times, removing", "threshold", s.cfg.NotFoundRemovalThreshold)
		if err := s.source.RemoveKey(ctx, job.Key); err != nil {
			slog.ErrorContext(ctx, "error removing key", "error", err)
		}
	}
}

// Applies the result of a poll. Reports whether the key should be removed.
func (s *Scheduler) finish(ctx context.Context, key crnwatch.Key, outcome crnwatch.PollOutcome, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return false
	}
	if e.removed {
		// Forgotten while in flight
		delete(s.entries, key)
		return false
	}

	now := s.now()
	e.lastPolled = now
	if e.retrack {
		// Tracked again mid-poll, so the not found streak belongs to the old
		// subscription
		e.notFound = 0
	}

	switch {
	case err == nil:
		e.state = StateIdle
		e.nextDue = now.Add(s.interval())
		e.failures = 0
		e.degraded = false
		e.lastErr = nil

		if outcome != crnwatch.PollNotFound {
			e.notFound = 0
			break
		}
		e.notFound++
		slog.InfoContext(ctx, "section not found", "consecutive", e.notFound)

		if s.cfg.NotFoundRemovalThreshold > 0 && e.notFound >= s.cfg.NotFoundRemovalThreshold {
			delete(s.entries, key)
			return true
		}
	case crnwatch.IsRetryable(err):
		e.failures++
		e.lastErr = err

		delay := s.cfg.Policy.Delay(e.failures)
		if e.failures >= s.cfg.MaxConsecutiveFailures {
			e.degraded = true
			delay = max(delay, s.cfg.DegradedInterval)
		}
		e.state = StateBackoff
		e.nextDue = now.Add(delay)

		slog.WarnContext(ctx, "poll failed, backing off", "error", err, "failures", e.failures, "delay", delay, "degraded", e.degraded)
	default:
		// Retrying won't change the answer, try again on the normal cadence
		e.lastErr = err
		e.state = StateIdle
		e.nextDue = now.Add(s.interval())

		slog.ErrorContext(ctx, "poll failed", "error", err)
	}

	if e.retrack {
		e.retrack = false
		if e.state == StateIdle {
			e.nextDue = now
			s.enqueueLocked(key)
		}
	}

	return false
}

// Refresh makes the given keys due now, or every key when none are given.
// Keys already queued or in flight are left alone. Returns how many keys were
// triggered.
func (s *Scheduler) Refresh(keys ...crnwatch.Key) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(keys) == 0 {
		for key := range s.entries {
			keys = append(keys, key)
		}
	}

	now := s.now()
	var triggered int
	for _, key := range keys {
		e, ok := s.entries[key]
		if !ok || e.removed || (e.state != StateIdle && e.state != StateBackoff) {
			continue
		}

		e.nextDue = now
		s.enqueueLocked(key)
		triggered++
	}

	return triggered
}

// Track starts scheduling a key and polls it as soon as possible. A key
// forgotten while its poll is still running is picked back up and polled
// again once that poll finishes.
func (s *Scheduler) Track(key crnwatch.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		e = &entry{state: StateIdle}
		s.entries[key] = e
	}
	if e.removed {
		s.reviveLocked(e)
		return
	}
	if e.state != StateIdle && e.state != StateBackoff {
		return
	}

	e.nextDue = s.now()
	s.enqueueLocked(key)
}

// Forget stops scheduling a key. A poll already in flight still completes,
// but the key isn't scheduled again.
func (s *Scheduler) Forget(key crnwatch.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dropLocked(key)
}

func (s *Scheduler) Status(key crnwatch.Key) (KeyStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.removed {
		return KeyStatus{}, false
	}

	st := KeyStatus{
		Key:          key,
		State:        e.state.String(),
		LastPolled:   e.lastPolled,
		NextDue:      e.nextDue,
		Failures:     e.failures,
		NotFound:     e.notFound,
		Degraded:     e.degraded,
		Availability: AvailabilityOK,
	}
	switch {
	case e.notFound > 0:
		st.Availability = AvailabilityNotFound
	case e.failures > 0:
		st.Availability = AvailabilityUnavailable
	}
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}

	return st, true
}

// Busy reports whether any of the keys is queued or being polled.
func (s *Scheduler) Busy(keys ...crnwatch.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		if e, ok := s.entries[key]; ok && !e.removed && (e.state == StateDue || e.state == StateInFlight) {
			return true
		}
	}

	return false
}
