package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdholdren/crnwatch/internal/crnwatch"
)

var key = crnwatch.Key{Term: "202531", CRN: "12345"}

type fakeSource struct {
	mu      sync.Mutex
	keys    []crnwatch.Key
	removed []crnwatch.Key
}

func (f *fakeSource) TrackedKeys(context.Context) ([]crnwatch.Key, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]crnwatch.Key(nil), f.keys...), nil
}

func (f *fakeSource) RemoveKey(_ context.Context, key crnwatch.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.removed = append(f.removed, key)
	return nil
}

type pollFunc func(ctx context.Context, key crnwatch.Key) (crnwatch.PollOutcome, error)

func (f pollFunc) Poll(ctx context.Context, key crnwatch.Key) (crnwatch.PollOutcome, error) {
	return f(ctx, key)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.t = t
}

// Pulls the next job off the queue and runs it the way a worker would.
func step(t *testing.T, s *Scheduler) {
	t.Helper()

	select {
	case job := <-s.jobs:
		require.True(t, s.start(job.Key))
		s.poll(context.Background(), job)
	default:
		t.Fatal("nothing queued")
	}
}

func TestPolicy_Delay(t *testing.T) {
	p := Policy{Base: 10 * time.Second, Multiplier: 2, Cap: time.Minute}

	assert.Equal(t, 10*time.Second, p.Delay(0))
	assert.Equal(t, 10*time.Second, p.Delay(1))
	assert.Equal(t, 20*time.Second, p.Delay(2))
	assert.Equal(t, 40*time.Second, p.Delay(3))
	assert.Equal(t, time.Minute, p.Delay(4))
	assert.Equal(t, time.Minute, p.Delay(500))
}

func TestPolicy_Backoff(t *testing.T) {
	p := Policy{Base: time.Second, Multiplier: 3, Cap: 5 * time.Second, MaxAttempts: 3}

	b := p.Backoff()
	var got []time.Duration
	for {
		d, stop := b.Next()
		if stop {
			break
		}
		got = append(got, d)
	}
	assert.Equal(t, []time.Duration{time.Second, 3 * time.Second}, got, "MaxAttempts counts the first try")

	// Fresh sequence every time
	d, stop := p.Backoff().Next()
	assert.False(t, stop)
	assert.Equal(t, time.Second, d)
}

func TestScheduler_TimeoutsBackOffToCap(t *testing.T) {
	start := time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)
	clk := &clock{t: start}

	var calls atomic.Int32
	timeout := pollFunc(func(context.Context, crnwatch.Key) (crnwatch.PollOutcome, error) {
		calls.Add(1)
		return 0, &crnwatch.UpstreamError{Reason: "timeout", Err: context.DeadlineExceeded}
	})

	s := New(Config{
		Policy:                 Policy{Base: 10 * time.Second, Multiplier: 2, Cap: time.Minute},
		MaxConsecutiveFailures: 10,
	}, timeout, &fakeSource{})
	s.now = clk.Now

	s.Track(key)

	var delays []time.Duration
	for i := 0; i < 4; i++ {
		step(t, s)

		st, ok := s.Status(key)
		require.True(t, ok)
		assert.Equal(t, StateBackoff.String(), st.State)
		assert.Equal(t, AvailabilityUnavailable, st.Availability)
		delays = append(delays, st.NextDue.Sub(clk.Now()))

		// Nothing is due until the backoff passes
		assert.Zero(t, s.scan())
		clk.Set(st.NextDue)
		assert.Equal(t, 1, s.scan())
	}

	assert.EqualValues(t, 4, calls.Load())
	assert.Less(t, delays[0], delays[1])
	assert.Less(t, delays[1], delays[2])
	assert.Equal(t, time.Minute, delays[3])
}

func TestScheduler_DegradesAfterMaxFailures(t *testing.T) {
	clk := &clock{t: time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)}
	failing := pollFunc(func(context.Context, crnwatch.Key) (crnwatch.PollOutcome, error) {
		return 0, &crnwatch.UpstreamError{Status: 503, Reason: "Service Unavailable"}
	})

	s := New(Config{
		Policy:                 Policy{Base: time.Second, Multiplier: 2, Cap: time.Minute},
		MaxConsecutiveFailures: 2,
		DegradedInterval:       time.Hour,
	}, failing, &fakeSource{})
	s.now = clk.Now

	s.Track(key)
	step(t, s)
	st, _ := s.Status(key)
	assert.False(t, st.Degraded)

	clk.Set(st.NextDue)
	s.scan()
	step(t, s)

	st, _ = s.Status(key)
	assert.True(t, st.Degraded)
	assert.Equal(t, time.Hour, st.NextDue.Sub(clk.Now()))
}

func TestScheduler_NotFoundKeepsKey(t *testing.T) {
	clk := &clock{t: time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)}
	src := &fakeSource{keys: []crnwatch.Key{key}}
	notFound := pollFunc(func(context.Context, crnwatch.Key) (crnwatch.PollOutcome, error) {
		return crnwatch.PollNotFound, nil
	})

	s := New(Config{PollInterval: 5 * time.Minute, MinPollInterval: time.Minute}, notFound, src)
	s.now = clk.Now
	require.NoError(t, s.Sync(context.Background()))

	for i := 0; i < 5; i++ {
		require.Equal(t, 1, s.scan())
		step(t, s)

		st, ok := s.Status(key)
		require.True(t, ok)
		assert.Equal(t, StateIdle.String(), st.State)
		assert.Equal(t, 5*time.Minute, st.NextDue.Sub(clk.Now()))
		clk.Set(st.NextDue)
	}

	st, ok := s.Status(key)
	require.True(t, ok)
	assert.Equal(t, 5, st.NotFound)
	assert.Equal(t, AvailabilityNotFound, st.Availability)
	assert.Empty(t, src.removed)
}

func TestScheduler_NotFoundRemovalThreshold(t *testing.T) {
	clk := &clock{t: time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)}
	src := &fakeSource{}
	notFound := pollFunc(func(context.Context, crnwatch.Key) (crnwatch.PollOutcome, error) {
		return crnwatch.PollNotFound, nil
	})

	s := New(Config{NotFoundRemovalThreshold: 3}, notFound, src)
	s.now = clk.Now

	s.Track(key)
	for i := 0; i < 3; i++ {
		step(t, s)
		if st, ok := s.Status(key); ok {
			clk.Set(st.NextDue)
			s.scan()
		}
	}

	_, ok := s.Status(key)
	assert.False(t, ok)
	assert.Equal(t, []crnwatch.Key{key}, src.removed)
}

func TestScheduler_NonRetryableStaysOnCadence(t *testing.T) {
	clk := &clock{t: time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)}
	bad := pollFunc(func(context.Context, crnwatch.Key) (crnwatch.PollOutcome, error) {
		return 0, &crnwatch.ProtocolError{Err: errors.New("unexpected token")}
	})

	s := New(Config{PollInterval: time.Second, MinPollInterval: 2 * time.Minute}, bad, &fakeSource{})
	s.now = clk.Now

	s.Track(key)
	step(t, s)

	st, ok := s.Status(key)
	require.True(t, ok)
	assert.Equal(t, StateIdle.String(), st.State)
	assert.Zero(t, st.Failures)
	assert.Equal(t, 2*time.Minute, st.NextDue.Sub(clk.Now()), "min interval wins")
	assert.Contains(t, st.LastError, "unexpected token")
}

func TestScheduler_ScanBackpressure(t *testing.T) {
	src := &fakeSource{keys: []crnwatch.Key{
		{Term: "202531", CRN: "10001"},
		{Term: "202531", CRN: "10002"},
		{Term: "202531", CRN: "10003"},
	}}
	s := New(Config{QueueSize: 1}, pollFunc(nil), src)
	require.NoError(t, s.Sync(context.Background()))

	assert.Equal(t, 1, s.scan())

	var idle int
	for _, k := range src.keys {
		st, _ := s.Status(k)
		if st.State == StateIdle.String() {
			idle++
		}
	}
	assert.Equal(t, 2, idle, "keys that don't fit wait for the next scan")
}

func TestScheduler_SyncForgetsUntrackedKeys(t *testing.T) {
	other := crnwatch.Key{Term: "202531", CRN: "54321"}
	src := &fakeSource{keys: []crnwatch.Key{key, other}}
	s := New(Config{}, pollFunc(nil), src)

	require.NoError(t, s.Sync(context.Background()))
	src.keys = []crnwatch.Key{other}
	require.NoError(t, s.Sync(context.Background()))

	_, ok := s.Status(key)
	assert.False(t, ok)
	_, ok = s.Status(other)
	assert.True(t, ok)

	s.Forget(other)
	_, ok = s.Status(other)
	assert.False(t, ok)
}

func TestScheduler_AtMostOneInFlight(t *testing.T) {
	var (
		release  = make(chan struct{})
		calls    atomic.Int32
		inFlight atomic.Int32
		maxSeen  atomic.Int32
	)
	blocking := pollFunc(func(context.Context, crnwatch.Key) (crnwatch.PollOutcome, error) {
		calls.Add(1)
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			cur := maxSeen.Load()
			if n <= cur || maxSeen.CompareAndSwap(cur, n) {
				break
			}
		}

		<-release
		return crnwatch.PollObserved, nil
	})

	s := New(Config{Workers: 4, QueueSize: 16, ScanSchedule: "@every 1h"}, blocking, &fakeSource{keys: []crnwatch.Key{key}})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Refresh(key)
		}()
		go func() {
			defer wg.Done()
			s.Track(key)
		}()
	}
	wg.Wait()

	assert.True(t, s.Busy(key))
	st, _ := s.Status(key)
	assert.Equal(t, StateInFlight.String(), st.State)

	close(release)
	require.Eventually(t, func() bool { return !s.Busy(key) }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, calls.Load(), "triggers during a poll are ignored")
	assert.EqualValues(t, 1, maxSeen.Load())

	// Once idle a refresh goes through
	assert.Equal(t, 1, s.Refresh(key))
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler didn't stop")
	}
}

// Holds every poll until released and records how many overlap.
type heldPoller struct {
	release  chan struct{}
	calls    atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (p *heldPoller) Poll(context.Context, crnwatch.Key) (crnwatch.PollOutcome, error) {
	p.calls.Add(1)
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		cur := p.maxSeen.Load()
		if n <= cur || p.maxSeen.CompareAndSwap(cur, n) {
			break
		}
	}

	<-p.release
	return crnwatch.PollObserved, nil
}

func runScheduler(t *testing.T, s *Scheduler) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errc:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("scheduler didn't stop")
		}
	})
}

func TestScheduler_RetrackWhileInFlight(t *testing.T) {
	tests := []struct {
		name    string
		retrack func(s *Scheduler, src *fakeSource)
	}{
		{
			name: "forget then track",
			retrack: func(s *Scheduler, _ *fakeSource) {
				s.Forget(key)
				s.Track(key)
			},
		},
		{
			name: "sync drops then sync adds",
			retrack: func(s *Scheduler, src *fakeSource) {
				src.mu.Lock()
				src.keys = nil
				src.mu.Unlock()
				require.NoError(t, s.Sync(context.Background()))

				src.mu.Lock()
				src.keys = []crnwatch.Key{key}
				src.mu.Unlock()
				require.NoError(t, s.Sync(context.Background()))
			},
		},
		{
			name: "forget then sync adds",
			retrack: func(s *Scheduler, _ *fakeSource) {
				s.Forget(key)
				require.NoError(t, s.Sync(context.Background()))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &heldPoller{release: make(chan struct{})}
			src := &fakeSource{keys: []crnwatch.Key{key}}
			s := New(Config{Workers: 2, QueueSize: 16, ScanSchedule: "@every 1h"}, p, src)
			runScheduler(t, s)

			require.Eventually(t, func() bool { return p.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

			tt.retrack(s, src)
			s.Refresh(key)
			s.Track(key)

			// Nothing else may start while the first poll is held
			time.Sleep(20 * time.Millisecond)
			assert.EqualValues(t, 1, p.calls.Load())
			assert.True(t, s.Busy(key))

			close(p.release)
			require.Eventually(t, func() bool { return p.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
			require.Eventually(t, func() bool {
				st, ok := s.Status(key)
				return ok && st.State == StateIdle.String()
			}, time.Second, 5*time.Millisecond)

			assert.EqualValues(t, 2, p.calls.Load(), "one fresh poll for the re-added key")
			assert.EqualValues(t, 1, p.maxSeen.Load(), "never two polls of one key at once")
		})
	}
}

func TestScheduler_ForgetWhileInFlight(t *testing.T) {
	p := &heldPoller{release: make(chan struct{})}
	s := New(Config{Workers: 2, QueueSize: 16, ScanSchedule: "@every 1h"}, p, &fakeSource{keys: []crnwatch.Key{key}})
	runScheduler(t, s)

	require.Eventually(t, func() bool { return p.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	s.Forget(key)
	_, ok := s.Status(key)
	assert.False(t, ok)
	assert.False(t, s.Busy(key))
	assert.Zero(t, s.Refresh(key))

	close(p.release)
	require.Eventually(t, func() bool { return p.inFlight.Load() == 0 }, time.Second, 5*time.Millisecond)

	// The entry is gone for good once its poll lands
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, ok := s.entries[key]
		return !ok
	}, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, p.calls.Load())
}
