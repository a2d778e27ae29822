package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdholdren/crnwatch/internal/crnwatch"
)

var (
	key        = crnwatch.Key{Term: "202531", CRN: "12345"}
	detectedAt = time.Date(2025, 8, 1, 12, 5, 0, 0, time.UTC)
)

type staticRecipients []crnwatch.Subscription

func (s staticRecipients) Subscribers(_ context.Context, key crnwatch.Key) ([]crnwatch.Subscription, error) {
	var ret []crnwatch.Subscription
	for _, sub := range s {
		if sub.Key() == key {
			ret = append(ret, sub)
		}
	}

	return ret, nil
}

// Stands in for the durable ledger, it outlives dispatchers.
type memLedger struct {
	mu      sync.Mutex
	status  map[string]string
	keys    map[string]crnwatch.DispatchKey
	updated map[string]time.Time
	now     func() time.Time
	err     error
}

func newMemLedger() *memLedger {
	return &memLedger{
		status:  map[string]string{},
		keys:    map[string]crnwatch.DispatchKey{},
		updated: map[string]time.Time{},
		now:     time.Now,
	}
}

func (l *memLedger) Record(_ context.Context, key crnwatch.DispatchKey) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.err != nil {
		return false, l.err
	}
	if _, ok := l.status[key.String()]; ok {
		return false, nil
	}
	l.setLocked(key, "recorded")

	return true, nil
}

func (l *memLedger) MarkSent(_ context.Context, key crnwatch.DispatchKey) error {
	return l.set(key, "sent")
}

func (l *memLedger) MarkFailed(_ context.Context, key crnwatch.DispatchKey) error {
	return l.set(key, "failed")
}

func (l *memLedger) MarkRejected(_ context.Context, key crnwatch.DispatchKey) error {
	return l.set(key, "rejected")
}

func (l *memLedger) set(key crnwatch.DispatchKey, status string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.setLocked(key, status)
	return nil
}

func (l *memLedger) setLocked(key crnwatch.DispatchKey, status string) {
	l.status[key.String()] = status
	l.keys[key.String()] = key
	l.updated[key.String()] = l.now()
}

func (l *memLedger) ClaimUndelivered(_ context.Context, staleBefore, detectedAfter time.Time, _ int) ([]crnwatch.DispatchKey, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var ret []crnwatch.DispatchKey
	for id, status := range l.status {
		key := l.keys[id]
		if status != "recorded" && status != "failed" {
			continue
		}
		if !l.updated[id].Before(staleBefore) || !key.DetectedAt.After(detectedAfter) {
			continue
		}
		l.setLocked(key, "recorded")
		ret = append(ret, key)
	}

	return ret, nil
}

func (l *memLedger) get(key crnwatch.DispatchKey) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.status[key.String()]
}

type memOutbox struct {
	mu         sync.Mutex
	pending    []crnwatch.ChangeEvent
	dispatched []string
}

func (o *memOutbox) PendingEvents(context.Context, int) ([]crnwatch.ChangeEvent, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var ret []crnwatch.ChangeEvent
	for _, ev := range o.pending {
		done := false
		for _, id := range o.dispatched {
			if id == ev.ID {
				done = true
			}
		}
		if !done {
			ret = append(ret, ev)
		}
	}

	return ret, nil
}

func (o *memOutbox) EventFor(_ context.Context, key crnwatch.DispatchKey) (*crnwatch.ChangeEvent, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, ev := range o.pending {
		if ev.DispatchKeyFor(key.UserID) == key {
			return &ev, nil
		}
	}

	return nil, nil
}

func (o *memOutbox) MarkEventsDispatched(_ context.Context, ids []string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.dispatched = append(o.dispatched, ids...)
	return nil
}

type sent struct {
	UserID string
	Kind   crnwatch.EventKind
}

type recordingChannel struct {
	mu       sync.Mutex
	sent     []sent
	attempts int
	failures int // Fail this many sends before succeeding
	err      error
}

func (c *recordingChannel) Send(_ context.Context, userID string, ev crnwatch.ChangeEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.attempts++
	if c.attempts <= c.failures {
		return c.err
	}
	c.sent = append(c.sent, sent{UserID: userID, Kind: ev.Kind})

	return nil
}

func fastBackoff() retry.Backoff {
	return retry.WithMaxRetries(3, retry.NewConstant(time.Millisecond))
}

func newDispatcher(t *testing.T, recipients Recipients, ledger crnwatch.DispatchLedger, outbox crnwatch.EventOutbox, ch crnwatch.Channel) *Dispatcher {
	t.Helper()

	d, err := New(Config{Workers: 2, Backoff: fastBackoff}, recipients, ledger, outbox, ch)
	require.NoError(t, err)

	return d
}

func event(kind crnwatch.EventKind) crnwatch.ChangeEvent {
	return crnwatch.ChangeEvent{
		ID:         fmt.Sprintf("%s-evt", kind),
		Term:       key.Term,
		CRN:        key.CRN,
		Kind:       kind,
		DetectedAt: detectedAt,
	}
}

func TestDispatch_PreferencesFilter(t *testing.T) {
	recipients := staticRecipients{
		{UserID: "usr-all", Term: key.Term, CRN: key.CRN},
		{UserID: "usr-open", Term: key.Term, CRN: key.CRN, NotifyKinds: "SEAT_OPENED"},
		{UserID: "usr-cancel", Term: key.Term, CRN: key.CRN, NotifyKinds: "CANCELLED"},
		{UserID: "usr-other", Term: key.Term, CRN: "99999"},
	}
	ch := &recordingChannel{}
	outbox := &memOutbox{}
	d := newDispatcher(t, recipients, newMemLedger(), outbox, ch)

	require.NoError(t, d.Dispatch(context.Background(), []crnwatch.ChangeEvent{
		event(crnwatch.EventSeatOpened),
		event(crnwatch.EventTimeChanged),
	}))
	d.Close()

	assert.ElementsMatch(t, []sent{
		{UserID: "usr-all", Kind: crnwatch.EventSeatOpened},
		{UserID: "usr-open", Kind: crnwatch.EventSeatOpened},
		{UserID: "usr-all", Kind: crnwatch.EventTimeChanged},
	}, ch.sent)
	assert.ElementsMatch(t, []string{"SEAT_OPENED-evt", "TIME_CHANGED-evt"}, outbox.dispatched)
}

func TestDispatch_NoDuplicateAfterRestart(t *testing.T) {
	recipients := staticRecipients{{UserID: "usr-1", Term: key.Term, CRN: key.CRN}}
	ledger := newMemLedger()
	ch := &recordingChannel{}
	events := []crnwatch.ChangeEvent{event(crnwatch.EventSeatOpened)}

	first := newDispatcher(t, recipients, ledger, &memOutbox{}, ch)
	require.NoError(t, first.Dispatch(context.Background(), events))
	// Same batch twice from the same process
	require.NoError(t, first.Dispatch(context.Background(), events))
	first.Close()

	// The process restarts and replays the same event with an empty cache
	restarted := newDispatcher(t, recipients, ledger, &memOutbox{pending: events}, ch)
	require.NoError(t, restarted.Replay(context.Background()))
	restarted.Close()

	assert.Equal(t, []sent{{UserID: "usr-1", Kind: crnwatch.EventSeatOpened}}, ch.sent)
	assert.Equal(t, "sent", ledger.get(events[0].DispatchKeyFor("usr-1")))
}

func TestDispatch_RetriesThenMarks(t *testing.T) {
	recipients := staticRecipients{{UserID: "usr-1", Term: key.Term, CRN: key.CRN}}
	ev := event(crnwatch.EventSeatOpened)

	t.Run("transient failures are retried", func(t *testing.T) {
		ledger := newMemLedger()
		ch := &recordingChannel{failures: 2, err: errors.New("connection reset")}
		d := newDispatcher(t, recipients, ledger, &memOutbox{}, ch)

		require.NoError(t, d.Dispatch(context.Background(), []crnwatch.ChangeEvent{ev}))
		d.Close()

		assert.Equal(t, 3, ch.attempts)
		assert.Len(t, ch.sent, 1)
		assert.Equal(t, "sent", ledger.get(ev.DispatchKeyFor("usr-1")))
	})

	t.Run("permanent failures are not", func(t *testing.T) {
		ledger := newMemLedger()
		ch := &recordingChannel{failures: 10, err: fmt.Errorf("bad address: %w", crnwatch.ErrPermanentDelivery)}
		d := newDispatcher(t, recipients, ledger, &memOutbox{}, ch)

		require.NoError(t, d.Dispatch(context.Background(), []crnwatch.ChangeEvent{ev}))
		d.Close()

		assert.Equal(t, 1, ch.attempts)
		assert.Equal(t, "rejected", ledger.get(ev.DispatchKeyFor("usr-1")))
	})

	t.Run("gives up after the backoff runs out", func(t *testing.T) {
		ledger := newMemLedger()
		ch := &recordingChannel{failures: 10, err: errors.New("503")}
		d := newDispatcher(t, recipients, ledger, &memOutbox{}, ch)

		require.NoError(t, d.Dispatch(context.Background(), []crnwatch.ChangeEvent{ev}))
		d.Close()

		assert.Equal(t, 4, ch.attempts)
		assert.Equal(t, "failed", ledger.get(ev.DispatchKeyFor("usr-1")))
	})
}

func TestDispatch_LedgerFailureLeavesEventPending(t *testing.T) {
	recipients := staticRecipients{{UserID: "usr-1", Term: key.Term, CRN: key.CRN}}
	ledger := newMemLedger()
	ledger.err = errors.New("database is locked")
	outbox := &memOutbox{pending: []crnwatch.ChangeEvent{event(crnwatch.EventSeatOpened)}}
	ch := &recordingChannel{}

	d := newDispatcher(t, recipients, ledger, outbox, ch)
	assert.Error(t, d.Replay(context.Background()))

	pending, err := outbox.PendingEvents(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	// Ledger comes back, the next replay delivers it
	ledger.mu.Lock()
	ledger.err = nil
	ledger.mu.Unlock()
	require.NoError(t, d.Replay(context.Background()))
	d.Close()

	assert.Len(t, ch.sent, 1)
	pending, err = outbox.PendingEvents(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestReplay_RedeliversFailedSends(t *testing.T) {
	ctx := context.Background()
	ev := event(crnwatch.EventSeatOpened)
	dk := ev.DispatchKeyFor("usr-1")
	recipients := staticRecipients{{UserID: "usr-1", Term: key.Term, CRN: key.CRN}}

	ledger := newMemLedger()
	outbox := &memOutbox{pending: []crnwatch.ChangeEvent{ev}}
	// Down for longer than one send's retries
	ch := &recordingChannel{failures: 6, err: errors.New("503")}

	d := newDispatcher(t, recipients, ledger, outbox, ch)
	d.cfg.RedeliverFor = 100 * 365 * 24 * time.Hour

	require.NoError(t, d.Replay(ctx))
	require.Eventually(t, func() bool { return ledger.get(dk) == "failed" }, time.Second, 5*time.Millisecond)
	assert.Empty(t, ch.sent)

	// Not stale yet
	require.NoError(t, d.Replay(ctx))
	assert.Equal(t, "failed", ledger.get(dk))

	// The channel recovers partway through the second round of retries
	later := time.Now().Add(time.Hour)
	d.now = func() time.Time { return later }
	require.NoError(t, d.Replay(ctx))
	require.Eventually(t, func() bool { return ledger.get(dk) == "sent" }, time.Second, 5*time.Millisecond)

	// Delivered once, and nothing left to retry
	require.NoError(t, d.Replay(ctx))
	d.Close()

	assert.Equal(t, []sent{{UserID: "usr-1", Kind: crnwatch.EventSeatOpened}}, ch.sent)
	assert.Equal(t, 7, ch.attempts)
}

func TestReplay_DropsUnwantedRedeliveries(t *testing.T) {
	ctx := context.Background()
	ev := event(crnwatch.EventSeatOpened)

	ledger := newMemLedger()
	unsubscribed := ev.DispatchKeyFor("usr-gone")
	muted := ev.DispatchKeyFor("usr-muted")
	vanished := event(crnwatch.EventTimeChanged).DispatchKeyFor("usr-1")
	for _, dk := range []crnwatch.DispatchKey{unsubscribed, muted, vanished} {
		_, err := ledger.Record(ctx, dk)
		require.NoError(t, err)
		require.NoError(t, ledger.MarkFailed(ctx, dk))
	}

	recipients := staticRecipients{
		{UserID: "usr-muted", Term: key.Term, CRN: key.CRN, NotifyKinds: "CANCELLED"},
		{UserID: "usr-1", Term: key.Term, CRN: key.CRN},
	}
	outbox := &memOutbox{pending: []crnwatch.ChangeEvent{ev}, dispatched: []string{ev.ID}}
	ch := &recordingChannel{}

	d := newDispatcher(t, recipients, ledger, outbox, ch)
	d.cfg.RedeliverFor = 100 * 365 * 24 * time.Hour
	later := time.Now().Add(time.Hour)
	d.now = func() time.Time { return later }

	require.NoError(t, d.Replay(ctx))
	d.Close()

	assert.Empty(t, ch.sent)
	for _, dk := range []crnwatch.DispatchKey{unsubscribed, muted, vanished} {
		assert.Equal(t, "rejected", ledger.get(dk), dk.UserID)
	}
}
