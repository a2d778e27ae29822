// Package tracker runs one poll of one section: fetch it, compare it with the
// stored snapshot, persist what changed and hand the changes to the
// dispatcher.
package tracker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jdholdren/crnwatch/internal/crnwatch"
	"github.com/jdholdren/crnwatch/internal/diff"
)

type (
	Fetcher interface {
		FetchSection(ctx context.Context, key crnwatch.Key) (*crnwatch.Section, error)
	}

	Dispatcher interface {
		Dispatch(ctx context.Context, events []crnwatch.ChangeEvent) error
	}

	Tracker struct {
		fetcher    Fetcher
		store      crnwatch.SnapshotStore
		dispatcher Dispatcher
	}
)

func New(fetcher Fetcher, store crnwatch.SnapshotStore, dispatcher Dispatcher) *Tracker {
	return &Tracker{
		fetcher:    fetcher,
		store:      store,
		dispatcher: dispatcher,
	}
}

// Poll fetches a key and records whatever changed since the last poll.
//
// The snapshot only moves when the content hash does, and any events are
// written with it. A failed dispatch doesn't fail the poll: the events stay
// in the outbox and get replayed.
func (t *Tracker) Poll(ctx context.Context, key crnwatch.Key) (crnwatch.PollOutcome, error) {
	current, err := t.fetcher.FetchSection(ctx, key)
	if err != nil {
		return crnwatch.PollObserved, err
	}
	if current == nil {
		return crnwatch.PollNotFound, nil
	}

	previous, err := t.store.Snapshot(ctx, key)
	if err != nil {
		return crnwatch.PollObserved, &crnwatch.StoreError{Op: "get", Err: err}
	}

	if previous != nil && previous.Hash == current.Hash {
		return crnwatch.PollObserved, nil
	}

	// Content moved, even if none of it is worth an event
	events := diff.Diff(previous, *current)
	err = t.store.PutSnapshot(ctx, *current, events)
	if errors.Is(err, crnwatch.ErrNotFound) {
		// Last subscriber left while we were fetching
		slog.InfoContext(ctx, "key no longer tracked, dropping poll result")
		return crnwatch.PollObserved, nil
	}
	if err != nil {
		return crnwatch.PollObserved, &crnwatch.StoreError{Op: "put", Err: err}
	}
	if len(events) == 0 {
		return crnwatch.PollObserved, nil
	}

	kinds := make([]string, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, string(ev.Kind))
	}
	slog.InfoContext(ctx, "section changed", "kinds", kinds)

	if err := t.dispatcher.Dispatch(ctx, events); err != nil {
		slog.ErrorContext(ctx, "error dispatching, leaving events for replay", "error", err)
	}

	return crnwatch.PollObserved, nil
}
