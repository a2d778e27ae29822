// Package crnwatch holds the domain types shared by the tracking engine:
// section snapshots, subscriptions, change events and the storage and
// delivery surfaces the engine is built on.
package crnwatch

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"
)

type (
	// Key identifies one section in one term.
	Key struct {
		Term string `db:"term" json:"term"`
		CRN  string `db:"crn" json:"crn"`
	}

	// Subscription is a user's interest in one section.
	Subscription struct {
		ID          string    `db:"id"`
		UserID      string    `db:"user_id"`
		Term        string    `db:"term"`
		CRN         string    `db:"crn"`
		NotifyKinds string    `db:"notify_kinds"` // Comma separated event kinds, empty means all
		CreatedAt   time.Time `db:"created_at"`
	}

	// ChangeEvent is one detected transition of a section.
	ChangeEvent struct {
		ID         string    `json:"id"`
		Term       string    `json:"term"`
		CRN        string    `json:"crn"`
		Kind       EventKind `json:"kind"`
		Previous   string    `json:"previous"`
		Current    string    `json:"current"`
		DetectedAt time.Time `json:"detected_at"`
	}

	// DispatchKey is the tuple that makes a notification unique.
	DispatchKey struct {
		UserID     string
		Term       string
		CRN        string
		Kind       EventKind
		DetectedAt time.Time
	}
)

func (k Key) String() string {
	return k.Term + "/" + k.CRN
}

func (s Subscription) Key() Key {
	return Key{Term: s.Term, CRN: s.CRN}
}

func (s Subscription) Preferences() Preferences {
	// Stored values are written through ParsePreferences, so this can't fail
	// for rows we wrote ourselves. Unknown kinds are dropped.
	p, _ := ParsePreferences(s.NotifyKinds)
	return p
}

func (e ChangeEvent) Key() Key {
	return Key{Term: e.Term, CRN: e.CRN}
}

// DispatchKeyFor builds the dedupe tuple for sending this event to a user.
func (e ChangeEvent) DispatchKeyFor(userID string) DispatchKey {
	return DispatchKey{
		UserID:     userID,
		Term:       e.Term,
		CRN:        e.CRN,
		Kind:       e.Kind,
		DetectedAt: e.DetectedAt,
	}
}

func (k DispatchKey) String() string {
	return fmt.Sprintf("%s|%s|%s|%s|%d", k.UserID, k.Term, k.CRN, k.Kind, k.DetectedAt.UnixNano())
}

type EventKind string

const (
	EventSeatOpened      EventKind = "SEAT_OPENED"
	EventSeatClosed      EventKind = "SEAT_CLOSED"
	EventCapacityChanged EventKind = "CAPACITY_CHANGED"
	EventTimeChanged     EventKind = "TIME_CHANGED"
	EventCancelled       EventKind = "CANCELLED"
	EventCreated         EventKind = "CREATED"
)

var eventKinds = []EventKind{
	EventSeatOpened,
	EventSeatClosed,
	EventCapacityChanged,
	EventTimeChanged,
	EventCancelled,
	EventCreated,
}

// Preferences filters which event kinds a subscriber hears about.
// An empty set allows everything.
type Preferences struct {
	Kinds []EventKind
}

// ParsePreferences reads a comma separated list of event kinds.
func ParsePreferences(s string) (Preferences, error) {
	var p Preferences
	for _, raw := range strings.Split(s, ",") {
		raw = strings.ToUpper(strings.TrimSpace(raw))
		if raw == "" {
			continue
		}

		kind := EventKind(raw)
		if !slices.Contains(eventKinds, kind) {
			return Preferences{}, &ValidationError{Field: "notify_kinds", Reason: fmt.Sprintf("unknown event kind %q", raw)}
		}
		if !slices.Contains(p.Kinds, kind) {
			p.Kinds = append(p.Kinds, kind)
		}
	}

	return p, nil
}

func (p Preferences) Allows(kind EventKind) bool {
	return len(p.Kinds) == 0 || slices.Contains(p.Kinds, kind)
}

func (p Preferences) String() string {
	kinds := make([]string, 0, len(p.Kinds))
	for _, k := range p.Kinds {
		kinds = append(kinds, string(k))
	}

	return strings.Join(kinds, ",")
}

// PollOutcome is what a successful poll of a key observed.
type PollOutcome int

const (
	PollObserved PollOutcome = iota
	PollNotFound
)

type (
	// SnapshotStore holds the last known state per key.
	//
	// PutSnapshot writes the snapshot and the events that produced it in one
	// step so that a crash never leaves a stored change without its events.
	// It returns ErrNotFound, writing nothing, when nobody tracks the key.
	SnapshotStore interface {
		Snapshot(ctx context.Context, key Key) (*Section, error)
		PutSnapshot(ctx context.Context, snap Section, events []ChangeEvent) error
	}

	// EventOutbox holds change events that haven't been fully dispatched yet.
	EventOutbox interface {
		PendingEvents(ctx context.Context, limit int) ([]ChangeEvent, error)
		MarkEventsDispatched(ctx context.Context, ids []string) error
		// EventFor finds the event a dispatch key was made from, nil if it's
		// gone. The user half of the key is ignored.
		EventFor(ctx context.Context, key DispatchKey) (*ChangeEvent, error)
	}

	SubscriptionRegistry interface {
		TrackedKeys(ctx context.Context) ([]Key, error)
		Subscribers(ctx context.Context, key Key) ([]Subscription, error)
		Preferences(ctx context.Context, userID string, key Key) (Preferences, error)

		CreateSubscription(ctx context.Context, sub Subscription) (Subscription, error)
		// Returns how many subscriptions still reference the key.
		DeleteSubscription(ctx context.Context, userID string, key Key) (int, error)
		UserSubscriptions(ctx context.Context, userID string) ([]Subscription, error)
		// Drops every subscription and the snapshot for a key.
		RemoveKey(ctx context.Context, key Key) error
	}

	// DispatchLedger remembers which notifications were already handed to a channel.
	DispatchLedger interface {
		// Record returns false if the key was already recorded.
		Record(ctx context.Context, key DispatchKey) (bool, error)
		MarkSent(ctx context.Context, key DispatchKey) error
		// MarkFailed is for sends that ran out of retries and may be tried
		// again later.
		MarkFailed(ctx context.Context, key DispatchKey) error
		// MarkRejected is for sends the channel refused outright. They're
		// never tried again.
		MarkRejected(ctx context.Context, key DispatchKey) error
	}

	// Redeliveries is implemented by ledgers that can hand back sends that
	// never went out: failed ones, and recorded ones nobody finished.
	Redeliveries interface {
		// ClaimUndelivered returns up to limit keys last touched before
		// staleBefore and detected after detectedAfter. Each is reset to
		// recorded as it's claimed, so one send is retried by one caller.
		ClaimUndelivered(ctx context.Context, staleBefore, detectedAfter time.Time, limit int) ([]DispatchKey, error)
	}

	// Channel delivers a notification to a user.
	Channel interface {
		Send(ctx context.Context, userID string, event ChangeEvent) error
	}
)
