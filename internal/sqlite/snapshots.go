package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jdholdren/crnwatch/internal/crnwatch"
)

const eventNamespace = "-evt"

const (
	eventStatusPending    = "pending"
	eventStatusDispatched = "dispatched"
)

// Row shape of change_events. detected_at is kept as unix nanos so the
// dispatch key survives a round trip exactly.
type eventRow struct {
	ID         string `db:"id"`
	Term       string `db:"term"`
	CRN        string `db:"crn"`
	Kind       string `db:"kind"`
	Previous   string `db:"previous_value"`
	Current    string `db:"current_value"`
	DetectedAt int64  `db:"detected_at"`
	Status     string `db:"status"`
}

func (r eventRow) event() crnwatch.ChangeEvent {
	return crnwatch.ChangeEvent{
		ID:         r.ID,
		Term:       r.Term,
		CRN:        r.CRN,
		Kind:       crnwatch.EventKind(r.Kind),
		Previous:   r.Previous,
		Current:    r.Current,
		DetectedAt: time.Unix(0, r.DetectedAt).UTC(),
	}
}

func (r Repo) Snapshot(ctx context.Context, key crnwatch.Key) (*crnwatch.Section, error) {
	const q = `SELECT * FROM snapshots WHERE term = ? AND crn = ?;`

	var sec crnwatch.Section
	err := r.db.GetContext(ctx, &sec, q, key.Term, key.CRN)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error fetching snapshot: %w", err)
	}
	sec.FetchedAt = sec.FetchedAt.UTC()

	return &sec, nil
}

// PutSnapshot upserts the snapshot and appends its events to the outbox in one
// transaction. Events without an ID are given one in place.
//
// Keys without a subscription are refused with ErrNotFound, so a poll that
// outlives its last subscriber can't bring the snapshot back.
func (r Repo) PutSnapshot(ctx context.Context, snap crnwatch.Section, events []crnwatch.ChangeEvent) error {
	const upsertQ = `INSERT INTO snapshots (
		term, crn, subject, course, section_number, title,
		capacity, taken, available, status,
		meeting_days, meeting_time, location, instructor,
		fetched_at, content_hash
	) VALUES (
		:term, :crn, :subject, :course, :section_number, :title,
		:capacity, :taken, :available, :status,
		:meeting_days, :meeting_time, :location, :instructor,
		:fetched_at, :content_hash
	)
	ON CONFLICT (term, crn) DO UPDATE SET
		subject = excluded.subject,
		course = excluded.course,
		section_number = excluded.section_number,
		title = excluded.title,
		capacity = excluded.capacity,
		taken = excluded.taken,
		available = excluded.available,
		status = excluded.status,
		meeting_days = excluded.meeting_days,
		meeting_time = excluded.meeting_time,
		location = excluded.location,
		instructor = excluded.instructor,
		fetched_at = excluded.fetched_at,
		content_hash = excluded.content_hash;`

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var subs int
	if err := tx.GetContext(ctx, &subs, countSubscriptionsQ, snap.Term, snap.CRN); err != nil {
		return fmt.Errorf("error counting subscriptions: %w", err)
	}
	if subs == 0 {
		return fmt.Errorf("key %s is not tracked: %w", snap.Key(), crnwatch.ErrNotFound)
	}

	snap.FetchedAt = snap.FetchedAt.UTC()
	if _, err := tx.NamedExecContext(ctx, upsertQ, snap); err != nil {
		return fmt.Errorf("error upserting snapshot: %w", err)
	}
	if err := insertEvents(ctx, tx, events); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing snapshot: %w", err)
	}

	return nil
}

func insertEvents(ctx context.Context, tx *sqlx.Tx, events []crnwatch.ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}

	q := sq.Insert("change_events").Columns("id", "term", "crn", "kind", "previous_value", "current_value", "detected_at", "status")
	for i := range events {
		if events[i].ID == "" {
			events[i].ID = fmt.Sprintf("%s%s", uuid.NewString(), eventNamespace)
		}
		ev := events[i]
		q = q.Values(ev.ID, ev.Term, ev.CRN, string(ev.Kind), ev.Previous, ev.Current, ev.DetectedAt.UnixNano(), eventStatusPending)
	}

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("error constructing sql: %s", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("error inserting change events: %w", err)
	}

	return nil
}

// PendingEvents returns events that were stored but not yet fully dispatched,
// oldest first.
func (r Repo) PendingEvents(ctx context.Context, limit int) ([]crnwatch.ChangeEvent, error) {
	q := sq.Select("*").
		From("change_events").
		Where(sq.Eq{"status": eventStatusPending}).
		OrderBy("detected_at ASC", "rowid ASC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("error constructing sql: %s", err)
	}

	var rows []eventRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("error selecting pending events: %w", err)
	}

	events := make([]crnwatch.ChangeEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, row.event())
	}

	return events, nil
}

func (r Repo) MarkEventsDispatched(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	query, args, err := sq.Update("change_events").
		Set("status", eventStatusDispatched).
		Where(sq.Eq{"id": ids}).
		ToSql()
	if err != nil {
		return fmt.Errorf("error constructing sql: %s", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("error marking events dispatched: %w", err)
	}

	return nil
}

func (r Repo) EventFor(ctx context.Context, key crnwatch.DispatchKey) (*crnwatch.ChangeEvent, error) {
	const q = `SELECT * FROM change_events
	WHERE term = ? AND crn = ? AND kind = ? AND detected_at = ?
	ORDER BY rowid LIMIT 1;`

	var row eventRow
	err := r.db.GetContext(ctx, &row, q, key.Term, key.CRN, string(key.Kind), key.DetectedAt.UnixNano())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error fetching event: %w", err)
	}

	ev := row.event()
	return &ev, nil
}

// KeyEvents pages through the events recorded for a key, newest first.
func (r Repo) KeyEvents(ctx context.Context, key crnwatch.Key, limit, offset int) ([]crnwatch.ChangeEvent, error) {
	q := sq.Select("*").
		From("change_events").
		Where(sq.Eq{"term": key.Term, "crn": key.CRN}).
		OrderBy("detected_at DESC", "rowid DESC")
	if limit > 0 {
		q = q.Limit(uint64(limit)).Offset(uint64(max(offset, 0)))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("error constructing sql: %s", err)
	}

	var rows []eventRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("error selecting key events: %w", err)
	}

	events := make([]crnwatch.ChangeEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, row.event())
	}

	return events, nil
}

func (r Repo) CountKeyEvents(ctx context.Context, key crnwatch.Key) (int, error) {
	const q = `SELECT COUNT(*) FROM change_events WHERE term = ? AND crn = ?;`

	var count int
	if err := r.db.GetContext(ctx, &count, q, key.Term, key.CRN); err != nil {
		return 0, fmt.Errorf("error counting key events: %w", err)
	}

	return count, nil
}
