package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jdholdren/crnwatch/internal/crnwatch"
)

const subscriptionNamespace = "-sub"

// TrackedKeys lists every key that at least one user subscribes to.
func (r Repo) TrackedKeys(ctx context.Context) ([]crnwatch.Key, error) {
	const q = `SELECT DISTINCT term, crn FROM subscriptions ORDER BY term, crn;`

	var keys []crnwatch.Key
	if err := r.db.SelectContext(ctx, &keys, q); err != nil {
		return nil, fmt.Errorf("error selecting tracked keys: %w", err)
	}

	return keys, nil
}

func (r Repo) Subscribers(ctx context.Context, key crnwatch.Key) ([]crnwatch.Subscription, error) {
	const q = `SELECT * FROM subscriptions WHERE term = ? AND crn = ? ORDER BY created_at, id;`

	var subs []crnwatch.Subscription
	if err := r.db.SelectContext(ctx, &subs, q, key.Term, key.CRN); err != nil {
		return nil, fmt.Errorf("error selecting subscribers: %w", err)
	}

	return subs, nil
}

func (r Repo) Preferences(ctx context.Context, userID string, key crnwatch.Key) (crnwatch.Preferences, error) {
	const q = `SELECT notify_kinds FROM subscriptions WHERE user_id = ? AND term = ? AND crn = ?;`

	var kinds string
	err := r.db.GetContext(ctx, &kinds, q, userID, key.Term, key.CRN)
	if errors.Is(err, sql.ErrNoRows) {
		return crnwatch.Preferences{}, crnwatch.ErrNotFound
	}
	if err != nil {
		return crnwatch.Preferences{}, fmt.Errorf("error fetching preferences: %w", err)
	}

	return crnwatch.ParsePreferences(kinds)
}

func (r Repo) subscription(ctx context.Context, id string) (crnwatch.Subscription, error) {
	const q = `SELECT * FROM subscriptions WHERE id = ?;`

	var sub crnwatch.Subscription
	err := r.db.GetContext(ctx, &sub, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return crnwatch.Subscription{}, crnwatch.ErrNotFound
	}
	if err != nil {
		return crnwatch.Subscription{}, fmt.Errorf("error fetching subscription: %w", err)
	}

	return sub, nil
}

func (r Repo) CreateSubscription(ctx context.Context, sub crnwatch.Subscription) (crnwatch.Subscription, error) {
	const q = `INSERT INTO subscriptions (id, user_id, term, crn, notify_kinds, created_at)
	VALUES (:id, :user_id, :term, :crn, :notify_kinds, :created_at);`

	prefs, err := crnwatch.ParsePreferences(sub.NotifyKinds)
	if err != nil {
		return crnwatch.Subscription{}, err
	}
	sub.NotifyKinds = prefs.String()
	sub.ID = fmt.Sprintf("%s%s", uuid.NewString(), subscriptionNamespace)
	sub.CreatedAt = time.Now().UTC()

	_, err = r.db.NamedExecContext(ctx, q, sub)
	if isUniqueViolation(err) {
		return crnwatch.Subscription{}, fmt.Errorf("subscription already exists: %w", crnwatch.ErrConflict)
	}
	if err != nil {
		return crnwatch.Subscription{}, fmt.Errorf("error inserting subscription: %w", err)
	}

	return r.subscription(ctx, sub.ID)
}

const countSubscriptionsQ = `SELECT COUNT(*) FROM subscriptions WHERE term = ? AND crn = ?;`

// DeleteSubscription removes one user's subscription and reports how many
// still reference the key. The snapshot goes with the last one.
func (r Repo) DeleteSubscription(ctx context.Context, userID string, key crnwatch.Key) (int, error) {
	const deleteQ = `DELETE FROM subscriptions WHERE user_id = ? AND term = ? AND crn = ?;`

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, deleteQ, userID, key.Term, key.CRN)
	if err != nil {
		return 0, fmt.Errorf("error deleting subscription: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return 0, crnwatch.ErrNotFound
	}

	var remaining int
	if err := tx.GetContext(ctx, &remaining, countSubscriptionsQ, key.Term, key.CRN); err != nil {
		return 0, fmt.Errorf("error counting subscriptions: %w", err)
	}
	if remaining == 0 {
		if err := deleteSnapshot(ctx, tx, key); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("error committing delete: %w", err)
	}

	return remaining, nil
}

func (r Repo) UserSubscriptions(ctx context.Context, userID string) ([]crnwatch.Subscription, error) {
	const q = `SELECT * FROM subscriptions WHERE user_id = ? ORDER BY created_at, id;`

	var subs []crnwatch.Subscription
	if err := r.db.SelectContext(ctx, &subs, q, userID); err != nil {
		return nil, fmt.Errorf("error selecting subscriptions: %w", err)
	}

	return subs, nil
}

// RemoveKey stops tracking a key entirely.
func (r Repo) RemoveKey(ctx context.Context, key crnwatch.Key) error {
	const q = `DELETE FROM subscriptions WHERE term = ? AND crn = ?;`

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, q, key.Term, key.CRN); err != nil {
		return fmt.Errorf("error deleting subscriptions: %w", err)
	}
	if err := deleteSnapshot(ctx, tx, key); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing key removal: %w", err)
	}

	return nil
}

func deleteSnapshot(ctx context.Context, tx *sqlx.Tx, key crnwatch.Key) error {
	const q = `DELETE FROM snapshots WHERE term = ? AND crn = ?;`

	if _, err := tx.ExecContext(ctx, q, key.Term, key.CRN); err != nil {
		return fmt.Errorf("error deleting snapshot: %w", err)
	}

	return nil
}
