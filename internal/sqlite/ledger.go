package sqlite

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/jdholdren/crnwatch/internal/crnwatch"
)

const (
	ledgerRecorded = "recorded"
	ledgerSent     = "sent"
	ledgerFailed   = "failed"
	ledgerRejected = "rejected"
)

type ledgerRow struct {
	UserID     string    `db:"user_id"`
	Term       string    `db:"term"`
	CRN        string    `db:"crn"`
	Kind       string    `db:"kind"`
	DetectedAt int64     `db:"detected_at"`
	Status     string    `db:"status"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (r ledgerRow) key() crnwatch.DispatchKey {
	return crnwatch.DispatchKey{
		UserID:     r.UserID,
		Term:       r.Term,
		CRN:        r.CRN,
		Kind:       crnwatch.EventKind(r.Kind),
		DetectedAt: time.Unix(0, r.DetectedAt).UTC(),
	}
}

// Record claims a dispatch key. Only the first caller for a key gets true.
func (r Repo) Record(ctx context.Context, key crnwatch.DispatchKey) (bool, error) {
	const q = `INSERT INTO dispatch_ledger (user_id, term, crn, kind, detected_at, status, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT DO NOTHING;`

	res, err := r.db.ExecContext(ctx, q,
		key.UserID, key.Term, key.CRN, string(key.Kind), key.DetectedAt.UnixNano(),
		ledgerRecorded, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("error recording dispatch: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("error reading affected rows: %w", err)
	}

	return n == 1, nil
}

func (r Repo) MarkSent(ctx context.Context, key crnwatch.DispatchKey) error {
	return r.markLedger(ctx, key, ledgerSent)
}

func (r Repo) MarkFailed(ctx context.Context, key crnwatch.DispatchKey) error {
	return r.markLedger(ctx, key, ledgerFailed)
}

func (r Repo) MarkRejected(ctx context.Context, key crnwatch.DispatchKey) error {
	return r.markLedger(ctx, key, ledgerRejected)
}

// ClaimUndelivered hands back failed sends, and recorded ones that never got
// an answer, for another try. Claimed rows go back to recorded with a fresh
// updated_at, which keeps them out of the next claim until they go stale
// again.
func (r Repo) ClaimUndelivered(ctx context.Context, staleBefore, detectedAfter time.Time, limit int) ([]crnwatch.DispatchKey, error) {
	q := sq.Select("user_id", "term", "crn", "kind", "detected_at", "status", "updated_at").
		From("dispatch_ledger").
		Where(sq.Eq{"status": []string{ledgerRecorded, ledgerFailed}}).
		Where(sq.Lt{"updated_at": staleBefore.UTC()}).
		Where(sq.Gt{"detected_at": detectedAfter.UnixNano()}).
		OrderBy("detected_at ASC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("error constructing sql: %s", err)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var rows []ledgerRow
	if err := tx.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("error selecting undelivered dispatches: %w", err)
	}

	const claimQ = `UPDATE dispatch_ledger SET status = ?, updated_at = ?
	WHERE user_id = ? AND term = ? AND crn = ? AND kind = ? AND detected_at = ? AND status = ?;`

	now := time.Now().UTC()
	keys := make([]crnwatch.DispatchKey, 0, len(rows))
	for _, row := range rows {
		res, err := tx.ExecContext(ctx, claimQ,
			ledgerRecorded, now,
			row.UserID, row.Term, row.CRN, row.Kind, row.DetectedAt, row.Status,
		)
		if err != nil {
			return nil, fmt.Errorf("error claiming dispatch: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			keys = append(keys, row.key())
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("error committing claim: %w", err)
	}

	return keys, nil
}

func (r Repo) markLedger(ctx context.Context, key crnwatch.DispatchKey, status string) error {
	const q = `UPDATE dispatch_ledger SET status = ?, updated_at = ?
	WHERE user_id = ? AND term = ? AND crn = ? AND kind = ? AND detected_at = ?;`

	if _, err := r.db.ExecContext(ctx, q,
		status, time.Now().UTC(),
		key.UserID, key.Term, key.CRN, string(key.Kind), key.DetectedAt.UnixNano(),
	); err != nil {
		return fmt.Errorf("error marking dispatch %s: %w", status, err)
	}

	return nil
}

// LedgerStatus returns the recorded status of a dispatch key, or "" if it was
// never recorded.
func (r Repo) LedgerStatus(ctx context.Context, key crnwatch.DispatchKey) (string, error) {
	const q = `SELECT status FROM dispatch_ledger
	WHERE user_id = ? AND term = ? AND crn = ? AND kind = ? AND detected_at = ?;`

	var statuses []string
	if err := r.db.SelectContext(ctx, &statuses, q,
		key.UserID, key.Term, key.CRN, string(key.Kind), key.DetectedAt.UnixNano(),
	); err != nil {
		return "", fmt.Errorf("error fetching dispatch status: %w", err)
	}
	if len(statuses) == 0 {
		return "", nil
	}

	return statuses[0], nil
}
