// Package sqlite is the single-database implementation of the crnwatch
// storage surfaces: snapshots and their event outbox, subscriptions, and the
// dispatch ledger.
package sqlite

import (
	"errors"

	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/jdholdren/crnwatch/internal/crnwatch"
)

// Ensure Repo implements the storage interfaces
var (
	_ crnwatch.SnapshotStore        = Repo{}
	_ crnwatch.EventOutbox          = Repo{}
	_ crnwatch.SubscriptionRegistry = Repo{}
	_ crnwatch.DispatchLedger       = Repo{}
	_ crnwatch.Redeliveries         = Repo{}
)

type Repo struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) Repo {
	return Repo{db: db}
}

func isUniqueViolation(err error) bool {
	sqliteErr := &sqlite.Error{}
	return errors.As(err, &sqliteErr) &&
		(sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY)
}
