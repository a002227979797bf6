package domain

import (
	"context"

	"gorm.io/gorm"
)

type Repository interface {
	// Insert appends a snapshot with conflict-skip on external_id and
	// reports whether the row was actually written.
	Insert(ctx context.Context, db *gorm.DB, snapshot *Snapshot) (bool, error)

	// LatestForAccount returns the most recent snapshot for an account by
	// transaction date, tie-broken by insertion order, or nil.
	LatestForAccount(ctx context.Context, db *gorm.DB, accountNumber string) (*Snapshot, error)
}
