// Package store defines the backing store contract for document state.
//
// A project's durable state is one optional snapshot plus an ordered log of
// incremental updates appended since that snapshot was written.
package store

import "context"

// Update is one stored incremental update. IDs ascend in append order.
type Update struct {
	ID   int64
	Data []byte
}

// Backend is implemented by every storage driver. Methods return errors;
// callers decide how to degrade.
type Backend interface {
	// GetSnapshot returns the snapshot, or ok=false when none exists.
	GetSnapshot(ctx context.Context, projectID string) (data []byte, ok bool, err error)
	// UpsertSnapshot inserts or replaces the snapshot. Idempotent.
	UpsertSnapshot(ctx context.Context, projectID string, data []byte) error
	// GetUpdates returns updates with id > afterID in ascending id order.
	GetUpdates(ctx context.Context, projectID string, afterID int64) ([]Update, error)
	AppendUpdate(ctx context.Context, projectID string, data []byte) error
	// LastUpdateID is the highest stored update id, 0 for an empty log.
	LastUpdateID(ctx context.Context, projectID string) (int64, error)
	// ClearUpdates deletes updates with id <= uptoID and reports how many
	// were removed. Later updates are kept.
	ClearUpdates(ctx context.Context, projectID string, uptoID int64) (int, error)
	// CheckAccess reports whether user is a member of project.
	CheckAccess(ctx context.Context, projectID, userID string) (bool, error)
}
