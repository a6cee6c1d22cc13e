package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Snapshots() SnapshotStore
}

// SnapshotStore persists the watch-time ledger. Save replaces the whole
// snapshot set: entries absent from the given slice are deleted, so a save
// after garbage collection also drops the removed users from disk.
type SnapshotStore interface {
	Save(ctx context.Context, snapshots []WatchSnapshot) error
	Load(ctx context.Context) ([]WatchSnapshot, error)
	Get(ctx context.Context, userID string) (*WatchSnapshot, error)
	Delete(ctx context.Context, userID string) error
}
