package storage

import (
	"strings"
	"time"
)

// WatchSnapshot is the persisted projection of one user's accounting record.
// Next-reset instants and notification flags are deliberately not stored:
// they are rederived from last-reset and the current policy at load time.
type WatchSnapshot struct {
	UserID         string    `json:"user_id"`
	WatchedSeconds int64     `json:"watched_seconds"`
	LastReset      time.Time `json:"last_reset"`
}

// SnapshotKey normalizes a user ID for use as a storage key.
func SnapshotKey(userID string) string {
	return strings.ToLower(userID)
}
