package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/watchward/internal/storage"
	"github.com/redis/go-redis/v9"
)

const (
	snapshotKeyPrefix = "watchward:snapshot:"
	snapshotIndexKey  = "watchward:snapshots"
)

type snapshotStore struct {
	client *redis.Client
}

func snapshotKey(userID string) string {
	return snapshotKeyPrefix + storage.SnapshotKey(userID)
}

// Save replaces the full snapshot set. Index members absent from the given
// slice are deleted along with their hashes.
func (s *snapshotStore) Save(ctx context.Context, snapshots []storage.WatchSnapshot) error {
	keep := make(map[string]storage.WatchSnapshot, len(snapshots))
	for _, snap := range snapshots {
		keep[storage.SnapshotKey(snap.UserID)] = snap
	}

	existing, err := s.client.SMembers(ctx, snapshotIndexKey).Result()
	if err != nil {
		return fmt.Errorf("list snapshot index: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, member := range existing {
			if _, ok := keep[member]; !ok {
				pipe.Del(ctx, snapshotKeyPrefix+member)
				pipe.SRem(ctx, snapshotIndexKey, member)
			}
		}
		for member, snap := range keep {
			pipe.HSet(ctx, snapshotKeyPrefix+member, map[string]interface{}{
				"user_id":         snap.UserID,
				"watched_seconds": snap.WatchedSeconds,
				"last_reset":      snap.LastReset.Format(time.RFC3339Nano),
			})
			pipe.SAdd(ctx, snapshotIndexKey, member)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save snapshots: %w", err)
	}
	return nil
}

func (s *snapshotStore) Load(ctx context.Context) ([]storage.WatchSnapshot, error) {
	members, err := s.client.SMembers(ctx, snapshotIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list snapshot index: %w", err)
	}

	snapshots := make([]storage.WatchSnapshot, 0, len(members))
	for _, member := range members {
		data, err := s.client.HGetAll(ctx, snapshotKeyPrefix+member).Result()
		if err != nil {
			return nil, fmt.Errorf("read snapshot %s: %w", member, err)
		}
		if len(data) == 0 {
			// Index entry without a hash; skip the orphan.
			continue
		}
		snap, err := parseSnapshot(data)
		if err != nil {
			return nil, fmt.Errorf("parse snapshot %s: %w", member, err)
		}
		snapshots = append(snapshots, *snap)
	}
	return snapshots, nil
}

func (s *snapshotStore) Get(ctx context.Context, userID string) (*storage.WatchSnapshot, error) {
	data, err := s.client.HGetAll(ctx, snapshotKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}
	return parseSnapshot(data)
}

func (s *snapshotStore) Delete(ctx context.Context, userID string) error {
	deleted, err := s.client.Del(ctx, snapshotKey(userID)).Result()
	if err != nil {
		return err
	}
	if deleted == 0 {
		return storage.ErrNotFound
	}
	return s.client.SRem(ctx, snapshotIndexKey, storage.SnapshotKey(userID)).Err()
}

func parseSnapshot(data map[string]string) (*storage.WatchSnapshot, error) {
	watched, err := strconv.ParseInt(data["watched_seconds"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid watched_seconds: %w", err)
	}
	lastReset, err := time.Parse(time.RFC3339Nano, data["last_reset"])
	if err != nil {
		return nil, fmt.Errorf("invalid last_reset: %w", err)
	}
	return &storage.WatchSnapshot{
		UserID:         data["user_id"],
		WatchedSeconds: watched,
		LastReset:      lastReset,
	}, nil
}
