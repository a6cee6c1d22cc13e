package bolt

import (
	"context"

	"github.com/goodtune/watchward/internal/storage"
	"go.etcd.io/bbolt"
)

type snapshotStore struct {
	db *bbolt.DB
}

// Save replaces the full snapshot set in a single transaction. Keys not
// present in the given slice are deleted.
func (s *snapshotStore) Save(ctx context.Context, snapshots []storage.WatchSnapshot) error {
	keep := make(map[string][]byte, len(snapshots))
	for _, snap := range snapshots {
		data, err := marshal(snap)
		if err != nil {
			return err
		}
		keep[storage.SnapshotKey(snap.UserID)] = data
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketSnapshots))
		if b == nil {
			return storage.ErrNotFound
		}

		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if _, ok := keep[string(k)]; !ok {
				if err := c.Delete(); err != nil {
					return err
				}
			}
		}

		for key, data := range keep {
			if err := b.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *snapshotStore) Load(ctx context.Context) ([]storage.WatchSnapshot, error) {
	snapshots := make([]storage.WatchSnapshot, 0)
	return snapshots, s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketSnapshots))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var snap storage.WatchSnapshot
			if err := unmarshal(v, &snap); err != nil {
				return err
			}
			snapshots = append(snapshots, snap)
			return nil
		})
	})
}

func (s *snapshotStore) Get(ctx context.Context, userID string) (*storage.WatchSnapshot, error) {
	var snap *storage.WatchSnapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketSnapshots))
		if b == nil {
			return storage.ErrNotFound
		}
		value := b.Get([]byte(storage.SnapshotKey(userID)))
		if value == nil {
			return storage.ErrNotFound
		}
		var result storage.WatchSnapshot
		if err := unmarshal(value, &result); err != nil {
			return err
		}
		snap = &result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *snapshotStore) Delete(ctx context.Context, userID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketSnapshots))
		if b == nil {
			return storage.ErrNotFound
		}
		key := []byte(storage.SnapshotKey(userID))
		if b.Get(key) == nil {
			return storage.ErrNotFound
		}
		return b.Delete(key)
	})
}
