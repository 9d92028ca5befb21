package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/dbcore/pkg/bucketconfig"
	bolt "go.etcd.io/bbolt"
)

var bucketSnapshots = []byte("bucket_snapshots")

// BoltSnapshotStore implements SnapshotStore on top of an embedded bbolt
// database, one file per client process.
type BoltSnapshotStore struct {
	db *bolt.DB
}

// NewBoltSnapshotStore opens (creating if absent) the snapshot database
// under dataDir.
func NewBoltSnapshotStore(dataDir string) (*BoltSnapshotStore, error) {
	dbPath := filepath.Join(dataDir, "dbcore-snapshots.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open snapshot database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSnapshots)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create snapshot bucket: %w", err)
	}

	return &BoltSnapshotStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltSnapshotStore) Close() error {
	return s.db.Close()
}

// SaveSnapshot upserts the given bucket's last-known configuration.
func (s *BoltSnapshotStore) SaveSnapshot(bucket string, cfg *bucketconfig.BucketConfig) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		data, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshal snapshot for %s: %w", bucket, err)
		}
		return b.Put([]byte(bucket), data)
	})
}

// LoadSnapshot returns the last-saved configuration for bucket, or nil if
// none is on disk.
func (s *BoltSnapshotStore) LoadSnapshot(bucket string) (*bucketconfig.BucketConfig, error) {
	var cfg *bucketconfig.BucketConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		data := b.Get([]byte(bucket))
		if data == nil {
			return nil
		}
		cfg = &bucketconfig.BucketConfig{}
		return json.Unmarshal(data, cfg)
	})
	return cfg, err
}

// DeleteSnapshot removes a persisted snapshot, e.g. on closeBucket.
func (s *BoltSnapshotStore) DeleteSnapshot(bucket string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		return b.Delete([]byte(bucket))
	})
}

// ListSnapshots returns every persisted bucket snapshot, keyed by bucket
// name.
func (s *BoltSnapshotStore) ListSnapshots() (map[string]*bucketconfig.BucketConfig, error) {
	out := make(map[string]*bucketconfig.BucketConfig)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		return b.ForEach(func(k, v []byte) error {
			var cfg bucketconfig.BucketConfig
			if err := json.Unmarshal(v, &cfg); err != nil {
				return fmt.Errorf("unmarshal snapshot for %s: %w", k, err)
			}
			out[string(k)] = &cfg
			return nil
		})
	})
	return out, err
}
