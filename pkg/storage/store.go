// Package storage persists a read-through cache of the last successfully
// bootstrapped bucket configuration, so a process restart can seed
// provider.Bootstrap with a previously-known topology while the real
// seed-node race runs in the background. It is never authoritative: the
// revision gate in proposeBucketConfig still applies to whatever it
// returns.
package storage

import "github.com/cuemby/dbcore/pkg/bucketconfig"

// SnapshotStore persists and retrieves the last-known BucketConfig per
// bucket name.
type SnapshotStore interface {
	SaveSnapshot(bucket string, cfg *bucketconfig.BucketConfig) error
	LoadSnapshot(bucket string) (*bucketconfig.BucketConfig, error)
	DeleteSnapshot(bucket string) error
	ListSnapshots() (map[string]*bucketconfig.BucketConfig, error)
	Close() error
}
