package storage

import (
	"testing"

	"github.com/cuemby/dbcore/pkg/bucketconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndLoadSnapshot(t *testing.T) {
	store, err := NewBoltSnapshotStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	cfg := &bucketconfig.BucketConfig{Revision: 5, Name: "default"}
	require.NoError(t, store.SaveSnapshot("default", cfg))

	loaded, err := store.LoadSnapshot("default")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, int64(5), loaded.Revision)
	assert.Equal(t, "default", loaded.Name)
}

func TestLoadMissingSnapshotReturnsNil(t *testing.T) {
	store, err := NewBoltSnapshotStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	loaded, err := store.LoadSnapshot("nope")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestDeleteSnapshot(t *testing.T) {
	store, err := NewBoltSnapshotStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.SaveSnapshot("b", &bucketconfig.BucketConfig{Name: "b"}))
	require.NoError(t, store.DeleteSnapshot("b"))

	loaded, err := store.LoadSnapshot("b")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestListSnapshots(t *testing.T) {
	store, err := NewBoltSnapshotStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.SaveSnapshot("a", &bucketconfig.BucketConfig{Name: "a"}))
	require.NoError(t, store.SaveSnapshot("b", &bucketconfig.BucketConfig{Name: "b"}))

	all, err := store.ListSnapshots()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
