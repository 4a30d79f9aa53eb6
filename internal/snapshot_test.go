package internal

import (
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFileSnapshotStore_LoadEmpty(t *testing.T) {
	s, err := NewFileSnapshotStore(afero.NewMemMapFs(), "/data", zap.NewNop())
	require.Nil(t, err)

	_, ok, err := s.Load()
	assert.Nil(t, err)
	assert.False(t, ok)

	_, ok, err = s.LoadTombstone()
	assert.Nil(t, err)
	assert.False(t, ok)
}

func TestFileSnapshotStore_SaveThenLoadLatest(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := NewFileSnapshotStore(fs, "/data", zap.NewNop())
	require.Nil(t, err)

	for i := uint64(0); i != 12; i++ {
		meta, err := s.Save(i * 10)
		require.Nil(t, err)
		assert.Equal(t, i, meta.Sequence)
	}

	snapshot, ok, err := s.Load()
	require.Nil(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(110), snapshot.Incarnation)

	// No temporary files should be left behind.
	matches, err := afero.Glob(fs, "/data/*.tmp")
	require.Nil(t, err)
	assert.Equal(t, 0, len(matches))
}

func TestFileSnapshotStore_DeleteOlderThan(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := NewFileSnapshotStore(fs, "/data", zap.NewNop())
	require.Nil(t, err)

	_, err = s.Save(1)
	require.Nil(t, err)
	_, err = s.Save(2)
	require.Nil(t, err)
	meta, err := s.Save(3)
	require.Nil(t, err)

	assert.Nil(t, s.DeleteOlderThan(meta))

	snapshots, err := s.list()
	require.Nil(t, err)
	assert.Equal(t, []SnapshotMetadata{meta}, snapshots)

	snapshot, ok, err := s.Load()
	require.Nil(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(3), snapshot.Incarnation)
}

func TestFileSnapshotStore_LoadTombstone(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := NewFileSnapshotStore(fs, "/data", zap.NewNop())
	require.Nil(t, err)

	require.Nil(t, afero.WriteFile(fs, filepath.Join("/data", tombstoneFile), []byte("incarnation = 41\n"), 0644))

	tombstone, ok, err := s.LoadTombstone()
	require.Nil(t, err)
	assert.True(t, ok)
	assert.Equal(t, Tombstone{Incarnation: 41}, tombstone)

	// The tombstone isn't a snapshot.
	_, ok, err = s.Load()
	require.Nil(t, err)
	assert.False(t, ok)
}

func TestFileSnapshotStore_LoadCorrupt(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := NewFileSnapshotStore(fs, "/data", zap.NewNop())
	require.Nil(t, err)

	require.Nil(t, afero.WriteFile(fs, "/data/snapshot-00000000000000000000.toml", []byte("incarnation = "), 0644))

	_, _, err = s.Load()
	assert.NotNil(t, err)
}
