package internal

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const (
	snapshotPrefix = "snapshot-"
	snapshotSuffix = ".toml"
	tombstoneFile  = "tombstone.toml"
)

// Snapshot is the persisted state of the local node, which is only the
// incarnation.
type Snapshot struct {
	Incarnation uint64    `toml:"incarnation"`
	Timestamp   time.Time `toml:"timestamp"`
}

// SnapshotMetadata identifies a saved snapshot.
type SnapshotMetadata struct {
	Sequence uint64
	Name     string
}

// Tombstone marks the incarnation at which the persistence format changed.
// It is only ever read.
type Tombstone struct {
	Incarnation uint64 `toml:"incarnation"`
}

// SnapshotStore persists the incarnation of the local node across restarts.
type SnapshotStore interface {
	// Load returns the latest snapshot, or false if no snapshot exists.
	Load() (Snapshot, bool, error)

	// LoadTombstone returns the tombstone if one exists.
	LoadTombstone() (Tombstone, bool, error)

	// Save durably persists a new snapshot with the given incarnation.
	Save(incarnation uint64) (SnapshotMetadata, error)

	// DeleteOlderThan deletes all snapshots older than the given snapshot.
	DeleteOlderThan(meta SnapshotMetadata) error
}

// FileSnapshotStore stores each snapshot as a TOML file in a directory. File
// names contain an increasing sequence number so the latest snapshot is the
// one with the highest sequence.
//
// This is thread safe.
type FileSnapshotStore struct {
	fs  afero.Fs
	dir string
	// mu serialises saves so two snapshots can't get the same sequence.
	mu sync.Mutex

	logger *zap.Logger
}

func NewFileSnapshotStore(fs afero.Fs, dir string, logger *zap.Logger) (*FileSnapshotStore, error) {
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	return &FileSnapshotStore{
		fs:     fs,
		dir:    dir,
		logger: logger,
	}, nil
}

func (s *FileSnapshotStore) Load() (Snapshot, bool, error) {
	snapshots, err := s.list()
	if err != nil {
		return Snapshot{}, false, err
	}
	if len(snapshots) == 0 {
		return Snapshot{}, false, nil
	}

	latest := snapshots[0]
	for _, meta := range snapshots {
		if meta.Sequence > latest.Sequence {
			latest = meta
		}
	}

	var snapshot Snapshot
	if err := s.decode(latest.Name, &snapshot); err != nil {
		return Snapshot{}, false, err
	}

	s.logger.Debug(
		"loaded snapshot",
		zap.String("name", latest.Name),
		zap.Uint64("incarnation", snapshot.Incarnation),
	)

	return snapshot, true, nil
}

func (s *FileSnapshotStore) LoadTombstone() (Tombstone, bool, error) {
	ok, err := afero.Exists(s.fs, filepath.Join(s.dir, tombstoneFile))
	if err != nil {
		return Tombstone{}, false, fmt.Errorf("failed to check tombstone: %w", err)
	}
	if !ok {
		return Tombstone{}, false, nil
	}

	var tombstone Tombstone
	if err := s.decode(tombstoneFile, &tombstone); err != nil {
		return Tombstone{}, false, err
	}
	return tombstone, true, nil
}

// Save writes the snapshot to a temporary file and renames it once synced,
// so a partially written snapshot is never loaded.
func (s *FileSnapshotStore) Save(incarnation uint64) (SnapshotMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshots, err := s.list()
	if err != nil {
		return SnapshotMetadata{}, err
	}
	var sequence uint64
	for _, meta := range snapshots {
		if meta.Sequence >= sequence {
			sequence = meta.Sequence + 1
		}
	}

	meta := SnapshotMetadata{
		Sequence: sequence,
		Name:     fmt.Sprintf("%s%020d%s", snapshotPrefix, sequence, snapshotSuffix),
	}
	path := filepath.Join(s.dir, meta.Name)
	tmpPath := path + ".tmp"

	f, err := s.fs.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return SnapshotMetadata{}, fmt.Errorf("failed to create snapshot file: %w", err)
	}

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(Snapshot{
		Incarnation: incarnation,
		Timestamp:   time.Now().UTC(),
	}); err != nil {
		f.Close()
		return SnapshotMetadata{}, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return SnapshotMetadata{}, fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return SnapshotMetadata{}, fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := s.fs.Rename(tmpPath, path); err != nil {
		return SnapshotMetadata{}, fmt.Errorf("failed to rename snapshot: %w", err)
	}

	s.logger.Debug(
		"saved snapshot",
		zap.String("name", meta.Name),
		zap.Uint64("incarnation", incarnation),
	)

	return meta, nil
}

func (s *FileSnapshotStore) DeleteOlderThan(meta SnapshotMetadata) error {
	snapshots, err := s.list()
	if err != nil {
		return err
	}

	var errs error
	for _, m := range snapshots {
		if m.Sequence >= meta.Sequence {
			continue
		}
		if err := s.fs.Remove(filepath.Join(s.dir, m.Name)); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to delete snapshot %s: %w", m.Name, err))
			continue
		}

		s.logger.Debug("deleted snapshot", zap.String("name", m.Name))
	}
	return errs
}

func (s *FileSnapshotStore) list() ([]SnapshotMetadata, error) {
	infos, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	snapshots := []SnapshotMetadata{}
	for _, info := range infos {
		name := info.Name()
		if info.IsDir() || !strings.HasPrefix(name, snapshotPrefix) || !strings.HasSuffix(name, snapshotSuffix) {
			continue
		}

		sequence, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, snapshotPrefix), snapshotSuffix), 10, 64)
		if err != nil {
			s.logger.Warn("ignoring unrecognised snapshot file", zap.String("name", name))
			continue
		}
		snapshots = append(snapshots, SnapshotMetadata{
			Sequence: sequence,
			Name:     name,
		})
	}
	return snapshots, nil
}

func (s *FileSnapshotStore) decode(name string, v interface{}) error {
	b, err := afero.ReadFile(s.fs, filepath.Join(s.dir, name))
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	if _, err := toml.Decode(string(b), v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return nil
}
