package bucket

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLocalBucket_InitialVersion(t *testing.T) {
	b := NewLocalBucket(int64(7), "foo")
	assert.Equal(t, NewVersion(7, 0), b.Version())
	assert.Equal(t, "foo", b.Data())
}

func TestLocalBucket_NegativeIncarnationPanics(t *testing.T) {
	assert.Panics(t, func() {
		NewLocalBucket(int64(-1), "foo")
	})
	assert.Panics(t, func() {
		NewLocalBucket(int64(1)<<32, "foo")
	})
}

// Tests updating data that was never observed doesn't change the version.
func TestLocalBucket_SetDataWithoutSnapshot(t *testing.T) {
	b := NewLocalBucket(int64(1), "a")

	assert.False(t, b.SetData("b"))
	assert.False(t, b.SetData("c"))
	assert.Equal(t, NewVersion(1, 0), b.Version())
	assert.Equal(t, "c", b.Data())
}

// Tests the version increases exactly when a snapshot was taken between two
// updates.
func TestLocalBucket_VersionMonotonic(t *testing.T) {
	tests := []struct {
		Name string
		// Ops is a sequence of 's' (snapshot) and 'u' (set data).
		Ops             string
		ExpectedVersion Version
	}{
		{Name: "no snapshot", Ops: "uuu", ExpectedVersion: NewVersion(3, 0)},
		{Name: "snapshot then update", Ops: "su", ExpectedVersion: NewVersion(3, 1)},
		{Name: "repeated snapshots", Ops: "sssu", ExpectedVersion: NewVersion(3, 1)},
		{Name: "interleaved", Ops: "suusuusu", ExpectedVersion: NewVersion(3, 3)},
		{Name: "snapshot without update", Ops: "susss", ExpectedVersion: NewVersion(3, 1)},
	}
	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			b := NewLocalBucket(int64(3), 0)
			prev := b.Version()
			observed := false
			for i, op := range test.Ops {
				switch op {
				case 's':
					b.Snapshot()
					observed = true
				case 'u':
					assert.False(t, b.SetData(i))
					if observed {
						assert.True(t, b.Version() > prev)
					} else {
						assert.Equal(t, prev, b.Version())
					}
					observed = false
				}
				assert.True(t, b.Version() >= prev)
				prev = b.Version()
			}
			assert.Equal(t, test.ExpectedVersion, b.Version())
		})
	}
}

func TestLocalBucket_SnapshotCopiesData(t *testing.T) {
	b := NewLocalBucket(int64(0), routes{Entries: map[string]string{"foo": "bar"}})

	s := b.Snapshot()
	b.Data().Entries["foo"] = "car"
	assert.Equal(t, "bar", s.Data.Entries["foo"])
	assert.Equal(t, NewVersion(0, 0), s.Version)
}

// Tests an observed update when the sequence is at its maximum wraps the
// sequence and requests an incarnation bump.
func TestLocalBucket_SequenceWrapAround(t *testing.T) {
	b := NewLocalBucket(int64(4), "a")
	b.version = NewVersion(4, 0xfffffffe)

	b.Snapshot()
	assert.False(t, b.SetData("b"))
	assert.Equal(t, NewVersion(4, 0xffffffff), b.Version())

	b.Snapshot()
	assert.True(t, b.SetData("c"))
	// The incarnation bits are untouched, the caller is responsible for
	// moving to the next incarnation.
	assert.Equal(t, NewVersion(4, 0), b.Version())

	next := NewLocalBucket(int64(b.Version().Incarnation())+1, b.Data())
	assert.Equal(t, NewVersion(5, 0), next.Version())
	assert.True(t, next.Version() > NewVersion(4, 0xffffffff))
	assert.Equal(t, "c", next.Data())
}

// Tests the bucket keeps its own copy of the data so later changes by the
// caller aren't visible.
func TestLocalBucket_SetDataCopiesData(t *testing.T) {
	b := NewLocalBucket(int64(0), routes{Entries: map[string]string{"foo": "bar"}})

	updated := routes{Entries: map[string]string{"foo": "car"}}
	b.Snapshot()
	b.SetData(updated)
	updated.Entries["foo"] = "dar"
	updated.Entries["baz"] = "qux"

	assert.Equal(t, map[string]string{"foo": "car"}, b.Data().Entries)
	s := b.Snapshot()
	assert.Equal(t, map[string]string{"foo": "car"}, s.Data.Entries)
	assert.Equal(t, NewVersion(0, 1), s.Version)
}

func TestLocalBucket_Restore(t *testing.T) {
	initial := routes{Entries: map[string]string{"foo": "bar"}}
	b := RestoreLocalBucket(NewVersion(2, 0xffffffff), initial)
	initial.Entries["foo"] = "car"
	assert.Equal(t, NewVersion(2, 0xffffffff), b.Version())
	assert.Equal(t, "bar", b.Data().Entries["foo"])

	// Data that was never observed doesn't advance the version.
	assert.False(t, b.SetData(routes{}))
	assert.Equal(t, NewVersion(2, 0xffffffff), b.Version())

	b.Snapshot()
	assert.True(t, b.SetData(routes{}))
	assert.Equal(t, NewVersion(2, 0), b.Version())
}
