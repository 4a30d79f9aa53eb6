package bucket

import (
	"fmt"
	"math"
)

// LocalBucket is the bucket owned by the local node. Unlike Bucket it is
// mutable, and is the only place the local nodes version advances.
//
// This is not thread safe.
type LocalBucket[T any] struct {
	version Version
	data    T
	// bumpVersion is set once the data has been observed with Snapshot. The
	// version only has to advance for a change made after the current data
	// was observed, otherwise no one could have seen the previous value.
	bumpVersion bool
}

// NewLocalBucket returns a local bucket with the given incarnation and a
// sequence of 0.
//
// Panics if the incarnation doesn't fit in 32 bits.
func NewLocalBucket[T any](incarnation int64, data T) *LocalBucket[T] {
	if incarnation < 0 || incarnation > math.MaxUint32 {
		panic(fmt.Sprintf("invalid incarnation: %d", incarnation))
	}

	return RestoreLocalBucket(NewVersion(uint32(incarnation), 0), data)
}

// RestoreLocalBucket returns a local bucket that resumes at the given version.
func RestoreLocalBucket[T any](version Version, data T) *LocalBucket[T] {
	return &LocalBucket[T]{
		version: version,
		data:    Clone(data),
	}
}

func (b *LocalBucket[T]) Data() T {
	return b.data
}

func (b *LocalBucket[T]) Version() Version {
	return b.version
}

// Snapshot returns an immutable copy of the bucket to send to peers and marks
// the current data as observed.
func (b *LocalBucket[T]) Snapshot() Bucket[T] {
	b.bumpVersion = true
	return New(b.version, Clone(b.data))
}

// SetData replaces the bucket data. Returns true if the sequence wrapped
// around, in which case the caller must move to a new incarnation.
func (b *LocalBucket[T]) SetData(data T) bool {
	b.data = Clone(data)
	if !b.bumpVersion {
		return false
	}

	b.bumpVersion = false
	sequence := (uint64(b.version) + 1) & sequenceMask
	b.version = Version(uint64(b.version)&^sequenceMask | sequence)
	return sequence == 0
}
