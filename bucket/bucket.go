package bucket

import (
	"fmt"

	"go.uber.org/zap/zapcore"
)

// Address identifies a node in the cluster. This is the address the nodes
// gossip transport is bound to.
type Address string

// Handle is an external reference embedded in bucket data. If the referenced
// entity terminates the bucket referencing it is no longer valid.
type Handle string

const sequenceMask = 0xffffffff

// Version orders the buckets owned by a node. The high 32 bits hold the
// incarnation and the low 32 bits the sequence, so versions are compared
// as raw 64 bit integers.
type Version uint64

func NewVersion(incarnation uint32, sequence uint32) Version {
	return Version(uint64(incarnation)<<32 | uint64(sequence))
}

func (v Version) Incarnation() uint32 {
	return uint32(v >> 32)
}

func (v Version) Sequence() uint32 {
	return uint32(v & sequenceMask)
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Incarnation(), v.Sequence())
}

// Watchable is implemented by bucket data that references a watch handle.
type Watchable interface {
	WatchHandle() (Handle, bool)
}

// Cloner is implemented by bucket data with reference semantics (such as maps
// or slices) so a bucket never shares memory with data that may later be
// modified.
type Cloner[T any] interface {
	Clone() T
}

// Clone returns a deep copy of data if it implements Cloner, otherwise data
// is returned as is.
func Clone[T any](data T) T {
	if c, ok := any(data).(Cloner[T]); ok {
		return c.Clone()
	}
	return data
}

// Bucket is a versioned snapshot of the data owned by a node.
//
// Note a bucket must not be modified once it has been observed by a peer,
// instead a new bucket with a higher version replaces it.
type Bucket[T any] struct {
	Version Version `json:"version"`
	Data    T       `json:"data"`
}

func New[T any](version Version, data T) Bucket[T] {
	return Bucket[T]{
		Version: version,
		Data:    data,
	}
}

// WatchHandle returns the handle referenced by the bucket data, if any.
func (b Bucket[T]) WatchHandle() (Handle, bool) {
	if w, ok := any(b.Data).(Watchable); ok {
		return w.WatchHandle()
	}
	return "", false
}

func (b Bucket[T]) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("version", b.Version.String())
	if h, ok := b.WatchHandle(); ok {
		enc.AddString("watch-handle", string(h))
	}
	return nil
}
