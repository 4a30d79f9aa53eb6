package internal

import (
	"sort"

	"github.com/andydunstall/bucketgossip/bucket"
	"go.uber.org/zap/zapcore"
)

// Versions is a digest of the bucket version of each known node.
type Versions map[bucket.Address]bucket.Version

func (v Versions) Copy() Versions {
	c := make(Versions, len(v))
	for addr, version := range v {
		c[addr] = version
	}
	return c
}

func (v Versions) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	for addr, version := range v {
		enc.AddString(string(addr), version.String())
	}
	return nil
}

// GossipStatus is sent to a peer with the local digest so the peer can work
// out which buckets each side is missing.
type GossipStatus struct {
	From     bucket.Address `json:"from"`
	Versions Versions       `json:"versions"`
}

func (s GossipStatus) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("from", string(s.From))
	return enc.AddObject("versions", s.Versions)
}

// GossipEnvelope carries the buckets the sender found to be newer than
// those known by the receiver.
type GossipEnvelope[T any] struct {
	From    bucket.Address                       `json:"from"`
	To      bucket.Address                       `json:"to"`
	Buckets map[bucket.Address]*bucket.Bucket[T] `json:"buckets"`
}

func (e GossipEnvelope[T]) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("from", string(e.From))
	enc.AddString("to", string(e.To))
	return enc.AddArray("buckets", addrs(bucketAddrs(e.Buckets)))
}

type addrs []bucket.Address

func (a addrs) MarshalLogArray(enc zapcore.ArrayEncoder) error {
	for _, addr := range a {
		enc.AppendString(string(addr))
	}
	return nil
}

func bucketAddrs[T any](buckets map[bucket.Address]*bucket.Bucket[T]) []bucket.Address {
	addrs := make([]bucket.Address, 0, len(buckets))
	for addr := range buckets {
		addrs = append(addrs, addr)
	}
	sortAddrs(addrs)
	return addrs
}

func sortAddrs(addrs []bucket.Address) {
	sort.Slice(addrs, func(i, j int) bool {
		return addrs[i] < addrs[j]
	})
}
