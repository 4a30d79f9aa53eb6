package bucketgossip

import (
	"github.com/andydunstall/bucketgossip/internal"
)

// ErrStopped is returned when querying a node that has shut down.
var ErrStopped = internal.ErrStopped

type Versions = internal.Versions

type Transport = internal.Transport

type Packet = internal.Packet

type Watcher = internal.Watcher

type LocalWatcher = internal.LocalWatcher

func NewLocalWatcher() *LocalWatcher {
	return internal.NewLocalWatcher()
}

type MemberEventType = internal.MemberEventType

const (
	MemberUp          = internal.MemberUp
	MemberReachable   = internal.MemberReachable
	MemberRemoved     = internal.MemberRemoved
	MemberUnreachable = internal.MemberUnreachable
)

type MemberEvent = internal.MemberEvent
