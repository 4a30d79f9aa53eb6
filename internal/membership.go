package internal

import (
	"github.com/andydunstall/bucketgossip/bucket"
)

type MemberEventType int

const (
	MemberUp = MemberEventType(iota + 1)
	MemberReachable
	MemberRemoved
	MemberUnreachable
)

func (t MemberEventType) String() string {
	switch t {
	case MemberUp:
		return "up"
	case MemberReachable:
		return "reachable"
	case MemberRemoved:
		return "removed"
	case MemberUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// MemberEvent is delivered by the membership detector when a cluster member
// joins, leaves or changes reachability.
type MemberEvent struct {
	Type MemberEventType
	Addr bucket.Address
}
