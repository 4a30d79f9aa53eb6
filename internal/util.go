package internal

import (
	"math/rand"

	"github.com/andydunstall/bucketgossip/bucket"
)

// randomAddr returns a random address from addrs, or false if addrs is
// empty.
func randomAddr(addrs []bucket.Address) (bucket.Address, bool) {
	switch len(addrs) {
	case 0:
		return "", false
	case 1:
		return addrs[0], true
	default:
		return addrs[rand.Intn(len(addrs))], true
	}
}

// removeAddr removes addr from addrs without preserving order.
func removeAddr(addrs []bucket.Address, addr bucket.Address) []bucket.Address {
	for i, a := range addrs {
		if a == addr {
			addrs[i] = addrs[len(addrs)-1]
			return addrs[:len(addrs)-1]
		}
	}
	return addrs
}
