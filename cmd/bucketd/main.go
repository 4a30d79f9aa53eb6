// bucketd runs a bucket gossip node, and contains tools for evaluating the
// protocol.
package main

import (
	"github.com/andydunstall/bucketgossip/cmd/bucketd/cmd"
)

func main() {
	cmd.Execute()
}
