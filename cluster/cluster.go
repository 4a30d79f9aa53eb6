package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/andydunstall/bucketgossip"
	"github.com/andydunstall/bucketgossip/bucket"
	"github.com/andydunstall/bucketgossip/internal"
	"github.com/google/uuid"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Routes is the bucket data replicated by cluster nodes, mapping keys to
// values.
type Routes map[string]string

func (r Routes) Clone() Routes {
	c := make(Routes, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

type Node struct {
	ID   string
	Node *bucketgossip.Node[Routes]
}

func (n *Node) Addr() bucket.Address {
	return n.Node.Addr()
}

// ReceivedUpdate returns true if the node knows the bucket of the node at
// addr contains the given key-value pair.
func (n *Node) ReceivedUpdate(ctx context.Context, addr bucket.Address, key string, value string) bool {
	buckets, err := n.Node.Buckets(ctx, addr)
	if err != nil {
		return false
	}
	b, ok := buckets[addr]
	if !ok {
		return false
	}
	v, ok := b.Data[key]
	return ok && v == value
}

// Cluster manages a local cluster used for testing and evaluation. Each node
// is told about every other node in the cluster.
type Cluster struct {
	nodes map[string]*Node
	// net is set if the cluster runs on an in-memory network.
	net *internal.MockNetwork
	// fs persists node incarnations in memory, with a directory per node.
	fs       afero.Fs
	interval time.Duration
	mu       sync.Mutex

	logger *zap.Logger
}

// NewCluster returns a cluster whose nodes communicate using UDP on the
// loopback interface.
func NewCluster(interval time.Duration, logger *zap.Logger) *Cluster {
	return &Cluster{
		nodes:    make(map[string]*Node),
		fs:       afero.NewMemMapFs(),
		interval: interval,
		logger:   logger,
	}
}

// NewMockCluster returns a cluster whose nodes communicate using an in-memory
// network, which supports partitioning nodes.
func NewMockCluster(interval time.Duration, logger *zap.Logger) *Cluster {
	c := NewCluster(interval, logger)
	c.net = internal.NewMockNetwork()
	return c
}

func (c *Cluster) AddNode() (*Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := uuid.New().String()[:7]
	logger := c.logger.With(zap.String("node-id", id))

	opts := []bucketgossip.Option{
		bucketgossip.WithInterval(c.interval),
		bucketgossip.WithInitialDelay(c.interval),
		bucketgossip.WithMembers(c.addrs()),
		bucketgossip.WithFs(c.fs),
		bucketgossip.WithSnapshotDir("/"+id),
		bucketgossip.WithLogger(logger),
	}
	// Use a port of 0 to let the system assigned a free port.
	addr := "127.0.0.1:0"
	if c.net != nil {
		transport := c.net.NewTransport()
		addr = transport.BindAddr()
		opts = append(opts, bucketgossip.WithTransport(transport))
	}

	n, err := bucketgossip.Create[Routes](
		addr,
		Routes{},
		nil,
		opts...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create node %s: %w", id, err)
	}
	node := &Node{
		ID:   id,
		Node: n,
	}

	for _, existing := range c.nodes {
		existing.Node.OnMemberEvent(bucketgossip.MemberEvent{
			Type: bucketgossip.MemberUp,
			Addr: node.Addr(),
		})
	}
	c.nodes[id] = node

	return node, nil
}

func (c *Cluster) AddNodes(n int) error {
	var errs error
	for i := 0; i < n; i++ {
		if _, err := c.AddNode(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

// RemoveNode shuts down the node with the given ID and removes it from the
// membership of the remaining nodes.
func (c *Cluster) RemoveNode(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.nodes[id]
	if !ok {
		return fmt.Errorf("unknown node: %s", id)
	}
	delete(c.nodes, id)

	for _, n := range c.nodes {
		n.Node.OnMemberEvent(bucketgossip.MemberEvent{
			Type: bucketgossip.MemberRemoved,
			Addr: node.Addr(),
		})
	}
	return node.Node.Shutdown()
}

func (c *Cluster) Nodes() []*Node {
	c.mu.Lock()
	defer c.mu.Unlock()

	nodes := make([]*Node, 0, len(c.nodes))
	for _, node := range c.nodes {
		nodes = append(nodes, node)
	}
	return nodes
}

// Partition drops all packets sent to or from the node with the given ID.
// Only supported by clusters created with NewMockCluster.
func (c *Cluster) Partition(id string) error {
	addr, err := c.mockAddr(id)
	if err != nil {
		return err
	}
	c.net.Partition(addr)
	return nil
}

func (c *Cluster) Heal(id string) error {
	addr, err := c.mockAddr(id)
	if err != nil {
		return err
	}
	c.net.Heal(addr)
	return nil
}

// WaitToUpdate waits for all nodes to know the bucket of the node at addr
// contains the given key-value pair.
func (c *Cluster) WaitToUpdate(ctx context.Context, addr bucket.Address, key string, value string) error {
	return c.poll(ctx, func() bool {
		for _, node := range c.Nodes() {
			if !node.ReceivedUpdate(ctx, addr, key, value) {
				return false
			}
		}
		return true
	})
}

// WaitForConverged waits for every node to know the latest version of the
// bucket of every other node.
func (c *Cluster) WaitForConverged(ctx context.Context) error {
	return c.poll(ctx, func() bool {
		nodes := c.Nodes()

		expected := make(bucketgossip.Versions, len(nodes))
		for _, node := range nodes {
			versions, err := node.Node.Versions(ctx)
			if err != nil {
				return false
			}
			expected[node.Addr()] = versions[node.Addr()]
		}

		for _, node := range nodes {
			versions, err := node.Node.Versions(ctx)
			if err != nil || len(versions) != len(expected) {
				return false
			}
			for addr, version := range expected {
				if versions[addr] != version {
					return false
				}
			}
		}
		return true
	})
}

func (c *Cluster) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs error
	for _, node := range c.nodes {
		if err := node.Node.Shutdown(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	c.nodes = make(map[string]*Node)
	return errs
}

func (c *Cluster) poll(ctx context.Context, cond func() bool) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if cond() {
				return nil
			}
		}
	}
}

func (c *Cluster) mockAddr(id string) (string, error) {
	if c.net == nil {
		return "", fmt.Errorf("partitioning requires a mock network")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.nodes[id]
	if !ok {
		return "", fmt.Errorf("unknown node: %s", id)
	}
	return string(node.Addr()), nil
}

func (c *Cluster) addrs() []string {
	addrs := make([]string, 0, len(c.nodes))
	for _, node := range c.nodes {
		addrs = append(addrs, string(node.Addr()))
	}
	return addrs
}
