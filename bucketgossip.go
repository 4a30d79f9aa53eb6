package bucketgossip

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/andydunstall/bucketgossip/bucket"
	"github.com/andydunstall/bucketgossip/internal"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

var (
	// ErrNoSnapshotDir is returned when creating a node without a snapshot
	// dir to persist its incarnation to.
	ErrNoSnapshotDir = errors.New("snapshot dir not configured")

	// ErrUnspecifiedAddr is returned when the node would advertise an
	// unspecified address such as 0.0.0.0, which peers can't reach.
	ErrUnspecifiedAddr = errors.New("unspecified advertise address")
)

// Node replicates its local bucket to the other members of the cluster, and
// keeps the latest known bucket of every other member.
// This is thread safe.
type Node[T any] struct {
	self      bucket.Address
	store     *internal.Store[T]
	gossiper  *internal.Gossiper[T]
	transport internal.Transport
	// localWatcher is set if the node created its own watcher, in which case
	// it is closed on shutdown.
	localWatcher *internal.LocalWatcher
	logger       *zap.Logger
}

// Create creates a node listening on addr whose local bucket initially
// contains data. The subscriber is notified when remote buckets are updated
// or removed, and may be nil.
//
// The node recovers and persists its incarnation before serving any
// requests. Requests made before then are queued.
func Create[T any](addr string, data T, subscriber bucket.Subscriber[T], options ...Option) (*Node[T], error) {
	opts := defaultOptions()
	for _, opt := range options {
		opt(opts)
	}

	n, err := newNode(addr, data, subscriber, opts)
	if err != nil {
		return nil, err
	}
	n.schedule(opts.Members)
	return n, nil
}

// UpdateLocal replaces the data in the local bucket. This will be propagated
// to the other nodes in the cluster.
func (n *Node[T]) UpdateLocal(data T) {
	n.store.UpdateLocalBucket(data)
}

// LocalData returns a copy of the data in the local bucket.
func (n *Node[T]) LocalData(ctx context.Context) (T, error) {
	return n.store.LocalData(ctx)
}

// Versions returns the version of every known bucket, including the local
// bucket.
func (n *Node[T]) Versions(ctx context.Context) (Versions, error) {
	return n.store.Versions(ctx)
}

// Buckets returns the buckets of the given members. Members whose bucket
// isn't known are omitted. Since the cluster state is eventually consistent,
// remote buckets aren't guaranteed to be up to date with the actual state of
// the node, though should converge quickly.
func (n *Node[T]) Buckets(ctx context.Context, members ...bucket.Address) (map[bucket.Address]bucket.Bucket[T], error) {
	return n.store.Buckets(ctx, members)
}

// AllBuckets returns the local bucket and all known remote buckets.
func (n *Node[T]) AllBuckets(ctx context.Context) (map[bucket.Address]bucket.Bucket[T], error) {
	return n.store.AllBuckets(ctx)
}

// Peers returns the addresses of the nodes being gossiped with (excluding
// ourselves).
func (n *Node[T]) Peers() []bucket.Address {
	return n.gossiper.Peers()
}

// OnMemberEvent applies a cluster membership change. Nodes that are up or
// reachable are gossiped with, and the buckets of nodes that are removed or
// unreachable are dropped. If the local node is removed it stops gossiping.
func (n *Node[T]) OnMemberEvent(e MemberEvent) {
	n.gossiper.OnMemberEvent(e)
}

// Gossip runs a gossip round with a random peer.
func (n *Node[T]) Gossip() {
	n.gossiper.Tick()
}

// BindAddr returns the address the transport listener is bound to. Note
// this may be different from the configured bind addr if the system chooses
// the addr (such as using a port of 0).
func (n *Node[T]) BindAddr() string {
	return n.transport.BindAddr()
}

// Addr returns the address the node is known by to its peers, which keys its
// bucket.
func (n *Node[T]) Addr() bucket.Address {
	return n.self
}

// Shutdown stops gossiping and serving requests.
func (n *Node[T]) Shutdown() error {
	n.logger.Debug("shutdown")

	var errs error
	if err := n.transport.Shutdown(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed to shutdown transport: %w", err))
	}
	n.gossiper.Stop()
	n.store.Stop()
	if n.localWatcher != nil {
		n.localWatcher.Close()
	}
	return errs
}

// AdvertiseAddr returns the address a node bound to bindAddr is known by to
// its peers. This is advertiseAddr if set, otherwise bindAddr.
//
// Returns ErrUnspecifiedAddr if the resulting host is empty or unspecified,
// since peers would discard messages from that address.
func AdvertiseAddr(bindAddr string, advertiseAddr string) (string, error) {
	addr := bindAddr
	if advertiseAddr != "" {
		addr = advertiseAddr
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid address %s: %w", addr, err)
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		return "", fmt.Errorf("%w: %s", ErrUnspecifiedAddr, addr)
	}
	return addr, nil
}

func newNode[T any](addr string, data T, subscriber bucket.Subscriber[T], opts *Options) (*Node[T], error) {
	if opts.SnapshotDir == "" {
		opts.Logger.Error("no snapshot dir configured")
		return nil, ErrNoSnapshotDir
	}

	transport := opts.Transport
	if transport == nil {
		udpTransport, err := internal.NewUDPTransport(addr, opts.Logger)
		if err != nil {
			opts.Logger.Error("failed to start transport", zap.Error(err))
			return nil, err
		}
		transport = udpTransport
	}

	// Note use transport bind addr not configured bind addr as these
	// may be different if the system assigns the port.
	advertiseAddr, err := AdvertiseAddr(transport.BindAddr(), opts.AdvertiseAddr)
	if err != nil {
		opts.Logger.Error("invalid advertise address", zap.Error(err))
		transport.Shutdown()
		return nil, err
	}
	self := bucket.Address(advertiseAddr)
	logger := opts.Logger.With(zap.String("node", string(self)))

	logger.Debug("transport started")

	snapshots, err := newSnapshotStore(opts, logger)
	if err != nil {
		transport.Shutdown()
		return nil, err
	}

	n := &Node[T]{
		self:      self,
		transport: transport,
		logger:    logger,
	}

	watcher := opts.Watcher
	if watcher == nil {
		n.localWatcher = internal.NewLocalWatcher()
		watcher = n.localWatcher
	}

	metrics := internal.NewMetrics(opts.Registerer)

	n.store = internal.NewStore(internal.StoreConfig[T]{
		Self:        self,
		InitialData: data,
		Snapshots:   snapshots,
		Watcher:     watcher,
		Subscriber:  subscriber,
		OnFatal:     opts.OnFatal,
		MailboxSize: opts.MailboxSize,
		Metrics:     metrics,
		Logger:      logger.Named("store"),
	})
	n.gossiper = internal.NewGossiper[T](
		self,
		n.store,
		transport,
		opts.Interval,
		opts.InitialDelay,
		metrics,
		logger.Named("gossiper"),
	)
	return n, nil
}

func newSnapshotStore(opts *Options, logger *zap.Logger) (*internal.FileSnapshotStore, error) {
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	snapshots, err := internal.NewFileSnapshotStore(fs, opts.SnapshotDir, logger.Named("snapshot"))
	if err != nil {
		logger.Error("failed to open snapshot store", zap.Error(err))
		return nil, fmt.Errorf("failed to open snapshot store: %w", err)
	}
	return snapshots, nil
}

func (n *Node[T]) schedule(members []string) {
	n.store.Start()
	n.gossiper.Start()

	for _, addr := range members {
		n.gossiper.OnMemberEvent(MemberEvent{
			Type: MemberUp,
			Addr: bucket.Address(addr),
		})
	}
}
