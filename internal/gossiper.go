package internal

import (
	"sync"
	"time"

	"github.com/andydunstall/bucketgossip/bucket"
	"go.uber.org/zap"
)

// BucketStore is the view of the store used by the gossiper. Replies are
// invoked on the store goroutine.
type BucketStore[T any] interface {
	GetBucketVersions(reply func(Versions))
	GetBucketsByMembers(members []bucket.Address, reply func(map[bucket.Address]bucket.Bucket[T]))
	UpdateRemoteBuckets(buckets map[bucket.Address]*bucket.Bucket[T])
	RemoveRemoteBucket(addr bucket.Address)
}

// Gossiper periodically exchanges bucket versions with a random peer, and
// sends the buckets the peer is missing.
//
// Each round the gossiper sends its versions to a peer as a GossipStatus.
// The receiver compares the versions with its own. If it is missing buckets
// it replies with its own status, and if the sender is missing buckets it
// replies with an envelope containing them.
//
// Like the store, all state is owned by a single goroutine. Replies from the
// store are posted back to the gossiper goroutine so the store never blocks
// on the gossiper.
type Gossiper[T any] struct {
	self bucket.Address

	// members contains the peer addresses (excluding the local node), with
	// peers used for lookups.
	members []bucket.Address
	peers   map[bucket.Address]struct{}
	// left is true once the local node has been removed from the cluster.
	left bool

	store     BucketStore[T]
	transport Transport
	codec     *codec[T]

	interval     time.Duration
	initialDelay time.Duration

	inbox     chan func()
	done      chan struct{}
	stopped   chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once

	metrics *Metrics
	logger  *zap.Logger
}

// NewGossiper creates a gossiper for the local node at self. If interval is
// not positive the gossiper only gossips when Tick is called.
func NewGossiper[T any](
	self bucket.Address,
	store BucketStore[T],
	transport Transport,
	interval time.Duration,
	initialDelay time.Duration,
	metrics *Metrics,
	logger *zap.Logger,
) *Gossiper[T] {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gossiper[T]{
		self:         self,
		peers:        make(map[bucket.Address]struct{}),
		store:        store,
		transport:    transport,
		codec:        newCodec[T](),
		interval:     interval,
		initialDelay: initialDelay,
		inbox:        make(chan func(), DefaultMailboxSize),
		done:         make(chan struct{}),
		stopped:      make(chan struct{}),
		metrics:      metrics,
		logger:       logger,
	}
}

func (g *Gossiper[T]) Start() {
	g.startOnce.Do(func() {
		go g.gossipLoop()
	})
}

// Stop stops gossiping and waits for the gossiper goroutine to exit. Must
// only be called after Start.
func (g *Gossiper[T]) Stop() {
	g.stopOnce.Do(func() {
		close(g.done)
	})
	<-g.stopped
}

// Stopped returns a channel that is closed once the gossiper has stopped,
// either due to Stop or the local node being removed.
func (g *Gossiper[T]) Stopped() <-chan struct{} {
	return g.stopped
}

// Tick runs a gossip round.
func (g *Gossiper[T]) Tick() {
	g.post(g.tick)
}

// OnMemberEvent updates the peers from a membership change.
func (g *Gossiper[T]) OnMemberEvent(e MemberEvent) {
	g.post(func() {
		g.onMemberEvent(e)
	})
}

// Peers returns the addresses the gossiper is gossiping with.
func (g *Gossiper[T]) Peers() []bucket.Address {
	ch := make(chan []bucket.Address, 1)
	g.post(func() {
		peers := make([]bucket.Address, len(g.members))
		copy(peers, g.members)
		sortAddrs(peers)
		ch <- peers
	})

	select {
	case peers := <-ch:
		return peers
	case <-g.stopped:
		select {
		case peers := <-ch:
			return peers
		default:
			return nil
		}
	}
}

func (g *Gossiper[T]) gossipLoop() {
	defer close(g.stopped)

	var (
		initialCh <-chan time.Time
		tickCh    <-chan time.Time
	)
	if g.interval > 0 {
		initial := time.NewTimer(g.initialDelay)
		defer initial.Stop()
		initialCh = initial.C
	}

	for !g.left {
		select {
		case <-initialCh:
			initialCh = nil

			ticker := time.NewTicker(g.interval)
			defer ticker.Stop()
			tickCh = ticker.C

			g.tick()
		case <-tickCh:
			g.tick()
		case p := <-g.transport.PacketCh():
			g.onPacket(p)
		case fn := <-g.inbox:
			fn()
		case <-g.done:
			return
		}
	}
}

// post runs fn on the gossiper goroutine.
func (g *Gossiper[T]) post(fn func()) {
	select {
	case g.inbox <- fn:
	case <-g.stopped:
	}
}

// postAsync is like post but never blocks, so is safe to call from the
// store goroutine.
func (g *Gossiper[T]) postAsync(fn func()) {
	select {
	case g.inbox <- fn:
	default:
		go g.post(fn)
	}
}

func (g *Gossiper[T]) tick() {
	g.metrics.GossipTicks.Inc()

	addr, ok := randomAddr(g.members)
	if !ok {
		return
	}

	g.logger.Debug("gossiping with peer", zap.String("addr", string(addr)))

	g.store.GetBucketVersions(func(versions Versions) {
		g.postAsync(func() {
			g.sendStatus(addr, versions)
		})
	})
}

func (g *Gossiper[T]) onPacket(p *Packet) {
	m, err := g.codec.Decode(p.Buf)
	if err != nil {
		g.logger.Debug(
			"discarding invalid message",
			zap.String("from", p.From),
			zap.Error(err),
		)
		g.metrics.GossipMessagesDropped.WithLabelValues("invalid").Inc()
		return
	}

	switch m.Type {
	case typeGossipStatus:
		g.onGossipStatus(m.Status)
	case typeGossipEnvelope:
		g.onGossipEnvelope(m.Envelope)
	}
}

func (g *Gossiper[T]) onGossipStatus(status *GossipStatus) {
	g.logger.Debug("received gossip status", zap.Object("status", status))

	if !g.isPeer(status.From) {
		g.logger.Debug(
			"discarding gossip status from unknown peer",
			zap.String("from", string(status.From)),
		)
		g.metrics.GossipMessagesDropped.WithLabelValues("unknown-peer").Inc()
		return
	}

	from := status.From
	remote := status.Versions
	g.store.GetBucketVersions(func(local Versions) {
		g.postAsync(func() {
			g.compareVersions(from, local, remote)
		})
	})
}

func (g *Gossiper[T]) compareVersions(from bucket.Address, local Versions, remote Versions) {
	// The peer may have been removed while waiting for the store.
	if !g.isPeer(from) {
		return
	}

	localIsOlder, localIsNewer := diffVersions(local, remote)
	if len(localIsOlder) > 0 {
		g.logger.Debug(
			"local buckets older than peer",
			zap.String("addr", string(from)),
			zap.Array("buckets", addrs(localIsOlder)),
		)
		g.sendStatus(from, local)
	}
	if len(localIsNewer) > 0 {
		g.logger.Debug(
			"local buckets newer than peer",
			zap.String("addr", string(from)),
			zap.Array("buckets", addrs(localIsNewer)),
		)
		g.store.GetBucketsByMembers(localIsNewer, func(buckets map[bucket.Address]bucket.Bucket[T]) {
			g.postAsync(func() {
				g.sendEnvelope(from, buckets)
			})
		})
	}
}

func (g *Gossiper[T]) onGossipEnvelope(envelope *GossipEnvelope[T]) {
	g.logger.Debug("received gossip envelope", zap.Object("envelope", envelope))

	if envelope.To != g.self {
		g.logger.Debug(
			"discarding misaddressed gossip envelope",
			zap.String("from", string(envelope.From)),
			zap.String("to", string(envelope.To)),
		)
		g.metrics.GossipMessagesDropped.WithLabelValues("misaddressed").Inc()
		return
	}

	// Only accept buckets of known peers, otherwise a removed node could be
	// re-added by a peer that hasn't yet removed it.
	buckets := make(map[bucket.Address]*bucket.Bucket[T], len(envelope.Buckets))
	for addr, b := range envelope.Buckets {
		if !g.isPeer(addr) {
			g.logger.Debug(
				"discarding bucket of unknown peer",
				zap.String("addr", string(addr)),
			)
			continue
		}
		buckets[addr] = b
	}
	if len(buckets) == 0 {
		return
	}
	g.store.UpdateRemoteBuckets(buckets)
}

func (g *Gossiper[T]) sendStatus(addr bucket.Address, versions Versions) {
	b, err := g.codec.EncodeStatus(&GossipStatus{
		From:     g.self,
		Versions: versions,
	})
	if err != nil {
		g.logger.Error("failed to encode gossip status", zap.Error(err))
		return
	}
	if err := g.transport.WriteTo(b, string(addr)); err != nil {
		g.logger.Error(
			"failed to write to transport",
			zap.String("addr", string(addr)),
			zap.Error(err),
		)
		return
	}
	g.metrics.GossipStatusSent.Inc()
}

func (g *Gossiper[T]) sendEnvelope(addr bucket.Address, buckets map[bucket.Address]bucket.Bucket[T]) {
	if len(buckets) == 0 {
		return
	}

	envelope := &GossipEnvelope[T]{
		From:    g.self,
		To:      addr,
		Buckets: make(map[bucket.Address]*bucket.Bucket[T], len(buckets)),
	}
	for member, b := range buckets {
		b := b
		envelope.Buckets[member] = &b
	}

	b, err := g.codec.EncodeEnvelope(envelope)
	if err != nil {
		g.logger.Error("failed to encode gossip envelope", zap.Error(err))
		return
	}
	if err := g.transport.WriteTo(b, string(addr)); err != nil {
		g.logger.Error(
			"failed to write to transport",
			zap.String("addr", string(addr)),
			zap.Error(err),
		)
		return
	}

	g.logger.Debug("sent gossip envelope", zap.Object("envelope", envelope))
	g.metrics.GossipEnvelopesSent.Inc()
}

func (g *Gossiper[T]) onMemberEvent(e MemberEvent) {
	g.logger.Debug(
		"member event",
		zap.Stringer("type", e.Type),
		zap.String("addr", string(e.Addr)),
	)

	switch e.Type {
	case MemberUp, MemberReachable:
		g.addPeer(e.Addr)
	case MemberRemoved, MemberUnreachable:
		g.removePeer(e.Addr)
	default:
		g.logger.Warn("unrecognised member event", zap.Stringer("type", e.Type))
	}
}

func (g *Gossiper[T]) addPeer(addr bucket.Address) {
	if addr == g.self {
		return
	}
	if g.isPeer(addr) {
		return
	}

	g.peers[addr] = struct{}{}
	g.members = append(g.members, addr)
	g.metrics.Peers.Set(float64(len(g.members)))

	g.logger.Info(
		"added peer",
		zap.String("addr", string(addr)),
		zap.Int("peers", len(g.members)),
	)
}

func (g *Gossiper[T]) removePeer(addr bucket.Address) {
	if addr == g.self {
		g.logger.Info("local node removed from cluster; stopping gossip")
		g.left = true
		return
	}
	if !g.isPeer(addr) {
		return
	}

	delete(g.peers, addr)
	g.members = removeAddr(g.members, addr)
	g.metrics.Peers.Set(float64(len(g.members)))

	g.logger.Info(
		"removed peer",
		zap.String("addr", string(addr)),
		zap.Int("peers", len(g.members)),
	)

	g.store.RemoveRemoteBucket(addr)
}

func (g *Gossiper[T]) isPeer(addr bucket.Address) bool {
	_, ok := g.peers[addr]
	return ok
}

// diffVersions compares the local and remote versions, returning the
// addresses whose local bucket is older than (or missing from) the remote,
// and those whose local bucket is newer than (or missing from) the remote.
func diffVersions(local Versions, remote Versions) ([]bucket.Address, []bucket.Address) {
	var localIsOlder, localIsNewer []bucket.Address
	for addr, remoteVersion := range remote {
		if localVersion, ok := local[addr]; !ok || localVersion < remoteVersion {
			localIsOlder = append(localIsOlder, addr)
		}
	}
	for addr, localVersion := range local {
		if remoteVersion, ok := remote[addr]; !ok || remoteVersion < localVersion {
			localIsNewer = append(localIsNewer, addr)
		}
	}
	sortAddrs(localIsOlder)
	sortAddrs(localIsNewer)
	return localIsOlder, localIsNewer
}
