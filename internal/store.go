package internal

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/andydunstall/bucketgossip/bucket"
	"go.uber.org/zap"
)

// ErrStopped is returned when querying a store that has stopped.
var ErrStopped = errors.New("store stopped")

const DefaultMailboxSize = 256

type storeState int

const (
	storeUninitialized storeState = iota
	storeRecovering
	storeReady
)

func (s storeState) String() string {
	switch s {
	case storeUninitialized:
		return "uninitialized"
	case storeRecovering:
		return "recovering"
	case storeReady:
		return "ready"
	default:
		return "unknown"
	}
}

// storeCommand is a request processed by the store goroutine.
type storeCommand interface {
	// readOnly returns true if the command doesn't modify the store, in which
	// case it can be served while a new incarnation is being persisted.
	readOnly() bool
}

type updateLocalBucketCommand[T any] struct {
	data T
}

func (c *updateLocalBucketCommand[T]) readOnly() bool { return false }

type getBucketVersionsCommand struct {
	reply func(Versions)
}

func (c *getBucketVersionsCommand) readOnly() bool { return true }

type getBucketsByMembersCommand[T any] struct {
	members []bucket.Address
	reply   func(map[bucket.Address]bucket.Bucket[T])
}

func (c *getBucketsByMembersCommand[T]) readOnly() bool { return true }

type getAllBucketsCommand[T any] struct {
	reply func(map[bucket.Address]bucket.Bucket[T])
}

func (c *getAllBucketsCommand[T]) readOnly() bool { return true }

type getLocalDataCommand[T any] struct {
	reply func(T)
}

func (c *getLocalDataCommand[T]) readOnly() bool { return true }

type updateRemoteBucketsCommand[T any] struct {
	buckets map[bucket.Address]*bucket.Bucket[T]
}

func (c *updateRemoteBucketsCommand[T]) readOnly() bool { return false }

type removeRemoteBucketCommand struct {
	addr bucket.Address
}

func (c *removeRemoteBucketCommand) readOnly() bool { return false }

type handleTerminatedCommand struct {
	handle bucket.Handle
}

func (c *handleTerminatedCommand) readOnly() bool { return false }

type StoreConfig[T any] struct {
	// Self is the address of the local node.
	Self bucket.Address

	// InitialData is the data of the local bucket once recovered.
	InitialData T

	// Snapshots persists the local incarnation.
	Snapshots SnapshotStore

	// Watcher watches the handles referenced by remote buckets. If nil
	// handles are tracked but never watched.
	Watcher Watcher

	// Subscriber is notified when remote buckets change. May be nil.
	Subscriber bucket.Subscriber[T]

	// OnFatal is invoked if the incarnation can't be persisted, after which
	// the store stops. If nil the process exits.
	OnFatal func(err error)

	// MailboxSize is the number of commands that can be queued before
	// senders block. If not set defaults to 256.
	MailboxSize int

	Metrics *Metrics

	Logger *zap.Logger
}

// Store holds the local bucket and the latest known bucket of each remote
// node.
//
// All state is owned by a single goroutine, which processes commands in the
// order they are received. Queries reply with copies so callers never see
// state being modified.
type Store[T any] struct {
	self        bucket.Address
	initialData T

	state storeState
	// persisting is true while a snapshot is being loaded or saved. While
	// persisting, commands are stashed and replayed in order once persisting
	// completes.
	persisting bool
	stash      []storeCommand
	failed     bool

	local         *bucket.LocalBucket[T]
	remoteBuckets map[bucket.Address]bucket.Bucket[T]
	// versions contains the bucket version of every known node, including
	// the local node.
	versions Versions
	// watchedHandles maps each watched handle to the addresses whose bucket
	// references it, so a handle is only watched once.
	watchedHandles map[bucket.Handle]map[bucket.Address]struct{}

	snapshots  SnapshotStore
	watcher    Watcher
	subscriber bucket.Subscriber[T]
	onFatal    func(err error)

	cmdCh       chan storeCommand
	completions chan func()
	done        chan struct{}
	stopped     chan struct{}
	startOnce   sync.Once
	stopOnce    sync.Once

	metrics *Metrics
	logger  *zap.Logger
}

func NewStore[T any](conf StoreConfig[T]) *Store[T] {
	logger := conf.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := conf.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	onFatal := conf.OnFatal
	if onFatal == nil {
		onFatal = func(err error) {
			logger.Fatal("unrecoverable persistence failure", zap.Error(err))
		}
	}
	mailboxSize := conf.MailboxSize
	if mailboxSize <= 0 {
		mailboxSize = DefaultMailboxSize
	}

	return &Store[T]{
		self:           conf.Self,
		initialData:    conf.InitialData,
		state:          storeUninitialized,
		remoteBuckets:  make(map[bucket.Address]bucket.Bucket[T]),
		versions:       make(Versions),
		watchedHandles: make(map[bucket.Handle]map[bucket.Address]struct{}),
		snapshots:      conf.Snapshots,
		watcher:        conf.Watcher,
		subscriber:     conf.Subscriber,
		onFatal:        onFatal,
		cmdCh:          make(chan storeCommand, mailboxSize),
		completions:    make(chan func(), 1),
		done:           make(chan struct{}),
		stopped:        make(chan struct{}),
		metrics:        metrics,
		logger:         logger,
	}
}

// Start recovers the local bucket and starts processing commands.
func (s *Store[T]) Start() {
	s.startOnce.Do(func() {
		go s.run()
	})
}

// Stop stops processing commands and waits for the store goroutine to exit.
// Must only be called after Start.
func (s *Store[T]) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	<-s.stopped
}

// Stopped returns a channel that is closed once the store has stopped.
func (s *Store[T]) Stopped() <-chan struct{} {
	return s.stopped
}

// UpdateLocalBucket replaces the data in the local bucket.
func (s *Store[T]) UpdateLocalBucket(data T) {
	s.send(&updateLocalBucketCommand[T]{data: data})
}

// GetBucketVersions replies with the version of every known bucket.
//
// Note reply is invoked on the store goroutine so must not block.
func (s *Store[T]) GetBucketVersions(reply func(Versions)) {
	s.send(&getBucketVersionsCommand{reply: reply})
}

// GetBucketsByMembers replies with the buckets of the given members. Unknown
// members are omitted.
//
// Note reply is invoked on the store goroutine so must not block.
func (s *Store[T]) GetBucketsByMembers(members []bucket.Address, reply func(map[bucket.Address]bucket.Bucket[T])) {
	s.send(&getBucketsByMembersCommand[T]{members: members, reply: reply})
}

// GetAllBuckets replies with the local bucket and all remote buckets.
//
// Note reply is invoked on the store goroutine so must not block.
func (s *Store[T]) GetAllBuckets(reply func(map[bucket.Address]bucket.Bucket[T])) {
	s.send(&getAllBucketsCommand[T]{reply: reply})
}

// GetLocalData replies with a copy of the local bucket data.
//
// Note reply is invoked on the store goroutine so must not block.
func (s *Store[T]) GetLocalData(reply func(T)) {
	s.send(&getLocalDataCommand[T]{reply: reply})
}

// UpdateRemoteBuckets merges the given remote buckets, keeping only buckets
// newer than the known version.
func (s *Store[T]) UpdateRemoteBuckets(buckets map[bucket.Address]*bucket.Bucket[T]) {
	s.send(&updateRemoteBucketsCommand[T]{buckets: buckets})
}

// RemoveRemoteBucket removes the bucket of the given remote node.
func (s *Store[T]) RemoveRemoteBucket(addr bucket.Address) {
	s.send(&removeRemoteBucketCommand{addr: addr})
}

func (s *Store[T]) Versions(ctx context.Context) (Versions, error) {
	return ask(ctx, s, s.GetBucketVersions)
}

func (s *Store[T]) Buckets(ctx context.Context, members []bucket.Address) (map[bucket.Address]bucket.Bucket[T], error) {
	return ask(ctx, s, func(reply func(map[bucket.Address]bucket.Bucket[T])) {
		s.GetBucketsByMembers(members, reply)
	})
}

func (s *Store[T]) AllBuckets(ctx context.Context) (map[bucket.Address]bucket.Bucket[T], error) {
	return ask(ctx, s, s.GetAllBuckets)
}

func (s *Store[T]) LocalData(ctx context.Context) (T, error) {
	return ask(ctx, s, s.GetLocalData)
}

// ask sends a request to the store and waits for the reply.
func ask[T any, R any](ctx context.Context, s *Store[T], request func(reply func(R))) (R, error) {
	ch := make(chan R, 1)
	request(func(r R) {
		ch <- r
	})

	var zero R
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-s.stopped:
		// The store may have replied before stopping.
		select {
		case r := <-ch:
			return r, nil
		default:
			return zero, ErrStopped
		}
	}
}

func (s *Store[T]) send(cmd storeCommand) {
	select {
	case s.cmdCh <- cmd:
	case <-s.stopped:
	}
}

// complete schedules fn to run on the store goroutine. This is used by
// persistence goroutines to hand back their result.
func (s *Store[T]) complete(fn func()) {
	select {
	case s.completions <- fn:
	case <-s.stopped:
	}
}

func (s *Store[T]) run() {
	defer close(s.stopped)

	s.recover()

	var terminated <-chan bucket.Handle
	if s.watcher != nil {
		terminated = s.watcher.Terminated()
	}

	for !s.failed {
		select {
		case cmd := <-s.cmdCh:
			s.receive(cmd)
		case fn := <-s.completions:
			fn()
		case h := <-terminated:
			s.receive(&handleTerminatedCommand{handle: h})
		case <-s.done:
			return
		}
	}
}

func (s *Store[T]) receive(cmd storeCommand) {
	// Once recovered, reads are served while a new incarnation is being
	// persisted. Everything else waits for the snapshot.
	if s.persisting && (s.state != storeReady || !cmd.readOnly()) {
		s.stash = append(s.stash, cmd)
		return
	}
	s.handle(cmd)
}

func (s *Store[T]) handle(cmd storeCommand) {
	switch cmd := cmd.(type) {
	case *updateLocalBucketCommand[T]:
		s.updateLocalBucket(cmd.data)
	case *getBucketVersionsCommand:
		cmd.reply(s.versions.Copy())
	case *getBucketsByMembersCommand[T]:
		cmd.reply(s.getBucketsByMembers(cmd.members))
	case *getAllBucketsCommand[T]:
		cmd.reply(s.getAllBuckets())
	case *getLocalDataCommand[T]:
		cmd.reply(bucket.Clone(s.localBucket().Data()))
	case *updateRemoteBucketsCommand[T]:
		s.updateRemoteBuckets(cmd.buckets)
	case *removeRemoteBucketCommand:
		s.removeBucket(cmd.addr)
	case *handleTerminatedCommand:
		s.onHandleTerminated(cmd.handle)
	default:
		s.logger.Error("unrecognised store command", zap.String("type", fmt.Sprintf("%T", cmd)))
	}
}

func (s *Store[T]) unstash() {
	for len(s.stash) > 0 && !s.persisting && !s.failed {
		cmd := s.stash[0]
		s.stash[0] = nil
		s.stash = s.stash[1:]
		s.handle(cmd)
	}
}

func (s *Store[T]) localBucket() *bucket.LocalBucket[T] {
	if s.local == nil {
		panic("local bucket accessed before recovery completed")
	}
	return s.local
}

func (s *Store[T]) recover() {
	s.state = storeRecovering
	s.persisting = true

	go func() {
		incarnation, err := s.loadIncarnation()
		s.complete(func() {
			s.onRecovered(incarnation, err)
		})
	}()
}

// loadIncarnation returns the incarnation for this process, which is one
// greater than the latest persisted incarnation, or 0 if nothing was
// persisted.
func (s *Store[T]) loadIncarnation() (uint64, error) {
	snapshot, snapshotOK, err := s.snapshots.Load()
	if err != nil {
		return 0, fmt.Errorf("failed to load snapshot: %w", err)
	}
	tombstone, tombstoneOK, err := s.snapshots.LoadTombstone()
	if err != nil {
		return 0, fmt.Errorf("failed to load tombstone: %w", err)
	}

	if !snapshotOK && !tombstoneOK {
		return 0, nil
	}

	var loaded uint64
	if snapshotOK {
		loaded = snapshot.Incarnation
	}
	if tombstoneOK && tombstone.Incarnation > loaded {
		loaded = tombstone.Incarnation
	}
	if loaded >= math.MaxUint32 {
		return 0, fmt.Errorf("incarnations exhausted: %d", loaded)
	}
	return loaded + 1, nil
}

func (s *Store[T]) onRecovered(incarnation uint64, err error) {
	if err != nil {
		s.fail(err)
		return
	}

	s.local = bucket.NewLocalBucket(int64(incarnation), s.initialData)
	s.versions[s.self] = s.local.Version()
	s.metrics.LocalIncarnation.Set(float64(incarnation))

	s.logger.Info("recovered local bucket", zap.Uint64("incarnation", incarnation))

	// Nothing is served until the incarnation is persisted, otherwise an
	// improper restart could reuse a version.
	s.save(incarnation)
}

func (s *Store[T]) save(incarnation uint64) {
	s.persisting = true

	go func() {
		meta, err := s.snapshots.Save(incarnation)
		s.complete(func() {
			s.onSaved(incarnation, meta, err)
		})
	}()
}

func (s *Store[T]) onSaved(incarnation uint64, meta SnapshotMetadata, err error) {
	if err != nil {
		s.metrics.SnapshotSaves.WithLabelValues("failure").Inc()
		s.fail(fmt.Errorf("failed to save incarnation %d: %w", incarnation, err))
		return
	}
	s.metrics.SnapshotSaves.WithLabelValues("success").Inc()

	if s.state != storeReady {
		s.logger.Info("store ready", zap.Uint64("incarnation", incarnation))
	}
	s.state = storeReady
	s.persisting = false

	go s.prune(meta)

	s.unstash()
}

func (s *Store[T]) prune(meta SnapshotMetadata) {
	if err := s.snapshots.DeleteOlderThan(meta); err != nil {
		s.logger.Warn("failed to delete old snapshots", zap.Error(err))
	}
}

func (s *Store[T]) fail(err error) {
	s.failed = true
	s.onFatal(err)
}

func (s *Store[T]) updateLocalBucket(data T) {
	local := s.localBucket()
	if !local.SetData(data) {
		s.versions[s.self] = local.Version()
		return
	}

	// The sequence wrapped so move to the next incarnation, which must be
	// persisted before further updates are applied.
	incarnation := uint64(local.Version().Incarnation()) + 1
	if incarnation > math.MaxUint32 {
		s.fail(fmt.Errorf("incarnations exhausted: %d", incarnation-1))
		return
	}
	s.local = bucket.NewLocalBucket(int64(incarnation), data)
	s.versions[s.self] = s.local.Version()
	s.metrics.LocalIncarnation.Set(float64(incarnation))

	s.logger.Info("sequence wrapped; bumping incarnation", zap.Uint64("incarnation", incarnation))

	s.save(incarnation)
}

func (s *Store[T]) getBucketsByMembers(members []bucket.Address) map[bucket.Address]bucket.Bucket[T] {
	buckets := make(map[bucket.Address]bucket.Bucket[T], len(members))
	for _, addr := range members {
		if addr == s.self {
			buckets[addr] = s.localBucket().Snapshot()
			continue
		}
		if b, ok := s.remoteBuckets[addr]; ok {
			buckets[addr] = b
			continue
		}

		s.logger.Debug("requested unknown bucket", zap.String("addr", string(addr)))
	}
	return buckets
}

func (s *Store[T]) getAllBuckets() map[bucket.Address]bucket.Bucket[T] {
	buckets := make(map[bucket.Address]bucket.Bucket[T], len(s.remoteBuckets)+1)
	buckets[s.self] = s.localBucket().Snapshot()
	for addr, b := range s.remoteBuckets {
		buckets[addr] = b
	}
	return buckets
}

func (s *Store[T]) updateRemoteBuckets(buckets map[bucket.Address]*bucket.Bucket[T]) {
	updated := make(map[bucket.Address]bucket.Bucket[T])
	for addr, b := range buckets {
		// Remote nodes can never overwrite the local bucket.
		if addr == s.self {
			s.logger.Debug("ignoring remote update to local bucket")
			s.metrics.BucketsRejected.WithLabelValues("local").Inc()
			continue
		}
		if b == nil {
			s.logger.Debug("ignoring nil bucket", zap.String("addr", string(addr)))
			s.metrics.BucketsRejected.WithLabelValues("nil").Inc()
			continue
		}
		if known, ok := s.versions[addr]; ok && b.Version <= known {
			s.logger.Debug(
				"ignoring stale bucket",
				zap.String("addr", string(addr)),
				zap.Stringer("version", b.Version),
				zap.Stringer("known", known),
			)
			s.metrics.BucketsRejected.WithLabelValues("stale").Inc()
			continue
		}

		prev, hadPrev := s.remoteBuckets[addr]
		s.remoteBuckets[addr] = *b
		s.versions[addr] = b.Version
		s.reconcileWatch(addr, prev, hadPrev, *b)
		updated[addr] = *b

		s.logger.Debug(
			"updated remote bucket",
			zap.String("addr", string(addr)),
			zap.Stringer("version", b.Version),
		)
		s.metrics.BucketsAccepted.Inc()
	}
	s.metrics.RemoteBuckets.Set(float64(len(s.remoteBuckets)))

	if len(updated) > 0 && s.subscriber != nil {
		s.subscriber.OnBucketsUpdated(updated)
	}
}

func (s *Store[T]) removeBucket(addr bucket.Address) {
	if addr == s.self {
		s.logger.Debug("ignoring removal of local bucket")
		return
	}

	b, ok := s.remoteBuckets[addr]
	delete(s.versions, addr)
	if !ok {
		return
	}
	delete(s.remoteBuckets, addr)
	if h, ok := b.WatchHandle(); ok {
		s.unwatch(h, addr)
	}

	s.logger.Debug("removed remote bucket", zap.String("addr", string(addr)))
	s.metrics.BucketsRemoved.Inc()
	s.metrics.RemoteBuckets.Set(float64(len(s.remoteBuckets)))

	if s.subscriber != nil {
		s.subscriber.OnBucketRemoved(addr, b)
	}
}

func (s *Store[T]) onHandleTerminated(h bucket.Handle) {
	refs, ok := s.watchedHandles[h]
	if !ok {
		s.logger.Debug("ignoring termination of unwatched handle", zap.String("handle", string(h)))
		return
	}

	s.logger.Info("watch handle terminated", zap.String("handle", string(h)))

	addrs := make([]bucket.Address, 0, len(refs))
	for addr := range refs {
		addrs = append(addrs, addr)
	}
	sortAddrs(addrs)
	for _, addr := range addrs {
		s.removeBucket(addr)
	}
}

// reconcileWatch moves the watch registration for addr from the handle of
// its previous bucket to the handle of its new bucket.
func (s *Store[T]) reconcileWatch(addr bucket.Address, prev bucket.Bucket[T], hadPrev bool, next bucket.Bucket[T]) {
	var (
		oldHandle bucket.Handle
		oldOK     bool
	)
	if hadPrev {
		oldHandle, oldOK = prev.WatchHandle()
	}
	newHandle, newOK := next.WatchHandle()
	if oldOK == newOK && oldHandle == newHandle {
		return
	}

	if oldOK {
		s.unwatch(oldHandle, addr)
	}
	if newOK {
		s.watch(newHandle, addr)
	}
}

func (s *Store[T]) watch(h bucket.Handle, addr bucket.Address) {
	refs, ok := s.watchedHandles[h]
	if !ok {
		refs = make(map[bucket.Address]struct{})
		s.watchedHandles[h] = refs
		if s.watcher != nil {
			s.watcher.Watch(h)
		}
	}
	refs[addr] = struct{}{}
}

// unwatch removes the reference from addr to the handle, unwatching the
// handle once it has no references.
func (s *Store[T]) unwatch(h bucket.Handle, addr bucket.Address) {
	refs, ok := s.watchedHandles[h]
	if !ok {
		return
	}
	delete(refs, addr)
	if len(refs) > 0 {
		return
	}

	delete(s.watchedHandles, h)
	if s.watcher != nil {
		s.watcher.Unwatch(h)
	}
}
