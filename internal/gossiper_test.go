package internal

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/andydunstall/bucketgossip/bucket"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeStore replies with fixed buckets and records the updates it receives.
type fakeStore struct {
	buckets map[bucket.Address]bucket.Bucket[testData]
	updates []map[bucket.Address]*bucket.Bucket[testData]
	removed []bucket.Address
	mu      sync.Mutex
}

func newFakeStore(buckets map[bucket.Address]bucket.Bucket[testData]) *fakeStore {
	return &fakeStore{
		buckets: buckets,
	}
}

func (s *fakeStore) GetBucketVersions(reply func(Versions)) {
	s.mu.Lock()
	versions := make(Versions)
	for addr, b := range s.buckets {
		versions[addr] = b.Version
	}
	s.mu.Unlock()

	reply(versions)
}

func (s *fakeStore) GetBucketsByMembers(members []bucket.Address, reply func(map[bucket.Address]bucket.Bucket[testData])) {
	s.mu.Lock()
	buckets := make(map[bucket.Address]bucket.Bucket[testData])
	for _, addr := range members {
		if b, ok := s.buckets[addr]; ok {
			buckets[addr] = b
		}
	}
	s.mu.Unlock()

	reply(buckets)
}

func (s *fakeStore) UpdateRemoteBuckets(buckets map[bucket.Address]*bucket.Bucket[testData]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.updates = append(s.updates, buckets)
}

func (s *fakeStore) RemoveRemoteBucket(addr bucket.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removed = append(s.removed, addr)
}

func (s *fakeStore) Updates() []map[bucket.Address]*bucket.Bucket[testData] {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]map[bucket.Address]*bucket.Bucket[testData]{}, s.updates...)
}

func (s *fakeStore) Removed() []bucket.Address {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]bucket.Address{}, s.removed...)
}

// testPeer is a raw transport used to exchange messages with a gossiper.
type testPeer struct {
	transport *MockTransport
	codec     *codec[testData]
}

func newTestPeer(net *MockNetwork) *testPeer {
	return &testPeer{
		transport: net.NewTransport(),
		codec:     newCodec[testData](),
	}
}

func (p *testPeer) Addr() bucket.Address {
	return bucket.Address(p.transport.BindAddr())
}

func (p *testPeer) SendStatus(t *testing.T, to bucket.Address, versions Versions) {
	b, err := p.codec.EncodeStatus(&GossipStatus{
		From:     p.Addr(),
		Versions: versions,
	})
	require.Nil(t, err)
	require.Nil(t, p.transport.WriteTo(b, string(to)))
}

func (p *testPeer) SendEnvelope(t *testing.T, envelope *GossipEnvelope[testData]) {
	b, err := p.codec.EncodeEnvelope(envelope)
	require.Nil(t, err)
	require.Nil(t, p.transport.WriteTo(b, string(envelope.To)))
}

func (p *testPeer) Recv(t *testing.T) *message[testData] {
	select {
	case packet := <-p.transport.PacketCh():
		m, err := p.codec.Decode(packet.Buf)
		require.Nil(t, err)
		return m
	case <-time.After(time.Second):
		require.FailNow(t, "timed out waiting for message")
		return nil
	}
}

func (p *testPeer) AssertNoMessage(t *testing.T) {
	select {
	case <-p.transport.PacketCh():
		assert.Fail(t, "unexpected message")
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestGossiper(net *MockNetwork, store BucketStore[testData]) *Gossiper[testData] {
	transport := net.NewTransport()
	g := NewGossiper[testData](
		bucket.Address(transport.BindAddr()),
		store,
		transport,
		0,
		0,
		nil,
		zap.NewNop(),
	)
	g.Start()
	return g
}

func TestDiffVersions(t *testing.T) {
	tests := []struct {
		name         string
		local        Versions
		remote       Versions
		localIsOlder []bucket.Address
		localIsNewer []bucket.Address
	}{
		{
			name:   "equal",
			local:  Versions{"a": bucket.NewVersion(0, 1), "b": bucket.NewVersion(2, 0)},
			remote: Versions{"a": bucket.NewVersion(0, 1), "b": bucket.NewVersion(2, 0)},
		},
		{
			name:         "missing remotely",
			local:        Versions{"a": bucket.NewVersion(0, 1), "b": bucket.NewVersion(0, 1)},
			remote:       Versions{"a": bucket.NewVersion(0, 1)},
			localIsNewer: []bucket.Address{"b"},
		},
		{
			name:         "missing locally",
			local:        Versions{"a": bucket.NewVersion(0, 1)},
			remote:       Versions{"a": bucket.NewVersion(0, 1), "c": bucket.NewVersion(0, 0)},
			localIsOlder: []bucket.Address{"c"},
		},
		{
			name: "mixed",
			local: Versions{
				"a": bucket.NewVersion(0, 5),
				"b": bucket.NewVersion(0, 1),
				"c": bucket.NewVersion(1, 0),
			},
			remote: Versions{
				"a": bucket.NewVersion(0, 2),
				"b": bucket.NewVersion(0, 3),
				"c": bucket.NewVersion(0, 9),
				"d": bucket.NewVersion(0, 0),
			},
			localIsOlder: []bucket.Address{"b", "d"},
			localIsNewer: []bucket.Address{"a", "c"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			localIsOlder, localIsNewer := diffVersions(tt.local, tt.remote)
			assert.Equal(t, tt.localIsOlder, localIsOlder)
			assert.Equal(t, tt.localIsNewer, localIsNewer)
		})
	}
}

func TestGossiper_TickSendsStatus(t *testing.T) {
	net := NewMockNetwork()
	peer := newTestPeer(net)

	store := newFakeStore(map[bucket.Address]bucket.Bucket[testData]{
		"a": *remoteBucket(0, 3, testData{}),
	})
	g := newTestGossiper(net, store)
	defer g.Stop()

	// Without peers there is no one to gossip with.
	g.Tick()
	peer.AssertNoMessage(t)

	g.OnMemberEvent(MemberEvent{Type: MemberUp, Addr: peer.Addr()})
	g.Tick()

	m := peer.Recv(t)
	require.Equal(t, typeGossipStatus, m.Type)
	assert.Equal(t, g.self, m.Status.From)
	assert.Equal(t, Versions{"a": bucket.NewVersion(0, 3)}, m.Status.Versions)
}

func TestGossiper_StatusFromUnknownPeerDiscarded(t *testing.T) {
	net := NewMockNetwork()
	peer := newTestPeer(net)

	store := newFakeStore(map[bucket.Address]bucket.Bucket[testData]{
		"a": *remoteBucket(0, 3, testData{}),
	})
	g := newTestGossiper(net, store)
	defer g.Stop()

	peer.SendStatus(t, g.self, Versions{})
	peer.AssertNoMessage(t)
}

func TestGossiper_StatusRepliesWithDifferences(t *testing.T) {
	net := NewMockNetwork()
	peer := newTestPeer(net)

	store := newFakeStore(map[bucket.Address]bucket.Bucket[testData]{
		"a": *remoteBucket(0, 5, testData{Value: "a"}),
		"b": *remoteBucket(0, 1, testData{Value: "b"}),
	})
	g := newTestGossiper(net, store)
	defer g.Stop()

	g.OnMemberEvent(MemberEvent{Type: MemberUp, Addr: peer.Addr()})
	// Wait for the peer to be added.
	assert.Equal(t, []bucket.Address{peer.Addr()}, g.Peers())

	peer.SendStatus(t, g.self, Versions{
		"a": bucket.NewVersion(0, 2),
		"b": bucket.NewVersion(0, 7),
	})

	var (
		status   *GossipStatus
		envelope *GossipEnvelope[testData]
	)
	for i := 0; i != 2; i++ {
		m := peer.Recv(t)
		switch m.Type {
		case typeGossipStatus:
			status = m.Status
		case typeGossipEnvelope:
			envelope = m.Envelope
		}
	}

	// The gossiper is missing b so replies with its own status.
	require.NotNil(t, status)
	assert.Equal(t, Versions{
		"a": bucket.NewVersion(0, 5),
		"b": bucket.NewVersion(0, 1),
	}, status.Versions)

	// The peer is missing a so is sent the bucket.
	require.NotNil(t, envelope)
	assert.Equal(t, g.self, envelope.From)
	assert.Equal(t, peer.Addr(), envelope.To)
	assert.Equal(t, map[bucket.Address]*bucket.Bucket[testData]{
		"a": remoteBucket(0, 5, testData{Value: "a"}),
	}, envelope.Buckets)
}

func TestGossiper_EnvelopeFilteredToPeers(t *testing.T) {
	net := NewMockNetwork()
	peer := newTestPeer(net)

	store := newFakeStore(nil)
	g := newTestGossiper(net, store)
	defer g.Stop()

	g.OnMemberEvent(MemberEvent{Type: MemberUp, Addr: peer.Addr()})
	g.OnMemberEvent(MemberEvent{Type: MemberUp, Addr: "10.26.104.52:8001"})
	assert.Equal(t, 2, len(g.Peers()))

	peer.SendEnvelope(t, &GossipEnvelope[testData]{
		From: peer.Addr(),
		To:   g.self,
		Buckets: map[bucket.Address]*bucket.Bucket[testData]{
			peer.Addr():         remoteBucket(0, 1, testData{Value: "peer"}),
			"10.26.104.52:8001": remoteBucket(0, 2, testData{Value: "other"}),
			"10.26.104.99:8001": remoteBucket(0, 3, testData{Value: "unknown"}),
		},
	})

	assert.Eventually(t, func() bool {
		return len(store.Updates()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, map[bucket.Address]*bucket.Bucket[testData]{
		peer.Addr():         remoteBucket(0, 1, testData{Value: "peer"}),
		"10.26.104.52:8001": remoteBucket(0, 2, testData{Value: "other"}),
	}, store.Updates()[0])
}

func TestGossiper_MisaddressedEnvelopeDiscarded(t *testing.T) {
	net := NewMockNetwork()
	peer := newTestPeer(net)

	store := newFakeStore(nil)
	g := newTestGossiper(net, store)
	defer g.Stop()

	g.OnMemberEvent(MemberEvent{Type: MemberUp, Addr: peer.Addr()})

	peer.SendEnvelope(t, &GossipEnvelope[testData]{
		From: peer.Addr(),
		To:   g.self,
		Buckets: map[bucket.Address]*bucket.Bucket[testData]{
			peer.Addr(): remoteBucket(0, 1, testData{}),
		},
	})
	// Deliver to the gossiper though addressed to another node.
	b, err := peer.codec.EncodeEnvelope(&GossipEnvelope[testData]{
		From: peer.Addr(),
		To:   "10.26.104.52:8001",
		Buckets: map[bucket.Address]*bucket.Bucket[testData]{
			peer.Addr(): remoteBucket(0, 2, testData{}),
		},
	})
	require.Nil(t, err)
	require.Nil(t, peer.transport.WriteTo(b, string(g.self)))

	assert.Eventually(t, func() bool {
		return len(store.Updates()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool {
		return len(store.Updates()) > 1
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestGossiper_RemovePeerRemovesBucket(t *testing.T) {
	net := NewMockNetwork()
	store := newFakeStore(nil)
	g := newTestGossiper(net, store)
	defer g.Stop()

	g.OnMemberEvent(MemberEvent{Type: MemberUp, Addr: "10.26.104.52:8001"})
	g.OnMemberEvent(MemberEvent{Type: MemberUp, Addr: "10.26.104.53:8001"})
	// Adding the local node or an existing peer is ignored.
	g.OnMemberEvent(MemberEvent{Type: MemberUp, Addr: g.self})
	g.OnMemberEvent(MemberEvent{Type: MemberReachable, Addr: "10.26.104.52:8001"})
	assert.Equal(t, []bucket.Address{"10.26.104.52:8001", "10.26.104.53:8001"}, g.Peers())

	g.OnMemberEvent(MemberEvent{Type: MemberRemoved, Addr: "10.26.104.52:8001"})
	g.OnMemberEvent(MemberEvent{Type: MemberUnreachable, Addr: "10.26.104.52:8001"})
	g.OnMemberEvent(MemberEvent{Type: MemberRemoved, Addr: "10.26.104.99:8001"})
	assert.Equal(t, []bucket.Address{"10.26.104.53:8001"}, g.Peers())

	assert.Equal(t, []bucket.Address{"10.26.104.52:8001"}, store.Removed())
}

func TestGossiper_StopsWhenLocalNodeRemoved(t *testing.T) {
	net := NewMockNetwork()
	store := newFakeStore(nil)
	g := newTestGossiper(net, store)
	defer g.Stop()

	g.OnMemberEvent(MemberEvent{Type: MemberRemoved, Addr: g.self})

	select {
	case <-g.Stopped():
	case <-time.After(time.Second):
		require.FailNow(t, "timed out waiting for gossiper to stop")
	}
	assert.Equal(t, 0, len(store.Removed()))
}

func TestGossiper_Converge(t *testing.T) {
	net := NewMockNetwork()

	var (
		stores    []*Store[testData]
		gossipers []*Gossiper[testData]
	)
	for i := 0; i != 3; i++ {
		transport := net.NewTransport()
		self := bucket.Address(transport.BindAddr())

		store := NewStore(StoreConfig[testData]{
			Self:        self,
			InitialData: testData{Value: fmt.Sprintf("node-%d", i)},
			Snapshots:   newMemSnapshotStore(t, afero.NewMemMapFs()),
			OnFatal: func(err error) {
				t.Errorf("unexpected fatal error: %v", err)
			},
		})
		store.Start()
		defer store.Stop()

		g := NewGossiper[testData](self, store, transport, 0, 0, nil, zap.NewNop())
		g.Start()
		defer g.Stop()

		stores = append(stores, store)
		gossipers = append(gossipers, g)
	}
	for _, g := range gossipers {
		for _, peer := range gossipers {
			g.OnMemberEvent(MemberEvent{Type: MemberUp, Addr: peer.self})
		}
	}

	converged := func(expected map[bucket.Address]bucket.Bucket[testData]) func() bool {
		return func() bool {
			for _, g := range gossipers {
				g.Tick()
			}
			for _, s := range stores {
				buckets, err := s.AllBuckets(context.Background())
				if err != nil || len(buckets) != len(expected) {
					return false
				}
				for addr, b := range expected {
					if buckets[addr] != b {
						return false
					}
				}
			}
			return true
		}
	}

	expected := map[bucket.Address]bucket.Bucket[testData]{
		gossipers[0].self: *remoteBucket(0, 0, testData{Value: "node-0"}),
		gossipers[1].self: *remoteBucket(0, 0, testData{Value: "node-1"}),
		gossipers[2].self: *remoteBucket(0, 0, testData{Value: "node-2"}),
	}
	assert.Eventually(t, converged(expected), 5*time.Second, 10*time.Millisecond)

	// Once observed by peers, an update advances the version.
	stores[0].UpdateLocalBucket(testData{Value: "updated"})

	expected[gossipers[0].self] = *remoteBucket(0, 1, testData{Value: "updated"})
	assert.Eventually(t, converged(expected), 5*time.Second, 10*time.Millisecond)
}
