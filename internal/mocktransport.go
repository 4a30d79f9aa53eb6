package internal

import (
	"fmt"
	"sync"
)

const mockPacketBufSize = 256

// MockNetwork is used as a factory that produces MockTransport instances which
// are uniquely addressed and wired up to talk to each other in memory.
type MockNetwork struct {
	transports map[string]*MockTransport
	// blocked contains the addresses that are partitioned from the rest of
	// the network.
	blocked  map[string]struct{}
	nextPort int
	mu       sync.Mutex
}

func NewMockNetwork() *MockNetwork {
	return &MockNetwork{
		transports: make(map[string]*MockTransport),
		blocked:    make(map[string]struct{}),
		nextPort:   20000,
	}
}

func (n *MockNetwork) NewTransport() *MockTransport {
	n.mu.Lock()
	defer n.mu.Unlock()

	addr := fmt.Sprintf("127.0.0.1:%d", n.nextPort)
	n.nextPort++
	transport := &MockTransport{
		net:      n,
		bindAddr: addr,
		// Add a buffer so sending doesn't block.
		packetCh: make(chan *Packet, mockPacketBufSize),
	}
	n.transports[addr] = transport
	return transport
}

// Partition drops all packets sent to or from the given address until
// Heal is called.
func (n *MockNetwork) Partition(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.blocked[addr] = struct{}{}
}

func (n *MockNetwork) Heal(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.blocked, addr)
}

func (n *MockNetwork) route(from string, to string) (*MockTransport, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	dest, ok := n.transports[to]
	if !ok {
		return nil, false, fmt.Errorf("no route to %s", to)
	}
	if _, ok := n.blocked[from]; ok {
		return nil, false, nil
	}
	if _, ok := n.blocked[to]; ok {
		return nil, false, nil
	}
	return dest, true, nil
}

func (n *MockNetwork) remove(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.transports, addr)
}

type MockTransport struct {
	net      *MockNetwork
	packetCh chan *Packet
	bindAddr string
}

// WriteTo delivers the packet to the transport bound to addr. Like UDP the
// packet is dropped if the receiver's buffer is full or the sender or
// receiver is partitioned.
func (t *MockTransport) WriteTo(b []byte, addr string) error {
	dest, ok, err := t.net.route(t.bindAddr, addr)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	buf := make([]byte, len(b))
	copy(buf, b)

	select {
	case dest.packetCh <- &Packet{
		Buf:  buf,
		From: t.bindAddr,
	}:
	default:
	}
	return nil
}

func (t *MockTransport) PacketCh() <-chan *Packet {
	return t.packetCh
}

func (t *MockTransport) BindAddr() string {
	return t.bindAddr
}

func (t *MockTransport) Shutdown() error {
	t.net.remove(t.bindAddr)
	return nil
}
