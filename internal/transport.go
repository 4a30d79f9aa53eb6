package internal

// Packet is an incoming packet from a peer along with the address it was
// sent from.
type Packet struct {
	// Buf has the raw contents of the packet.
	Buf []byte

	// From has the address of the peer.
	From string
}

// Transport is an interface for a best-effort packet oriented transport.
// Packets may be dropped, duplicated or reordered.
type Transport interface {
	// WriteTo is a packet-oriented interface that fires off the given
	// payload to the given address in a connectionless fashion.
	WriteTo(b []byte, addr string) error

	// PacketCh returns a channel that can be read to receive incoming
	// packets from other peers.
	PacketCh() <-chan *Packet

	// BindAddr returns the address the transport listener is bound to. Note
	// this may be different from the configured bind addr if the system chooses
	// the addr (such as using a port of 0).
	BindAddr() string

	// Shutdown is called when gossip is shutting down; this gives the
	// transport a chance to clean up any listeners.
	Shutdown() error
}
