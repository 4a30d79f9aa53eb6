package internal

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

const (
	// udpPacketBufSize is used to buffer incoming packets during read
	// operations. This also limits the size of a gossip envelope.
	udpPacketBufSize = 65536
)

// UDPTransport is a Transport implementation using UDP. Each message is
// sent as a single datagram.
type UDPTransport struct {
	udpListener *net.UDPConn
	packetCh    chan *Packet
	done        chan struct{}
	wg          sync.WaitGroup
	shutdown    int32
	logger      *zap.Logger
}

// NewUDPTransport returns a new UDP transport listening on the given addr.
func NewUDPTransport(bindAddr string, logger *zap.Logger) (*UDPTransport, error) {
	udpListener, err := udpListen(bindAddr)
	if err != nil {
		return nil, err
	}

	t := &UDPTransport{
		udpListener: udpListener,
		packetCh:    make(chan *Packet),
		done:        make(chan struct{}),
		wg:          sync.WaitGroup{},
		shutdown:    0,
		logger:      logger,
	}

	t.wg.Add(1)
	go t.udpReadLoop(udpListener)

	return t, nil
}

func (t *UDPTransport) WriteTo(b []byte, addr string) error {
	if len(b) > udpPacketBufSize {
		return fmt.Errorf("packet too large: %d bytes", len(b))
	}

	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", addr, err)
	}

	_, err = t.udpListener.WriteTo(b, udpAddr)
	// If we've been shutdown ignore the error.
	if s := atomic.LoadInt32(&t.shutdown); s == 1 {
		return nil
	}
	return err
}

func (t *UDPTransport) PacketCh() <-chan *Packet {
	return t.packetCh
}

func (t *UDPTransport) BindAddr() string {
	return t.udpListener.LocalAddr().String()
}

func (t *UDPTransport) Shutdown() error {
	if !atomic.CompareAndSwapInt32(&t.shutdown, 0, 1) {
		return nil
	}

	close(t.done)
	// Close the listener, which will stop the read loop.
	err := t.udpListener.Close()

	// Block until all the listener threads have died.
	t.wg.Wait()
	return err
}

// udpReadLoop is a long running goroutine that accepts incoming UDP packets and
// hands them off to the packet channel.
func (t *UDPTransport) udpReadLoop(lis *net.UDPConn) {
	defer t.wg.Done()
	for {
		// Do a blocking read into a fresh buffer.
		buf := make([]byte, udpPacketBufSize)
		n, addr, err := lis.ReadFrom(buf)
		if err != nil {
			if s := atomic.LoadInt32(&t.shutdown); s == 1 {
				return
			}

			t.logger.Error("failed to read from transport", zap.Error(err))
			continue
		}

		// Check the length - it needs to have at least one byte to be a
		// proper message.
		if n < 1 {
			t.logger.Error("received packet too small")
			continue
		}

		select {
		case t.packetCh <- &Packet{
			Buf:  buf[:n],
			From: addr.String(),
		}:
		case <-t.done:
			return
		}
	}
}

func udpListen(bindAddr string) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to start UDP listener on %s: %w", bindAddr, err)
	}
	listener, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to start UDP listener on %s: %w", bindAddr, err)
	}
	return listener, nil
}
