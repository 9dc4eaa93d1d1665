package portforward

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// ForwardAddr is a network address carrying both sides of a forwarding
// rule. String() reports the external address, which is what a remote peer
// must dial.
type ForwardAddr struct {
	network      string
	internalAddr string
	externalAddr string
}

// NewForwardAddr creates a ForwardAddr with internal and external addresses.
func NewForwardAddr(network, internalAddr, externalAddr string) *ForwardAddr {
	return &ForwardAddr{
		network:      network,
		internalAddr: internalAddr,
		externalAddr: externalAddr,
	}
}

// Network returns the network type (tcp/udp).
func (a *ForwardAddr) Network() string {
	return a.network
}

// String returns the external address for remote peers.
func (a *ForwardAddr) String() string {
	return a.externalAddr
}

// InternalAddr returns the internal network address.
func (a *ForwardAddr) InternalAddr() string {
	return a.internalAddr
}

// ExternalAddr returns the external network address.
func (a *ForwardAddr) ExternalAddr() string {
	return a.externalAddr
}

// ForwardConn wraps a net.Conn so its local address reports the forwarded
// external endpoint.
type ForwardConn struct {
	net.Conn
	localAddr  *ForwardAddr
	remoteAddr net.Addr
}

// LocalAddr returns the local address with forwarding info.
func (c *ForwardConn) LocalAddr() net.Addr {
	return c.localAddr
}

// RemoteAddr returns the remote network address.
func (c *ForwardConn) RemoteAddr() net.Addr {
	return c.remoteAddr
}

// ForwardListener is a net.Listener whose port is forwarded on the gateway
// and kept alive by a renewal manager until Close.
type ForwardListener struct {
	listener net.Listener
	renewal  *RenewalManager
	addr     *ForwardAddr
	closed   bool
	mu       sync.Mutex
}

// Listen creates a TCP listener with a forwarded port. This is a
// convenience wrapper around ListenContext using context.Background().
func Listen(port int) (*ForwardListener, error) {
	return ListenContext(context.Background(), port)
}

// ListenContext discovers a gateway and creates a TCP listener with a
// forwarded port. The context covers discovery and mapping setup; once the
// listener exists, use Close to stop it.
func ListenContext(ctx context.Context, port int) (*ForwardListener, error) {
	fwd, err := NewContext(ctx, defaultDiscoveryTimeout)
	if err != nil {
		return nil, err
	}
	return ListenForwarder(ctx, fwd, port)
}

// ListenForwarder creates a TCP listener with a forwarded port on an
// existing handle. Port 0 binds an ephemeral local port and lets the
// gateway-side default pick a free external port.
func ListenForwarder(ctx context.Context, fwd *Forwarder, port int) (*ForwardListener, error) {
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port number: %d", port)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}

	tcpAddr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		listener.Close()
		return nil, fmt.Errorf("unexpected listener address type: %T", listener.Addr())
	}

	resp, err := fwd.Enable(ctx, Mapping{
		ExternalPort: uint16(port),
		InternalPort: uint16(tcpAddr.Port),
		Protocol:     TCP,
		Duration:     renewalLease,
	})
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("failed to create port mapping: %w", err)
	}

	addr := NewForwardAddr("tcp",
		net.JoinHostPort(resp.InternalIP, fmt.Sprint(resp.InternalPort)),
		net.JoinHostPort(resp.ExternalIP, fmt.Sprint(resp.ExternalPort)))

	fl := &ForwardListener{
		listener: listener,
		addr:     addr,
		renewal:  NewRenewalManager(fwd, resp.ExternalPort),
	}

	// Track gateway-side port reassignments across renewals.
	fl.renewal.SetPortChangeCallback(func(newPort uint16) {
		fl.mu.Lock()
		defer fl.mu.Unlock()
		fl.addr = NewForwardAddr("tcp", addr.InternalAddr(),
			net.JoinHostPort(resp.ExternalIP, fmt.Sprint(newPort)))
	})
	fl.renewal.Start()

	return fl, nil
}

// Accept waits for and returns the next connection to the listener.
func (l *ForwardListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	closed := l.closed
	addr := l.addr
	l.mu.Unlock()

	if closed {
		return nil, fmt.Errorf("listener closed")
	}

	conn, err := l.listener.Accept()
	if err != nil {
		return nil, err
	}

	return &ForwardConn{
		Conn:       conn,
		localAddr:  addr,
		remoteAddr: conn.RemoteAddr(),
	}, nil
}

// Close closes the listener, stops renewal, and removes the mapping.
func (l *ForwardListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	l.renewal.Stop()
	return l.listener.Close()
}

// Addr returns the listener's address; String() on it is the external
// endpoint remote peers dial.
func (l *ForwardListener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addr
}

// ForwardPacketConn is a net.PacketConn whose port is forwarded on the
// gateway and kept alive by a renewal manager until Close.
type ForwardPacketConn struct {
	net.PacketConn
	renewal *RenewalManager
	addr    *ForwardAddr
	mu      sync.Mutex
	closed  bool
}

// ListenPacket creates a UDP packet connection with a forwarded port. This
// is a convenience wrapper around ListenPacketContext using
// context.Background().
func ListenPacket(port int) (*ForwardPacketConn, error) {
	return ListenPacketContext(context.Background(), port)
}

// ListenPacketContext discovers a gateway and creates a UDP packet
// connection with a forwarded port.
func ListenPacketContext(ctx context.Context, port int) (*ForwardPacketConn, error) {
	fwd, err := NewContext(ctx, defaultDiscoveryTimeout)
	if err != nil {
		return nil, err
	}
	return ListenPacketForwarder(ctx, fwd, port)
}

// ListenPacketForwarder creates a UDP packet connection with a forwarded
// port on an existing handle.
func ListenPacketForwarder(ctx context.Context, fwd *Forwarder, port int) (*ForwardPacketConn, error) {
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port number: %d", port)
	}

	pc, err := net.ListenPacket("udp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to create packet listener: %w", err)
	}

	udpAddr, ok := pc.LocalAddr().(*net.UDPAddr)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("unexpected listener address type: %T", pc.LocalAddr())
	}

	resp, err := fwd.Enable(ctx, Mapping{
		ExternalPort: uint16(port),
		InternalPort: uint16(udpAddr.Port),
		Protocol:     UDP,
		Duration:     renewalLease,
	})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to create port mapping: %w", err)
	}

	addr := NewForwardAddr("udp",
		net.JoinHostPort(resp.InternalIP, fmt.Sprint(resp.InternalPort)),
		net.JoinHostPort(resp.ExternalIP, fmt.Sprint(resp.ExternalPort)))

	fpc := &ForwardPacketConn{
		PacketConn: pc,
		addr:       addr,
		renewal:    NewRenewalManager(fwd, resp.ExternalPort),
	}
	fpc.renewal.Start()

	return fpc, nil
}

// LocalAddr returns the connection's address; String() on it is the
// external endpoint remote peers send to.
func (c *ForwardPacketConn) LocalAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

// Close closes the connection, stops renewal, and removes the mapping.
func (c *ForwardPacketConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	c.renewal.Stop()
	return c.PacketConn.Close()
}
