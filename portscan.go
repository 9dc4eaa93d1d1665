package portforward

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
)

// OpenLocalPort finds an unused local port for the given protocol by binding
// an ephemeral socket and reading back the OS-assigned port. Collision-free
// by construction.
func OpenLocalPort(protocol Protocol) (uint16, error) {
	switch protocol {
	case TCP:
		l, err := net.Listen("tcp", ":0")
		if err != nil {
			return 0, fmt.Errorf("failed to probe local TCP port: %w", err)
		}
		defer l.Close()

		addr, ok := l.Addr().(*net.TCPAddr)
		if !ok {
			return 0, fmt.Errorf("unexpected listener address type: %T", l.Addr())
		}
		return uint16(addr.Port), nil

	case UDP:
		pc, err := net.ListenPacket("udp", ":0")
		if err != nil {
			return 0, fmt.Errorf("failed to probe local UDP port: %w", err)
		}
		defer pc.Close()

		addr, ok := pc.LocalAddr().(*net.UDPAddr)
		if !ok {
			return 0, fmt.Errorf("unexpected listener address type: %T", pc.LocalAddr())
		}
		return uint16(addr.Port), nil

	default:
		return 0, fmt.Errorf("unsupported protocol: %s", protocol)
	}
}

// OpenExternalPort finds an external port in the dynamic range (49152-65535)
// not currently mapped on the gateway for the given protocol. It draws up to
// externalPortDraws random candidates against a snapshot of the gateway's
// table, then falls back to the lowest unused port in range, failing with
// ErrNoPortAvailable only when the whole range is occupied.
func OpenExternalPort(ctx context.Context, c *Client, protocol Protocol) (uint16, error) {
	if !protocol.valid() {
		return 0, fmt.Errorf("unsupported protocol: %s", protocol)
	}

	used := make(map[uint16]bool)
	for resp, err := range c.Mappings(ctx) {
		if err != nil {
			return 0, fmt.Errorf("failed to enumerate gateway mappings: %w", err)
		}
		if resp.Protocol == protocol {
			used[resp.ExternalPort] = true
		}
	}

	for i := 0; i < externalPortDraws; i++ {
		port := randomDynamicPort()
		if !used[port] {
			return port, nil
		}
	}

	// Random draws kept colliding: the table is crowded, scan instead.
	for port := dynamicPortMin; port <= dynamicPortMax; port++ {
		if !used[uint16(port)] {
			return uint16(port), nil
		}
	}

	return 0, ErrNoPortAvailable
}

// randomDynamicPort returns a uniform port in the dynamic/private range.
func randomDynamicPort() uint16 {
	return uint16(dynamicPortMin + rand.IntN(dynamicPortMax-dynamicPortMin+1))
}

// randomPort returns a uniform port in [1,65535]. Used for the internal port
// of a remote host, whose availability cannot be probed from here; no
// collision avoidance is attempted.
func randomPort() uint16 {
	return uint16(1 + rand.IntN(65535))
}
