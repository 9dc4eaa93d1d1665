package portforward

import (
	"fmt"
	"net"
	"time"

	natpmp "github.com/jackpal/go-nat-pmp"
)

// NATPMPMapper implements PortMapper using the NAT-PMP protocol, for
// gateways that speak the PCP family but not UPnP. NAT-PMP has no mapping
// table enumeration, so it backs only the PortMapper surface, not the full
// Forwarder handle.
type NATPMPMapper struct {
	client *natpmp.Client
}

// NewNATPMPMapper locates the default gateway via the routing table and
// creates a NAT-PMP mapper, verifying the gateway answers before returning.
func NewNATPMPMapper() (*NATPMPMapper, error) {
	gateway, err := defaultGatewayIP()
	if err != nil {
		return nil, fmt.Errorf("NAT-PMP gateway discovery failed: %w", err)
	}

	client := natpmp.NewClientWithTimeout(gateway, defaultRequestTimeout)

	// Connectivity check; NAT-PMP has no discovery handshake of its own.
	if _, err := client.GetExternalAddress(); err != nil {
		return nil, fmt.Errorf("NAT-PMP connectivity test failed: %w", err)
	}

	return &NATPMPMapper{client: client}, nil
}

// MapPort creates a port mapping via NAT-PMP. The gateway may grant a
// different external port than requested; the granted port is returned.
func (n *NATPMPMapper) MapPort(protocol string, internalPort int, duration time.Duration) (int, error) {
	if internalPort < 1 || internalPort > 65535 {
		return 0, fmt.Errorf("invalid port number: %d (must be 1-65535)", internalPort)
	}
	proto, err := ParseProtocol(protocol)
	if err != nil {
		return 0, err
	}

	result, err := n.client.AddPortMapping(proto.network(), internalPort, internalPort, int(duration.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("NAT-PMP port mapping failed: %w", err)
	}
	return int(result.MappedExternalPort), nil
}

// UnmapPort removes a port mapping via NAT-PMP. The protocol expresses
// deletion as a mapping request with zero lifetime.
func (n *NATPMPMapper) UnmapPort(protocol string, externalPort int) error {
	if externalPort < 1 || externalPort > 65535 {
		return fmt.Errorf("invalid port number: %d (must be 1-65535)", externalPort)
	}
	proto, err := ParseProtocol(protocol)
	if err != nil {
		return err
	}

	if _, err := n.client.AddPortMapping(proto.network(), externalPort, 0, 0); err != nil {
		return fmt.Errorf("NAT-PMP port unmapping failed: %w", err)
	}
	return nil
}

// GetExternalIP returns the external IP address via NAT-PMP.
func (n *NATPMPMapper) GetExternalIP() (string, error) {
	result, err := n.client.GetExternalAddress()
	if err != nil {
		return "", fmt.Errorf("NAT-PMP external IP lookup failed: %w", err)
	}
	ip := net.IPv4(result.ExternalIPAddress[0], result.ExternalIPAddress[1],
		result.ExternalIPAddress[2], result.ExternalIPAddress[3])
	return ip.String(), nil
}
