package portforward

import (
	"context"
	"fmt"
	"time"
)

// UPnPMapper adapts a Forwarder handle to the PortMapper interface, mapping
// the external port to the same number as the internal port the way simple
// consumers expect.
type UPnPMapper struct {
	fwd *Forwarder
}

// NewUPnPMapper discovers a gateway and creates a UPnP-backed port mapper.
// This is a convenience wrapper around NewUPnPMapperContext using
// context.Background().
func NewUPnPMapper() (*UPnPMapper, error) {
	return NewUPnPMapperContext(context.Background())
}

// NewUPnPMapperContext discovers a gateway and creates a UPnP-backed port
// mapper with context support.
func NewUPnPMapperContext(ctx context.Context) (*UPnPMapper, error) {
	fwd, err := NewContext(ctx, defaultDiscoveryTimeout)
	if err != nil {
		return nil, fmt.Errorf("UPnP discovery failed: %w", err)
	}
	return &UPnPMapper{fwd: fwd}, nil
}

// Forwarder exposes the underlying mapping handle for callers that need the
// full protocol surface.
func (u *UPnPMapper) Forwarder() *Forwarder {
	return u.fwd
}

// MapPort creates a port mapping via UPnP.
func (u *UPnPMapper) MapPort(protocol string, internalPort int, duration time.Duration) (int, error) {
	// Validate port range before uint16 cast to prevent silent overflow
	if internalPort < 1 || internalPort > 65535 {
		return 0, fmt.Errorf("invalid port number: %d (must be 1-65535)", internalPort)
	}
	proto, err := ParseProtocol(protocol)
	if err != nil {
		return 0, err
	}

	resp, err := u.fwd.Enable(context.Background(), Mapping{
		ExternalPort: uint16(internalPort),
		InternalPort: uint16(internalPort),
		Protocol:     proto,
		Duration:     duration,
	})
	if err != nil {
		return 0, fmt.Errorf("UPnP port mapping failed: %w", err)
	}
	return int(resp.ExternalPort), nil
}

// UnmapPort removes a port mapping via UPnP.
func (u *UPnPMapper) UnmapPort(protocol string, externalPort int) error {
	// Validate port range before uint16 cast to prevent silent overflow
	if externalPort < 1 || externalPort > 65535 {
		return fmt.Errorf("invalid port number: %d (must be 1-65535)", externalPort)
	}
	proto, err := ParseProtocol(protocol)
	if err != nil {
		return err
	}

	if err := u.fwd.DisableMapping(context.Background(), uint16(externalPort), proto); err != nil {
		return fmt.Errorf("UPnP port unmapping failed: %w", err)
	}
	return nil
}

// GetExternalIP returns the external IP address via UPnP.
func (u *UPnPMapper) GetExternalIP() (string, error) {
	ip, err := u.fwd.ExternalIP(context.Background())
	if err != nil {
		return "", fmt.Errorf("UPnP external IP lookup failed: %w", err)
	}
	return ip, nil
}

// NewPortMapper creates a port mapper, trying UPnP first, then NAT-PMP.
// This is a convenience wrapper around NewPortMapperContext using
// context.Background().
func NewPortMapper() (PortMapper, error) {
	return NewPortMapperContext(context.Background())
}

// NewPortMapperContext creates a port mapper with context support, trying
// UPnP first, then NAT-PMP. The context is passed through to the discovery
// process, allowing cancellation during slow network operations.
func NewPortMapperContext(ctx context.Context) (PortMapper, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}

	upnp, err := NewUPnPMapperContext(ctx)
	if err == nil {
		return upnp, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled after UPnP attempt: %w", err)
	}

	natpmp, err := NewNATPMPMapper()
	if err != nil {
		return nil, fmt.Errorf("no NAT traversal available: UPnP failed, NAT-PMP failed: %w", err)
	}
	return natpmp, nil
}
