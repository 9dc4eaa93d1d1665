package portforward

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// Protocol identifies the transport protocol of a forwarding rule.
type Protocol string

const (
	TCP Protocol = "TCP"
	UDP Protocol = "UDP"
)

// ParseProtocol normalizes a protocol string to TCP or UDP.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToUpper(s) {
	case "TCP":
		return TCP, nil
	case "UDP":
		return UDP, nil
	default:
		return "", fmt.Errorf("unsupported protocol: %s", s)
	}
}

func (p Protocol) valid() bool {
	return p == TCP || p == UDP
}

// network returns the name understood by the net package.
func (p Protocol) network() string {
	return strings.ToLower(string(p))
}

// Mapping is a caller's desired forwarding rule before defaults are applied.
// Zero-valued fields are unset and will be filled by Resolve. A zero
// Duration selects the 7-day default lease; build a ResolvedMapping directly
// to request an indefinite (duration 0) lease from gateways that support one.
type Mapping struct {
	ExternalPort uint16
	InternalPort uint16
	InternalIP   string
	Protocol     Protocol
	Description  string
	Duration     time.Duration
}

// ResolvedMapping has the same shape as Mapping with every field concretely
// set. Produced by Resolve; never mutated afterwards.
type ResolvedMapping struct {
	ExternalPort uint16
	InternalPort uint16
	InternalIP   string
	Protocol     Protocol
	Description  string
	Duration     time.Duration
}

// validate checks the ResolvedMapping invariants before it goes on the wire.
func (m ResolvedMapping) validate() error {
	if m.ExternalPort == 0 {
		return fmt.Errorf("invalid external port: 0 (must be 1-65535)")
	}
	if m.InternalPort == 0 {
		return fmt.Errorf("invalid internal port: 0 (must be 1-65535)")
	}
	if !m.Protocol.valid() {
		return fmt.Errorf("unsupported protocol: %s", m.Protocol)
	}
	if net.ParseIP(m.InternalIP) == nil {
		return fmt.Errorf("invalid internal IP: %q", m.InternalIP)
	}
	if m.Duration < 0 {
		return fmt.Errorf("invalid lease duration: %v (must be >= 0)", m.Duration)
	}
	return nil
}

// Response is gateway-confirmed mapping state. The gateway is authoritative:
// granted values may differ from what was requested, and callers must treat
// the Response, not the request, as ground truth. Never mutated after
// construction.
type Response struct {
	ExternalIP   string
	ExternalPort uint16
	InternalIP   string
	InternalPort uint16
	Protocol     Protocol
	Description  string

	// Duration is the lease granted by an enable/refresh, or the lease
	// remaining when read back from the gateway's table.
	Duration time.Duration
}

func (r *Response) String() string {
	return fmt.Sprintf("%s:%d/%s -> %s:%d (%q, %v)",
		r.ExternalIP, r.ExternalPort, r.Protocol,
		r.InternalIP, r.InternalPort, r.Description, r.Duration)
}

// PortMapper defines the interface for NAT traversal backends.
type PortMapper interface {
	MapPort(protocol string, internalPort int, duration time.Duration) (externalPort int, err error)
	UnmapPort(protocol string, externalPort int) error
	GetExternalIP() (string, error)
}
