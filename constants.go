package portforward

import "time"

// SSDP search target for IGD discovery.
const ssdpSearchTarget = "urn:schemas-upnp-org:device:InternetGatewayDevice:1"

// WAN connection service URNs, in order of preference. WANIPConnection2 is
// the newest and most feature-rich, WANPPPConnection1 covers PPPoE routers.
const (
	serviceWANIPConnection2  = "urn:schemas-upnp-org:service:WANIPConnection:2"
	serviceWANIPConnection1  = "urn:schemas-upnp-org:service:WANIPConnection:1"
	serviceWANPPPConnection1 = "urn:schemas-upnp-org:service:WANPPPConnection:1"
)

const (
	// defaultDiscoveryTimeout bounds the SSDP search-and-reply exchange.
	defaultDiscoveryTimeout = 3 * time.Second

	// defaultRequestTimeout bounds a single SOAP round-trip to the gateway.
	defaultRequestTimeout = 5 * time.Second

	// defaultLeaseDuration is applied when a mapping intent leaves the
	// lease unset: 7 days.
	defaultLeaseDuration = 604800 * time.Second

	// defaultDescription identifies mappings created by this library when
	// the caller supplies none.
	defaultDescription = "go-portforward"
)

// Dynamic/private port range (RFC 6335) used when picking an external port.
const (
	dynamicPortMin = 49152
	dynamicPortMax = 65535
)

// externalPortDraws bounds the random probes for a free external port
// before falling back to a linear scan of the dynamic range.
const externalPortDraws = 32

// Transport-level failures are retried a bounded number of times;
// application-level rejections never are.
const (
	transportRetries       = 2
	transportRetryInterval = 250 * time.Millisecond
)

// Constants for port mapping renewal management
const (
	renewalInterval = 45 * time.Minute
	renewalLease    = 90 * time.Minute // twice the renewal interval
)
