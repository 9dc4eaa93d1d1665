package portforward

import (
	"context"
	"fmt"
)

// Resolve fills every unset field of a mapping intent. Defaulting order
// matters because later defaults depend on earlier ones:
//
//  1. protocol: TCP
//  2. internal IP: the local address routing toward the gateway
//  3. internal port: an OS-assigned free port when the internal IP is this
//     host, otherwise a uniform random port (a remote host's free ports
//     cannot be probed from here)
//  4. external port: a free port on the gateway for the chosen protocol
//  5. description: a stable library-identifying string
//  6. lease duration: 7 days
//
// Beyond the port probes described above, resolution performs no network
// calls.
func Resolve(ctx context.Context, intent Mapping, c *Client) (ResolvedMapping, error) {
	var resolved ResolvedMapping

	resolved.Protocol = intent.Protocol
	if resolved.Protocol == "" {
		resolved.Protocol = TCP
	} else if !resolved.Protocol.valid() {
		return ResolvedMapping{}, fmt.Errorf("unsupported protocol: %s", intent.Protocol)
	}

	// The local address is needed both as the internal IP default and to
	// decide whether the internal port can be probed locally.
	var localIP string
	if intent.InternalIP == "" || intent.InternalPort == 0 {
		ip, err := LocalIP(c.Gateway().Host)
		if err != nil {
			return ResolvedMapping{}, err
		}
		localIP = ip
	}

	resolved.InternalIP = intent.InternalIP
	if resolved.InternalIP == "" {
		resolved.InternalIP = localIP
	}

	resolved.InternalPort = intent.InternalPort
	if resolved.InternalPort == 0 {
		if resolved.InternalIP == localIP {
			port, err := OpenLocalPort(resolved.Protocol)
			if err != nil {
				return ResolvedMapping{}, err
			}
			resolved.InternalPort = port
		} else {
			resolved.InternalPort = randomPort()
		}
	}

	resolved.ExternalPort = intent.ExternalPort
	if resolved.ExternalPort == 0 {
		port, err := OpenExternalPort(ctx, c, resolved.Protocol)
		if err != nil {
			return ResolvedMapping{}, err
		}
		resolved.ExternalPort = port
	}

	resolved.Description = intent.Description
	if resolved.Description == "" {
		resolved.Description = defaultDescription
	}

	resolved.Duration = intent.Duration
	if resolved.Duration == 0 {
		resolved.Duration = defaultLeaseDuration
	}

	return resolved, nil
}
