package portforward

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strings"
)

// defaultGatewayIP finds the default gateway address for the NAT-PMP
// backend. It reads the system routing table where available, falling back
// to a heuristic when it cannot be read.
func defaultGatewayIP() (net.IP, error) {
	gateway, err := routingTableGateway()
	if err == nil && gateway != nil {
		return gateway, nil
	}
	return gatewayHeuristic()
}

// routingTableGateway reads the default gateway from /proc/net/route.
// Returns nil, nil when the file does not exist (non-Linux systems) or no
// default route is listed, which sends the caller to the heuristic.
func routingTableGateway() (net.IP, error) {
	file, err := os.Open("/proc/net/route")
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open routing table: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)

	// Skip header line
	if !scanner.Scan() {
		return nil, fmt.Errorf("empty routing table")
	}

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}

		// The default route has destination 00000000.
		if fields[1] != "00000000" {
			continue
		}

		gateway, err := parseRouteHexIP(fields[2])
		if err != nil {
			return nil, fmt.Errorf("failed to parse gateway: %w", err)
		}
		// A 0.0.0.0 gateway marks an on-link route, not a default
		// gateway.
		if !gateway.Equal(net.IPv4zero) {
			return gateway, nil
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading routing table: %w", err)
	}
	return nil, nil
}

// parseRouteHexIP converts the little-endian hex IP format used by
// /proc/net/route (e.g. "0101A8C0" = 192.168.1.1) to a net.IP.
func parseRouteHexIP(hexIP string) (net.IP, error) {
	if len(hexIP) != 8 {
		return nil, fmt.Errorf("invalid hex IP length: %d", len(hexIP))
	}

	raw, err := hex.DecodeString(hexIP)
	if err != nil {
		return nil, fmt.Errorf("invalid hex IP: %w", err)
	}
	return net.IPv4(raw[3], raw[2], raw[1], raw[0]), nil
}

// gatewayHeuristic assumes the gateway sits at .1 of the local subnet, the
// common convention on home and office networks. The local address comes
// from a UDP route lookup; no packet is transmitted.
func gatewayHeuristic() (net.IP, error) {
	localIP, err := LocalIP("")
	if err != nil {
		return nil, err
	}

	ip := net.ParseIP(localIP).To4()
	if ip == nil {
		return nil, fmt.Errorf("not IPv4 address: %s", localIP)
	}
	return net.IPv4(ip[0], ip[1], ip[2], 1), nil
}
