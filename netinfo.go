package portforward

import (
	"fmt"
	"net"
)

// LocalIP returns the host address the OS would use to reach gatewayHost,
// or the default route when gatewayHost is empty. Opening an unconnected
// UDP socket performs the route lookup; no packet is transmitted.
func LocalIP(gatewayHost string) (string, error) {
	target := "8.8.8.8:80"
	if gatewayHost != "" {
		// Route toward the gateway itself; the port is irrelevant for
		// the lookup (discard service).
		target = net.JoinHostPort(gatewayHost, "9")
	}

	conn, err := net.Dial("udp", target)
	if err != nil {
		return "", fmt.Errorf("failed to determine local IP: %w", err)
	}
	defer conn.Close()

	// Use safe type assertion to prevent potential panic
	localAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("unexpected local address type: %T", conn.LocalAddr())
	}
	return localAddr.IP.String(), nil
}
