package portforward

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/huin/goupnp"
	"github.com/huin/goupnp/soap"
	"github.com/koron/go-ssdp"
)

// soapCaller is the transport used to issue actions against a control URL.
// Satisfied by *soap.SOAPClient; replaced by a mock gateway in tests.
type soapCaller interface {
	PerformActionCtx(ctx context.Context, actionNamespace, actionName string, inAction, outAction interface{}) error
}

// Gateway is a discovered IGD control endpoint. Immutable once discovered;
// rediscovered (replaced, not mutated) if an operation reports it
// unreachable. Not persisted across process runs.
type Gateway struct {
	// Host is the gateway's LAN address, taken from the device
	// description location.
	Host string

	// Location is the device description URL from the SSDP reply.
	Location *url.URL

	// ServiceType is the WANIPConnection/WANPPPConnection URN the control
	// endpoint speaks.
	ServiceType string

	// ControlURL is the endpoint mapping actions are POSTed to.
	ControlURL *url.URL

	soap soapCaller
}

// wanServicePreference lists the usable WAN connection services, most
// preferred first.
var wanServicePreference = []string{
	serviceWANIPConnection2,
	serviceWANIPConnection1,
	serviceWANPPPConnection1,
}

// DiscoverGateway locates an IGD-capable gateway on the local network.
// This is a convenience wrapper around DiscoverGatewayContext using
// context.Background().
func DiscoverGateway(timeout time.Duration) (*Gateway, error) {
	return DiscoverGatewayContext(context.Background(), timeout)
}

// DiscoverGatewayContext sends an SSDP search and collects replies until one
// names a device with a usable WAN connection service or the timeout
// elapses. Replies are taken in arrival order, so the nearest/fastest
// responder wins when several gateways answer. Fails with ErrNoGatewayFound
// if no usable reply arrives in time.
func DiscoverGatewayContext(ctx context.Context, timeout time.Duration) (*Gateway, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("discovery cancelled: %w", err)
	}
	if timeout <= 0 {
		timeout = defaultDiscoveryTimeout
	}

	waitSec := int(timeout / time.Second)
	if waitSec < 1 {
		waitSec = 1
	}

	replies, err := ssdp.Search(ssdpSearchTarget, waitSec, "")
	if err != nil {
		return nil, fmt.Errorf("%w: ssdp search: %v", ErrNoGatewayFound, err)
	}

	for _, reply := range replies {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("discovery cancelled: %w", err)
		}

		gw, err := gatewayFromLocation(ctx, reply.Location, timeout)
		if err != nil {
			slog.Debug("skipping SSDP reply", "location", reply.Location, "error", err)
			continue
		}
		slog.Debug("gateway discovered",
			"host", gw.Host,
			"service", gw.ServiceType,
			"control", gw.ControlURL.String())
		return gw, nil
	}

	return nil, ErrNoGatewayFound
}

// gatewayFromLocation fetches the device description behind an SSDP reply
// and builds a Gateway from its first usable WAN connection service.
func gatewayFromLocation(ctx context.Context, location string, timeout time.Duration) (*Gateway, error) {
	loc, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("invalid device description location %q: %w", location, err)
	}

	root, err := goupnp.DeviceByURLCtx(ctx, loc)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch device description: %w", err)
	}

	svc := pickWANService(&root.Device)
	if svc == nil {
		return nil, fmt.Errorf("no WAN connection service in device at %s", location)
	}

	controlURL := svc.ControlURL.URL
	client := soap.NewSOAPClient(controlURL)
	client.HTTPClient.Timeout = timeout

	return &Gateway{
		Host:        loc.Hostname(),
		Location:    loc,
		ServiceType: svc.ServiceType,
		ControlURL:  &controlURL,
		soap:        client,
	}, nil
}

// pickWANService walks the device tree and returns the most preferred WAN
// connection service it offers, or nil if there is none.
func pickWANService(device *goupnp.Device) *goupnp.Service {
	for _, target := range wanServicePreference {
		var found *goupnp.Service
		device.VisitServices(func(svc *goupnp.Service) {
			if found == nil && svc.ServiceType == target {
				found = svc
			}
		})
		if found != nil {
			return found
		}
	}
	return nil
}
