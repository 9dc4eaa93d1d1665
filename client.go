package portforward

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/huin/goupnp/soap"
)

// Client issues mapping actions against a discovered Gateway. Every
// operation applies a per-request timeout and a small bounded retry for
// transport-level failures only; application-level rejections are surfaced
// immediately because re-sending identical parameters cannot succeed.
type Client struct {
	gw      *Gateway
	timeout time.Duration
	retries uint64
}

// NewClient creates a client for the given gateway with the default
// per-request timeout and retry budget.
func NewClient(gw *Gateway) *Client {
	return &Client{
		gw:      gw,
		timeout: defaultRequestTimeout,
		retries: transportRetries,
	}
}

// SetRequestTimeout changes the per-request timeout applied to each gateway
// round-trip.
func (c *Client) SetRequestTimeout(d time.Duration) {
	if d > 0 {
		c.timeout = d
	}
}

// Gateway returns the endpoint this client talks to.
func (c *Client) Gateway() *Gateway {
	return c.gw
}

// addPortMappingRequest is the AddPortMapping action payload.
type addPortMappingRequest struct {
	NewRemoteHost             string
	NewExternalPort           string
	NewProtocol               string
	NewInternalPort           string
	NewInternalClient         string
	NewEnabled                string
	NewPortMappingDescription string
	NewLeaseDuration          string
}

// deletePortMappingRequest is the DeletePortMapping action payload. The
// delete key is (external port, protocol) only; internal IP/port are not
// part of it.
type deletePortMappingRequest struct {
	NewRemoteHost   string
	NewExternalPort string
	NewProtocol     string
}

// getGenericPortMappingEntryRequest is the GetGenericPortMappingEntry
// action payload.
type getGenericPortMappingEntryRequest struct {
	NewPortMappingIndex string
}

// AddPortMapping sends the add-port-mapping action for a fully resolved
// mapping and returns the gateway-confirmed state. The lease duration is
// passed through as given, including 0, whose meaning is gateway-dependent.
func (c *Client) AddPortMapping(ctx context.Context, m ResolvedMapping) (*Response, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}

	in := addPortMappingRequest{NewRemoteHost: ""}
	var err error
	if in.NewExternalPort, err = soap.MarshalUi2(m.ExternalPort); err != nil {
		return nil, err
	}
	if in.NewProtocol, err = soap.MarshalString(string(m.Protocol)); err != nil {
		return nil, err
	}
	if in.NewInternalPort, err = soap.MarshalUi2(m.InternalPort); err != nil {
		return nil, err
	}
	if in.NewInternalClient, err = soap.MarshalString(m.InternalIP); err != nil {
		return nil, err
	}
	if in.NewEnabled, err = soap.MarshalBoolean(true); err != nil {
		return nil, err
	}
	if in.NewPortMappingDescription, err = soap.MarshalString(m.Description); err != nil {
		return nil, err
	}
	if in.NewLeaseDuration, err = soap.MarshalUi4(uint32(m.Duration / time.Second)); err != nil {
		return nil, err
	}

	err = c.retry(ctx, "AddPortMapping", func(callCtx context.Context) error {
		return c.gw.soap.PerformActionCtx(callCtx, c.gw.ServiceType, "AddPortMapping", &in, nil)
	})
	if err != nil {
		return nil, err
	}

	externalIP, err := c.ExternalIP(ctx)
	if err != nil {
		return nil, fmt.Errorf("mapping added but external IP lookup failed: %w", err)
	}

	slog.Debug("port mapping added",
		"external", fmt.Sprintf("%s:%d/%s", externalIP, m.ExternalPort, m.Protocol),
		"internal", fmt.Sprintf("%s:%d", m.InternalIP, m.InternalPort),
		"lease", m.Duration)

	return &Response{
		ExternalIP:   externalIP,
		ExternalPort: m.ExternalPort,
		InternalIP:   m.InternalIP,
		InternalPort: m.InternalPort,
		Protocol:     m.Protocol,
		Description:  m.Description,
		Duration:     m.Duration,
	}, nil
}

// DeletePortMapping removes the mapping for (externalPort, protocol). Fails
// with ErrMappingNotFound if the gateway has no such entry. Some gateways
// report a missing delete target with the array-index code instead, so both
// are normalized here.
func (c *Client) DeletePortMapping(ctx context.Context, externalPort uint16, protocol Protocol) error {
	if externalPort == 0 {
		return fmt.Errorf("invalid external port: 0 (must be 1-65535)")
	}
	if !protocol.valid() {
		return fmt.Errorf("unsupported protocol: %s", protocol)
	}

	in := deletePortMappingRequest{NewRemoteHost: ""}
	var err error
	if in.NewExternalPort, err = soap.MarshalUi2(externalPort); err != nil {
		return err
	}
	if in.NewProtocol, err = soap.MarshalString(string(protocol)); err != nil {
		return err
	}

	err = c.retry(ctx, "DeletePortMapping", func(callCtx context.Context) error {
		return c.gw.soap.PerformActionCtx(callCtx, c.gw.ServiceType, "DeletePortMapping", &in, nil)
	})
	if errors.Is(err, ErrIndexOutOfRange) {
		return fmt.Errorf("%w: no entry for %d/%s", ErrMappingNotFound, externalPort, protocol)
	}
	return err
}

// GetMapping reads the gateway's mapping table entry at index. The index is
// gateway-table-relative and unstable across concurrent modifications by
// other clients on the network.
func (c *Client) GetMapping(ctx context.Context, index int) (*Response, error) {
	externalIP, err := c.ExternalIP(ctx)
	if err != nil {
		return nil, err
	}
	return c.getMapping(ctx, index, externalIP)
}

// getMapping fetches one table entry, reusing an already-known external IP
// so enumeration does not re-query it per entry.
func (c *Client) getMapping(ctx context.Context, index int, externalIP string) (*Response, error) {
	if index < 0 || index > 65535 {
		return nil, fmt.Errorf("%w: index %d", ErrIndexOutOfRange, index)
	}

	in := getGenericPortMappingEntryRequest{}
	var err error
	if in.NewPortMappingIndex, err = soap.MarshalUi2(uint16(index)); err != nil {
		return nil, err
	}

	var resp *Response
	err = c.retry(ctx, "GetGenericPortMappingEntry", func(callCtx context.Context) error {
		var raw rawMappingEntry
		if err := c.gw.soap.PerformActionCtx(callCtx, c.gw.ServiceType, "GetGenericPortMappingEntry", &in, &raw); err != nil {
			return err
		}
		parsed, err := parseMappingEntry(&raw, externalIP)
		if err != nil {
			// Malformed replies are retried with the transport
			// budget: a garbled reply and a dropped one are
			// indistinguishable to the caller.
			return err
		}
		resp = parsed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Mappings produces a lazy, finite, restartable sequence over the gateway's
// mapping table, reading entries at index 0, 1, ... until the gateway
// reports the end. A table shrinking mid-enumeration (another actor deleting
// entries) terminates the sequence rather than failing it.
func (c *Client) Mappings(ctx context.Context) iter.Seq2[*Response, error] {
	return func(yield func(*Response, error) bool) {
		externalIP, err := c.ExternalIP(ctx)
		if err != nil {
			yield(nil, err)
			return
		}

		for index := 0; ; index++ {
			resp, err := c.getMapping(ctx, index, externalIP)
			if err != nil {
				if errors.Is(err, ErrIndexOutOfRange) || errors.Is(err, ErrMappingNotFound) {
					return // expected end of table, not an error
				}
				yield(nil, err)
				return
			}
			if !yield(resp, nil) {
				return
			}
		}
	}
}

// AllMappings collects the full mapping table. An empty table yields an
// empty slice.
func (c *Client) AllMappings(ctx context.Context) ([]*Response, error) {
	var all []*Response
	for resp, err := range c.Mappings(ctx) {
		if err != nil {
			return nil, err
		}
		all = append(all, resp)
	}
	return all, nil
}

// ExternalIP queries the gateway's externally-visible address.
func (c *Client) ExternalIP(ctx context.Context) (string, error) {
	var ip string
	err := c.retry(ctx, "GetExternalIPAddress", func(callCtx context.Context) error {
		var raw getExternalIPAddressReply
		if err := c.gw.soap.PerformActionCtx(callCtx, c.gw.ServiceType, "GetExternalIPAddress", nil, &raw); err != nil {
			return err
		}
		parsed, err := parseExternalIP(&raw)
		if err != nil {
			return err
		}
		ip = parsed
		return nil
	})
	if err != nil {
		return "", err
	}
	return ip, nil
}

// retry runs one gateway action with the per-request timeout and the bounded
// transport retry budget. SOAP faults are classified and returned without
// retrying; anything else (no reply, timeout, garbled reply) is retried and
// finally surfaced as ErrGatewayUnreachable, except malformed replies which
// keep their own identity.
func (c *Client) retry(ctx context.Context, action string, op func(context.Context) error) error {
	attempt := func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		err := op(callCtx)
		if err == nil {
			return nil
		}

		var fault *soap.SOAPFaultError
		if errors.As(err, &fault) {
			return backoff.Permanent(classifyFault(fault))
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(transportRetryInterval), c.retries),
		ctx)

	err := backoff.Retry(attempt, policy)
	if err == nil {
		return nil
	}
	if isProtocolError(err) {
		return fmt.Errorf("%s: %w", action, err)
	}
	return fmt.Errorf("%s: %w: %w", action, ErrGatewayUnreachable, err)
}
