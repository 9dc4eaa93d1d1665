// Package portforward requests temporary forwarding rules from a UPnP
// IGD-capable gateway: discovery, add/delete/enumerate mappings, and the
// enable -> refresh -> disable lifecycle of a single mapping handle, with a
// NAT-PMP fallback backend.
package portforward

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"
)

// Forwarder is a mapping handle: it owns the discovered gateway, a protocol
// client, and the record of its most recent enable, which backfills omitted
// parameters on follow-up Disable/Refresh calls. Operations on one handle
// are synchronous and applied to the gateway in call order; independent
// handles may run concurrently.
type Forwarder struct {
	mu               sync.Mutex
	client           *Client
	reg              registry
	discoveryTimeout time.Duration

	// discoverFn is swapped out by tests; production handles always use
	// DiscoverGatewayContext.
	discoverFn func(ctx context.Context, timeout time.Duration) (*Gateway, error)
}

// New discovers a gateway and creates a mapping handle for it.
// This is a convenience wrapper around NewContext using context.Background()
// and the default discovery timeout.
func New() (*Forwarder, error) {
	return NewContext(context.Background(), defaultDiscoveryTimeout)
}

// NewContext discovers a gateway and creates a mapping handle for it. The
// discovery timeout is reused when the handle rediscovers a gateway that
// became unreachable.
func NewContext(ctx context.Context, discoveryTimeout time.Duration) (*Forwarder, error) {
	gw, err := DiscoverGatewayContext(ctx, discoveryTimeout)
	if err != nil {
		return nil, err
	}
	return &Forwarder{
		client:           NewClient(gw),
		discoveryTimeout: discoveryTimeout,
		discoverFn:       DiscoverGatewayContext,
	}, nil
}

// SetRequestTimeout changes the per-request timeout for gateway actions.
func (f *Forwarder) SetRequestTimeout(d time.Duration) {
	f.currentClient().SetRequestTimeout(d)
}

// Gateway returns the currently cached gateway endpoint.
func (f *Forwarder) Gateway() *Gateway {
	return f.currentClient().Gateway()
}

// Active returns the gateway-confirmed state of this handle's mapping, or
// nil when nothing is currently enabled.
func (f *Forwarder) Active() *Response {
	return f.reg.active()
}

// Enable resolves the intent's unset fields and adds the mapping on the
// gateway. The returned Response is the gateway's granted state and is
// recorded on the handle as the default for Disable and Refresh.
func (f *Forwarder) Enable(ctx context.Context, intent Mapping) (*Response, error) {
	var resp *Response
	err := f.retryUnreachable(ctx, func(c *Client) error {
		resolved, err := Resolve(ctx, intent, c)
		if err != nil {
			return err
		}
		r, err := c.AddPortMapping(ctx, resolved)
		if err != nil {
			return err
		}
		f.reg.record(resolved, r)
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Disable removes the mapping recorded by the last Enable on this handle.
// Fails with ErrNoActiveMapping when nothing was enabled.
func (f *Forwarder) Disable(ctx context.Context) error {
	externalPort, protocol, err := f.reg.disableDefaults()
	if err != nil {
		return err
	}
	if err := f.DisableMapping(ctx, externalPort, protocol); err != nil {
		return err
	}
	f.reg.clear()
	return nil
}

// DisableMapping removes the mapping for an explicit (external port,
// protocol) pair. Fails with ErrMappingNotFound when the gateway has no
// such entry.
func (f *Forwarder) DisableMapping(ctx context.Context, externalPort uint16, protocol Protocol) error {
	return f.retryUnreachable(ctx, func(c *Client) error {
		return c.DeletePortMapping(ctx, externalPort, protocol)
	})
}

// Refresh re-establishes the mapping recorded by the last Enable with a
// fresh full-length lease: the old entry is deleted (tolerating one that
// already expired) and re-added with the same resolved values.
func (f *Forwarder) Refresh(ctx context.Context) (*Response, error) {
	resolved, err := f.reg.refreshDefaults()
	if err != nil {
		return nil, err
	}

	var resp *Response
	err = f.retryUnreachable(ctx, func(c *Client) error {
		// An expired lease is already gone from the table; that is
		// exactly the case refresh exists for.
		err := c.DeletePortMapping(ctx, resolved.ExternalPort, resolved.Protocol)
		if err != nil && !errors.Is(err, ErrMappingNotFound) {
			return err
		}
		r, err := c.AddPortMapping(ctx, resolved)
		if err != nil {
			return err
		}
		f.reg.record(resolved, r)
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GetMapping reads the gateway's mapping table entry at index.
func (f *Forwarder) GetMapping(ctx context.Context, index int) (*Response, error) {
	var resp *Response
	err := f.retryUnreachable(ctx, func(c *Client) error {
		r, err := c.GetMapping(ctx, index)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Mappings produces a lazy sequence over the gateway's mapping table.
func (f *Forwarder) Mappings(ctx context.Context) iter.Seq2[*Response, error] {
	return f.currentClient().Mappings(ctx)
}

// AllMappings collects the gateway's full mapping table.
func (f *Forwarder) AllMappings(ctx context.Context) ([]*Response, error) {
	var all []*Response
	err := f.retryUnreachable(ctx, func(c *Client) error {
		a, err := c.AllMappings(ctx)
		if err != nil {
			return err
		}
		all = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return all, nil
}

// LocalIP returns the host address used to reach the gateway.
func (f *Forwarder) LocalIP() (string, error) {
	return LocalIP(f.Gateway().Host)
}

// ExternalIP returns the gateway's externally-visible address.
func (f *Forwarder) ExternalIP(ctx context.Context) (string, error) {
	var ip string
	err := f.retryUnreachable(ctx, func(c *Client) error {
		v, err := c.ExternalIP(ctx)
		if err != nil {
			return err
		}
		ip = v
		return nil
	})
	if err != nil {
		return "", err
	}
	return ip, nil
}

// OpenLocalPort finds an unused local port for the given protocol.
func (f *Forwarder) OpenLocalPort(protocol Protocol) (uint16, error) {
	return OpenLocalPort(protocol)
}

// OpenExternalPort finds an external port not currently mapped on the
// gateway for the given protocol.
func (f *Forwarder) OpenExternalPort(ctx context.Context, protocol Protocol) (uint16, error) {
	var port uint16
	err := f.retryUnreachable(ctx, func(c *Client) error {
		p, err := OpenExternalPort(ctx, c, protocol)
		if err != nil {
			return err
		}
		port = p
		return nil
	})
	if err != nil {
		return 0, err
	}
	return port, nil
}

// DisableResult reports the outcome of one delete within a bulk disable.
type DisableResult struct {
	Mapping *Response
	Err     error
}

// DisableAll deletes every entry in the gateway's mapping table, one delete
// per entry. There is no bulk protocol action and no atomicity across the
// batch: partial failure is reported per entry, never collapsed into a
// single boolean.
func (f *Forwarder) DisableAll(ctx context.Context) ([]DisableResult, error) {
	return f.disableWhere(ctx, func(*Response) bool { return true })
}

// DisableMatching deletes every table entry that matches the filter. An
// entry matches when any field the caller set on the filter equals the
// entry's value. Partial failure is reported per entry.
func (f *Forwarder) DisableMatching(ctx context.Context, filter Mapping) ([]DisableResult, error) {
	return f.disableWhere(ctx, func(resp *Response) bool {
		return matchesFilter(filter, resp)
	})
}

func (f *Forwarder) disableWhere(ctx context.Context, match func(*Response) bool) ([]DisableResult, error) {
	all, err := f.AllMappings(ctx)
	if err != nil {
		return nil, err
	}

	var results []DisableResult
	for _, m := range all {
		if !match(m) {
			continue
		}
		err := f.DisableMapping(ctx, m.ExternalPort, m.Protocol)
		results = append(results, DisableResult{Mapping: m, Err: err})
	}
	return results, nil
}

// matchesFilter reports whether any field set on the filter equals the
// entry's value.
func matchesFilter(filter Mapping, resp *Response) bool {
	if filter.ExternalPort != 0 && filter.ExternalPort == resp.ExternalPort {
		return true
	}
	if filter.InternalPort != 0 && filter.InternalPort == resp.InternalPort {
		return true
	}
	if filter.InternalIP != "" && filter.InternalIP == resp.InternalIP {
		return true
	}
	if filter.Protocol != "" && filter.Protocol == resp.Protocol {
		return true
	}
	if filter.Description != "" && filter.Description == resp.Description {
		return true
	}
	if filter.Duration != 0 && filter.Duration == resp.Duration {
		return true
	}
	return false
}

// currentClient returns the protocol client for the cached gateway.
func (f *Forwarder) currentClient() *Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.client
}

// retryUnreachable runs op and, when it reports the gateway unreachable,
// re-runs discovery once, swaps the cached gateway, and retries op a final
// time. Any other failure is surfaced as-is.
func (f *Forwarder) retryUnreachable(ctx context.Context, op func(*Client) error) error {
	err := op(f.currentClient())
	if err == nil || !errors.Is(err, ErrGatewayUnreachable) {
		return err
	}

	slog.Warn("gateway unreachable, rediscovering", "error", err)
	if derr := f.rediscover(ctx); derr != nil {
		// Rediscovery failed too; the original failure is the one the
		// caller should see.
		return err
	}
	return op(f.currentClient())
}

// rediscover replaces the cached gateway with a freshly discovered one,
// preserving the configured request timeout.
func (f *Forwarder) rediscover(ctx context.Context) error {
	gw, err := f.discoverFn(ctx, f.discoveryTimeout)
	if err != nil {
		return fmt.Errorf("rediscovery failed: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	timeout := f.client.timeout
	f.client = NewClient(gw)
	f.client.SetRequestTimeout(timeout)

	slog.Debug("gateway replaced after rediscovery", "host", gw.Host)
	return nil
}
