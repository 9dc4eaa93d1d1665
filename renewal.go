package portforward

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// PortChangeCallback is called when the external port changes during
// renewal. The callback receives the new external port number.
type PortChangeCallback func(newExternalPort uint16)

// mappingHandle is the slice of Forwarder the renewal manager drives.
type mappingHandle interface {
	Refresh(ctx context.Context) (*Response, error)
	Disable(ctx context.Context) error
}

// RenewalManager periodically refreshes a handle's mapping so its lease
// never lapses. It is the one opt-in background task in this package;
// nothing starts it implicitly except the forwarded listeners.
type RenewalManager struct {
	handle       mappingHandle
	interval     time.Duration
	externalPort uint16
	ticker       *time.Ticker
	done         chan struct{}
	mu           sync.Mutex
	started      bool
	onPortChange PortChangeCallback
}

// NewRenewalManager creates a renewal manager for a handle whose mapping
// was granted the given external port.
func NewRenewalManager(handle mappingHandle, externalPort uint16) *RenewalManager {
	return &RenewalManager{
		handle:       handle,
		interval:     renewalInterval,
		externalPort: externalPort,
		// done channel will be created when Start() is called
	}
}

// SetPortChangeCallback sets a callback invoked when the gateway assigns a
// different external port during renewal (rare but possible).
func (r *RenewalManager) SetPortChangeCallback(callback PortChangeCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onPortChange = callback
}

// ExternalPort returns the current external port number. This may change if
// the gateway assigns a different port during renewal.
func (r *RenewalManager) ExternalPort() uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.externalPort
}

// Start begins the renewal process in a background goroutine. Multiple
// Start/Stop cycles are safe - each cycle creates fresh channels and the
// goroutine captures local references to avoid data races.
func (r *RenewalManager) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return
	}

	r.started = true
	r.done = make(chan struct{})
	r.ticker = time.NewTicker(r.interval)

	done := r.done
	ticker := r.ticker
	go r.renewLoop(ticker.C, done)
}

// Stop terminates the renewal process and disables the mapping.
func (r *RenewalManager) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return
	}

	r.started = false
	close(r.done)
	r.ticker.Stop()

	if err := r.handle.Disable(context.Background()); err != nil {
		slog.Warn("failed to disable mapping during shutdown",
			"port", r.externalPort,
			"error", err)
	}
}

// renewLoop runs the renewal ticker in a goroutine. It receives the ticker
// channel and done channel as parameters to avoid data races when Start()
// is called after Stop() on the same instance.
func (r *RenewalManager) renewLoop(tickerC <-chan time.Time, done <-chan struct{}) {
	for {
		select {
		case <-tickerC:
			r.renew()
		case <-done:
			return
		}
	}
}

// renew refreshes the mapping once. If the gateway grants a different
// external port, the callback (if set) is invoked with the new port.
func (r *RenewalManager) renew() {
	resp, err := r.handle.Refresh(context.Background())
	if err != nil {
		slog.Warn("port mapping renewal failed",
			"port", r.ExternalPort(),
			"error", err)
		return
	}

	r.mu.Lock()
	oldPort := r.externalPort
	callback := r.onPortChange
	if resp.ExternalPort != oldPort {
		r.externalPort = resp.ExternalPort
		slog.Info("external port changed during renewal",
			"oldPort", oldPort,
			"newPort", resp.ExternalPort)
	}
	r.mu.Unlock()

	// Invoke callback outside the lock to prevent deadlocks
	if resp.ExternalPort != oldPort && callback != nil {
		callback(resp.ExternalPort)
	}

	slog.Debug("port mapping renewed",
		"port", resp.ExternalPort,
		"lease", resp.Duration)
}
