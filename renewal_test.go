package portforward

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeHandle counts lifecycle calls and lets tests control what Refresh
// grants back.
type fakeHandle struct {
	mu         sync.Mutex
	refreshes  int
	disables   int
	grantPort  uint16
	refreshErr error
}

func (h *fakeHandle) Refresh(ctx context.Context) (*Response, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refreshes++
	if h.refreshErr != nil {
		return nil, h.refreshErr
	}
	return &Response{
		ExternalIP:   "203.0.113.100",
		ExternalPort: h.grantPort,
		Protocol:     TCP,
		Duration:     renewalLease,
	}, nil
}

func (h *fakeHandle) Disable(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disables++
	return nil
}

func (h *fakeHandle) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refreshes, h.disables
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

// TestRenewalManager tests the background lease renewal
func TestRenewalManager(t *testing.T) {
	t.Run("Renews on the configured interval", func(t *testing.T) {
		handle := &fakeHandle{grantPort: 51000}
		r := NewRenewalManager(handle, 51000)
		r.interval = 10 * time.Millisecond

		r.Start()
		waitFor(t, "two renewals", func() bool {
			refreshes, _ := handle.counts()
			return refreshes >= 2
		})
		r.Stop()
	})

	t.Run("Stop disables the mapping", func(t *testing.T) {
		handle := &fakeHandle{grantPort: 51000}
		r := NewRenewalManager(handle, 51000)
		r.interval = time.Hour

		r.Start()
		r.Stop()

		if _, disables := handle.counts(); disables != 1 {
			t.Errorf("Expected 1 disable on Stop, got %d", disables)
		}
	})

	t.Run("Stop without Start is a no-op", func(t *testing.T) {
		handle := &fakeHandle{grantPort: 51000}
		r := NewRenewalManager(handle, 51000)
		r.Stop()

		if _, disables := handle.counts(); disables != 0 {
			t.Error("Stop before Start must not disable anything")
		}
	})

	t.Run("Double Start does not spawn a second loop", func(t *testing.T) {
		handle := &fakeHandle{grantPort: 51000}
		r := NewRenewalManager(handle, 51000)
		r.interval = 20 * time.Millisecond

		r.Start()
		r.Start()
		waitFor(t, "a renewal", func() bool {
			refreshes, _ := handle.counts()
			return refreshes >= 1
		})
		r.Stop()

		if _, disables := handle.counts(); disables != 1 {
			t.Errorf("Expected 1 disable, got %d", disables)
		}
	})

	t.Run("Port change fires the callback", func(t *testing.T) {
		handle := &fakeHandle{grantPort: 52000}
		r := NewRenewalManager(handle, 51000)
		r.interval = 10 * time.Millisecond

		changed := make(chan uint16, 1)
		r.SetPortChangeCallback(func(newPort uint16) {
			select {
			case changed <- newPort:
			default:
			}
		})

		r.Start()
		defer r.Stop()

		select {
		case newPort := <-changed:
			if newPort != 52000 {
				t.Errorf("Expected new port 52000, got %d", newPort)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Port change callback never fired")
		}

		if r.ExternalPort() != 52000 {
			t.Errorf("Manager should track the new port, got %d", r.ExternalPort())
		}
	})

	t.Run("Failed renewal keeps the loop alive", func(t *testing.T) {
		handle := &fakeHandle{grantPort: 51000, refreshErr: errors.New("gateway busy")}
		r := NewRenewalManager(handle, 51000)
		r.interval = 10 * time.Millisecond

		r.Start()
		waitFor(t, "repeated renewal attempts", func() bool {
			refreshes, _ := handle.counts()
			return refreshes >= 3
		})
		r.Stop()

		if r.ExternalPort() != 51000 {
			t.Error("Failed renewals must not change the tracked port")
		}
	})
}

// TestRenewalWithForwarder drives the manager against a mock gateway.
func TestRenewalWithForwarder(t *testing.T) {
	mock := NewMockGateway()
	fwd := NewMockForwarder(mock)

	ctx := context.Background()
	resp, err := fwd.Enable(ctx, localIntent(51000))
	if err != nil {
		t.Fatalf("Enable failed: %v", err)
	}

	r := NewRenewalManager(fwd, resp.ExternalPort)
	r.interval = 10 * time.Millisecond
	r.Start()

	waitFor(t, "a renewal against the gateway", func() bool {
		return mock.Calls("AddPortMapping") >= 2
	})
	r.Stop()

	if mock.HasMapping(51000, TCP) {
		t.Error("Stop should remove the mapping")
	}
}
