package portforward

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testMapping(externalPort uint16, protocol Protocol) ResolvedMapping {
	return ResolvedMapping{
		ExternalPort: externalPort,
		InternalPort: 8080,
		InternalIP:   "192.168.1.50",
		Protocol:     protocol,
		Description:  "test",
		Duration:     time.Hour,
	}
}

// TestAddPortMapping tests the add action
func TestAddPortMapping(t *testing.T) {
	ctx := context.Background()

	t.Run("Successful add returns gateway-confirmed state", func(t *testing.T) {
		mock := NewMockGateway()
		client := NewClient(mock.Gateway())

		resp, err := client.AddPortMapping(ctx, testMapping(51000, TCP))
		if err != nil {
			t.Fatalf("AddPortMapping failed: %v", err)
		}
		if resp.ExternalIP != "203.0.113.100" {
			t.Errorf("Expected mock external IP, got %s", resp.ExternalIP)
		}
		if resp.ExternalPort != 51000 || resp.Protocol != TCP {
			t.Errorf("Wrong granted mapping: %+v", resp)
		}
		if !mock.HasMapping(51000, TCP) {
			t.Error("Mapping should be in the gateway table")
		}
	})

	t.Run("Invalid mapping is rejected before the wire", func(t *testing.T) {
		mock := NewMockGateway()
		client := NewClient(mock.Gateway())

		if _, err := client.AddPortMapping(ctx, ResolvedMapping{}); err == nil {
			t.Error("Expected validation failure")
		}
		if mock.Calls("AddPortMapping") != 0 {
			t.Error("Invalid mapping must not reach the gateway")
		}
	})

	t.Run("Conflict surfaces as rejection with the gateway's reason", func(t *testing.T) {
		mock := NewMockGateway()
		mock.Preload(51000, TCP, "192.168.1.99", 9999, "other host", 3600)
		client := NewClient(mock.Gateway())

		_, err := client.AddPortMapping(ctx, testMapping(51000, TCP))
		var rejected *MappingRejectedError
		if !errors.As(err, &rejected) {
			t.Fatalf("Expected MappingRejectedError, got %v", err)
		}
		if rejected.Code != upnpErrConflictInMappingEntry {
			t.Errorf("Expected conflict code, got %d", rejected.Code)
		}
	})

	t.Run("Rejections are never retried", func(t *testing.T) {
		mock := NewMockGateway()
		mock.SetReject(501, "ActionFailed")
		client := NewClient(mock.Gateway())

		_, err := client.AddPortMapping(ctx, testMapping(51000, TCP))
		var rejected *MappingRejectedError
		if !errors.As(err, &rejected) {
			t.Fatalf("Expected MappingRejectedError, got %v", err)
		}
		if got := mock.Calls("AddPortMapping"); got != 1 {
			t.Errorf("Rejected action must be sent exactly once, got %d calls", got)
		}
	})

	t.Run("Zero lease passes through unreinterpreted", func(t *testing.T) {
		mock := NewMockGateway()
		client := NewClient(mock.Gateway())

		m := testMapping(51000, TCP)
		m.Duration = 0
		resp, err := client.AddPortMapping(ctx, m)
		if err != nil {
			t.Fatalf("AddPortMapping failed: %v", err)
		}
		if resp.Duration != 0 {
			t.Errorf("Duration 0 must be passed through, got %v", resp.Duration)
		}
	})
}

// TestDeletePortMapping tests the delete action
func TestDeletePortMapping(t *testing.T) {
	ctx := context.Background()

	t.Run("Delete is keyed by external port and protocol only", func(t *testing.T) {
		mock := NewMockGateway()
		mock.Preload(51000, TCP, "192.168.1.50", 8080, "test", 3600)
		client := NewClient(mock.Gateway())

		if err := client.DeletePortMapping(ctx, 51000, TCP); err != nil {
			t.Fatalf("DeletePortMapping failed: %v", err)
		}
		if mock.HasMapping(51000, TCP) {
			t.Error("Mapping should be removed")
		}
	})

	t.Run("Missing entry", func(t *testing.T) {
		client := NewClient(NewMockGateway().Gateway())
		if err := client.DeletePortMapping(ctx, 51000, TCP); !errors.Is(err, ErrMappingNotFound) {
			t.Errorf("Expected ErrMappingNotFound, got %v", err)
		}
	})

	t.Run("Array-index fault from delete is normalized to not-found", func(t *testing.T) {
		mock := NewMockGateway()
		mock.Preload(51000, TCP, "192.168.1.50", 8080, "test", 3600)
		mock.FaultDeleteOf(51000, upnpErrSpecifiedArrayIndexInvalid)
		client := NewClient(mock.Gateway())

		if err := client.DeletePortMapping(ctx, 51000, TCP); !errors.Is(err, ErrMappingNotFound) {
			t.Errorf("Expected ErrMappingNotFound, got %v", err)
		}
	})

	t.Run("Wrong protocol does not match", func(t *testing.T) {
		mock := NewMockGateway()
		mock.Preload(51000, TCP, "192.168.1.50", 8080, "test", 3600)
		client := NewClient(mock.Gateway())

		if err := client.DeletePortMapping(ctx, 51000, UDP); !errors.Is(err, ErrMappingNotFound) {
			t.Errorf("Expected ErrMappingNotFound for UDP key, got %v", err)
		}
		if !mock.HasMapping(51000, TCP) {
			t.Error("TCP mapping must survive a UDP-keyed delete")
		}
	})
}

// TestGetMapping tests table reads
func TestGetMapping(t *testing.T) {
	ctx := context.Background()

	t.Run("Add then read back at index", func(t *testing.T) {
		mock := NewMockGateway()
		client := NewClient(mock.Gateway())

		added, err := client.AddPortMapping(ctx, testMapping(51000, TCP))
		if err != nil {
			t.Fatalf("AddPortMapping failed: %v", err)
		}

		got, err := client.GetMapping(ctx, 0)
		if err != nil {
			t.Fatalf("GetMapping failed: %v", err)
		}
		if *got != *added {
			t.Errorf("Table entry should match the granted mapping:\nadded %+v\ngot   %+v", added, got)
		}
		if got.Duration > added.Duration {
			t.Errorf("Remaining lease %v must not exceed granted %v", got.Duration, added.Duration)
		}
	})

	t.Run("Index past the table", func(t *testing.T) {
		client := NewClient(NewMockGateway().Gateway())
		if _, err := client.GetMapping(ctx, 0); !errors.Is(err, ErrIndexOutOfRange) {
			t.Errorf("Expected ErrIndexOutOfRange, got %v", err)
		}
	})

	t.Run("Negative index", func(t *testing.T) {
		client := NewClient(NewMockGateway().Gateway())
		if _, err := client.GetMapping(ctx, -1); !errors.Is(err, ErrIndexOutOfRange) {
			t.Errorf("Expected ErrIndexOutOfRange, got %v", err)
		}
	})

	t.Run("Malformed entry fails closed", func(t *testing.T) {
		mock := NewMockGateway()
		mock.Preload(51000, TCP, "192.168.1.50", 8080, "test", 3600)
		mock.SetMalformedEntries(true)
		client := NewClient(mock.Gateway())

		if _, err := client.GetMapping(ctx, 0); !errors.Is(err, ErrMalformedReply) {
			t.Errorf("Expected ErrMalformedReply, got %v", err)
		}
	})
}

// TestMappingsEnumeration tests the lazy table sequence
func TestMappingsEnumeration(t *testing.T) {
	ctx := context.Background()

	t.Run("Empty table yields empty sequence", func(t *testing.T) {
		client := NewClient(NewMockGateway().Gateway())
		all, err := client.AllMappings(ctx)
		if err != nil {
			t.Fatalf("AllMappings failed: %v", err)
		}
		if len(all) != 0 {
			t.Errorf("Expected empty sequence, got %d entries", len(all))
		}
	})

	t.Run("N entries yield exactly N responses", func(t *testing.T) {
		mock := NewMockGateway()
		mock.Preload(51000, TCP, "192.168.1.50", 8080, "a", 3600)
		mock.Preload(51001, UDP, "192.168.1.51", 8081, "b", 3600)
		mock.Preload(51002, TCP, "192.168.1.52", 8082, "c", 3600)
		client := NewClient(mock.Gateway())

		all, err := client.AllMappings(ctx)
		if err != nil {
			t.Fatalf("AllMappings failed: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("Expected 3 entries, got %d", len(all))
		}
		if all[1].ExternalPort != 51001 || all[1].Protocol != UDP {
			t.Errorf("Entries should come back in table order, got %+v", all[1])
		}
	})

	t.Run("Sequence is restartable", func(t *testing.T) {
		mock := NewMockGateway()
		mock.Preload(51000, TCP, "192.168.1.50", 8080, "a", 3600)
		client := NewClient(mock.Gateway())

		seq := client.Mappings(ctx)
		for range 2 {
			count := 0
			for _, err := range seq {
				if err != nil {
					t.Fatalf("Enumeration failed: %v", err)
				}
				count++
			}
			if count != 1 {
				t.Errorf("Expected 1 entry per pass, got %d", count)
			}
		}
	})

	t.Run("Early break stops enumeration", func(t *testing.T) {
		mock := NewMockGateway()
		mock.Preload(51000, TCP, "192.168.1.50", 8080, "a", 3600)
		mock.Preload(51001, TCP, "192.168.1.50", 8081, "b", 3600)
		client := NewClient(mock.Gateway())

		for range client.Mappings(ctx) {
			break
		}
		if got := mock.Calls("GetGenericPortMappingEntry"); got != 1 {
			t.Errorf("Lazy sequence should stop after the break, got %d reads", got)
		}
	})

	t.Run("Table shrinking mid-enumeration terminates cleanly", func(t *testing.T) {
		mock := NewMockGateway()
		mock.Preload(51000, TCP, "192.168.1.50", 8080, "a", 3600)
		mock.Preload(51001, TCP, "192.168.1.50", 8081, "b", 3600)
		mock.Preload(51002, TCP, "192.168.1.50", 8082, "c", 3600)
		client := NewClient(mock.Gateway())

		// Another actor deletes the tail after our first read.
		reads := 0
		mock.SetActionHook(func(action string) {
			if action != "GetGenericPortMappingEntry" {
				return
			}
			reads++
			if reads == 2 {
				mock.DropIndex(2)
			}
		})

		all, err := client.AllMappings(ctx)
		if err != nil {
			t.Fatalf("Shrinking table must not fail enumeration: %v", err)
		}
		if len(all) != 2 {
			t.Errorf("Expected 2 surviving entries, got %d", len(all))
		}
	})

	t.Run("Not-found mid-table terminates cleanly", func(t *testing.T) {
		mock := NewMockGateway()
		mock.Preload(51000, TCP, "192.168.1.50", 8080, "a", 3600)
		mock.Preload(51001, TCP, "192.168.1.50", 8081, "b", 3600)
		mock.FaultReadOf(1, upnpErrNoSuchEntryInArray)
		client := NewClient(mock.Gateway())

		all, err := client.AllMappings(ctx)
		if err != nil {
			t.Fatalf("Not-found must terminate, not fail: %v", err)
		}
		if len(all) != 1 {
			t.Errorf("Expected 1 entry before termination, got %d", len(all))
		}
	})
}

// TestTransportRetries tests the bounded retry budget
func TestTransportRetries(t *testing.T) {
	ctx := context.Background()

	t.Run("Transient failure within budget recovers", func(t *testing.T) {
		mock := NewMockGateway()
		mock.FailNext(2)
		client := NewClient(mock.Gateway())

		if _, err := client.ExternalIP(ctx); err != nil {
			t.Errorf("Expected recovery after retries, got %v", err)
		}
		if got := mock.Calls("GetExternalIPAddress"); got != 3 {
			t.Errorf("Expected 3 attempts, got %d", got)
		}
	})

	t.Run("Budget exhaustion surfaces unreachable", func(t *testing.T) {
		mock := NewMockGateway()
		mock.SetFailAll(true)
		client := NewClient(mock.Gateway())

		_, err := client.ExternalIP(ctx)
		if !errors.Is(err, ErrGatewayUnreachable) {
			t.Errorf("Expected ErrGatewayUnreachable, got %v", err)
		}
		if got := mock.Calls("GetExternalIPAddress"); got != 1+transportRetries {
			t.Errorf("Expected %d attempts, got %d", 1+transportRetries, got)
		}
	})

	t.Run("Per-request timeout surfaces unreachable", func(t *testing.T) {
		mock := NewMockGateway()
		mock.SetLatency(200 * time.Millisecond)
		client := NewClient(mock.Gateway())
		client.SetRequestTimeout(20 * time.Millisecond)

		_, err := client.ExternalIP(ctx)
		if !errors.Is(err, ErrGatewayUnreachable) {
			t.Errorf("Expected ErrGatewayUnreachable on timeout, got %v", err)
		}
	})
}
