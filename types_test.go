package portforward

import (
	"strings"
	"testing"
	"time"
)

func TestParseProtocol(t *testing.T) {
	tests := []struct {
		in      string
		want    Protocol
		wantErr bool
	}{
		{"TCP", TCP, false},
		{"tcp", TCP, false},
		{"Udp", UDP, false},
		{"sctp", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := ParseProtocol(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseProtocol(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseProtocol(%q) failed: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseProtocol(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestProtocolNetwork(t *testing.T) {
	if TCP.network() != "tcp" || UDP.network() != "udp" {
		t.Errorf("network() must be lowercase, got %s/%s", TCP.network(), UDP.network())
	}
}

func TestResponseString(t *testing.T) {
	r := &Response{
		ExternalIP:   "203.0.113.100",
		ExternalPort: 51000,
		InternalIP:   "192.168.1.50",
		InternalPort: 8080,
		Protocol:     TCP,
		Description:  "web",
		Duration:     time.Hour,
	}

	s := r.String()
	for _, want := range []string{"203.0.113.100:51000", "192.168.1.50:8080", "TCP", "web"} {
		if !strings.Contains(s, want) {
			t.Errorf("String() missing %q: %s", want, s)
		}
	}
}
