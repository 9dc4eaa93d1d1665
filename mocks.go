package portforward

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/huin/goupnp/soap"
)

// MockGateway is an in-memory IGD for testing: a mapping table behind the
// same SOAP action surface a real gateway exposes, with knobs for latency,
// transport failures, and application-level rejections.
type MockGateway struct {
	mu         sync.Mutex
	table      []mockEntry
	externalIP string
	latency    time.Duration
	failures   int  // transport failures to inject before succeeding
	failAll    bool // every call fails at transport level

	rejectCode   int // if nonzero, AddPortMapping faults with this code
	rejectReason string

	deleteFaults map[uint16]int // external port -> fault code on delete
	getFaults    map[int]int    // table index -> fault code on read

	malformEntries bool // GetGenericPortMappingEntry returns garbage

	calls map[string]int

	// onAction is called before handling each action; tests use it to
	// mutate the table mid-enumeration.
	onAction func(action string)
}

type mockEntry struct {
	externalPort uint16
	protocol     Protocol
	internalPort uint16
	internalIP   string
	description  string
	lease        uint32
}

// NewMockGateway creates a mock gateway with an empty mapping table.
func NewMockGateway() *MockGateway {
	return &MockGateway{
		externalIP:   "203.0.113.100", // RFC5737 test IP
		deleteFaults: make(map[uint16]int),
		getFaults:    make(map[int]int),
		calls:        make(map[string]int),
	}
}

// Gateway wraps the mock in a Gateway descriptor usable by Client. The host
// is loopback so local-IP route lookups succeed in offline test runs.
func (g *MockGateway) Gateway() *Gateway {
	return &Gateway{
		Host:        "127.0.0.1",
		ServiceType: serviceWANIPConnection1,
		soap:        g,
	}
}

// NewMockForwarder builds a handle over the mock gateway whose rediscovery
// always fails, so tests never hit the real network.
func NewMockForwarder(g *MockGateway) *Forwarder {
	return &Forwarder{
		client:           NewClient(g.Gateway()),
		discoveryTimeout: time.Second,
		discoverFn: func(ctx context.Context, timeout time.Duration) (*Gateway, error) {
			return nil, ErrNoGatewayFound
		},
	}
}

// SetExternalIP sets the mock external IP.
func (g *MockGateway) SetExternalIP(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.externalIP = ip
}

// SetLatency simulates network latency on every action.
func (g *MockGateway) SetLatency(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.latency = d
}

// FailNext makes the next n actions fail at the transport level.
func (g *MockGateway) FailNext(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures = n
}

// SetFailAll makes every action fail at the transport level.
func (g *MockGateway) SetFailAll(fail bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failAll = fail
}

// SetReject makes AddPortMapping fault with the given UPnP error code.
func (g *MockGateway) SetReject(code int, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rejectCode = code
	g.rejectReason = reason
}

// FaultDeleteOf makes deleting the given external port fault with code.
func (g *MockGateway) FaultDeleteOf(port uint16, code int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deleteFaults[port] = code
}

// FaultReadOf makes reading the given table index fault with code.
func (g *MockGateway) FaultReadOf(index, code int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.getFaults[index] = code
}

// SetMalformedEntries makes table reads return out-of-range values.
func (g *MockGateway) SetMalformedEntries(malformed bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.malformEntries = malformed
}

// SetActionHook installs a hook called before each action is handled.
func (g *MockGateway) SetActionHook(hook func(action string)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onAction = hook
}

// Calls returns how many times an action reached the mock.
func (g *MockGateway) Calls(action string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[action]
}

// Preload adds a table entry without going through AddPortMapping.
func (g *MockGateway) Preload(externalPort uint16, protocol Protocol, internalIP string, internalPort uint16, description string, leaseSeconds uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.table = append(g.table, mockEntry{
		externalPort: externalPort,
		protocol:     protocol,
		internalPort: internalPort,
		internalIP:   internalIP,
		description:  description,
		lease:        leaseSeconds,
	})
}

// FillDynamicRange occupies every dynamic-range external port for a
// protocol, for exhaustion tests.
func (g *MockGateway) FillDynamicRange(protocol Protocol) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for port := dynamicPortMin; port <= dynamicPortMax; port++ {
		g.table = append(g.table, mockEntry{
			externalPort: uint16(port),
			protocol:     protocol,
			internalPort: uint16(port),
			internalIP:   "192.168.1.50",
			description:  "occupied",
			lease:        3600,
		})
	}
}

// TableSize returns the number of entries in the mapping table.
func (g *MockGateway) TableSize() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.table)
}

// HasMapping reports whether the table holds an entry for the pair.
func (g *MockGateway) HasMapping(externalPort uint16, protocol Protocol) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.findLocked(externalPort, protocol) >= 0
}

// DropIndex removes the table entry at index, simulating another client on
// the network deleting it.
func (g *MockGateway) DropIndex(index int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if index >= 0 && index < len(g.table) {
		g.table = append(g.table[:index], g.table[index+1:]...)
	}
}

func (g *MockGateway) findLocked(externalPort uint16, protocol Protocol) int {
	for i, e := range g.table {
		if e.externalPort == externalPort && e.protocol == protocol {
			return i
		}
	}
	return -1
}

// PerformActionCtx implements the soapCaller interface.
func (g *MockGateway) PerformActionCtx(ctx context.Context, actionNamespace, actionName string, inAction, outAction interface{}) error {
	g.mu.Lock()
	g.calls[actionName]++
	latency := g.latency
	hook := g.onAction
	g.mu.Unlock()

	if hook != nil {
		hook(actionName)
	}

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.failAll {
		return errors.New("mock: connection refused")
	}
	if g.failures > 0 {
		g.failures--
		return errors.New("mock: no reply from gateway")
	}

	switch actionName {
	case "AddPortMapping":
		return g.addPortMapping(inAction.(*addPortMappingRequest))
	case "DeletePortMapping":
		return g.deletePortMapping(inAction.(*deletePortMappingRequest))
	case "GetGenericPortMappingEntry":
		return g.getGenericPortMappingEntry(
			inAction.(*getGenericPortMappingEntryRequest),
			outAction.(*rawMappingEntry))
	case "GetExternalIPAddress":
		outAction.(*getExternalIPAddressReply).NewExternalIPAddress = g.externalIP
		return nil
	default:
		return upnpFault(401, "Invalid Action")
	}
}

func (g *MockGateway) addPortMapping(in *addPortMappingRequest) error {
	if g.rejectCode != 0 {
		return upnpFault(g.rejectCode, g.rejectReason)
	}

	externalPort, err := soap.UnmarshalUi2(in.NewExternalPort)
	if err != nil {
		return upnpFault(402, "Invalid Args")
	}
	internalPort, err := soap.UnmarshalUi2(in.NewInternalPort)
	if err != nil {
		return upnpFault(402, "Invalid Args")
	}
	protocol, err := ParseProtocol(in.NewProtocol)
	if err != nil {
		return upnpFault(402, "Invalid Args")
	}
	lease, err := soap.UnmarshalUi4(in.NewLeaseDuration)
	if err != nil {
		return upnpFault(402, "Invalid Args")
	}

	entry := mockEntry{
		externalPort: externalPort,
		protocol:     protocol,
		internalPort: internalPort,
		internalIP:   in.NewInternalClient,
		description:  in.NewPortMappingDescription,
		lease:        lease,
	}

	if i := g.findLocked(externalPort, protocol); i >= 0 {
		existing := g.table[i]
		if existing.internalIP != entry.internalIP || existing.internalPort != entry.internalPort {
			return upnpFault(upnpErrConflictInMappingEntry, "ConflictInMappingEntry")
		}
		// Same internal endpoint re-registering: refresh in place.
		g.table[i] = entry
		return nil
	}

	g.table = append(g.table, entry)
	return nil
}

func (g *MockGateway) deletePortMapping(in *deletePortMappingRequest) error {
	externalPort, err := soap.UnmarshalUi2(in.NewExternalPort)
	if err != nil {
		return upnpFault(402, "Invalid Args")
	}
	protocol, err := ParseProtocol(in.NewProtocol)
	if err != nil {
		return upnpFault(402, "Invalid Args")
	}

	if code, ok := g.deleteFaults[externalPort]; ok {
		return upnpFault(code, "injected delete fault")
	}

	i := g.findLocked(externalPort, protocol)
	if i < 0 {
		return upnpFault(upnpErrNoSuchEntryInArray, "NoSuchEntryInArray")
	}
	g.table = append(g.table[:i], g.table[i+1:]...)
	return nil
}

func (g *MockGateway) getGenericPortMappingEntry(in *getGenericPortMappingEntryRequest, out *rawMappingEntry) error {
	index, err := soap.UnmarshalUi2(in.NewPortMappingIndex)
	if err != nil {
		return upnpFault(402, "Invalid Args")
	}
	if code, ok := g.getFaults[int(index)]; ok {
		return upnpFault(code, "injected read fault")
	}
	if int(index) >= len(g.table) {
		return upnpFault(upnpErrSpecifiedArrayIndexInvalid, "SpecifiedArrayIndexInvalid")
	}

	if g.malformEntries {
		out.NewExternalPort = "0"
		out.NewInternalPort = "0"
		out.NewProtocol = "ICMP"
		out.NewInternalClient = ""
		out.NewLeaseDuration = "-5"
		return nil
	}

	e := g.table[index]
	out.NewRemoteHost = ""
	out.NewExternalPort, _ = soap.MarshalUi2(e.externalPort)
	out.NewProtocol = string(e.protocol)
	out.NewInternalPort, _ = soap.MarshalUi2(e.internalPort)
	out.NewInternalClient = e.internalIP
	out.NewEnabled, _ = soap.MarshalBoolean(true)
	out.NewPortMappingDescription = e.description
	out.NewLeaseDuration, _ = soap.MarshalUi4(e.lease)
	return nil
}

// upnpFault builds the SOAP fault a real IGD would return.
func upnpFault(code int, description string) *soap.SOAPFaultError {
	fault := &soap.SOAPFaultError{
		FaultCode:   "s:Client",
		FaultString: "UPnPError",
	}
	fault.Detail.UPnPError.Errorcode = code
	fault.Detail.UPnPError.ErrorDescription = description
	return fault
}

var _ soapCaller = (*MockGateway)(nil)
