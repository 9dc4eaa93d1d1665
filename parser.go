package portforward

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/huin/goupnp/soap"
)

// UPnP error codes from the WANIPConnection service definition.
const (
	upnpErrSpecifiedArrayIndexInvalid = 713
	upnpErrNoSuchEntryInArray         = 714
	upnpErrConflictInMappingEntry     = 718
)

// rawMappingEntry is a GetGenericPortMappingEntry reply before validation.
// Fields are strings straight off the wire; parseMappingEntry is the only
// way they become a Response.
type rawMappingEntry struct {
	NewRemoteHost             string
	NewExternalPort           string
	NewProtocol               string
	NewInternalPort           string
	NewInternalClient         string
	NewEnabled                string
	NewPortMappingDescription string
	NewLeaseDuration          string
}

// getExternalIPAddressReply is a GetExternalIPAddress reply.
type getExternalIPAddressReply struct {
	NewExternalIPAddress string
}

// parseMappingEntry validates a raw gateway reply and converts it into a
// Response. A reply missing required fields or carrying out-of-range values
// is a protocol violation and fails closed with ErrMalformedReply; no value
// is ever substituted.
func parseMappingEntry(raw *rawMappingEntry, externalIP string) (*Response, error) {
	externalPort, err := parsePort(raw.NewExternalPort, "NewExternalPort")
	if err != nil {
		return nil, err
	}
	internalPort, err := parsePort(raw.NewInternalPort, "NewInternalPort")
	if err != nil {
		return nil, err
	}

	protocol, err := ParseProtocol(raw.NewProtocol)
	if err != nil {
		return nil, fmt.Errorf("%w: NewProtocol: %v", ErrMalformedReply, err)
	}

	if raw.NewInternalClient == "" {
		return nil, fmt.Errorf("%w: missing NewInternalClient", ErrMalformedReply)
	}
	if net.ParseIP(raw.NewInternalClient) == nil {
		return nil, fmt.Errorf("%w: NewInternalClient %q is not an IP address", ErrMalformedReply, raw.NewInternalClient)
	}

	lease, err := soap.UnmarshalUi4(raw.NewLeaseDuration)
	if err != nil {
		return nil, fmt.Errorf("%w: NewLeaseDuration %q: %v", ErrMalformedReply, raw.NewLeaseDuration, err)
	}

	return &Response{
		ExternalIP:   externalIP,
		ExternalPort: externalPort,
		InternalIP:   raw.NewInternalClient,
		InternalPort: internalPort,
		Protocol:     protocol,
		Description:  raw.NewPortMappingDescription,
		Duration:     time.Duration(lease) * time.Second,
	}, nil
}

// parseExternalIP validates a GetExternalIPAddress reply.
func parseExternalIP(raw *getExternalIPAddressReply) (string, error) {
	if net.ParseIP(raw.NewExternalIPAddress) == nil {
		return "", fmt.Errorf("%w: NewExternalIPAddress %q is not an IP address", ErrMalformedReply, raw.NewExternalIPAddress)
	}
	return raw.NewExternalIPAddress, nil
}

// parsePort validates a wire-format ui2 port value. Port 0 is never a valid
// mapping endpoint.
func parsePort(s, field string) (uint16, error) {
	port, err := soap.UnmarshalUi2(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q: %v", ErrMalformedReply, field, s, err)
	}
	if port == 0 {
		return 0, fmt.Errorf("%w: %s is 0 (must be 1-65535)", ErrMalformedReply, field)
	}
	return port, nil
}

// classifyFault maps a SOAP fault to the error taxonomy. 713 ends
// enumeration, 714 marks a missing table entry, everything else is an
// application-level rejection carrying the gateway's reason.
func classifyFault(fault *soap.SOAPFaultError) error {
	code := fault.Detail.UPnPError.Errorcode
	reason := fault.Detail.UPnPError.ErrorDescription

	switch code {
	case upnpErrSpecifiedArrayIndexInvalid:
		return fmt.Errorf("%w: %s", ErrIndexOutOfRange, reason)
	case upnpErrNoSuchEntryInArray:
		return fmt.Errorf("%w: %s", ErrMappingNotFound, reason)
	default:
		return &MappingRejectedError{Code: code, Reason: reason}
	}
}

// isProtocolError reports whether err is an application-level reply from the
// gateway rather than a transport failure.
func isProtocolError(err error) bool {
	var rejected *MappingRejectedError
	return errors.Is(err, ErrMappingNotFound) ||
		errors.Is(err, ErrIndexOutOfRange) ||
		errors.Is(err, ErrMalformedReply) ||
		errors.As(err, &rejected)
}
