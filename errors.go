package portforward

import (
	"errors"
	"fmt"
)

// Failure taxonomy for gateway operations. All of these are surfaced to the
// caller as typed, wrapped errors; none are swallowed internally.
var (
	// ErrNoGatewayFound means no UPnP-enabled IGD replied to discovery.
	// Fatal to every dependent operation; callers should surface it
	// rather than retry silently.
	ErrNoGatewayFound = errors.New("no UPnP-enabled gateway found")

	// ErrGatewayUnreachable is a transport-level failure (no reply,
	// malformed transport, or timeout) after the bounded retry budget
	// is exhausted.
	ErrGatewayUnreachable = errors.New("gateway unreachable")

	// ErrMappingNotFound means the gateway has no entry for the given
	// (external port, protocol) pair.
	ErrMappingNotFound = errors.New("mapping not found")

	// ErrIndexOutOfRange means the requested mapping table index does not
	// exist. During enumeration this is the expected termination signal.
	ErrIndexOutOfRange = errors.New("mapping index out of range")

	// ErrMalformedReply means the gateway's reply was missing required
	// fields or carried out-of-range values. Fails closed; no value is
	// ever guessed.
	ErrMalformedReply = errors.New("malformed gateway reply")

	// ErrNoPortAvailable means the entire dynamic port range is occupied
	// on the gateway.
	ErrNoPortAvailable = errors.New("no external port available")

	// ErrNoActiveMapping means disable/refresh was called with omitted
	// parameters on a handle that never had a successful enable.
	ErrNoActiveMapping = errors.New("no active mapping on this handle")
)

// MappingRejectedError is an application-level refusal from the gateway,
// carrying the UPnP error code and description when available. Rejections
// are never retried: re-sending identical parameters will not succeed.
type MappingRejectedError struct {
	Code   int
	Reason string
}

func (e *MappingRejectedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("mapping rejected by gateway (code %d)", e.Code)
	}
	return fmt.Sprintf("mapping rejected by gateway: %s (code %d)", e.Reason, e.Code)
}
