package manager

import "errors"

var (
	// ErrUnknownDestination is returned when a reassembled payload names a
	// destination account with no registered devices.
	ErrUnknownDestination = errors.New("manager: destination has no registered devices")

	// ErrMalformedFinal marks a Final chunk run that failed to decode into
	// a DeniablePayload. Per spec.md's failure semantics this is logged and
	// the accumulated Data chunks for that run are dropped; the payload is
	// unrecoverable.
	ErrMalformedFinal = errors.New("manager: malformed final payload")
)
