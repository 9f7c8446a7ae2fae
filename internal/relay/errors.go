package relay

import "errors"

// Sentinel errors for the drop reasons the Relay Engine distinguishes.
// They are wrapped into the errors Engine logs; classifying with
// errors.Is lets callers (tests, future metrics) tell them apart.
var (
	// ErrUnauthorized is returned when the parsed credential is not present
	// in the current User Directory snapshot.
	ErrUnauthorized = errors.New("relay: unauthorized credential")
	// ErrUnsupportedCommand is returned for any Trojan command other than
	// CONNECT (e.g. UDP ASSOCIATE, parsed but refused downstream).
	ErrUnsupportedCommand = errors.New("relay: unsupported command")
	// ErrUpstream wraps outbound dial failures.
	ErrUpstream = errors.New("relay: upstream dial failed")
	// ErrTLSHandshake wraps a failed server-side TLS handshake.
	ErrTLSHandshake = errors.New("relay: tls handshake failed")
)
