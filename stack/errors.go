package stack

import "errors"

var (
	// ErrShutdown is the value broadcast on Events when Shutdown runs;
	// subscribers (UDP/TCP endpoint contexts) use it to distinguish a
	// process-wide termination from an ordinary per-endpoint interrupt.
	ErrShutdown = errors.New("stack: shutting down")

	ErrProtoRegistered      = errors.New("stack: protocol already registered")
	ErrNoInterface          = errors.New("stack: device has no IPv4 interface")
	ErrSourceMismatch       = errors.New("stack: source address is not the outgoing interface's unicast address")
	ErrBroadcastNeedsSource = errors.New("stack: broadcast send requires an explicit source address")
	ErrIncomplete           = errors.New("stack: address resolution incomplete")

	errBadVersion = errors.New("ipv4: not version 4")
	errBadHeader  = errors.New("ipv4: bad declared header/total length")
	errFragmented = errors.New("ipv4: fragmented datagram unsupported")
)
