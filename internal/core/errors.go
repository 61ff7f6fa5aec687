// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors shared across the stack. Wire-level transient failures
// (bad checksum, out-of-window segment) are deliberately not errors: they
// are counted and dropped.
var (
	// Link layer
	ErrLinkDown      = errors.New("hostnet: link down")
	ErrFrameTooShort = errors.New("hostnet: frame too short")
	ErrFrameTooLarge = errors.New("hostnet: frame exceeds device MTU")

	// IP engine
	ErrNoRoute          = errors.New("hostnet: no route to host")
	ErrPortUnreachable  = errors.New("hostnet: destination port unreachable")
	ErrProtoUnreachable = errors.New("hostnet: destination protocol unreachable")
	ErrPacketTooShort   = errors.New("hostnet: packet too short")
	ErrReassemblyLimit  = errors.New("hostnet: fragment reassembly limit exceeded")

	// TCP engine
	ErrConnExists      = errors.New("hostnet: connection already exists")
	ErrConnTableFull   = errors.New("hostnet: connection table full")
	ErrConnReset       = errors.New("hostnet: connection reset by peer")
	ErrConnClosed      = errors.New("hostnet: connection closed")
	ErrConnTimeout     = errors.New("hostnet: connection timed out")
	ErrListenerExists  = errors.New("hostnet: port already has a listener")
	ErrNoEphemeralPort = errors.New("hostnet: ephemeral port space exhausted")
	ErrSendBufferFull  = errors.New("hostnet: send buffer full")

	// Socket layer
	ErrBadHandle   = errors.New("hostnet: invalid socket handle")
	ErrNotListener = errors.New("hostnet: handle is not a listener")

	// Configuration
	ErrConfigInvalid = errors.New("hostnet: invalid configuration")
)
