package ssh

import (
	"errors"
	"fmt"
)

// Error taxonomy, RFC 4253 §11. Kinds are distinguished by type, not by
// string matching, so callers can errors.As/errors.Is against them.

// UnexpectedMessageError results when the SSH message that we received
// didn't match what we wanted.
type UnexpectedMessageError struct {
	expected, got uint8
}

func (u UnexpectedMessageError) Error() string {
	return fmt.Sprintf("ssh: unexpected message type %d (expected %d)", u.got, u.expected)
}

// ParseError results from a malformed SSH message.
type ParseError struct {
	msgType uint8
}

func (p ParseError) Error() string {
	return fmt.Sprintf("ssh: parse error in message type %d", p.msgType)
}

// NegotiationError is returned when no algorithm in a given category is
// shared between the two peers' KEXINIT name-lists (RFC 4253 §7.1).
type NegotiationError struct {
	Category string
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("ssh: no common algorithm for %s", e.Category)
}

// DisconnectError reports a peer-sent DISCONNECT, a clean terminal
// condition rather than a bug (RFC 4253 §11).
type DisconnectError struct {
	Reason      uint32
	Description string
}

func (e *DisconnectError) Error() string {
	return fmt.Sprintf("ssh: disconnected by peer, reason %d: %s", e.Reason, e.Description)
}

// ProtocolError reports a structurally valid message that is invalid in
// context: a service accept for the wrong service, a reply for a channel
// we don't own, and similar "the peer said something legal but nonsensical
// here" conditions (RFC 4253 §11 "Protocol").
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "ssh: protocol error: " + e.Reason
}

// IntegrityError reports a MAC mismatch or otherwise corrupt cipher state.
type IntegrityError struct {
	Reason string
}

func (e *IntegrityError) Error() string {
	return "ssh: integrity error: " + e.Reason
}

// KeyError reports a bad signature, unknown host-key algorithm, or
// malformed key blob.
type KeyError struct {
	Reason string
}

func (e *KeyError) Error() string {
	return "ssh: key error: " + e.Reason
}

// KexError reports a bad shared secret or malformed ECDH point.
type KexError struct {
	Reason string
}

func (e *KexError) Error() string {
	return "ssh: kex error: " + e.Reason
}

// ResourceError reports exhaustion of a bounded resource: too many
// channels, a channel already closed, or a closed session.
type ResourceError struct {
	Reason string
}

func (e *ResourceError) Error() string {
	return "ssh: resource error: " + e.Reason
}

var (
	// ErrSessionClosed is returned by any Session operation performed
	// after the session has transitioned to Disconnected.
	ErrSessionClosed = errors.New("ssh: session closed")

	// ErrChannelClosed is returned by Channel operations after CLOSE has
	// been sent or received.
	ErrChannelClosed = errors.New("ssh: channel closed")

	// ErrTooManyChannels is returned when opening a channel would exceed
	// the configured channel table capacity.
	ErrTooManyChannels = errors.New("ssh: too many open channels")

	// ErrNoMoreAuthMethods is returned by the client auth loop once every
	// configured method has been attempted and rejected (RFC 4252,
	// §7).
	ErrNoMoreAuthMethods = errors.New("ssh: no more authentication methods to try")

	// ErrServiceNotAvailable is returned when a SERVICE_REQUEST names a
	// service this side has no handler for.
	ErrServiceNotAvailable = errors.New("ssh: requested service not available")
)
