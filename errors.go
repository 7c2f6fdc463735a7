package brontide

import (
	"errors"
	"fmt"
)

var (
	// ErrConnClosed is returned by operations on a connection that has been
	// ended or destroyed.
	ErrConnClosed = errors.New("connection closed")

	// ErrHandshakeTimeout is the error a connection is destroyed with when
	// Config.HandshakeTimeout elapses before the handshake completes.
	ErrHandshakeTimeout = errors.New("handshake timed out")

	// ErrNotReady is returned when sending before the handshake completed.
	ErrNotReady = errors.New("handshake not complete")

	// ErrMaxMessageLengthExceeded is returned for payloads over MaxMessageSize.
	ErrMaxMessageLengthExceeded = errors.New("message exceeds maximum length")

	// ErrUnknownVersion is the cause of a HandshakeError for a non-zero version byte.
	ErrUnknownVersion = errors.New("unknown handshake version")

	// ErrInvalidPublicKey is the cause of a HandshakeError for a key that is
	// not a valid compressed secp256k1 point.
	ErrInvalidPublicKey = errors.New("invalid public key")

	// ErrAuthFailed is the cause of any AEAD tag mismatch.
	ErrAuthFailed = errors.New("message authentication failed")

	// ErrListenerClosed is returned by Listen on a closed Listener.
	ErrListenerClosed = errors.New("listener closed")
)

// HandshakeError reports a failure validating one of the three handshake acts.
type HandshakeError struct {
	Act int
	Err error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake act %d: %v", e.Act, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// ProtocolError reports bytes that arrived in a state which cannot consume them.
type ProtocolError struct {
	State string
	Msg   string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol violation in state %s: %s", e.State, e.Msg)
}

// DecryptionError reports a steady-state AEAD failure on a record's length
// prefix or body.
type DecryptionError struct {
	Part string
	Err  error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("failed to decrypt record %s: %v", e.Part, e.Err)
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// TransportError wraps a failure of the underlying byte stream.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
