package source

import "errors"

// Sentinel errors returned to callers, per spec.md §7. Never propagated as
// panics; every recoverable protocol condition maps to one of these.
var (
	// ErrInvalidArgument covers a null/zero configuration value, a bad
	// NAK address, or a malformed option encoding.
	ErrInvalidArgument = errors.New("source: invalid argument")

	// ErrMessageSize is returned when a payload exceeds max_tsdu or an
	// APDU exceeds the transmit window's capacity.
	ErrMessageSize = errors.New("source: message too large")

	// ErrConnectionReset is returned when Send is called on a closed
	// transport.
	ErrConnectionReset = errors.New("source: connection reset")

	// ErrWouldBlock is returned when the socket would block and the
	// caller requested non-blocking semantics (DONTWAIT); the resume
	// state is preserved so a subsequent identical call resumes.
	ErrWouldBlock = errors.New("source: would block")

	// ErrSocketWouldBlock is the error a Sender implementation returns
	// from SendTo to signal EAGAIN; the engine translates this into
	// ErrWouldBlock only when the caller set FlagDontWait.
	ErrSocketWouldBlock = errors.New("source: socket send would block")
)
