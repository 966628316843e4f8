package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrServerClosed is returned for connection attempts after Close.
	ErrServerClosed = errors.New("realtime: server closed")

	// ErrNamespaceDestroyed is returned when registering against a namespace
	// that has begun teardown.
	ErrNamespaceDestroyed = errors.New("realtime: namespace destroyed")

	// ErrInvalidNamespacePath is returned when a connection path cannot be
	// resolved to a namespace.
	ErrInvalidNamespacePath = errors.New("realtime: invalid namespace path")

	// ErrSendBufferFull is returned when a connection's outbound buffer is
	// saturated. The recipient is treated as a slow consumer.
	ErrSendBufferFull = errors.New("realtime: send buffer full")

	// ErrConnectionClosed is returned when sending on a stopped connection.
	ErrConnectionClosed = errors.New("realtime: connection closed")
)

// InvalidEnvelopeError reports a programmer error at envelope construction:
// a mandatory field was left empty.
type InvalidEnvelopeError struct {
	Field string
}

func (e *InvalidEnvelopeError) Error() string {
	return fmt.Sprintf("realtime: invalid envelope: missing %s", e.Field)
}

// AdmissionError reports that the handshake middleware chain rejected a
// connection, either by halting or by returning an error.
type AdmissionError struct {
	Reason string
	Cause  error
}

func (e *AdmissionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("realtime: admission rejected: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("realtime: admission rejected: %s", e.Reason)
}

func (e *AdmissionError) Unwrap() error {
	return e.Cause
}
