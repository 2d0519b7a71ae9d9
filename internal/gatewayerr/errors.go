// Package gatewayerr defines the typed error kinds the backend pool
// scheduler surfaces to its callers.
package gatewayerr

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Callers match with errors.Is.
var (
	// ErrNoBackendAvailable means the registry is empty; the selector
	// has nothing to return at all, not even a fallback.
	ErrNoBackendAvailable = errors.New("no backend available")

	// ErrPreloadAllFailed means every registered backend failed to
	// preload the current workflow.
	ErrPreloadAllFailed = errors.New("preload failed on all backends")
)

// ProtocolError wraps a BackendProtocolError: the backend responded but
// not in the shape the driver understands (missing job id, malformed
// queue payload, unexpected websocket frame).
type ProtocolError struct {
	Backend string
	Detail  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("backend %s: protocol error: %s", e.Backend, e.Detail)
}

// NewProtocolError builds a ProtocolError.
func NewProtocolError(backend, detail string) error {
	return &ProtocolError{Backend: backend, Detail: detail}
}

// TimeoutError wraps an ExecutionTimeout: the watch deadline elapsed
// before a completion signal arrived. The backend may still finish the
// job; the gateway does not attempt to cancel it.
type TimeoutError struct {
	Backend string
	JobID   string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("backend %s: job %s: execution timed out", e.Backend, e.JobID)
}

// NewTimeoutError builds a TimeoutError.
func NewTimeoutError(backend, jobID string) error {
	return &TimeoutError{Backend: backend, JobID: jobID}
}

// TransportError wraps a network-level failure against a specific
// backend (connection refused, DNS failure, non-timeout I/O error).
type TransportError struct {
	Backend string
	Op      string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("backend %s: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NewTransportError builds a TransportError.
func NewTransportError(backend, op string, err error) error {
	return &TransportError{Backend: backend, Op: op, Err: err}
}
