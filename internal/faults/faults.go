// Package faults collects the structured failure values the façade and its
// components return to callers (spec §7: "send() returns structured
// failures"). They are sentinel errors rather than bespoke per-component
// types so a caller can use errors.Is regardless of which component
// produced the failure.
package faults

import "errors"

var (
	ErrTimeout            = errors.New("timeout")
	ErrCancelled          = errors.New("cancelled")
	ErrWorkerNotRunning   = errors.New("worker not running")
	ErrQueueFull          = errors.New("queue full")
	ErrBackpressureDropped = errors.New("dropped under backpressure")
	ErrCircuitOpen        = errors.New("circuit open")
	ErrMaxAttemptsExceeded = errors.New("max attempts exceeded")
	ErrEncodingError      = errors.New("encoding error")
	ErrPoolStopped        = errors.New("pool stopped")

	// ErrRemoteFailure is the base sentinel for a kind=error envelope
	// returned by a worker; wrap it with RemoteError to carry the
	// worker's own message while keeping errors.Is(err, ErrRemoteFailure)
	// true for callers that only care about the category.
	ErrRemoteFailure = errors.New("worker reported an error")
)

// RemoteError wraps a worker-reported failure message so callers can
// inspect e.Message() while errors.Is(err, ErrRemoteFailure) still holds.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return ErrRemoteFailure.Error()
	}
	return ErrRemoteFailure.Error() + ": " + e.Message
}

func (e *RemoteError) Unwrap() error {
	return ErrRemoteFailure
}
