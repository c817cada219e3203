package messaging

import (
	"context"

	"github.com/fieldstack/supervisor/internal/envelope"
)

// Result is what a pending request resolves to: either the worker's
// response envelope, or a failure (Timeout, Cancelled, or the decoded
// kind=error envelope's message).
type Result struct {
	Envelope envelope.Envelope
	Err      error
}

// Future is C2's native completion primitive: send() returns one of these
// instead of a bespoke promise type, per the design notes ("Promises/async"
// maps to the target's native completion-based concurrency primitive").
type Future struct {
	ch chan Result
}

func newFuture() *Future {
	return &Future{ch: make(chan Result, 1)}
}

func (f *Future) resolve(r Result) {
	select {
	case f.ch <- r:
	default:
		// already resolved; a future is single-shot.
	}
}

// Wait blocks until the future resolves or ctx is cancelled. Cancelling ctx
// does not cancel the underlying request -- call Handler.Cancel for that.
func (f *Future) Wait(ctx context.Context) (envelope.Envelope, error) {
	select {
	case r := <-f.ch:
		return r.Envelope, r.Err
	case <-ctx.Done():
		return envelope.Envelope{}, ctx.Err()
	}
}
