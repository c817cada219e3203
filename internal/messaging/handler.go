// Package messaging implements the message handler (C2): request/response
// correlation, deadline-based timeout with bounded retries, and
// cancellation, as specified in spec §4.2. It is grounded on the teacher's
// internal/notifications/protected_notifier.go state-machine discipline
// (a single mutex guarding a small map of in-flight state) and its
// internal/queue/worker/backoff.go exponential-backoff shape, reparented
// to the exact `min(1000*2^n, 10000)ms` schedule spec §4.2 fixes.
package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/fieldstack/supervisor/internal/bus"
	"github.com/fieldstack/supervisor/internal/envelope"
	"github.com/fieldstack/supervisor/internal/faults"
)

// Sender is the narrow interface messaging needs from its owning channel
// (C4's thread manager): "transmit this envelope to the worker". Nothing
// about the worker's lifecycle leaks through it.
type Sender interface {
	Send(e envelope.Envelope) error
}

// UnsolicitedEvent is published when an incoming envelope does not
// correlate to any pending request (spec §4.2's "emits the envelope as an
// unsolicited event").
type UnsolicitedEvent struct {
	Envelope envelope.Envelope
}

// LateResponseEvent describes a response that arrives for an id that was
// already cancelled or had timed out. Handler does not publish it: it keeps
// no record of finished ids, so OnIncoming reports such a response as an
// UnsolicitedEvent.
type LateResponseEvent struct {
	Envelope envelope.Envelope
}

type pendingRequest struct {
	envelope envelope.Envelope
	future   *Future
	timer    *time.Timer
	sentAt   time.Time
}

// Recorder is the narrow surface the observability package's Prometheus
// collectors implement; a Handler with no Recorder attached behaves
// exactly as before (internal Stats accounting only).
type Recorder interface {
	RecordSent(priority envelope.Priority, kind envelope.Kind)
	RecordDuration(priority envelope.Priority, d time.Duration)
}

// Handler is C2. One Handler serves exactly one worker's channel.
type Handler struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest

	sender   Sender
	gen      *envelope.IDGenerator
	bus      *bus.Bus
	stats    *Stats
	recorder Recorder

	defaultTimeout time.Duration
	defaultRetries int
}

// SetRecorder attaches an optional Prometheus recorder. Safe to call
// before or after Attach.
func (h *Handler) SetRecorder(r Recorder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recorder = r
}

// New builds a Handler. defaultTimeout/defaultRetries fill envelopes that
// don't specify their own (spec §4.2: "fills defaults").
func New(gen *envelope.IDGenerator, b *bus.Bus, defaultTimeout time.Duration, defaultRetries int) *Handler {
	return &Handler{
		pending:        make(map[string]*pendingRequest),
		gen:            gen,
		bus:            b,
		stats:          newStats(),
		defaultTimeout: defaultTimeout,
		defaultRetries: defaultRetries,
	}
}

// Attach binds the channel this Handler transmits through. A Handler may
// be re-attached across a worker restart; Clear should be called first so
// stale pending requests don't leak across the boundary.
func (h *Handler) Attach(s Sender) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sender = s
}

func (h *Handler) applyDefaults(e *envelope.Envelope) {
	if e.Priority == "" {
		e.Priority = envelope.PriorityNormal
	}
	if e.TimeoutMS <= 0 {
		e.TimeoutMS = int(h.defaultTimeout.Milliseconds())
	}
	if e.MaxRetries <= 0 {
		e.MaxRetries = h.defaultRetries
	}
}

// Send assigns an id, registers a PendingRequest with a deadline, and
// transmits the envelope. The returned Future resolves with the worker's
// response, a Timeout once retries are exhausted, or Cancelled if the
// request is cancelled first.
func (h *Handler) Send(e envelope.Envelope) (*Future, error) {
	e.ID = h.gen.Next()
	h.applyDefaults(&e)
	h.stats.recordSend(e.Priority)
	if h.recorder != nil {
		h.recorder.RecordSent(e.Priority, e.Kind)
	}
	return h.sendWithID(e)
}

func (h *Handler) sendWithID(e envelope.Envelope) (*Future, error) {
	h.mu.Lock()
	sender := h.sender
	if sender == nil {
		h.mu.Unlock()
		return nil, faults.ErrWorkerNotRunning
	}

	future := newFuture()
	now := time.Now()
	deadline := time.Duration(e.TimeoutMS) * time.Millisecond
	pr := &pendingRequest{envelope: e, future: future, sentAt: now}
	pr.timer = time.AfterFunc(deadline, func() { h.onDeadline(e.ID) })
	h.pending[e.ID] = pr
	h.mu.Unlock()

	e.SentAt = now.UTC()
	if err := sender.Send(e); err != nil {
		h.mu.Lock()
		delete(h.pending, e.ID)
		h.mu.Unlock()
		pr.timer.Stop()
		return nil, err
	}
	return future, nil
}

// OnIncoming decodes a raw envelope received from the worker and routes
// it: a matching PendingRequest is resolved (kind=error becomes a
// failure), and anything else is published as UnsolicitedEvent (spec
// §4.2). A late arrival for an id already cancelled or timed out is not
// told apart from a genuinely unsolicited envelope; it is published as an
// UnsolicitedEvent too.
func (h *Handler) OnIncoming(data []byte) error {
	e, err := envelope.Decode(data)
	if err != nil {
		return err
	}

	h.mu.Lock()
	pr, ok := h.pending[e.ID]
	if ok {
		delete(h.pending, e.ID)
	}
	h.mu.Unlock()

	if !ok {
		if h.bus != nil {
			h.bus.Publish(bus.Event{Kind: "unsolicited", Data: UnsolicitedEvent{Envelope: e}})
		}
		return nil
	}

	pr.timer.Stop()
	rtt := time.Since(pr.sentAt)
	h.stats.recordResponseTime(rtt)
	if h.recorder != nil {
		h.recorder.RecordDuration(pr.envelope.Priority, rtt)
	}

	if e.Kind == envelope.KindError {
		var payload struct {
			Message string `json:"message"`
		}
		_ = e.DecodePayload(&payload)
		pr.future.resolve(Result{Envelope: e, Err: &faults.RemoteError{Message: payload.Message}})
		return nil
	}

	pr.future.resolve(Result{Envelope: e})
	return nil
}

// SendFireAndForget transmits without registering a PendingRequest: no
// future, no retry, no timeout accounting.
func (h *Handler) SendFireAndForget(e envelope.Envelope) error {
	e.ID = h.gen.Next()
	h.applyDefaults(&e)

	h.mu.Lock()
	sender := h.sender
	h.mu.Unlock()
	if sender == nil {
		return faults.ErrWorkerNotRunning
	}
	e.SentAt = time.Now().UTC()
	return sender.Send(e)
}

// onDeadline fires when a PendingRequest's timer elapses with no response.
// It either schedules a retry (fresh id, same correlation id, after the
// backoff schedule) or fails the future with Timeout.
func (h *Handler) onDeadline(id string) {
	h.mu.Lock()
	pr, ok := h.pending[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.pending, id)
	h.mu.Unlock()

	req := pr.envelope
	if req.RetryCount < req.MaxRetries {
		h.stats.recordRetry()
		req.RetryCount++
		delay := retryBackoff(req.RetryCount)
		go func() {
			time.Sleep(delay)
			req.ID = h.gen.Next()
			retryFuture, err := h.sendWithID(req)
			if err != nil {
				pr.future.resolve(Result{Err: err})
				return
			}
			// Splice the retry's eventual result back into the caller's
			// original future so Send's caller need not know a retry
			// happened.
			go func() {
				e, err := retryFuture.Wait(context.Background())
				pr.future.resolve(Result{Envelope: e, Err: err})
			}()
		}()
		return
	}

	h.stats.recordTimeout()
	pr.future.resolve(Result{Err: faults.ErrTimeout})
}

// retryBackoff implements spec §4.2's fixed schedule:
// min(1000*2^n, 10000) ms, where n is the number of retries already made
// before this one (attempt-1 for the 1-based attempt), so the first retry
// waits 1000 ms.
func retryBackoff(attempt int) time.Duration {
	ms := 1000 << uint(attempt-1)
	if ms > 10000 || ms <= 0 {
		ms = 10000
	}
	return time.Duration(ms) * time.Millisecond
}

// Cancel removes a PendingRequest and fails its future with Cancelled.
func (h *Handler) Cancel(id string, reason string) {
	h.mu.Lock()
	pr, ok := h.pending[id]
	if ok {
		delete(h.pending, id)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	pr.timer.Stop()
	pr.future.resolve(Result{Err: faults.ErrCancelled})
}

// CancelByCorrelation cancels every PendingRequest sharing correlationID,
// which is how a caller cancels an entire retry group (spec §5).
func (h *Handler) CancelByCorrelation(correlationID string, reason string) {
	h.mu.Lock()
	var toCancel []*pendingRequest
	for id, pr := range h.pending {
		if pr.envelope.CorrelationID == correlationID {
			delete(h.pending, id)
			toCancel = append(toCancel, pr)
		}
	}
	h.mu.Unlock()

	for _, pr := range toCancel {
		pr.timer.Stop()
		pr.future.resolve(Result{Err: faults.ErrCancelled})
	}
}

// Clear fails every PendingRequest, used on worker stop/exit.
func (h *Handler) Clear(reason string) {
	h.mu.Lock()
	all := h.pending
	h.pending = make(map[string]*pendingRequest)
	h.mu.Unlock()

	for _, pr := range all {
		pr.timer.Stop()
		pr.future.resolve(Result{Err: faults.ErrCancelled})
	}
}

// PendingCount reports how many requests are outstanding, the universal
// invariant checked in spec §8 ("pending_count(C2) = outstanding futures
// not yet resolved").
func (h *Handler) PendingCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// Stats returns a snapshot of the handler's statistics record.
func (h *Handler) Stats() Snapshot {
	return h.stats.Snapshot()
}
