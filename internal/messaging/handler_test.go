package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fieldstack/supervisor/internal/bus"
	"github.com/fieldstack/supervisor/internal/envelope"
	"github.com/fieldstack/supervisor/internal/faults"
)

// fakeSender records every envelope it receives and optionally echoes a
// reply back through the Handler's OnIncoming, simulating a cooperative
// worker subprocess without any OS process involved.
type fakeSender struct {
	mu    sync.Mutex
	sent  []envelope.Envelope
	onSend func(e envelope.Envelope)
	fail  error
}

func (f *fakeSender) Send(e envelope.Envelope) error {
	f.mu.Lock()
	f.sent = append(f.sent, e)
	cb := f.onSend
	f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	if cb != nil {
		cb(e)
	}
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSender) last() envelope.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func newTestHandler(timeout time.Duration, retries int) (*Handler, *fakeSender) {
	h := New(envelope.NewIDGenerator(), bus.New(), timeout, retries)
	s := &fakeSender{}
	h.Attach(s)
	return h, s
}

func TestSendResolvesOnMatchingReply(t *testing.T) {
	h, s := newTestHandler(time.Second, 0)
	s.onSend = func(e envelope.Envelope) {
		go func() {
			reply, _ := envelope.Reply(e, envelope.KindSuccess, map[string]string{"ok": "yes"})
			data, _ := envelope.Encode(reply)
			_ = h.OnIncoming(data)
		}()
	}

	future, err := h.Send(envelope.Envelope{Kind: envelope.KindPing})
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	resp, err := future.Wait(context.Background())
	if err != nil {
		t.Fatalf("future failed: %v", err)
	}
	if resp.Kind != envelope.KindSuccess {
		t.Fatalf("resp.Kind = %s, want success", resp.Kind)
	}
}

func TestSendTimesOutAfterExhaustingRetries(t *testing.T) {
	h, s := newTestHandler(20*time.Millisecond, 1)
	future, err := h.Send(envelope.Envelope{Kind: envelope.KindPing})
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}

	_, err = future.Wait(context.Background())
	if !errors.Is(err, faults.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if s.count() < 2 {
		t.Fatalf("expected at least one retry transmission, got %d sends", s.count())
	}
}

func TestSendFailsWhenNoSenderAttached(t *testing.T) {
	h := New(envelope.NewIDGenerator(), bus.New(), time.Second, 0)
	_, err := h.Send(envelope.Envelope{Kind: envelope.KindPing})
	if !errors.Is(err, faults.ErrWorkerNotRunning) {
		t.Fatalf("err = %v, want ErrWorkerNotRunning", err)
	}
}

func TestCancelFailsFutureImmediately(t *testing.T) {
	h, _ := newTestHandler(time.Minute, 0)
	future, err := h.Send(envelope.Envelope{Kind: envelope.KindPing})
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if h.PendingCount() != 1 {
		t.Fatalf("PendingCount = %d, want 1", h.PendingCount())
	}

	// Find the id the handler assigned.
	id := sentID(t, h)
	h.Cancel(id, "test")

	_, err = future.Wait(context.Background())
	if !errors.Is(err, faults.ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if h.PendingCount() != 0 {
		t.Fatalf("PendingCount after cancel = %d, want 0", h.PendingCount())
	}
}

func TestCancelByCorrelationCancelsWholeGroup(t *testing.T) {
	h, _ := newTestHandler(time.Minute, 0)
	f1, _ := h.Send(envelope.Envelope{Kind: envelope.KindPing, CorrelationID: "group-1"})
	f2, _ := h.Send(envelope.Envelope{Kind: envelope.KindPing, CorrelationID: "group-1"})
	f3, _ := h.Send(envelope.Envelope{Kind: envelope.KindPing, CorrelationID: "other"})

	h.CancelByCorrelation("group-1", "test")

	if _, err := f1.Wait(context.Background()); !errors.Is(err, faults.ErrCancelled) {
		t.Fatalf("f1 err = %v, want ErrCancelled", err)
	}
	if _, err := f2.Wait(context.Background()); !errors.Is(err, faults.ErrCancelled) {
		t.Fatalf("f2 err = %v, want ErrCancelled", err)
	}
	if h.PendingCount() != 1 {
		t.Fatalf("PendingCount = %d, want 1 (only 'other' remains)", h.PendingCount())
	}
	_ = f3
}

func TestClearFailsAllPending(t *testing.T) {
	h, _ := newTestHandler(time.Minute, 0)
	f1, _ := h.Send(envelope.Envelope{Kind: envelope.KindPing})
	f2, _ := h.Send(envelope.Envelope{Kind: envelope.KindStatus})

	h.Clear("worker exited")

	if _, err := f1.Wait(context.Background()); !errors.Is(err, faults.ErrCancelled) {
		t.Fatalf("f1 err = %v, want ErrCancelled", err)
	}
	if _, err := f2.Wait(context.Background()); !errors.Is(err, faults.ErrCancelled) {
		t.Fatalf("f2 err = %v, want ErrCancelled", err)
	}
}

func TestOnIncomingUnmatchedPublishesUnsolicited(t *testing.T) {
	b := bus.New()
	h := New(envelope.NewIDGenerator(), b, time.Second, 0)
	s := &fakeSender{}
	h.Attach(s)

	var got []UnsolicitedEvent
	b.Subscribe("unsolicited", func(e bus.Event) { got = append(got, e.Data.(UnsolicitedEvent)) })

	unsolicited, err := envelope.Unsolicited(envelope.NewIDGenerator(), envelope.KindStatus, map[string]string{"state": "running"})
	if err != nil {
		t.Fatalf("Unsolicited: %v", err)
	}
	data, _ := envelope.Encode(unsolicited)
	if err := h.OnIncoming(data); err != nil {
		t.Fatalf("OnIncoming: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d unsolicited events, want 1", len(got))
	}
}

func TestOnIncomingErrorKindResolvesAsRemoteError(t *testing.T) {
	h, s := newTestHandler(time.Second, 0)
	s.onSend = func(e envelope.Envelope) {
		go func() {
			reply, _ := envelope.Reply(e, envelope.KindError, map[string]string{"message": "boom"})
			data, _ := envelope.Encode(reply)
			_ = h.OnIncoming(data)
		}()
	}

	future, _ := h.Send(envelope.Envelope{Kind: envelope.KindPing})
	_, err := future.Wait(context.Background())
	if !errors.Is(err, faults.ErrRemoteFailure) {
		t.Fatalf("err = %v, want ErrRemoteFailure", err)
	}
	if err.Error() != "worker reported an error: boom" {
		t.Fatalf("err.Error() = %q", err.Error())
	}
}

func TestSendFireAndForgetRegistersNoPending(t *testing.T) {
	h, s := newTestHandler(time.Second, 0)
	if err := h.SendFireAndForget(envelope.Envelope{Kind: envelope.KindCleanup}); err != nil {
		t.Fatalf("SendFireAndForget: %v", err)
	}
	if h.PendingCount() != 0 {
		t.Fatalf("PendingCount = %d, want 0", h.PendingCount())
	}
	if s.count() != 1 {
		t.Fatalf("sender received %d envelopes, want 1", s.count())
	}
}

func TestRetryBackoffSchedule(t *testing.T) {
	cases := []struct {
		attempt int
		wantMS  int
	}{
		{1, 1000},
		{2, 2000},
		{3, 4000},
		{4, 8000},
		{5, 10000},
		{10, 10000},
	}
	for _, c := range cases {
		got := retryBackoff(c.attempt)
		if got != time.Duration(c.wantMS)*time.Millisecond {
			t.Fatalf("retryBackoff(%d) = %v, want %dms", c.attempt, got, c.wantMS)
		}
	}
}

// sentID extracts the id most recently assigned by Send from the
// handler's pending table, for tests that need to address a specific
// request without threading the generated id back through Send's API.
func sentID(t *testing.T, h *Handler) string {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	for id := range h.pending {
		return id
	}
	t.Fatalf("no pending request found")
	return ""
}
