package health

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fieldstack/supervisor/internal/bus"
	"github.com/fieldstack/supervisor/internal/config"
	"github.com/fieldstack/supervisor/internal/envelope"
	"github.com/fieldstack/supervisor/internal/messaging"
)

type scriptedSender struct {
	mu    sync.Mutex
	reply func(envelope.Envelope) (envelope.Envelope, error)
}

func (s *scriptedSender) Send(e envelope.Envelope) (*messaging.Future, error) {
	s.mu.Lock()
	reply := s.reply
	s.mu.Unlock()

	h := messaging.New(envelope.NewIDGenerator(), bus.New(), time.Second, 0)
	sink := &forwardingSink{}
	h.Attach(sink)
	future, err := h.Send(e)
	if err != nil {
		return nil, err
	}
	go func() {
		resp, replyErr := reply(sink.lastSent())
		if replyErr != nil {
			return
		}
		data, _ := envelope.Encode(resp)
		_ = h.OnIncoming(data)
	}()
	return future, nil
}

// forwardingSink lets scriptedSender reuse a real messaging.Handler (for
// its retry/timeout machinery) while still being able to inspect exactly
// what was transmitted.
type forwardingSink struct {
	mu   sync.Mutex
	last envelope.Envelope
}

func (f *forwardingSink) Send(e envelope.Envelope) error {
	f.mu.Lock()
	f.last = e
	f.mu.Unlock()
	return nil
}

func (f *forwardingSink) lastSent() envelope.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

type alwaysRunning struct{}

func (alwaysRunning) IsRunning() bool { return true }

func testHealthConfig() config.HealthMonitor {
	return config.HealthMonitor{
		IntervalMS:      20,
		TimeoutMS:       20,
		MaxMissedChecks: 2,
	}
}

func TestPongResetsConsecutiveMissed(t *testing.T) {
	sender := &scriptedSender{reply: func(req envelope.Envelope) (envelope.Envelope, error) {
		return envelope.Reply(req, envelope.KindPong, nil)
	}}
	m := New("w1", testHealthConfig(), sender, alwaysRunning{}, bus.New())
	m.CheckNow()

	snap := m.Snapshot()
	if !snap.IsHealthy {
		t.Fatalf("expected healthy after pong")
	}
	if snap.ConsecutiveMissed != 0 {
		t.Fatalf("ConsecutiveMissed = %d, want 0", snap.ConsecutiveMissed)
	}
}

func TestMissedChecksEscalateToUnhealthyOnce(t *testing.T) {
	sender := &scriptedSender{reply: func(req envelope.Envelope) (envelope.Envelope, error) {
		time.Sleep(100 * time.Millisecond) // always later than the 20ms timeout
		return envelope.Reply(req, envelope.KindPong, nil)
	}}
	b := bus.New()
	var unhealthyCount int32
	b.Subscribe(EventUnhealthy, func(e bus.Event) { atomic.AddInt32(&unhealthyCount, 1) })

	m := New("w1", testHealthConfig(), sender, alwaysRunning{}, b)
	m.CheckNow()
	m.CheckNow()
	m.CheckNow()

	if got := atomic.LoadInt32(&unhealthyCount); got != 1 {
		t.Fatalf("worker_unhealthy published %d times, want exactly 1", got)
	}
	if m.Snapshot().IsHealthy {
		t.Fatalf("expected unhealthy after exceeding MaxMissedChecks")
	}
}

func TestOnWorkerStartedResetsCounters(t *testing.T) {
	sender := &scriptedSender{reply: func(req envelope.Envelope) (envelope.Envelope, error) {
		time.Sleep(100 * time.Millisecond)
		return envelope.Reply(req, envelope.KindPong, nil)
	}}
	m := New("w1", testHealthConfig(), sender, alwaysRunning{}, bus.New())
	m.CheckNow()
	m.CheckNow()
	if m.Snapshot().ConsecutiveMissed == 0 {
		t.Fatalf("expected some missed checks before reset")
	}

	m.OnWorkerStarted()
	if m.Snapshot().ConsecutiveMissed != 0 {
		t.Fatalf("expected OnWorkerStarted to reset ConsecutiveMissed immediately")
	}
}
