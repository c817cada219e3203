package resource

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fieldstack/supervisor/internal/bus"
	"github.com/fieldstack/supervisor/internal/envelope"
	"github.com/fieldstack/supervisor/internal/memsample"
	"github.com/fieldstack/supervisor/internal/messaging"
)

// scriptedSender feeds a caller-supplied sequence of RSS values on
// successive Send calls, one per call, looping on the last value once
// exhausted.
type scriptedSender struct {
	mu     sync.Mutex
	rss    []uint64
	idx    int
	gcSeen int32
}

func (s *scriptedSender) Send(e envelope.Envelope) (*messaging.Future, error) {
	if e.Kind == envelope.KindGC {
		atomic.AddInt32(&s.gcSeen, 1)
	}

	s.mu.Lock()
	i := s.idx
	if i >= len(s.rss) {
		i = len(s.rss) - 1
	}
	val := s.rss[i]
	if s.idx < len(s.rss)-1 {
		s.idx++
	}
	s.mu.Unlock()

	h := messaging.New(envelope.NewIDGenerator(), bus.New(), time.Second, 0)
	sink := &captureSink{}
	h.Attach(sink)
	future, err := h.Send(e)
	if err != nil {
		return nil, err
	}
	go func() {
		sent := sink.last()
		reply, _ := envelope.Reply(sent, replyKindFor(e.Kind), memsample.Sample{RSS: val, SampledAt: time.Now()})
		data, _ := envelope.Encode(reply)
		_ = h.OnIncoming(data)
	}()
	return future, nil
}

func replyKindFor(k envelope.Kind) envelope.Kind {
	if k == envelope.KindGC {
		return envelope.KindSuccess
	}
	return envelope.KindStatus
}

type captureSink struct {
	mu   sync.Mutex
	sent envelope.Envelope
}

func (c *captureSink) Send(e envelope.Envelope) error {
	c.mu.Lock()
	c.sent = e
	c.mu.Unlock()
	return nil
}

func (c *captureSink) last() envelope.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent
}

func TestSampleUpdatesHistoryAndPeak(t *testing.T) {
	sender := &scriptedSender{rss: []uint64{10 * 1024 * 1024, 20 * 1024 * 1024, 5 * 1024 * 1024}}
	m := New("w1", Config{HistorySize: 10}, sender, bus.New())

	m.sample()
	m.sample()
	m.sample()

	if len(m.History()) != 3 {
		t.Fatalf("history len = %d, want 3", len(m.History()))
	}
	if m.Peak().RSS != 20*1024*1024 {
		t.Fatalf("peak RSS = %d, want 20MiB", m.Peak().RSS)
	}
}

func TestCriticalAlertPublishedOverHardLimit(t *testing.T) {
	sender := &scriptedSender{rss: []uint64{200 * 1024 * 1024}}
	b := bus.New()
	var alerts []Alert
	b.Subscribe(EventCritical, func(e bus.Event) { alerts = append(alerts, e.Data.(Alert)) })

	m := New("w1", Config{HistorySize: 10, Limits: Limits{MaxRSS: 128 * 1024 * 1024}}, sender, b)
	m.sample()

	if len(alerts) != 1 {
		t.Fatalf("got %d critical alerts, want 1", len(alerts))
	}
}

func TestAutoRestartFiresAfterGracePeriod(t *testing.T) {
	sender := &scriptedSender{rss: []uint64{200 * 1024 * 1024}}
	b := bus.New()
	var fired int32
	b.Subscribe(EventAutoRestartTriggered, func(e bus.Event) { atomic.AddInt32(&fired, 1) })

	m := New("w1", Config{
		HistorySize:       10,
		Limits:            Limits{MaxRSS: 128 * 1024 * 1024},
		EnableAutoRestart: true,
		RestartGraceMS:    50,
	}, sender, b)

	m.sample()
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatalf("auto_restart_triggered fired before grace period elapsed")
	}
	time.Sleep(60 * time.Millisecond)
	m.sample()
	if atomic.LoadInt32(&fired) != 1 {
		t.Fatalf("auto_restart_triggered did not fire exactly once after grace period")
	}
}

func TestTrendClassification(t *testing.T) {
	sender := &scriptedSender{rss: []uint64{
		10 * 1024 * 1024, 10 * 1024 * 1024, 20 * 1024 * 1024, 20 * 1024 * 1024,
	}}
	m := New("w1", Config{HistorySize: 10, TrendWindow: 4}, sender, bus.New())
	for i := 0; i < 4; i++ {
		m.sample()
	}
	if trend := m.Trend(); trend != TrendIncreasing {
		t.Fatalf("Trend() = %s, want increasing", trend)
	}
}

func TestGCRequestedOnInterval(t *testing.T) {
	sender := &scriptedSender{rss: []uint64{1024}}
	m := New("w1", Config{HistorySize: 10, EnableGC: true, GCIntervalMS: 10}, sender, bus.New())
	m.Start()
	defer m.Stop()

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&sender.gcSeen) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected at least one gc request within 500ms")
}
