package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/fieldstack/supervisor/internal/bus"
	"github.com/fieldstack/supervisor/internal/config"
	"github.com/fieldstack/supervisor/internal/envelope"
	"github.com/fieldstack/supervisor/internal/resource"
	"github.com/fieldstack/supervisor/internal/threadmgr"
)

// scriptedProcess is an in-memory threadmgr.Process double: every write is
// decoded and handed to respond(), and whatever it returns (if anything) is
// delivered back on Lines() as if a real worker subprocess had replied.
type scriptedProcess struct {
	mu      sync.Mutex
	lines   chan []byte
	killed  bool
	waitErr chan error
	respond func(req envelope.Envelope) (envelope.Envelope, bool)
}

func newScriptedProcess(respond func(envelope.Envelope) (envelope.Envelope, bool)) *scriptedProcess {
	return &scriptedProcess{lines: make(chan []byte, 64), waitErr: make(chan error, 1), respond: respond}
}

func (p *scriptedProcess) Lines() <-chan []byte { return p.lines }

func (p *scriptedProcess) Write(data []byte) error {
	req, err := envelope.Decode(data)
	if err != nil {
		return err
	}
	reply, ok := p.respond(req)
	if !ok {
		return nil
	}
	encoded, err := envelope.Encode(reply)
	if err != nil {
		return err
	}
	go func() { p.lines <- encoded }()
	return nil
}

func (p *scriptedProcess) Wait() error { return <-p.waitErr }

func (p *scriptedProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = true
	select {
	case p.waitErr <- nil:
	default:
	}
	return nil
}

type scriptedSpawner struct{ proc *scriptedProcess }

func (s *scriptedSpawner) Spawn(ctx context.Context, command string, args []string) (threadmgr.Process, error) {
	return s.proc, nil
}

// wellBehaved answers start/ping/data/gc like a cooperative worker and
// ignores stop, matching what a real worker would do when the test itself
// never expects to observe its exit.
func wellBehaved(req envelope.Envelope) (envelope.Envelope, bool) {
	switch req.Kind {
	case envelope.KindStart:
		reply, _ := envelope.Unsolicited(envelope.NewIDGenerator(), envelope.KindReady, nil)
		return reply, true
	case envelope.KindPing:
		reply, _ := envelope.Reply(req, envelope.KindPong, nil)
		return reply, true
	case envelope.KindData:
		reply, _ := envelope.Reply(req, envelope.KindSuccess, map[string]any{"echoed": true})
		return reply, true
	case envelope.KindGC:
		reply, _ := envelope.Reply(req, envelope.KindSuccess, nil)
		return reply, true
	default:
		return envelope.Envelope{}, false
	}
}

// testConfigStore returns a Store whose intervals are tight enough for a
// test to exercise health/resource ticking without sleeping for seconds.
func testConfigStore(t *testing.T) *config.Store {
	t.Helper()
	b := bus.New()
	store := config.New(b, 20)

	cfg := config.Default()
	cfg.ThreadManager.MessageTimeoutMS = 200
	cfg.HealthMonitor.IntervalMS = 20
	cfg.HealthMonitor.TimeoutMS = 20
	cfg.HealthMonitor.MaxMissedChecks = 5
	cfg.HealthMonitor.EnableMemoryMonitoring = false
	cfg.RestartManager.InitialDelayMS = 1
	cfg.RestartManager.MaxDelayMS = 5

	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if _, err := store.Import(data, config.SourceDefault); err != nil {
		t.Fatalf("import config: %v", err)
	}
	return store
}

func newTestService(t *testing.T, respond func(envelope.Envelope) (envelope.Envelope, bool)) *Service {
	t.Helper()
	store := testConfigStore(t)
	proc := newScriptedProcess(respond)
	return New(Opts{
		WorkerID:       "w1",
		Command:        "noop",
		Spawner:        &scriptedSpawner{proc: proc},
		StopGrace:      50 * time.Millisecond,
		ResourceConfig: resource.Config{IntervalMS: 0},
	}, store)
}

func TestStartStopLifecycle(t *testing.T) {
	svc := newTestService(t, wellBehaved)

	start := svc.Start(context.Background())
	if !start.Success {
		t.Fatalf("Start failed: %+v", start)
	}
	if svc.Status().WorkerState != threadmgr.Running {
		t.Fatalf("worker state = %s, want Running", svc.Status().WorkerState)
	}

	stop := svc.Stop(context.Background(), true)
	if !stop.Success {
		t.Fatalf("Stop failed: %+v", stop)
	}
	if svc.Status().WorkerState != threadmgr.Stopped {
		t.Fatalf("worker state = %s, want Stopped", svc.Status().WorkerState)
	}
}

func TestSendRoundTrip(t *testing.T) {
	svc := newTestService(t, wellBehaved)
	if start := svc.Start(context.Background()); !start.Success {
		t.Fatalf("Start failed: %+v", start)
	}
	defer svc.Stop(context.Background(), true)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp := svc.Send(ctx, SendRequest{Kind: envelope.KindData, Payload: map[string]any{"x": 1}})
	if resp.Error != nil {
		t.Fatalf("Send failed: %v", resp.Error)
	}
	if resp.Response.Kind != envelope.KindSuccess {
		t.Fatalf("response kind = %s, want success", resp.Response.Kind)
	}
}

func TestSendTimesOutWhenWorkerNeverStarted(t *testing.T) {
	svc := newTestService(t, wellBehaved)
	// Deliberately skip Start(): the dispatcher is never running, so the
	// enqueued request should never be drained before the context expires.

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	resp := svc.Send(ctx, SendRequest{Kind: envelope.KindPing})
	if resp.Error == nil {
		t.Fatalf("expected Send to fail when the dispatcher was never started")
	}
}

func TestHealthBecomesHealthyAfterPings(t *testing.T) {
	svc := newTestService(t, wellBehaved)
	if start := svc.Start(context.Background()); !start.Success {
		t.Fatalf("Start failed: %+v", start)
	}
	defer svc.Stop(context.Background(), true)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if svc.Health().IsHealthy {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected health monitor to observe a successful ping within the deadline")
}

func TestStatusAggregatesComponents(t *testing.T) {
	svc := newTestService(t, wellBehaved)
	if start := svc.Start(context.Background()); !start.Success {
		t.Fatalf("Start failed: %+v", start)
	}
	defer svc.Stop(context.Background(), true)

	status := svc.Status()
	if status.WorkerID != "w1" {
		t.Fatalf("WorkerID = %q, want w1", status.WorkerID)
	}
	if status.QueueLength != 0 {
		t.Fatalf("QueueLength = %d, want 0 on an idle service", status.QueueLength)
	}
}
