// Package health implements the health monitor (C5): a periodic ping
// loop with missed-check accounting (spec §4.5). It is grounded on the
// teacher's internal/queue/worker/worker.go logMetricsLoop ticker shape
// (ticker + select against ctx.Done()), generalized from a log line to a
// ping/pong round trip with explicit health-state transitions.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/fieldstack/supervisor/internal/bus"
	"github.com/fieldstack/supervisor/internal/config"
	"github.com/fieldstack/supervisor/internal/envelope"
	"github.com/fieldstack/supervisor/internal/memsample"
	"github.com/fieldstack/supervisor/internal/messaging"
)

const (
	EventCheckFailed         = "health_check_failed"
	EventUnhealthy           = "worker_unhealthy"
	EventMemoryThreshold     = "memory_threshold_exceeded"
)

// CheckFailedEvent is published every time a ping times out or returns a
// non-pong response.
type CheckFailedEvent struct {
	WorkerID          string
	ConsecutiveMissed int
}

// UnhealthyEvent is published exactly once per unhealthy episode, when
// ConsecutiveMissed first reaches MaxMissedChecks (spec scenario 3:
// "emits worker_unhealthy exactly once").
type UnhealthyEvent struct {
	WorkerID string
}

// MemoryThresholdEvent is published when a ping's returned memory sample
// exceeds the configured threshold.
type MemoryThresholdEvent struct {
	WorkerID string
	Sample   memsample.Sample
}

// Sender is the narrow surface health needs from C2.
type Sender interface {
	Send(e envelope.Envelope) (*messaging.Future, error)
}

// Runner reports whether the worker is currently running; satisfied by
// threadmgr.Manager.
type Runner interface {
	IsRunning() bool
}

// Monitor is C5.
type Monitor struct {
	workerID string
	cfg      config.HealthMonitor
	sender   Sender
	runner   Runner
	bus      *bus.Bus

	mu                sync.Mutex
	consecutiveMissed int
	lastCheck         time.Time
	unhealthyEmitted  bool

	stop   chan struct{}
	stopWG sync.WaitGroup
}

// New builds a Monitor. sender/runner are normally the same threadmgr
// instance viewed through two different interfaces.
func New(workerID string, cfg config.HealthMonitor, sender Sender, runner Runner, b *bus.Bus) *Monitor {
	return &Monitor{workerID: workerID, cfg: cfg, sender: sender, runner: runner, bus: b}
}

// Start launches the periodic ping loop. Call Stop to tear it down.
func (m *Monitor) Start() {
	m.stop = make(chan struct{})
	m.stopWG.Add(1)
	go m.loop()
}

// Stop halts the ping loop; it does not reset accumulated counters.
func (m *Monitor) Stop() {
	if m.stop == nil {
		return
	}
	close(m.stop)
	m.stopWG.Wait()
}

// OnWorkerStarted resets counters and schedules an initial check after a
// short warm-up, per the worker_started handling in spec §4.5.
func (m *Monitor) OnWorkerStarted() {
	m.mu.Lock()
	m.consecutiveMissed = 0
	m.unhealthyEmitted = false
	m.mu.Unlock()

	warmUp := m.interval() / 2
	if warmUp <= 0 {
		warmUp = 50 * time.Millisecond
	}
	go func() {
		time.Sleep(warmUp)
		m.check()
	}()
}

func (m *Monitor) interval() time.Duration {
	if m.cfg.IntervalMS <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(m.cfg.IntervalMS) * time.Millisecond
}

func (m *Monitor) timeout() time.Duration {
	if m.cfg.TimeoutMS <= 0 {
		return 50 * time.Millisecond
	}
	return time.Duration(m.cfg.TimeoutMS) * time.Millisecond
}

func (m *Monitor) loop() {
	defer m.stopWG.Done()
	ticker := time.NewTicker(m.interval())
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.check()
		}
	}
}

// check sends one ping and updates state from the result. It is exported
// indirectly via Start's loop and via OnWorkerStarted's warm-up probe;
// tests call it directly through CheckNow.
func (m *Monitor) check() {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout())
	defer cancel()

	future, err := m.sender.Send(envelope.Envelope{Kind: envelope.KindPing, Priority: envelope.PriorityHigh, TimeoutMS: int(m.timeout().Milliseconds())})
	if err != nil {
		m.recordFailure()
		return
	}
	resp, err := future.Wait(ctx)
	if err != nil || resp.Kind != envelope.KindPong {
		m.recordFailure()
		return
	}

	m.mu.Lock()
	m.consecutiveMissed = 0
	m.lastCheck = time.Now()
	m.unhealthyEmitted = false
	m.mu.Unlock()

	var sample memsample.Sample
	if err := resp.DecodePayload(&sample); err == nil && m.cfg.EnableMemoryMonitoring {
		if m.cfg.MemoryThresholdMB > 0 && sample.RSS > uint64(m.cfg.MemoryThresholdMB)*1024*1024 {
			m.publish(EventMemoryThreshold, MemoryThresholdEvent{WorkerID: m.workerID, Sample: sample})
		}
	}
}

// CheckNow runs one check synchronously; exported for tests and for a
// caller that wants an immediate, on-demand health probe.
func (m *Monitor) CheckNow() {
	m.check()
}

func (m *Monitor) recordFailure() {
	m.mu.Lock()
	m.consecutiveMissed++
	missed := m.consecutiveMissed
	maxMissed := m.cfg.MaxMissedChecks
	shouldEmitUnhealthy := missed >= maxMissed && !m.unhealthyEmitted
	if shouldEmitUnhealthy {
		m.unhealthyEmitted = true
	}
	m.mu.Unlock()

	m.publish(EventCheckFailed, CheckFailedEvent{WorkerID: m.workerID, ConsecutiveMissed: missed})
	if shouldEmitUnhealthy {
		m.publish(EventUnhealthy, UnhealthyEvent{WorkerID: m.workerID})
	}
}

func (m *Monitor) publish(kind string, data any) {
	if m.bus != nil {
		m.bus.Publish(bus.Event{Kind: kind, Data: data})
	}
}

// IsHealthy implements spec §4.5's definition: running AND
// consecutive_missed_checks < max_missed_checks.
func (m *Monitor) IsHealthy() bool {
	if m.runner != nil && !m.runner.IsRunning() {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutiveMissed < m.cfg.MaxMissedChecks
}

// Snapshot is the façade's health() response shape (spec §6).
type Snapshot struct {
	IsHealthy         bool
	LastCheck         time.Time
	ConsecutiveMissed int
}

func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		IsHealthy:         m.isHealthyLocked(),
		LastCheck:         m.lastCheck,
		ConsecutiveMissed: m.consecutiveMissed,
	}
}

func (m *Monitor) isHealthyLocked() bool {
	if m.runner != nil && !m.runner.IsRunning() {
		return false
	}
	return m.consecutiveMissed < m.cfg.MaxMissedChecks
}
