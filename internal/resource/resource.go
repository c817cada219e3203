// Package resource implements the resource monitor (C6): periodic memory
// sampling, a bounded ring with peak tracking, trend classification, and
// growth-rate/threshold alerts (spec §4.6). Grounded on the same
// teacher ticker-loop idiom as health, with the ring-buffer-plus-peak
// bookkeeping adapted from the teacher's observability/job_metrics.go
// running-max pattern (there a single MaxDuration; here a peak per
// memory field).
package resource

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
	EventWarning             = "resource_warning"
	EventCritical            = "resource_critical"
	EventGrowthRate          = "resource_growth_rate"
	EventAutoRestartTriggered = "auto_restart_triggered"
)

// Severity classifies an Alert.
type Severity string

const (
	SeverityWarning    Severity = "warning"
	SeverityCritical   Severity = "critical"
	SeverityGrowthRate Severity = "growth_rate"
)

// Alert is published whenever a sample crosses a configured threshold.
type Alert struct {
	WorkerID string
	Severity Severity
	Sample   memsample.Sample
	Metric   string
}

// AutoRestartEvent is published after restart_grace_ms elapses with the
// limit still exceeded (consumed by C7).
type AutoRestartEvent struct {
	WorkerID string
}

// Trend is the first-half-vs-second-half RSS classification (spec
// §4.6).
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

const trendEpsilonBytes = 1024 * 1024 // 1 MiB

// Sender is the narrow surface resource needs from C2.
type Sender interface {
	Send(e envelope.Envelope) (*messaging.Future, error)
}

// Limits bundles the hard/soft thresholds spec §4.6 names.
type Limits struct {
	MaxRSS     uint64
	WarningRSS uint64
	MaxHeap    uint64
	WarningHeap uint64
}

// Config bundles C6's tunables. These are not part of the bit-exact
// config tree in spec §6 (which only lists thread_manager, health,
// restart, error_handler, message_queue, worker); they are instead
// supplied whole by the caller (service.Opts.ResourceConfig), since
// the spec does not define a dedicated
// resource_monitor config section.
type Config struct {
	IntervalMS        int
	HistorySize       int
	TrendWindow       int
	GrowthRateMBPerMin float64
	Limits            Limits
	EnableAutoRestart bool
	RestartGraceMS    int
	EnableGC          bool
	GCIntervalMS      int
}

// Recorder is the narrow surface the observability package's Prometheus
// collectors implement; a Monitor with no Recorder attached behaves
// exactly as before.
type Recorder interface {
	SetWorkerMemory(workerID string, rssBytes, heapBytes uint64)
}

// Monitor is C6.
type Monitor struct {
	workerID string
	cfg      Config
	sender   Sender
	bus      *bus.Bus
	recorder Recorder

	mu      sync.Mutex
	ring    []memsample.Sample
	ringPos int
	peak    memsample.Sample
	exceededSince time.Time
	restartFired  bool

	stop   chan struct{}
	stopWG sync.WaitGroup
	gcStop chan struct{}
}

func New(workerID string, cfg Config, sender Sender, b *bus.Bus) *Monitor {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 60
	}
	return &Monitor{workerID: workerID, cfg: cfg, sender: sender, bus: b}
}

// SetRecorder attaches an optional Prometheus recorder.
func (m *Monitor) SetRecorder(r Recorder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorder = r
}

func (m *Monitor) Start() {
	m.stop = make(chan struct{})
	m.stopWG.Add(1)
	go m.loop()

	if m.cfg.EnableGC && m.cfg.GCIntervalMS > 0 {
		m.gcStop = make(chan struct{})
		m.stopWG.Add(1)
		go m.gcLoop()
	}
}

func (m *Monitor) Stop() {
	if m.stop != nil {
		close(m.stop)
	}
	if m.gcStop != nil {
		close(m.gcStop)
	}
	m.stopWG.Wait()
}

func (m *Monitor) interval() time.Duration {
	if m.cfg.IntervalMS <= 0 {
		return time.Second
	}
	return time.Duration(m.cfg.IntervalMS) * time.Millisecond
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
			m.sample()
		}
	}
}

func (m *Monitor) gcLoop() {
	defer m.stopWG.Done()
	ticker := time.NewTicker(time.Duration(m.cfg.GCIntervalMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-m.gcStop:
			return
		case <-ticker.C:
			m.requestGC()
		}
	}
}

// requestGC asks the worker to run its runtime GC. Failures are retried
// silently on the next tick (spec §4.6: "advisory...retried silently on
// failure").
func (m *Monitor) requestGC() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	future, err := m.sender.Send(envelope.Envelope{Kind: envelope.KindGC, Priority: envelope.PriorityLow})
	if err != nil {
		return
	}
	_, _ = future.Wait(ctx)
}

// sample requests a status envelope, appends the returned MemorySample to
// the ring, updates peaks, and evaluates alerts.
func (m *Monitor) sample() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	future, err := m.sender.Send(envelope.Envelope{Kind: envelope.KindStatus, Priority: envelope.PriorityLow})
	if err != nil {
		return
	}
	resp, err := future.Wait(ctx)
	if err != nil {
		return
	}
	var s memsample.Sample
	if err := resp.DecodePayload(&s); err != nil {
		return
	}
	if s.SampledAt.IsZero() {
		s.SampledAt = time.Now()
	}

	m.mu.Lock()
	m.appendLocked(s)
	m.updatePeakLocked(s)
	recorder := m.recorder
	m.mu.Unlock()

	if recorder != nil {
		recorder.SetWorkerMemory(m.workerID, s.RSS, s.HeapUsed)
	}

	m.evaluateAlerts(s)
}

func (m *Monitor) appendLocked(s memsample.Sample) {
	if len(m.ring) < m.cfg.HistorySize {
		m.ring = append(m.ring, s)
		return
	}
	m.ring[m.ringPos] = s
	m.ringPos = (m.ringPos + 1) % m.cfg.HistorySize
}

func (m *Monitor) updatePeakLocked(s memsample.Sample) {
	if s.RSS > m.peak.RSS {
		m.peak.RSS = s.RSS
	}
	if s.HeapUsed > m.peak.HeapUsed {
		m.peak.HeapUsed = s.HeapUsed
	}
	if s.HeapTotal > m.peak.HeapTotal {
		m.peak.HeapTotal = s.HeapTotal
	}
	if s.External > m.peak.External {
		m.peak.External = s.External
	}
	if s.ArrayBuffers > m.peak.ArrayBuffers {
		m.peak.ArrayBuffers = s.ArrayBuffers
	}
}

func (m *Monitor) evaluateAlerts(s memsample.Sample) {
	limits := m.cfg.Limits
	exceeded := false

	if limits.MaxRSS > 0 && s.RSS >= limits.MaxRSS {
		m.publishAlert(SeverityCritical, s, "rss")
		exceeded = true
	} else if limits.WarningRSS > 0 && s.RSS >= limits.WarningRSS {
		m.publishAlert(SeverityWarning, s, "rss")
	}
	if limits.MaxHeap > 0 && s.HeapUsed >= limits.MaxHeap {
		m.publishAlert(SeverityCritical, s, "heap")
		exceeded = true
	} else if limits.WarningHeap > 0 && s.HeapUsed >= limits.WarningHeap {
		m.publishAlert(SeverityWarning, s, "heap")
	}

	if trend := m.Trend(); trend != TrendStable {
		if rate := m.growthRateMBPerMin(); rate > m.cfg.GrowthRateMBPerMin && m.cfg.GrowthRateMBPerMin > 0 {
			m.publishAlert(SeverityGrowthRate, s, "rss")
		}
	}

	m.handleAutoRestart(exceeded)
}

func (m *Monitor) publishAlert(sev Severity, s memsample.Sample, metric string) {
	if m.bus == nil {
		return
	}
	kind := EventWarning
	switch sev {
	case SeverityCritical:
		kind = EventCritical
	case SeverityGrowthRate:
		kind = EventGrowthRate
	}
	m.bus.Publish(bus.Event{Kind: kind, Data: Alert{WorkerID: m.workerID, Severity: sev, Sample: s, Metric: metric}})
}

// handleAutoRestart implements the grace-period auto-restart rule: if the
// hard limit has been continuously exceeded for restart_grace_ms, emit
// auto_restart_triggered exactly once per episode.
func (m *Monitor) handleAutoRestart(exceeded bool) {
	if !m.cfg.EnableAutoRestart {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if !exceeded {
		m.exceededSince = time.Time{}
		m.restartFired = false
		return
	}
	if m.exceededSince.IsZero() {
		m.exceededSince = time.Now()
		return
	}
	if m.restartFired {
		return
	}
	grace := time.Duration(m.cfg.RestartGraceMS) * time.Millisecond
	if time.Since(m.exceededSince) >= grace {
		m.restartFired = true
		if m.bus != nil {
			m.bus.Publish(bus.Event{Kind: EventAutoRestartTriggered, Data: AutoRestartEvent{WorkerID: m.workerID}})
		}
	}
}

// Trend classifies RSS movement over the configured trend window: the
// mean RSS of the first half of the last N samples vs. the second half,
// differing by more than 1 MiB (spec §4.6).
func (m *Monitor) Trend() Trend {
	m.mu.Lock()
	samples := m.orderedLocked()
	m.mu.Unlock()

	n := m.cfg.TrendWindow
	if n <= 0 || n > len(samples) {
		n = len(samples)
	}
	if n < 2 {
		return TrendStable
	}
	window := samples[len(samples)-n:]
	mid := len(window) / 2
	firstMean := meanRSS(window[:mid])
	secondMean := meanRSS(window[mid:])

	diff := int64(secondMean) - int64(firstMean)
	switch {
	case diff > trendEpsilonBytes:
		return TrendIncreasing
	case diff < -trendEpsilonBytes:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

func meanRSS(samples []memsample.Sample) uint64 {
	if len(samples) == 0 {
		return 0
	}
	var total uint64
	for _, s := range samples {
		total += s.RSS
	}
	return total / uint64(len(samples))
}

// growthRateMBPerMin estimates MB/min from the oldest and newest sample
// in the trend window, a simple linear-regression stand-in adequate for
// the spec's "exceeds the configured MB/min" alert.
func (m *Monitor) growthRateMBPerMin() float64 {
	m.mu.Lock()
	samples := m.orderedLocked()
	m.mu.Unlock()

	n := m.cfg.TrendWindow
	if n <= 0 || n > len(samples) {
		n = len(samples)
	}
	if n < 2 {
		return 0
	}
	window := samples[len(samples)-n:]
	first, last := window[0], window[len(window)-1]
	elapsed := last.SampledAt.Sub(first.SampledAt).Minutes()
	if elapsed <= 0 {
		return 0
	}
	deltaMB := float64(int64(last.RSS)-int64(first.RSS)) / (1024 * 1024)
	return deltaMB / elapsed
}

// orderedLocked returns the ring's contents in chronological order. Must
// be called with m.mu held.
func (m *Monitor) orderedLocked() []memsample.Sample {
	if len(m.ring) < m.cfg.HistorySize {
		out := make([]memsample.Sample, len(m.ring))
		copy(out, m.ring)
		return out
	}
	out := make([]memsample.Sample, 0, len(m.ring))
	out = append(out, m.ring[m.ringPos:]...)
	out = append(out, m.ring[:m.ringPos]...)
	return out
}

// Peak returns the peak value observed per field across the monitor's
// lifetime (not just the current ring window).
func (m *Monitor) Peak() memsample.Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak
}

// History returns a snapshot of the ring buffer, oldest first.
func (m *Monitor) History() []memsample.Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orderedLocked()
}
