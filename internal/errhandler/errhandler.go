// Package errhandler implements the error handler (C8): fault
// classification, severity assignment, recovery-strategy selection, and
// bounded history (spec §4.8). Grounded on the teacher's
// observability/job_metrics.go atomic-counters-plus-Snapshot pattern for
// its statistics half, and on internal/notifications/protected_notifier.go
// for the retry-with-backoff execution half.
package errhandler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/fieldstack/supervisor/internal/bus"
	"github.com/fieldstack/supervisor/internal/config"
	"github.com/fieldstack/supervisor/internal/faults"
)

// Kind is the closed fault taxonomy (spec §7).
type Kind string

const (
	KindWorkerStartup    Kind = "worker_startup"
	KindWorkerRuntime    Kind = "worker_runtime"
	KindCommunication    Kind = "communication"
	KindMemory           Kind = "memory"
	KindTimeout          Kind = "timeout"
	KindConfiguration    Kind = "configuration"
	KindExternalService  Kind = "external_service"
	KindUnknown          Kind = "unknown"
)

// Severity is the per-kind assigned level (spec §3).
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// RecoveryStrategy is chosen from kind+severity (spec §4.8).
type RecoveryStrategy string

const (
	StrategyIgnore        RecoveryStrategy = "ignore"
	StrategyRetry         RecoveryStrategy = "retry"
	StrategyRestartWorker RecoveryStrategy = "restart_worker"
	StrategyEscalate      RecoveryStrategy = "escalate"
	StrategyCircuitBreaker RecoveryStrategy = "circuit_breaker"
)

// ErrorRecord is one classified fault (spec §3).
type ErrorRecord struct {
	ID                  string
	Kind                Kind
	Severity            Severity
	RecoveryStrategy    RecoveryStrategy
	RecoveryAttempts    int
	MaxRecoveryAttempts int
	Context             map[string]string
	Message             string
	Timestamp           time.Time
}

const (
	EventEscalated = "escalated"
	EventRestartRequested = "restart_worker_requested"
	EventCircuitBreakerRequested = "circuit_breaker_requested"
)

// Restarter is the narrow surface errhandler needs to ask C7 to restart.
// The circuit_breaker strategy does not call it; it publishes
// EventCircuitBreakerRequested on the bus instead.
type Restarter interface {
	TriggerRestart(reason string) error
}

// Handler is C8.
type Handler struct {
	mu sync.Mutex

	cfg      config.ErrorHandler
	bus      *bus.Bus
	idSeq    int

	history []ErrorRecord

	totalsByKind     map[Kind]int
	totalsBySeverity map[Severity]int
	windowTimestamps []time.Time
}

func New(cfg config.ErrorHandler, b *bus.Bus) *Handler {
	return &Handler{
		cfg:              cfg,
		bus:              b,
		totalsByKind:     make(map[Kind]int),
		totalsBySeverity: make(map[Severity]int),
	}
}

// Classify maps a raw error/message into a Kind via keyword matching,
// with explicit classes for well-known causes (spec §4.8: "keyword match
// on message/context, with explicit classes for known errors such as
// timeouts and I/O").
func Classify(err error, context map[string]string) Kind {
	if err == nil {
		return KindUnknown
	}
	switch {
	case err == faults.ErrTimeout:
		return KindTimeout
	case err == faults.ErrWorkerNotRunning:
		return KindWorkerRuntime
	case err == faults.ErrEncodingError:
		return KindCommunication
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return KindTimeout
	case strings.Contains(msg, "spawn") || strings.Contains(msg, "handshake"):
		return KindWorkerStartup
	case strings.Contains(msg, "memory") || strings.Contains(msg, "oom"):
		return KindMemory
	case strings.Contains(msg, "config") || strings.Contains(msg, "validation"):
		return KindConfiguration
	case strings.Contains(msg, "connection") || strings.Contains(msg, "pipe") || strings.Contains(msg, "write") || strings.Contains(msg, "read"):
		return KindCommunication
	case strings.Contains(msg, "exit") || strings.Contains(msg, "crash") || strings.Contains(msg, "panic"):
		return KindWorkerRuntime
	case strings.Contains(msg, "external") || strings.Contains(msg, "upstream") || strings.Contains(msg, "dependency"):
		return KindExternalService
	default:
		return KindUnknown
	}
}

var defaultSeverity = map[Kind]Severity{
	KindWorkerStartup:   SeverityHigh,
	KindWorkerRuntime:   SeverityHigh,
	KindCommunication:   SeverityMedium,
	KindMemory:          SeverityHigh,
	KindTimeout:         SeverityMedium,
	KindConfiguration:   SeverityCritical,
	KindExternalService: SeverityMedium,
	KindUnknown:         SeverityLow,
}

// severityFor consults the configurable per-kind table, falling back to
// the built-in default when the table doesn't name this kind.
func (h *Handler) severityFor(kind Kind) Severity {
	if s, ok := h.cfg.SeverityThresholds[string(kind)]; ok && s != "" {
		return Severity(s)
	}
	return defaultSeverity[kind]
}

// strategyFor drives recovery strategy from kind and severity (spec
// §4.8's examples: memory/high -> restart_worker; communication/medium ->
// retry; configuration/any -> escalate).
func strategyFor(kind Kind, sev Severity) RecoveryStrategy {
	if kind == KindConfiguration {
		return StrategyEscalate
	}
	switch kind {
	case KindMemory:
		if sev == SeverityHigh || sev == SeverityCritical {
			return StrategyRestartWorker
		}
		return StrategyRetry
	case KindWorkerRuntime:
		if sev == SeverityCritical {
			return StrategyCircuitBreaker
		}
		return StrategyRestartWorker
	case KindCommunication, KindTimeout:
		if sev == SeverityLow || sev == SeverityMedium {
			return StrategyRetry
		}
		return StrategyEscalate
	case KindWorkerStartup:
		return StrategyRestartWorker
	case KindExternalService:
		return StrategyRetry
	default:
		return StrategyIgnore
	}
}

// Outcome describes what handle() did with the classified fault.
type Outcome struct {
	Record ErrorRecord
	Error  error
}

// Handle builds an ErrorRecord, appends it to history, and executes its
// recovery strategy. operation is invoked for retry strategies; it may be
// nil for strategies that don't re-invoke anything.
func (h *Handler) Handle(ctx context.Context, err error, fctx map[string]string, restarter Restarter, operation func(context.Context) error) Outcome {
	kind := Classify(err, fctx)
	sev := h.severityFor(kind)
	strategy := strategyFor(kind, sev)

	h.mu.Lock()
	h.idSeq++
	record := ErrorRecord{
		ID:                  idFromSeq(h.idSeq),
		Kind:                kind,
		Severity:            sev,
		RecoveryStrategy:    strategy,
		MaxRecoveryAttempts: h.cfg.MaxRecoveryAttempts[string(kind)],
		Context:             fctx,
		Message:             errMessage(err),
		Timestamp:           time.Now(),
	}
	h.appendHistoryLocked(record)
	h.recordStatsLocked(kind, sev)
	h.mu.Unlock()

	outcomeErr := h.execute(ctx, strategy, kind, &record, restarter, operation)
	return Outcome{Record: record, Error: outcomeErr}
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func idFromSeq(n int) string {
	const letters = "0123456789abcdefghijklmnopqrstuvwxyz"
	if n == 0 {
		return "e0"
	}
	buf := make([]byte, 0, 8)
	for n > 0 {
		buf = append([]byte{letters[n%36]}, buf...)
		n /= 36
	}
	return "e" + string(buf)
}

func (h *Handler) appendHistoryLocked(record ErrorRecord) {
	max := h.cfg.MaxErrorHistory
	if max <= 0 {
		max = 100
	}
	h.history = append(h.history, record)
	if len(h.history) > max {
		h.history = h.history[len(h.history)-max:]
	}
}

func (h *Handler) recordStatsLocked(kind Kind, sev Severity) {
	h.totalsByKind[kind]++
	h.totalsBySeverity[sev]++
	h.windowTimestamps = append(h.windowTimestamps, time.Now())
}

func (h *Handler) execute(ctx context.Context, strategy RecoveryStrategy, kind Kind, record *ErrorRecord, restarter Restarter, operation func(context.Context) error) error {
	switch strategy {
	case StrategyIgnore:
		return nil
	case StrategyRetry:
		return h.retry(ctx, kind, record, operation)
	case StrategyRestartWorker:
		if restarter != nil {
			_ = restarter.TriggerRestart(string(kind))
			h.publish(EventRestartRequested, record)
		}
		return nil
	case StrategyEscalate:
		h.publish(EventEscalated, record)
		return nil
	case StrategyCircuitBreaker:
		if restarter != nil {
			h.publish(EventCircuitBreakerRequested, record)
		}
		return nil
	default:
		return nil
	}
}

// retry re-invokes operation with exponential backoff from the per-kind
// retry_delays schedule, bounded by max_recovery_attempts[kind].
func (h *Handler) retry(ctx context.Context, kind Kind, record *ErrorRecord, operation func(context.Context) error) error {
	if operation == nil {
		return nil
	}
	delays := h.cfg.RetryDelaysMS[string(kind)]
	maxAttempts := record.MaxRecoveryAttempts
	if maxAttempts <= 0 {
		maxAttempts = len(delays)
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 && len(delays) > 0 {
			idx := attempt - 1
			if idx >= len(delays) {
				idx = len(delays) - 1
			}
			select {
			case <-time.After(time.Duration(delays[idx]) * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		lastErr = operation(ctx)
		h.mu.Lock()
		record.RecoveryAttempts++
		h.mu.Unlock()
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (h *Handler) publish(kind string, record *ErrorRecord) {
	if h.bus != nil {
		h.bus.Publish(bus.Event{Kind: kind, Data: *record})
	}
}

// History returns a copy of the bounded error history.
func (h *Handler) History() []ErrorRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ErrorRecord(nil), h.history...)
}

// ClearHistory clears only the history ring; statistics survive (spec §9
// fixed Open Question: "clear history clears history only; statistics
// have a separate reset_stats").
func (h *Handler) ClearHistory() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history = nil
}

// Stats is the aggregate statistics snapshot (spec §4.8).
type Stats struct {
	TotalsByKind     map[Kind]int
	TotalsBySeverity map[Severity]int
	ErrorRatePerMin  float64
	MostCommonKind   Kind
}

// Snapshot computes the statistics record, including error rate over the
// configured aggregation window.
func (h *Handler) Snapshot() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	window := time.Duration(h.cfg.AggregationWindowMS) * time.Millisecond
	if window <= 0 {
		window = time.Minute
	}
	cutoff := time.Now().Add(-window)
	count := 0
	kept := h.windowTimestamps[:0:0]
	for _, ts := range h.windowTimestamps {
		if ts.After(cutoff) {
			count++
			kept = append(kept, ts)
		}
	}
	h.windowTimestamps = kept

	rate := float64(count) / window.Minutes()

	var mostCommon Kind
	max := 0
	for k, v := range h.totalsByKind {
		if v > max {
			max = v
			mostCommon = k
		}
	}

	return Stats{
		TotalsByKind:     copyKindMap(h.totalsByKind),
		TotalsBySeverity: copySeverityMap(h.totalsBySeverity),
		ErrorRatePerMin:  rate,
		MostCommonKind:   mostCommon,
	}
}

// ResetStats zeroes the statistics counters without touching history
// (the inverse pairing of ClearHistory, per spec §9).
func (h *Handler) ResetStats() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.totalsByKind = make(map[Kind]int)
	h.totalsBySeverity = make(map[Severity]int)
	h.windowTimestamps = nil
}

func copyKindMap(m map[Kind]int) map[Kind]int {
	out := make(map[Kind]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copySeverityMap(m map[Severity]int) map[Severity]int {
	out := make(map[Severity]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
