package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fieldstack/supervisor/internal/envelope"
)

// Collectors is the supervisor's Prometheus surface: C2 request counts and
// latencies by priority, C6 per-worker memory gauges, and C11 pool
// size/queue depth/scale events. The core only ever registers these
// against a *prometheus.Registry the host supplies; it never starts an
// HTTP listener or binds a route itself. Grounded on the teacher's
// prom.go registration shape, retargeted from HTTP/DB/job labels to the
// supervisor's own components.
type Collectors struct {
	MessagesTotal    *prometheus.CounterVec
	MessageDuration  *prometheus.HistogramVec
	WorkerMemoryRSS  *prometheus.GaugeVec
	WorkerMemoryHeap *prometheus.GaugeVec
	PoolSize         *prometheus.GaugeVec
	PoolQueueDepth   prometheus.Gauge
	PoolScaleEvents  *prometheus.CounterVec
}

func NewCollectors(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		MessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "supervisor",
				Subsystem: "messaging",
				Name:      "messages_total",
				Help:      "Messages handled by C2, by priority and kind.",
			},
			[]string{"priority", "kind"},
		),
		MessageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "supervisor",
				Subsystem: "messaging",
				Name:      "message_duration_seconds",
				Help:      "Request/response round-trip latency by priority.",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"priority"},
		),
		WorkerMemoryRSS: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "supervisor",
				Subsystem: "resource",
				Name:      "worker_rss_bytes",
				Help:      "Last-sampled resident set size per worker (C6).",
			},
			[]string{"worker_id"},
		),
		WorkerMemoryHeap: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "supervisor",
				Subsystem: "resource",
				Name:      "worker_heap_bytes",
				Help:      "Last-sampled heap size per worker (C6), zero if unavailable.",
			},
			[]string{"worker_id"},
		),
		PoolSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "supervisor",
				Subsystem: "pool",
				Name:      "workers",
				Help:      "Current worker count by status (C11).",
			},
			[]string{"status"},
		),
		PoolQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "supervisor",
				Subsystem: "pool",
				Name:      "pending_queue_depth",
				Help:      "Entries waiting in the pool's dispatch queue (C11).",
			},
		),
		PoolScaleEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "supervisor",
				Subsystem: "pool",
				Name:      "scale_events_total",
				Help:      "Autoscale decisions by direction (C11).",
			},
			[]string{"direction"},
		),
	}
	reg.MustRegister(
		c.MessagesTotal, c.MessageDuration,
		c.WorkerMemoryRSS, c.WorkerMemoryHeap,
		c.PoolSize, c.PoolQueueDepth, c.PoolScaleEvents,
	)
	return c
}

// RecordSent counts one dispatched envelope by priority and kind (spec
// §4.2), satisfying messaging.Recorder.
func (c *Collectors) RecordSent(priority envelope.Priority, kind envelope.Kind) {
	c.MessagesTotal.WithLabelValues(string(priority), string(kind)).Inc()
}

// RecordDuration observes one request/response round trip, satisfying
// messaging.Recorder.
func (c *Collectors) RecordDuration(priority envelope.Priority, d time.Duration) {
	c.MessageDuration.WithLabelValues(string(priority)).Observe(d.Seconds())
}

// SetWorkerMemory pushes C6's latest sample for one worker. heapBytes is
// the heap-in-use figure the worker reports in its own memory sample; it
// is zero when the sample carries none.
func (c *Collectors) SetWorkerMemory(workerID string, rssBytes, heapBytes uint64) {
	c.WorkerMemoryRSS.WithLabelValues(workerID).Set(float64(rssBytes))
	c.WorkerMemoryHeap.WithLabelValues(workerID).Set(float64(heapBytes))
}

// DeleteWorker removes a stopped worker's gauges so it stops showing up in
// scrapes once C11 has replaced or retired it.
func (c *Collectors) DeleteWorker(workerID string) {
	c.WorkerMemoryRSS.DeleteLabelValues(workerID)
	c.WorkerMemoryHeap.DeleteLabelValues(workerID)
}

// SetPoolSize reports the current worker count for each lifecycle status
// (spec §4.11's WorkerRecord.status values); statuses absent this tick are
// zeroed so a status that empties out doesn't linger on the old value.
func (c *Collectors) SetPoolSize(counts map[string]int) {
	for _, status := range []string{"starting", "idle", "busy", "stopping", "error"} {
		c.PoolSize.WithLabelValues(status).Set(float64(counts[status]))
	}
}

func (c *Collectors) SetPoolQueueDepth(n int) {
	c.PoolQueueDepth.Set(float64(n))
}

func (c *Collectors) IncScaleUp()   { c.PoolScaleEvents.WithLabelValues("up").Inc() }
func (c *Collectors) IncScaleDown() { c.PoolScaleEvents.WithLabelValues("down").Inc() }
