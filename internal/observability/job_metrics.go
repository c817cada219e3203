package observability

import (
	"sync/atomic"
	"time"
)

// PoolMetrics is the pool's (C11) in-process counters: scale events and a
// cumulative dispatch-duration average and maximum, exposed through
// pool.Pool.Stats().Dispatch; the Prometheus collectors in prom.go do not
// read it. Grounded on the teacher's job_metrics.go
// atomic-counters-plus-Snapshot shape, generalized from job outcome counts
// to scale-event counts.
type PoolMetrics struct {
	scaleUps   atomic.Uint64
	scaleDowns atomic.Uint64
	replaced   atomic.Uint64

	durationCount atomic.Uint64
	durationTotal atomic.Int64
	durationMax   atomic.Int64
}

func NewPoolMetrics() *PoolMetrics {
	return &PoolMetrics{}
}

func (m *PoolMetrics) IncScaleUp()   { m.scaleUps.Add(1) }
func (m *PoolMetrics) IncScaleDown() { m.scaleDowns.Add(1) }
func (m *PoolMetrics) IncReplaced()  { m.replaced.Add(1) }

func (m *PoolMetrics) ObserveDispatch(d time.Duration) {
	ns := d.Nanoseconds()
	m.durationCount.Add(1)
	m.durationTotal.Add(ns)
	for {
		curr := m.durationMax.Load()
		if ns <= curr {
			return
		}
		if m.durationMax.CompareAndSwap(curr, ns) {
			return
		}
	}
}

type PoolMetricsSnapshot struct {
	ScaleUps        uint64
	ScaleDowns      uint64
	Replaced        uint64
	DispatchCount   uint64
	AverageDispatch time.Duration
	MaxDispatch     time.Duration
}

func (m *PoolMetrics) Snapshot() PoolMetricsSnapshot {
	count := m.durationCount.Load()
	total := m.durationTotal.Load()

	var avg time.Duration
	if count > 0 {
		avg = time.Duration(total / int64(count))
	}

	return PoolMetricsSnapshot{
		ScaleUps:        m.scaleUps.Load(),
		ScaleDowns:      m.scaleDowns.Load(),
		Replaced:        m.replaced.Load(),
		DispatchCount:   count,
		AverageDispatch: avg,
		MaxDispatch:     time.Duration(m.durationMax.Load()),
	}
}
