package pool

import "math/rand"

// Strategy selects which idle WorkerRecord serves the next dispatch (spec
// §4.11). It is config-selected rather than hardcoded.
type Strategy string

const (
	StrategyRoundRobin    Strategy = "round_robin"
	StrategyLeastLoaded   Strategy = "least_loaded"
	StrategyRandom        Strategy = "random"
	StrategyPriorityBased Strategy = "priority_based"
)

// choose picks one record from candidates (which must be non-empty and
// pre-filtered to idle workers). priorityAware is true when the incoming
// envelope is HIGH/CRITICAL, which only changes behavior under
// priority_based (spec: "prefer the worker with fewest errors; otherwise
// behave like least_loaded").
func choose(strategy Strategy, candidates []*WorkerRecord, rrCounter *int, priorityAware bool) *WorkerRecord {
	switch strategy {
	case StrategyRoundRobin:
		idx := *rrCounter % len(candidates)
		*rrCounter++
		return candidates[idx]
	case StrategyRandom:
		return candidates[rand.Intn(len(candidates))]
	case StrategyPriorityBased:
		if priorityAware {
			return leastErrors(candidates)
		}
		return leastLoaded(candidates)
	case StrategyLeastLoaded:
		fallthrough
	default:
		return leastLoaded(candidates)
	}
}

// leastLoaded returns the argmin current_load, ties broken by the oldest
// last_used_at (spec §4.11).
func leastLoaded(candidates []*WorkerRecord) *WorkerRecord {
	best := candidates[0]
	bestSnap := best.snapshot()
	for _, c := range candidates[1:] {
		snap := c.snapshot()
		if snap.CurrentLoad < bestSnap.CurrentLoad ||
			(snap.CurrentLoad == bestSnap.CurrentLoad && snap.LastUsedAt.Before(bestSnap.LastUsedAt)) {
			best, bestSnap = c, snap
		}
	}
	return best
}

// leastErrors returns the argmin error_count, ties broken by current_load.
func leastErrors(candidates []*WorkerRecord) *WorkerRecord {
	best := candidates[0]
	bestSnap := best.snapshot()
	for _, c := range candidates[1:] {
		snap := c.snapshot()
		if snap.ErrorCount < bestSnap.ErrorCount ||
			(snap.ErrorCount == bestSnap.ErrorCount && snap.CurrentLoad < bestSnap.CurrentLoad) {
			best, bestSnap = c, snap
		}
	}
	return best
}
