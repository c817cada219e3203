package envelope

// Kind tags what an Envelope means. The set is closed: IsValid accepts
// only the constants below. workerproc's dispatcher answers a kind it has
// no case for with an error envelope; the compiler does not check that a
// switch on Kind covers every constant.
type Kind string

// Request kinds, sent supervisor -> worker.
const (
	KindStart   Kind = "start"
	KindStop    Kind = "stop"
	KindStatus  Kind = "status"
	KindConfig  Kind = "config"
	KindData    Kind = "data"
	KindPing    Kind = "ping"
	KindGC      Kind = "gc"
	KindCleanup Kind = "cleanup"
)

// Response kinds, sent worker -> supervisor. KindStatus and KindData are
// shared between both directions (status is both a poll request and an
// unsolicited push; data is both a dispatch request and its reply).
const (
	KindSuccess Kind = "success"
	KindError   Kind = "error"
	KindPong    Kind = "pong"
	KindReady   Kind = "ready"
)

func (k Kind) IsRequest() bool {
	switch k {
	case KindStart, KindStop, KindStatus, KindConfig, KindData, KindPing, KindGC, KindCleanup:
		return true
	default:
		return false
	}
}

func (k Kind) IsResponse() bool {
	switch k {
	case KindSuccess, KindError, KindStatus, KindData, KindPong, KindReady:
		return true
	default:
		return false
	}
}

func (k Kind) IsValid() bool {
	return k.IsRequest() || k.IsResponse()
}

// Priority orders envelopes within the priority queue (C3) and the pool's
// priority-aware scheduling (C11). Higher numeric value drains first.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityNormal   Priority = "NORMAL"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// Rank returns the priority's position in the drain order, highest first.
// It panics on an invalid priority so a bad config value is caught the
// first time it reaches the queue rather than silently sorting as LOW.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	default:
		panic("envelope: invalid priority " + string(p))
	}
}

func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	default:
		return false
	}
}

// Priorities lists every valid priority, highest first. Used by the queue
// to walk sub-queues in drain order and by config defaults.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}
