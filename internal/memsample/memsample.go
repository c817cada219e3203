// Package memsample defines the MemorySample wire shape (spec §3) shared
// by the health monitor, resource monitor, and the worker runtime that
// produces it on ping/status responses.
package memsample

import "time"

// Sample is one point-in-time memory reading from a worker, in bytes.
type Sample struct {
	RSS          uint64    `json:"rss"`
	HeapUsed     uint64    `json:"heapUsed"`
	HeapTotal    uint64    `json:"heapTotal"`
	External     uint64    `json:"external"`
	ArrayBuffers uint64    `json:"arrayBuffers"`
	SampledAt    time.Time `json:"sampledAt"`
}
