package envelope

import (
	"encoding/json"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Envelope is the message exchanged between supervisor and worker (spec
// §3). Payload is opaque to the codec; only the worker runtime and the
// caller that built the envelope know its shape.
type Envelope struct {
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Kind          Kind            `json:"kind"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Priority      Priority        `json:"priority,omitempty"`

	TimeoutMS  int `json:"timeoutMs,omitempty"`
	MaxRetries int `json:"maxRetries,omitempty"`
	RetryCount int `json:"retryCount,omitempty"`

	EnqueuedAt time.Time `json:"enqueuedAt,omitempty"`
	SentAt     time.Time `json:"sentAt,omitempty"`
	ReceivedAt time.Time `json:"receivedAt,omitempty"`
	Timestamp  time.Time `json:"timestamp,omitempty"`
}

// IDGenerator produces ids unique within one supervisor process: a
// monotonic counter scoped to the process, plus a random suffix so two
// generators in the same process (e.g. one per worker) never collide even
// if restarted and recreated. Spec §4.1: "counter@process | random".
type IDGenerator struct {
	counter atomic.Uint64
	pid     string
}

// NewIDGenerator returns a generator stamped with this process's pid.
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{pid: strconv.Itoa(os.Getpid())}
}

// Next returns the next id. Safe for concurrent use.
func (g *IDGenerator) Next() string {
	n := g.counter.Add(1)
	return strconv.FormatUint(n, 10) + "@" + g.pid + "|" + uuid.NewString()
}

// New builds a request envelope, filling in an id and EnqueuedAt. It does
// not fill priority/timeout defaults -- that is messaging's job (C2), since
// defaults come from the handler's configuration, not from the envelope
// package.
func New(gen *IDGenerator, kind Kind, correlationID string, payload any) (Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Envelope{}, err
	}

	now := time.Now().UTC()
	return Envelope{
		ID:            gen.Next(),
		CorrelationID: correlationID,
		Kind:          kind,
		Payload:       raw,
		EnqueuedAt:    now,
	}, nil
}

// Reply builds a response envelope carrying the same ID as req, as
// required by the invariant "every response carries the id of the request
// it answers" (spec §3).
func Reply(req Envelope, kind Kind, payload any) (Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		ID:            req.ID,
		CorrelationID: req.CorrelationID,
		Kind:          kind,
		Payload:       raw,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// Unsolicited builds a response envelope with no correlated request: a
// fresh id and no correlation id, as permitted for health updates etc.
func Unsolicited(gen *IDGenerator, kind Kind, payload any) (Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		ID:        gen.Next(),
		Kind:      kind,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

// DecodePayload unmarshals Payload into out. It is a thin wrapper so
// callers do not need to check for an empty Payload themselves.
func (e Envelope) DecodePayload(out any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, out)
}
