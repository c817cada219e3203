package envelope

import (
	"encoding/json"
	"time"
)

// wireEnvelope mirrors Envelope field-for-field, using pointers for id and
// kind so Decode can tell "field absent" apart from "field present with
// zero value" -- spec §4.1 requires MalformedEnvelope for the former.
type wireEnvelope struct {
	ID            *string         `json:"id"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Kind          *string         `json:"kind"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Priority      Priority        `json:"priority,omitempty"`
	TimeoutMS     int             `json:"timeoutMs,omitempty"`
	MaxRetries    int             `json:"maxRetries,omitempty"`
	RetryCount    int             `json:"retryCount,omitempty"`
	EnqueuedAt    *time.Time      `json:"enqueuedAt,omitempty"`
	SentAt        *time.Time      `json:"sentAt,omitempty"`
	ReceivedAt    *time.Time      `json:"receivedAt,omitempty"`
	Timestamp     *time.Time      `json:"timestamp,omitempty"`
}

func toWire(e Envelope) wireEnvelope {
	id, kind := e.ID, string(e.Kind)
	return wireEnvelope{
		ID:            &id,
		CorrelationID: e.CorrelationID,
		Kind:          &kind,
		Payload:       e.Payload,
		Priority:      e.Priority,
		TimeoutMS:     e.TimeoutMS,
		MaxRetries:    e.MaxRetries,
		RetryCount:    e.RetryCount,
		EnqueuedAt:    nonZero(e.EnqueuedAt),
		SentAt:        nonZero(e.SentAt),
		ReceivedAt:    nonZero(e.ReceivedAt),
		Timestamp:     nonZero(e.Timestamp),
	}
}

func nonZero(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// Encode serializes an Envelope to its self-describing wire form (JSON)
// and stamps Timestamp on the outgoing copy, per spec §4.1 ("An encoder
// stamps timestamp on every outgoing envelope"). The input Envelope is not
// mutated.
func Encode(e Envelope) ([]byte, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return json.Marshal(toWire(e))
}

// Decode parses the wire form back into an Envelope. It fails with
// ErrMalformedEnvelope if id or kind is missing, and with ErrUnknownKind if
// kind does not match any recognized Kind -- both are communication-class
// errors from the caller's point of view (spec §4.1/§7).
func Decode(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, ErrMalformedEnvelope
	}
	if w.ID == nil || *w.ID == "" || w.Kind == nil || *w.Kind == "" {
		return Envelope{}, ErrMalformedEnvelope
	}

	k := Kind(*w.Kind)
	if !k.IsValid() {
		return Envelope{}, ErrUnknownKind
	}

	return Envelope{
		ID:            *w.ID,
		CorrelationID: w.CorrelationID,
		Kind:          k,
		Payload:       w.Payload,
		Priority:      w.Priority,
		TimeoutMS:     w.TimeoutMS,
		MaxRetries:    w.MaxRetries,
		RetryCount:    w.RetryCount,
		EnqueuedAt:    deref(w.EnqueuedAt),
		SentAt:        deref(w.SentAt),
		ReceivedAt:    deref(w.ReceivedAt),
		Timestamp:     deref(w.Timestamp),
	}, nil
}
