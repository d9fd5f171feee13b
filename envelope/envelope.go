// Package envelope implements the wrapper every L1 value carries (spec §3):
// {data, stored_at}. Freshness is computed from stored_at, never from
// remaining TTL, because L1's TTL may outlive SWR_THRESHOLD — a record is
// still served (stale) up to its L1 expiry while a refresh is in flight.
//
// Adapted from the teacher's pkg/utils/encoding.go marshal/unmarshal
// helpers, specialized to the envelope shape instead of a generic Entry.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope wraps an arbitrary JSON-encodable payload with its insertion
// time. Data is kept as json.RawMessage so the core never has to know the
// concrete record type — DomainRecord is opaque to the cache (spec §3).
type Envelope struct {
	Data     json.RawMessage `json:"data"`
	StoredAt time.Time       `json:"stored_at"`
}

// New wraps data, stamping StoredAt with now.
func New(data json.RawMessage, now time.Time) Envelope {
	return Envelope{Data: data, StoredAt: now}
}

// Wrap marshals v and wraps the result.
func Wrap(v interface{}, now time.Time) (Envelope, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshaling envelope payload: %w", err)
	}
	return New(data, now), nil
}

// Age returns now - StoredAt. Monotonic for a fixed envelope (spec §8).
func (e Envelope) Age(now time.Time) time.Duration {
	return now.Sub(e.StoredAt)
}

// Fresh reports whether the envelope is within the SWR threshold.
func (e Envelope) Fresh(now time.Time, swrThreshold time.Duration) bool {
	return e.Age(now) < swrThreshold
}

// Unmarshal decodes the envelope's data into v.
func (e Envelope) Unmarshal(v interface{}) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("unmarshaling envelope payload: %w", err)
	}
	return nil
}

// Encode serializes the envelope itself for storage in L1.
func Encode(e Envelope) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return b, nil
}

// Decode parses bytes read back from L1 into an envelope. A parse failure
// here is always treated as a cache miss by callers, never a hard error
// (spec §4.3) — Decode still returns the error so callers can log it.
func Decode(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}
	return e, nil
}
