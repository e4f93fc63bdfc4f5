package chain

import (
	"sync"
	"sync/atomic"

	"github.com/aethermesh/trustfabric/internal/hashlink"
)

// MetricsSnapshot is a point-in-time copy of a Verifier's counters.
type MetricsSnapshot struct {
	ChainEventsTotal         uint64 `json:"chain_events_total"`
	ChainBreaksDetectedTotal uint64 `json:"chain_breaks_detected_total"`
}

// Verifier maintains an in-memory event chain and instruments verification.
// Appends hash the event and link it to the current head; verification runs
// the same algorithm as the free functions but bumps break counters.
type Verifier struct {
	mu     sync.RWMutex
	events []*ChainedEvent

	eventsTotal atomic.Uint64
	breaksTotal atomic.Uint64
}

// NewVerifier creates an empty in-memory chain.
func NewVerifier() *Verifier {
	return &Verifier{}
}

// Append hashes the event, links it to the chain head, and stores it.
func (v *Verifier) Append(event *hashlink.CanonicalEvent) (hashlink.Digest, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	chained, err := NewChainedEvent(event, v.headLocked())
	if err != nil {
		return hashlink.Digest{}, err
	}
	v.events = append(v.events, chained)
	v.eventsTotal.Add(1)
	return chained.EventHash, nil
}

// Head returns the hash of the most recent event, or the genesis digest.
func (v *Verifier) Head() hashlink.Digest {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.headLocked()
}

func (v *Verifier) headLocked() hashlink.Digest {
	if len(v.events) == 0 {
		return hashlink.GenesisDigest
	}
	return v.events[len(v.events)-1].EventHash
}

// Len returns the number of events in the chain.
func (v *Verifier) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.events)
}

// Event returns the chained event at index, or nil when out of range.
func (v *Verifier) Event(index int) *ChainedEvent {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if index < 0 || index >= len(v.events) {
		return nil
	}
	return v.events[index]
}

// VerifyFromStart replays the whole chain.
func (v *Verifier) VerifyFromStart() Result {
	return v.instrument(func(records []Record) Result {
		return VerifyFromStart(records)
	})
}

// VerifyFrom replays a suffix of the chain.
func (v *Verifier) VerifyFrom(start int) Result {
	return v.instrument(func(records []Record) Result {
		return VerifyFrom(records, start)
	})
}

func (v *Verifier) instrument(verify func([]Record) Result) Result {
	v.mu.RLock()
	records := make([]Record, len(v.events))
	for i, ev := range v.events {
		records[i] = ev
	}
	v.mu.RUnlock()

	result := verify(records)
	if !result.OK {
		v.breaksTotal.Add(1)
	}
	return result
}

// Metrics returns a snapshot of the verifier's counters.
func (v *Verifier) Metrics() MetricsSnapshot {
	return MetricsSnapshot{
		ChainEventsTotal:         v.eventsTotal.Load(),
		ChainBreaksDetectedTotal: v.breaksTotal.Load(),
	}
}
