package ledger

import (
	"context"
	"sync/atomic"

	"github.com/aethermesh/trustfabric/internal/hashlink"
)

// Store is the interface for the append-only event ledger. Both SQLiteStore
// and PostgresStore implement it.
type Store interface {
	// AppendSignedEvent validates linkage against the chain head, assigns
	// the next seq_no, and commits the event durably. Serialized internally:
	// callers may invoke it concurrently.
	AppendSignedEvent(ctx context.Context, event *SignedEvent) (uint64, error)

	// GetEventBySeqNo returns the event at seq_no, or EventNotFoundError.
	GetEventBySeqNo(ctx context.Context, seqNo uint64) (*SignedEvent, error)

	// GetLatestEvent returns the most recent (seq_no, event), or (0, nil)
	// when the ledger is empty.
	GetLatestEvent(ctx context.Context) (uint64, *SignedEvent, error)

	// IterateEvents returns up to limit events starting at startSeqNo,
	// ascending. The returned window must be contiguous; a gap inside it is
	// a SequenceViolationError.
	IterateEvents(ctx context.Context, startSeqNo uint64, limit int) ([]StoredEvent, error)

	// ChainHead returns the event_hash of the most recent event, or the
	// genesis digest when the ledger is empty.
	ChainHead(ctx context.Context) (hashlink.Digest, error)

	// Health returns the cached result of the most recent continuity scan.
	Health() Health

	// RunContinuityCheck re-derives the expected linkage for every stored
	// row and recomputes Health.
	RunContinuityCheck(ctx context.Context) (Health, error)

	// Metrics returns a snapshot of the store's counters.
	Metrics() MetricsSnapshot

	// NodeID identifies the node that owns this store.
	NodeID() string

	// Close releases the backing storage, flushing any pending checkpoint.
	Close() error
}

// StoredEvent pairs an event with its assigned sequence number.
type StoredEvent struct {
	SeqNo uint64       `json:"seq_no"`
	Event *SignedEvent `json:"event"`
}

// MetricsSnapshot is a point-in-time copy of a store's counters.
type MetricsSnapshot struct {
	EventsAppendedTotal       uint64 `json:"events_appended_total"`
	StartupChecksTotal        uint64 `json:"startup_checks_total"`
	CorruptionDetectionsTotal uint64 `json:"corruption_detections_total"`
}

// storeMetrics is owned by each store instance; no process-wide singleton.
type storeMetrics struct {
	eventsAppendedTotal       atomic.Uint64
	startupChecksTotal        atomic.Uint64
	corruptionDetectionsTotal atomic.Uint64
}

func (m *storeMetrics) snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		EventsAppendedTotal:       m.eventsAppendedTotal.Load(),
		StartupChecksTotal:        m.startupChecksTotal.Load(),
		CorruptionDetectionsTotal: m.corruptionDetectionsTotal.Load(),
	}
}

// checkWindow validates that a window of rows returned by IterateEvents is
// contiguous. Shared by both backends.
func checkWindow(events []StoredEvent) error {
	for i := 1; i < len(events); i++ {
		expected := events[i-1].SeqNo + 1
		if events[i].SeqNo != expected {
			return &SequenceViolationError{Expected: expected, Actual: events[i].SeqNo}
		}
	}
	return nil
}

// scanChain walks rows in ascending seq order and classifies the first
// violation, if any. Both backends feed their rows through this single
// implementation so SQLite and Postgres agree on what "corrupted" means.
func scanChain(events []StoredEvent) Health {
	if len(events) == 0 {
		return Health{Status: HealthOK}
	}

	expectedSeq := events[0].SeqNo
	if expectedSeq != 1 {
		return Health{
			Status:        HealthCorrupted,
			FirstBadSeqNo: events[0].SeqNo,
			ErrorType:     "first row is not seq_no 1",
		}
	}

	prevHash := hashlink.GenesisDigest
	var lastGood uint64
	for _, row := range events {
		if row.SeqNo != expectedSeq {
			errType := "sequence gap"
			if row.SeqNo < expectedSeq {
				errType = "duplicated sequence number"
			}
			return Health{
				Status:        HealthCorrupted,
				LastGoodSeqNo: lastGood,
				FirstBadSeqNo: row.SeqNo,
				ErrorType:     errType,
			}
		}
		if row.Event.PrevEventHash != prevHash {
			return Health{
				Status:        HealthCorrupted,
				LastGoodSeqNo: lastGood,
				FirstBadSeqNo: row.SeqNo,
				ErrorType:     "broken chain link",
			}
		}
		prevHash = row.Event.EventHash
		lastGood = row.SeqNo
		expectedSeq++
	}
	return Health{Status: HealthOK}
}
