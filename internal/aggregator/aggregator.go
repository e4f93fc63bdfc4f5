// Package aggregator drains newly appended ledger events into Merkle batch
// trees on count or time triggers.
//
// A batch root attests to membership of the drained event hashes, not their
// order; ordering is attested by the [StartSeqNo, EndSeqNo] range being
// contiguous in the ledger, which the aggregator cross-checks before a batch
// is declared valid for publication.
package aggregator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aethermesh/trustfabric/internal/hashlink"
	"github.com/aethermesh/trustfabric/internal/ledger"
	"github.com/aethermesh/trustfabric/internal/merkle"
)

// Config controls when the buffer is drained into a batch.
type Config struct {
	// TimeInterval flushes a non-empty buffer once this much time has
	// passed since the last flush.
	TimeInterval time.Duration
	// CountThreshold flushes as soon as the buffer reaches this size.
	CountThreshold int
}

// DefaultConfig matches the fabric-wide defaults: one second or one hundred
// events, whichever comes first.
func DefaultConfig() Config {
	return Config{
		TimeInterval:   time.Second,
		CountThreshold: 100,
	}
}

// Batch records one completed aggregation. Immutable once created; it is
// handed to an external signing step before peers trust it.
type Batch struct {
	BatchID    uint64          `json:"batch_id"`
	RootHash   hashlink.Digest `json:"root_hash"`
	StartSeqNo uint64          `json:"start_seq_no"`
	EndSeqNo   uint64          `json:"end_seq_no"`
	EventCount int             `json:"event_count"`
	// CreatedAt is Unix milliseconds at flush time.
	CreatedAt uint64 `json:"created_at"`
}

// RangeGapError rejects a flush whose buffered seq range is not contiguous.
// The buffer is preserved so the gap can be inspected.
type RangeGapError struct {
	Expected uint64
	Actual   uint64
}

func (e *RangeGapError) Error() string {
	return fmt.Sprintf("aggregation range gap: expected seq_no %d, got %d", e.Expected, e.Actual)
}

type bufferedHash struct {
	seqNo uint64
	hash  hashlink.Digest
}

// Aggregator accumulates (seq_no, event_hash) pairs and drains them into
// Merkle batches. Safe for concurrent producers; the buffer drain is a
// critical section, so AddEventHash and AggregateBatch never interleave in a
// way that drops or double-counts entries.
type Aggregator struct {
	config Config
	logger *zap.Logger

	// drainMu serializes whole DrainLedger passes so two concurrent drains
	// can never buffer the same seq_no twice.
	drainMu sync.Mutex

	mu          sync.Mutex
	buffer      []bufferedHash
	batches     map[uint64]Batch
	order       []uint64 // batch ids in creation order
	nextBatchID uint64
	lastFlush   time.Time
	lastDrained uint64 // highest seq_no pulled via DrainLedger

	// now is injectable for tests.
	now func() time.Time
}

// New creates an aggregator in the accumulating state.
func New(config Config, logger *zap.Logger) *Aggregator {
	if config.TimeInterval <= 0 {
		config.TimeInterval = DefaultConfig().TimeInterval
	}
	if config.CountThreshold <= 0 {
		config.CountThreshold = DefaultConfig().CountThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Aggregator{
		config:      config,
		logger:      logger,
		batches:     make(map[uint64]Batch),
		nextBatchID: 1,
		now:         time.Now,
	}
	a.lastFlush = a.now()
	return a
}

// SetClock replaces the aggregator's time source. Test hook.
func (a *Aggregator) SetClock(now func() time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.now = now
	a.lastFlush = now()
}

// AddEventHash appends one pair to the buffer. When the count threshold is
// reached or the time interval has elapsed, the buffer is drained
// synchronously and the completed batch is returned; otherwise the return is
// (nil, nil).
func (a *Aggregator) AddEventHash(seqNo uint64, hash hashlink.Digest) (*Batch, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.buffer = append(a.buffer, bufferedHash{seqNo: seqNo, hash: hash})

	if !a.shouldFlushLocked() {
		return nil, nil
	}
	return a.flushLocked()
}

func (a *Aggregator) shouldFlushLocked() bool {
	if len(a.buffer) >= a.config.CountThreshold {
		return true
	}
	if len(a.buffer) > 0 && a.now().Sub(a.lastFlush) >= a.config.TimeInterval {
		return true
	}
	return false
}

// AggregateBatch forces an out-of-schedule flush of the current buffer.
// Returns merkle.ErrEmptyLeaves when there is nothing to drain.
func (a *Aggregator) AggregateBatch() (*Batch, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flushLocked()
}

// flushLocked drains the buffer into a tree and records the batch. Callers
// hold a.mu.
func (a *Aggregator) flushLocked() (*Batch, error) {
	if len(a.buffer) == 0 {
		return nil, merkle.ErrEmptyLeaves
	}

	// Cross-check: the drained range must be contiguous before the batch
	// can be declared valid for publication. Order of arrival does not
	// matter, gaps do.
	seqs := make([]uint64, len(a.buffer))
	for i, b := range a.buffer {
		seqs[i] = b.seqNo
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for i := 1; i < len(seqs); i++ {
		if seqs[i] != seqs[i-1]+1 {
			return nil, &RangeGapError{Expected: seqs[i-1] + 1, Actual: seqs[i]}
		}
	}

	leaves := make([]hashlink.Digest, len(a.buffer))
	for i, b := range a.buffer {
		leaves[i] = b.hash
	}
	merkle.SortLeaves(leaves)

	tree, err := merkle.Build(leaves)
	if err != nil {
		return nil, err
	}

	batch := Batch{
		BatchID:    a.nextBatchID,
		RootHash:   tree.Root(),
		StartSeqNo: seqs[0],
		EndSeqNo:   seqs[len(seqs)-1],
		EventCount: len(a.buffer),
		CreatedAt:  uint64(a.now().UnixMilli()),
	}

	a.batches[batch.BatchID] = batch
	a.order = append(a.order, batch.BatchID)
	a.nextBatchID++
	a.buffer = a.buffer[:0]
	a.lastFlush = a.now()

	a.logger.Debug("batch aggregated",
		zap.Uint64("batch_id", batch.BatchID),
		zap.String("root_hash", batch.RootHash.String()),
		zap.Uint64("start_seq_no", batch.StartSeqNo),
		zap.Uint64("end_seq_no", batch.EndSeqNo),
		zap.Int("event_count", batch.EventCount),
	)
	return &batch, nil
}

// GetBatch returns the batch with the given id.
func (a *Aggregator) GetBatch(batchID uint64) (Batch, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	batch, found := a.batches[batchID]
	return batch, found
}

// Batches returns all completed batches in creation order.
func (a *Aggregator) Batches() []Batch {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Batch, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, a.batches[id])
	}
	return out
}

// PendingCount returns the current buffer size.
func (a *Aggregator) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffer)
}

// DrainLedger pulls events appended since the last drain from the store and
// feeds them to the buffer, page by page. Completed batches triggered along
// the way are returned in order.
func (a *Aggregator) DrainLedger(ctx context.Context, store ledger.Store, pageSize int) ([]Batch, error) {
	a.drainMu.Lock()
	defer a.drainMu.Unlock()

	if pageSize <= 0 {
		pageSize = 256
	}

	var flushed []Batch
	for {
		a.mu.Lock()
		start := a.lastDrained + 1
		a.mu.Unlock()

		window, err := store.IterateEvents(ctx, start, pageSize)
		if err != nil {
			return flushed, fmt.Errorf("drain ledger from %d: %w", start, err)
		}
		if len(window) == 0 {
			return flushed, nil
		}

		for _, row := range window {
			batch, err := a.AddEventHash(row.SeqNo, row.Event.EventHash)
			if err != nil {
				return flushed, err
			}
			a.mu.Lock()
			a.lastDrained = row.SeqNo
			a.mu.Unlock()
			if batch != nil {
				flushed = append(flushed, *batch)
			}
		}

		if len(window) < pageSize {
			return flushed, nil
		}
	}
}
