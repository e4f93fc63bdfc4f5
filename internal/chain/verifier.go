// Package chain verifies hash-chain linkage over any ordered, finite
// sequence of chain-linked records.
//
// One verification algorithm serves both the in-memory case (ChainedEvent
// slices built by producers) and the ledger-backed case (persisted rows
// re-checked after the fact); the two are unified behind the Record
// interface.
package chain

import (
	"fmt"

	"github.com/aethermesh/trustfabric/internal/hashlink"
	"github.com/aethermesh/trustfabric/internal/ledger"
)

// Record is one link in a chain under verification.
type Record interface {
	// Hash returns the stored event hash.
	Hash() hashlink.Digest
	// PrevHash returns the stored predecessor pointer.
	PrevHash() hashlink.Digest
	// RecomputeHash re-derives the event hash from content when the content
	// is available. ok=false means the record's content is opaque (e.g. a
	// ledger row whose payload lives behind payload_ref) and only linkage
	// can be checked.
	RecomputeHash() (hashlink.Digest, bool)
}

// Verification error types, reported by index.
const (
	ErrTypeEmptyChain     = "empty_chain"
	ErrTypeInvalidGenesis = "invalid_genesis"
	ErrTypeHashMismatch   = "hash_mismatch"
	ErrTypeBrokenLink     = "broken_link"
	ErrTypeOutOfBounds    = "index_out_of_bounds"
)

// Result is the outcome of a verification pass. Verification is fail-fast:
// it stops at the first break and reports its index. Callers that want every
// break re-run over sub-ranges starting after each reported index.
type Result struct {
	OK        bool   `json:"ok"`
	ErrorType string `json:"error_type,omitempty"`
	Index     int    `json:"index,omitempty"`
}

func (r Result) String() string {
	if r.OK {
		return "ok"
	}
	return fmt.Sprintf("error: %s at index %d", r.ErrorType, r.Index)
}

func ok() Result {
	return Result{OK: true}
}

func broken(errType string, index int) Result {
	return Result{ErrorType: errType, Index: index}
}

// ChainedEvent is the verifier's in-memory working view: a canonical event
// together with its hash and predecessor pointer.
type ChainedEvent struct {
	Event         *hashlink.CanonicalEvent `json:"event"`
	EventHash     hashlink.Digest          `json:"event_hash"`
	PrevEventHash hashlink.Digest          `json:"prev_event_hash"`
}

// NewChainedEvent hashes the event and links it to prev.
func NewChainedEvent(event *hashlink.CanonicalEvent, prev hashlink.Digest) (*ChainedEvent, error) {
	h, err := hashlink.CanonicalHash(event)
	if err != nil {
		return nil, err
	}
	return &ChainedEvent{Event: event, EventHash: h, PrevEventHash: prev}, nil
}

// Hash implements Record.
func (e *ChainedEvent) Hash() hashlink.Digest { return e.EventHash }

// PrevHash implements Record.
func (e *ChainedEvent) PrevHash() hashlink.Digest { return e.PrevEventHash }

// RecomputeHash implements Record.
func (e *ChainedEvent) RecomputeHash() (hashlink.Digest, bool) {
	h, err := hashlink.CanonicalHash(e.Event)
	if err != nil {
		// Content that no longer hashes is as good as a mismatch.
		return hashlink.Digest{}, true
	}
	return h, true
}

// ledgerRecord adapts a persisted row. Payload content is external, so only
// linkage is checked.
type ledgerRecord struct {
	event *ledger.SignedEvent
}

func (r ledgerRecord) Hash() hashlink.Digest     { return r.event.EventHash }
func (r ledgerRecord) PrevHash() hashlink.Digest { return r.event.PrevEventHash }
func (r ledgerRecord) RecomputeHash() (hashlink.Digest, bool) {
	return hashlink.Digest{}, false
}

// RecordsFromStored wraps ledger rows for verification.
func RecordsFromStored(events []ledger.StoredEvent) []Record {
	records := make([]Record, len(events))
	for i, ev := range events {
		records[i] = ledgerRecord{event: ev.Event}
	}
	return records
}

// VerifyFromStart checks the full chain: genesis pointer, per-record hash
// (where recomputable), and linkage between neighbours.
func VerifyFromStart(records []Record) Result {
	if len(records) == 0 {
		return broken(ErrTypeEmptyChain, 0)
	}
	if records[0].PrevHash() != hashlink.GenesisDigest {
		return broken(ErrTypeInvalidGenesis, 0)
	}
	return verifyRange(records, 0)
}

// VerifyFrom re-verifies a suffix. Each record is still checked against its
// true predecessor in the full chain, not treated as a new genesis.
func VerifyFrom(records []Record, start int) Result {
	if start < 0 || start >= len(records) {
		return broken(ErrTypeOutOfBounds, start)
	}
	if start == 0 {
		return VerifyFromStart(records)
	}
	return verifyRange(records, start)
}

func verifyRange(records []Record, start int) Result {
	for i := start; i < len(records); i++ {
		rec := records[i]

		if recomputed, checkable := rec.RecomputeHash(); checkable && recomputed != rec.Hash() {
			return broken(ErrTypeHashMismatch, i)
		}

		if i > 0 && rec.PrevHash() != records[i-1].Hash() {
			return broken(ErrTypeBrokenLink, i)
		}
	}
	return ok()
}

// CompoundPointer folds hashlink.ChainPointer across the range, producing a
// digest that commits to the full history rather than just pairwise links.
// Higher-assurance verification mode; the base contract is VerifyFromStart.
func CompoundPointer(records []Record) hashlink.Digest {
	acc := hashlink.GenesisDigest
	for _, rec := range records {
		acc = hashlink.ChainPointer(rec.Hash(), acc)
	}
	return acc
}
