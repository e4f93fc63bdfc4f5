// Package ledger implements the durable, append-only store for signed events.
//
// The store is the single source of truth for the event sequence: seq_no is
// assigned here, strictly increasing by 1 from 1, and every append is checked
// against the chain head before it is committed. Two implementations of the
// Store interface are provided:
//   - SQLiteStore: file-backed, WAL-durable, for single-node deployments.
//   - PostgresStore: for deployments that already run Postgres.
//
// A store whose startup continuity scan finds corruption still opens — reads
// keep working for forensics — but all further appends fail closed until an
// external recovery procedure intervenes.
package ledger

import (
	"fmt"

	"github.com/aethermesh/trustfabric/internal/hashlink"
)

// SignedEvent is one immutable row in the ledger. It arrives from an
// external signing service with event_hash and signature already computed;
// the store checks linkage and shape, never the signature itself.
type SignedEvent struct {
	// EventID uniquely identifies the event across the fabric.
	EventID string `json:"event_id"`
	// Timestamp is the event creation time in Unix milliseconds.
	Timestamp uint64 `json:"timestamp"`
	// EventHash is the canonical digest of the event content.
	EventHash hashlink.Digest `json:"event_hash"`
	// PrevEventHash links to the predecessor (GenesisDigest for seq_no 1).
	PrevEventHash hashlink.Digest `json:"prev_event_hash"`
	// Signature is opaque here; verification belongs to the signing service.
	Signature []byte `json:"signature"`
	// PublicKeyID names the signing key, also opaque here.
	PublicKeyID string `json:"public_key_id"`
	// EventType is an optional classifier.
	EventType string `json:"event_type,omitempty"`
	// PayloadRef optionally points at external payload storage.
	PayloadRef string `json:"payload_ref,omitempty"`
}

// Validate checks the structural shape of an incoming event.
func (e *SignedEvent) Validate() error {
	if e.EventID == "" {
		return &InvalidEventError{Reason: "event_id must not be empty"}
	}
	if e.Timestamp == 0 {
		return &InvalidEventError{Reason: "timestamp must be positive"}
	}
	if e.EventHash.IsZero() {
		return &InvalidEventError{Reason: "event_hash must not be the genesis digest"}
	}
	if len(e.Signature) == 0 {
		return &InvalidEventError{Reason: "signature must not be empty"}
	}
	if e.PublicKeyID == "" {
		return &InvalidEventError{Reason: "public_key_id must not be empty"}
	}
	return nil
}

// HealthStatus classifies the outcome of a continuity scan.
type HealthStatus string

const (
	// HealthOK means the full range [1..N] satisfies the chain invariants.
	HealthOK HealthStatus = "ok"
	// HealthCorrupted means the scan found a sequence gap or a broken link.
	HealthCorrupted HealthStatus = "corrupted"
)

// Health is the cached result of the most recent continuity scan.
type Health struct {
	Status HealthStatus `json:"status"`
	// LastGoodSeqNo is the highest seq_no before the first violation.
	// Zero when the very first row is bad.
	LastGoodSeqNo uint64 `json:"last_good_seq_no,omitempty"`
	// FirstBadSeqNo is the seq_no of the first violating row.
	FirstBadSeqNo uint64 `json:"first_bad_seq_no,omitempty"`
	// ErrorType describes the violation for operators.
	ErrorType string `json:"error_type,omitempty"`
	// NodeID identifies the node that owns the store.
	NodeID string `json:"node_id"`
}

// OK reports whether the ledger passed its last continuity scan.
func (h Health) OK() bool {
	return h.Status == HealthOK
}

func (h Health) String() string {
	if h.OK() {
		return "ok"
	}
	return fmt.Sprintf("corrupted: %s (last_good=%d first_bad=%d)",
		h.ErrorType, h.LastGoodSeqNo, h.FirstBadSeqNo)
}
