// Package hashlink provides the deterministic hashing primitives that the
// ledger, chain verifier, and Merkle layer all share: canonical event digests
// and compound chain pointers.
//
// All digests are 32-byte BLAKE3. The encoding fed to the hasher is an
// explicit field-ordering contract, never an incidental map serialization, so
// two processes always derive the same digest for the same event.
package hashlink

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/zeebo/blake3"
)

// DigestSize is the size in bytes of every digest in the system.
const DigestSize = 32

// Digest is a 32-byte BLAKE3 hash.
type Digest [DigestSize]byte

// GenesisDigest is the well-known all-zero digest used as the
// prev_event_hash of the first event in a chain.
var GenesisDigest = Digest{}

// String returns the lowercase hex encoding of the digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Bytes returns a copy of the digest as a byte slice.
func (d Digest) Bytes() []byte {
	out := make([]byte, DigestSize)
	copy(out, d[:])
	return out
}

// IsZero reports whether the digest is the genesis (all-zero) value.
func (d Digest) IsZero() bool {
	return d == GenesisDigest
}

// MarshalJSON encodes the digest as a hex string.
func (d Digest) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON decodes a hex string into the digest.
func (d *Digest) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseDigest(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDigest decodes a 64-character hex string into a Digest.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	if len(s) != DigestSize*2 {
		return d, fmt.Errorf("digest must be %d hex characters, got %d", DigestSize*2, len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("decode digest: %w", err)
	}
	copy(d[:], raw)
	return d, nil
}

// DigestFromBytes canonicalizes an arbitrary byte slice into a Digest.
// Slices shorter than 32 bytes are zero-padded on the right; longer slices
// are truncated. Used when ingesting externally supplied hashes.
func DigestFromBytes(b []byte) Digest {
	var d Digest
	copy(d[:], b)
	return d
}

// CanonicalEvent is the field set covered by the canonical event digest.
// The payload is a flat key/value map; values are encoded as canonical JSON.
type CanonicalEvent struct {
	EventType string            `json:"event_type"`
	Timestamp uint64            `json:"timestamp"`
	SourceID  string            `json:"source_id"`
	Sequence  uint64            `json:"sequence"`
	Payload   map[string]string `json:"payload,omitempty"`
}

// Validate rejects malformed events before they reach the hasher.
func (e *CanonicalEvent) Validate() error {
	if e.EventType == "" {
		return fmt.Errorf("canonical event: event_type must not be empty")
	}
	if e.SourceID == "" {
		return fmt.Errorf("canonical event: source_id must not be empty")
	}
	if e.Timestamp == 0 {
		return fmt.Errorf("canonical event: timestamp must be positive")
	}
	if e.Sequence == 0 {
		return fmt.Errorf("canonical event: sequence must be positive")
	}
	return nil
}

// CanonicalHash computes the deterministic digest of an event.
//
// The encoding is length-delimited and fixed-order: event_type, timestamp,
// source_id, sequence, then payload entries sorted by key. Map iteration
// order never leaks into the digest.
func CanonicalHash(e *CanonicalEvent) (Digest, error) {
	if err := e.Validate(); err != nil {
		return Digest{}, err
	}

	h := blake3.New()
	writeString(h, e.EventType)
	writeUint64(h, e.Timestamp)
	writeString(h, e.SourceID)
	writeUint64(h, e.Sequence)

	keys := make([]string, 0, len(e.Payload))
	for k := range e.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	writeUint64(h, uint64(len(keys)))
	for _, k := range keys {
		writeString(h, k)
		writeString(h, e.Payload[k])
	}

	var d Digest
	copy(d[:], h.Sum(nil))
	return d, nil
}

// ChainPointer computes the compound pointer H(previous || current).
//
// Unlike the single-predecessor prev_event_hash field, folding this pointer
// across a range commits to the full history up to that point. It is a
// higher-assurance verification mode layered on top of the base chain, not a
// replacement for it.
func ChainPointer(current, previous Digest) Digest {
	h := blake3.New()
	h.Write(previous[:])
	h.Write(current[:])

	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// HashPair computes the Merkle parent digest H(left || right).
func HashPair(left, right Digest) Digest {
	h := blake3.New()
	h.Write(left[:])
	h.Write(right[:])

	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

func writeString(h *blake3.Hasher, s string) {
	writeUint64(h, uint64(len(s)))
	h.Write([]byte(s))
}

func writeUint64(h *blake3.Hasher, v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	h.Write(buf[:])
}
