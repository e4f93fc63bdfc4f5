// Package merkle builds deterministic batch trees over sorted leaf sets and
// generates/verifies inclusion proofs.
//
// Leaves are sorted before construction, so a root is a set commitment: it
// proves membership of a set of hashes, not their original order. Ordering
// of the underlying events is attested separately by the ledger's sequence
// numbers.
package merkle

import (
	"errors"
	"fmt"
	"sort"

	"github.com/aethermesh/trustfabric/internal/hashlink"
)

// ErrEmptyLeaves rejects tree construction over an empty leaf set.
var ErrEmptyLeaves = errors.New("merkle: cannot build tree from empty leaves")

// InvalidLeafIndexError rejects a proof request for a leaf the tree does not
// have.
type InvalidLeafIndexError struct {
	Index int
	Count int
}

func (e *InvalidLeafIndexError) Error() string {
	return fmt.Sprintf("merkle: invalid leaf index %d (tree has %d leaves)", e.Index, e.Count)
}

// MalformedProofError rejects a structurally broken proof. Distinct from a
// well-formed proof that simply does not match its root: that is a clean
// false, so callers can tell "corrupt proof" from "tampered data".
type MalformedProofError struct {
	Reason string
}

func (e *MalformedProofError) Error() string {
	return fmt.Sprintf("merkle: malformed proof: %s", e.Reason)
}

// Proof is an inclusion witness for one leaf. It verifies independently of
// the tree that produced it.
type Proof struct {
	LeafHash hashlink.Digest `json:"leaf_hash"`
	// LeafIndex is the position in the sorted leaf list.
	LeafIndex int `json:"leaf_index"`
	// SiblingHashes are ordered bottom-up, leaf level first.
	SiblingHashes []hashlink.Digest `json:"sibling_hashes"`
	// DirectionBits align with SiblingHashes: true = sibling is on the right.
	DirectionBits []bool          `json:"direction_bits"`
	RootHash      hashlink.Digest `json:"root_hash"`
}

// Tree is a static binary Merkle tree, built once over an immutable sorted
// leaf list. An odd node at any level is promoted unchanged to the next
// level; nothing is duplicated.
type Tree struct {
	levels [][]hashlink.Digest // levels[0] are the leaves
	root   hashlink.Digest
}

// PreprocessLeaves canonicalizes arbitrary hashes to 32 bytes and sorts them
// lexicographically ascending. Duplicates are kept as-is. Building from any
// permutation of the same set yields the same root.
func PreprocessLeaves(hashes [][]byte) []hashlink.Digest {
	leaves := make([]hashlink.Digest, len(hashes))
	for i, h := range hashes {
		leaves[i] = hashlink.DigestFromBytes(h)
	}
	SortLeaves(leaves)
	return leaves
}

// SortLeaves sorts digests lexicographically ascending, in place.
func SortLeaves(leaves []hashlink.Digest) {
	sort.Slice(leaves, func(i, j int) bool {
		return compareDigests(leaves[i], leaves[j]) < 0
	})
}

func compareDigests(a, b hashlink.Digest) int {
	for i := range a {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}

// Build constructs the tree bottom-up from sorted leaves.
func Build(sortedLeaves []hashlink.Digest) (*Tree, error) {
	if len(sortedLeaves) == 0 {
		return nil, ErrEmptyLeaves
	}

	leaves := make([]hashlink.Digest, len(sortedLeaves))
	copy(leaves, sortedLeaves)

	levels := [][]hashlink.Digest{leaves}
	current := leaves
	for len(current) > 1 {
		next := make([]hashlink.Digest, 0, (len(current)+1)/2)
		for i := 0; i < len(current); i += 2 {
			if i+1 < len(current) {
				next = append(next, hashlink.HashPair(current[i], current[i+1]))
			} else {
				// Odd node out: promote unchanged.
				next = append(next, current[i])
			}
		}
		levels = append(levels, next)
		current = next
	}

	return &Tree{levels: levels, root: current[0]}, nil
}

// Root returns the root digest.
func (t *Tree) Root() hashlink.Digest {
	return t.root
}

// LeafCount returns the number of leaves.
func (t *Tree) LeafCount() int {
	return len(t.levels[0])
}

// Leaves returns a copy of the sorted leaf list.
func (t *Tree) Leaves() []hashlink.Digest {
	out := make([]hashlink.Digest, len(t.levels[0]))
	copy(out, t.levels[0])
	return out
}

// GenerateProof builds the inclusion proof for the leaf at index, recording
// the sibling hash and direction at each level on the path to the root.
func (t *Tree) GenerateProof(leafIndex int) (*Proof, error) {
	leaves := t.levels[0]
	if leafIndex < 0 || leafIndex >= len(leaves) {
		return nil, &InvalidLeafIndexError{Index: leafIndex, Count: len(leaves)}
	}

	proof := &Proof{
		LeafHash:  leaves[leafIndex],
		LeafIndex: leafIndex,
		RootHash:  t.root,
	}

	index := leafIndex
	for level := 0; level < len(t.levels)-1; level++ {
		nodes := t.levels[level]

		isRightChild := index%2 == 1
		siblingIndex := index + 1
		if isRightChild {
			siblingIndex = index - 1
		} else if siblingIndex >= len(nodes) {
			// Promoted odd node: no sibling at this level.
			index /= 2
			continue
		}

		proof.SiblingHashes = append(proof.SiblingHashes, nodes[siblingIndex])
		proof.DirectionBits = append(proof.DirectionBits, !isRightChild)
		index /= 2
	}

	return proof, nil
}

// VerifyProof folds the leaf hash with each sibling per its direction bit
// and compares the result to the proof's root. A malformed proof shape is an
// error; a well-formed proof that does not reproduce the root returns
// (false, nil).
func VerifyProof(proof *Proof) (bool, error) {
	if proof == nil {
		return false, &MalformedProofError{Reason: "nil proof"}
	}
	if len(proof.SiblingHashes) != len(proof.DirectionBits) {
		return false, &MalformedProofError{
			Reason: fmt.Sprintf("sibling/direction length mismatch: %d vs %d",
				len(proof.SiblingHashes), len(proof.DirectionBits)),
		}
	}
	if proof.LeafIndex < 0 {
		return false, &MalformedProofError{Reason: "negative leaf index"}
	}

	current := proof.LeafHash
	for i, sibling := range proof.SiblingHashes {
		if proof.DirectionBits[i] {
			current = hashlink.HashPair(current, sibling)
		} else {
			current = hashlink.HashPair(sibling, current)
		}
	}
	return current == proof.RootHash, nil
}
