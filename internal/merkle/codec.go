package merkle

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aethermesh/trustfabric/internal/hashlink"
)

// TreeFile is the on-disk representation used by the batch tooling: the
// sorted leaf list plus the root, hex-encoded.
type TreeFile struct {
	Root      hashlink.Digest   `json:"root"`
	LeafCount int               `json:"leaf_count"`
	Leaves    []hashlink.Digest `json:"leaves"`
}

// ReadLeafFile parses a leaf-hash file: one 64-character hex-encoded 32-byte
// hash per line. Blank lines are ignored; anything else is an error.
func ReadLeafFile(r io.Reader) ([]hashlink.Digest, error) {
	var leaves []hashlink.Digest
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		d, err := hashlink.ParseDigest(line)
		if err != nil {
			return nil, fmt.Errorf("leaf file line %d: %w", lineNo, err)
		}
		leaves = append(leaves, d)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read leaf file: %w", err)
	}
	return leaves, nil
}

// WriteTreeFile serializes a built tree to path.
func WriteTreeFile(path string, tree *Tree) error {
	doc := TreeFile{
		Root:      tree.Root(),
		LeafCount: tree.LeafCount(),
		Leaves:    tree.Leaves(),
	}
	return writeJSONFile(path, doc)
}

// ReadTreeFile loads a tree file and rebuilds the tree, checking that the
// stored root matches the rebuilt one.
func ReadTreeFile(path string) (*Tree, error) {
	var doc TreeFile
	if err := readJSONFile(path, &doc); err != nil {
		return nil, err
	}
	tree, err := Build(doc.Leaves)
	if err != nil {
		return nil, fmt.Errorf("rebuild tree from %s: %w", path, err)
	}
	if tree.Root() != doc.Root {
		return nil, fmt.Errorf("tree file %s: stored root %s does not match rebuilt root %s",
			path, doc.Root, tree.Root())
	}
	return tree, nil
}

// WriteProofFile serializes a proof to path.
func WriteProofFile(path string, proof *Proof) error {
	return writeJSONFile(path, proof)
}

// ReadProofFile loads a proof from path.
func ReadProofFile(path string) (*Proof, error) {
	var proof Proof
	if err := readJSONFile(path, &proof); err != nil {
		return nil, err
	}
	return &proof, nil
}

func writeJSONFile(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return nil
}

func readJSONFile(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
