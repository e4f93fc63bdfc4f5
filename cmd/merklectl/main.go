// merklectl is the batch tooling for the Merkle aggregation layer: it builds
// trees from leaf-hash files, generates inclusion proofs, and verifies them
// offline.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aethermesh/trustfabric/internal/merkle"
)

var jsonOutput bool

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "merklectl",
	Short: "Merkle batch tooling for the trust fabric ledger",
	Long: `merklectl builds deterministic Merkle trees over sets of event hashes,
generates inclusion proofs, and verifies proofs independently of the
tree that produced them.

Leaf-hash input files contain one 64-character hex-encoded 32-byte hash
per line. Leaves are sorted before construction, so a root commits to a
set of hashes, not their order.`,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit machine-readable JSON output")

	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(proveCmd)
	rootCmd.AddCommand(verifyCmd)
}

// ── build ────────────────────────────────────────────────────────────────────

var (
	buildInput  string
	buildOutput string
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build a Merkle tree from a leaf-hash file",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(buildInput)
		if err != nil {
			return fmt.Errorf("open leaf file: %w", err)
		}
		defer f.Close()

		leaves, err := merkle.ReadLeafFile(f)
		if err != nil {
			return err
		}

		raw := make([][]byte, len(leaves))
		for i, l := range leaves {
			raw[i] = l.Bytes()
		}
		tree, err := merkle.Build(merkle.PreprocessLeaves(raw))
		if err != nil {
			return err
		}
		if err := merkle.WriteTreeFile(buildOutput, tree); err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(map[string]any{
				"root":       tree.Root().String(),
				"leaf_count": tree.LeafCount(),
				"tree_file":  buildOutput,
			})
		}
		fmt.Printf("built tree over %d leaves\nroot: %s\nwrote %s\n",
			tree.LeafCount(), tree.Root(), buildOutput)
		return nil
	},
}

// ── prove ────────────────────────────────────────────────────────────────────

var (
	proveTree   string
	proveIndex  int
	proveOutput string
)

var proveCmd = &cobra.Command{
	Use:   "prove",
	Short: "Generate an inclusion proof for a leaf index",
	RunE: func(cmd *cobra.Command, args []string) error {
		tree, err := merkle.ReadTreeFile(proveTree)
		if err != nil {
			return err
		}

		proof, err := tree.GenerateProof(proveIndex)
		if err != nil {
			return err
		}
		if err := merkle.WriteProofFile(proveOutput, proof); err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(map[string]any{
				"leaf_index": proof.LeafIndex,
				"leaf_hash":  proof.LeafHash.String(),
				"root":       proof.RootHash.String(),
				"path_len":   len(proof.SiblingHashes),
				"proof_file": proveOutput,
			})
		}
		fmt.Printf("proof for leaf %d (%s)\npath length: %d\nwrote %s\n",
			proof.LeafIndex, proof.LeafHash, len(proof.SiblingHashes), proveOutput)
		return nil
	},
}

// ── verify ───────────────────────────────────────────────────────────────────

var verifyProof string

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify an inclusion proof against its embedded root",
	RunE: func(cmd *cobra.Command, args []string) error {
		proof, err := merkle.ReadProofFile(verifyProof)
		if err != nil {
			return err
		}

		valid, err := merkle.VerifyProof(proof)
		if err != nil {
			return err
		}

		if jsonOutput {
			if err := printJSON(map[string]any{
				"valid":      valid,
				"leaf_index": proof.LeafIndex,
				"root":       proof.RootHash.String(),
			}); err != nil {
				return err
			}
		} else if valid {
			fmt.Printf("valid: leaf %d is included under root %s\n",
				proof.LeafIndex, proof.RootHash)
		} else {
			fmt.Printf("INVALID: proof does not reproduce root %s\n", proof.RootHash)
		}

		if !valid {
			// Honest mismatch: exit 1 without the error banner.
			cmd.SilenceErrors = true
			os.Exit(1)
		}
		return nil
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	buildCmd.Flags().StringVar(&buildInput, "input", "", "leaf-hash file, one hex hash per line (required)")
	buildCmd.Flags().StringVar(&buildOutput, "output", "", "tree file to write (required)")
	buildCmd.MarkFlagRequired("input")  //nolint:errcheck
	buildCmd.MarkFlagRequired("output") //nolint:errcheck

	proveCmd.Flags().StringVar(&proveTree, "tree", "", "tree file produced by build (required)")
	proveCmd.Flags().IntVar(&proveIndex, "leaf-index", 0, "index of the leaf in the sorted leaf list")
	proveCmd.Flags().StringVar(&proveOutput, "output", "", "proof file to write (required)")
	proveCmd.MarkFlagRequired("tree")   //nolint:errcheck
	proveCmd.MarkFlagRequired("output") //nolint:errcheck

	verifyCmd.Flags().StringVar(&verifyProof, "proof", "", "proof file produced by prove (required)")
	verifyCmd.MarkFlagRequired("proof") //nolint:errcheck
}
