package main

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/MuriData/samm-zkproof/circuits/samm"
	"github.com/MuriData/samm-zkproof/config"
	"github.com/MuriData/samm-zkproof/pkg/crypto"
	"github.com/MuriData/samm-zkproof/pkg/merkle"
)

var (
	cfg = config.Load()

	targetDir   string
	logLevel    string
	membersFile string
	treeFile    string
	memberIndex int
	outFile     string
)

func init() {
	inputsCmd.Flags().StringVar(&targetDir, "target", cfg.TargetDir, "Directory to write prover.json into.")
	inputsCmd.PersistentFlags().StringVar(&logLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error).")
	inputsCmd.Flags().StringVar(&membersFile, "members", "", "JSON list of {email, secret} members, in tree order.")
	inputsCmd.Flags().StringVar(&treeFile, "tree", "", "Saved member tree; written when --members is given, read otherwise.")
	inputsCmd.Flags().IntVar(&memberIndex, "index", -1, "Leaf index of the approving member (looked up in --members by default).")

	membersCmd.Flags().StringVarP(&outFile, "out", "o", "members.json", "Member list to write.")
	inputsCmd.AddCommand(membersCmd)
}

var membersCmd = &cobra.Command{
	Use:   "members EMAIL...",
	Short: "Write a member list with fresh secrets",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		config.SetupLogger(logLevel)

		members := make([]samm.Member, len(args))
		for i, email := range args {
			secret, err := crypto.GenerateSecret()
			if err != nil {
				return fmt.Errorf("secret for %s: %w", email, err)
			}
			members[i] = samm.Member{Email: email, Secret: secret}
		}
		if err := writeJSON(outFile, members); err != nil {
			return err
		}
		log.Info().Str("path", outFile).Int("members", len(members)).Msg("wrote member list")
		return nil
	},
}

var inputsCmd = &cobra.Command{
	Use:   "inputs APPROVAL_JSON",
	Short: "Build prover.json from an approval",
	Long: `Verifies the DKIM signature of an approval, computes the member's Merkle
path, commit and pubkey hash, and writes prover.json into the target directory.`,
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		config.SetupLogger(logLevel)

		var a samm.Approval
		if err := readJSON(args[0], &a); err != nil {
			return fmt.Errorf("approval: %w", err)
		}
		p, err := samm.ParamsForKeySize(a.KeySize)
		if err != nil {
			return err
		}

		tree, idx, err := memberTree(a, p)
		if err != nil {
			return err
		}

		in, err := samm.PrepareInputs(a, p, tree, idx)
		if err != nil {
			return err
		}

		path := filepath.Join(targetDir, config.ProverFile)
		if err := writeJSON(path, in); err != nil {
			return err
		}
		log.Info().
			Str("path", path).
			Str("circuit", p.Name).
			Str("root", in.Root).
			Str("commit", in.Commit).
			Msg("wrote prover inputs")
		return nil
	},
}

// memberTree builds the tree from --members or loads it from --tree.
func memberTree(a samm.Approval, p samm.Params) (*merkle.Tree, int, error) {
	idx := memberIndex

	if membersFile != "" {
		var members []samm.Member
		if err := readJSON(membersFile, &members); err != nil {
			return nil, 0, fmt.Errorf("members: %w", err)
		}
		if idx < 0 {
			var ok bool
			if idx, ok = samm.FindMember(members, a.Member); !ok {
				return nil, 0, fmt.Errorf("%s is not a member", a.Member)
			}
		}
		tree, err := samm.MemberTree(members, p)
		if err != nil {
			return nil, 0, err
		}
		if treeFile != "" {
			if err := saveTree(treeFile, tree); err != nil {
				return nil, 0, err
			}
		}
		return tree, idx, nil
	}

	if treeFile == "" {
		return nil, 0, fmt.Errorf("either --members or --tree is required")
	}
	if idx < 0 {
		return nil, 0, fmt.Errorf("--index is required with --tree")
	}
	f, err := os.Open(treeFile)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	tree, err := merkle.ReadTree(f, big.NewInt(0))
	if err != nil {
		return nil, 0, err
	}
	return tree, idx, nil
}

func saveTree(path string, tree *merkle.Tree) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := tree.WriteTo(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func main() {
	if err := inputsCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("building prover inputs failed")
		os.Exit(1)
	}
}
