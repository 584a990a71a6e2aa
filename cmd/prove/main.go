package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/MuriData/samm-zkproof/config"
	"github.com/MuriData/samm-zkproof/pkg/artifact"
	"github.com/MuriData/samm-zkproof/pkg/executor"
	"github.com/MuriData/samm-zkproof/pkg/prover"
	"github.com/MuriData/samm-zkproof/pkg/setup"
	"github.com/MuriData/samm-zkproof/pkg/witnessgen"
)

var (
	cfg = config.Load()

	targetDir string
	keysDir   string
	logLevel  string
	domain    string
	output    string
)

func init() {
	proveCmd.Flags().StringVar(&targetDir, "target", cfg.TargetDir, "Directory holding the circuit definitions and witness.gz.")
	proveCmd.Flags().StringVar(&keysDir, "keys", cfg.KeysDir, "Directory holding the proving and verifying keys.")
	proveCmd.Flags().StringVar(&logLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error).")
	proveCmd.Flags().StringVar(&domain, "domain", "", "DKIM signing domain recorded in the proof struct.")
	proveCmd.Flags().StringVar(&output, "out", "", "Proof struct output path (default <target>/proof.json).")
}

var proveCmd = &cobra.Command{
	Use:   "prove [True|False]",
	Short: "Prove witness.gz and write the contract proof struct",
	Args:  cobra.MaximumNArgs(1),

	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		config.SetupLogger(logLevel)

		var arg string
		if len(args) > 0 {
			arg = args[0]
		}
		variant := witnessgen.VariantFromArg(arg)
		paths := witnessgen.NewPaths(targetDir)

		a, err := artifact.Load(paths.Circuit(variant))
		if err != nil {
			return err
		}
		if a.Backend != artifact.Groth16 {
			return fmt.Errorf("%s uses %s, only groth16 proofs are supported", a.Name, a.Backend)
		}
		ccs, err := a.ConstraintSystem()
		if err != nil {
			return err
		}
		field, err := a.Field()
		if err != nil {
			return err
		}
		wit, err := executor.LoadWitness(paths.Witness(), field)
		if err != nil {
			return err
		}
		pk, vk, err := setup.LoadKeys(setup.Keys{Dir: keysDir, Name: a.Name})
		if err != nil {
			return err
		}

		log.Info().Str("circuit", a.Name).Msg("proving")
		proof, err := prover.Prove(cmd.Context(), ccs, pk, wit)
		if err != nil {
			return err
		}
		if err := prover.Verify(proof, vk, wit); err != nil {
			return err
		}

		fixture, err := prover.NewFixture(a, proof, wit, domain, variant == witnessgen.Variant2048)
		if err != nil {
			return err
		}
		out := output
		if out == "" {
			out = filepath.Join(targetDir, "proof.json")
		}
		return fixture.Save(out)
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := proveCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("proof generation failed")
		stop()
		os.Exit(1)
	}
}
