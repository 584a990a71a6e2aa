package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/MuriData/samm-zkproof/config"
	"github.com/MuriData/samm-zkproof/pkg/witnessgen"
)

func newWitnessCmd(cfg config.Config) *cobra.Command {
	var targetDir, logLevel string

	cmd := &cobra.Command{
		Use:   "witness [True|False]",
		Short: "Generate witness.gz for a SAMM approval",
		Long: `Loads samm_1024.json, or samm_2048.json when the argument is True, together
with prover.json from the target directory, executes the circuit, and writes
witness.gz next to them.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			config.SetupLogger(logLevel)

			var arg string
			if len(args) > 0 {
				arg = args[0]
			}
			variant := witnessgen.VariantFromArg(arg)
			log.Info().Stringer("variant", variant).Str("target", targetDir).Msg("generating witness")

			_, err := witnessgen.Generate(cmd.Context(), witnessgen.NewPaths(targetDir), variant)
			return err
		},
	}
	cmd.Flags().StringVar(&targetDir, "target", cfg.TargetDir, "Directory holding the circuit definitions and prover.json.")
	cmd.Flags().StringVar(&logLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error).")
	return cmd
}

// run executes the witness command with args and returns its failure.
func run(ctx context.Context, args []string) error {
	cmd := newWitnessCmd(config.Load())
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		log.Error().Err(err).Msg("witness generation failed")
		stop()
		os.Exit(1)
	}
}
