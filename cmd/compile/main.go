package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/MuriData/samm-zkproof/circuits/samm"
	"github.com/MuriData/samm-zkproof/config"
	"github.com/MuriData/samm-zkproof/pkg/artifact"
	"github.com/MuriData/samm-zkproof/pkg/setup"
)

var (
	cfg = config.Load()

	targetDir   string
	keysDir     string
	ceremonyDir string
	logLevel    string
	variant     string
	backend     string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&targetDir, "target", cfg.TargetDir, "Directory for the circuit definitions.")
	rootCmd.PersistentFlags().StringVar(&keysDir, "keys", cfg.KeysDir, "Directory for proving and verifying keys.")
	rootCmd.PersistentFlags().StringVar(&ceremonyDir, "ceremony-dir", cfg.CeremonyDir, "Directory for MPC ceremony files.")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error).")
	rootCmd.PersistentFlags().StringVar(&variant, "variant", "all", "Circuit variant: 1024, 2048 or all.")
	rootCmd.Flags().StringVar(&backend, "backend", string(artifact.Groth16), "Proof system: groth16 or plonk.")

	ceremonyCmd.AddCommand(
		ceremonyStep("p1-init", "Initialize Phase 1 (Powers of Tau)", cobra.NoArgs,
			func(c setup.Ceremony, a *artifact.Artifact, _ []string) error { return c.P1Init(a) }),
		ceremonyStep("p1-contribute", "Add a Phase 1 contribution", cobra.NoArgs,
			func(c setup.Ceremony, _ *artifact.Artifact, _ []string) error { return c.P1Contribute() }),
		ceremonyStep("p1-verify BEACON_HEX", "Verify Phase 1 and seal with a random beacon", cobra.ExactArgs(1),
			func(c setup.Ceremony, a *artifact.Artifact, args []string) error { return c.P1Verify(a, args[0]) }),
		ceremonyStep("p2-init", "Initialize Phase 2 (circuit-specific)", cobra.NoArgs,
			func(c setup.Ceremony, a *artifact.Artifact, _ []string) error { return c.P2Init(a) }),
		ceremonyStep("p2-contribute", "Add a Phase 2 contribution", cobra.NoArgs,
			func(c setup.Ceremony, _ *artifact.Artifact, _ []string) error { return c.P2Contribute() }),
		ceremonyStep("p2-verify BEACON_HEX", "Verify Phase 2, seal and export keys", cobra.ExactArgs(1),
			func(c setup.Ceremony, a *artifact.Artifact, args []string) error {
				return c.P2Verify(a, args[0], setup.Keys{Dir: keysDir, Name: a.Name})
			}),
	)
	rootCmd.AddCommand(devCmd, ceremonyCmd)
}

var rootCmd = &cobra.Command{
	Use:   "compile",
	Short: "Compile the SAMM circuits into circuit definition files",
	Args:  cobra.NoArgs,

	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		config.SetupLogger(logLevel)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := selectParams(variant)
		if err != nil {
			return err
		}
		for _, p := range params {
			a, _, err := artifact.Compile(p.Name, samm.NewCircuit(p), artifact.Backend(backend))
			if err != nil {
				return err
			}
			if err := a.Save(artifactPath(p)); err != nil {
				return err
			}
			log.Info().Str("path", artifactPath(p)).Str("hash", a.Hash).Msg("wrote circuit definition")
		}
		return nil
	},
}

var devCmd = &cobra.Command{
	Use:   "dev",
	Short: "Single-party key setup (NOT for production)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return forEachArtifact(func(p samm.Params, a *artifact.Artifact) error {
			return setup.DevSetup(a, setup.Keys{Dir: keysDir, Name: p.Name})
		})
	},
}

var ceremonyCmd = &cobra.Command{
	Use:   "ceremony",
	Short: "Two-phase Groth16 MPC ceremony, one variant at a time",
}

func ceremonyStep(use, short string, args cobra.PositionalArgs, run func(setup.Ceremony, *artifact.Artifact, []string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, posArgs []string) error {
			if variant == "all" {
				return fmt.Errorf("pick one circuit with --variant 1024 or --variant 2048")
			}
			return forEachArtifact(func(p samm.Params, a *artifact.Artifact) error {
				return run(setup.Ceremony{Dir: filepath.Join(ceremonyDir, p.Name)}, a, posArgs)
			})
		},
	}
}

func selectParams(v string) ([]samm.Params, error) {
	switch v {
	case "1024":
		return []samm.Params{samm.Params1024}, nil
	case "2048":
		return []samm.Params{samm.Params2048}, nil
	case "all":
		return []samm.Params{samm.Params1024, samm.Params2048}, nil
	}
	return nil, fmt.Errorf("unknown variant %q", v)
}

func artifactPath(p samm.Params) string {
	return filepath.Join(targetDir, p.Name+".json")
}

func forEachArtifact(fn func(samm.Params, *artifact.Artifact) error) error {
	params, err := selectParams(variant)
	if err != nil {
		return err
	}
	for _, p := range params {
		a, err := artifact.Load(artifactPath(p))
		if err != nil {
			return fmt.Errorf("%w (run compile first)", err)
		}
		if err := fn(p, a); err != nil {
			return fmt.Errorf("%s: %w", p.Name, err)
		}
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("compile failed")
		os.Exit(1)
	}
}
