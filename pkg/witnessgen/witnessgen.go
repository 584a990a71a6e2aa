// Package witnessgen generates the SAMM witness file from the compiled
// circuit artifacts and prover.json in a target directory.
package witnessgen

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/MuriData/samm-zkproof/config"
	"github.com/MuriData/samm-zkproof/pkg/abi"
	"github.com/MuriData/samm-zkproof/pkg/artifact"
	"github.com/MuriData/samm-zkproof/pkg/executor"
)

// Variant is the DKIM key size the circuit was built for.
type Variant int

const (
	Variant1024 Variant = 1024
	Variant2048 Variant = 2048
)

// VariantFromArg maps the command argument to a variant. Only the literal
// "True" selects the 2048-bit circuit.
func VariantFromArg(arg string) Variant {
	if arg == "True" {
		return Variant2048
	}
	return Variant1024
}

func (v Variant) String() string {
	return strconv.Itoa(int(v))
}

// Paths locates the files of one witness generation run.
type Paths struct {
	Dir string
}

// NewPaths returns the paths of a run rooted at dir.
func NewPaths(dir string) Paths {
	return Paths{Dir: dir}
}

// Circuit returns the artifact path for v.
func (p Paths) Circuit(v Variant) string {
	if v == Variant2048 {
		return filepath.Join(p.Dir, config.Circuit2048File)
	}
	return filepath.Join(p.Dir, config.Circuit1024File)
}

// Prover returns the path of the prover inputs.
func (p Paths) Prover() string {
	return filepath.Join(p.Dir, config.ProverFile)
}

// Witness returns the path the witness is written to.
func (p Paths) Witness() string {
	return filepath.Join(p.Dir, config.WitnessFile)
}

// Generate loads the artifact for v and the prover inputs, solves the
// circuit, and writes the witness file. Steps run in order and the first
// failure is returned.
func Generate(ctx context.Context, p Paths, v Variant) (*executor.Execution, error) {
	circuitPath := p.Circuit(v)
	art, err := artifact.Load(circuitPath)
	if err != nil {
		return nil, fmt.Errorf("load circuit: %w", err)
	}
	log.Info().Str("circuit", art.Name).Str("path", circuitPath).Msg("loaded circuit definition")

	inputs, err := readInputs(p.Prover())
	if err != nil {
		return nil, fmt.Errorf("load prover inputs: %w", err)
	}

	exec, err := executor.New(art)
	if err != nil {
		return nil, fmt.Errorf("decode circuit: %w", err)
	}

	res, err := exec.Execute(ctx, inputs)
	if err != nil {
		return nil, fmt.Errorf("execute circuit: %w", err)
	}

	if err := executor.SaveWitness(p.Witness(), res.Witness); err != nil {
		return nil, fmt.Errorf("save witness: %w", err)
	}
	log.Info().Str("path", p.Witness()).Int("wires", res.NbWires).Msg("wrote witness")

	return res, nil
}

func readInputs(path string) (map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return abi.ReadInputs(f)
}
