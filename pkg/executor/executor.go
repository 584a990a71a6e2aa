// Package executor solves a compiled circuit artifact against named JSON
// inputs and produces the gnark witness.
package executor

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/consensys/gnark/backend/witness"
	"github.com/consensys/gnark/constraint"
	"github.com/rs/zerolog/log"

	"github.com/MuriData/samm-zkproof/pkg/abi"
	"github.com/MuriData/samm-zkproof/pkg/artifact"
)

// ErrUnsatisfied is returned when the inputs do not satisfy the circuit.
var ErrUnsatisfied = errors.New("executor: constraints not satisfied")

// Executor holds a decoded constraint system and its ABI.
type Executor struct {
	artifact *artifact.Artifact
	ccs      constraint.ConstraintSystem
	field    *big.Int
}

// Execution is the result of a successful Execute.
type Execution struct {
	Witness witness.Witness
	// Public maps public leaf paths to their values.
	Public  map[string]*big.Int
	NbWires int
}

// New decodes the constraint system of a.
func New(a *artifact.Artifact) (*Executor, error) {
	field, err := a.Field()
	if err != nil {
		return nil, err
	}
	ccs, err := a.ConstraintSystem()
	if err != nil {
		return nil, err
	}
	return &Executor{artifact: a, ccs: ccs, field: field}, nil
}

// ConstraintSystem returns the decoded constraint system.
func (e *Executor) ConstraintSystem() constraint.ConstraintSystem {
	return e.ccs
}

// Execute encodes inputs through the ABI and runs the solver. It returns
// when the solver finishes or ctx is done, whichever comes first.
func (e *Executor) Execute(ctx context.Context, inputs map[string]any) (*Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	asg, err := e.artifact.ABI.Encode(inputs, e.field)
	if err != nil {
		return nil, err
	}

	wit, err := NewWitness(e.field, asg)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		_, err := e.ccs.Solve(wit)
		done <- err
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnsatisfied, e.artifact.Name, err)
		}
	}

	log.Debug().
		Str("circuit", e.artifact.Name).
		Dur("took", time.Since(start)).
		Msg("solved constraint system")

	paths, _ := e.artifact.ABI.Leaves()
	public := make(map[string]*big.Int, len(paths))
	for i, p := range paths {
		public[p] = asg.Public[i]
	}

	return &Execution{
		Witness: wit,
		Public:  public,
		NbWires: e.ccs.GetNbPublicVariables() + e.ccs.GetNbSecretVariables() + e.ccs.GetNbInternalVariables(),
	}, nil
}

// NewWitness builds a full witness from an encoded assignment.
func NewWitness(field *big.Int, asg *abi.Assignment) (witness.Witness, error) {
	w, err := witness.New(field)
	if err != nil {
		return nil, fmt.Errorf("new witness: %w", err)
	}

	values := make(chan any, len(asg.Public)+len(asg.Private))
	for _, v := range asg.Public {
		values <- v
	}
	for _, v := range asg.Private {
		values <- v
	}
	close(values)

	if err := w.Fill(len(asg.Public), len(asg.Private), values); err != nil {
		return nil, fmt.Errorf("fill witness: %w", err)
	}
	return w, nil
}

// WriteWitness writes the gzip-compressed binary witness.
func WriteWitness(w io.Writer, wit witness.Witness) error {
	zw := gzip.NewWriter(w)
	if _, err := wit.WriteTo(zw); err != nil {
		return fmt.Errorf("write witness: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("write witness: %w", err)
	}
	return nil
}

// ReadWitness reads a witness written by WriteWitness for the given field.
func ReadWitness(r io.Reader, field *big.Int) (witness.Witness, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("read witness: %w", err)
	}
	defer zr.Close()

	w, err := witness.New(field)
	if err != nil {
		return nil, fmt.Errorf("new witness: %w", err)
	}
	if _, err := w.ReadFrom(zr); err != nil {
		return nil, fmt.Errorf("read witness: %w", err)
	}
	return w, nil
}

// SaveWitness writes the witness file at path. An existing file is only
// replaced once the new one is complete.
func SaveWitness(path string, wit witness.Witness) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create witness dir: %w", err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create witness: %w", err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(f.Name())
		}
	}()

	if err := f.Chmod(0o644); err != nil {
		return fmt.Errorf("create witness: %w", err)
	}
	if err := WriteWitness(f, wit); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close witness: %w", err)
	}
	if err := os.Rename(f.Name(), path); err != nil {
		return fmt.Errorf("rename witness: %w", err)
	}
	return nil
}

// LoadWitness reads the witness file at path.
func LoadWitness(path string, field *big.Int) (witness.Witness, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open witness: %w", err)
	}
	defer f.Close()
	return ReadWitness(f, field)
}
