// Package artifact stores a compiled circuit as a self-describing JSON
// document: the gnark constraint system plus the ABI needed to build a
// witness for it.
package artifact

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"

	"github.com/consensys/gnark"
	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/backend/plonk"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"github.com/consensys/gnark/frontend/cs/scs"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/blake2b"

	"github.com/MuriData/samm-zkproof/pkg/abi"
)

// Backend selects the proof system a circuit is compiled for.
type Backend string

const (
	Groth16 Backend = "groth16"
	Plonk   Backend = "plonk"
)

var (
	ErrHashMismatch = errors.New("artifact: bytecode hash mismatch")
	ErrBadArtifact  = errors.New("artifact: malformed")
)

// Artifact is the circuit definition document.
type Artifact struct {
	Name     string  `json:"name"`
	Version  string  `json:"version"`
	Hash     string  `json:"hash"`
	Curve    string  `json:"curve"`
	Backend  Backend `json:"backend"`
	ABI      abi.ABI `json:"abi"`
	Bytecode string  `json:"bytecode"`
}

// Compile compiles circuit on BN254 for the given backend and wraps the
// resulting constraint system in an Artifact.
func Compile(name string, circuit frontend.Circuit, backend Backend) (*Artifact, constraint.ConstraintSystem, error) {
	var builder frontend.NewBuilder
	switch backend {
	case Groth16:
		builder = r1cs.NewBuilder[constraint.U64]
	case Plonk:
		builder = scs.NewBuilder[constraint.U64]
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", backend)
	}

	// The ABI is read before compiling, since Compile assigns the circuit's
	// variables in place.
	a, err := abi.FromCircuit(circuit)
	if err != nil {
		return nil, nil, err
	}

	ccs, err := frontend.Compile(ecc.BN254.ScalarField(), builder, circuit)
	if err != nil {
		return nil, nil, fmt.Errorf("compile %s: %w", name, err)
	}

	var raw bytes.Buffer
	if _, err := ccs.WriteTo(&raw); err != nil {
		return nil, nil, fmt.Errorf("serialize constraint system: %w", err)
	}

	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	if _, err := zw.Write(raw.Bytes()); err != nil {
		return nil, nil, fmt.Errorf("compress constraint system: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, nil, fmt.Errorf("compress constraint system: %w", err)
	}

	sum := blake2b.Sum256(raw.Bytes())
	art := &Artifact{
		Name:     name,
		Version:  gnark.Version.String(),
		Hash:     hex.EncodeToString(sum[:]),
		Curve:    ecc.BN254.String(),
		Backend:  backend,
		ABI:      a,
		Bytecode: base64.StdEncoding.EncodeToString(gz.Bytes()),
	}

	log.Info().
		Str("circuit", name).
		Str("backend", string(backend)).
		Int("constraints", ccs.GetNbConstraints()).
		Int("public", a.NbPublic()).
		Int("private", a.NbPrivate()).
		Msg("compiled circuit")

	return art, ccs, nil
}

// CurveID resolves the artifact curve name.
func (a *Artifact) CurveID() (ecc.ID, error) {
	id, err := ecc.IDFromString(a.Curve)
	if err != nil {
		return ecc.UNKNOWN, fmt.Errorf("%w: curve %q: %v", ErrBadArtifact, a.Curve, err)
	}
	return id, nil
}

// Field returns the scalar field modulus of the artifact curve.
func (a *Artifact) Field() (*big.Int, error) {
	id, err := a.CurveID()
	if err != nil {
		return nil, err
	}
	return id.ScalarField(), nil
}

// ConstraintSystem decodes the bytecode after checking it against Hash.
func (a *Artifact) ConstraintSystem() (constraint.ConstraintSystem, error) {
	id, err := a.CurveID()
	if err != nil {
		return nil, err
	}

	gz, err := base64.StdEncoding.DecodeString(a.Bytecode)
	if err != nil {
		return nil, fmt.Errorf("%w: bytecode: %v", ErrBadArtifact, err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(gz))
	if err != nil {
		return nil, fmt.Errorf("%w: bytecode: %v", ErrBadArtifact, err)
	}
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%w: bytecode: %v", ErrBadArtifact, err)
	}

	sum := blake2b.Sum256(raw)
	if hex.EncodeToString(sum[:]) != a.Hash {
		return nil, fmt.Errorf("%w: %s", ErrHashMismatch, a.Name)
	}

	var ccs constraint.ConstraintSystem
	switch a.Backend {
	case Groth16:
		ccs = groth16.NewCS(id)
	case Plonk:
		ccs = plonk.NewCS(id)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrBadArtifact, a.Backend)
	}
	if _, err := ccs.ReadFrom(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: constraint system: %v", ErrBadArtifact, err)
	}

	// R1CS reserves public wire 0 for the constant one.
	nbPublic := a.ABI.NbPublic()
	if a.Backend == Groth16 {
		nbPublic++
	}
	if ccs.GetNbPublicVariables() != nbPublic || ccs.GetNbSecretVariables() != a.ABI.NbPrivate() {
		return nil, fmt.Errorf("%w: abi declares %d public and %d private inputs, constraint system has %d and %d",
			ErrBadArtifact, nbPublic, a.ABI.NbPrivate(), ccs.GetNbPublicVariables(), ccs.GetNbSecretVariables())
	}

	return ccs, nil
}

// Read decodes an artifact document and checks its header fields. The
// bytecode is only decoded by ConstraintSystem.
func Read(r io.Reader) (*Artifact, error) {
	var a Artifact
	if err := json.NewDecoder(r).Decode(&a); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	if a.Bytecode == "" || a.Hash == "" {
		return nil, fmt.Errorf("%w: missing bytecode", ErrBadArtifact)
	}
	if a.Backend != Groth16 && a.Backend != Plonk {
		return nil, fmt.Errorf("%w: unknown backend %q", ErrBadArtifact, a.Backend)
	}
	if _, err := a.CurveID(); err != nil {
		return nil, err
	}
	if err := a.ABI.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadArtifact, err)
	}
	return &a, nil
}

// Load reads the artifact at path.
func Load(path string) (*Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	a, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return a, nil
}

// WriteTo writes the artifact as indented JSON.
func (a *Artifact) WriteTo(w io.Writer) (int64, error) {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("encode artifact: %w", err)
	}
	data = append(data, '\n')
	n, err := w.Write(data)
	return int64(n), err
}

// Save writes the artifact to path, creating the parent directory.
func (a *Artifact) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create artifact: %w", err)
	}
	if _, err := a.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close artifact: %w", err)
	}
	log.Debug().Str("path", path).Str("hash", a.Hash).Msg("saved artifact")
	return nil
}
