package witnessgen

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/frontend"
	"github.com/stretchr/testify/require"

	"github.com/MuriData/samm-zkproof/pkg/abi"
	"github.com/MuriData/samm-zkproof/pkg/artifact"
	"github.com/MuriData/samm-zkproof/pkg/executor"
)

// keyCircuit stands in for the two SAMM variants: Limbs differs between them.
type keyCircuit struct {
	Limbs []frontend.Variable `gnark:"limbs"`
	Sum   frontend.Variable   `gnark:"sum,public"`
}

func (c *keyCircuit) Define(api frontend.API) error {
	api.AssertIsEqual(c.Sum, api.Add(c.Limbs[0], c.Limbs[1], c.Limbs[2:]...))
	return nil
}

func setupDir(t *testing.T) Paths {
	t.Helper()
	p := NewPaths(t.TempDir())
	for v, n := range map[Variant]int{Variant1024: 2, Variant2048: 4} {
		art, _, err := artifact.Compile("samm_"+v.String(), &keyCircuit{Limbs: make([]frontend.Variable, n)}, artifact.Groth16)
		require.NoError(t, err)
		require.NoError(t, art.Save(p.Circuit(v)))
	}
	return p
}

func writeProver(t *testing.T, p Paths, doc string) {
	t.Helper()
	require.NoError(t, os.WriteFile(p.Prover(), []byte(doc), 0o644))
}

func TestVariantFromArg(t *testing.T) {
	require.Equal(t, Variant2048, VariantFromArg("True"))
	for _, arg := range []string{"", "False", "true", "1", "TRUE"} {
		require.Equal(t, Variant1024, VariantFromArg(arg), arg)
	}
}

func TestPaths(t *testing.T) {
	p := NewPaths("target")
	require.Equal(t, filepath.Join("target", "samm_1024.json"), p.Circuit(Variant1024))
	require.Equal(t, filepath.Join("target", "samm_2048.json"), p.Circuit(Variant2048))
	require.Equal(t, filepath.Join("target", "prover.json"), p.Prover())
	require.Equal(t, filepath.Join("target", "witness.gz"), p.Witness())
}

func TestGenerate(t *testing.T) {
	p := setupDir(t)

	writeProver(t, p, `{"limbs": ["1", "2"], "sum": "3"}`)
	res, err := Generate(context.Background(), p, Variant1024)
	require.NoError(t, err)
	require.Equal(t, int64(3), res.Public["sum"].Int64())

	wit, err := executor.LoadWitness(p.Witness(), ecc.BN254.ScalarField())
	require.NoError(t, err)
	require.Equal(t, res.Witness.Vector(), wit.Vector())

	// The same inputs do not fit the 2048 variant.
	_, err = Generate(context.Background(), p, Variant2048)
	require.ErrorIs(t, err, abi.ErrInvalidInput)

	writeProver(t, p, `{"limbs": ["1", "2", "3", "4"], "sum": "10"}`)
	_, err = Generate(context.Background(), p, Variant2048)
	require.NoError(t, err)
}

func TestGenerateFailures(t *testing.T) {
	t.Run("missing circuit", func(t *testing.T) {
		p := NewPaths(t.TempDir())
		writeProver(t, p, `{}`)
		_, err := Generate(context.Background(), p, Variant1024)
		require.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("missing inputs", func(t *testing.T) {
		p := setupDir(t)
		_, err := Generate(context.Background(), p, Variant1024)
		require.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("malformed inputs", func(t *testing.T) {
		p := setupDir(t)
		writeProver(t, p, `{"limbs": [`)
		_, err := Generate(context.Background(), p, Variant1024)
		require.Error(t, err)
	})

	t.Run("malformed circuit", func(t *testing.T) {
		p := setupDir(t)
		require.NoError(t, os.WriteFile(p.Circuit(Variant1024), []byte("{"), 0o644))
		writeProver(t, p, `{"limbs": ["1", "2"], "sum": "3"}`)
		_, err := Generate(context.Background(), p, Variant1024)
		require.Error(t, err)
	})

	t.Run("unsatisfied", func(t *testing.T) {
		p := setupDir(t)
		writeProver(t, p, `{"limbs": ["1", "2"], "sum": "4"}`)
		_, err := Generate(context.Background(), p, Variant1024)
		require.ErrorIs(t, err, executor.ErrUnsatisfied)
		_, statErr := os.Stat(p.Witness())
		require.ErrorIs(t, statErr, os.ErrNotExist)
	})

	t.Run("unwritable output", func(t *testing.T) {
		p := setupDir(t)
		writeProver(t, p, `{"limbs": ["1", "2"], "sum": "3"}`)
		require.NoError(t, os.Mkdir(p.Witness(), 0o755))
		_, err := Generate(context.Background(), p, Variant1024)
		require.Error(t, err)
	})
}
