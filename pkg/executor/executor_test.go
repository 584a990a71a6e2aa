package executor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/backend/witness"
	"github.com/consensys/gnark/frontend"
	"github.com/stretchr/testify/require"

	"github.com/MuriData/samm-zkproof/pkg/abi"
	"github.com/MuriData/samm-zkproof/pkg/artifact"
)

type seqCircuit struct {
	Data [4]frontend.Variable `gnark:"data"`
	Seq  struct {
		Index  frontend.Variable `gnark:"index"`
		Length frontend.Variable `gnark:"length"`
	} `gnark:"seq,public"`
	Sum frontend.Variable `gnark:"sum,public"`
}

func (c *seqCircuit) Define(api frontend.API) error {
	api.AssertIsEqual(c.Sum, api.Add(c.Data[0], c.Data[1], c.Data[2], c.Data[3]))
	api.AssertIsLessOrEqual(c.Seq.Index, c.Seq.Length)
	return nil
}

func newExecutor(t *testing.T) (*Executor, *artifact.Artifact) {
	t.Helper()
	art, _, err := artifact.Compile("seq", &seqCircuit{}, artifact.Groth16)
	require.NoError(t, err)
	e, err := New(art)
	require.NoError(t, err)
	return e, art
}

func inputs(t *testing.T, doc string) map[string]any {
	t.Helper()
	in, err := abi.ReadInputs(bytes.NewBufferString(doc))
	require.NoError(t, err)
	return in
}

func TestExecute(t *testing.T) {
	e, _ := newExecutor(t)

	res, err := e.Execute(context.Background(), inputs(t, `{
		"data": ["1", "2", "3", "4"],
		"seq": {"index": 2, "length": "0x05"},
		"sum": "10"
	}`))
	require.NoError(t, err)

	require.Len(t, res.Public, 3)
	require.Equal(t, int64(2), res.Public["seq.index"].Int64())
	require.Equal(t, int64(5), res.Public["seq.length"].Int64())
	require.Equal(t, int64(10), res.Public["sum"].Int64())
	require.Greater(t, res.NbWires, 7)

	pub, err := res.Witness.Public()
	require.NoError(t, err)
	vec, ok := pub.Vector().(fr.Vector)
	require.True(t, ok)
	require.Len(t, vec, 3)
}

func TestExecuteUnsatisfied(t *testing.T) {
	e, _ := newExecutor(t)

	_, err := e.Execute(context.Background(), inputs(t, `{
		"data": ["1", "2", "3", "4"],
		"seq": {"index": 2, "length": 5},
		"sum": "11"
	}`))
	require.ErrorIs(t, err, ErrUnsatisfied)

	_, err = e.Execute(context.Background(), inputs(t, `{
		"data": ["1", "2", "3", "4"],
		"seq": {"index": 6, "length": 5},
		"sum": "10"
	}`))
	require.ErrorIs(t, err, ErrUnsatisfied)
}

func TestExecuteBadShape(t *testing.T) {
	e, _ := newExecutor(t)

	_, err := e.Execute(context.Background(), inputs(t, `{
		"data": ["1", "2", "3"],
		"seq": {"index": 2, "length": 5},
		"sum": "6"
	}`))
	require.ErrorIs(t, err, abi.ErrInvalidInput)
}

func TestExecuteCanceled(t *testing.T) {
	e, _ := newExecutor(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Execute(ctx, inputs(t, `{"data":["1","2","3","4"],"seq":{"index":0,"length":0},"sum":"10"}`))
	require.ErrorIs(t, err, context.Canceled)
}

// TestWitnessRoundTripProves checks that a witness read back from its gzip
// form is accepted by the Groth16 prover.
func TestWitnessRoundTripProves(t *testing.T) {
	e, _ := newExecutor(t)

	res, err := e.Execute(context.Background(), inputs(t, `{
		"data": ["5", "6", "7", "8"],
		"seq": {"index": 1, "length": 1},
		"sum": "26"
	}`))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteWitness(&buf, res.Witness))

	field := ecc.BN254.ScalarField()
	wit, err := ReadWitness(&buf, field)
	require.NoError(t, err)

	want, err := res.Witness.MarshalBinary()
	require.NoError(t, err)
	got, err := wit.MarshalBinary()
	require.NoError(t, err)
	require.Equal(t, want, got)

	pk, vk, err := groth16.Setup(e.ConstraintSystem())
	require.NoError(t, err)
	proof, err := groth16.Prove(e.ConstraintSystem(), pk, wit)
	require.NoError(t, err)
	pub, err := wit.Public()
	require.NoError(t, err)
	require.NoError(t, groth16.Verify(proof, vk, pub))
}

func TestSaveLoadWitness(t *testing.T) {
	e, _ := newExecutor(t)

	res, err := e.Execute(context.Background(), inputs(t, `{"data":["0","0","0","0"],"seq":{"index":0,"length":0},"sum":"0"}`))
	require.NoError(t, err)

	path := t.TempDir() + "/nested/witness.gz"
	require.NoError(t, SaveWitness(path, res.Witness))

	wit, err := LoadWitness(path, ecc.BN254.ScalarField())
	require.NoError(t, err)
	require.Equal(t, res.Witness.Vector(), wit.Vector())

	_, err = ReadWitness(bytes.NewBufferString("plain"), ecc.BN254.ScalarField())
	require.Error(t, err)
}

// brokenWitness writes part of its encoding and then fails.
type brokenWitness struct {
	witness.Witness
}

func (w brokenWitness) WriteTo(out io.Writer) (int64, error) {
	n, _ := out.Write(make([]byte, 64))
	return int64(n), errors.New("disk full")
}

func TestSaveWitnessKeepsPreviousFile(t *testing.T) {
	e, _ := newExecutor(t)

	res, err := e.Execute(context.Background(), inputs(t, `{"data":["1","2","3","4"],"seq":{"index":0,"length":0},"sum":"10"}`))
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "witness.gz")
	require.NoError(t, SaveWitness(path, res.Witness))
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	require.Error(t, SaveWitness(path, brokenWitness{res.Witness}))

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, before, after)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	fresh := filepath.Join(dir, "fresh.gz")
	require.Error(t, SaveWitness(fresh, brokenWitness{res.Witness}))
	require.NoFileExists(t, fresh)
}
