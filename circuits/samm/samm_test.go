package samm_test

import (
	"context"
	stdcrypto "crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"strings"
	"testing"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/test"

	"github.com/MuriData/samm-zkproof/circuits/samm"
	"github.com/MuriData/samm-zkproof/pkg/abi"
	"github.com/MuriData/samm-zkproof/pkg/artifact"
	"github.com/MuriData/samm-zkproof/pkg/crypto"
	"github.com/MuriData/samm-zkproof/pkg/executor"
	"github.com/MuriData/samm-zkproof/pkg/merkle"
)

// testParams keeps the circuit small enough for a full prove in tests.
var testParams = samm.Params{
	Name:         "samm_test",
	KeyBits:      1024,
	Limbs:        9,
	MaxHeaderLen: 256,
	MaxEmailLen:  32,
	MsgHashLen:   44,
	TreeHeight:   4,
}

const (
	relayerEmail = "relayer@samm.io"
	msgHash      = "5M0xZjJkYTFmNWUyMDhhNzU4ZTAyZDE1OWZmMjQ0Yw=="
)

var members = []samm.Member{
	{Email: "alice@example.com", Secret: big.NewInt(1111)},
	{Email: "bob@example.org", Secret: big.NewInt(2222)},
	{Email: "carol@example.net", Secret: big.NewInt(3333)},
}

// fixture signs an approval header for members[idx] with a fresh DKIM key.
func fixture(t *testing.T, idx int) (samm.Approval, *merkle.Tree) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	m := members[idx]
	header := "from:" + m.Email + "\r\n" +
		"to:" + relayerEmail + "\r\n" +
		"subject:" + msgHash + "\r\n" +
		"dkim-signature:v=1; a=rsa-sha256; c=relaxed/relaxed; d=example.com; s=sel; " +
		"h=mime-version:from:date:subject:to; b="

	digest := sha256.Sum256([]byte(header))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, stdcrypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("sign header: %v", err)
	}

	tree, err := samm.MemberTree(members, testParams)
	if err != nil {
		t.Fatalf("member tree: %v", err)
	}

	return samm.Approval{
		Domain:    "example.com",
		Header:    header,
		MsgHash:   msgHash,
		Member:    m.Email,
		Secret:    m.Secret,
		Relayer:   relayerEmail,
		KeySize:   1024,
		Modulus:   key.N.Text(16),
		Signature: base64.StdEncoding.EncodeToString(sig),
	}, tree
}

func prepare(t *testing.T, idx int) *samm.ProverInputs {
	t.Helper()
	a, tree := fixture(t, idx)
	in, err := samm.PrepareInputs(a, testParams, tree, idx)
	if err != nil {
		t.Fatalf("prepare inputs: %v", err)
	}
	return in
}

func clone(t *testing.T, in *samm.ProverInputs) *samm.ProverInputs {
	t.Helper()
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	var out samm.ProverInputs
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	return &out
}

func isSolved(t *testing.T, in *samm.ProverInputs) error {
	t.Helper()
	assignment, err := in.Assignment()
	if err != nil {
		t.Fatalf("assignment: %v", err)
	}
	return test.IsSolved(samm.NewCircuit(testParams), assignment, ecc.BN254.ScalarField())
}

func TestParams(t *testing.T) {
	for _, p := range []samm.Params{samm.Params1024, samm.Params2048, testParams} {
		if err := p.Validate(); err != nil {
			t.Fatalf("%s: %v", p.Name, err)
		}
	}
	// The relayer carries the base64 Safe message hash in the subject.
	relayerHash := "yxDnSnI6GTRsU2Dxol/UIeGesTpYQQhFPy4tuXF+W68="
	for _, p := range []samm.Params{samm.Params1024, samm.Params2048} {
		if p.MsgHashLen != len(relayerHash) || p.MsgHashChunks() != 2 {
			t.Fatalf("%s: msg hash holds %d bytes in %d words, want %d in 2", p.Name, p.MsgHashLen, p.MsgHashChunks(), len(relayerHash))
		}
	}
	if samm.Params1024.EmailChunks() != 4 {
		t.Fatalf("email chunks: got %d, want 4", samm.Params1024.EmailChunks())
	}

	bad := testParams
	bad.MaxHeaderLen = 300
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for non power of two header length")
	}
	bad = testParams
	bad.Limbs = 8
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for too few limbs")
	}

	if _, err := samm.ParamsForKeySize(4096); err == nil {
		t.Fatal("expected error for 4096-bit keys")
	}
	if p, err := samm.ParamsForKeySize(2048); err != nil || p.Limbs != 18 {
		t.Fatalf("2048: got %+v, %v", p, err)
	}
}

func TestGenerateSequences(t *testing.T) {
	header := []byte("from:x@y.z\r\nfrom:alice@a.io\r\nto:relayer@r.io\r\nsubject:hi")
	padded, _ := samm.PadBytes(header, 128)

	s, err := samm.GenerateSequences(padded, len(header), "alice@a.io", "relayer@r.io")
	if err != nil {
		t.Fatal(err)
	}

	want := samm.Sequences{
		From:    samm.Seq{Index: 12, Length: len("from:alice@a.io")},
		Member:  samm.Seq{Index: 17, Length: len("alice@a.io")},
		To:      samm.Seq{Index: 29, Length: len("to:relayer@r.io")},
		Relayer: samm.Seq{Index: 32, Length: len("relayer@r.io")},
		Subject: samm.Seq{Index: 46, Length: len("subject:hi")},
	}
	if s != want {
		t.Fatalf("got %+v, want %+v", s, want)
	}

	// The last line runs to the end of the header.
	header = []byte("to:r@r.io\r\nsubject:s\r\nfrom:a@a.io")
	s, err = samm.GenerateSequences(header, len(header), "a@a.io", "r@r.io")
	if err != nil {
		t.Fatal(err)
	}
	if s.From != (samm.Seq{Index: 22, Length: 11}) {
		t.Fatalf("from: got %+v", s.From)
	}

	if _, err := samm.GenerateSequences(header, len(header), "nobody@a.io", "r@r.io"); err == nil {
		t.Fatal("expected error for missing member")
	}
	// The member must sit on the from: line, not anywhere in the header.
	if _, err := samm.GenerateSequences(header, len(header), "r@r.io", "r@r.io"); err == nil {
		t.Fatal("expected error for a member outside the from: line")
	}
	// Bytes past headerLen are not searched.
	if _, err := samm.GenerateSequences(header, 9, "a@a.io", "r@r.io"); err == nil {
		t.Fatal("expected error for truncated header")
	}
}

// TestGenerateSequencesSkipsTagLists checks that field names listed in the
// DKIM-Signature h= tag, or embedded in other field names, are not taken for
// the fields themselves.
func TestGenerateSequencesSkipsTagLists(t *testing.T) {
	header := []byte("from:a@a.io\r\nreply-to:x@x.io\r\nto:r@r.io\r\nsubject:s\r\n" +
		"dkim-signature:v=1; c=relaxed/relaxed; h=mime-version:from:date:subject:to:reply-to; b=")

	s, err := samm.GenerateSequences(header, len(header), "a@a.io", "r@r.io")
	if err != nil {
		t.Fatal(err)
	}
	want := samm.Sequences{
		From:    samm.Seq{Index: 0, Length: 11},
		Member:  samm.Seq{Index: 5, Length: 6},
		To:      samm.Seq{Index: 30, Length: 9},
		Relayer: samm.Seq{Index: 33, Length: 6},
		Subject: samm.Seq{Index: 41, Length: 9},
	}
	if s != want {
		t.Fatalf("got %+v, want %+v", s, want)
	}
}

func TestLimbs(t *testing.T) {
	n, _ := new(big.Int).SetString("deadbeef00112233445566778899aabbccddeeff0123456789abcdef", 16)
	limbs, err := samm.Limbs(n, 3)
	if err != nil {
		t.Fatal(err)
	}

	got := new(big.Int)
	for i := len(limbs) - 1; i >= 0; i-- {
		if limbs[i].BitLen() > 120 {
			t.Fatalf("limb %d has %d bits", i, limbs[i].BitLen())
		}
		got.Lsh(got, 120).Add(got, limbs[i])
	}
	if got.Cmp(n) != 0 {
		t.Fatalf("recombined %x, want %x", got, n)
	}

	if _, err := samm.Limbs(n, 1); err == nil {
		t.Fatal("expected error when limbs cannot hold the value")
	}
}

func TestRedcParam(t *testing.T) {
	if got := samm.RedcParam(big.NewInt(7), 3); got.Int64() != 9 {
		t.Fatalf("got %s, want 9", got)
	}
}

func TestPrepareInputs(t *testing.T) {
	in := prepare(t, 1)

	if in.Header.Len != len(in.Header.Storage)-countTrailingZeros(in.Header.Storage) {
		t.Fatalf("header len %d does not match content", in.Header.Len)
	}
	if len(in.PathElements) != testParams.TreeHeight || len(in.PathIndices) != testParams.TreeHeight {
		t.Fatalf("path length %d", len(in.PathElements))
	}
	if in.PathIndices[0] != 1 {
		t.Fatalf("leaf 1 is a right child, got index %d", in.PathIndices[0])
	}
	for _, l := range in.Pubkey.Modulus {
		if !strings.HasPrefix(l, "0x") || len(l)%2 != 0 {
			t.Fatalf("limb %q is not even-length hex", l)
		}
	}
	if in.MemberSeq.Length != len(members[1].Email) || in.Relayer.Len != len(relayerEmail) {
		t.Fatalf("sequences: %+v %+v", in.MemberSeq, in.Relayer)
	}
}

func TestPrepareInputsErrors(t *testing.T) {
	a, tree := fixture(t, 0)

	if _, err := samm.PrepareInputs(a, testParams, tree, 1); err == nil {
		t.Fatal("expected error for the wrong member index")
	}
	if _, err := samm.PrepareInputs(a, testParams, tree, 9); err == nil {
		t.Fatal("expected error for an empty slot")
	}

	bad := a
	bad.KeySize = 2048
	if _, err := samm.PrepareInputs(bad, testParams, tree, 0); err == nil {
		t.Fatal("expected error for key size mismatch")
	}

	bad = a
	bad.Header = strings.Replace(a.Header, "to:", "To:", 1)
	if _, err := samm.PrepareInputs(bad, testParams, tree, 0); err == nil {
		t.Fatal("expected DKIM failure for a modified header")
	}

	bad = a
	bad.MsgHash = strings.Repeat("A", testParams.MsgHashLen)
	if _, err := samm.PrepareInputs(bad, testParams, tree, 0); err == nil {
		t.Fatal("expected error for a msg hash the subject does not carry")
	}

	bad = a
	bad.MsgHash = msgHash[:40]
	if _, err := samm.PrepareInputs(bad, testParams, tree, 0); err == nil {
		t.Fatal("expected error for a short msg hash")
	}

	bad = a
	bad.Member = "mallory@example.com"
	if _, err := samm.PrepareInputs(bad, testParams, tree, 0); err == nil {
		t.Fatal("expected error for a member missing from the header")
	}
}

func TestCircuitSolved(t *testing.T) {
	in := prepare(t, 2)
	if err := isSolved(t, in); err != nil {
		t.Fatalf("valid inputs not solved: %v", err)
	}
}

func TestCircuitRejects(t *testing.T) {
	base := prepare(t, 0)

	cases := map[string]func(in *samm.ProverInputs){
		"wrong root":         func(in *samm.ProverInputs) { in.Root = "1" },
		"wrong commit":       func(in *samm.ProverInputs) { in.Commit = "1" },
		"wrong pubkey hash":  func(in *samm.ProverInputs) { in.PubkeyHash = "1" },
		"flipped path index": func(in *samm.ProverInputs) { in.PathIndices[0] ^= 1 },
		"wrong secret":       func(in *samm.ProverInputs) { in.Secret = "1112" },
		"member byte":        func(in *samm.ProverInputs) { in.PaddedMember[0] = 'b' },
		"member seq moved":   func(in *samm.ProverInputs) { in.MemberSeq.Index++ },
		"relayer byte":       func(in *samm.ProverInputs) { in.Relayer.Storage[0]++ },
		"relayer len":        func(in *samm.ProverInputs) { in.Relayer.Len-- },
		"header tail":        func(in *samm.ProverInputs) { in.Header.Storage[in.Header.Len] = 'x' },
		"header len":         func(in *samm.ProverInputs) { in.Header.Len = testParams.MaxHeaderLen + 1 },
		"from prefix": func(in *samm.ProverInputs) {
			in.FromSeq = in.ToSeq
		},
		"member outside from": func(in *samm.ProverInputs) {
			in.FromSeq.Length = 5
		},
		"sequence past header": func(in *samm.ProverInputs) {
			in.ToSeq.Length = in.Header.Len
		},
		"msg hash byte":  func(in *samm.ProverInputs) { in.MsgHash[0] = 300 },
		"subject moved":  func(in *samm.ProverInputs) { in.SubjectSeq.Index++ },
		"subject length": func(in *samm.ProverInputs) { in.SubjectSeq.Length-- },
		"to inside a line": func(in *samm.ProverInputs) {
			in.ToSeq.Index++
			in.ToSeq.Length--
		},
		"msg hash not in subject": func(in *samm.ProverInputs) {
			// A consistent commit for a hash the email never carried.
			in.MsgHash[0] ^= 1
			msg := make([]byte, len(in.MsgHash))
			for i, b := range in.MsgHash {
				msg[i] = byte(b)
			}
			in.Commit = crypto.DeriveCommit(msg, testParams.MsgHashChunks(), members[0].Secret).String()
		},
		"wide limb": func(in *samm.ProverInputs) {
			in.Pubkey.Redc[0] = "0x" + strings.Repeat("f", 31)
		},
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := clone(t, base)
			mutate(in)
			if err := isSolved(t, in); err == nil {
				t.Fatal("expected the circuit to reject the inputs")
			}
		})
	}
}

// TestProverJSONEndToEnd writes prover.json the way cmd/inputs does, runs it
// through the artifact executor, and proves with the resulting witness.
func TestProverJSONEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping groth16 prove in short mode")
	}

	art, _, err := artifact.Compile(testParams.Name, samm.NewCircuit(testParams), artifact.Groth16)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	in := prepare(t, 1)
	doc, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	inputs, err := abi.ReadInputs(strings.NewReader(string(doc)))
	if err != nil {
		t.Fatal(err)
	}

	exec, err := executor.New(art)
	if err != nil {
		t.Fatalf("executor: %v", err)
	}
	res, err := exec.Execute(context.Background(), inputs)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Public["commit"].String() != in.Commit {
		t.Fatalf("commit: got %s, want %s", res.Public["commit"], in.Commit)
	}

	ccs := exec.ConstraintSystem()
	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	proof, err := groth16.Prove(ccs, pk, res.Witness)
	if err != nil {
		t.Fatalf("prove: %v", err)
	}
	pub, err := res.Witness.Public()
	if err != nil {
		t.Fatal(err)
	}
	if err := groth16.Verify(proof, vk, pub); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func countTrailingZeros(xs []int) int {
	n := 0
	for i := len(xs) - 1; i >= 0 && xs[i] == 0; i-- {
		n++
	}
	return n
}
