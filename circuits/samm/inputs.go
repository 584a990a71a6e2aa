package samm

import (
	"bytes"
	stdcrypto "crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/consensys/gnark/frontend"

	"github.com/MuriData/samm-zkproof/config"
	"github.com/MuriData/samm-zkproof/pkg/crypto"
	"github.com/MuriData/samm-zkproof/pkg/merkle"
)

var ErrDKIM = errors.New("samm: DKIM signature does not verify")

// Approval is everything the relayer extracts from an approval email.
type Approval struct {
	Domain string `json:"domain"`
	// Header is the canonicalized signed header block, ending with the
	// DKIM-Signature field up to and including "b=".
	Header    string   `json:"header"`
	MsgHash   string   `json:"msg_hash"`
	Member    string   `json:"member"`
	Secret    *big.Int `json:"secret"`
	Relayer   string   `json:"relayer"`
	KeySize   int      `json:"key_size"`
	Modulus   string   `json:"modulus"`   // hex
	Signature string   `json:"signature"` // base64, as in the b= tag
}

// Member is one entry of the SAMM member list.
type Member struct {
	Email  string   `json:"email"`
	Secret *big.Int `json:"secret"`
}

// Seq is the JSON form of a Sequence.
type Seq struct {
	Index  int `json:"index"`
	Length int `json:"length"`
}

// BoundedVecInput is the JSON form of a BoundedVec.
type BoundedVecInput struct {
	Len     int   `json:"len"`
	Storage []int `json:"storage"`
}

// PubkeyInput is the JSON form of an RSAPubkey, limbs as 0x hex strings.
type PubkeyInput struct {
	Modulus []string `json:"modulus"`
	Redc    []string `json:"redc"`
}

// ProverInputs is the prover.json document. Field names match the circuit ABI.
type ProverInputs struct {
	Root         string          `json:"root"`
	PathElements []string        `json:"path_elements"`
	PathIndices  []int           `json:"path_indices"`
	Signature    []string        `json:"signature"`
	PaddedMember []int           `json:"padded_member"`
	Secret       string          `json:"secret"`
	MsgHash      []int           `json:"msg_hash"`
	Header       BoundedVecInput `json:"header"`
	Relayer      BoundedVecInput `json:"relayer"`
	Pubkey       PubkeyInput     `json:"pubkey"`
	FromSeq      Seq             `json:"from_seq"`
	MemberSeq    Seq             `json:"member_seq"`
	ToSeq        Seq             `json:"to_seq"`
	RelayerSeq   Seq             `json:"relayer_seq"`
	SubjectSeq   Seq             `json:"subject_seq"`
	Commit       string          `json:"commit"`
	PubkeyHash   string          `json:"pubkey_hash"`
}

// Sequences are the header positions the circuit checks.
type Sequences struct {
	From, Member, To, Relayer, Subject Seq
}

// PadBytes zero-pads data to n bytes.
func PadBytes(data []byte, n int) ([]byte, error) {
	if len(data) > n {
		return nil, fmt.Errorf("length %d exceeds %d", len(data), n)
	}
	out := make([]byte, n)
	copy(out, data)
	return out, nil
}

// GenerateSequences locates the from:, to: and subject: fields in
// header[:headerLen] and the member and relayer addresses inside the from:
// and to: lines. Fields only match at the start of a line, so tag lists such
// as the DKIM-Signature h= tag never count. The last match wins. A line runs
// up to its \r\n or the end of the header.
func GenerateSequences(header []byte, headerLen int, member, relayer string) (Sequences, error) {
	if headerLen < 0 || headerLen > len(header) {
		return Sequences{}, fmt.Errorf("header length %d out of range", headerLen)
	}
	h := header[:headerLen]

	var (
		s   Sequences
		err error
	)
	if s.From, err = fieldLine(h, fromPrefix); err != nil {
		return Sequences{}, err
	}
	if s.To, err = fieldLine(h, toPrefix); err != nil {
		return Sequences{}, err
	}
	if s.Subject, err = fieldLine(h, subjectPrefix); err != nil {
		return Sequences{}, err
	}
	if s.Member, err = within(h, s.From, member); err != nil {
		return Sequences{}, err
	}
	if s.Relayer, err = within(h, s.To, relayer); err != nil {
		return Sequences{}, err
	}
	return s, nil
}

// fieldLine returns the last line of h that starts with name.
func fieldLine(h, name []byte) (Seq, error) {
	found := Seq{Index: -1}
	for start := 0; start < len(h); {
		end := lineEnd(h, start)
		if bytes.HasPrefix(h[start:end], name) {
			found = Seq{Index: start, Length: end - start}
		}
		start = end + 2
	}
	if found.Index < 0 {
		return Seq{}, fmt.Errorf("no %q field in header", name)
	}
	return found, nil
}

// within returns the last occurrence of needle inside line.
func within(h []byte, line Seq, needle string) (Seq, error) {
	if needle == "" {
		return Seq{}, fmt.Errorf("empty search string")
	}
	i := bytes.LastIndex(h[line.Index:line.Index+line.Length], []byte(needle))
	if i < 0 {
		return Seq{}, fmt.Errorf("%q not found in line %q", needle, h[line.Index:line.Index+line.Length])
	}
	return Seq{Index: line.Index + i, Length: len(needle)}, nil
}

// lineEnd returns the position of the first \r\n at or after start, or
// len(h) when the line is the last one.
func lineEnd(h []byte, start int) int {
	if i := bytes.Index(h[start:], []byte("\r\n")); i >= 0 {
		return start + i
	}
	return len(h)
}

// Limbs splits n into count 120-bit limbs, least significant first.
func Limbs(n *big.Int, count int) ([]*big.Int, error) {
	if n.Sign() < 0 {
		return nil, fmt.Errorf("negative value")
	}
	if n.BitLen() > count*config.LimbBits {
		return nil, fmt.Errorf("%d-bit value does not fit %d limbs", n.BitLen(), count)
	}

	mask := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), config.LimbBits), big.NewInt(1))
	out := make([]*big.Int, count)
	rest := new(big.Int).Set(n)
	for i := range out {
		out[i] = new(big.Int).And(rest, mask)
		rest.Rsh(rest, config.LimbBits)
	}
	return out, nil
}

// RedcParam returns the Barrett reduction parameter floor(2^(2*bits) / n).
func RedcParam(n *big.Int, bits int) *big.Int {
	num := new(big.Int).Lsh(big.NewInt(1), uint(2*bits))
	return num.Quo(num, n)
}

// VerifyDKIM checks an RSASSA-PKCS1-v1_5 SHA-256 signature over header.
func VerifyDKIM(header []byte, modulus *big.Int, signature []byte) error {
	pub := &rsa.PublicKey{N: modulus, E: config.RSAExponent}
	digest := sha256.Sum256(header)
	if err := rsa.VerifyPKCS1v15(pub, stdcrypto.SHA256, digest[:], signature); err != nil {
		return fmt.Errorf("%w: %v", ErrDKIM, err)
	}
	return nil
}

// MemberTree builds the member tree. Empty slots hold the zero leaf.
func MemberTree(members []Member, p Params) (*merkle.Tree, error) {
	return merkle.Build(p.TreeHeight, len(members), func(i int) (*big.Int, error) {
		m := members[i]
		padded, err := PadBytes([]byte(m.Email), p.MaxEmailLen)
		if err != nil {
			return nil, fmt.Errorf("member %s: %w", m.Email, err)
		}
		if m.Secret == nil {
			return nil, fmt.Errorf("member %s: missing secret", m.Email)
		}
		return crypto.MemberLeaf(padded, p.EmailChunks(), m.Secret), nil
	}, big.NewInt(0))
}

// PrepareInputs verifies the DKIM signature of a and derives the complete
// prover input for the member at memberIndex in tree.
func PrepareInputs(a Approval, p Params, tree *merkle.Tree, memberIndex int) (*ProverInputs, error) {
	if a.KeySize != p.KeyBits {
		return nil, fmt.Errorf("key size %d does not match %s", a.KeySize, p.Name)
	}
	if tree.Depth != p.TreeHeight {
		return nil, fmt.Errorf("tree depth %d does not match %s", tree.Depth, p.Name)
	}
	if a.Secret == nil {
		return nil, fmt.Errorf("missing member secret")
	}

	modulus, ok := new(big.Int).SetString(strings.TrimPrefix(a.Modulus, "0x"), 16)
	if !ok || modulus.Sign() <= 0 {
		return nil, fmt.Errorf("invalid modulus")
	}
	if modulus.BitLen() != p.KeyBits {
		return nil, fmt.Errorf("modulus has %d bits, want %d", modulus.BitLen(), p.KeyBits)
	}
	sig, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(a.Signature), ""))
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}

	header := []byte(a.Header)
	if err := VerifyDKIM(header, modulus, sig); err != nil {
		return nil, err
	}
	paddedHeader, err := PadBytes(header, p.MaxHeaderLen)
	if err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}

	paddedMember, err := PadBytes([]byte(a.Member), p.MaxEmailLen)
	if err != nil {
		return nil, fmt.Errorf("member: %w", err)
	}
	paddedRelayer, err := PadBytes([]byte(a.Relayer), p.MaxEmailLen)
	if err != nil {
		return nil, fmt.Errorf("relayer: %w", err)
	}
	if len(a.MsgHash) != p.MsgHashLen {
		return nil, fmt.Errorf("msg hash has %d bytes, want %d", len(a.MsgHash), p.MsgHashLen)
	}
	msgHash := []byte(a.MsgHash)

	seqs, err := GenerateSequences(paddedHeader, len(header), a.Member, a.Relayer)
	if err != nil {
		return nil, err
	}
	subject := header[seqs.Subject.Index+len(subjectPrefix) : seqs.Subject.Index+seqs.Subject.Length]
	if !bytes.Equal(subject, msgHash) {
		return nil, fmt.Errorf("subject %q does not carry msg hash %q", subject, a.MsgHash)
	}

	if memberIndex < 0 || memberIndex >= tree.Size {
		return nil, fmt.Errorf("member index %d out of range", memberIndex)
	}
	leaf := crypto.MemberLeaf(paddedMember, p.EmailChunks(), a.Secret)
	if tree.Leaf(memberIndex).Cmp(leaf) != 0 {
		return nil, fmt.Errorf("member %s is not leaf %d of the tree", a.Member, memberIndex)
	}
	path, err := tree.Prove(memberIndex)
	if err != nil {
		return nil, err
	}

	modLimbs, err := Limbs(modulus, p.Limbs)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	redcLimbs, err := Limbs(RedcParam(modulus, p.KeyBits), p.Limbs)
	if err != nil {
		return nil, fmt.Errorf("redc: %w", err)
	}
	sigLimbs, err := Limbs(new(big.Int).SetBytes(sig), p.Limbs)
	if err != nil {
		return nil, fmt.Errorf("signature: %w", err)
	}

	return &ProverInputs{
		Root:         tree.Root.String(),
		PathElements: decimals(path.Siblings),
		PathIndices:  path.Indices,
		Signature:    hexLimbs(sigLimbs),
		PaddedMember: ints(paddedMember),
		Secret:       a.Secret.String(),
		MsgHash:      ints(msgHash),
		Header:       BoundedVecInput{Len: len(header), Storage: ints(paddedHeader)},
		Relayer:      BoundedVecInput{Len: len(a.Relayer), Storage: ints(paddedRelayer)},
		Pubkey:       PubkeyInput{Modulus: hexLimbs(modLimbs), Redc: hexLimbs(redcLimbs)},
		FromSeq:      seqs.From,
		MemberSeq:    seqs.Member,
		ToSeq:        seqs.To,
		RelayerSeq:   seqs.Relayer,
		SubjectSeq:   seqs.Subject,
		Commit:       crypto.DeriveCommit(msgHash, p.MsgHashChunks(), a.Secret).String(),
		PubkeyHash:   crypto.DerivePubkeyHash(modLimbs).String(),
	}, nil
}

// Assignment converts the inputs into a circuit assignment.
func (in *ProverInputs) Assignment() (*Circuit, error) {
	var err error
	num := func(s string) frontend.Variable {
		v, ok := new(big.Int).SetString(s, 0)
		if !ok && err == nil {
			err = fmt.Errorf("invalid number %q", s)
		}
		return v
	}
	nums := func(ss []string) []frontend.Variable {
		out := make([]frontend.Variable, len(ss))
		for i, s := range ss {
			out[i] = num(s)
		}
		return out
	}
	vars := func(xs []int) []frontend.Variable {
		out := make([]frontend.Variable, len(xs))
		for i, x := range xs {
			out[i] = x
		}
		return out
	}
	seq := func(s Seq) Sequence {
		return Sequence{Index: s.Index, Length: s.Length}
	}

	c := &Circuit{
		Root:         num(in.Root),
		MsgHash:      vars(in.MsgHash),
		Relayer:      BoundedVec{Storage: vars(in.Relayer.Storage), Len: in.Relayer.Len},
		Commit:       num(in.Commit),
		PubkeyHash:   num(in.PubkeyHash),
		PathElements: nums(in.PathElements),
		PathIndices:  vars(in.PathIndices),
		Signature:    nums(in.Signature),
		PaddedMember: vars(in.PaddedMember),
		Secret:       num(in.Secret),
		Header:       BoundedVec{Storage: vars(in.Header.Storage), Len: in.Header.Len},
		Pubkey:       RSAPubkey{Modulus: nums(in.Pubkey.Modulus), Redc: nums(in.Pubkey.Redc)},
		FromSeq:      seq(in.FromSeq),
		MemberSeq:    seq(in.MemberSeq),
		ToSeq:        seq(in.ToSeq),
		RelayerSeq:   seq(in.RelayerSeq),
		SubjectSeq:   seq(in.SubjectSeq),
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func ints(b []byte) []int {
	out := make([]int, len(b))
	for i, x := range b {
		out[i] = int(x)
	}
	return out
}

func decimals(vs []*big.Int) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.String()
	}
	return out
}

// hexLimbs formats limbs as even-length 0x hex strings.
func hexLimbs(vs []*big.Int) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		s := v.Text(16)
		if len(s)%2 == 1 {
			s = "0" + s
		}
		out[i] = "0x" + s
	}
	return out
}

// FindMember returns the position of email in members.
func FindMember(members []Member, email string) (int, bool) {
	for i, m := range members {
		if m.Email == email {
			return i, true
		}
	}
	return 0, false
}
