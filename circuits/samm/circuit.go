package samm

import (
	"math/bits"

	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash"
	"github.com/consensys/gnark/std/permutation/poseidon2"

	"github.com/MuriData/samm-zkproof/config"
)

// Sequence locates a substring of the header.
type Sequence struct {
	Index  frontend.Variable `gnark:"index"`
	Length frontend.Variable `gnark:"length"`
}

// BoundedVec is a zero-padded byte array with its used length.
type BoundedVec struct {
	Storage []frontend.Variable `gnark:"storage"`
	Len     frontend.Variable   `gnark:"len"`
}

// RSAPubkey holds the DKIM modulus and its Barrett reduction parameter as
// 120-bit limbs, least significant first.
type RSAPubkey struct {
	Modulus []frontend.Variable `gnark:"modulus"`
	Redc    []frontend.Variable `gnark:"redc"`
}

// Circuit proves that a member of the SAMM tree sent an approval email for
// msg_hash to the relayer, without revealing which member.
type Circuit struct {
	// Publics
	Root       frontend.Variable   `gnark:"root,public"`
	MsgHash    []frontend.Variable `gnark:"msg_hash,public"`
	Relayer    BoundedVec          `gnark:"relayer,public"`
	Commit     frontend.Variable   `gnark:"commit,public"`
	PubkeyHash frontend.Variable   `gnark:"pubkey_hash,public"`

	// Privates
	PathElements []frontend.Variable `gnark:"path_elements"`
	PathIndices  []frontend.Variable `gnark:"path_indices"` // 0 = node is the left child
	Signature    []frontend.Variable `gnark:"signature"`
	PaddedMember []frontend.Variable `gnark:"padded_member"`
	Secret       frontend.Variable   `gnark:"secret"`
	Header       BoundedVec          `gnark:"header"`
	Pubkey       RSAPubkey           `gnark:"pubkey"`
	FromSeq      Sequence            `gnark:"from_seq"`
	MemberSeq    Sequence            `gnark:"member_seq"`
	ToSeq        Sequence            `gnark:"to_seq"`
	RelayerSeq   Sequence            `gnark:"relayer_seq"`
	SubjectSeq   Sequence            `gnark:"subject_seq"`
}

// NewCircuit allocates a circuit of the given shape, ready to compile or to
// be filled as an assignment.
func NewCircuit(p Params) *Circuit {
	return &Circuit{
		MsgHash:      make([]frontend.Variable, p.MsgHashLen),
		Relayer:      BoundedVec{Storage: make([]frontend.Variable, p.MaxEmailLen)},
		PathElements: make([]frontend.Variable, p.TreeHeight),
		PathIndices:  make([]frontend.Variable, p.TreeHeight),
		Signature:    make([]frontend.Variable, p.Limbs),
		PaddedMember: make([]frontend.Variable, p.MaxEmailLen),
		Header:       BoundedVec{Storage: make([]frontend.Variable, p.MaxHeaderLen)},
		Pubkey: RSAPubkey{
			Modulus: make([]frontend.Variable, p.Limbs),
			Redc:    make([]frontend.Variable, p.Limbs),
		},
	}
}

var (
	crlf          = []byte("\r\n")
	fromPrefix    = []byte("from:")
	toPrefix      = []byte("to:")
	subjectPrefix = []byte("subject:")
)

// Define declares the approval constraints.
func (c *Circuit) Define(api frontend.API) error {
	maxHeader := len(c.Header.Storage)
	maxEmail := len(c.PaddedMember)
	msgHashLen := len(c.MsgHash)

	// Indices and lengths fit in posBits; differences of sums of two of
	// them fit in posBits+1.
	posBits := bits.Len(uint(maxHeader))

	p, err := poseidon2.NewPoseidon2FromParameters(api, 2, 6, 50)
	if err != nil {
		return err
	}
	hashOf := func(in ...frontend.Variable) frontend.Variable {
		h := hash.NewMerkleDamgardHasher(api, p, 0)
		h.Write(in...)
		return h.Sum()
	}

	// 1. Byte inputs.
	for _, b := range c.Header.Storage {
		api.ToBinary(b, 8)
	}
	for _, b := range c.PaddedMember {
		api.ToBinary(b, 8)
	}
	for _, b := range c.Relayer.Storage {
		api.ToBinary(b, 8)
	}
	for _, b := range c.MsgHash {
		api.ToBinary(b, 8)
	}

	// 2. Lengths and sequence bounds.
	for _, v := range []frontend.Variable{
		c.Header.Len, c.Relayer.Len,
		c.FromSeq.Index, c.FromSeq.Length,
		c.MemberSeq.Index, c.MemberSeq.Length,
		c.ToSeq.Index, c.ToSeq.Length,
		c.RelayerSeq.Index, c.RelayerSeq.Length,
		c.SubjectSeq.Index, c.SubjectSeq.Length,
	} {
		api.ToBinary(v, posBits)
	}
	assertLE(api, c.Header.Len, maxHeader, posBits+1)
	assertLE(api, c.Relayer.Len, maxEmail, posBits+1)
	assertLE(api, c.MemberSeq.Length, maxEmail, posBits+1)

	for _, s := range []Sequence{c.FromSeq, c.MemberSeq, c.ToSeq, c.RelayerSeq, c.SubjectSeq} {
		assertLE(api, api.Add(s.Index, s.Length), c.Header.Len, posBits+1)
	}
	assertLE(api, len(fromPrefix), c.FromSeq.Length, posBits+1)
	assertLE(api, len(toPrefix), c.ToSeq.Length, posBits+1)

	// The member address sits on the from: line and the relayer on the to: line.
	assertWithin(api, c.MemberSeq, c.FromSeq, posBits+1)
	assertWithin(api, c.RelayerSeq, c.ToSeq, posBits+1)

	// Header bytes past its length are zero.
	headerMask := prefixMask(api, c.Header.Len, maxHeader)
	for i, b := range c.Header.Storage {
		api.AssertIsEqual(api.Mul(b, api.Sub(1, headerMask[i])), 0)
	}

	// 3. Header content. Fields start a line: lined[i] is header[i-2] behind
	// a leading \r\n, so lined[index:] must open with \r\n and the field name.
	lined := append([]frontend.Variable{int(crlf[0]), int(crlf[1])}, c.Header.Storage...)
	fieldAt(api, lined, c.FromSeq.Index, fromPrefix, 0)
	fieldAt(api, lined, c.ToSeq.Index, toPrefix, 0)

	// The subject line is exactly the message hash.
	api.AssertIsEqual(c.SubjectSeq.Length, len(subjectPrefix)+msgHashLen)
	subject := fieldAt(api, lined, c.SubjectSeq.Index, subjectPrefix, msgHashLen+1)
	for i, b := range c.MsgHash {
		api.AssertIsEqual(subject[i], b)
	}
	// ... followed by \r or by the end of the header.
	subjectEnd := api.Add(c.SubjectSeq.Index, c.SubjectSeq.Length)
	api.AssertIsEqual(api.Mul(api.Sub(subject[msgHashLen], int(crlf[0])), api.Sub(c.Header.Len, subjectEnd)), 0)

	member := shiftLeft(api, c.Header.Storage, c.MemberSeq.Index, maxEmail)
	memberMask := prefixMask(api, c.MemberSeq.Length, maxEmail)
	for i := range member {
		api.AssertIsEqual(c.PaddedMember[i], api.Mul(member[i], memberMask[i]))
	}

	api.AssertIsEqual(c.RelayerSeq.Length, c.Relayer.Len)
	relayer := shiftLeft(api, c.Header.Storage, c.RelayerSeq.Index, maxEmail)
	relayerMask := prefixMask(api, c.Relayer.Len, maxEmail)
	for i := range relayer {
		api.AssertIsEqual(c.Relayer.Storage[i], api.Mul(relayer[i], relayerMask[i]))
	}

	// 4. Membership: leaf = H(pack31(padded_member)..., secret).
	leaf := hashOf(append(pack(api, c.PaddedMember, config.ElementSize), c.Secret)...)
	api.AssertIsEqual(verifyPath(api, hashOf, leaf, c.PathElements, c.PathIndices), c.Root)

	// 5. commit = H(secret, pack31(msg_hash)...).
	api.AssertIsEqual(c.Commit, hashOf(append([]frontend.Variable{c.Secret}, pack(api, c.MsgHash, config.ElementSize)...)...))

	// 6. DKIM key: pubkey_hash = H(modulus limbs...), every limb 120 bits.
	for _, l := range c.Pubkey.Modulus {
		api.ToBinary(l, config.LimbBits)
	}
	for _, l := range c.Pubkey.Redc {
		api.ToBinary(l, config.LimbBits)
	}
	for _, l := range c.Signature {
		api.ToBinary(l, config.LimbBits)
	}
	api.AssertIsEqual(c.PubkeyHash, hashOf(c.Pubkey.Modulus...))

	return nil
}

// assertLE asserts a <= b for a and b below 2^(nbBits-1).
func assertLE(api frontend.API, a, b frontend.Variable, nbBits int) {
	api.ToBinary(api.Sub(b, a), nbBits)
}

// assertWithin asserts that inner lies inside outer.
func assertWithin(api frontend.API, inner, outer Sequence, nbBits int) {
	assertLE(api, outer.Index, inner.Index, nbBits)
	assertLE(api, api.Add(inner.Index, inner.Length), api.Add(outer.Index, outer.Length), nbBits)
}

func assertBytes(api frontend.API, got []frontend.Variable, want []byte) {
	for i, b := range want {
		api.AssertIsEqual(got[i], int(b))
	}
}

// fieldAt asserts that a header field named name starts at index and
// returns the n header bytes following the name. lined is the header behind
// a leading \r\n.
func fieldAt(api frontend.API, lined []frontend.Variable, index frontend.Variable, name []byte, n int) []frontend.Variable {
	want := append(append([]byte{}, crlf...), name...)
	got := shiftLeft(api, lined, index, len(want)+n)
	assertBytes(api, got, want)
	return got[len(want):]
}

// prefixMask returns m with m[i] = 1 when i < length and 0 otherwise.
func prefixMask(api frontend.API, length frontend.Variable, n int) []frontend.Variable {
	m := make([]frontend.Variable, n)
	active := frontend.Variable(1)
	for i := 0; i < n; i++ {
		active = api.Mul(active, api.Sub(1, api.IsZero(api.Sub(length, i))))
		m[i] = active
	}
	return m
}

// shiftLeft returns the n values in[offset], ..., in[offset+n-1], reading
// zero past the end of in. offset is constrained below the next power of two
// of len(in). Stages run from the largest shift down so each stage
// only computes the window the remaining stages can still reach.
func shiftLeft(api frontend.API, in []frontend.Variable, offset frontend.Variable, n int) []frontend.Variable {
	nbBits := bits.Len(uint(len(in) - 1))
	sel := api.ToBinary(offset, nbBits)

	at := func(s []frontend.Variable, i int) frontend.Variable {
		if i < len(s) {
			return s[i]
		}
		return 0
	}

	cur := in
	for k := nbBits - 1; k >= 0; k-- {
		shift := 1 << k
		width := min(n+shift-1, len(in))
		next := make([]frontend.Variable, width)
		for i := range next {
			next[i] = api.Select(sel[k], at(cur, i+shift), at(cur, i))
		}
		cur = next
	}

	out := make([]frontend.Variable, n)
	for i := range out {
		out[i] = at(cur, i)
	}
	return out
}

// pack packs bytes into big-endian words of size bytes, right-padding the
// last word, matching field.Pack.
func pack(api frontend.API, data []frontend.Variable, size int) []frontend.Variable {
	words := make([]frontend.Variable, (len(data)+size-1)/size)
	for w := range words {
		acc := frontend.Variable(0)
		for j := 0; j < size; j++ {
			acc = api.Mul(acc, 256)
			if i := w*size + j; i < len(data) {
				acc = api.Add(acc, data[i])
			}
		}
		words[w] = acc
	}
	return words
}
