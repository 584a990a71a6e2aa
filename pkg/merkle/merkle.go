package merkle

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"
	"runtime"
	"sort"

	"github.com/MuriData/samm-zkproof/pkg/crypto"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"golang.org/x/sync/errgroup"
)

// MaxDepth bounds the tree depth accepted by Build and ReadTree.
const MaxDepth = 32

var (
	ErrTreeFull = errors.New("merkle: too many leaves for tree depth")
	ErrCorrupt  = errors.New("merkle: corrupt tree file")
)

var magic = [4]byte{'S', 'M', 'T', '1'}

// LeafFunc returns the hash of leaf i.
type LeafFunc func(i int) (*big.Int, error)

// Tree is a fixed-depth Poseidon2 member tree. Only the first Size leaves are
// real; every other slot holds the zero leaf and is never stored.
type Tree struct {
	Root  *big.Int
	Depth int
	Size  int

	nodes []map[int]*big.Int // nodes[0] are the leaves, nodes[Depth][0] the root
	zeros []*big.Int         // zeros[l] is the hash of an empty subtree at level l
}

// Proof is the authentication path of one leaf. Indices[l] is 0 when the path
// node at level l is a left child and 1 when it is a right child.
type Proof struct {
	Siblings []*big.Int
	Indices  []int
}

// Build hashes size leaves with leaf, spread over all CPUs, and assembles a
// tree of the given depth around them.
func Build(depth, size int, leaf LeafFunc, zero *big.Int) (*Tree, error) {
	if depth < 1 || depth > MaxDepth {
		return nil, fmt.Errorf("merkle: invalid depth %d", depth)
	}
	if size < 0 || uint64(size) > uint64(1)<<depth {
		return nil, fmt.Errorf("%w: %d leaves, depth %d", ErrTreeFull, size, depth)
	}

	hashes := make([]*big.Int, size)
	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for i := range hashes {
		g.Go(func() error {
			h, err := leaf(i)
			if err != nil {
				return fmt.Errorf("leaf %d: %w", i, err)
			}
			hashes[i] = h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return assemble(depth, hashes, zero), nil
}

func assemble(depth int, leaves []*big.Int, zero *big.Int) *Tree {
	t := &Tree{
		Depth: depth,
		Size:  len(leaves),
		nodes: make([]map[int]*big.Int, depth+1),
		zeros: zeroChain(depth, zero),
	}

	t.nodes[0] = make(map[int]*big.Int, len(leaves))
	for i, h := range leaves {
		t.nodes[0][i] = h
	}
	for l := 0; l < depth; l++ {
		t.nodes[l+1] = make(map[int]*big.Int, (len(t.nodes[l])+1)/2)
		for _, i := range sortedKeys(t.nodes[l]) {
			p := i / 2
			if _, done := t.nodes[l+1][p]; done {
				continue
			}
			t.nodes[l+1][p] = crypto.HashNodes(t.node(l, 2*p), t.node(l, 2*p+1))
		}
	}
	t.Root = t.node(depth, 0)

	return t
}

func zeroChain(depth int, zero *big.Int) []*big.Int {
	zs := make([]*big.Int, depth+1)
	zs[0] = new(big.Int).Set(zero)
	for l := 1; l <= depth; l++ {
		zs[l] = crypto.HashNodes(zs[l-1], zs[l-1])
	}
	return zs
}

func (t *Tree) node(level, i int) *big.Int {
	if h, ok := t.nodes[level][i]; ok {
		return h
	}
	return t.zeros[level]
}

// Leaf returns the hash stored at slot i, or the zero leaf for empty slots.
func (t *Tree) Leaf(i int) *big.Int {
	return t.node(0, i)
}

// Find returns the slot of the first real leaf equal to leaf.
func (t *Tree) Find(leaf *big.Int) (int, bool) {
	for i := 0; i < t.Size; i++ {
		if t.nodes[0][i].Cmp(leaf) == 0 {
			return i, true
		}
	}
	return 0, false
}

// Prove returns the authentication path of slot i.
func (t *Tree) Prove(i int) (Proof, error) {
	if i < 0 || uint64(i) >= uint64(1)<<t.Depth {
		return Proof{}, fmt.Errorf("merkle: invalid leaf index %d", i)
	}

	p := Proof{
		Siblings: make([]*big.Int, t.Depth),
		Indices:  make([]int, t.Depth),
	}
	for l := 0; l < t.Depth; l++ {
		p.Indices[l] = i & 1
		p.Siblings[l] = t.node(l, i^1)
		i >>= 1
	}
	return p, nil
}

// Verify recomputes the root from leaf along p.
func (p Proof) Verify(leaf, root *big.Int) bool {
	if len(p.Siblings) != len(p.Indices) {
		return false
	}

	cur := leaf
	for l, sib := range p.Siblings {
		switch p.Indices[l] {
		case 0:
			cur = crypto.HashNodes(cur, sib)
		case 1:
			cur = crypto.HashNodes(sib, cur)
		default:
			return false
		}
	}
	return cur.Cmp(root) == 0
}

// WriteTo stores the tree as
//
//	"SMT1" | uint8 depth | uint32 size | root | size leaves
//
// with every hash a 32-byte big-endian field element. Inner nodes are
// rebuilt on read.
func (t *Tree) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	n := int64(0)

	hdr := make([]byte, 0, 9)
	hdr = append(hdr, magic[:]...)
	hdr = append(hdr, byte(t.Depth))
	hdr = binary.BigEndian.AppendUint32(hdr, uint32(t.Size))
	m, err := bw.Write(hdr)
	n += int64(m)
	if err != nil {
		return n, err
	}

	put := func(v *big.Int) error {
		var e fr.Element
		e.SetBigInt(v)
		b := e.Bytes()
		m, err := bw.Write(b[:])
		n += int64(m)
		return err
	}
	if err := put(t.Root); err != nil {
		return n, err
	}
	for i := 0; i < t.Size; i++ {
		if err := put(t.nodes[0][i]); err != nil {
			return n, fmt.Errorf("leaf %d: %w", i, err)
		}
	}

	return n, bw.Flush()
}

// ReadTree reads a tree written by WriteTo and checks the rebuilt root
// against the stored one.
func ReadTree(r io.Reader, zero *big.Int) (*Tree, error) {
	br := bufio.NewReader(r)

	var hdr [9]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if [4]byte(hdr[:4]) != magic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrCorrupt, hdr[:4])
	}
	depth := int(hdr[4])
	size := binary.BigEndian.Uint32(hdr[5:])
	if depth < 1 || depth > MaxDepth {
		return nil, fmt.Errorf("%w: depth %d", ErrCorrupt, depth)
	}
	if uint64(size) > uint64(1)<<depth {
		return nil, fmt.Errorf("%w: %d leaves, depth %d", ErrCorrupt, size, depth)
	}

	var buf [fr.Bytes]byte
	get := func() (*big.Int, error) {
		if _, err := io.ReadFull(br, buf[:]); err != nil {
			return nil, err
		}
		var e fr.Element
		if err := e.SetBytesCanonical(buf[:]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return e.BigInt(new(big.Int)), nil
	}

	root, err := get()
	if err != nil {
		return nil, fmt.Errorf("read root: %w", err)
	}
	// size comes from the file; grow with what is actually read.
	leaves := make([]*big.Int, 0, min(size, 1<<10))
	for i := uint32(0); i < size; i++ {
		leaf, err := get()
		if err != nil {
			return nil, fmt.Errorf("read leaf %d: %w", i, err)
		}
		leaves = append(leaves, leaf)
	}

	t := assemble(depth, leaves, zero)
	if t.Root.Cmp(root) != 0 {
		return nil, fmt.Errorf("%w: root mismatch", ErrCorrupt)
	}
	return t, nil
}

func sortedKeys(m map[int]*big.Int) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
