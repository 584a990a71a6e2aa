package crypto

import (
	"crypto/rand"
	"math/big"

	"github.com/MuriData/samm-zkproof/config"
	"github.com/MuriData/samm-zkproof/pkg/field"
	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/poseidon2"
)

// HashElements hashes the given field elements with the Poseidon2
// Merkle-Damgard construction used by the circuits. Every element is written
// in its canonical 32-byte encoding so that zero contributes 32 zero bytes.
func HashElements(elements ...*big.Int) *big.Int {
	h := poseidon2.NewMerkleDamgardHasher()

	var e fr.Element
	for _, v := range elements {
		e.SetBigInt(v)
		b := e.Bytes()
		h.Write(b[:])
	}

	return new(big.Int).SetBytes(h.Sum(nil))
}

// GenerateSecret generates a random non-zero BN254 scalar field element used
// as a member secret.
func GenerateSecret() (*big.Int, error) {
	for {
		sk, err := rand.Int(rand.Reader, ecc.BN254.ScalarField())
		if err != nil {
			return nil, err
		}
		if sk.Sign() != 0 {
			return sk, nil
		}
	}
}

// MemberLeaf computes the member tree leaf:
// leaf = H(pack31(paddedEmail)[0..numChunks-1], secret).
func MemberLeaf(paddedEmail []byte, numChunks int, secret *big.Int) *big.Int {
	elems := field.Pack(paddedEmail, numChunks, config.ElementSize)
	return HashElements(append(elems, secret)...)
}

// DeriveCommit computes the approval commitment matching the circuit:
// commit = H(secret, pack31(msgHash)...).
func DeriveCommit(msgHash []byte, numChunks int, secret *big.Int) *big.Int {
	elems := []*big.Int{secret}
	elems = append(elems, field.Pack(msgHash, numChunks, config.ElementSize)...)
	return HashElements(elems...)
}

// DerivePubkeyHash computes pubkey_hash = H(modulus limbs...).
func DerivePubkeyHash(modulusLimbs []*big.Int) *big.Int {
	return HashElements(modulusLimbs...)
}

// HashNodes hashes two tree nodes into their parent.
func HashNodes(left, right *big.Int) *big.Int {
	return HashElements(left, right)
}
