package samm

import (
	"fmt"
	"math/bits"

	"github.com/MuriData/samm-zkproof/config"
)

// Params fixes the shape of one SAMM circuit variant.
type Params struct {
	Name         string
	KeyBits      int // DKIM RSA modulus size
	Limbs        int // 120-bit limbs per RSA bignum
	MaxHeaderLen int // power of two
	MaxEmailLen  int
	MsgHashLen   int
	TreeHeight   int
}

var (
	Params1024 = Params{
		Name:         "samm_1024",
		KeyBits:      1024,
		Limbs:        9,
		MaxHeaderLen: config.MaxHeaderLen,
		MaxEmailLen:  config.MaxPaddedEmailLen,
		MsgHashLen:   config.MsgHashLen,
		TreeHeight:   config.TreeHeight,
	}
	Params2048 = Params{
		Name:         "samm_2048",
		KeyBits:      2048,
		Limbs:        18,
		MaxHeaderLen: config.MaxHeaderLen,
		MaxEmailLen:  config.MaxPaddedEmailLen,
		MsgHashLen:   config.MsgHashLen,
		TreeHeight:   config.TreeHeight,
	}
)

// ParamsForKeySize returns the production parameters for a DKIM key size.
func ParamsForKeySize(keyBits int) (Params, error) {
	switch keyBits {
	case 1024:
		return Params1024, nil
	case 2048:
		return Params2048, nil
	}
	return Params{}, fmt.Errorf("unsupported DKIM key size %d", keyBits)
}

// EmailChunks is the number of 31-byte words a padded email packs into.
func (p Params) EmailChunks() int {
	return (p.MaxEmailLen + config.ElementSize - 1) / config.ElementSize
}

// MsgHashChunks is the number of 31-byte words the message hash packs into.
func (p Params) MsgHashChunks() int {
	return (p.MsgHashLen + config.ElementSize - 1) / config.ElementSize
}

// Validate reports the first size that the circuit cannot be built with.
func (p Params) Validate() error {
	switch {
	case p.Name == "":
		return fmt.Errorf("samm: params have no name")
	case p.MaxHeaderLen < 2 || bits.OnesCount(uint(p.MaxHeaderLen)) != 1:
		return fmt.Errorf("samm: max header length %d is not a power of two", p.MaxHeaderLen)
	case p.MaxEmailLen < 1 || p.MaxEmailLen > p.MaxHeaderLen:
		return fmt.Errorf("samm: max email length %d out of range", p.MaxEmailLen)
	case p.MsgHashLen < 1:
		return fmt.Errorf("samm: message hash length %d out of range", p.MsgHashLen)
	case p.TreeHeight < 1 || p.TreeHeight > 32:
		return fmt.Errorf("samm: tree height %d out of range", p.TreeHeight)
	case p.KeyBits < 1 || p.Limbs*config.LimbBits < p.KeyBits:
		return fmt.Errorf("samm: %d limbs cannot hold a %d-bit key", p.Limbs, p.KeyBits)
	}
	return nil
}
