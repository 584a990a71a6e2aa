// Package prover proves a generated witness against its artifact and
// formats the result for the SAMM contract.
package prover

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark/backend/groth16"
	groth16bn254 "github.com/consensys/gnark/backend/groth16/bn254"
	"github.com/consensys/gnark/backend/witness"
	"github.com/consensys/gnark/constraint"
	"github.com/rs/zerolog/log"

	"github.com/MuriData/samm-zkproof/pkg/artifact"
)

// Prove runs the Groth16 prover on wit. It returns early with ctx.Err()
// when ctx is done.
func Prove(ctx context.Context, ccs constraint.ConstraintSystem, pk groth16.ProvingKey, wit witness.Witness) (groth16.Proof, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type result struct {
		proof groth16.Proof
		err   error
	}
	done := make(chan result, 1)
	go func() {
		proof, err := groth16.Prove(ccs, pk, wit)
		done <- result{proof, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("prove: %w", r.err)
		}
		return r.proof, nil
	}
}

// Verify checks proof against the public part of wit.
func Verify(proof groth16.Proof, vk groth16.VerifyingKey, wit witness.Witness) error {
	pub, err := wit.Public()
	if err != nil {
		return fmt.Errorf("extract public witness: %w", err)
	}
	if err := groth16.Verify(proof, vk, pub); err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	return nil
}

// Fixture mirrors the contract's ProofStruct.
type Fixture struct {
	Proof      string    `json:"proof"`
	Points     [8]string `json:"points"`
	Commit     string    `json:"commit"`
	Domain     string    `json:"domain"`
	PubkeyHash string    `json:"pubkeyHash"`
	Is2048Sig  bool      `json:"is2048sig"`
}

// SolidityPoints returns the proof as [A.x, A.y, B.x1, B.x0, B.y1, B.y0, C.x, C.y].
func SolidityPoints(proof groth16.Proof) ([8]*big.Int, error) {
	p, ok := proof.(*groth16bn254.Proof)
	if !ok {
		return [8]*big.Int{}, fmt.Errorf("unexpected proof type %T", proof)
	}

	var out [8]*big.Int
	for i, e := range []interface{ BigInt(*big.Int) *big.Int }{
		&p.Ar.X, &p.Ar.Y,
		&p.Bs.X.A1, &p.Bs.X.A0,
		&p.Bs.Y.A1, &p.Bs.Y.A0,
		&p.Krs.X, &p.Krs.Y,
	} {
		out[i] = e.BigInt(new(big.Int))
	}
	return out, nil
}

// NewFixture assembles the ProofStruct for a proof of a. The commit and
// pubkey_hash values are read from the public witness by name.
func NewFixture(a *artifact.Artifact, proof groth16.Proof, wit witness.Witness, domain string, is2048 bool) (*Fixture, error) {
	points, err := SolidityPoints(proof)
	if err != nil {
		return nil, err
	}

	pub, err := wit.Public()
	if err != nil {
		return nil, fmt.Errorf("extract public witness: %w", err)
	}
	values, ok := pub.Vector().(fr.Vector)
	if !ok {
		return nil, fmt.Errorf("unexpected witness vector %T", pub.Vector())
	}
	names, _ := a.ABI.Leaves()
	if len(names) != len(values) {
		return nil, fmt.Errorf("public witness has %d values, abi declares %d", len(values), len(names))
	}

	lookup := func(name string) (string, error) {
		for i, n := range names {
			if n == name {
				return word(values[i].BigInt(new(big.Int))), nil
			}
		}
		return "", fmt.Errorf("circuit %s has no public %s", a.Name, name)
	}

	f := &Fixture{Domain: domain, Is2048Sig: is2048}
	if f.Commit, err = lookup("commit"); err != nil {
		return nil, err
	}
	if f.PubkeyHash, err = lookup("pubkey_hash"); err != nil {
		return nil, err
	}

	var sb strings.Builder
	sb.WriteString("0x")
	for i, p := range points {
		f.Points[i] = word(p)
		sb.WriteString(f.Points[i][2:])
	}
	f.Proof = sb.String()

	return f, nil
}

// Save writes the fixture as indented JSON.
func (f *Fixture) Save(path string) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal fixture: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write fixture: %w", err)
	}
	log.Info().Str("path", path).Str("commit", f.Commit).Msg("wrote proof fixture")
	return nil
}

func word(v *big.Int) string {
	return fmt.Sprintf("0x%064x", v)
}
