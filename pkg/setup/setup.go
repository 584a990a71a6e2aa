// Package setup produces proving and verifying keys for compiled circuit
// artifacts, either with a single-party dev setup or a two-phase Groth16
// ceremony.
package setup

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/backend/plonk"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/test/unsafekzg"
	"github.com/rs/zerolog/log"

	"github.com/MuriData/samm-zkproof/pkg/artifact"
)

// Keys groups the key files of one circuit inside a directory:
// <name>_prover.key, <name>_verifier.key and <name>_verifier.sol.
type Keys struct {
	Dir  string
	Name string
}

func (k Keys) ProvingKey() string   { return filepath.Join(k.Dir, k.Name+"_prover.key") }
func (k Keys) VerifyingKey() string { return filepath.Join(k.Dir, k.Name+"_verifier.key") }
func (k Keys) Solidity() string     { return filepath.Join(k.Dir, k.Name+"_verifier.sol") }

// DevSetup runs a single-party setup for the artifact's backend and exports
// the keys. The keys are not fit for production.
func DevSetup(a *artifact.Artifact, keys Keys) error {
	ccs, err := a.ConstraintSystem()
	if err != nil {
		return err
	}

	switch a.Backend {
	case artifact.Groth16:
		log.Warn().Str("circuit", a.Name).Msg("single-party groth16 setup, do not use these keys in production")
		pk, vk, err := groth16.Setup(ccs)
		if err != nil {
			return fmt.Errorf("groth16 setup: %w", err)
		}
		return ExportKeys(pk, vk, keys)
	case artifact.Plonk:
		log.Warn().Str("circuit", a.Name).Msg("unsafe KZG SRS, do not use these keys in production")
		return plonkDevSetup(ccs, keys)
	}
	return fmt.Errorf("unknown backend %q", a.Backend)
}

func plonkDevSetup(ccs constraint.ConstraintSystem, keys Keys) error {
	srs, srsLagrange, err := unsafekzg.NewSRS(ccs)
	if err != nil {
		return fmt.Errorf("generate unsafe KZG SRS: %w", err)
	}
	pk, vk, err := plonk.Setup(ccs, srs, srsLagrange)
	if err != nil {
		return fmt.Errorf("plonk setup: %w", err)
	}
	return ExportPlonkKeys(pk, vk, keys)
}

// ExportKeys writes Groth16 keys and the Solidity verifier.
func ExportKeys(pk groth16.ProvingKey, vk groth16.VerifyingKey, keys Keys) error {
	return exportKeys(pk, vk, func(w io.Writer) error { return vk.ExportSolidity(w) }, keys)
}

// ExportPlonkKeys writes PLONK keys and the Solidity verifier.
func ExportPlonkKeys(pk plonk.ProvingKey, vk plonk.VerifyingKey, keys Keys) error {
	return exportKeys(pk, vk, func(w io.Writer) error { return vk.ExportSolidity(w) }, keys)
}

func exportKeys(pk, vk io.WriterTo, exportSolidity func(io.Writer) error, keys Keys) error {
	if err := os.MkdirAll(keys.Dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	f, err := os.Create(keys.Solidity())
	if err != nil {
		return fmt.Errorf("create solidity verifier: %w", err)
	}
	if err := exportSolidity(f); err != nil {
		f.Close()
		return fmt.Errorf("export solidity verifier: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	if err := saveObject(keys.VerifyingKey(), vk); err != nil {
		return err
	}
	if err := saveObject(keys.ProvingKey(), pk); err != nil {
		return err
	}

	log.Info().
		Str("pk", keys.ProvingKey()).
		Str("vk", keys.VerifyingKey()).
		Str("sol", keys.Solidity()).
		Msg("exported keys")
	return nil
}

// LoadKeys loads Groth16 keys.
func LoadKeys(keys Keys) (groth16.ProvingKey, groth16.VerifyingKey, error) {
	pk := groth16.NewProvingKey(ecc.BN254)
	if err := loadObject(keys.ProvingKey(), pk); err != nil {
		return nil, nil, fmt.Errorf("proving key: %w", err)
	}
	vk := groth16.NewVerifyingKey(ecc.BN254)
	if err := loadObject(keys.VerifyingKey(), vk); err != nil {
		return nil, nil, fmt.Errorf("verifying key: %w", err)
	}
	return pk, vk, nil
}

// LoadPlonkKeys loads PLONK keys.
func LoadPlonkKeys(keys Keys) (plonk.ProvingKey, plonk.VerifyingKey, error) {
	pk := plonk.NewProvingKey(ecc.BN254)
	if err := loadObject(keys.ProvingKey(), pk); err != nil {
		return nil, nil, fmt.Errorf("proving key: %w", err)
	}
	vk := plonk.NewVerifyingKey(ecc.BN254)
	if err := loadObject(keys.VerifyingKey(), vk); err != nil {
		return nil, nil, fmt.Errorf("verifying key: %w", err)
	}
	return pk, vk, nil
}

func saveObject(path string, obj io.WriterTo) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := obj.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func loadObject(path string, obj io.ReaderFrom) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := obj.ReadFrom(f); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}
