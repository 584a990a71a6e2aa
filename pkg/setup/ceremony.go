package setup

import (
	"encoding/hex"
	"fmt"
	"math/bits"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16/bn254/mpcsetup"
	cs_bn254 "github.com/consensys/gnark/constraint/bn254"
	"github.com/rs/zerolog/log"

	"github.com/MuriData/samm-zkproof/pkg/artifact"
)

// MinBeaconLen is the minimum random beacon size in bytes.
const MinBeaconLen = 16

// Ceremony runs the two-phase Groth16 MPC in Dir. Contributions are numbered
// files phase1_NNNN.bin and phase2_NNNN.bin; index 0 is the initial state.
type Ceremony struct {
	Dir string
}

func (c Ceremony) srsPath() string {
	return filepath.Join(c.Dir, "srs_commons.bin")
}

// P1Init writes the initial Powers of Tau state sized for the artifact.
func (c Ceremony) P1Init(a *artifact.Artifact) error {
	ccs, err := r1csOf(a)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return fmt.Errorf("create ceremony dir: %w", err)
	}

	n := ecc.NextPowerOfTwo(uint64(ccs.GetNbConstraints()))
	log.Info().Uint64("domain", n).Int("log2", bits.Len64(n)-1).Int("constraints", ccs.GetNbConstraints()).Msg("phase 1 init")

	path, err := c.nextContrib("phase1")
	if err != nil {
		return err
	}
	if err := saveObject(path, mpcsetup.NewPhase1(n)); err != nil {
		return err
	}
	log.Info().Str("path", path).Msg("wrote initial phase 1 state")
	return nil
}

// P1Contribute adds randomness to the latest Phase 1 state.
func (c Ceremony) P1Contribute() error {
	latest, err := c.latestContrib("phase1")
	if err != nil {
		return err
	}

	var p mpcsetup.Phase1
	if err := loadObject(latest, &p); err != nil {
		return err
	}
	p.Contribute()

	path, err := c.nextContrib("phase1")
	if err != nil {
		return err
	}
	if err := saveObject(path, &p); err != nil {
		return err
	}
	log.Info().Str("from", latest).Str("path", path).Msg("wrote phase 1 contribution")
	return nil
}

// P1Verify verifies every Phase 1 contribution and seals the SRS commons
// with the beacon.
func (c Ceremony) P1Verify(a *artifact.Artifact, beaconHex string) error {
	beacon, err := parseBeacon(beaconHex)
	if err != nil {
		return err
	}
	ccs, err := r1csOf(a)
	if err != nil {
		return err
	}
	n := ecc.NextPowerOfTwo(uint64(ccs.GetNbConstraints()))

	phases := make([]*mpcsetup.Phase1, 0)
	if err := c.loadContribs("phase1", func(path string) error {
		p := new(mpcsetup.Phase1)
		phases = append(phases, p)
		return loadObject(path, p)
	}); err != nil {
		return err
	}

	commons, err := mpcsetup.VerifyPhase1(n, beacon, phases...)
	if err != nil {
		return fmt.Errorf("phase 1 verification failed: %w", err)
	}
	if err := saveObject(c.srsPath(), &commons); err != nil {
		return err
	}
	log.Info().Int("contributions", len(phases)).Str("path", c.srsPath()).Msg("phase 1 verified and sealed")
	return nil
}

// P2Init initializes the circuit-specific Phase 2 from the sealed commons.
func (c Ceremony) P2Init(a *artifact.Artifact) error {
	ccs, err := r1csOf(a)
	if err != nil {
		return err
	}

	var commons mpcsetup.SrsCommons
	if err := loadObject(c.srsPath(), &commons); err != nil {
		return fmt.Errorf("srs commons: %w", err)
	}

	var p mpcsetup.Phase2
	p.Initialize(ccs, &commons)

	path, err := c.nextContrib("phase2")
	if err != nil {
		return err
	}
	if err := saveObject(path, &p); err != nil {
		return err
	}
	log.Info().Str("path", path).Msg("wrote initial phase 2 state")
	return nil
}

// P2Contribute adds randomness to the latest Phase 2 state.
func (c Ceremony) P2Contribute() error {
	latest, err := c.latestContrib("phase2")
	if err != nil {
		return err
	}

	var p mpcsetup.Phase2
	if err := loadObject(latest, &p); err != nil {
		return err
	}
	p.Contribute()

	path, err := c.nextContrib("phase2")
	if err != nil {
		return err
	}
	if err := saveObject(path, &p); err != nil {
		return err
	}
	log.Info().Str("from", latest).Str("path", path).Msg("wrote phase 2 contribution")
	return nil
}

// P2Verify verifies every Phase 2 contribution, seals with the beacon and
// exports the final keys.
func (c Ceremony) P2Verify(a *artifact.Artifact, beaconHex string, keys Keys) error {
	beacon, err := parseBeacon(beaconHex)
	if err != nil {
		return err
	}
	ccs, err := r1csOf(a)
	if err != nil {
		return err
	}

	var commons mpcsetup.SrsCommons
	if err := loadObject(c.srsPath(), &commons); err != nil {
		return fmt.Errorf("srs commons: %w", err)
	}

	phases := make([]*mpcsetup.Phase2, 0)
	if err := c.loadContribs("phase2", func(path string) error {
		p := new(mpcsetup.Phase2)
		phases = append(phases, p)
		return loadObject(path, p)
	}); err != nil {
		return err
	}

	pk, vk, err := mpcsetup.VerifyPhase2(ccs, &commons, beacon, phases...)
	if err != nil {
		return fmt.Errorf("phase 2 verification failed: %w", err)
	}
	if err := ExportKeys(pk, vk, keys); err != nil {
		return err
	}
	log.Info().Int("contributions", len(phases)).Msg("ceremony complete")
	return nil
}

func r1csOf(a *artifact.Artifact) (*cs_bn254.R1CS, error) {
	if a.Backend != artifact.Groth16 {
		return nil, fmt.Errorf("MPC ceremony needs a groth16 circuit, %s uses %s", a.Name, a.Backend)
	}
	ccs, err := a.ConstraintSystem()
	if err != nil {
		return nil, err
	}
	r1cs, ok := ccs.(*cs_bn254.R1CS)
	if !ok {
		return nil, fmt.Errorf("unexpected constraint system %T", ccs)
	}
	return r1cs, nil
}

func parseBeacon(hexStr string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(hexStr, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid beacon hex: %w", err)
	}
	if len(b) < MinBeaconLen {
		return nil, fmt.Errorf("beacon must be at least %d bytes", MinBeaconLen)
	}
	return b, nil
}

// contribs returns the sorted paths of <prefix>_NNNN.bin.
func (c Ceremony) contribs(prefix string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(c.Dir, prefix+"_????.bin"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

func (c Ceremony) latestContrib(prefix string) (string, error) {
	all, err := c.contribs(prefix)
	if err != nil {
		return "", err
	}
	if len(all) == 0 {
		return "", fmt.Errorf("no %s contributions in %s", prefix, c.Dir)
	}
	return all[len(all)-1], nil
}

func (c Ceremony) nextContrib(prefix string) (string, error) {
	all, err := c.contribs(prefix)
	if err != nil {
		return "", err
	}
	return filepath.Join(c.Dir, fmt.Sprintf("%s_%04d.bin", prefix, len(all))), nil
}

// loadContribs loads every contribution after the initial state.
func (c Ceremony) loadContribs(prefix string, load func(path string) error) error {
	all, err := c.contribs(prefix)
	if err != nil {
		return err
	}
	if len(all) < 2 {
		return fmt.Errorf("need the %s init file and at least one contribution", prefix)
	}
	for _, path := range all[1:] {
		if err := load(path); err != nil {
			return err
		}
	}
	return nil
}
