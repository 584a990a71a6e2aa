package config

const (
	MaxPaddedEmailLen = 124 // bytes, zero-padded member / relayer address
	ElementSize       = 31  // bytes packed into one field element
	EmailChunks       = int((MaxPaddedEmailLen + ElementSize - 1) / ElementSize)

	MaxHeaderLen = 1024 // canonicalized DKIM-signed header bytes
	MsgHashLen   = 44   // base64 Safe message hash carried in the subject

	TreeHeight = 8 // member tree height, 256 member slots

	LimbBits    = 120 // RSA bignum limb width
	RSAExponent = 65537
)

// Default file names inside the target directory.
const (
	Circuit1024File = "samm_1024.json"
	Circuit2048File = "samm_2048.json"
	ProverFile      = "prover.json"
	WitnessFile     = "witness.gz"
)
