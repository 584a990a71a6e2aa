package config

import (
	"os"

	"github.com/joho/godotenv"
)

// Config holds the runtime locations shared by the commands. Values come from
// the environment (optionally seeded from a .env file) and may be overridden
// by command-line flags.
type Config struct {
	TargetDir   string
	KeysDir     string
	CeremonyDir string
	LogLevel    string
}

// Load reads .env (if present) and the SAMM_* environment variables.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		TargetDir:   getenv("SAMM_TARGET_DIR", "target"),
		KeysDir:     getenv("SAMM_KEYS_DIR", "target"),
		CeremonyDir: getenv("SAMM_CEREMONY_DIR", "ceremony"),
		LogLevel:    getenv("LOG_LEVEL", "info"),
	}
}

func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
