// Package config loads the engine's configuration from environment
// variables, the only configuration source this engine recognizes.
package config

import (
	"log"
	"os"
	"strconv"
)

// Config holds every environment-driven setting the engine loads.
type Config struct {
	ProtectedHandle string // PROTECTED_HANDLE — required for any scan
	PublicAPIURL    string // PUBLIC_API_URL — base URL for read endpoints
	BacklinkURL     string // BACKLINK_URL — base URL for the backlink index
	DBPath          string // DB_PATH — embedded backend file path
	DatabaseURL     string // DATABASE_URL — when present, selects the remote backend
	ScorerBackend   string // SCORER_BACKEND — "local" (default) or "remote"
	ModelDir        string // MODEL_DIR — directory containing model weights and tokenizers
	MaxFollowers    int    // MAX_FOLLOWERS — loaded but not passed to the scan pipeline, which caps each amplifier at 500 followers
	Concurrency     int    // bounded fan-out width for profile builds
}

const (
	defaultPublicAPIURL = "https://public.api.bsky.app"
	defaultDBPath       = "./charcoal.db"
	defaultScorer       = "local"
	defaultMaxFollowers = 200
	defaultConcurrency  = 8
)

// Load reads configuration from the environment. requireHandle controls
// whether PROTECTED_HANDLE must be set — commands that don't scan (e.g.
// `status`, `migrate`) can skip this requirement.
func Load(requireHandle bool) (Config, error) {
	cfg := Config{
		PublicAPIURL:  getEnvOrDefault("PUBLIC_API_URL", defaultPublicAPIURL),
		BacklinkURL:   os.Getenv("BACKLINK_URL"),
		DBPath:        getEnvOrDefault("DB_PATH", defaultDBPath),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		ScorerBackend: getEnvOrDefault("SCORER_BACKEND", defaultScorer),
		ModelDir:      os.Getenv("MODEL_DIR"),
		MaxFollowers:  getEnvIntOrDefault("MAX_FOLLOWERS", defaultMaxFollowers),
		Concurrency:   getEnvIntOrDefault("SCAN_CONCURRENCY", defaultConcurrency),
	}

	if requireHandle {
		handle, err := requireEnv("PROTECTED_HANDLE")
		if err != nil {
			return Config{}, err
		}
		cfg.ProtectedHandle = handle
	} else {
		cfg.ProtectedHandle = os.Getenv("PROTECTED_HANDLE")
	}

	return cfg, nil
}

// UsesRemoteBackend reports whether DATABASE_URL selects the remote backend.
func (c Config) UsesRemoteBackend() bool {
	return c.DatabaseURL != ""
}

func requireEnv(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", errMissingEnv(key)
	}
	return v, nil
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvIntOrDefault(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[Config] %s=%q is not a valid integer, using default %d", key, v, fallback)
		return fallback
	}
	return n
}

type errMissingEnv string

func (e errMissingEnv) Error() string {
	return "required environment variable " + string(e) + " is not set"
}
