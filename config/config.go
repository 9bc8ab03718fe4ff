// Package config loads environment configuration from a .env file with
// fallback to process environment variables.
package config

import (
	"os"

	"github.com/joho/godotenv"
)

var loaded map[string]string

// Load reads the first .env file found among the usual locations. Missing
// files are not an error; deployments may rely on real environment variables.
func Load() {
	candidates := []string{".env", "../.env", "../../.env"}
	for _, path := range candidates {
		if env, err := godotenv.Read(path); err == nil {
			loaded = env
			return
		}
	}
}

// Get returns the configured value for key, preferring the loaded .env file,
// then the process environment, then def.
func Get(key, def string) string {
	if val, ok := loaded[key]; ok && val != "" {
		return val
	}
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// MustGet returns the configured value for key or panics when it is unset.
// Reserved for values the process cannot run without, like the database URL.
func MustGet(key string) string {
	if val := Get(key, ""); val != "" {
		return val
	}
	panic("config: required key " + key + " is not set")
}
