package config

import (
	"os"
	"strings"
)

// Deployment environments. Staging and production enforce required
// configuration; development falls back to defaults.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Environment returns the configured environment, defaulting to development.
func Environment() string {
	env := os.Getenv("CIVIREC_SERVER_ENVIRONMENT")
	if env == "" {
		return EnvDevelopment
	}
	return strings.ToLower(env)
}
