package logging

import (
	"os"
	"strings"
)

// Deployment environments recognised by ENVIRONMENT.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// presets are the logger settings implied by each environment. Explicit
// LOG_* variables still win.
var presets = map[string]Config{
	EnvProduction:  {Level: "info", Format: "json"},
	EnvTest:        {Level: "debug", Format: "text"},
	EnvDevelopment: {Level: "debug", Format: "text", AddSource: true},
}

// GetConfigFromEnv applies ENVIRONMENT, then LOG_LEVEL, LOG_FORMAT and
// LOG_ADD_SOURCE, on top of base.
func GetConfigFromEnv(base Config) Config {
	return configFromLookup(base, os.LookupEnv)
}

func configFromLookup(base Config, lookup func(string) (string, bool)) Config {
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.ToLower(strings.TrimSpace(v))
	}

	cfg := base
	if env := get("ENVIRONMENT"); env != "" {
		cfg.Environment = env
		if p, ok := presets[env]; ok {
			p.Environment = env
			cfg = p
		}
	}
	if v := get("LOG_LEVEL"); v != "" {
		cfg.Level = v
	}
	if v := get("LOG_FORMAT"); v != "" {
		cfg.Format = v
	}
	if v := get("LOG_ADD_SOURCE"); v != "" {
		cfg.AddSource = v == "true" || v == "1"
	}
	return cfg
}
