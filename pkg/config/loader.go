package config

import (
	"fmt"

	"github.com/caarlos0/env/v10"
)

// Load parses environment variables into the provided struct using `env`
// and `envDefault` tags.
//
//	type Config struct {
//	    StatusPort int    `env:"STATUS_HTTP_PORT" envDefault:"8090"`
//	    LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
//	}
func Load(cfg any) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// LoadFrom parses cfg from an explicit variable map instead of the process
// environment. A non-empty prefix is prepended to every tag name.
func LoadFrom(cfg any, prefix string, vars map[string]string) error {
	opts := env.Options{Prefix: prefix, Environment: vars}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}
