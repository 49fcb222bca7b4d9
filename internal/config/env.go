package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// FromEnv overlays STAGEFLOW_* environment variables onto cfg. Variables
// that are unset leave the current value untouched.
func FromEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("config env: %w", err)
	}
	return nil
}
