// Package config loads the process-wide BLAMA_* environment variables
// that pick a bind address and a model file, the way the teacher's
// tensor-shape Config validated its own env-driven fields.
package config

import (
	"fmt"
	"os"
)

// Config is the process-wide startup configuration.
type Config struct {
	Host      string
	Port      int
	ModelPath string
	APIKey    string
}

// Default returns the documented defaults before environment overrides.
func Default() Config {
	return Config{
		Host: "0.0.0.0",
		Port: 7331,
	}
}

// FromEnv reads BLAMA_HOST/BLAMA_PORT/BLAMA_MODEL over Default's
// baseline and validates the result.
func FromEnv() (Config, error) {
	cfg := Default()

	if v := os.Getenv("BLAMA_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("BLAMA_PORT"); v != "" {
		port, err := parsePort(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid BLAMA_PORT: %w", err)
		}
		cfg.Port = port
	}
	cfg.ModelPath = os.Getenv("BLAMA_MODEL")
	cfg.APIKey = os.Getenv("BLAMA_API_KEY")

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parsePort(s string) (int, error) {
	var n int
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%q is not a valid port number", s)
		}
		n = n*10 + int(r-'0')
	}
	if n <= 0 || n > 65535 {
		return 0, fmt.Errorf("%q is out of range 1-65535", s)
	}
	return n, nil
}

// Validate checks that the configuration is usable before the server
// attempts to bind or load a model.
func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host must not be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.ModelPath == "" {
		return fmt.Errorf("BLAMA_MODEL must be set to a .gguf file path")
	}
	info, err := os.Stat(c.ModelPath)
	if err != nil {
		return fmt.Errorf("BLAMA_MODEL %q is not accessible: %w", c.ModelPath, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("BLAMA_MODEL %q is not a regular file", c.ModelPath)
	}
	return nil
}

// Addr returns the address to bind the HTTP listener to.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
