// Package config loads the daemon and CLI configuration from a YAML
// file, applying defaults for anything left unset.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

type Config struct {
	// Network selects the storage network: "local" or "remote".
	Network string `yaml:"network"`
	// CacheDir holds the local resolution cache.
	CacheDir string `yaml:"cacheDir"`
	// MinimumFreeGB refuses to start when the cache filesystem has
	// less free space. Zero disables the check.
	MinimumFreeGB uint `yaml:"minimumFreeGB"`
	// Listen is the API server address.
	Listen string `yaml:"listen"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"logLevel"`
	// AuthToken, when set, is required on every API request.
	AuthToken string `yaml:"authToken"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Config{
		Network:  "local",
		CacheDir: filepath.Join(home, ".antdist", "cache"),
		Listen:   "localhost:4242",
		LogLevel: "info",
	}
}

// Load reads a YAML config file. A missing file yields the defaults;
// a present but unreadable or malformed file is an error.
func Load(path string) (Config, error) {
	config := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return config, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if config.Network != "local" && config.Network != "remote" {
		return Config{}, fmt.Errorf("config: unknown network %q", config.Network)
	}
	if config.CacheDir == "" {
		config.CacheDir = Default().CacheDir
	}
	if config.Listen == "" {
		config.Listen = Default().Listen
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}

	return config, nil
}
