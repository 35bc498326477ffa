package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// LoadConfig reads a configuration file and unmarshals it into the specified type.
// Files ending in .toml are decoded as TOML, everything else as YAML.
func LoadConfig[T any](path string) (*T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg T
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(data, &cfg)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// LoadProxyConfig reads a proxy configuration file, applies defaults and
// validates it.
func LoadProxyConfig(path string) (*Proxy, error) {
	logger := log.With().Str("com", "config-loader").Logger()

	cfg, err := LoadConfig[Proxy](path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("proxy configuration validation failed: %w", err)
	}

	logger.Info().Str("path", path).Str("socks", cfg.Socks.Listen).
		Int("lua_hooks", len(cfg.Hooks.Lua)).Msg("loaded proxy configuration")

	return cfg, nil
}
