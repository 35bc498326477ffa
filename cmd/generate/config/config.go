package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Mmx233/llproxy/examples"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	configFile string // --config flag value

	Cmd = &cobra.Command{
		Use:   "config",
		Short: "Generate a proxy configuration file, TOML when the name ends in .toml",
		Args:  cobra.NoArgs,
		RunE:  runGenerate,
	}
)

func init() {
	Cmd.Flags().StringVarP(&configFile, "config", "c", "config.yaml", "output config file path")
}

// Template returns the embedded configuration matching the file extension.
func Template(path string) ([]byte, error) {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return examples.ProxyConfigTOML()
	}
	return examples.ProxyConfig()
}

func runGenerate(cmd *cobra.Command, args []string) error {
	logger := log.With().Str("com", "generate").Logger()

	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("file already exists: %s", configFile)
	}

	content, err := Template(configFile)
	if err != nil {
		return fmt.Errorf("load config template: %w", err)
	}

	if err := os.WriteFile(configFile, content, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	logger.Info().Str("file", configFile).Msg("generated proxy configuration")
	return nil
}
