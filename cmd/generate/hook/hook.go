package hook

import (
	"fmt"
	"os"

	"github.com/Mmx233/llproxy/examples"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	outputFile string

	Cmd = &cobra.Command{
		Use:   "hook",
		Short: "Generate an example Lua interception hook",
		Args:  cobra.NoArgs,
		RunE:  runGenerate,
	}
)

func init() {
	Cmd.Flags().StringVarP(&outputFile, "output", "o", "hook.lua", "output script path")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(outputFile); err == nil {
		return fmt.Errorf("file already exists: %s", outputFile)
	}
	content, err := examples.LuaHook()
	if err != nil {
		return err
	}
	if err := os.WriteFile(outputFile, content, 0644); err != nil {
		return fmt.Errorf("write hook: %w", err)
	}
	log.Info().Str("com", "generate").Str("file", outputFile).Msg("generated lua hook")
	return nil
}
