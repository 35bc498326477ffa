package run

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Mmx233/llproxy/config"
	"github.com/Mmx233/llproxy/protocol/template"
	"github.com/Mmx233/llproxy/proxy"
	"github.com/Mmx233/llproxy/proxy/capture"
	"github.com/Mmx233/llproxy/proxy/hook"
	"github.com/Mmx233/llproxy/tools"
	"github.com/pkg/profile"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	configFile  = tools.GetenvDefault(config.EnvPrefix+"CONFIG", "config.yaml")
	profileMode string

	Cmd = &cobra.Command{
		Use:   "run",
		Short: "Start the proxy",
		Args:  cobra.NoArgs,
		RunE:  runProxy,
	}
)

func init() {
	Cmd.Flags().StringVarP(&configFile, "config", "c", configFile, "path of config file")
	Cmd.Flags().StringVar(&profileMode, "profile", "", "write a cpu or mem profile to the working directory")
}

func runProxy(cmd *cobra.Command, args []string) error {
	logger := log.With().Str("com", "run-cmd").Logger()

	logger.Info().Str("config", configFile).Msg("loading configuration")
	cfg, err := config.LoadProxyConfig(configFile)
	if err != nil {
		return err
	}
	debug, _ := cmd.Flags().GetBool("debug")
	closeLog, err := setupLogging(cfg.Log, debug)
	if err != nil {
		return err
	}
	defer closeLog()
	logger = log.With().Str("com", "run-cmd").Logger()

	if profileMode != "" {
		p, err := startProfile(profileMode)
		if err != nil {
			return err
		}
		defer p.Stop()
	}

	schema, err := loadSchema(cfg.Templates.File)
	if err != nil {
		return err
	}
	logger.Info().Int("messages", schema.Len()).Msg("message templates loaded")

	var opts []proxy.Option
	if cfg.Capture.File != "" {
		w, err := capture.Create(cfg.Capture.File)
		if err != nil {
			return fmt.Errorf("create capture: %w", err)
		}
		defer w.Close()
		opts = append(opts, proxy.WithRecorder(w))
		logger.Info().Str("file", cfg.Capture.File).Msg("capturing relayed datagrams")
	}
	for _, path := range cfg.Hooks.Lua {
		h, err := hook.LoadLua(path)
		if err != nil {
			return err
		}
		defer h.Close()
		opts = append(opts, proxy.WithHooks(h))
		logger.Info().Str("hook", h.Name()).Str("path", path).Msg("lua hook loaded")
	}

	p, err := proxy.New(cfg, schema, opts...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("listen", cfg.Socks.Listen).Msg("starting proxy")
		if err := p.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
		_ = p.Close()
	case err := <-errCh:
		logger.Error().Err(err).Msg("proxy error")
		return err
	}

	logger.Info().Msg("proxy stopped")
	return nil
}

func loadSchema(path string) (*template.Schema, error) {
	if path == "" {
		return template.Default()
	}
	return template.Load(path)
}

func startProfile(mode string) (interface{ Stop() }, error) {
	switch mode {
	case "cpu":
		return profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook), nil
	case "mem":
		return profile.Start(profile.MemProfile, profile.ProfilePath("."), profile.NoShutdownHook), nil
	default:
		return nil, fmt.Errorf("unknown profile mode %q, want cpu or mem", mode)
	}
}
