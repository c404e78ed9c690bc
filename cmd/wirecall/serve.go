package main

import (
	"github.com/spf13/cobra"

	"github.com/vovakirdan/wirecall/internal/app"
	"github.com/vovakirdan/wirecall/internal/config"
	wlog "github.com/vovakirdan/wirecall/internal/log"
)

func newServeCmd(root *rootFlags) *cobra.Command {
	var overrides config.Config

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay and booking server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			cfg.UpdateFrom(overrides)

			logger := wlog.New(cfg.LogLevel)
			application, err := app.New(&cfg, logger)
			if err != nil {
				return err
			}

			logger.Info().Str("addr", cfg.Addr).Msg("starting wirecall server")
			if err := application.Run(cmd.Context()); err != nil {
				return err
			}
			logger.Info().Msg("server stopped")
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&overrides.Addr, "addr", "", "HTTP listen address")
	f.DurationVar(&overrides.ReadHeaderTimeout, "read-header-timeout", 0, "HTTP read header timeout")
	f.DurationVar(&overrides.ShutdownTimeout, "shutdown-timeout", 0, "graceful shutdown timeout")
	f.StringVar(&overrides.DatabasePath, "db", "", "SQLite database path")
	f.StringVar(&overrides.LiveKitURL, "livekit-url", "", "LiveKit server URL")
	return cmd
}
