package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/wirecall/internal/config"
	wlog "github.com/vovakirdan/wirecall/internal/log"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "wirecall",
		Short:         "Video calling relay, booking server and headless client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to config.yaml")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	cmd.AddCommand(newServeCmd(flags), newClientCmd(flags))
	return cmd
}

// load resolves configuration and builds the logger for a subcommand.
func (f *rootFlags) load() (config.Config, error) {
	bootLog := wlog.New("info")
	cfg, path, err := config.Load(bootLog, f.configPath)
	if err != nil {
		return cfg, err
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	bootLog.Debug().Str("path", path).Msg("config loaded")
	return cfg, nil
}
