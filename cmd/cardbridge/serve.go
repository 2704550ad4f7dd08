package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alovak/cardbridge/issuing"
	"github.com/spf13/cobra"
	"golang.org/x/exp/slog"
)

func serveCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and webhook receiver",
		Long: `Start the issuing service.

Without issuer credentials the service runs against the in-process simulated
network. Examples:
  cardbridge serve
  cardbridge serve --config cardbridge.yaml
  ISSUER_API_KEY=... ISSUER_API_URL=... cardbridge serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := issuing.LoadConfig(path)
			if err != nil {
				return err
			}

			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			app := issuing.NewApp(logger, cfg)
			if err := app.Start(); err != nil {
				return fmt.Errorf("starting app: %w", err)
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			app.Shutdown()
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")

	return cmd
}
