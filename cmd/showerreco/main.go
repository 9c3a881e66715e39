// Command showerreco reconstructs the direction, energy and particle type of
// air showers seen by an array of imaging telescopes.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/banshee-data/shower.reco/internal/monitoring"
	"github.com/banshee-data/shower.reco/internal/version"
)

// app holds what the subcommands share.
type app struct {
	verbose bool
	logger  *zap.Logger

	stdin   io.Reader
	stdout  io.Writer
	environ func() []string
}

func newApp() *app {
	return &app{stdin: os.Stdin, stdout: os.Stdout, environ: os.Environ}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "showerreco",
		Short: "Stereo reconstruction of air showers from telescope image parameters",
		Long: `showerreco reads per-telescope image parameters (DL1) event by event and
runs the configured geometry, energy and particle reconstructors over them,
storing the array-level results (DL2) in a SQLite database or printing them
as JSON lines.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.logger != nil {
				return nil
			}
			l, err := monitoring.NewLogger(a.verbose)
			if err != nil {
				return err
			}
			a.logger = l
			monitoring.UseZap(l)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")
	root.SetOut(a.stdout)

	root.AddCommand(a.runCmd(), a.validateCmd(), a.versionCmd())
	return root
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(a.stdout, version.String())
			return err
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().rootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
