// Package main implements the probeweaver CLI tool.
//
// The probeweaver tool works on the files the engine leaves behind and on
// the inputs it is configured with:
//
//  1. Decoding saved instrumentation state for inspection
//  2. Verifying that a state file re-encodes to the same bytes
//  3. Showing how array index bounds compact into comparisons
//  4. Validating configuration files
//
// Usage:
//
//	probeweaver inspect session.state     # Print a saved state
//	probeweaver verify session.state      # Check a state file round trips
//	probeweaver compact 13:15 18:24 11:20 # Compact index bounds
//	probeweaver config check pw.yaml      # Validate a configuration file
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kolkov/probeweaver/internal/config"
	"github.com/kolkov/probeweaver/internal/logging"
	"github.com/kolkov/probeweaver/weaver"
)

// app carries what every command shares.
type app struct {
	fs         afero.Fs
	configPath string
	logLevel   string

	cfg *config.Config
	log *zap.Logger
}

func main() {
	a := &app{fs: afero.NewOsFs()}
	if err := a.rootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

func (a *app) rootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "probeweaver",
		Short: "probeweaver - adaptive probe tracking and redefinition",
		Long: `probeweaver keeps the instrumentation of a running process in step with
what its consumers observe. This tool inspects the state files the engine
saves, validates configuration and shows how array index bounds compact.`,
		Version:           weaver.Version,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetVersionTemplate("probeweaver version {{.Version}}\n")

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "configuration file")
	flags.StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error); overrides the configuration")

	root.AddCommand(
		a.versionCmd(),
		a.inspectCmd(),
		a.verifyCmd(),
		a.compactCmd(),
		a.configCmd(),
	)
	return root
}

// setup loads the configuration named by --config and builds the logger.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	a.cfg = config.Default()
	a.cfg.Log.Format = logging.FormatConsole
	if a.configPath != "" {
		cfg, err := config.LoadFS(a.fs, a.configPath)
		if err != nil {
			return err
		}
		a.cfg = cfg
	}
	lc := a.cfg.Log
	if a.logLevel != "" {
		lc.Level = a.logLevel
	}
	log, err := logging.New(lc)
	if err != nil {
		return err
	}
	a.log = log.Named(cmd.Name())
	return nil
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			info := weaver.GetInfo()
			fmt.Fprintf(cmd.OutOrStdout(), "probeweaver version %s (state format %s)\n", info.Version, info.StateFormat)
		},
	}
}
