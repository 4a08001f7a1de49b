package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kolkov/probeweaver/internal/config"
)

func (a *app) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Work with configuration files",
	}
	var show bool
	check := &cobra.Command{
		Use:   "check <file>",
		Short: "Load and validate a configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFS(a.fs, args[0])
			if err != nil {
				return err
			}
			a.log.Debug("configuration valid", zap.String("path", args[0]))
			out := cmd.OutOrStdout()
			if show {
				return cfg.Write(out)
			}
			fmt.Fprintf(out, "%s: ok (policy %s)\n", args[0], cfg.ErrorPolicy)
			return nil
		},
	}
	check.Flags().BoolVar(&show, "show", false, "print the effective configuration")

	cmd.AddCommand(check, &cobra.Command{
		Use:   "default",
		Short: "Print the default configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return config.Default().Write(cmd.OutOrStdout())
		},
	})
	return cmd
}
