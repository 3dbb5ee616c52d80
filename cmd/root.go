// Package cmd holds the mailverdict command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/synqronlabs/mailverdict/config"
	"github.com/synqronlabs/mailverdict/log"
)

//nolint:gochecknoglobals
var (
	version   = "undefined"
	buildTime = "undefined"
)

// NewRootCommand creates the root command with every subcommand attached.
func NewRootCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "mailverdict",
		Short: "mailverdict rates how trustworthy an email or a sender domain is",
		Long: `Checks SPF, DKIM and DMARC of a stored message, or the published
policies of a domain, adds registration age and MX data and answers
Strong, Medium, Weak or Invalid.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	c.PersistentFlags().StringP("config", "c", config.DefaultPath, "path to config file")

	c.AddCommand(
		NewAnalyzeCommand(),
		NewServeCommand(),
		NewVersionCommand(),
	)

	return c
}

// loadConfig reads the --config file and configures the logger from it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if err := log.ConfigureLogger(cfg.Log); err != nil {
		return nil, fmt.Errorf("can't configure logger: %w", err)
	}

	return cfg, nil
}

// Execute runs the command line and exits non-zero on error.
func Execute() {
	c := NewRootCommand()

	if err := c.Execute(); err != nil {
		fmt.Fprintln(c.ErrOrStderr(), "Error:", err)
		os.Exit(1)
	}
}
