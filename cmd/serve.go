package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/synqronlabs/mailverdict/log"
	"github.com/synqronlabs/mailverdict/metrics"
	"github.com/synqronlabs/mailverdict/server"
)

// NewServeCommand creates the serve command.
func NewServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Args:  cobra.NoArgs,
		Short: "start the HTTP API",
		RunE:  serve,
	}
}

func serve(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := log.PrefixedLog("serve")
	logger.Infof("mailverdict %s (%s)", version, buildTime)
	cfg.LogConfig(log.PrefixedLog("config"))

	metrics.StartCollection()

	a, err := buildAnalyzer(ctx, cfg)
	if err != nil {
		return err
	}

	err = server.New(ctx, a, cfg.HTTP).ListenAndServe(ctx)

	logger.Info("terminated")

	return err
}
