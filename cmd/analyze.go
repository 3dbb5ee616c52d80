package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/spf13/cobra"

	"github.com/synqronlabs/mailverdict/analyzer"
	"github.com/synqronlabs/mailverdict/message"
)

// NewAnalyzeCommand creates the analyze command. Any verdict, Invalid
// included, exits 0; only local failures are errors.
func NewAnalyzeCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "analyze",
		Args:  cobra.NoArgs,
		Short: "analyze a stored message or a sender domain",
		Example: `  mailverdict analyze --input message.eml
  cat message.eml | mailverdict analyze --input - --ip 192.0.2.10 --json
  mailverdict analyze --domain example.com`,
		RunE: analyze,
	}

	c.Flags().StringP("input", "i", "", "message file to analyze, - for stdin")
	c.Flags().StringP("domain", "d", "", "domain to analyze, or with --input the From domain to use")
	c.Flags().String("ip", "", "IP address of the connecting client, overrides the trace headers")
	c.Flags().Bool("json", false, "print the report as JSON")

	return c
}

func analyze(cmd *cobra.Command, _ []string) error {
	input, _ := cmd.Flags().GetString("input")
	domain, _ := cmd.Flags().GetString("domain")
	ipFlag, _ := cmd.Flags().GetString("ip")
	asJSON, _ := cmd.Flags().GetBool("json")

	if input == "" && domain == "" {
		return errors.New("either --input or --domain is required")
	}

	var ip net.IP

	if ipFlag != "" {
		if input == "" {
			return errors.New("--ip needs --input")
		}

		if ip = net.ParseIP(ipFlag); ip == nil {
			return fmt.Errorf("invalid IP address '%s'", ipFlag)
		}
	}

	var msg *message.Message

	if input != "" {
		raw, err := readInput(cmd, input)
		if err != nil {
			return err
		}

		if msg, err = message.Parse(raw); err != nil {
			return fmt.Errorf("can't parse message: %w", err)
		}

		if ip != nil {
			msg = msg.WithClientIP(ip)
		}

		if domain != "" {
			if msg, err = msg.WithDomain(domain); err != nil {
				return err
			}
		}
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	a, err := buildAnalyzer(cmd.Context(), cfg)
	if err != nil {
		return err
	}

	var report analyzer.Report

	if msg != nil {
		report = a.Analyze(cmd.Context(), msg)
	} else if report, err = a.AnalyzeDomain(cmd.Context(), domain); err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")

		return enc.Encode(report)
	}

	return writeReport(cmd.OutOrStdout(), &report)
}

func readInput(cmd *cobra.Command, input string) ([]byte, error) {
	if input == "-" {
		raw, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("can't read stdin: %w", err)
		}

		return raw, nil
	}

	raw, err := os.ReadFile(input)
	if err != nil {
		return nil, fmt.Errorf("can't read message: %w", err)
	}

	return raw, nil
}
