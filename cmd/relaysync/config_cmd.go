package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/relaysync/internal/config"
)

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}

	var format string
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the merged configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			return encodeConfig(cmd.OutOrStdout(), cfg.Redacted(), format)
		},
	}
	show.Flags().StringVarP(&format, "format", "f", "yaml", "output format: yaml, json or toml")

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and the resolved queue store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			dsn, err := cfg.StoreDSN()
			if err != nil {
				return err
			}
			source := cfg.Source
			if source == "" {
				source = "defaults and environment"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok (%s), queue store %s\n", source, config.Config{QueueDSN: dsn}.Redacted().QueueDSN)
			return nil
		},
	}

	cmd.AddCommand(show, validate)
	return cmd
}

func encodeConfig(w io.Writer, cfg config.Config, format string) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		return enc.Close()
	case "json":
		return writeJSON(w, cfg)
	case "toml":
		return toml.NewEncoder(w).Encode(cfg)
	default:
		return fmt.Errorf("unsupported format %q", format)
	}
}
