package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/nugget/aki/internal/buildinfo"
	"github.com/nugget/aki/internal/config"
)

// cli carries the process streams and global flags shared by every
// subcommand.
type cli struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	configPath string
	output     string // text or json
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	c := &cli{stdin: stdin, stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "aki",
		Short: "Aki - conversation orchestration engine",
		Long: `Aki drives LLM-backed agent turns: it runs tool calls concurrently,
places prompt cache markers, and compacts history that outgrows its budget.

Config search order:
  ./aki.yaml, ~/.aki/config.yaml, /etc/aki/config.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if c.output != "text" && c.output != "json" {
				return fmt.Errorf("unknown output format: %q (expected text or json)", c.output)
			}
			return nil
		},
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.PersistentFlags().StringVar(&c.configPath, "config", "", "path to config file (default: auto-discover)")
	root.PersistentFlags().StringVarP(&c.output, "output", "o", "text", "output format: text or json")

	root.AddCommand(
		c.serveCmd(),
		c.chatCmd(),
		c.sessionsCmd(),
		c.initCmd(),
		c.versionCmd(),
	)
	return root
}

func (c *cli) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := buildinfo.Info()
			if c.output == "json" {
				return c.printJSON(info)
			}
			fmt.Fprintln(c.stdout, buildinfo.String())
			for _, k := range []string{"version", "git_commit", "build_time", "go_version"} {
				fmt.Fprintf(c.stdout, "  %-12s %s\n", k+":", info[k])
			}
			return nil
		},
	}
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// loadConfig finds, loads and validates the configuration, then builds
// the logger it asks for.
func (c *cli) loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, path, err := config.LoadOrDefault(c.configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	logger, err := config.NewLogger(c.stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	if path != "" {
		logger.Debug("config loaded", "path", path)
	} else {
		logger.Debug("no config file found; using defaults")
	}
	return cfg, logger, nil
}
