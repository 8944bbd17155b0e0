package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"patchgate/internal/config"
	"patchgate/internal/server"
)

const appName = "patchgate"

// cli carries state shared by every subcommand.
type cli struct {
	configPath string
	jsonOut    bool
	verbose    bool

	cfg    *config.Config
	logger *slog.Logger
	stderr io.Writer
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	cmd := &cobra.Command{
		Use:   appName,
		Short: "Approval gate and atomic patch pipeline for agent edits",
		Long: `patchgate serves MCP tools that let an agent preview and apply unified diffs
to a project. Operations above the auto-approved role are recorded as
escalations that an operator approves or denies from this CLI.

Running patchgate without a subcommand starts the MCP server on stdio.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.serve(cmd.Context())
		},
	}
	cmd.Version = server.Version
	cmd.SetVersionTemplate(appName + " version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&c.configPath, "config", "", "config file (default $PATCHGATE_CONFIG or ./patchgate.yaml)")
	cmd.PersistentFlags().BoolVar(&c.jsonOut, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "debug logging on stderr")

	cmd.AddCommand(
		c.newServeCmd(),
		c.newEscalationsCmd(),
		c.newApproveCmd(),
		c.newDenyCmd(),
		c.newWaitCmd(),
		c.newCheckCmd(),
		c.newPatchCmd(),
	)
	return cmd
}

func (c *cli) load(cmd *cobra.Command) error {
	c.stderr = cmd.ErrOrStderr()
	level := slog.LevelInfo
	if c.verbose {
		level = slog.LevelDebug
	}
	// stdout carries the MCP stream, so logs always go to stderr.
	c.logger = slog.New(slog.NewTextHandler(c.stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	c.cfg = cfg
	return nil
}

func (c *cli) services() (*server.Services, error) {
	return server.Build(c.cfg, c.logger)
}

func (c *cli) newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.serve(cmd.Context())
		},
	}
}

func (c *cli) serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := c.services()
	if err != nil {
		return err
	}
	return server.New(svc).RunStdio(ctx)
}

func (c *cli) writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
