// Package commands implements the CLI commands for the wccache tool.
package commands

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/wccache/wccache"
)

// Application represents the cache operations the CLI drives.
type Application interface {
	Update(ctx context.Context, relPath string) error
	Export(ctx context.Context, relPath, revision string) error
	Remove(relPath string) error
	Clean() error
	Stats() (*wccache.Stats, error)
}

// Provider builds the application from a configuration file path. The CLI
// calls it lazily so commands that never touch the cache do not require a
// valid configuration.
type Provider func(configPath string) (Application, error)

// CLI represents the command line interface for wccache.
type CLI struct {
	provider Provider
	app      Application
	rootCmd  *cobra.Command
}

// New creates a new CLI instance with the given application provider.
func New(provider Provider) *CLI {
	rootCmd := &cobra.Command{
		Use:           "wccache",
		Short:         "Cache working copies and pinned exports of a repository",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", "wccache.yaml", "Path to the configuration file")

	c := &CLI{
		provider: provider,
		rootCmd:  rootCmd,
	}

	rootCmd.AddCommand(c.newUpdateCmd())
	rootCmd.AddCommand(c.newExportCmd())
	rootCmd.AddCommand(c.newRemoveCmd())
	rootCmd.AddCommand(c.newCleanCmd())
	rootCmd.AddCommand(c.newStatsCmd())

	return c
}

// Execute runs the root command with the given context.
func (c *CLI) Execute(ctx context.Context) error {
	c.rootCmd.SetContext(ctx)
	return c.rootCmd.Execute()
}

// SetArgs sets the arguments for the root command. Used for testing.
func (c *CLI) SetArgs(args []string) {
	c.rootCmd.SetArgs(args)
}

// SetOutput sets the output and error streams for the root command. Used for testing.
func (c *CLI) SetOutput(out, err io.Writer) {
	c.rootCmd.SetOut(out)
	c.rootCmd.SetErr(err)
}

// application builds the application on first use, reading the --config flag.
func (c *CLI) application(cmd *cobra.Command) (Application, error) {
	if c.app != nil {
		return c.app, nil
	}

	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}

	app, err := c.provider(configPath)
	if err != nil {
		return nil, err
	}
	c.app = app
	return app, nil
}
