package commands

import (
	"github.com/spf13/cobra"
)

func (c *CLI) newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Report cache entry counts, disk usage, and access-time bounds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := c.application(cmd)
			if err != nil {
				return err
			}

			stats, err := app.Stats()
			if err != nil {
				return err
			}

			cmd.Printf("tracked entries:  %d\n", stats.Tracked)
			cmd.Printf("directories:      %d\n", stats.Directories)
			cmd.Printf("total size:       %d bytes\n", stats.TotalSize)
			if stats.OldestAccess != nil {
				cmd.Printf("oldest access:    %s\n", stats.OldestAccess.Format("2006-01-02 15:04:05"))
				cmd.Printf("newest access:    %s\n", stats.NewestAccess.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
}
