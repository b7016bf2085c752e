package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/UIC-InDeXLab/Needle/internal/config"
	"github.com/UIC-InDeXLab/Needle/internal/logging"
)

func newLogsCmd() *cobra.Command {
	var lines int
	var level string

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Tail the service's structured log file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(".")
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			viewer := logging.NewViewer(logging.ViewerConfig{Level: level}, os.Stdout)
			entries, err := viewer.Tail(cfg.Logging.FilePath, lines)
			if err != nil {
				return fmt.Errorf("tail log file: %w", err)
			}
			viewer.Print(entries)
			return nil
		},
	}

	cmd.Flags().IntVar(&lines, "lines", 100, "number of trailing log lines to show")
	cmd.Flags().StringVar(&level, "level", "", "filter by level (debug, info, warn, error)")
	return cmd
}
