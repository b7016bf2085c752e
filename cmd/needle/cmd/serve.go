package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/UIC-InDeXLab/Needle/internal/config"
	"github.com/UIC-InDeXLab/Needle/internal/logging"
	"github.com/UIC-InDeXLab/Needle/internal/service"
)

func newServeCmd() *cobra.Command {
	var dirs []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the indexing and retrieval service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), dirs)
		},
	}

	cmd.Flags().StringArrayVar(&dirs, "dir", nil, "directory to index and watch (repeatable)")
	return cmd
}

func runServe(ctx context.Context, dirs []string) error {
	cfg, err := config.Load(".")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, cleanup, err := logging.Setup(logging.Config{
		Level:         cfg.Logging.Level,
		FilePath:      cfg.Logging.FilePath,
		MaxSizeMB:     cfg.Logging.MaxSizeMB,
		MaxFiles:      cfg.Logging.MaxFiles,
		WriteToStderr: cfg.Logging.WriteStderr,
	})
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer cleanup()
	slog.SetDefault(logger)

	svc, err := service.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("construct service: %w", err)
	}

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}

	for _, dir := range dirs {
		if _, err := svc.AddDirectory(ctx, dir); err != nil {
			slog.Error("add_directory_failed", slog.String("dir", dir), slog.String("error", err.Error()))
		}
	}

	slog.Info("needle_serving", slog.Int("directories", len(dirs)))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("needle_shutting_down")
	return svc.Stop()
}
