// Package cmd provides the CLI commands for needle.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/UIC-InDeXLab/Needle/pkg/version"
)

// NewRootCmd creates the root command for the needle CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "needle",
		Short:   "Text-to-image retrieval service",
		Long:    "Needle indexes image directories and serves text-to-image retrieval requests over a learned, multi-embedder fusion ranking.",
		Version: version.Version,
	}

	root.SetVersionTemplate("needle version {{.Version}}\n")
	root.AddCommand(newServeCmd())
	root.AddCommand(newLogsCmd())
	return root
}

// Execute runs the needle CLI.
func Execute() error {
	return NewRootCmd().Execute()
}
