// Package cmd wires the knowla command-line interface.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "knowla",
	Short: "knowla - knowledge curation for customer assistants",
	Long: `knowla ingests customer conversations, embeds them in batches, and
curates a per-shop knowledge base through a reviewed learning queue.

Run "knowla serve" to start the ingestion and curation workers.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
