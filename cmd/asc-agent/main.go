package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

var configPath string

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	rootCmd := &cobra.Command{
		Use:   "asc-agent",
		Short: "Headless coding agent that works beads tasks under file leases",
		Long: `asc-agent polls a beads task list, leases the files each task touches,
asks a language model for an action plan and applies it inside the leased set.
Lessons from every task are kept in a per-agent playbook.`,
		Version:      version,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", getDefaultConfig(), "Path to configuration file (optional)")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newPlaybookCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "asc-agent v%s\n", version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func getDefaultConfig() string {
	if path := os.Getenv("ASC_CONFIG"); path != "" {
		return path
	}
	return ""
}
