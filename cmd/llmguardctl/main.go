package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/llmguard/llmguard/cmd/llmguardctl/commands"
)

var (
	apiURL     string
	masterKey  string
	outputJSON bool
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "llmguardctl",
		Short: "llmguard ops CLI",
		Long: `A thin operations tool for the llmguard gateway: health checks and
cache-tier inspection. It does not manage tenants, keys, budgets, or
tags — that surface is owned by direct database access, not this CLI.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if apiURL == "" {
				return fmt.Errorf("--api-url is required")
			}
			commands.Configure(apiURL, masterKey, outputJSON)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", os.Getenv("LLMGUARD_API_URL"), "gateway base URL")
	rootCmd.PersistentFlags().StringVar(&masterKey, "master-key", os.Getenv("LLMGUARD_MASTER_KEY"), "master key for ops token exchange")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")

	rootCmd.AddCommand(commands.NewHealthCommand())
	rootCmd.AddCommand(commands.NewCacheCommand())

	return rootCmd
}
