package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	baseURL string
	apiKey  string
)

var rootCmd = &cobra.Command{
	Use:   "vmctl",
	Short: "vmctl manages vmforge VMs from the command line",
	Long: `vmctl is a command-line client for the vmforge manager API.

It creates, lists, and destroys microVMs, executes commands inside them,
moves files in and out of their workspace, and manages snapshots.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "url", getEnvOrDefault("VMFORGE_API_URL", "http://localhost:8080"), "vmforge manager base URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("VMFORGE_API_KEY"), "vmforge API key")
}

func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

func checkAPIKey() error {
	if apiKey == "" {
		return fmt.Errorf("API key is required. Set VMFORGE_API_KEY environment variable or use --api-key flag")
	}
	return nil
}
