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
	Use:   "stratus",
	Short: "Stratus CLI - Manage cloud gaming instances from the command line",
	Long: `Stratus CLI is a command-line tool for the stratus cloud gaming control plane.

It provides commands to deploy GPU streaming instances, poll deployment
progress, fetch streaming links, and tear instances down.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "url", getEnvOrDefault("STRATUS_API_URL", "http://localhost:8080"), "Stratus API base URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("STRATUS_API_KEY"), "Stratus API key")
}

func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

func checkAPIKey() error {
	if apiKey == "" {
		return fmt.Errorf("API key is required. Set STRATUS_API_KEY environment variable or use --api-key flag")
	}
	return nil
}
