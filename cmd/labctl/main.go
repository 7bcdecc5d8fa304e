// labctl is a command line client for the lab management API.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootFlags = struct {
	apiURL  string
	token   string
	timeout int
}{}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:          "labctl",
	Short:        "Manage lab nodes, templates and instances through the lab API",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// .env is optional; flags and the environment take over when it is absent
		_ = godotenv.Load()
		if rootFlags.apiURL == "" {
			rootFlags.apiURL = getEnv("LABCTL_API_URL", "http://127.0.0.1:8080")
		}
		if rootFlags.token == "" {
			rootFlags.token = os.Getenv("LABCTL_TOKEN")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootFlags.apiURL, "api-url", "", "API base URL (default $LABCTL_API_URL or http://127.0.0.1:8080)")
	rootCmd.PersistentFlags().StringVar(&rootFlags.token, "token", "", "bearer token (default $LABCTL_TOKEN)")
	rootCmd.PersistentFlags().IntVar(&rootFlags.timeout, "timeout", 300, "request timeout in seconds")
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func client() *apiClient {
	return newAPIClient(rootFlags.apiURL, rootFlags.token, rootFlags.timeout)
}
