package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	serverAddr string
)

var rootCmd = &cobra.Command{
	Use:   "zeectl",
	Short: "Plan, execute and manage multi-agent workflow runs",
	Long: `zeectl drives the multi-agent workflow engine.

Local commands (run, plan, validate) load the YAML configuration and talk to
the language model directly. Remote commands (submit, status, list, evict)
talk to a running zeed over HTTP.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $ZEE_CONFIG or configs/zee.yaml)")
	rootCmd.PersistentFlags().StringVarP(&serverAddr, "server", "s", envOr("ZEE_SERVER", "http://localhost:8080"), "zeed base URL")
	rootCmd.AddCommand(runCmd, planCmd, validateCmd)
	rootCmd.AddCommand(submitCmd, statusCmd, listCmd, evictCmd)
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func main() {
	ctx, stop := signalContext()
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
