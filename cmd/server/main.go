// Package main provides the entry point for the IncidentForge server.
//
// Usage:
//
//	incidentforge serve --config configs/config.yaml
//	incidentforge consume --config configs/config.yaml
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "incidentforge",
		Short: "Correlate security events into incidents",
		Long: `incidentforge groups security events that share identity fields
(addresses, ports, hosts) into incidents held in a TTL cache, tags each
event with its incident uuid and forwards it downstream.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/config.yaml", "Path to config file")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(consumeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
