// Package cli wires the clawgate command tree.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	buildDate = "unknown"
	gitCommit = "unknown"
)

// SetBuildInfo sets version info injected at build time.
func SetBuildInfo(v, date, commit string) {
	version = v
	buildDate = date
	gitCommit = commit
}

var rootCmd = &cobra.Command{
	Use:   "clawgate",
	Short: "clawgate — device control-plane gateway",
	Long: `🦀 clawgate — device control-plane gateway

A WebSocket control plane for your devices: pair nodes, watch presence,
and invoke commands on them from anywhere on your tailnet.

Distributed as a single static binary — just run it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("clawgate %s\n", version)
		fmt.Printf("  build:  %s\n", buildDate)
		fmt.Printf("  commit: %s\n", gitCommit)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(gatewayCmd)
	rootCmd.AddCommand(nodesCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmdGroup)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(initCmd)
}

// Execute runs the root cobra command.
func Execute() error {
	return rootCmd.Execute()
}
