package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "crowdgate",
		Short: "crowdgate - unit claims and worker admission for crowdsourcing tasks",
		Long: `crowdgate grants workers exclusive occupation of work units on an
eventually consistent key-value store, admits workers to task instances, and
records their data.

The store is chosen by the configuration: embedded (default), a remote
crowdgate-stored daemon, or DynamoDB. Every setting can be overridden with a
CROWDGATE_* environment variable.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CROWDGATE_CONFIG"), "YAML configuration file")

	open := func(cmd *cobra.Command) (*session, error) {
		return openSession(cmd.Context(), configPath)
	}

	// Claims
	rootCmd.AddCommand(claimCmd(open))
	rootCmd.AddCommand(yieldCmd(open))
	rootCmd.AddCommand(releaseCmd(open))
	rootCmd.AddCommand(paidCmd(open))
	rootCmd.AddCommand(holdersCmd(open))
	rootCmd.AddCommand(reapCmd(open))

	// Sessions
	rootCmd.AddCommand(admitCmd(open))
	rootCmd.AddCommand(recordCmd(open))

	// Admin
	rootCmd.AddCommand(scanCmd(open))
	rootCmd.AddCommand(queryCmd(open))
	rootCmd.AddCommand(describeCmd(open))
	rootCmd.AddCommand(deleteCmd(open))
	rootCmd.AddCommand(migrateCmd(open))
	rootCmd.AddCommand(pingCmd(open))

	return rootCmd
}
