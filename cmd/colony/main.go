package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "colony",
	Short: "Colony - cluster control plane for batch compute clusters",
	Long: `Colony runs on the master node of a compute cluster. It keeps the
cluster's storage, job scheduler and application services running, manages
worker instances and persists the cluster's composition so it can be
restarted, shared or expanded later.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Colony %s\n", Version)
		fmt.Fprintf(out, "Commit: %s\n", Commit)
		fmt.Fprintf(out, "Built: %s\n", BuildTime)
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("Colony %s (commit: %s, built: %s)\n", Version, Commit, BuildTime))
	rootCmd.PersistentFlags().String("config", "", "Path to the configuration file")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
}
