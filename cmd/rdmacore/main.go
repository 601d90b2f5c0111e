package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/piwi3910/rdmacore/cmd/rdmacore/commands"
	"github.com/piwi3910/rdmacore/internal/metrics"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	metrics.Version = version

	flags := &commands.GlobalFlags{}

	rootCmd := &cobra.Command{
		Use:   "rdmacore",
		Short: "RDMA device lifecycle and completion polling",
		Long: `rdmacore opens the RDMA devices of a node, binds an active port on each,
provisions registered buffers, completion queues and a shared receive
queue, and drains send and receive completions across all devices.

Configuration is read from rdmacore.yaml in ., /etc/rdmacore or
$HOME/.rdmacore, and from RDMACORE_* environment variables.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&flags.Backend, "backend", "", "Verbs backend: simulated or hardware")
	rootCmd.PersistentFlags().BoolVar(&flags.Debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(commands.NewRunCmd(flags, version, commit))
	rootCmd.AddCommand(commands.NewDevicesCmd(flags))
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("rdmacore %s\n", version)
			fmt.Printf("  Commit: %s\n", commit)
			fmt.Printf("  Built:  %s\n", buildDate)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
