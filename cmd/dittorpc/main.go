// Command dittorpc runs the RPC daemon and provides small client tools to
// exercise it.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "none"
)

var rootArgs struct {
	configPath string
}

var rootCmd = &cobra.Command{
	Use:           "dittorpc",
	Short:         "ONC RPC server with pluggable programs",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootArgs.configPath, "config", "",
		"config file path (default $XDG_CONFIG_HOME/dittorpc/config.yaml)")
	rootCmd.AddCommand(serveCmd, initCmd, pingCmd, versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "dittorpc %s (commit %s)\n", version, commit)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}
