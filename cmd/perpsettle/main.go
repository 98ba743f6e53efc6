package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Set with -ldflags "-X main.version=... -X main.commit=...".
	version = "dev"
	commit  = "none"
)

var rootCmd = &cobra.Command{
	Use:           "perpsettle",
	Short:         "Settlement host for the perpetual futures matching engine",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, versionCmd)
	serveCmd.Flags().StringP("config", "c", "", "Path to a YAML config file")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "perpsettle %s (%s)\n", version, commit)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
