// Package cmd implements the x79d8 command-line interface: init lays down
// a fresh store directory, serve opens one and exposes it over a loopback
// FTP endpoint until signaled.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes per the store's documented CLI contract.
const (
	ExitOK           = 0
	ExitUsage        = 2
	ExitBadPassword  = 3
	ExitStoreCorrupt = 4
	ExitIoError      = 5
)

var rootCmd = &cobra.Command{
	Use:   "x79d8",
	Short: "Encrypted block-addressed store served over loopback FTP",
	Long: `x79d8 presents a plaintext directory tree over a loopback FTP
endpoint while persisting its contents as an encrypted, block-addressed
store on the host filesystem.

Commands:
  init    lay down a fresh store in an empty directory
  serve   open a store and serve it over FTP until signaled`,
	Version: "0.1.0-dev",
}

// Execute runs the root command, exiting the process with the appropriate
// code on failure. cobra.CheckErr is not used here because the store
// distinguishes several failure kinds (bad password, corrupt store, I/O)
// that map to different process exit codes.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "x79d8: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}
