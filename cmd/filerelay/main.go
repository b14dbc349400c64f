// filerelay is a peer-to-peer file transfer tool: a small rendezvous
// server introduces publishers and subscribers by address, and the actual
// bytes move directly between peers over a holepunched QUIC connection.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Set at build time via -ldflags
	version = "dev"

	cfgFile  string
	logLevel string
	logFile  string
	dataDir  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "filerelay",
		Short: "Peer-to-peer file transfer over rendezvous-assisted NAT hole punching",
		Long: `filerelay moves files directly between peers once a small rendezvous
server has introduced them by address.

Features:
  • Rendezvous-assisted NAT hole punching over QUIC
  • Content-addressed (SHA-256) transfers
  • Resumable downloads via interval tracking
  • Bandwidth shaping and Prometheus metrics`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "log file path (default: stderr)")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "data directory")

	rootCmd.AddCommand(pubCmd())
	rootCmd.AddCommand(subCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(identityCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
