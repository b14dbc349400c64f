package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("filerelay version %s\n", version)
			fmt.Printf("\nFeatures:\n")
			fmt.Printf("  • Rendezvous-assisted NAT hole punching\n")
			fmt.Printf("  • QUIC peer-to-peer transport\n")
			fmt.Printf("  • Content-addressed (SHA-256) transfers\n")
			fmt.Printf("  • Resumable downloads via interval tracking\n")
			fmt.Printf("  • Bandwidth shaping\n")
			fmt.Printf("  • Prometheus metrics\n")
		},
	}
}
