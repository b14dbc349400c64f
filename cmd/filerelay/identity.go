package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/filerelay/filerelay/internal/state"
)

// identityCmd manages the persisted node state: the server address a peer
// advertises itself under, its port-mapping configuration, and the history
// of publishes/downloads it can resume. filerelay has no peer-ID keypair
// the way a DHT-based swarm does — a peer is identified by the socket
// address the rendezvous server observes it on — so "identity" here means
// the saved state document that makes that address (and any resumable
// transfers) persist across restarts.
func identityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage persisted node state",
		Long: `Manage the persisted state document (server address, port mapping,
resumable publishes and downloads) that lets this node survive a restart
without losing in-progress transfers.`,
	}

	cmd.AddCommand(identityShowCmd())
	cmd.AddCommand(identityResetCmd())
	return cmd
}

func identityShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the persisted state document",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dir, err := resolveDataDir(cfg)
			if err != nil {
				return err
			}
			s, err := state.Load(dir, cfg.Server.Address)
			if err != nil {
				return err
			}

			fmt.Printf("Node State\n")
			fmt.Printf("══════════════════════════════════════\n")
			fmt.Printf("Data Dir:         %s\n", dir)
			fmt.Printf("Server Address:   %s\n", s.ServerAddress)
			if s.GatewayAddress != "" {
				fmt.Printf("Gateway:          %s\n", s.GatewayAddress)
			}
			fmt.Printf("Port Mapping:     %s\n", s.PortMapping.Kind)
			fmt.Printf("Saved Publishes:  %d\n", len(s.LastPublishes))
			fmt.Printf("Saved Downloads:  %d\n", len(s.LastDownloads))
			return nil
		},
	}
}

func identityResetCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Discard the persisted state document (WARNING: drops resumable transfers)",
		Long: `Replace the persisted state document with a fresh default, discarding
any saved publishes and in-progress downloads.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dir, err := resolveDataDir(cfg)
			if err != nil {
				return err
			}

			path := filepath.Join(dir, "state.json")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("state file exists at %s\n\nUse --force to reset (this drops resumable transfers)", path)
			}

			fresh := state.Default(cfg.Server.Address)
			if err := state.Save(dir, fresh); err != nil {
				return err
			}

			fmt.Printf("State reset: %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Reset even if a state file already exists")
	return cmd
}
