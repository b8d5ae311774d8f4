package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// ============================================================================
// login command
// ============================================================================

var loginRoom string

var loginCmd = &cobra.Command{
	Use:   "login <token>",
	Short: "Store a portal token and verify it",
	Long:  "Saves the token to the config file and performs a chat bootstrap\nto confirm the credential is accepted by the portal.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.Auth.Token = args[0]

		client := newClient(cfg)
		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		room := loginRoom
		if room == "" {
			room = cfg.Default.Room
		}
		boot, err := client.Chat().Bootstrap(ctx, room)
		if err != nil {
			return fmt.Errorf("token rejected: %w", err)
		}
		cfg.Auth.ActorID = boot.ActorID

		if err := saveConfig(cfg); err != nil {
			return err
		}
		fmt.Printf("logged in as %s\n", boot.ActorID)
		return nil
	},
}

func init() {
	loginCmd.Flags().StringVar(&loginRoom, "room", "", "room slug used to verify the token (default: configured room)")
	rootCmd.AddCommand(loginCmd)
}
