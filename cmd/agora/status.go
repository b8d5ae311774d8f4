package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// ============================================================================
// status command
// ============================================================================

var statusCmd = &cobra.Command{
	Use:   "status [room-slug]",
	Short: "Show connection details for a room",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Auth.Token == "" {
			return fmt.Errorf("not logged in; run: agora login <token>")
		}
		room := cfg.Default.Room
		if len(args) > 0 {
			room = args[0]
		}

		client := newClient(cfg)
		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		boot, err := client.Chat().Bootstrap(ctx, room)
		if err != nil {
			return fmt.Errorf("bootstrap failed: %w", err)
		}

		fmt.Printf("actor:     %s\n", boot.ActorID)
		fmt.Printf("device:    %s\n", boot.DeviceID)
		fmt.Printf("transport: %s\n", boot.TransportBaseURL)
		fmt.Printf("room:      %s (%s)\n", boot.Room.Name, boot.RoomID)
		fmt.Printf("alias:     %s\n", boot.RoomAlias)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
