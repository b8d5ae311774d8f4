package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	agora "github.com/agora-portal/agora/sdk/golang"
)

// ============================================================================
// chat command
// ============================================================================

var chatCmd = &cobra.Command{
	Use:   "chat [room-slug]",
	Short: "Join a room and chat interactively",
	Long:  "Opens a chat session for the room, streams incoming messages to\nthe terminal, and sends each line you type. Ctrl-C or Ctrl-D leaves.",
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
		if room == "" {
			return fmt.Errorf("no room given and no default.room configured")
		}

		client := newClient(cfg)
		session := agora.NewChatChannelSession(client, &agora.SessionConfig{Logger: logger})
		defer session.Teardown()

		session.OnMessage(func(msg agora.ChatMessage) {
			if msg.IsUser {
				return
			}
			fmt.Printf("[%s] %s: %s\n", msg.Timestamp.Format("15:04:05"), msg.SenderName, msg.Text)
		})
		session.OnMessageFailed(func(localID string) {
			fmt.Fprintln(os.Stderr, "message failed to send")
		})
		session.OnStatus(func(status agora.ChatStatus, detail string) {
			if status == agora.ChatError || status == agora.ChatUnauthenticated {
				fmt.Fprintf(os.Stderr, "chat %s: %s\n", status, detail)
			}
		})

		if err := session.Initialize(cmd.Context(), room); err != nil {
			return fmt.Errorf("cannot join %s: %w", room, err)
		}
		fmt.Printf("joined %s (%d messages)\n", session.Room().Name, len(session.Messages()))

		actorID := cfg.Auth.ActorID
		heartbeat := agora.NewPresenceHeartbeatController(func(ctx context.Context, status agora.PresenceStatus) error {
			return client.Presence().Report(ctx, agora.PresenceReport{ActorID: actorID, Status: status})
		}, &agora.HeartbeatConfig{Logger: logger})
		heartbeat.Start()
		defer heartbeat.Stop()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

		lines := make(chan string)
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
			close(lines)
		}()

		for {
			select {
			case <-sig:
				fmt.Println("\nleaving")
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if line == "" {
					continue
				}
				heartbeat.HandleActivity()
				session.NotifyTyping()
				if err := session.SendMessage(cmd.Context(), line); err != nil {
					fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
				}
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
}
