package main

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	agora "github.com/agora-portal/agora/sdk/golang"
)

// ============================================================================
// presence command
// ============================================================================

var presenceCmd = &cobra.Command{
	Use:   "presence",
	Short: "Watch live room presence",
	Long:  "Subscribes to the presence aggregation channel and prints the\nonline and typing counts per room whenever they change.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Auth.Token == "" {
			return fmt.Errorf("not logged in; run: agora login <token>")
		}

		client := newClient(cfg)
		aggregator := agora.NewPresenceAggregatorClient(agora.AggregatorConfig{
			URL:    client.Presence().AggregatorURL(),
			Logger: logger,
		})
		aggregator.OnStatus(func(status agora.ChannelStatus, detail string) {
			if status == agora.ChannelDegraded || status == agora.ChannelError {
				fmt.Fprintf(os.Stderr, "presence channel %s: %s\n", status, detail)
			}
		})

		unsubscribe := aggregator.Subscribe(func(rooms map[string]agora.RoomPresence) {
			slugs := make([]string, 0, len(rooms))
			for slug := range rooms {
				slugs = append(slugs, slug)
			}
			sort.Strings(slugs)
			fmt.Println("---")
			for _, slug := range slugs {
				p := rooms[slug]
				fmt.Printf("%-24s online=%-4d typing=%d\n", slug, p.OnlineCount, p.TypingCount)
			}
		})
		defer unsubscribe()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		return nil
	},
}

func init() {
	rootCmd.AddCommand(presenceCmd)
}
