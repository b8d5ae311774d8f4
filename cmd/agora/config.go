package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// ============================================================================
// config command
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage CLI configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path, _ := configPath()
		fmt.Printf("config file: %s\n\n", path)
		fmt.Printf("default.base_url = %q\n", cfg.Default.BaseURL)
		fmt.Printf("default.room     = %q\n", cfg.Default.Room)
		fmt.Printf("auth.actor_id    = %q\n", cfg.Auth.ActorID)
		if cfg.Auth.Token != "" {
			fmt.Println("auth.token       = (set)")
		} else {
			fmt.Println("auth.token       = (unset)")
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value (e.g. default.room lobby)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := setConfigValue(cfg, args[0], args[1]); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return err
		}
		fmt.Printf("set %s\n", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	rootCmd.AddCommand(configCmd)
}
