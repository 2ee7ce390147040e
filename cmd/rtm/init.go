package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	initURL    string
	initAPIURL string
	initUserID string
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initURL, "url", "", "RTM stream URL (ws:// or wss://)")
	initCmd.Flags().StringVar(&initAPIURL, "api-url", "", "Web API base URL used for resync")
	initCmd.Flags().StringVar(&initUserID, "user", "", "Your user id")
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store credentials in ~/.rtm/config.toml",
	Long:  "Initialize the RTM CLI by storing your session token and endpoints in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		if initUserID != "" {
			cfg.Auth.UserID = initUserID
		}
		for key, value := range map[string]string{"default.url": initURL, "default.api_url": initAPIURL} {
			if value == "" {
				continue
			}
			if err := setConfigValue(cfg, key, value); err != nil {
				return err
			}
		}
		if cfg.Default.SnapshotPath == "" {
			dir, err := configDir()
			if err != nil {
				return err
			}
			cfg.Default.SnapshotPath = filepath.Join(dir, "store.db")
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		return nil
	},
}
