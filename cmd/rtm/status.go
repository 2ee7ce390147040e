package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/driftchat/rtm"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration, token and snapshot status",
	Long:  "Display the current configuration, check whether the session token is expired, and summarize the local snapshot.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Stream URL:  %s\n", valueOrDefault(cfg.Default.URL, "(not set)"))
		fmt.Printf("  Web API:     %s\n", valueOrDefault(cfg.Default.APIURL, "(not set, resync disabled)"))
		fmt.Printf("  Snapshot:    %s\n", valueOrDefault(cfg.Default.SnapshotPath, "(not set)"))

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}
		fmt.Printf("  Expiry:      %s\n", tokenStatus(cfg.Auth.Token, time.Now()))

		if cfg.Default.SnapshotPath == "" {
			return nil
		}
		fmt.Println()
		fmt.Println("Snapshot:")
		printSnapshot(cfg)
		return nil
	},
}

// tokenStatus describes the token's exp claim. Opaque tokens carry none.
func tokenStatus(token string, now time.Time) string {
	if token == "" {
		return "none"
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "opaque token (no expiry)"
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return "present (no expiry set)"
	}
	if now.Before(exp.Time) {
		return fmt.Sprintf("valid (expires %s)", exp.Time.Format(time.RFC3339))
	}
	return fmt.Sprintf("EXPIRED (expired %s)", exp.Time.Format(time.RFC3339))
}

func printSnapshot(cfg *Config) {
	ss, err := rtm.OpenSQLiteSnapshots(cfg.Default.SnapshotPath)
	if err != nil {
		fmt.Printf("  Error opening snapshot: %v\n", err)
		return
	}
	defer ss.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := "store:" + cfg.Auth.UserID
	savedAt, err := ss.SavedAt(ctx, key)
	if errors.Is(err, rtm.ErrNoSnapshot) {
		fmt.Println("  (none saved yet)")
		return
	}
	if err != nil {
		fmt.Printf("  Error reading snapshot: %v\n", err)
		return
	}

	data, err := ss.Load(ctx, key)
	if err != nil {
		fmt.Printf("  Error reading snapshot: %v\n", err)
		return
	}
	store := rtm.NewStore()
	if err := store.Restore(data); err != nil {
		fmt.Printf("  Error decoding snapshot: %v\n", err)
		return
	}

	unread := 0
	chats := store.Chats()
	for _, c := range chats {
		unread += c.UnreadCount
	}
	fmt.Printf("  Saved:       %s\n", savedAt.Format(time.RFC3339))
	fmt.Printf("  Chats:       %d\n", len(chats))
	fmt.Printf("  Unread:      %d\n", unread)
	fmt.Printf("  Cursor:      %s\n", valueOrDefault(store.Cursor(), "(none)"))
}
