package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and client status",
	Long:  "Display the current configuration, token expiry, connectivity state, pending queue entries, and cache usage.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		fmt.Printf("  Cache TTL:   %s\n", valueOrDefault(cfg.Default.CacheTTL, "(default)"))
		if cfg.Default.MaxRetries > 0 {
			fmt.Printf("  Max Retries: %d\n", cfg.Default.MaxRetries)
		}

		fmt.Println()
		fmt.Println("Auth:")
		tokenStatus := "none"
		if cfg.Auth.AccessToken != "" {
			tokenStatus = maskKey(cfg.Auth.AccessToken)
			if cfg.Auth.TokenExpires != "" {
				expires, err := time.Parse(time.RFC3339, cfg.Auth.TokenExpires)
				if err == nil {
					if time.Now().Before(expires) {
						tokenStatus += fmt.Sprintf(" (expires %s)", expires.Format(time.RFC3339))
					} else {
						tokenStatus += fmt.Sprintf(" (EXPIRED %s)", expires.Format(time.RFC3339))
					}
				}
			}
		}
		fmt.Printf("  Token:       %s\n", tokenStatus)
		if cfg.Auth.RefreshToken != "" {
			fmt.Println("  Refresh:     configured")
		} else {
			fmt.Println("  Refresh:     (not set)")
		}

		if cfg.Auth.AccessToken == "" {
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		client := getClient(ctx)
		defer client.Close()

		client.Connectivity().Refresh()

		fmt.Println()
		fmt.Println("Client:")
		fmt.Printf("  Connectivity: %s\n", client.Connectivity().CurrentState())

		pending, err := client.Queue().Len()
		if err != nil {
			fmt.Printf("  Queue:        error: %v\n", err)
		} else {
			fmt.Printf("  Queue:        %d pending\n", pending)
		}

		stats := client.Cache().Stats()
		fmt.Printf("  Cache:        %d entries, %d bytes\n", stats.EntryCount, stats.TotalBytes)
		return nil
	},
}

// maskKey shows the first 8 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) < 4 {
		return "****"
	}
	if len(key) <= 12 {
		return key[:4] + "..."
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
