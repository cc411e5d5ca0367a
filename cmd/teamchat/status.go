package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and backend reachability",
	Long:  "Display the effective configuration and check that the configured message store and redis server respond.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:     %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		fmt.Printf("  Realtime URL: %s\n", valueOrDefault(realtimeEndpoint(cfg), "(not set)"))
		fmt.Printf("  Table:        %s\n", valueOrDefault(cfg.Default.Table, "(default)"))
		if cfg.Default.APIKey != "" {
			fmt.Printf("  API Key:      %s\n", maskKey(cfg.Default.APIKey))
		} else {
			fmt.Println("  API Key:      (not set)")
		}

		fmt.Println()
		fmt.Println("Identity:")
		fmt.Printf("  User ID:      %s\n", valueOrDefault(cfg.Identity.UserID, "(not set)"))
		fmt.Printf("  Display Name: %s\n", valueOrDefault(cfg.Identity.DisplayName, "(not set)"))

		fmt.Println()
		fmt.Println("Targets:")
		fmt.Printf("  postgres:     %s\n", enabled(cfg.Postgres.DSN != ""))
		fmt.Printf("  kafka:        %s\n", enabled(cfg.Kafka.Brokers != ""))
		fmt.Printf("  redis:        %s\n", valueOrDefault(cfg.Redis.Addr, "disabled"))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if cfg.Default.BaseURL == "" && cfg.Redis.Addr == "" {
			return nil
		}
		fmt.Println()
		fmt.Println("Live status:")

		if cfg.Default.BaseURL != "" && cfg.Default.APIKey != "" {
			client, err := storeClient(cfg)
			if err != nil {
				return err
			}
			if err := client.Health(ctx); err != nil {
				fmt.Printf("  Store:        unreachable (%v)\n", err)
			} else {
				fmt.Println("  Store:        ok")
			}
		}

		if cfg.Redis.Addr != "" {
			rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
			defer rdb.Close()
			if err := rdb.Ping(ctx).Err(); err != nil {
				fmt.Printf("  Redis:        unreachable (%v)\n", err)
			} else {
				fmt.Println("  Redis:        ok")
			}
		}
		return nil
	},
}

func enabled(on bool) string {
	if on {
		return "enabled"
	}
	return "disabled"
}
