package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(healthCmd)
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show configuration and check the server",
	Long:  "Display the current configuration and ask the server for its health status.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Application: %s\n", valueOrDefault(cfg.Default.ApplicationID, "(not set)"))
		fmt.Printf("  Server URL:  %s\n", valueOrDefault(cfg.Default.ServerURL, "(not set)"))
		if cfg.Default.ClientKey != "" {
			fmt.Printf("  Client Key:  %s\n", maskKey(cfg.Default.ClientKey))
		}
		fmt.Printf("  User:        %s\n", valueOrDefault(cfg.Auth.Username, "(not logged in)"))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		s := getClient(ctx)
		defer s.Close()

		fmt.Println()
		status, err := s.client.Health(ctx)
		if err != nil {
			fmt.Printf("Server:        unreachable (%v)\n", err)
			return nil
		}
		fmt.Printf("Server:        %s\n", status)
		return nil
	},
}
