package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var initClientKey string

func init() {
	initCmd.Flags().StringVar(&initClientKey, "client-key", "", "client key of the application")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <application-id> <server-url>",
	Short: "Store the application in ~/.parse/config.toml",
	Long:  "Initialize the Parse CLI by storing the application id and server URL in the local configuration file.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.ApplicationID = args[0]
		cfg.Default.ServerURL = args[1]
		if initClientKey != "" {
			cfg.Default.ClientKey = initClientKey
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Application saved to %s\n", path)
		return nil
	},
}
