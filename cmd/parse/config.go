package main

import (
	"fmt"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var showSecrets bool

func init() {
	configShowCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "print keys and session tokens unmasked")
	configCmd.AddCommand(configShowCmd, configSetCmd)
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Parse CLI configuration",
	Long:  "View or modify the configuration stored in ~/.parse/config.toml.",
}

// redacted returns a copy of cfg safe to print. Unset secrets stay empty.
func redacted(cfg Config) Config {
	for _, secret := range []*string{&cfg.Default.ClientKey, &cfg.Default.PrimaryKey, &cfg.Auth.SessionToken} {
		if *secret != "" {
			*secret = maskKey(*secret)
		}
	}
	return cfg
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if !cfg.configured() {
			fmt.Fprintln(cmd.OutOrStdout(), "No application configured. Run 'parse init <application-id> <server-url>' first.")
		}
		out := *cfg
		if !showSecrets {
			out = redacted(out)
		}
		data, err := toml.Marshal(out)
		if err != nil {
			return fmt.Errorf("cannot encode config: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: parse config set default.client_key abc123",
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
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s\n", args[0])
		return nil
	},
}
