package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	parse "github.com/parse-community/parse-sdk-go"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.parse/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds the application settings.
type ConfigDefault struct {
	ApplicationID string `toml:"application_id"`
	ClientKey     string `toml:"client_key"`
	PrimaryKey    string `toml:"primary_key"`
	ServerURL     string `toml:"server_url"`
	LiveQueryURL  string `toml:"live_query_url"`
}

// ConfigAuth holds the logged in user.
type ConfigAuth struct {
	SessionToken string `toml:"session_token"`
	Username     string `toml:"username"`
	UserID       string `toml:"user_id"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the CLI state directory, creating it if needed. It is
// ~/.parse unless PARSE_CONFIG_DIR points elsewhere.
func configDir() (string, error) {
	dir := os.Getenv("PARSE_CONFIG_DIR")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".parse")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads ~/.parse/config.toml. A missing file gives an empty
// config; unknown keys are rejected so typos do not go unnoticed.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	defer f.Close()

	var cfg Config
	if err := toml.NewDecoder(f).DisallowUnknownFields().Decode(&cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return nil, fmt.Errorf("unknown keys in %s:\n%s", path, strict.String())
		}
		return nil, fmt.Errorf("cannot parse %s: %w", path, err)
	}
	return &cfg, nil
}

// saveConfig checks cfg and replaces the config file. The file is written
// next to the old one and renamed over it.
func saveConfig(cfg *Config) error {
	if err := cfg.check(); err != nil {
		return err
	}
	path, err := configPath()
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "config-*.toml")
	if err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	defer os.Remove(tmp.Name())

	enc := toml.NewEncoder(tmp).SetIndentTables(true)
	if err := enc.Encode(cfg); err != nil {
		tmp.Close()
		return fmt.Errorf("cannot encode config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("cannot write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// sdkConfig is the client configuration the file describes.
func (c *Config) sdkConfig() parse.Config {
	return parse.Config{
		ApplicationID: c.Default.ApplicationID,
		ClientKey:     c.Default.ClientKey,
		PrimaryKey:    c.Default.PrimaryKey,
		ServerURL:     c.Default.ServerURL,
		LiveQueryURL:  c.Default.LiveQueryURL,
	}
}

// configured reports whether an application has been set up with init.
func (c *Config) configured() bool {
	return c.Default.ApplicationID != "" && c.Default.ServerURL != ""
}

// check validates a configured application the way the SDK will. A config
// still waiting for init is accepted as is.
func (c *Config) check() error {
	if !c.configured() {
		return nil
	}
	if err := c.sdkConfig().Validate(); err != nil {
		var pe *parse.Error
		if errors.As(err, &pe) {
			return fmt.Errorf("invalid configuration: %s", pe.Message)
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// configFields maps the keys accepted by "config set" to their setters.
var configFields = map[string]func(*Config, string){
	"default.application_id": func(c *Config, v string) { c.Default.ApplicationID = v },
	"default.client_key":     func(c *Config, v string) { c.Default.ClientKey = v },
	"default.primary_key":    func(c *Config, v string) { c.Default.PrimaryKey = v },
	"default.server_url":     func(c *Config, v string) { c.Default.ServerURL = v },
	"default.live_query_url": func(c *Config, v string) { c.Default.LiveQueryURL = v },
	"auth.session_token":     func(c *Config, v string) { c.Auth.SessionToken = v },
	"auth.username":          func(c *Config, v string) { c.Auth.Username = v },
	"auth.user_id":           func(c *Config, v string) { c.Auth.UserID = v },
}

func configKeys() []string {
	keys := make([]string, 0, len(configFields))
	for k := range configFields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// setConfigValue sets one "section.field" key. cfg is left untouched when the
// result would not be a valid configuration.
func setConfigValue(cfg *Config, key, value string) error {
	set, ok := configFields[key]
	if !ok {
		if !strings.Contains(key, ".") {
			return fmt.Errorf("key must use dot notation: section.field (e.g. default.server_url)")
		}
		return fmt.Errorf("unknown config key %q (valid: %s)", key, strings.Join(configKeys(), ", "))
	}
	next := *cfg
	set(&next, value)
	if err := next.check(); err != nil {
		return err
	}
	*cfg = next
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "parse",
	Short: "Parse Server CLI",
	Long:  "Command-line interface for a Parse Server application.\nManage configuration, read and write objects, call cloud functions and watch live queries.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
