package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	parse "github.com/parse-community/parse-sdk-go"
	"go.uber.org/zap"
)

// newLogger builds a console logger writing to stderr at --log-level.
func newLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	zcfg := zap.NewDevelopmentConfig()
	zcfg.Level = level
	zcfg.OutputPaths = []string{"stderr"}
	zcfg.ErrorOutputPaths = []string{"stderr"}
	return zcfg.Build()
}

// session bundles a client with what must be released after the command.
type session struct {
	client  *parse.Client
	cfg     *Config
	storage *parse.SQLiteStorage
	logger  *zap.Logger
}

func (s *session) Close() {
	s.storage.Close()
	s.logger.Sync()
}

// requestOptions carries the stored session token, if any.
func (s *session) requestOptions() []parse.RequestOption {
	if s.cfg.Auth.SessionToken == "" {
		return nil
	}
	return []parse.RequestOption{parse.WithSessionToken(s.cfg.Auth.SessionToken)}
}

// getClient creates a client for the configured application. The current
// user and installation live in ~/.parse/state.db.
func getClient(ctx context.Context) *session {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if !cfg.configured() {
		fmt.Fprintln(os.Stderr, "No application configured. Run 'parse init <application-id> <server-url>' first.")
		os.Exit(1)
	}

	logger, err := newLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	dir, err := configDir()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	storage, err := parse.OpenSQLite(filepath.Join(dir, "state.db"))
	if err == nil {
		err = storage.Init(ctx)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open local state: %v\n", err)
		os.Exit(1)
	}

	client, err := parse.NewClient(cfg.sdkConfig(), parse.WithLogger(logger), parse.WithStorage(storage))
	if err != nil {
		storage.Close()
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	return &session{client: client, cfg: cfg, storage: storage, logger: logger}
}

// parseJSONArg decodes a JSON object given on the command line.
func parseJSONArg(arg string) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal([]byte(arg), &m); err != nil {
		return nil, fmt.Errorf("invalid JSON object: %w", err)
	}
	return m, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// maskKey shows the first 4 and last 4 characters of a key.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
