// Package parse is a Go client for Parse Server.
//
// It maps server classes to local objects that track their own changes,
// builds the REST commands that sync them, saves object graphs in dependency
// order, and subscribes to live query events over a WebSocket.
//
// Example:
//
//	client, _ := parse.NewClient(parse.Config{
//		ApplicationID: "app",
//		ClientKey:     "key",
//		ServerURL:     "https://example.com/parse",
//	})
//
//	score := parse.NewObject("GameScore")
//	score.Set("points", 10)
//	client.Save(ctx, score)
//
//	score.Increment("points", 1)
//	client.Save(ctx, score)
//
//	lq := client.LiveQuery()
//	sub, _ := lq.Subscribe(ctx, parse.Query{ClassName: "GameScore"})
//	sub.OnUpdate(func(o *parse.Object, original *parse.Object) { ... })
package parse

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ============================================================================
// Client
// ============================================================================

// Client executes commands against one Parse Server application.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
	log        *zap.SugaredLogger
	storage    Storage
	current    *Current
	cache      *responseCache

	lqMu      sync.Mutex
	liveQuery *LiveQueryClient
}

type ClientOption func(*Client)

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithLogger installs a logger. The default discards everything.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithStorage sets where the current user, installation and config are
// persisted. The default keeps them in memory.
func WithStorage(s Storage) ClientOption {
	return func(c *Client) { c.storage = s }
}

// NewClient validates cfg and creates a client.
func NewClient(cfg Config, opts ...ClientOption) (*Client, error) {
	cfg.defaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:        cfg,
		httpClient: newHTTPClient(cfg),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.storage == nil {
		c.storage = NewMemoryStorage()
	}
	c.log = c.logger.Named("parse").Sugar()
	c.current = NewCurrent(c.storage)
	c.cache = newResponseCache(cfg.CacheTTL)
	return c, nil
}

func newHTTPClient(cfg Config) *http.Client {
	client := &http.Client{Timeout: cfg.RequestTimeout}
	if cfg.VerifyConnection != nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = &tls.Config{VerifyConnection: cfg.VerifyConnection}
		client.Transport = transport
	}
	return client
}

// Config returns the client's configuration with defaults applied.
func (c *Client) Config() Config {
	return c.cfg
}

// Current returns the container of the current user, installation and
// config.
func (c *Client) Current() *Current {
	return c.current
}

// ============================================================================
// Request options
// ============================================================================

type requestOptions struct {
	usePrimaryKey bool
	sessionToken  string
	cachePolicy   *CachePolicy
}

// RequestOption adjusts a single request.
type RequestOption func(*requestOptions)

// UsePrimaryKey sends the primary key, bypassing ACLs and class level
// permissions.
func UsePrimaryKey() RequestOption {
	return func(o *requestOptions) { o.usePrimaryKey = true }
}

// WithSessionToken overrides the current user's session token.
func WithSessionToken(token string) RequestOption {
	return func(o *requestOptions) { o.sessionToken = token }
}

// WithCachePolicy overrides the configured cache policy for one GET.
func WithCachePolicy(p CachePolicy) RequestOption {
	return func(o *requestOptions) { o.cachePolicy = &p }
}

func collectOptions(opts []RequestOption) *requestOptions {
	ro := &requestOptions{}
	for _, opt := range opts {
		opt(ro)
	}
	return ro
}

// ============================================================================
// Execution
// ============================================================================

// Execute runs a command and returns the raw response body. Server errors
// come back as *Error carrying the server's code and message. Commands are
// never retried.
func (c *Client) Execute(ctx context.Context, cmd Command, opts ...RequestOption) ([]byte, error) {
	ro := collectOptions(opts)
	if cmd.Method != http.MethodGet {
		data, err := c.doRequest(ctx, cmd, ro)
		if err == nil {
			c.cache.invalidate(cmd.Path)
		}
		return data, err
	}

	policy := c.cfg.CachePolicy
	if ro.cachePolicy != nil {
		policy = *ro.cachePolicy
	}
	if policy == UseProtocolCachePolicy {
		return c.doRequest(ctx, cmd, ro)
	}

	key := c.cacheKey(ctx, cmd, ro)
	switch policy {
	case ReturnCacheDataElseLoad, ReturnCacheDataDontLoad:
		if data, ok := c.cache.get(key); ok {
			c.log.Debugw("cache hit", "path", cmd.Path)
			return data, nil
		}
		if policy == ReturnCacheDataDontLoad {
			return nil, newError(KindOtherCause, CodeCacheMiss, "no cached response for %s", cmd.Path)
		}
	}
	data, err := c.doRequest(ctx, cmd, ro)
	if err != nil {
		return nil, err
	}
	c.cache.put(key, data)
	return data, nil
}

func (c *Client) cacheKey(ctx context.Context, cmd Command, ro *requestOptions) string {
	token := ro.sessionToken
	if token == "" {
		token = c.current.SessionToken(ctx)
	}
	return cacheKey(cmd, token)
}

func (c *Client) doRequest(ctx context.Context, cmd Command, ro *requestOptions) ([]byte, error) {
	u := c.cfg.ServerURL + cmd.Path
	if len(cmd.Query) > 0 {
		u += "?" + cmd.Query.Encode()
	}

	var bodyReader io.Reader
	if cmd.Body != nil {
		bodyReader = bytes.NewReader(cmd.Body)
	}

	req, err := http.NewRequestWithContext(ctx, cmd.Method, u, bodyReader)
	if err != nil {
		return nil, wrapError(KindOtherCause, CodeOtherCause, "failed to create request", err)
	}
	if err := c.setHeaders(ctx, req, cmd, ro); err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Debugw("command failed", "method", cmd.Method, "path", cmd.Path, "error", err)
		return nil, wrapError(KindConnectionFailed, CodeConnectionFailed, "request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapError(KindConnectionFailed, CodeConnectionFailed, "failed to read response", err)
	}
	c.log.Debugw("executed command",
		"method", cmd.Method,
		"path", cmd.Path,
		"status", resp.StatusCode,
		"elapsed", time.Since(start))

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, responseError(resp.StatusCode, data)
	}
	return data, nil
}

func (c *Client) setHeaders(ctx context.Context, req *http.Request, cmd Command, ro *requestOptions) error {
	req.Header.Set("X-Parse-Application-Id", c.cfg.ApplicationID)
	if c.cfg.ClientKey != "" {
		req.Header.Set("X-Parse-Client-Key", c.cfg.ClientKey)
	}
	if ro.usePrimaryKey {
		if c.cfg.PrimaryKey == "" {
			return newError(KindOtherCause, CodeOtherCause, "primary key is not configured")
		}
		req.Header.Set("X-Parse-Master-Key", c.cfg.PrimaryKey)
	}

	token := ro.sessionToken
	if token == "" {
		token = c.current.SessionToken(ctx)
	}
	if token != "" {
		req.Header.Set("X-Parse-Session-Token", token)
	}
	installationID, err := c.current.InstallationID(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("X-Parse-Installation-Id", installationID)

	if cmd.Method == http.MethodPost || cmd.Method == http.MethodPut {
		req.Header.Set("X-Parse-Request-Id", uuid.NewString())
	}
	if cmd.Body != nil {
		contentType := cmd.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		req.Header.Set("Content-Type", contentType)
	}
	return nil
}

// responseError decodes the server's error envelope.
func responseError(status int, data []byte) error {
	var pe Error
	if err := json.Unmarshal(data, &pe); err != nil || (pe.Message == "" && pe.Code == CodeOtherCause) {
		return newError(KindOtherCause, CodeOtherCause, "unexpected status %d: %s", status, truncate(string(data), 200))
	}
	return &pe
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, wrapError(KindDecodingError, CodeInvalidJSON, "failed to unmarshal response", err)
	}
	return &result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ============================================================================
// Server endpoints
// ============================================================================

// Health returns the server's health status, "ok" when it is serving.
func (c *Client) Health(ctx context.Context) (string, error) {
	data, err := c.Execute(ctx, Command{Method: http.MethodGet, Path: "/health"},
		WithCachePolicy(UseProtocolCachePolicy))
	if err != nil {
		return "", err
	}
	resp, err := decodeJSON[struct {
		Status string `json:"status"`
	}](data)
	if err != nil {
		return "", err
	}
	return resp.Status, nil
}

// CallFunction runs a Cloud Code function and returns its result.
func (c *Client) CallFunction(ctx context.Context, name string, params any, opts ...RequestOption) (Value, error) {
	if name == "" {
		return Null(), newError(KindOtherCause, CodeOtherCause, "function name is required")
	}
	body, err := encodeParams(params)
	if err != nil {
		return Null(), err
	}
	data, err := c.Execute(ctx, Command{
		Method: http.MethodPost,
		Path:   "/functions/" + url.PathEscape(name),
		Body:   body,
	}, opts...)
	if err != nil {
		return Null(), err
	}
	resp, err := decodeJSON[struct {
		Result Value `json:"result"`
	}](data)
	if err != nil {
		return Null(), err
	}
	return resp.Result, nil
}

// FetchConfig loads the application config and stores it as the current
// config.
func (c *Client) FetchConfig(ctx context.Context, opts ...RequestOption) (Value, error) {
	data, err := c.Execute(ctx, Command{Method: http.MethodGet, Path: "/config"}, opts...)
	if err != nil {
		return Null(), err
	}
	resp, err := decodeJSON[struct {
		Params Value `json:"params"`
	}](data)
	if err != nil {
		return Null(), err
	}
	if err := c.current.SetConfig(ctx, resp.Params); err != nil {
		return Null(), err
	}
	return resp.Params, nil
}

// CurrentConfig returns the last fetched config.
func (c *Client) CurrentConfig(ctx context.Context) (Value, error) {
	return c.current.Config(ctx)
}

func encodeParams(params any) ([]byte, error) {
	if params == nil {
		return []byte("{}"), nil
	}
	norm, err := normalizeValue(params)
	if err != nil {
		return nil, err
	}
	enc, err := encodeValue(norm, encodeWire)
	if err != nil {
		return nil, err
	}
	if _, ok := enc.(map[string]any); !ok {
		return nil, newError(KindOtherCause, CodeOtherCause, "params must encode to a JSON object, got %T", params)
	}
	data, err := json.Marshal(enc)
	if err != nil {
		return nil, wrapError(KindOtherCause, CodeInvalidJSON, "failed to marshal params", err)
	}
	return data, nil
}
