package parse

import (
	"crypto/tls"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultTimeout              = 30 * time.Second
	DefaultMaxReconnectAttempts = 20
	DefaultReconnectInterval    = time.Second
	DefaultBatchLimit           = 50
	DefaultCacheTTL             = 5 * time.Minute

	// NoReconnect as Config.MaxReconnectAttempts turns automatic live query
	// reconnects off.
	NoReconnect = -1
)

// CachePolicy controls the local cache used for GET requests.
type CachePolicy int

const (
	// UseProtocolCachePolicy leaves caching to the transport. Nothing is
	// stored locally.
	UseProtocolCachePolicy CachePolicy = iota
	// ReloadIgnoringCacheData always hits the server but refreshes the cache.
	ReloadIgnoringCacheData
	// ReturnCacheDataElseLoad serves cached data and loads on a miss.
	ReturnCacheDataElseLoad
	// ReturnCacheDataDontLoad serves cached data only and fails on a miss.
	ReturnCacheDataDontLoad
)

func (p CachePolicy) String() string {
	switch p {
	case UseProtocolCachePolicy:
		return "useProtocolCachePolicy"
	case ReloadIgnoringCacheData:
		return "reloadIgnoringLocalCacheData"
	case ReturnCacheDataElseLoad:
		return "returnCacheDataElseLoad"
	case ReturnCacheDataDontLoad:
		return "returnCacheDataDontLoad"
	}
	return "unknown"
}

// Config holds the read-only inputs of a Client.
type Config struct {
	ApplicationID string
	ClientKey     string
	// PrimaryKey is only sent for requests made with UsePrimaryKey.
	PrimaryKey string
	ServerURL  string
	// LiveQueryURL defaults to ServerURL with a ws/wss scheme.
	LiveQueryURL string

	// MaxReconnectAttempts defaults to DefaultMaxReconnectAttempts when
	// zero. Any negative value, such as NoReconnect, disables retries.
	MaxReconnectAttempts int
	// ReconnectInterval is the unit of the live query backoff.
	ReconnectInterval time.Duration

	CachePolicy    CachePolicy
	CacheTTL       time.Duration
	RequestTimeout time.Duration
	BatchLimit     int

	// VerifyConnection is called for every TLS handshake, both for HTTP
	// requests and the live query socket.
	VerifyConnection func(tls.ConnectionState) error
}

func (c *Config) defaults() {
	c.ServerURL = strings.TrimRight(c.ServerURL, "/")
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultTimeout
	}
	if c.BatchLimit == 0 {
		c.BatchLimit = DefaultBatchLimit
	}
	if c.LiveQueryURL == "" {
		c.LiveQueryURL = liveQueryURLFor(c.ServerURL)
	}
}

// Validate reports whether c, with defaults applied, can build a Client.
func (c Config) Validate() error {
	c.defaults()
	return c.validate()
}

func (c *Config) validate() error {
	if c.ApplicationID == "" {
		return newError(KindOtherCause, CodeOtherCause, "application id is required")
	}
	if c.ServerURL == "" {
		return newError(KindOtherCause, CodeOtherCause, "server url is required")
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return newError(KindOtherCause, CodeOtherCause, "invalid server url %q", c.ServerURL)
	}
	if c.LiveQueryURL != "" {
		lu, err := url.Parse(c.LiveQueryURL)
		if err != nil || lu.Host == "" || (lu.Scheme != "ws" && lu.Scheme != "wss") {
			return newError(KindOtherCause, CodeOtherCause, "invalid live query url %q", c.LiveQueryURL)
		}
	}
	if c.BatchLimit < 0 {
		return newError(KindOtherCause, CodeOtherCause, "batch limit must not be negative")
	}
	return nil
}

// mountPath is the path prefix of the server, used inside batch requests.
func (c *Config) mountPath() string {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return ""
	}
	return strings.TrimRight(u.Path, "/")
}

func liveQueryURLFor(serverURL string) string {
	switch {
	case strings.HasPrefix(serverURL, "https://"):
		return "wss://" + strings.TrimPrefix(serverURL, "https://")
	case strings.HasPrefix(serverURL, "http://"):
		return "ws://" + strings.TrimPrefix(serverURL, "http://")
	}
	return ""
}
