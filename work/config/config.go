package config

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration for the download proxy server.
// Every field is populated from the environment with the AIO_ prefix
// (AIO_PORT, AIO_COOKIEFILE, ...); defaults keep a bare container bootable.
type Config struct {
	Port               int           `envconfig:"PORT" default:"8080"`                      // Listen port for the HTTP server
	Debug              bool          `envconfig:"DEBUG" default:"false"`                    // Enable debug logging
	UserAgent          string        `envconfig:"USER_AGENT"`                               // Override for the default desktop User-Agent
	AcceptLanguage     string        `envconfig:"ACCEPT_LANGUAGE" default:"en-US,en;q=0.9"` // Accept-Language sent upstream and to the extractor
	PlayerClients      []string      `envconfig:"PLAYER_CLIENTS"`                           // Ordered extractor player-client identities
	SourceAddress      string        `envconfig:"SOURCE_ADDRESS"`                           // Local address to bind outbound extractor traffic to
	ProxyURL           string        `envconfig:"PROXY_URL"`                                // Optional forward proxy for extraction and upstream fetches
	CookieFile         string        `envconfig:"COOKIEFILE"`                               // Explicit Netscape cookie file path
	CookiesB64         string        `envconfig:"COOKIES_B64"`                              // Base64-encoded cookie file contents, materialized at startup
	ImpersonateProfile string        `envconfig:"IMPERSONATE_PROFILE" default:"chrome"`     // Browser profile for the hardened fallback client
	CookieSecret       string        `envconfig:"COOKIE_SECRET"`                            // HMAC key for session cookies; random when empty
	CookieSecure       bool          `envconfig:"COOKIE_SECURE" default:"false"`            // Mark session cookies Secure
	WorkerThreads      int           `envconfig:"WORKER_THREADS"`                           // Size of the extraction worker pool
	CacheDuration      time.Duration `envconfig:"CACHE_DURATION" default:"5m"`              // TTL for cached discovery results
	ExtractTimeout     time.Duration `envconfig:"EXTRACT_TIMEOUT" default:"90s"`            // Hard deadline for a single extractor invocation
	ObfuscateUrls      bool          `envconfig:"OBFUSCATE_URLS" default:"true"`            // Obfuscate media URLs in logs
	DBPath             string        `envconfig:"DB_PATH" default:"data/users.db"`          // SQLite path for the user store
	WebDist            string        `envconfig:"WEB_DIST"`                                 // Directory of the built web UI, served when present
	YtdlpPath          string        `envconfig:"YTDLP_PATH" default:"yt-dlp"`              // Extractor binary
	FFmpegPath         string        `envconfig:"FFMPEG_PATH" default:"ffmpeg"`             // Transcoder binary

	// RuntimeCookieFile is the materialized path for CookiesB64. Set by Load,
	// never read from the environment.
	RuntimeCookieFile string `envconfig:"-"`
}

// Load reads the configuration from the environment, applies defaults and
// materializes derived state (the base64 cookie file). It never mutates the
// process environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("aio", &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.validateAndSetDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validateAndSetDefaults fills computed defaults and rejects unusable values.
func (c *Config) validateAndSetDefaults() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if c.WorkerThreads <= 0 {
		c.WorkerThreads = runtime.NumCPU() * 2
	}
	if len(c.PlayerClients) == 0 {
		c.PlayerClients = []string{"ios", "android", "web"}
	}
	if c.ProxyURL != "" {
		if _, err := url.Parse(c.ProxyURL); err != nil {
			return fmt.Errorf("config: invalid proxy url: %w", err)
		}
	}
	if c.CookiesB64 != "" {
		path, err := materializeCookies(c.CookiesB64)
		if err != nil {
			return fmt.Errorf("config: cookies_b64: %w", err)
		}
		c.RuntimeCookieFile = path
	}
	return nil
}

// materializeCookies decodes a base64 cookie blob to a private runtime file
// so the extractor can consume it like any other cookie file.
func materializeCookies(b64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", err
	}
	path := filepath.Join(os.TempDir(), "aio-cookies.txt")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// LogLevel maps the debug flag to a logger level name.
func (c *Config) LogLevel() string {
	if c.Debug {
		return "DEBUG"
	}
	return "INFO"
}
