package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/siren-bind/internal/auth"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for siren-bind.
type Config struct {
	// Root entity to bind. Absolute http(s) URL.
	EntityURL string `env:"SIREN_ENTITY_URL"`

	// Credential. Exactly one of Token, TokenFile or CookieAuth is set.
	Token      string `env:"SIREN_TOKEN"`
	TokenFile  string `env:"SIREN_TOKEN_FILE"`
	CookieAuth bool   `env:"SIREN_COOKIE_AUTH" envDefault:"false"`

	// YAML file describing observed facets. When empty the root entity's
	// properties are observed.
	BindingsFile string `env:"SIREN_BINDINGS_FILE"`

	// bbolt response cache. Empty disables persistence.
	CachePath string `env:"SIREN_CACHE_PATH"`

	// Websocket change feed. Empty disables live invalidation.
	LiveURL string `env:"SIREN_LIVE_URL"`

	PrimingRel  string        `env:"SIREN_PRIMING_REL" envDefault:"cache-primer"`
	HTTPTimeout time.Duration `env:"SIREN_HTTP_TIMEOUT" envDefault:"30s"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// MCP server settings (required when MCP is enabled)
	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:":8090"`
	MCPAPIKeys    string `env:"MCP_API_KEYS"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// File paths are resolved once so later chdir or relative lookups
	// from watchers see the same file.
	for _, p := range []*string{&cfg.TokenFile, &cfg.BindingsFile, &cfg.CachePath} {
		if *p == "" {
			continue
		}

		abs, err := filepath.Abs(*p)
		if err != nil {
			return nil, fmt.Errorf("resolving %s to absolute path: %w", *p, err)
		}

		*p = abs
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.EntityURL == "" {
		return fmt.Errorf("SIREN_ENTITY_URL is required")
	}

	if err := validateURL("SIREN_ENTITY_URL", c.EntityURL, "http", "https"); err != nil {
		return err
	}

	if c.LiveURL != "" {
		if err := validateURL("SIREN_LIVE_URL", c.LiveURL, "ws", "wss", "http", "https"); err != nil {
			return err
		}
	}

	n := 0
	if c.Token != "" {
		n++
	}

	if c.TokenFile != "" {
		n++
	}

	if c.CookieAuth {
		n++
	}

	if n != 1 {
		return fmt.Errorf("exactly one of SIREN_TOKEN, SIREN_TOKEN_FILE or SIREN_COOKIE_AUTH must be set")
	}

	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("SIREN_HTTP_TIMEOUT must be positive")
	}

	if c.EnableMCP && c.MCPAPIKeys == "" {
		return fmt.Errorf("MCP_API_KEYS is required when MCP is enabled")
	}

	return nil
}

func validateURL(name, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) && u.Host != "" {
			return nil
		}
	}

	return fmt.Errorf("%s must be an absolute %s URL", name, strings.Join(schemes, "/"))
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// APIKeyEntry holds a pre-configured API key and its associated user
// identity parsed from MCP_API_KEYS.
type APIKeyEntry struct {
	UserID string
	Key    string
}

// ParseMCPAPIKeys parses the MCP_API_KEYS string.
// Format: "user1:sb_key1,user2:sb_key2"
func (c *Config) ParseMCPAPIKeys() ([]APIKeyEntry, error) {
	if c.MCPAPIKeys == "" {
		return nil, nil
	}

	seenUsers := make(map[string]struct{})

	var entries []APIKeyEntry

	for _, pair := range strings.Split(c.MCPAPIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid API key entry (missing ':')")
		}

		userID := pair[:idx]

		key := pair[idx+1:]
		if userID == "" || key == "" {
			return nil, fmt.Errorf("empty user or key in entry %d", len(entries)+1)
		}

		if !strings.HasPrefix(key, auth.APIKeyPrefix) {
			return nil, fmt.Errorf("API key must start with %q prefix in entry %d", auth.APIKeyPrefix, len(entries)+1)
		}

		if len(key) < auth.APIKeyMinLen {
			return nil, fmt.Errorf("API key too short in entry %d (minimum %d characters)", len(entries)+1, auth.APIKeyMinLen)
		}

		suffix := key[len(auth.APIKeyPrefix):]
		if _, err := hex.DecodeString(suffix); err != nil {
			return nil, fmt.Errorf("API key contains non-hex characters after %q prefix in entry %d", auth.APIKeyPrefix, len(entries)+1)
		}

		if _, dup := seenUsers[userID]; dup {
			return nil, fmt.Errorf("duplicate user_id %q in MCP_API_KEYS", userID)
		}

		seenUsers[userID] = struct{}{}
		entries = append(entries, APIKeyEntry{UserID: userID, Key: key})
	}

	return entries, nil
}
