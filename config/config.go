// Package config loads the storefront auth configuration from a YAML file,
// an optional .env file and STOREFRONT_* environment variables.
package config

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/mnehpets/storefront/auth"
	"github.com/mnehpets/storefront/autherr"
	"github.com/mnehpets/storefront/exchange"
	"github.com/mnehpets/storefront/logging"
	"github.com/mnehpets/storefront/middleware"
)

// Seen code registry backends.
const (
	SeenCodesMemory   = "memory"
	SeenCodesRedis    = "redis"
	SeenCodesPostgres = "postgres"
)

const (
	DefaultListenAddr  = "127.0.0.1:8080"
	DefaultCookieKeyID = "k1"
	cookieKeyLen       = 32
)

// Config is the full configuration.
type Config struct {
	Dev        bool   `yaml:"dev"`
	ListenAddr string `yaml:"listen_addr"`
	// TokenAPIURL is the base URL of an external token exchange endpoint.
	// Empty means the exchange runs in this process.
	TokenAPIURL   string          `yaml:"token_api_url"`
	VerifyIDToken bool            `yaml:"verify_id_token"`
	TokenFile     string          `yaml:"token_file"`
	Shop          ShopConfig      `yaml:"shop"`
	Cookies       CookieConfig    `yaml:"cookies"`
	SeenCodes     SeenCodesConfig `yaml:"seen_codes"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Logging       LoggingConfig   `yaml:"logging"`
}

// ShopConfig identifies the shop and its public OAuth client.
type ShopConfig struct {
	ID          string   `yaml:"id"`
	ClientID    string   `yaml:"client_id"`
	AppURL      string   `yaml:"app_url"`
	ProviderURL string   `yaml:"provider_url"`
	Scopes      []string `yaml:"scopes"`
	APIVersion  string   `yaml:"api_version"`
}

// CookieConfig holds the sealing keys for the flow and token cookies.
type CookieConfig struct {
	KeyID string `yaml:"key_id"`
	// Keys maps key ids to base64 encoded 32 byte keys.
	Keys        map[string]string `yaml:"keys"`
	TokenMaxAge time.Duration     `yaml:"token_max_age"`
	Domain      string            `yaml:"domain"`
}

// SeenCodesConfig selects the authorization code replay registry.
type SeenCodesConfig struct {
	Backend     string        `yaml:"backend"`
	Capacity    int           `yaml:"capacity"`
	TTL         time.Duration `yaml:"ttl"`
	RedisURL    string        `yaml:"redis_url"`
	DatabaseURL string        `yaml:"database_url"`
}

// RateLimitConfig limits token API requests per client IP. PerSecond 0
// disables the limit.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// LoggingConfig mirrors logging.Options.
type LoggingConfig struct {
	Level        string `yaml:"level"`
	File         string `yaml:"file"`
	MaxSizeMB    int    `yaml:"max_size_mb"`
	MaxBackups   int    `yaml:"max_backups"`
	MaxAgeDays   int    `yaml:"max_age_days"`
	Compress     bool   `yaml:"compress"`
	ReportCaller bool   `yaml:"report_caller"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		ListenAddr: DefaultListenAddr,
		Shop: ShopConfig{
			ProviderURL: exchange.DefaultProviderURL,
		},
		Cookies: CookieConfig{
			KeyID: DefaultCookieKeyID,
		},
		SeenCodes: SeenCodesConfig{
			Backend:  SeenCodesMemory,
			Capacity: exchange.DefaultSeenCodesCapacity,
			TTL:      exchange.DefaultSeenCodeTTL,
		},
		RateLimit: RateLimitConfig{PerSecond: 5, Burst: 20},
		Logging:   LoggingConfig{Level: "info", MaxSizeMB: 10, MaxBackups: 3, MaxAgeDays: 28},
	}
}

// LoadDotEnv loads .env from the working directory. A missing file is not an
// error.
func LoadDotEnv() {
	wd, err := os.Getwd()
	if err != nil {
		return
	}
	if err := godotenv.Load(filepath.Join(wd, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithError(err).Warn("failed to load .env file")
	}
}

// Load reads path (optional), applies environment overrides and defaults, and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg, os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) {
	// The key id comes first: STOREFRONT_COOKIE_KEY is stored under it.
	if v, ok := lookup("STOREFRONT_COOKIE_KEY_ID"); ok {
		cfg.Cookies.KeyID = v
	}
	overrides := map[string]func(string){
		"STOREFRONT_DEV":                func(v string) { cfg.Dev = parseBool(v, cfg.Dev) },
		"STOREFRONT_LISTEN_ADDR":        func(v string) { cfg.ListenAddr = v },
		"STOREFRONT_TOKEN_API_URL":      func(v string) { cfg.TokenAPIURL = v },
		"STOREFRONT_VERIFY_ID_TOKEN":    func(v string) { cfg.VerifyIDToken = parseBool(v, cfg.VerifyIDToken) },
		"STOREFRONT_TOKEN_FILE":         func(v string) { cfg.TokenFile = v },
		"STOREFRONT_SHOP_ID":            func(v string) { cfg.Shop.ID = v },
		"STOREFRONT_CLIENT_ID":          func(v string) { cfg.Shop.ClientID = v },
		"STOREFRONT_APP_URL":            func(v string) { cfg.Shop.AppURL = v },
		"STOREFRONT_PROVIDER_URL":       func(v string) { cfg.Shop.ProviderURL = v },
		"STOREFRONT_SCOPES":             func(v string) { cfg.Shop.Scopes = splitAndTrim(v) },
		"STOREFRONT_COOKIE_KEY":         func(v string) { cfg.Cookies.Keys = map[string]string{cfg.Cookies.KeyID: v} },
		"STOREFRONT_SEEN_CODES_BACKEND": func(v string) { cfg.SeenCodes.Backend = strings.ToLower(v) },
		"STOREFRONT_REDIS_URL":          func(v string) { cfg.SeenCodes.RedisURL = v },
		"STOREFRONT_DATABASE_URL":       func(v string) { cfg.SeenCodes.DatabaseURL = v },
		"STOREFRONT_RATE_LIMIT_PER_SECOND": func(v string) {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				cfg.RateLimit.PerSecond = f
			}
		},
		"STOREFRONT_LOG_LEVEL": func(v string) { cfg.Logging.Level = v },
		"STOREFRONT_LOG_FILE":  func(v string) { cfg.Logging.File = v },
	}
	for key, fn := range overrides {
		if v, ok := lookup(key); ok {
			fn(v)
		}
	}
}

// Validate reports every problem in c. Missing shop settings are an
// autherr configuration error.
func (c Config) Validate() error {
	var errs []error
	if err := c.AuthConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Shop.AppURL != "" {
		if u, err := url.Parse(c.Shop.AppURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("shop.app_url must be an absolute http(s) URL, got %q", c.Shop.AppURL))
		}
	}
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	switch c.SeenCodes.Backend {
	case SeenCodesMemory:
	case SeenCodesRedis:
		if c.SeenCodes.RedisURL == "" {
			errs = append(errs, errors.New("seen_codes.redis_url is required for the redis backend"))
		}
	case SeenCodesPostgres:
		if c.SeenCodes.DatabaseURL == "" {
			errs = append(errs, errors.New("seen_codes.database_url is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("seen_codes.backend must be memory, redis or postgres, got %q", c.SeenCodes.Backend))
	}
	if c.RateLimit.PerSecond < 0 {
		errs = append(errs, errors.New("rate_limit.per_second must not be negative"))
	}
	if len(c.Cookies.Keys) > 0 {
		if _, ok := c.Cookies.Keys[c.Cookies.KeyID]; !ok {
			errs = append(errs, fmt.Errorf("cookies.key_id %q has no key", c.Cookies.KeyID))
		}
	}
	return errors.Join(errs...)
}

// AuthConfig returns the client settings for the initiator.
func (c Config) AuthConfig() auth.Config {
	return auth.Config{
		ShopID:      c.Shop.ID,
		ClientID:    c.Shop.ClientID,
		AppURL:      c.Shop.AppURL,
		ProviderURL: c.Shop.ProviderURL,
		Scopes:      c.Shop.Scopes,
	}
}

// ExchangeConfig returns the settings for the token exchange endpoint.
func (c Config) ExchangeConfig() exchange.Config {
	return exchange.Config{
		ShopID:      c.Shop.ID,
		ClientID:    c.Shop.ClientID,
		AppURL:      c.Shop.AppURL,
		ProviderURL: c.Shop.ProviderURL,
		Dev:         c.Dev,
	}
}

// LoggingOptions returns the options for logging.Setup.
func (c Config) LoggingOptions() logging.Options {
	l := c.Logging
	if c.Dev && l.Level == "info" {
		l.Level = "debug"
	}
	return logging.Options{
		Level:        l.Level,
		File:         l.File,
		MaxSizeMB:    l.MaxSizeMB,
		MaxBackups:   l.MaxBackups,
		MaxAgeDays:   l.MaxAgeDays,
		Compress:     l.Compress,
		ReportCaller: l.ReportCaller,
	}
}

// CookieKeys decodes the cookie keys. In dev mode without keys an ephemeral
// key is generated, so cookies do not survive a restart.
func (c Config) CookieKeys() (string, map[string][]byte, error) {
	if len(c.Cookies.Keys) == 0 {
		if !c.Dev {
			return "", nil, autherr.New(autherr.KindConfiguration, "Server configuration error").
				WithDetail("no cookie keys configured")
		}
		key := make([]byte, cookieKeyLen)
		if _, err := rand.Read(key); err != nil {
			return "", nil, fmt.Errorf("generate cookie key: %w", err)
		}
		log.WithField("component", "config").Warn("using an ephemeral cookie key; sessions end on restart")
		return c.Cookies.KeyID, map[string][]byte{c.Cookies.KeyID: key}, nil
	}
	keys, err := middleware.DecodeKeys(c.Cookies.Keys)
	if err != nil {
		return "", nil, err
	}
	for id, k := range keys {
		if len(k) != cookieKeyLen {
			return "", nil, fmt.Errorf("cookie key %q: want %d bytes, got %d", id, cookieKeyLen, len(k))
		}
	}
	return c.Cookies.KeyID, keys, nil
}

// CookieOptions returns the cookie attributes for the flow and token cookies.
func (c Config) CookieOptions() []middleware.CookieOption {
	opts := []middleware.CookieOption{middleware.WithSecure(!c.Dev)}
	if c.Cookies.Domain != "" {
		opts = append(opts, middleware.WithDomain(c.Cookies.Domain))
	}
	return opts
}

// NewCookieKey returns a random base64 encoded cookie key.
func NewCookieKey() (string, error) {
	key := make([]byte, cookieKeyLen)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(key), nil
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.FieldsFunc(val, func(r rune) bool { return r == ',' || r == ' ' })
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
