// Package config assembles the service configuration from defaults, an
// optional .env file, TERAPROXY_* environment variables and command-line flags,
// in that order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/ytget/teraproxy/client"
	"github.com/ytget/teraproxy/internal/cache"
	"github.com/ytget/teraproxy/terabox/metadata"
)

const (
	envPrefix = "TERAPROXY_"

	// DefaultEnvFile is read when present.
	DefaultEnvFile = ".env"

	CacheMemory = "memory"
	CacheFile   = "file"
	CacheOff    = "off"
)

// Config is the immutable service configuration.
type Config struct {
	Addr             string
	PublicURL        string
	MetadataEndpoint string
	Referer          string
	Cookie           string
	UserAgent        string
	ProxyURL         string
	HTTPTimeout      time.Duration
	CacheBackend     string
	CacheDir         string
	CacheTTL         time.Duration
	Debug            bool
	Trace            bool
	MetricsPath      string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:             ":8080",
		MetadataEndpoint: metadata.DefaultEndpoint,
		Referer:          client.RefererValue,
		UserAgent:        client.UserAgentValue,
		HTTPTimeout:      30 * time.Second,
		CacheBackend:     CacheMemory,
		CacheDir:         filepath.Join(os.TempDir(), "teraproxy-cache"),
		CacheTTL:         cache.DefaultTTL,
		MetricsPath:      "/metrics",
	}
}

// LoadEnvFile exports the variables of a dotenv file into the process
// environment without overriding variables that are already set. A missing
// file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// FromEnv overlays TERAPROXY_* variables on c using lookup.
func FromEnv(c Config, lookup func(string) (string, bool)) (Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	dur := func(name string, dst *time.Duration) {
		v, ok := lookup(envPrefix + name)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		d, err := parseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
			return
		}
		*dst = d
	}
	boolean := func(name string, dst *bool) {
		v, ok := lookup(envPrefix + name)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
			return
		}
		*dst = b
	}

	str("ADDR", &c.Addr)
	str("PUBLIC_URL", &c.PublicURL)
	str("METADATA_ENDPOINT", &c.MetadataEndpoint)
	str("REFERER", &c.Referer)
	str("COOKIE", &c.Cookie)
	str("USER_AGENT", &c.UserAgent)
	str("PROXY_URL", &c.ProxyURL)
	dur("HTTP_TIMEOUT", &c.HTTPTimeout)
	str("CACHE_BACKEND", &c.CacheBackend)
	str("CACHE_DIR", &c.CacheDir)
	dur("CACHE_TTL", &c.CacheTTL)
	boolean("DEBUG", &c.Debug)
	boolean("TRACE", &c.Trace)
	str("METRICS_PATH", &c.MetricsPath)

	return c, errors.Join(errs...)
}

// RegisterFlags binds the configuration fields to fs. Current values of c are
// the flag defaults, so call it after FromEnv.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Addr, "addr", c.Addr, "listen address")
	fs.StringVar(&c.PublicURL, "public-url", c.PublicURL, "absolute origin used in generated links")
	fs.StringVar(&c.MetadataEndpoint, "metadata-endpoint", c.MetadataEndpoint, "metadata API endpoint")
	fs.StringVar(&c.Referer, "referer", c.Referer, "referer sent to the media origin")
	fs.StringVar(&c.Cookie, "cookie", c.Cookie, "ndus session cookie value")
	fs.StringVar(&c.UserAgent, "user-agent", c.UserAgent, "user agent sent upstream")
	fs.StringVar(&c.ProxyURL, "proxy", c.ProxyURL, "outbound HTTP proxy URL")
	fs.DurationVar(&c.HTTPTimeout, "http-timeout", c.HTTPTimeout, "metadata request timeout")
	fs.StringVar(&c.CacheBackend, "cache", c.CacheBackend, "cache backend: memory, file or off")
	fs.StringVar(&c.CacheDir, "cache-dir", c.CacheDir, "directory of the file cache")
	fs.DurationVar(&c.CacheTTL, "cache-ttl", c.CacheTTL, "metadata cache lifetime")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "include stack traces in error responses")
	fs.BoolVar(&c.Trace, "trace", c.Trace, "wrap outbound requests with OpenTelemetry")
	fs.StringVar(&c.MetricsPath, "metrics-path", c.MetricsPath, "Prometheus endpoint path, empty disables")
}

// Validate checks field values and normalizes PublicURL.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return errors.New("addr must not be empty")
	}
	if c.PublicURL != "" {
		u, err := url.Parse(c.PublicURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("public url %q must be absolute", c.PublicURL)
		}
		c.PublicURL = strings.TrimRight(c.PublicURL, "/")
	}
	if c.MetadataEndpoint == "" {
		return errors.New("metadata endpoint must not be empty")
	}
	switch c.CacheBackend {
	case CacheMemory, CacheOff:
	case CacheFile:
		if c.CacheDir == "" {
			return errors.New("file cache requires a cache dir")
		}
	default:
		return fmt.Errorf("unknown cache backend %q", c.CacheBackend)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("cache ttl must be positive, got %s", c.CacheTTL)
	}
	if c.HTTPTimeout < 0 {
		return fmt.Errorf("http timeout must not be negative, got %s", c.HTTPTimeout)
	}
	if c.MetricsPath != "" && !strings.HasPrefix(c.MetricsPath, "/") {
		return fmt.Errorf("metrics path %q must start with /", c.MetricsPath)
	}
	return nil
}

// Identity returns the upstream identity headers.
func (c Config) Identity() client.Identity {
	return client.Identity{UserAgent: c.UserAgent, Cookie: c.Cookie, Referer: c.Referer}
}

// MetadataClient returns the HTTP client for metadata calls.
func (c Config) MetadataClient() *client.Client {
	return client.NewWith(client.Config{
		Timeout:  c.HTTPTimeout,
		ProxyURL: c.ProxyURL,
		Identity: c.Identity(),
		Trace:    c.Trace,
	})
}

// MediaClient returns the HTTP client for relayed media. It has no overall
// timeout.
func (c Config) MediaClient() *client.Client {
	return client.NewWith(client.Config{
		Timeout:  -1,
		ProxyURL: c.ProxyURL,
		Identity: c.Identity(),
		Trace:    c.Trace,
	})
}

// OpenCache builds the configured cache store.
func (c Config) OpenCache() (cache.Store, error) {
	switch c.CacheBackend {
	case CacheOff:
		return cache.Noop{}, nil
	case CacheFile:
		fs, err := cache.NewFileStore(c.CacheDir)
		if err != nil {
			return nil, err
		}
		return fs, nil
	default:
		return cache.NewMemoryStore(), nil
	}
}

// parseDuration accepts Go durations and bare seconds.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}
