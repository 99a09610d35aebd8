package client

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ytget/teraproxy/internal/logger"
)

const (
	defaultTimeout = 30 * time.Second

	// UserAgentValue is the desktop browser identity presented upstream.
	UserAgentValue = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	// RefererValue is the referer the media origin expects.
	RefererValue = "https://www.terabox.tech/"

	cookieName = "ndus"
)

// defaultTransport is a tuned HTTP transport reused across clients.
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   10,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ResponseHeaderTimeout: 30 * time.Second,
	ForceAttemptHTTP2:     true,
	// Relayed bodies must reach the caller byte-for-byte.
	DisableCompression: true,
	ReadBufferSize:     32 * 1024,
	WriteBufferSize:    16 * 1024,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// Identity is the fixed set of headers that authorizes requests against the
// media origin. It is immutable once built.
type Identity struct {
	UserAgent string
	Cookie    string // value of the ndus session cookie
	Referer   string
}

// DefaultIdentity returns an Identity with the built-in user agent and referer
// and no session cookie.
func DefaultIdentity() Identity {
	return Identity{UserAgent: UserAgentValue, Referer: RefererValue}
}

// Apply sets the identity headers on req. Empty fields are skipped.
func (id Identity) Apply(req *http.Request) {
	ua := id.UserAgent
	if ua == "" {
		ua = UserAgentValue
	}
	req.Header.Set("User-Agent", ua)
	if id.Cookie != "" {
		req.Header.Set("Cookie", cookieName+"="+id.Cookie)
	}
	if id.Referer != "" {
		req.Header.Set("Referer", id.Referer)
	}
}

// Config holds optional client parameters. Zero values use defaults.
// A negative Timeout disables the overall request timeout, which is what
// long-running media relays need.
type Config struct {
	Timeout  time.Duration
	ProxyURL string
	Identity Identity
	// Trace wraps the transport with OpenTelemetry instrumentation.
	Trace bool
}

// Client wraps http.Client with the upstream identity.
//
// It deliberately performs a single attempt per call: failures are reported
// to the caller as-is.
type Client struct {
	HTTPClient *http.Client
	Identity   Identity

	log *logger.ComponentLogger
}

// New creates a new Client with a tuned Transport and default timeout.
func New() *Client {
	return &Client{
		HTTPClient: &http.Client{
			Timeout:   defaultTimeout,
			Transport: defaultTransport,
		},
		Identity: DefaultIdentity(),
		log:      logger.WithComponent(logger.ComponentClient),
	}
}

// NewWith creates a new client with provided config. Zero values use defaults.
func NewWith(cfg Config) *Client {
	timeout := cfg.Timeout
	switch {
	case timeout == 0:
		timeout = defaultTimeout
	case timeout < 0:
		timeout = 0
	}
	id := cfg.Identity
	if id.UserAgent == "" {
		id.UserAgent = UserAgentValue
	}

	tr := defaultTransport.Clone()
	if cfg.ProxyURL != "" {
		if proxyFunc, err := proxyFromURLString(cfg.ProxyURL); err == nil {
			tr.Proxy = proxyFunc
		}
	}
	var rt http.RoundTripper = tr
	if cfg.Trace {
		rt = otelhttp.NewTransport(tr)
	}

	return &Client{
		HTTPClient: &http.Client{
			Timeout:   timeout,
			Transport: rt,
		},
		Identity: id,
		log:      logger.WithComponent(logger.ComponentClient),
	}
}

// WithLogger replaces the component logger.
func (c *Client) WithLogger(l *logger.Logger) *Client {
	if l != nil {
		c.log = l.WithComponent(logger.ComponentClient)
	}
	return c
}

// NewRequest builds a request carrying the client identity.
func (c *Client) NewRequest(ctx context.Context, method, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	c.Identity.Apply(req)
	return req, nil
}

// Do sends req once.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	if c.log == nil {
		return resp, err
	}
	fields := logger.Fields{
		"method":  req.Method,
		"host":    req.URL.Host,
		"path":    req.URL.Path,
		"elapsed": time.Since(start).Round(time.Millisecond).String(),
	}
	if err != nil {
		// url.Error text repeats the full URL, signed query included.
		cause := err
		var ue *url.Error
		if errors.As(err, &ue) {
			cause = ue.Err
		}
		fields["error"] = cause.Error()
		c.log.Debug("upstream request failed", fields)
		return resp, err
	}
	fields["status"] = resp.StatusCode
	c.log.Debug("upstream request", fields)
	return resp, err
}

// Get performs a single GET request with the client identity.
func (c *Client) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := c.NewRequest(ctx, http.MethodGet, rawURL)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// proxyFromURLString parses a proxy URL and returns a Proxy function.
func proxyFromURLString(raw string) (func(*http.Request) (*url.URL, error), error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	return http.ProxyURL(u), nil
}
