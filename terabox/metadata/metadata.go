// Package metadata talks to the share metadata API and normalizes its answer
// into a types.FileDescriptor.
package metadata

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/ytget/teraproxy/client"
	"github.com/ytget/teraproxy/errs"
	"github.com/ytget/teraproxy/internal/logger"
	"github.com/ytget/teraproxy/types"
)

const (
	// DefaultEndpoint is the public metadata API.
	DefaultEndpoint = "https://terabox.hnn.workers.dev/api/get-info"

	queryShortURL  = "shorturl"
	snippetLimit   = 200
	maxErrorBody   = 4 << 10
	maxBody        = 8 << 20
	defaultMessage = "Unknown error"
)

// Outcome labels reported to an Observer.
const (
	OutcomeOK        = "ok"
	OutcomeTransport = "transport"
	OutcomeFormat    = "format"
	OutcomeLogical   = "logical"
	OutcomeNotFound  = "not_found"
)

// Observer receives the outcome and latency of every upstream call.
type Observer interface {
	ObserveUpstream(outcome string, elapsed time.Duration)
}

// Client fetches share metadata. It performs exactly one upstream request per
// Fetch and never retries.
type Client struct {
	endpoint string
	http     *client.Client
	log      *logger.ComponentLogger
	observer Observer
}

// New creates a metadata client. An empty endpoint selects DefaultEndpoint and
// a nil http client selects client.New().
func New(endpoint string, c *client.Client) *Client {
	if strings.TrimSpace(endpoint) == "" {
		endpoint = DefaultEndpoint
	}
	if c == nil {
		c = client.New()
	}
	return &Client{
		endpoint: endpoint,
		http:     c,
		log:      logger.WithComponent(logger.ComponentMetadata),
	}
}

// WithLogger replaces the component logger.
func (c *Client) WithLogger(l *logger.Logger) *Client {
	if l != nil {
		c.log = l.WithComponent(logger.ComponentMetadata)
	}
	return c
}

// WithObserver sets a latency/outcome observer.
func (c *Client) WithObserver(o Observer) *Client {
	c.observer = o
	return c
}

// Endpoint returns the configured API endpoint.
func (c *Client) Endpoint() string { return c.endpoint }

type thumbs struct {
	URL1 string `json:"url1"`
	URL2 string `json:"url2"`
	URL3 string `json:"url3"`
}

type fileEntry struct {
	FsID     types.Flex `json:"fs_id"`
	Name     string     `json:"server_filename"`
	Size     types.Flex `json:"size"`
	Duration types.Flex `json:"duration"`
	Category types.Flex `json:"category"`
	Ctime    types.Flex `json:"server_ctime"`
	Mtime    types.Flex `json:"server_mtime"`
	Thumbs   *thumbs    `json:"thumbs"`
	Dlink    string     `json:"dlink"`
}

type envelope struct {
	Errno     *types.Flex `json:"errno"`
	Errmsg    string      `json:"errmsg"`
	List      []fileEntry `json:"list"`
	Sign      string      `json:"sign"`
	Timestamp types.Flex  `json:"timestamp"`
	ShareID   types.Flex  `json:"shareid"`
	UK        types.Flex  `json:"uk"`
}

// Fetch resolves shareID into a descriptor of its first file.
//
// Failures are *errs.UpstreamError values that unwrap to ErrUpstreamTransport,
// ErrUpstreamFormat, ErrUpstreamLogical or ErrNotFound. Context cancellation
// is reported as a transport failure wrapping the context error.
func (c *Client) Fetch(ctx context.Context, shareID string) (*types.FileDescriptor, error) {
	start := time.Now()
	d, outcome, err := c.fetch(ctx, shareID)
	elapsed := time.Since(start)
	if c.observer != nil {
		c.observer.ObserveUpstream(outcome, elapsed)
	}
	fields := logger.Fields{"share_id": shareID, "outcome": outcome, "elapsed": elapsed.Round(time.Millisecond).String()}
	if err != nil {
		fields["error"] = err.Error()
		c.log.Warn("metadata fetch failed", fields)
		return nil, err
	}
	c.log.Debug("metadata fetched", fields)
	return d, nil
}

func (c *Client) requestURL(shareID string) (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(queryShortURL, shareID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) fetch(ctx context.Context, shareID string) (*types.FileDescriptor, string, error) {
	rawURL, err := c.requestURL(shareID)
	if err != nil {
		return nil, OutcomeTransport, &errs.UpstreamError{Kind: errs.ErrUpstreamTransport, Message: "invalid endpoint: " + err.Error()}
	}

	req, err := c.http.NewRequest(ctx, http.MethodGet, rawURL)
	if err != nil {
		return nil, OutcomeTransport, errs.New(errs.ErrUpstreamTransport, err.Error())
	}
	// The metadata API does not want the media session identity.
	req.Header.Del("Cookie")
	req.Header.Del("Referer")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip, br")

	c.log.Debug("requesting metadata", logger.Fields{"url": rawURL})
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, OutcomeTransport, fmt.Errorf("%w: %w", errs.New(errs.ErrUpstreamTransport, "request canceled"), ctxErr)
		}
		return nil, OutcomeTransport, errs.New(errs.ErrUpstreamTransport, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := decodeBody(resp)
	if err != nil {
		return nil, OutcomeTransport, errs.New(errs.ErrUpstreamTransport, "decode body: "+err.Error())
	}
	defer func() { _ = body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))
		return nil, OutcomeTransport, errs.New(errs.ErrUpstreamTransport, "API request failed").
			WithStatus(resp.StatusCode).
			WithSnippet(snippet(b))
	}

	ct := resp.Header.Get("Content-Type")
	if !strings.Contains(strings.ToLower(ct), "application/json") {
		b, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))
		return nil, OutcomeFormat, errs.New(errs.ErrUpstreamFormat, fmt.Sprintf("Invalid response format (expected JSON, got %s)", ct)).
			WithSnippet(snippet(b))
	}

	raw, err := io.ReadAll(io.LimitReader(body, maxBody))
	if err != nil {
		return nil, OutcomeTransport, errs.New(errs.ErrUpstreamTransport, "read body: "+err.Error())
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, OutcomeFormat, errs.New(errs.ErrUpstreamFormat, "malformed JSON: "+err.Error()).WithSnippet(snippet(raw))
	}

	return normalize(shareID, &env)
}

// normalize checks the envelope and maps its first entry.
func normalize(shareID string, env *envelope) (*types.FileDescriptor, string, error) {
	code, ok := errnoOf(env.Errno)
	if !ok || code != 0 {
		msg := env.Errmsg
		if msg == "" {
			msg = defaultMessage
		}
		return nil, OutcomeLogical, errs.New(errs.ErrUpstreamLogical, msg).WithCode(code)
	}
	if len(env.List) == 0 {
		return nil, OutcomeNotFound, errs.New(errs.ErrNotFound, "No file found")
	}

	f := env.List[0]
	d := &types.FileDescriptor{
		ShareID:      shareID,
		FileID:       f.FsID,
		Name:         f.Name,
		Size:         parseInt(f.Size),
		Duration:     parseDuration(f.Duration),
		Category:     f.Category,
		CreatedAt:    f.Ctime,
		ModifiedAt:   f.Mtime,
		DownloadLink: f.Dlink,
		Signing: types.Signing{
			Sign:      env.Sign,
			Timestamp: env.Timestamp,
			ShareID:   env.ShareID,
			UK:        env.UK,
		},
	}
	if f.Thumbs != nil {
		d.Thumbnails = []string{f.Thumbs.URL3, f.Thumbs.URL2, f.Thumbs.URL1}
	}
	return d, OutcomeOK, nil
}

// errnoOf reports the numeric errno; ok is false when it is absent or not an integer.
func errnoOf(f *types.Flex) (int, bool) {
	if f == nil || f.IsZero() {
		return 0, false
	}
	n, err := strconv.Atoi(f.Value)
	if err != nil {
		return 0, false
	}
	return n, true
}

func parseInt(f types.Flex) int64 {
	n, err := strconv.ParseInt(f.Value, 10, 64)
	if err != nil {
		if v, ferr := strconv.ParseFloat(f.Value, 64); ferr == nil {
			return int64(v)
		}
		return 0
	}
	return n
}

// parseDuration returns nil for absent, unparsable or zero durations.
func parseDuration(f types.Flex) *float64 {
	if f.IsZero() {
		return nil
	}
	v, err := strconv.ParseFloat(f.Value, 64)
	if err != nil || v <= 0 {
		return nil
	}
	return &v
}

// decodeBody unwraps the response body according to Content-Encoding.
func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		return zr, nil
	case "br":
		return io.NopCloser(brotli.NewReader(resp.Body)), nil
	case "", "identity":
		return io.NopCloser(resp.Body), nil
	default:
		return nil, errors.New("unsupported content encoding " + resp.Header.Get("Content-Encoding"))
	}
}

// snippet returns at most snippetLimit bytes of b as valid UTF-8.
func snippet(b []byte) string {
	if len(b) > snippetLimit {
		b = b[:snippetLimit]
	}
	return strings.ToValidUTF8(string(b), "")
}
