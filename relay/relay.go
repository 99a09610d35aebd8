// Package relay streams media from the upstream origin to a client without
// buffering it, rewriting the response headers on the way.
package relay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/ytget/teraproxy/client"
	"github.com/ytget/teraproxy/errs"
	"github.com/ytget/teraproxy/internal/logger"
	"github.com/ytget/teraproxy/internal/mimeext"
	"github.com/ytget/teraproxy/internal/sanitize"
)

// Mode names the kind of relay; it labels logs and metrics.
type Mode string

const (
	ModeDownload Mode = "download"
	ModeStream   Mode = "stream"
	ModeProxy    Mode = "proxy"
)

const (
	bufferSize = 32 << 10

	msgDownloadFailed = "Failed to fetch video"
	msgStreamFailed   = "Failed to stream video"
)

// hopHeaders are connection-scoped and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// stripped are removed so the media can be embedded anywhere.
var stripped = []string{
	"Content-Security-Policy",
	"X-Frame-Options",
}

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, bufferSize)
		return &b
	},
}

// Counter receives the number of bytes relayed per mode.
type Counter interface {
	AddRelayed(mode string, n int64)
}

// Result describes what was sent to the client. Status is zero when nothing
// was written.
type Result struct {
	Status int
	Bytes  int64
}

// HeadersSent reports whether the response is already committed.
func (r Result) HeadersSent() bool { return r.Status != 0 }

// Relay fetches upstream media with a fixed identity and copies it to clients.
type Relay struct {
	http    *client.Client
	log     *logger.ComponentLogger
	counter Counter
}

// New creates a relay. The client should have no overall timeout, since media
// bodies can take arbitrarily long; a nil client gets one.
func New(c *client.Client) *Relay {
	if c == nil {
		c = client.NewWith(client.Config{Timeout: -1})
	}
	return &Relay{
		http: c,
		log:  logger.WithComponent(logger.ComponentRelay),
	}
}

// WithLogger replaces the component logger.
func (r *Relay) WithLogger(l *logger.Logger) *Relay {
	if l != nil {
		r.log = l.WithComponent(logger.ComponentRelay)
	}
	return r
}

// WithCounter sets the byte counter.
func (r *Relay) WithCounter(c Counter) *Relay {
	r.counter = c
	return r
}

// Download relays mediaURL as an attachment named after filename. A name
// without extension gets one derived from the upstream Content-Type.
//
// A non-2xx upstream answer writes nothing and returns an
// *errs.UpstreamError of kind ErrRelay carrying the upstream status.
func (r *Relay) Download(ctx context.Context, w http.ResponseWriter, mediaURL, filename string) (Result, error) {
	return r.relay(ctx, w, ModeDownload, mediaURL, nil, func(h http.Header) {
		name := filename
		if strings.TrimSpace(name) != "" {
			name = mimeext.EnsureExt(name, h.Get("Content-Type"))
		}
		h.Set("Content-Disposition", sanitize.ContentDisposition(name))
	})
}

// Stream relays mediaURL for inline playback. A non-empty rangeHeader is
// forwarded and a 206 answer with its Content-Range passes through untouched.
func (r *Relay) Stream(ctx context.Context, w http.ResponseWriter, mediaURL, rangeHeader string) (Result, error) {
	var reqHeaders http.Header
	if rangeHeader = strings.TrimSpace(rangeHeader); rangeHeader != "" {
		reqHeaders = http.Header{"Range": []string{rangeHeader}}
	}
	return r.relay(ctx, w, ModeStream, mediaURL, reqHeaders, func(h http.Header) {
		h.Set("Accept-Ranges", "bytes")
	})
}

// Proxy relays targetURL with the upstream identity. Every upstream status,
// errors included, is passed through.
func (r *Relay) Proxy(ctx context.Context, w http.ResponseWriter, targetURL string) (Result, error) {
	return r.relay(ctx, w, ModeProxy, targetURL, nil, nil)
}

func (r *Relay) relay(ctx context.Context, w http.ResponseWriter, mode Mode, target string, reqHeaders http.Header, decorate func(http.Header)) (Result, error) {
	req, err := r.http.NewRequest(ctx, http.MethodGet, target)
	if err != nil {
		return Result{}, errs.New(errs.ErrRelay, err.Error())
	}
	for k, vs := range reqHeaders {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := r.http.Do(req)
	if err != nil {
		r.log.Warn("upstream request failed", logger.Fields{"mode": string(mode), "error": err.Error()})
		return Result{}, errs.New(errs.ErrRelay, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	if mode != ModeProxy && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		msg := msgDownloadFailed
		if mode == ModeStream {
			msg = msgStreamFailed
		}
		r.log.Warn("upstream rejected media request", logger.Fields{"mode": string(mode), "status": resp.StatusCode})
		return Result{}, errs.New(errs.ErrRelay, msg).WithStatus(resp.StatusCode)
	}

	h := w.Header()
	copyHeaders(h, resp.Header)
	h.Set("Access-Control-Allow-Origin", "*")
	for _, k := range stripped {
		h.Del(k)
	}
	if decorate != nil {
		decorate(h)
	}
	w.WriteHeader(resp.StatusCode)

	res := Result{Status: resp.StatusCode}
	res.Bytes, err = copyFlushing(w, resp.Body)
	if r.counter != nil {
		r.counter.AddRelayed(string(mode), res.Bytes)
	}

	fields := logger.Fields{"mode": string(mode), "status": resp.StatusCode, "bytes": res.Bytes}
	if err != nil {
		fields["error"] = err.Error()
		// Client disconnects during playback are routine.
		r.log.Debug("relay interrupted", fields)
		return res, errs.New(errs.ErrRelay, "copy interrupted: "+err.Error())
	}
	r.log.Debug("relay complete", fields)
	return res, nil
}

// copyHeaders replaces dst values with src values, skipping hop-by-hop
// headers and any header named in src's Connection list.
func copyHeaders(dst, src http.Header) {
	skip := make(map[string]bool, len(hopHeaders))
	for _, k := range hopHeaders {
		skip[k] = true
	}
	for _, v := range src.Values("Connection") {
		for _, f := range strings.Split(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				skip[http.CanonicalHeaderKey(f)] = true
			}
		}
	}
	for k, vs := range src {
		if skip[http.CanonicalHeaderKey(k)] {
			continue
		}
		dst[k] = append([]string(nil), vs...)
	}
}

// flushWriter pushes every chunk to the client as soon as it is written.
type flushWriter struct {
	w     io.Writer
	rc    *http.ResponseController
	flush bool
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil || !f.flush {
		return n, err
	}
	if ferr := f.rc.Flush(); ferr != nil {
		if errors.Is(ferr, http.ErrNotSupported) {
			f.flush = false
			return n, nil
		}
		return n, ferr
	}
	return n, nil
}

func copyFlushing(w http.ResponseWriter, body io.Reader) (int64, error) {
	bp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bp)
	fw := &flushWriter{w: w, rc: http.NewResponseController(w), flush: true}
	return io.CopyBuffer(fw, body, *bp)
}
