package relay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ytget/teraproxy/client"
	"github.com/ytget/teraproxy/errs"
	"github.com/ytget/teraproxy/internal/logger"
)

type countingSink struct {
	mode string
	n    int64
}

func (c *countingSink) AddRelayed(mode string, n int64) {
	c.mode = mode
	c.n += n
}

func newRelay(t *testing.T, h http.HandlerFunc) (*Relay, string) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := client.NewWith(client.Config{
		Timeout:  -1,
		Identity: client.Identity{UserAgent: "UA", Cookie: "secret", Referer: client.RefererValue},
	})
	return New(c).WithLogger(logger.Discard()), srv.URL
}

func mediaHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Cookie") != "ndus=secret" || r.Header.Get("Referer") != client.RefererValue {
			t.Errorf("identity headers missing: %v", r.Header)
		}
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Content-Security-Policy", "frame-ancestors 'none'")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Connection", "X-Hop")
		w.Header().Set("X-Hop", "1")
		w.Header().Set("X-Upstream", "kept")
		if rg := r.Header.Get("Range"); rg != "" {
			w.Header().Set("Content-Range", "bytes 0-3/10")
			w.WriteHeader(http.StatusPartialContent)
			_, _ = w.Write([]byte("0123"))
			return
		}
		_, _ = w.Write([]byte("0123456789"))
	}
}

func TestDownload(t *testing.T) {
	r, base := newRelay(t, mediaHandler(t))
	sink := &countingSink{}
	r.WithCounter(sink)

	rec := httptest.NewRecorder()
	res, err := r.Download(context.Background(), rec, base+"/x", "My Clip.mp4")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}

	if rec.Code != http.StatusOK || rec.Body.String() != "0123456789" {
		t.Errorf("got %d %q", rec.Code, rec.Body.String())
	}
	if res.Bytes != 10 || !res.HeadersSent() {
		t.Errorf("result = %+v", res)
	}
	h := rec.Header()
	if got := h.Get("Content-Disposition"); got != `attachment; filename="My Clip.mp4"` {
		t.Errorf("Content-Disposition = %q", got)
	}
	if h.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS origin")
	}
	if h.Get("Content-Security-Policy") != "" || h.Get("X-Frame-Options") != "" {
		t.Error("embedding restrictions must be stripped")
	}
	if h.Get("X-Hop") != "" || h.Get("Connection") != "" {
		t.Error("hop-by-hop headers must not be forwarded")
	}
	if h.Get("X-Upstream") != "kept" || h.Get("Content-Type") != "video/mp4" {
		t.Error("end-to-end headers must be forwarded")
	}
	if sink.mode != "download" || sink.n != 10 {
		t.Errorf("counter = %+v", sink)
	}
}

func TestDownload_DefaultFilename(t *testing.T) {
	r, base := newRelay(t, mediaHandler(t))
	rec := httptest.NewRecorder()
	if _, err := r.Download(context.Background(), rec, base, ""); err != nil {
		t.Fatal(err)
	}
	if got := rec.Header().Get("Content-Disposition"); got != `attachment; filename="video.mp4"` {
		t.Errorf("Content-Disposition = %q", got)
	}
}

func TestDownload_ExtensionFromContentType(t *testing.T) {
	r, base := newRelay(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/x-matroska")
		_, _ = w.Write([]byte("mkv"))
	})
	rec := httptest.NewRecorder()
	if _, err := r.Download(context.Background(), rec, base, "episode 01"); err != nil {
		t.Fatal(err)
	}
	if got := rec.Header().Get("Content-Disposition"); got != `attachment; filename="episode 01.mkv"` {
		t.Errorf("Content-Disposition = %q", got)
	}
}

func TestStream_Range(t *testing.T) {
	r, base := newRelay(t, mediaHandler(t))
	rec := httptest.NewRecorder()

	res, err := r.Stream(context.Background(), rec, base, "bytes=0-3")
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if rec.Code != http.StatusPartialContent || res.Status != http.StatusPartialContent {
		t.Errorf("status = %d", rec.Code)
	}
	if rec.Header().Get("Content-Range") != "bytes 0-3/10" {
		t.Errorf("Content-Range = %q", rec.Header().Get("Content-Range"))
	}
	if rec.Header().Get("Accept-Ranges") != "bytes" {
		t.Error("Accept-Ranges must be bytes")
	}
	if rec.Header().Get("Content-Disposition") != "" {
		t.Error("stream must not force a download")
	}
	if rec.Body.String() != "0123" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestStream_NoRange(t *testing.T) {
	r, base := newRelay(t, mediaHandler(t))
	rec := httptest.NewRecorder()
	if _, err := r.Stream(context.Background(), rec, base, "  "); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK || rec.Body.Len() != 10 {
		t.Errorf("got %d with %d bytes", rec.Code, rec.Body.Len())
	}
}

func TestUpstreamRejection(t *testing.T) {
	reject := func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}

	tests := []struct {
		name    string
		call    func(*Relay, http.ResponseWriter, string) (Result, error)
		wantMsg string
	}{
		{"download", func(r *Relay, w http.ResponseWriter, u string) (Result, error) {
			return r.Download(context.Background(), w, u, "x.mp4")
		}, "Failed to fetch video"},
		{"stream", func(r *Relay, w http.ResponseWriter, u string) (Result, error) {
			return r.Stream(context.Background(), w, u, "")
		}, "Failed to stream video"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, base := newRelay(t, reject)
			rec := httptest.NewRecorder()
			res, err := tt.call(r, rec, base)

			if res.HeadersSent() {
				t.Error("nothing should be written on rejection")
			}
			ue, ok := errs.AsUpstream(err)
			if !ok || !errors.Is(err, errs.ErrRelay) {
				t.Fatalf("expected relay error, got %v", err)
			}
			if ue.Status != http.StatusForbidden || ue.Message != tt.wantMsg {
				t.Errorf("error = %+v", ue)
			}
		})
	}
}

func TestProxy_PassesStatusThrough(t *testing.T) {
	r, base := newRelay(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	})
	rec := httptest.NewRecorder()

	res, err := r.Proxy(context.Background(), rec, base+"/anything")
	if err != nil {
		t.Fatalf("Proxy: %v", err)
	}
	if rec.Code != http.StatusTeapot || res.Status != http.StatusTeapot {
		t.Errorf("status = %d", rec.Code)
	}
	if rec.Header().Get("X-Frame-Options") != "" {
		t.Error("X-Frame-Options must be stripped")
	}
	if !strings.Contains(rec.Body.String(), "stout") {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	r := New(nil).WithLogger(logger.Discard())
	rec := httptest.NewRecorder()
	res, err := r.Proxy(context.Background(), rec, base)
	if !errors.Is(err, errs.ErrRelay) {
		t.Fatalf("expected relay error, got %v", err)
	}
	if ue, _ := errs.AsUpstream(err); ue.Status != 0 {
		t.Errorf("transport failure should carry no status, got %d", ue.Status)
	}
	if res.HeadersSent() {
		t.Error("nothing should be written")
	}
}

func TestCopyHeaders(t *testing.T) {
	src := http.Header{
		"Connection":        {"keep-alive, X-Private"},
		"X-Private":         {"1"},
		"Transfer-Encoding": {"chunked"},
		"Content-Length":    {"10"},
	}
	dst := http.Header{"Content-Length": {"99"}, "X-Request-Id": {"abc"}}
	copyHeaders(dst, src)

	if dst.Get("Content-Length") != "10" {
		t.Errorf("upstream value should replace, got %q", dst.Get("Content-Length"))
	}
	if dst.Get("X-Request-Id") != "abc" {
		t.Error("unrelated response headers must survive")
	}
	for _, k := range []string{"Connection", "X-Private", "Transfer-Encoding"} {
		if dst.Get(k) != "" {
			t.Errorf("%s should be dropped", k)
		}
	}
}
