package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ytget/teraproxy"
	"github.com/ytget/teraproxy/client"
	"github.com/ytget/teraproxy/internal/cache"
	"github.com/ytget/teraproxy/internal/logger"
	"github.com/ytget/teraproxy/internal/metrics"
	"github.com/ytget/teraproxy/relay"
	"github.com/ytget/teraproxy/terabox/metadata"
	"github.com/ytget/teraproxy/types"
)

const mediaBody = "hello world"

type harness struct {
	srv       *Server
	metaCalls atomic.Int32
	lastMedia atomic.Value // *http.Request
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{}

	media := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.lastMedia.Store(r)
		w.Header().Set("Content-Security-Policy", "default-src 'none'")
		w.Header().Set("X-Frame-Options", "DENY")
		if r.URL.Path == "/gone" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		http.ServeContent(w, r, "x.mp4", time.Time{}, strings.NewReader(mediaBody))
	}))
	t.Cleanup(media.Close)

	file := func(dlink string) string {
		if dlink == "" {
			return `{"server_filename":"x.mp4","size":1024,"duration":42}`
		}
		return fmt.Sprintf(`{"server_filename":"x.mp4","size":1024,"duration":42,"fs_id":99,"dlink":%q,"thumbs":{"url1":"t1","url3":"t3"}}`, dlink)
	}
	envelope := func(list string) string {
		return `{"errno":0,"list":[` + list + `],"sign":"s","timestamp":"t","shareid":1,"uk":2}`
	}
	meta := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.metaCalls.Add(1)
		var body string
		switch r.URL.Query().Get("shorturl") {
		case "ABC123":
			body = envelope(file(media.URL + "/x"))
		case "GONE":
			body = envelope(file(media.URL + "/gone"))
		case "NODLINK":
			body = envelope(file(""))
		case "NOFILE":
			body = envelope("")
		case "BAD":
			body = `{"errno":2,"errmsg":"share expired"}`
		default:
			w.WriteHeader(http.StatusBadGateway)
			_, _ = io.WriteString(w, "upstream down")
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(meta.Close)

	log := logger.Discard()
	resolver := teraproxy.NewResolver(metadata.New(meta.URL, client.New()).WithLogger(log)).
		WithCache(cache.NewMemoryStore(), time.Hour).
		WithLogger(log)
	rl := relay.New(client.NewWith(client.Config{Timeout: -1, Identity: client.DefaultIdentity()})).WithLogger(log)

	opts = append([]Option{WithLogger(log), WithMetrics(metrics.New(), "/metrics")}, opts...)
	h.srv = New(resolver, rl, opts...)
	return h
}

func (h *harness) do(t *testing.T, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	req.Host = "example.com"
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m), rec.Body.String())
	return m
}

func TestInfo_Success(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/info?id=ABC123", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, rec.Header().Get(headerRequestID))
	assert.Contains(t, rec.Body.String(), "\n  \"success\": true")

	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "ABC123", body["video_id"])
	assert.Equal(t, "x.mp4", body["title"])
	assert.EqualValues(t, 1024, body["size"])
	assert.Equal(t, "1 KB", body["size_formatted"])
	assert.Equal(t, "t3", body["thumbnail"])
	assert.EqualValues(t, 42, body["duration"])
	assert.EqualValues(t, 99, body["file_id"])
	assert.EqualValues(t, 1, body["share_id"])
	assert.EqualValues(t, 2, body["uk"])
	assert.Equal(t, "s", body["sign"])
	assert.Equal(t, "t", body["timestamp"])
	assert.Equal(t, "http://example.com/stream?id=ABC123", body["stream_url"])
	assert.Equal(t, "http://example.com/stream.m3u8?id=ABC123", body["hls_url"])
	assert.Equal(t, "http://example.com/player.html?id=ABC123", body["embed_url"])
	assert.NotContains(t, body, "cached")

	urls, ok := body["download_urls"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "http://example.com/download?id=ABC123&quality=hd", urls["hd"])
	assert.Equal(t, "http://example.com/download?id=ABC123&quality=sd", urls["sd"])
	assert.Equal(t, "http://example.com/download?id=ABC123&quality=fast", urls["fast"])
}

func TestInfo_SecondCallIsCached(t *testing.T) {
	h := newHarness(t)

	first := h.do(t, http.MethodGet, "/info?id=ABC123", nil)
	require.Equal(t, http.StatusOK, first.Code)
	second := h.do(t, http.MethodGet, "/ABC123", nil)
	require.Equal(t, http.StatusOK, second.Code)

	assert.Equal(t, true, decode(t, second)["cached"])
	assert.Equal(t, int32(1), h.metaCalls.Load())
}

func TestInfo_URLParameterWins(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/other?url=https%3A%2F%2Fteraboxapp.com%2Fs%2FABC123", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ABC123", decode(t, rec)["video_id"])
}

func TestInfo_PublicURLAndForwardedProto(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/info?id=ABC123", http.Header{"X-Forwarded-Proto": {"https"}})
	assert.Equal(t, "https://example.com/stream?id=ABC123", decode(t, rec)["stream_url"])

	h = newHarness(t, WithPublicURL("https://cdn.example.org/"))
	rec = h.do(t, http.MethodGet, "/info?id=ABC123", nil)
	assert.Equal(t, "https://cdn.example.org/stream?id=ABC123", decode(t, rec)["stream_url"])
}

func TestInfo_Failures(t *testing.T) {
	h := newHarness(t)

	t.Run("no file", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/info?id=NOFILE", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "No file found", decode(t, rec)["error"])
	})

	t.Run("logical failure", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/info?id=BAD", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, "Failed to fetch video info", body["error"])
		assert.EqualValues(t, 2, body["errno"])
		assert.Equal(t, "share expired", body["message"])
	})

	t.Run("api down", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/info?id=DOWN", nil)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, "Failed to fetch video info from API", body["error"])
		assert.Equal(t, "DOWN", body["video_id"])
		assert.Equal(t, "Check if the video ID is correct and the video is publicly accessible", body["hint"])
		assert.Contains(t, body["message"], "502")
		assert.Contains(t, body["message"], "upstream down")
	})

	t.Run("no download link", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/info?id=NODLINK", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		urls := decode(t, rec)["download_urls"].(map[string]any)
		assert.Nil(t, urls["hd"])
		assert.Contains(t, urls, "hd")
	})
}

func TestMissingParameters(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		target string
		want   string
	}{
		{"/info", "Missing video ID or URL"},
		{"/info?id=", "Missing video ID or URL"},
		{"/download", "Missing video ID"},
		{"/stream", "Missing video ID"},
		{"/stream.m3u8", "Missing video ID"},
		{"/proxy", "Missing URL parameter"},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			rec := h.do(t, http.MethodGet, tt.target, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.want, decode(t, rec)["error"])
		})
	}
	assert.Zero(t, h.metaCalls.Load())
}

func TestDownload(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/download?id=ABC123&quality=sd", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, mediaBody, rec.Body.String())
	assert.Equal(t, `attachment; filename="x.mp4"`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Header().Get("Content-Security-Policy"))
	assert.Empty(t, rec.Header().Get("X-Frame-Options"))

	upstream := h.lastMedia.Load().(*http.Request)
	q := upstream.URL.Query()
	assert.Equal(t, "s", q.Get("sign"))
	assert.Equal(t, "t", q.Get("timestamp"))
	assert.Equal(t, "sd", q.Get("quality"))
	assert.Equal(t, client.RefererValue, upstream.Header.Get("Referer"))
}

func TestDownload_FetchesFreshMetadata(t *testing.T) {
	h := newHarness(t)
	h.do(t, http.MethodGet, "/info?id=ABC123", nil)
	h.do(t, http.MethodGet, "/download?id=ABC123", nil)
	assert.Equal(t, int32(2), h.metaCalls.Load())
}

func TestDownload_UpstreamRejection(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/download?id=GONE", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "Failed to fetch video", body["error"])
	assert.EqualValues(t, http.StatusForbidden, body["status"])

	rec = h.do(t, http.MethodGet, "/stream?id=GONE", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Failed to stream video", decode(t, rec)["error"])
}

func TestMediaNotAvailable(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		target string
		want   string
	}{
		{"/download?id=NODLINK", "Download link not available"},
		{"/stream?id=NODLINK", "Stream not available"},
		{"/download?id=NOFILE", "Download link not available"},
		{"/stream?id=BAD", "Stream not available"},
		{"/stream.m3u8?id=NOFILE", "Video not found"},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			rec := h.do(t, http.MethodGet, tt.target, nil)
			assert.Equal(t, http.StatusNotFound, rec.Code)
			assert.Equal(t, tt.want, decode(t, rec)["error"])
		})
	}
}

func TestDownload_MetadataDown(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/download?id=DOWN", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "Failed to fetch Terabox info")
}

func TestStream_Range(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/stream?id=ABC123", http.Header{"Range": {"bytes=6-10"}})
	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "world", rec.Body.String())
	assert.Equal(t, "bytes 6-10/11", rec.Header().Get("Content-Range"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))

	// The query parameter overrides the header.
	rec = h.do(t, http.MethodGet, "/stream?id=ABC123&range=bytes%3D0-4", http.Header{"Range": {"bytes=6-10"}})
	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
}

func TestPlaylist(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/stream.m3u8?id=ABC123", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/vnd.apple.mpegurl", rec.Header().Get("Content-Type"))
	assert.Equal(t, "public, max-age=3600", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, "#EXTM3U\n"))
	assert.Contains(t, body, "#EXTINF:42,\nhttp://example.com/stream?id=ABC123\n")
	assert.True(t, strings.HasSuffix(body, "#EXT-X-ENDLIST"))
}

func TestProxy(t *testing.T) {
	h := newHarness(t)
	media := h.do(t, http.MethodGet, "/download?id=ABC123", nil)
	require.Equal(t, http.StatusOK, media.Code)
	target := h.lastMedia.Load().(*http.Request)
	mediaURL := "http://" + target.Host + "/gone"

	rec := h.do(t, http.MethodGet, "/proxy?url="+mediaURL, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Header().Get("X-Frame-Options"))
}

func TestRouting(t *testing.T) {
	h := newHarness(t)

	t.Run("invalid endpoint", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/a/b", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "Invalid endpoint", decode(t, rec)["error"])
	})

	t.Run("preflight", func(t *testing.T) {
		rec := h.do(t, http.MethodOptions, "/anything/at/all", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Body.String())
		assert.Equal(t, "GET, POST, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
		assert.Equal(t, "Content-Type, Authorization", rec.Header().Get("Access-Control-Allow-Headers"))
		assert.Equal(t, "86400", rec.Header().Get("Access-Control-Max-Age"))
	})

	t.Run("method not allowed", func(t *testing.T) {
		rec := h.do(t, http.MethodDelete, "/info", nil)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("home", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "text/html;charset=UTF-8", rec.Header().Get("Content-Type"))
		assert.Contains(t, rec.Body.String(), "/stream.m3u8")
	})

	t.Run("health", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/healthz", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ok", decode(t, rec)["status"])
	})

	t.Run("request id is echoed", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/healthz", http.Header{headerRequestID: {"req-1"}})
		assert.Equal(t, "req-1", rec.Header().Get(headerRequestID))
	})

	t.Run("metrics", func(t *testing.T) {
		h.do(t, http.MethodGet, "/info?id=ABC123", nil)
		rec := h.do(t, http.MethodGet, "/metrics", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `teraproxy_http_requests_total{code="200",route="/info"}`)
	})
}

type panickingResolver struct{}

func (panickingResolver) Lookup(context.Context, string) (*types.FileDescriptor, bool, error) {
	panic("boom")
}

func (panickingResolver) Fetch(context.Context, string) (*types.FileDescriptor, error) {
	panic("boom")
}

func TestRecover(t *testing.T) {
	for _, debug := range []bool{false, true} {
		t.Run(fmt.Sprintf("debug=%v", debug), func(t *testing.T) {
			srv := New(panickingResolver{}, relay.New(nil), WithLogger(logger.Discard()), WithDebug(debug))
			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/info?id=x", nil))

			assert.Equal(t, http.StatusInternalServerError, rec.Code)
			body := decode(t, rec)
			assert.Equal(t, "boom", body["error"])
			_, hasStack := body["stack"]
			assert.Equal(t, debug, hasStack)
		})
	}
}
