package server

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/ytget/teraproxy/internal/bytesize"
	"github.com/ytget/teraproxy/terabox/quality"
	"github.com/ytget/teraproxy/types"
)

const (
	defaultTitle = "Untitled"

	msgInvalidEndpoint  = "Invalid endpoint"
	msgMethodNotAllowed = "Method not allowed"
	msgMissingIDOrURL   = "Missing video ID or URL"
	msgMissingID        = "Missing video ID"
	msgMissingURL       = "Missing URL parameter"
	msgNoFile           = "No file found"
	msgNoDownload       = "Download link not available"
	msgNoStream         = "Stream not available"
	msgVideoNotFound    = "Video not found"
	msgInfoAPIFailed    = "Failed to fetch video info from API"
	msgInfoFailed       = "Failed to fetch video info"
	msgInfoHint         = "Check if the video ID is correct and the video is publicly accessible"
)

// writeJSON writes v indented by two spaces, with CORS headers.
func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		status = http.StatusInternalServerError
		b = []byte(`{"error":"failed to encode response"}`)
	}
	h := w.Header()
	h.Set("Content-Type", "application/json")
	setCORS(h)
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

type errorBody struct {
	Error string `json:"error"`
}

type statusErrorBody struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

type apiFailureBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	VideoID string `json:"video_id"`
	Hint    string `json:"hint"`
}

type logicalFailureBody struct {
	Error   string `json:"error"`
	Errno   *int   `json:"errno,omitempty"`
	Message string `json:"message"`
}

type downloadURLs struct {
	HD   *string `json:"hd"`
	SD   *string `json:"sd"`
	Fast *string `json:"fast"`
}

// infoPayload is the /info success body. Field order is part of the
// response format.
type infoPayload struct {
	Success       bool         `json:"success"`
	VideoID       string       `json:"video_id"`
	FileID        types.Flex   `json:"file_id,omitzero"`
	Title         string       `json:"title"`
	Size          int64        `json:"size"`
	SizeFormatted string       `json:"size_formatted"`
	Thumbnail     string       `json:"thumbnail,omitempty"`
	Duration      *float64     `json:"duration,omitempty"`
	Category      types.Flex   `json:"category,omitzero"`
	CreatedAt     types.Flex   `json:"created_at,omitzero"`
	ModifiedAt    types.Flex   `json:"modified_at,omitzero"`
	ShareID       types.Flex   `json:"share_id,omitzero"`
	UK            types.Flex   `json:"uk,omitzero"`
	Sign          string       `json:"sign,omitempty"`
	Timestamp     types.Flex   `json:"timestamp,omitzero"`
	DownloadURLs  downloadURLs `json:"download_urls"`
	StreamURL     string       `json:"stream_url"`
	HLSURL        string       `json:"hls_url"`
	EmbedURL      string       `json:"embed_url"`
	DLink         string       `json:"dlink,omitempty"`
	Cached        bool         `json:"cached,omitempty"`
}

func buildInfo(origin, id string, d *types.FileDescriptor, cached bool) infoPayload {
	title := d.Name
	if title == "" {
		title = defaultTitle
	}
	q := urlQuery(id)
	p := infoPayload{
		Success:       true,
		VideoID:       id,
		FileID:        d.FileID,
		Title:         title,
		Size:          d.Size,
		SizeFormatted: bytesize.FormatDefault(d.Size),
		Thumbnail:     d.Thumbnail(),
		Duration:      d.Duration,
		Category:      d.Category,
		CreatedAt:     d.CreatedAt,
		ModifiedAt:    d.ModifiedAt,
		ShareID:       d.Signing.ShareID,
		UK:            d.Signing.UK,
		Sign:          d.Signing.Sign,
		Timestamp:     d.Signing.Timestamp,
		StreamURL:     origin + "/stream?id=" + q,
		HLSURL:        origin + "/stream.m3u8?id=" + q,
		EmbedURL:      origin + "/player.html?id=" + q,
		DLink:         d.DownloadLink,
		Cached:        cached,
	}
	if d.HasDownloadLink() {
		link := func(t quality.Tier) *string {
			s := origin + "/download?id=" + q + "&quality=" + string(t)
			return &s
		}
		p.DownloadURLs = downloadURLs{HD: link(quality.HD), SD: link(quality.SD), Fast: link(quality.Fast)}
	}
	return p
}

// origin returns the scheme and host generated links are built on.
func (s *Server) origin(r *http.Request) string {
	if s.publicURL != "" {
		return s.publicURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		p, _, _ = strings.Cut(p, ",")
		if p = strings.ToLower(strings.TrimSpace(p)); p == "http" || p == "https" {
			scheme = p
		}
	}
	return scheme + "://" + r.Host
}

// urlQuery escapes an ID for use as a query value.
func urlQuery(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
