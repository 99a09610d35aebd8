package server

import (
	_ "embed"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ytget/teraproxy/errs"
	"github.com/ytget/teraproxy/internal/logger"
	"github.com/ytget/teraproxy/playlist"
	"github.com/ytget/teraproxy/relay"
	"github.com/ytget/teraproxy/terabox/quality"
	"github.com/ytget/teraproxy/terabox/shareid"
	"github.com/ytget/teraproxy/terabox/signlink"
	"github.com/ytget/teraproxy/types"
)

//go:embed home.html
var homePage []byte

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Content-Type", "text/html;charset=UTF-8")
	setCORS(h)
	_, _ = w.Write(homePage)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleInfo serves /info and /{id}. A url query parameter wins over both the
// path segment and the id parameter.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := chi.URLParam(r, "id")
	if id == "" {
		id = q.Get("id")
	}
	if u := q.Get("url"); u != "" {
		id = shareid.Extract(u)
	}
	id = strings.TrimSpace(id)
	if id == "" {
		writeError(w, http.StatusBadRequest, msgMissingIDOrURL)
		return
	}

	d, cached, err := s.resolver.Lookup(r.Context(), id)
	if err != nil {
		ue, ok := errs.AsUpstream(err)
		switch {
		case errors.Is(err, errs.ErrUpstreamTransport), errors.Is(err, errs.ErrUpstreamFormat):
			writeJSON(w, http.StatusInternalServerError, apiFailureBody{
				Error:   msgInfoAPIFailed,
				Message: upstreamMessage(err),
				VideoID: id,
				Hint:    msgInfoHint,
			})
		case ok && errors.Is(err, errs.ErrUpstreamLogical):
			body := logicalFailureBody{Error: msgInfoFailed, Message: ue.Message}
			if ue.Code != 0 {
				code := ue.Code
				body.Errno = &code
			}
			writeJSON(w, http.StatusNotFound, body)
		case errors.Is(err, errs.ErrNotFound):
			writeError(w, http.StatusNotFound, msgNoFile)
		default:
			s.fail(w, r, err)
		}
		return
	}

	writeJSON(w, http.StatusOK, buildInfo(s.origin(r), id, d, cached))
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, msgMissingID)
		return
	}
	d, link, ok := s.mediaLink(w, r, id, msgNoDownload)
	if !ok {
		return
	}
	res, err := s.relay.Download(r.Context(), w, link, d.Name)
	s.relayDone(w, r, res, err)
}

// handleStream forwards a byte range taken from the range query parameter,
// or else from the Range header.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := strings.TrimSpace(q.Get("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, msgMissingID)
		return
	}
	_, link, ok := s.mediaLink(w, r, id, msgNoStream)
	if !ok {
		return
	}
	rng := q.Get("range")
	if rng == "" {
		rng = r.Header.Get("Range")
	}
	res, err := s.relay.Stream(r.Context(), w, link, rng)
	s.relayDone(w, r, res, err)
}

func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, msgMissingID)
		return
	}
	d, ok := s.fetch(w, r, id, msgVideoNotFound)
	if !ok {
		return
	}
	body := playlist.Build(s.origin(r)+"/stream?id="+urlQuery(id), d.Duration)

	h := w.Header()
	h.Set("Content-Type", playlist.ContentType)
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Cache-Control", playlist.CacheControl)
	h.Set("Content-Length", strconv.Itoa(len(body)))
	_, _ = w.Write([]byte(body))
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if target == "" {
		writeError(w, http.StatusBadRequest, msgMissingURL)
		return
	}
	res, err := s.relay.Proxy(r.Context(), w, target)
	s.relayDone(w, r, res, err)
}

// fetch asks upstream for fresh metadata. Logical and not-found failures
// become a 404 with notFound as message.
func (s *Server) fetch(w http.ResponseWriter, r *http.Request, id, notFound string) (*types.FileDescriptor, bool) {
	d, err := s.resolver.Fetch(r.Context(), id)
	switch {
	case err == nil:
		return d, true
	case errors.Is(err, errs.ErrUpstreamLogical), errors.Is(err, errs.ErrNotFound):
		writeError(w, http.StatusNotFound, notFound)
	case errors.Is(err, errs.ErrUpstreamTransport), errors.Is(err, errs.ErrUpstreamFormat):
		s.fail(w, r, errors.New(upstreamMessage(err)))
	default:
		s.fail(w, r, err)
	}
	return nil, false
}

// mediaLink fetches metadata and signs the download link for the requested tier.
func (s *Server) mediaLink(w http.ResponseWriter, r *http.Request, id, notFound string) (*types.FileDescriptor, string, bool) {
	d, ok := s.fetch(w, r, id, notFound)
	if !ok {
		return nil, "", false
	}
	if !d.HasDownloadLink() {
		writeError(w, http.StatusNotFound, notFound)
		return nil, "", false
	}
	link, err := signlink.ForDescriptor(d, quality.Parse(r.URL.Query().Get("quality")))
	if err != nil {
		s.fail(w, r, err)
		return nil, "", false
	}
	return d, link, true
}

// relayDone reports relay failures. Upstream rejections keep their status;
// once the body has started only logging is possible.
func (s *Server) relayDone(w http.ResponseWriter, r *http.Request, res relay.Result, err error) {
	if err == nil {
		return
	}
	if res.HeadersSent() {
		s.log.Debug("relay ended early", logger.Fields{"path": r.URL.Path, "error": err.Error()})
		return
	}
	if ue, ok := errs.AsUpstream(err); ok && ue.Status != 0 {
		writeJSON(w, ue.Status, statusErrorBody{Error: ue.Message, Status: ue.Status})
		return
	}
	s.fail(w, r, err)
}

// fail writes the catch-all 500 response.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	msg := err.Error()
	if ue, ok := errs.AsUpstream(err); ok {
		msg = ue.Message
	}
	s.log.Error("request failed", logger.Fields{
		"path":       r.URL.Path,
		"error":      err.Error(),
		"request_id": w.Header().Get(headerRequestID),
	})
	writeError(w, http.StatusInternalServerError, msg)
}

// upstreamMessage renders a metadata failure the way clients expect to read it.
func upstreamMessage(err error) string {
	ue, ok := errs.AsUpstream(err)
	if !ok {
		return "Failed to fetch Terabox info: " + err.Error()
	}
	msg := ue.Message
	if ue.Status != 0 {
		msg += ": " + strconv.Itoa(ue.Status)
		if ue.Snippet != "" {
			msg += " - " + ue.Snippet
		}
	} else if ue.Snippet != "" {
		msg += ": " + ue.Snippet
	}
	return "Failed to fetch Terabox info: " + msg
}
