package server

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ytget/teraproxy/internal/logger"
)

const headerRequestID = "X-Request-ID"

var corsHeaders = map[string]string{
	"Access-Control-Allow-Origin":  "*",
	"Access-Control-Allow-Methods": "GET, POST, OPTIONS",
	"Access-Control-Allow-Headers": "Content-Type, Authorization",
	"Access-Control-Max-Age":       "86400",
}

func setCORS(h http.Header) {
	for k, v := range corsHeaders {
		h.Set(k, v)
	}
}

// cors answers every preflight before routing, whatever the path.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			setCORS(w.Header())
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r)
	})
}

// recoverer turns a panic into a 500 JSON response unless the response was
// already committed.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w}
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			stack := debug.Stack()
			s.log.Error("panic serving request", logger.Fields{
				"path":       r.URL.Path,
				"panic":      fmt.Sprint(rec),
				"request_id": w.Header().Get(headerRequestID),
				"stack":      string(stack),
			})
			if sw.status != 0 {
				return
			}
			body := map[string]any{"error": fmt.Sprint(rec)}
			if s.debug {
				body["stack"] = string(stack)
			}
			writeJSON(w, http.StatusInternalServerError, body)
		}()
		next.ServeHTTP(sw, r)
	})
}

// observe logs and measures every request, labeled by route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw, ok := w.(*statusWriter)
		if !ok {
			sw = &statusWriter{ResponseWriter: w}
		}
		next.ServeHTTP(sw, r)

		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		elapsed := time.Since(start)
		s.metrics.ObserveRequest(route, status, elapsed)
		s.log.Debug("request served", logger.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"route":      route,
			"status":     status,
			"bytes":      sw.bytes,
			"elapsed":    elapsed.Round(time.Millisecond).String(),
			"request_id": w.Header().Get(headerRequestID),
		})
	})
}

// statusWriter records the status and size of a response. Unwrap keeps
// http.ResponseController flushing working through it.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
