package httpserver

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"
)

type requestLoggerKey struct{}

// statusRecorder captures what a handler wrote so the request can be
// logged once it completes. It passes Flush and Hijack through; the
// websocket upgrade needs the latter.
type statusRecorder struct {
	http.ResponseWriter
	code    int
	written int64
}

func (rec *statusRecorder) WriteHeader(code int) {
	if rec.code == 0 {
		rec.code = code
	}
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	if rec.code == 0 {
		rec.code = http.StatusOK
	}
	n, err := rec.ResponseWriter.Write(b)
	rec.written += int64(n)
	return n, err
}

func (rec *statusRecorder) status() int {
	if rec.code == 0 {
		return http.StatusOK
	}
	return rec.code
}

func (rec *statusRecorder) Flush() {
	if flusher, ok := rec.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (rec *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rec.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("httpserver: hijacking not supported")
	}
	// A hijacked connection is the websocket upgrade.
	rec.code = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

// probePaths log their completion at Debug unless they fail.
var probePaths = map[string]struct{}{
	"/healthz":     {},
	"/api/healthz": {},
	"/readyz":      {},
	"/api/readyz":  {},
	"/metrics":     {},
}

func completionLevel(path string, status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelWarn
	case status < http.StatusBadRequest:
		if _, ok := probePaths[path]; ok {
			return slog.LevelDebug
		}
	}
	return slog.LevelInfo
}

// withRequestLogging tags every request with an id, hands handlers a
// logger carrying it and logs one line when the handler returns.
func (s *Server) withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attrs := []any{"req_id", s.requestIDs.Add(1), "method", r.Method, "path", r.URL.Path}
		if r.RemoteAddr != "" {
			attrs = append(attrs, "remote_addr", r.RemoteAddr)
		}
		logger := s.logger.With(attrs...)

		rec := &statusRecorder{ResponseWriter: w}
		started := time.Now()
		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), requestLoggerKey{}, logger)))

		status := rec.status()
		logger.Log(r.Context(), completionLevel(r.URL.Path, status), "request complete",
			"status", status,
			"duration", time.Since(started),
			"bytes", rec.written,
		)
	})
}

func (s *Server) loggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(requestLoggerKey{}).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return s.logger
}
