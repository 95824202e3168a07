package server

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Mindburn-Labs/helm-assets/pkg/auth"
)

type loggedResponse struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *loggedResponse) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *loggedResponse) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *loggedResponse) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// logRequests logs one line per request. Management calls and server errors
// log at info, asset reads at debug.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggedResponse{ResponseWriter: w}
		next.ServeHTTP(lw, r)
		if lw.status == 0 {
			lw.status = http.StatusOK
		}
		level := slog.LevelDebug
		if strings.HasPrefix(r.URL.Path, "/api/") || lw.status >= http.StatusInternalServerError {
			level = slog.LevelInfo
		}
		auth.Logger(r.Context(), s.logger).Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lw.status,
			"bytes", lw.bytes,
			"duration", time.Since(start),
		)
	})
}
