package auth

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

// HeaderRequestID correlates a request with its log lines.
const HeaderRequestID = "X-Request-ID"

const maxRequestIDLen = 128

type requestIDKey struct{}

// validRequestID accepts short printable ASCII ids without spaces, so a
// client-chosen id can be echoed and logged verbatim.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] <= ' ' || id[i] > '~' {
			return false
		}
	}
	return true
}

// RequestIDMiddleware tags each request with an id, reusing a well-formed
// X-Request-ID from the client and minting a time-ordered UUID otherwise.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if !validRequestID(id) {
			id = newRequestID()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func newRequestID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// GetRequestID returns the id RequestIDMiddleware assigned, or "".
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Logger returns l annotated with the request id and caller of ctx.
func Logger(ctx context.Context, l *slog.Logger) *slog.Logger {
	if id := GetRequestID(ctx); id != "" {
		l = l.With("request_id", id)
	}
	if p, err := GetPrincipal(ctx); err == nil {
		l = l.With("caller", p.Subject)
	}
	return l
}
