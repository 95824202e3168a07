package responder

import (
	"net/http"
	"strconv"

	"github.com/Mindburn-Labs/helm-assets/pkg/assets"
)

// HeaderContinuation carries the token for the next chunk of a response
// fetched chunk by chunk.
const HeaderContinuation = "Helm-Continuation"

// RequestFromHTTP extracts the fields the responder uses.
func RequestFromHTTP(req *http.Request) Request {
	q := req.URL.Query()
	return Request{
		Method:         req.Method,
		Path:           req.URL.Path,
		Token:          q.Get("token"),
		Continuation:   q.Get("continuation"),
		AcceptEncoding: req.Header.Get("Accept-Encoding"),
		IfNoneMatch:    req.Header.Get("If-None-Match"),
	}
}

// WriteHeader writes the status line and headers of resp. contentLength is
// the number of body bytes that will follow.
func WriteHeader(w http.ResponseWriter, resp Response, contentLength uint64) {
	h := w.Header()
	for _, f := range resp.Headers {
		h.Add(f.Name, f.Value)
	}
	h.Set("Content-Length", strconv.FormatUint(contentLength, 10))
	h.Set("Vary", "Accept-Encoding")
	w.WriteHeader(resp.Status)
}

// SetContinuation advertises the next chunk of a chunk-by-chunk response.
func SetContinuation(w http.ResponseWriter, next *Token) error {
	if next == nil {
		return nil
	}
	value, err := next.Encode()
	if err != nil {
		return err
	}
	w.Header().Set(HeaderContinuation, value)
	return nil
}

// HTTPHeader converts response headers for verification.
func HTTPHeader(fields []assets.HeaderField) http.Header {
	h := make(http.Header, len(fields))
	for _, f := range fields {
		h.Add(f.Name, f.Value)
	}
	return h
}
