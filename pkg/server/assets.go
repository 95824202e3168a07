package server

import (
	"net/http"

	"github.com/Mindburn-Labs/helm-assets/pkg/api"
	"github.com/Mindburn-Labs/helm-assets/pkg/auth"
	"github.com/Mindburn-Labs/helm-assets/pkg/responder"
)

// chunkedParam asks for a chunk-by-chunk response.
const chunkedParam = "chunked"

// handleAsset serves a certified asset response. A request carrying a
// continuation token, or the chunked query flag, gets one chunk and the
// token for the next; any other request gets the whole body.
func (s *Server) handleAsset(w http.ResponseWriter, r *http.Request) {
	req := responder.RequestFromHTTP(r)
	resp, err := s.engine.Serve(r.Context(), req)
	if err != nil {
		api.WriteDomainError(w, r, err)
		return
	}

	if req.Continuation != "" || r.URL.Query().Has(chunkedParam) {
		if err := responder.SetContinuation(w, resp.Next); err != nil {
			api.WriteInternal(w, err)
			return
		}
		responder.WriteHeader(w, resp, uint64(len(resp.Body)))
		if r.Method != http.MethodHead {
			_, _ = w.Write(resp.Body)
		}
		return
	}

	length := uint64(len(resp.Body))
	if resp.Next != nil {
		length = resp.TotalLength
	}
	responder.WriteHeader(w, resp, length)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(resp.Body); err != nil {
		return
	}
	for next := resp.Next; next != nil; {
		chunk, err := s.engine.Stream(r.Context(), *next)
		if err != nil {
			// Headers are out; the short body tells the client the stream broke.
			auth.Logger(r.Context(), s.logger).Warn("asset stream interrupted", "path", req.Path, "error", err)
			return
		}
		if _, err := w.Write(chunk.Body); err != nil {
			return
		}
		next = chunk.Next
	}
}
