// Package server exposes an asset engine over HTTP. Everything under /api/
// is the management API; every other path is served from the asset store.
package server

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Mindburn-Labs/helm-assets/pkg/api"
	"github.com/Mindburn-Labs/helm-assets/pkg/auth"
	"github.com/Mindburn-Labs/helm-assets/pkg/authz"
	"github.com/Mindburn-Labs/helm-assets/pkg/engine"
	"github.com/Mindburn-Labs/helm-assets/pkg/observability"
)

// maxJSONBody bounds management request bodies other than chunk uploads.
const maxJSONBody = 1 << 20

// Options configures a Server. Only Engine is required.
type Options struct {
	Engine *engine.Engine
	// Validator authenticates mutating API calls. Nil rejects all of them.
	Validator *auth.JWTValidator
	Limiter   api.Limiter
	Metrics   *observability.Provider
	// MaxChunkBytes bounds one chunk upload body.
	MaxChunkBytes int64
	Logger        *slog.Logger
}

type Server struct {
	engine        *engine.Engine
	maxChunkBytes int64
	handler       http.Handler
	logger        *slog.Logger
}

func New(opts Options) *Server {
	s := &Server{
		engine:        opts.Engine,
		maxChunkBytes: opts.MaxChunkBytes,
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s.logger = logger.With("component", "server")
	if s.maxChunkBytes <= 0 {
		s.maxChunkBytes = 64 << 20
	}

	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var h http.Handler = mux
	h = auth.NewMiddleware(opts.Validator)(h)
	if opts.Limiter != nil {
		h = api.RateLimit(opts.Limiter, api.ClientIP)(h)
	}
	if opts.Metrics != nil {
		h = opts.Metrics.Middleware(h)
	}
	s.handler = auth.RequestIDMiddleware(s.logRequests(h))
	return s
}

// Handler returns the root handler with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// RegisterRoutes registers the API and asset routes on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/v1/uploads", s.handleInitUpload)
	mux.HandleFunc("PUT /api/v1/uploads/{batch}/chunks/{index}", s.handleUploadChunk)
	mux.HandleFunc("POST /api/v1/uploads/{batch}/commit", s.handleCommitBatch)
	mux.HandleFunc("DELETE /api/v1/assets/{namespace}/{path...}", s.handleDeleteAsset)

	mux.HandleFunc("POST /api/v1/proposals", s.handleInitProposal)
	mux.HandleFunc("GET /api/v1/proposals", s.handleListProposals)
	mux.HandleFunc("GET /api/v1/proposals/{id}", s.handleGetProposal)
	mux.HandleFunc("POST /api/v1/proposals/{id}/submit", s.handleSubmitProposal)
	mux.HandleFunc("POST /api/v1/proposals/{id}/commit", s.handleCommitProposal)
	mux.HandleFunc("POST /api/v1/proposals/{id}/reject", s.handleRejectProposal)
	mux.HandleFunc("DELETE /api/v1/proposals/assets", s.handleDeleteProposalAssets)

	mux.HandleFunc("POST /api/v1/admin/rebuild", s.handleRebuild)

	mux.HandleFunc("/", s.handleAsset)
}

// HealthResponse reports liveness and the current certified root.
type HealthResponse struct {
	Status         string `json:"status"`
	RootHash       string `json:"root_hash"`
	PendingRebuild bool   `json:"pending_rebuild"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	root := s.engine.RootHash()
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:         "ok",
		RootHash:       hex.EncodeToString(root[:]),
		PendingRebuild: s.engine.PendingRebuild(),
	})
}

// caller converts the authenticated principal.
func caller(r *http.Request) (authz.Caller, error) {
	p, err := auth.GetPrincipal(r.Context())
	if err != nil {
		return authz.Caller{}, err
	}
	return authz.Caller{ID: p.Subject, Roles: p.Roles}, nil
}

// withCaller resolves the caller or answers 401.
func withCaller(w http.ResponseWriter, r *http.Request) (authz.Caller, bool) {
	c, err := caller(r)
	if err != nil {
		api.WriteUnauthorized(w, "Authentication required")
		return authz.Caller{}, false
	}
	return c, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		api.WriteBadRequest(w, "Invalid request body")
		return false
	}
	return true
}

func pathUint(w http.ResponseWriter, r *http.Request, name string, bits int) (uint64, bool) {
	v, err := strconv.ParseUint(r.PathValue(name), 10, bits)
	if err != nil {
		api.WriteBadRequest(w, "Invalid "+name)
		return 0, false
	}
	return v, true
}
