package server

import (
	"io"
	"net/http"
	"strconv"

	"github.com/Mindburn-Labs/helm-assets/pkg/api"
	"github.com/Mindburn-Labs/helm-assets/pkg/assets"
	"github.com/Mindburn-Labs/helm-assets/pkg/proposal"
)

// InitUploadRequest starts a batch.
type InitUploadRequest struct {
	Namespace   string  `json:"namespace"`
	FullPath    string  `json:"full_path"`
	Name        string  `json:"name,omitempty"`
	Token       *string `json:"token,omitempty"`
	Description *string `json:"description,omitempty"`
	ProposalID  *uint64 `json:"proposal_id,omitempty"`
}

// CommitBatchRequest completes a batch as one encoding.
type CommitBatchRequest struct {
	Encoding string               `json:"encoding"`
	Headers  []assets.HeaderField `json:"headers,omitempty"`
}

// CommitProposalRequest carries the hash the caller reviewed.
type CommitProposalRequest struct {
	SHA256 assets.Digest `json:"sha256"`
}

// DeleteProposalAssetsRequest names the proposals to discard.
type DeleteProposalAssetsRequest struct {
	IDs []uint64 `json:"ids"`
}

// InitUploadResponse names the new batch.
type InitUploadResponse struct {
	BatchID uint64 `json:"batch_id"`
}

// ProposalList is one page of proposals.
type ProposalList struct {
	Proposals []proposal.Proposal `json:"proposals"`
	Total     int                 `json:"total"`
}

// DeleteProposalAssetsResponse counts the proposals whose staged assets were dropped.
type DeleteProposalAssetsResponse struct {
	Deleted int `json:"deleted"`
}

func (s *Server) handleInitUpload(w http.ResponseWriter, r *http.Request) {
	c, ok := withCaller(w, r)
	if !ok {
		return
	}
	var req InitUploadRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	key := assets.AssetKey{
		Name:        req.Name,
		FullPath:    req.FullPath,
		Token:       req.Token,
		Namespace:   req.Namespace,
		Description: req.Description,
	}
	id, err := s.engine.InitUpload(r.Context(), c, key, req.ProposalID)
	if err != nil {
		api.WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, InitUploadResponse{BatchID: id})
}

func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	if _, ok := withCaller(w, r); !ok {
		return
	}
	batch, ok := pathUint(w, r, "batch", 64)
	if !ok {
		return
	}
	index, ok := pathUint(w, r, "index", 32)
	if !ok {
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxChunkBytes))
	if err != nil {
		api.WriteError(w, http.StatusRequestEntityTooLarge, "Capacity Exceeded", "Chunk body too large")
		return
	}
	ack, err := s.engine.UploadChunk(r.Context(), batch, uint32(index), data)
	if err != nil {
		api.WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (s *Server) handleCommitBatch(w http.ResponseWriter, r *http.Request) {
	if _, ok := withCaller(w, r); !ok {
		return
	}
	batch, ok := pathUint(w, r, "batch", 64)
	if !ok {
		return
	}
	var req CommitBatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Encoding == "" {
		req.Encoding = string(assets.EncodingIdentity)
	}
	enc, err := assets.ParseEncoding(req.Encoding)
	if err != nil {
		api.WriteDomainError(w, r, err)
		return
	}
	a, err := s.engine.CommitBatch(r.Context(), batch, enc, req.Headers)
	if err != nil {
		api.WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleDeleteAsset(w http.ResponseWriter, r *http.Request) {
	c, ok := withCaller(w, r)
	if !ok {
		return
	}
	path := "/" + r.PathValue("path")
	if err := s.engine.DeleteAsset(r.Context(), c, r.PathValue("namespace"), path); err != nil {
		api.WriteDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInitProposal(w http.ResponseWriter, r *http.Request) {
	c, ok := withCaller(w, r)
	if !ok {
		return
	}
	var typ proposal.Type
	if !decodeJSON(w, r, &typ) {
		return
	}
	if typ.Kind == "" {
		typ.Kind = proposal.KindAssetsUpgrade
	}
	p, err := s.engine.InitProposal(r.Context(), c, typ)
	if err != nil {
		api.WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var page proposal.Page
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			api.WriteBadRequest(w, "Invalid offset")
			return
		}
		page.Offset = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			api.WriteBadRequest(w, "Invalid limit")
			return
		}
		page.Limit = n
	}
	list, total, err := s.engine.ListProposals(r.Context(), page)
	if err != nil {
		api.WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ProposalList{Proposals: list, Total: total})
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUint(w, r, "id", 64)
	if !ok {
		return
	}
	p, err := s.engine.GetProposal(r.Context(), id)
	if err != nil {
		api.WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleSubmitProposal(w http.ResponseWriter, r *http.Request) {
	c, ok := withCaller(w, r)
	if !ok {
		return
	}
	id, ok := pathUint(w, r, "id", 64)
	if !ok {
		return
	}
	p, err := s.engine.SubmitProposal(r.Context(), c, id)
	if err != nil {
		api.WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleCommitProposal(w http.ResponseWriter, r *http.Request) {
	c, ok := withCaller(w, r)
	if !ok {
		return
	}
	id, ok := pathUint(w, r, "id", 64)
	if !ok {
		return
	}
	var req CommitProposalRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := s.engine.CommitProposal(r.Context(), c, id, req.SHA256)
	if err != nil {
		api.WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleRejectProposal(w http.ResponseWriter, r *http.Request) {
	c, ok := withCaller(w, r)
	if !ok {
		return
	}
	id, ok := pathUint(w, r, "id", 64)
	if !ok {
		return
	}
	p, err := s.engine.RejectProposal(r.Context(), c, id)
	if err != nil {
		api.WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeleteProposalAssets(w http.ResponseWriter, r *http.Request) {
	c, ok := withCaller(w, r)
	if !ok {
		return
	}
	var req DeleteProposalAssetsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.IDs) == 0 {
		api.WriteBadRequest(w, "ids is required")
		return
	}
	n, err := s.engine.DeleteProposalAssets(r.Context(), c, req.IDs)
	if err != nil {
		api.WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DeleteProposalAssetsResponse{Deleted: n})
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	c, ok := withCaller(w, r)
	if !ok {
		return
	}
	if err := s.engine.Rebuild(r.Context(), c); err != nil {
		api.WriteDomainError(w, r, err)
		return
	}
	s.handleHealth(w, r)
}
