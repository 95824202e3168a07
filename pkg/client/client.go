// Package client is a typed Go client for the helm-assets management API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/helm-assets/pkg/api"
	"github.com/Mindburn-Labs/helm-assets/pkg/assets"
	"github.com/Mindburn-Labs/helm-assets/pkg/proposal"
	"github.com/Mindburn-Labs/helm-assets/pkg/server"
	"github.com/Mindburn-Labs/helm-assets/pkg/upload"
)

// APIError is returned when the server answers with a problem detail.
type APIError struct {
	Method string
	Path   string
	Status int
	api.ProblemDetail
}

func (e *APIError) Error() string {
	if e.Title == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("%s %s: %s: %s", e.Method, e.Path, e.Title, e.Detail)
}

// Client calls one helm-assets server.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithToken sets the bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.Token = token }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.HTTPClient = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.HTTPClient.Timeout = d }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Method: method, Path: path, Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr.ProblemDetail)
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	return c.do(ctx, method, path, body, "application/json", out)
}

func batchPath(id uint64) string {
	return "/api/v1/uploads/" + strconv.FormatUint(id, 10)
}

func proposalPath(id uint64) string {
	return "/api/v1/proposals/" + strconv.FormatUint(id, 10)
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) (*server.HealthResponse, error) {
	var out server.HealthResponse
	if err := c.doJSON(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// InitUpload opens a batch and returns its id.
func (c *Client) InitUpload(ctx context.Context, req server.InitUploadRequest) (uint64, error) {
	var out server.InitUploadResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/uploads", req, &out)
	return out.BatchID, err
}

// UploadChunk stores one chunk and checks the hash the server acknowledged.
func (c *Client) UploadChunk(ctx context.Context, batchID uint64, index uint32, data []byte) (*upload.ChunkAck, error) {
	var ack upload.ChunkAck
	path := batchPath(batchID) + "/chunks/" + strconv.FormatUint(uint64(index), 10)
	if err := c.do(ctx, http.MethodPut, path, bytes.NewReader(data), "application/octet-stream", &ack); err != nil {
		return nil, err
	}
	if ack.SHA256 != assets.Sum(data) {
		return nil, fmt.Errorf("chunk %d of batch %d: server stored a different hash", index, batchID)
	}
	return &ack, nil
}

// CommitBatch turns the uploaded chunks into one encoding.
func (c *Client) CommitBatch(ctx context.Context, batchID uint64, req server.CommitBatchRequest) (*assets.Asset, error) {
	var a assets.Asset
	if err := c.doJSON(ctx, http.MethodPost, batchPath(batchID)+"/commit", req, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// UploadEncoding sends one encoding of an asset in chunks of chunkSize and
// commits it.
func (c *Client) UploadEncoding(ctx context.Context, key server.InitUploadRequest, enc assets.EncodingType, data []byte, chunkSize int, headers []assets.HeaderField) (*assets.Asset, error) {
	id, err := c.InitUpload(ctx, key)
	if err != nil {
		return nil, err
	}
	for i, chunk := range assets.SplitChunks(data, chunkSize) {
		if _, err := c.UploadChunk(ctx, id, uint32(i), chunk); err != nil {
			return nil, fmt.Errorf("%s: %w", key.FullPath, err)
		}
	}
	return c.CommitBatch(ctx, id, server.CommitBatchRequest{Encoding: string(enc), Headers: headers})
}

// DeleteAsset removes a live asset.
func (c *Client) DeleteAsset(ctx context.Context, namespace, fullPath string) error {
	path := "/api/v1/assets/" + url.PathEscape(namespace) + "/" + strings.TrimPrefix(fullPath, "/")
	return c.do(ctx, http.MethodDelete, path, nil, "", nil)
}

// InitProposal opens a staging proposal.
func (c *Client) InitProposal(ctx context.Context, typ proposal.Type) (*proposal.Proposal, error) {
	var p proposal.Proposal
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/proposals", typ, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetProposal calls GET /api/v1/proposals/{id}.
func (c *Client) GetProposal(ctx context.Context, id uint64) (*proposal.Proposal, error) {
	var p proposal.Proposal
	if err := c.doJSON(ctx, http.MethodGet, proposalPath(id), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProposals returns one page of proposals in id order.
func (c *Client) ListProposals(ctx context.Context, offset, limit int) (*server.ProposalList, error) {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out server.ProposalList
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/proposals?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) proposalAction(ctx context.Context, id uint64, action string, in any) (*proposal.Proposal, error) {
	var p proposal.Proposal
	if err := c.doJSON(ctx, http.MethodPost, proposalPath(id)+"/"+action, in, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SubmitProposal freezes the staged contents and returns the hash to commit with.
func (c *Client) SubmitProposal(ctx context.Context, id uint64) (*proposal.Proposal, error) {
	return c.proposalAction(ctx, id, "submit", nil)
}

// CommitProposal applies a submitted proposal whose hash is still sum.
func (c *Client) CommitProposal(ctx context.Context, id uint64, sum assets.Digest) (*proposal.Proposal, error) {
	return c.proposalAction(ctx, id, "commit", server.CommitProposalRequest{SHA256: sum})
}

// RejectProposal calls POST /api/v1/proposals/{id}/reject.
func (c *Client) RejectProposal(ctx context.Context, id uint64) (*proposal.Proposal, error) {
	return c.proposalAction(ctx, id, "reject", nil)
}

// DeleteProposalAssets drops the staged assets of finished proposals.
func (c *Client) DeleteProposalAssets(ctx context.Context, ids []uint64) (int, error) {
	var out server.DeleteProposalAssetsResponse
	err := c.doJSON(ctx, http.MethodDelete, "/api/v1/proposals/assets", server.DeleteProposalAssetsRequest{IDs: ids}, &out)
	return out.Deleted, err
}

// Rebuild recomputes the certification tree and returns the new health.
func (c *Client) Rebuild(ctx context.Context) (*server.HealthResponse, error) {
	var out server.HealthResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/admin/rebuild", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
