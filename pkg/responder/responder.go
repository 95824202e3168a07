// Package responder answers asset requests. It resolves a path to a live
// asset, a virtual redirect or rewrite, a namespace fallback or a certified
// 404, negotiates the encoding, and attaches the certificate headers that let
// a client verify the answer against the certified root.
package responder

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Mindburn-Labs/helm-assets/pkg/assets"
	"github.com/Mindburn-Labs/helm-assets/pkg/certification"
)

// AssetReader is the read side of the asset store.
type AssetReader interface {
	Get(namespace, path string) (*assets.Asset, error)
	ReadChunk(tier assets.Tier, path string, enc assets.EncodingType, ref assets.ChunkRef) ([]byte, error)
	TierOf(namespace string) assets.Tier
}

// Certifier produces the witnesses for served responses.
type Certifier interface {
	Wildcard(path string) (string, certification.Response)
	CertificateHeaders(path string, entry certification.Entry, certs certification.CertificateSource) ([]assets.HeaderField, error)
}

// Request is the part of an HTTP request the responder looks at.
type Request struct {
	Method         string
	Path           string
	Token          string
	Continuation   string
	AcceptEncoding string
	IfNoneMatch    string
}

// Response is one answer. Body holds the first chunk only; Next continues the
// body when it spans more chunks.
type Response struct {
	Status      int
	Headers     []assets.HeaderField
	Body        []byte
	TotalLength uint64
	Next        *Token
}

// Responder serves assets. It is not safe for concurrent use; callers
// serialize it together with the store and the certification tree.
type Responder struct {
	store      AssetReader
	tree       Certifier
	certs      certification.CertificateSource
	namespaces *assets.Namespaces
	logger     *slog.Logger
}

// New returns a Responder serving from store under the certification tree.
func New(store AssetReader, tree Certifier, certs certification.CertificateSource, namespaces *assets.Namespaces) *Responder {
	return &Responder{
		store:      store,
		tree:       tree,
		certs:      certs,
		namespaces: namespaces,
		logger:     slog.Default().With("component", "responder"),
	}
}

func plain(status int, headers ...assets.HeaderField) Response {
	return Response{Status: status, Headers: headers}
}

// Serve answers a request. Resolution order: live asset, redirect, rewrite,
// namespace fallback, certified 404.
func (r *Responder) Serve(req Request) (Response, error) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return plain(http.StatusMethodNotAllowed, assets.HeaderField{Name: "allow", Value: "GET, HEAD"}), nil
	}
	if req.Continuation != "" {
		tok, err := DecodeToken(req.Continuation)
		if err != nil {
			return Response{}, err
		}
		return r.Stream(tok)
	}
	path, err := assets.NormalizePath(req.Path)
	if err != nil {
		return plain(http.StatusNotFound), nil
	}

	if name, ok := r.namespaceOf(path); ok {
		a, err := r.store.Get(name, path)
		switch {
		case err == nil:
			if len(a.Encodings) > 0 {
				return r.serveAsset(req, path, a)
			}
		case !errors.Is(err, assets.ErrNotFound):
			return Response{}, err
		}
	}

	if ns, ok := r.namespaces.Resolve(path); ok {
		for _, rd := range ns.Redirects {
			if rd.From == path {
				return r.serveRedirect(path, rd)
			}
		}
		for _, rw := range ns.Rewrites {
			if rw.From != path {
				continue
			}
			target, err := r.lookup(rw.To)
			if err != nil {
				return Response{}, err
			}
			if target != nil && len(target.Encodings) > 0 {
				return r.serveAsset(req, path, target)
			}
		}
	}
	return r.serveWildcard(req, path)
}

// Stream returns the chunk a continuation token points at and the token for
// the chunk after it.
func (r *Responder) Stream(tok Token) (Response, error) {
	a, err := r.store.Get(tok.Namespace, tok.FullPath)
	if err != nil {
		if errors.Is(err, assets.ErrNotFound) {
			return Response{}, fmt.Errorf("%s: %w", tok.FullPath, assets.ErrStaleContinuation)
		}
		return Response{}, err
	}
	content, ok := a.Encodings[tok.Encoding]
	if !ok || content.SHA256 != tok.SHA256Snapshot {
		return Response{}, fmt.Errorf("%s (%s): %w", tok.FullPath, tok.Encoding, assets.ErrStaleContinuation)
	}
	n := len(content.ContentChunks)
	if int(tok.ChunkIndex) >= n {
		return Response{}, fmt.Errorf("%w: chunk %d of %d", assets.ErrInvalidArgument, tok.ChunkIndex, n)
	}
	data, err := r.store.ReadChunk(tok.Tier, tok.FullPath, tok.Encoding, content.ContentChunks[tok.ChunkIndex])
	if err != nil {
		return Response{}, err
	}
	resp := Response{Status: http.StatusOK, Body: data, TotalLength: content.TotalLength}
	if int(tok.ChunkIndex)+1 < n {
		next := tok
		next.ChunkIndex++
		resp.Next = &next
	}
	return resp, nil
}

func (r *Responder) namespaceOf(path string) (string, bool) {
	if path == assets.MetadataPath {
		return assets.MetadataNamespace, true
	}
	if ns, ok := r.namespaces.Resolve(path); ok {
		return ns.Name, true
	}
	return "", false
}

// lookup returns the live asset at path, or nil.
func (r *Responder) lookup(path string) (*assets.Asset, error) {
	name, ok := r.namespaceOf(path)
	if !ok {
		return nil, nil
	}
	a, err := r.store.Get(name, path)
	if errors.Is(err, assets.ErrNotFound) {
		return nil, nil
	}
	return a, err
}

func (r *Responder) serveAsset(req Request, path string, a *assets.Asset) (Response, error) {
	// Unlisted assets are indistinguishable from missing ones without the token.
	if a.Key.Token != nil && req.Token != *a.Key.Token {
		return plain(http.StatusNotFound), nil
	}
	enc, _ := Negotiate(a.AvailableEncodings(), req.AcceptEncoding)
	entry := certification.ExactEntry(certification.AssetResponse(a, enc))
	return r.serveContent(req, path, a, enc, entry)
}

func (r *Responder) serveRedirect(path string, rd assets.Redirect) (Response, error) {
	entry := certification.ExactEntry(certification.RedirectResponse(rd.Status, rd.To))
	certHeaders, err := r.tree.CertificateHeaders(path, entry, r.certs)
	if err != nil {
		return Response{}, err
	}
	return Response{
		Status:  rd.Status,
		Headers: append(append([]assets.HeaderField(nil), entry.Response.Headers...), certHeaders...),
	}, nil
}

func (r *Responder) serveWildcard(req Request, path string) (Response, error) {
	prefix, wr := r.tree.Wildcard(path)
	entry := certification.Entry{Wildcard: true, Prefix: prefix, Response: wr}
	if wr.Status == http.StatusOK {
		if ns, ok := r.namespaces.Resolve(prefix); ok && ns.Prefix == prefix && ns.Fallback != "" {
			fallback, err := r.lookup(ns.Fallback)
			if err != nil {
				return Response{}, err
			}
			if fallback != nil && fallback.Key.Token != nil && req.Token != *fallback.Key.Token {
				return plain(http.StatusNotFound), nil
			}
			if fallback != nil {
				if enc, ok := fallback.CanonicalEncoding(); ok {
					return r.serveContent(req, path, fallback, enc, entry)
				}
			}
		}
		r.logger.Warn("certified fallback missing from store", "prefix", prefix)
		return plain(http.StatusNotFound), nil
	}
	certHeaders, err := r.tree.CertificateHeaders(path, entry, r.certs)
	if err != nil {
		return Response{}, err
	}
	return Response{Status: wr.Status, Headers: append(append([]assets.HeaderField(nil), wr.Headers...), certHeaders...)}, nil
}

func (r *Responder) serveContent(req Request, path string, a *assets.Asset, enc assets.EncodingType, entry certification.Entry) (Response, error) {
	content := a.Encodings[enc]
	etag := assets.HeaderField{Name: "etag", Value: `"` + content.SHA256.String() + `"`}
	if etagMatches(req.IfNoneMatch, etag.Value) {
		return plain(http.StatusNotModified, etag), nil
	}

	certHeaders, err := r.tree.CertificateHeaders(path, entry, r.certs)
	if err != nil {
		return Response{}, err
	}
	headers := make([]assets.HeaderField, 0, len(entry.Response.Headers)+len(certHeaders)+1)
	headers = append(headers, entry.Response.Headers...)
	headers = append(headers, etag)
	headers = append(headers, certHeaders...)

	resp := Response{Status: entry.Response.Status, Headers: headers, TotalLength: content.TotalLength}
	if req.Method == http.MethodHead || len(content.ContentChunks) == 0 {
		return resp, nil
	}
	tier := r.store.TierOf(a.Key.Namespace)
	resp.Body, err = r.store.ReadChunk(tier, a.Key.FullPath, enc, content.ContentChunks[0])
	if err != nil {
		return Response{}, err
	}
	if len(content.ContentChunks) > 1 {
		resp.Next = &Token{
			Namespace:      a.Key.Namespace,
			FullPath:       a.Key.FullPath,
			Encoding:       enc,
			ChunkIndex:     1,
			SHA256Snapshot: content.SHA256,
			Tier:           tier,
		}
	}
	return resp, nil
}

func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == "*" || candidate == etag {
			return true
		}
	}
	return false
}
