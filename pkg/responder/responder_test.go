package responder

import (
	"crypto/ed25519"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-assets/pkg/assets"
	"github.com/Mindburn-Labs/helm-assets/pkg/certification"
	"github.com/Mindburn-Labs/helm-assets/pkg/store"
)

type env struct {
	store *store.Store
	tree  *certification.Tree
	pub   ed25519.PublicKey
	r     *Responder
}

func newEnv(t *testing.T) *env {
	t.Helper()
	reg, err := assets.NewNamespaces([]assets.Namespace{{
		Name:      "site",
		Prefix:    "/site/",
		Tier:      assets.TierFast,
		Fallback:  "/site/index.html",
		Redirects: []assets.Redirect{{From: "/site/old", To: "/site/a.txt", Status: http.StatusMovedPermanently}},
		Rewrites:  []assets.Rewrite{{From: "/site/alias", To: "/site/a.txt"}},
	}, {
		Name:   "docs",
		Prefix: "/docs/",
	}})
	require.NoError(t, err)
	db, err := store.OpenBadger("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st, err := store.New(db, reg)
	require.NoError(t, err)
	certs, err := certification.GenerateEd25519Certifier("test")
	require.NoError(t, err)
	tree := certification.New(reg, nil)
	return &env{store: st, tree: tree, pub: certs.PublicKey(), r: New(st, tree, certs, reg)}
}

// put stores an asset whose encodings map to their chunk lists.
func (e *env) put(t *testing.T, ns, path string, encodings map[assets.EncodingType][]string) *assets.Asset {
	t.Helper()
	a := &assets.Asset{
		Key:       assets.AssetKey{Name: path, FullPath: path, Namespace: ns, Owner: "alice"},
		Headers:   []assets.HeaderField{{Name: "Content-Type", Value: "text/plain"}},
		Encodings: map[assets.EncodingType]assets.AssetEncoding{},
	}
	for enc, parts := range encodings {
		chunks := make([][]byte, len(parts))
		for i, p := range parts {
			chunks[i] = []byte(p)
		}
		a.Encodings[enc] = assets.NewEncoding(chunks, time.Unix(1, 0).UTC())
		require.NoError(t, e.store.PutEncoding(a, enc, chunks))
	}
	e.tree.Insert(a)
	return a
}

func (e *env) get(t *testing.T, path string, mutate ...func(*Request)) (Response, []byte) {
	t.Helper()
	req := Request{Method: http.MethodGet, Path: path}
	for _, m := range mutate {
		m(&req)
	}
	resp, err := e.r.Serve(req)
	require.NoError(t, err)
	body := append([]byte(nil), resp.Body...)
	for next := resp.Next; next != nil; {
		chunk, err := e.r.Stream(*next)
		require.NoError(t, err)
		body = append(body, chunk.Body...)
		next = chunk.Next
	}
	return resp, body
}

func (e *env) verify(t *testing.T, path string, resp Response, body []byte) {
	t.Helper()
	require.NoError(t, certification.VerifyResponse(e.pub, path, resp.Status, HTTPHeader(resp.Headers), body))
}

func header(resp Response, name string) string {
	return HTTPHeader(resp.Headers).Get(name)
}

func TestServe_ExactAssetNegotiatesAndVerifies(t *testing.T) {
	e := newEnv(t)
	e.put(t, "site", "/site/a.txt", map[assets.EncodingType][]string{
		assets.EncodingIdentity: {"hello"},
		assets.EncodingGzip:     {"gz-hello"},
	})

	resp, body := e.get(t, "/site/a.txt", func(r *Request) { r.AcceptEncoding = "gzip, br" })
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "gzip", header(resp, "content-encoding"))
	assert.Equal(t, "gz-hello", string(body))
	e.verify(t, "/site/a.txt", resp, body)

	resp, body = e.get(t, "/site/a.txt")
	assert.Empty(t, header(resp, "content-encoding"))
	assert.Equal(t, "hello", string(body))
	e.verify(t, "/site/a.txt", resp, body)

	err := certification.VerifyResponse(e.pub, "/site/a.txt", resp.Status, HTTPHeader(resp.Headers), []byte("tampered"))
	assert.ErrorIs(t, err, certification.ErrVerification)
}

func TestServe_MultiChunkStreaming(t *testing.T) {
	e := newEnv(t)
	e.put(t, "docs", "/docs/big.bin", map[assets.EncodingType][]string{
		assets.EncodingIdentity: {"aaa", "bbb", "cc"},
	})

	resp, err := e.r.Serve(Request{Method: http.MethodGet, Path: "/docs/big.bin"})
	require.NoError(t, err)
	assert.Equal(t, "aaa", string(resp.Body))
	assert.Equal(t, uint64(8), resp.TotalLength)
	require.NotNil(t, resp.Next)
	assert.Equal(t, uint32(1), resp.Next.ChunkIndex)

	encoded, err := resp.Next.Encode()
	require.NoError(t, err)
	second, err := e.r.Serve(Request{Method: http.MethodGet, Continuation: encoded})
	require.NoError(t, err)
	assert.Equal(t, "bbb", string(second.Body))
	require.NotNil(t, second.Next)
	third, err := e.r.Stream(*second.Next)
	require.NoError(t, err)
	assert.Equal(t, "cc", string(third.Body))
	assert.Nil(t, third.Next)

	full := []byte("aaabbbcc")
	e.verify(t, "/docs/big.bin", resp, full)

	// Replacing the content invalidates outstanding tokens.
	e.put(t, "docs", "/docs/big.bin", map[assets.EncodingType][]string{assets.EncodingIdentity: {"new"}})
	_, err = e.r.Stream(*second.Next)
	assert.ErrorIs(t, err, assets.ErrStaleContinuation)

	_, err = e.r.Serve(Request{Method: http.MethodGet, Continuation: "!!!"})
	assert.ErrorIs(t, err, assets.ErrInvalidArgument)
}

func TestServe_RedirectAndRewrite(t *testing.T) {
	e := newEnv(t)
	e.put(t, "site", "/site/a.txt", map[assets.EncodingType][]string{assets.EncodingIdentity: {"target"}})

	resp, body := e.get(t, "/site/old")
	assert.Equal(t, http.StatusMovedPermanently, resp.Status)
	assert.Equal(t, "/site/a.txt", header(resp, "location"))
	assert.Empty(t, body)
	e.verify(t, "/site/old", resp, body)

	resp, body = e.get(t, "/site/alias")
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "target", string(body))
	e.verify(t, "/site/alias", resp, body)
}

func TestServe_FallbackAndNotFound(t *testing.T) {
	e := newEnv(t)
	e.put(t, "site", "/site/index.html", map[assets.EncodingType][]string{assets.EncodingIdentity: {"<app>"}})

	resp, body := e.get(t, "/site/deep/route")
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "<app>", string(body))
	e.verify(t, "/site/deep/route", resp, body)

	resp, body = e.get(t, "/docs/missing")
	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.Empty(t, body)
	e.verify(t, "/docs/missing", resp, body)

	resp, body = e.get(t, "/elsewhere")
	assert.Equal(t, http.StatusNotFound, resp.Status)
	e.verify(t, "/elsewhere", resp, body)
}

func TestServe_TokenGatedFallback(t *testing.T) {
	e := newEnv(t)
	a := e.put(t, "site", "/site/index.html", map[assets.EncodingType][]string{assets.EncodingIdentity: {"<app>"}})
	secret := "s3cret"
	a.Key.Token = &secret
	require.NoError(t, e.store.PutEncoding(a, assets.EncodingIdentity, [][]byte{[]byte("<app>")}))

	resp, body := e.get(t, "/site/deep/route")
	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.Empty(t, body)
	assert.Empty(t, resp.Headers, "uncertified like any unknown path")

	resp, body = e.get(t, "/site/deep/route", func(r *Request) { r.Token = "wrong" })
	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.Empty(t, body)

	resp, body = e.get(t, "/site/deep/route", func(r *Request) { r.Token = secret })
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "<app>", string(body))
}

func TestServe_TokenMethodsAndETag(t *testing.T) {
	e := newEnv(t)
	a := e.put(t, "docs", "/docs/a", map[assets.EncodingType][]string{assets.EncodingIdentity: {"x"}})
	secret := "s3cret"
	a.Key.Token = &secret
	require.NoError(t, e.store.PutEncoding(a, assets.EncodingIdentity, [][]byte{[]byte("x")}))

	resp, _ := e.get(t, "/docs/a")
	assert.Equal(t, http.StatusNotFound, resp.Status)
	resp, body := e.get(t, "/docs/a", func(r *Request) { r.Token = secret })
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "x", string(body))

	resp, err := e.r.Serve(Request{Method: http.MethodPost, Path: "/docs/a"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.Status)
	assert.Equal(t, "GET, HEAD", header(resp, "allow"))

	resp, err = e.r.Serve(Request{Method: http.MethodHead, Path: "/docs/a", Token: secret})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Nil(t, resp.Body)
	assert.Equal(t, uint64(1), resp.TotalLength)

	etag := header(resp, "etag")
	require.NotEmpty(t, etag)
	resp, err = e.r.Serve(Request{Method: http.MethodGet, Path: "/docs/a", Token: secret, IfNoneMatch: etag})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotModified, resp.Status)
}

func TestRequestFromHTTP(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "/site/a.txt?token=t&continuation=c", nil)
	require.NoError(t, err)
	req.Header.Set("Accept-Encoding", "gzip")
	r := RequestFromHTTP(req)
	assert.Equal(t, Request{Method: "GET", Path: "/site/a.txt", Token: "t", Continuation: "c", AcceptEncoding: "gzip"}, r)
}

func TestNegotiate(t *testing.T) {
	all := []assets.EncodingType{assets.EncodingBrotli, assets.EncodingGzip, assets.EncodingIdentity}
	cases := []struct {
		name   string
		avail  []assets.EncodingType
		accept string
		want   assets.EncodingType
	}{
		{"empty header serves identity", all, "", assets.EncodingIdentity},
		{"precedence beats header order", all, "br, gzip", assets.EncodingIdentity},
		{"identity excluded", all, "br, gzip, identity;q=0", assets.EncodingGzip},
		{"star accepts unlisted", []assets.EncodingType{assets.EncodingBrotli}, "*", assets.EncodingBrotli},
		{"star q=0 excludes identity", []assets.EncodingType{assets.EncodingIdentity, assets.EncodingGzip}, "*;q=0, gzip", assets.EncodingGzip},
		{"nothing acceptable falls back", []assets.EncodingType{assets.EncodingBrotli, assets.EncodingDeflate}, "gzip", assets.EncodingDeflate},
		{"q parsing tolerates spaces", []assets.EncodingType{assets.EncodingIdentity, assets.EncodingGzip}, "identity ; q=0.0 , GZIP", assets.EncodingGzip},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Negotiate(tc.avail, tc.accept)
			require.True(t, ok)
			assert.Equal(t, tc.want, got)
		})
	}
	_, ok := Negotiate(nil, "gzip")
	assert.False(t, ok)
}

func TestWriteHeader(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteHeader(rec, Response{Status: http.StatusOK, Headers: []assets.HeaderField{{Name: "content-type", Value: "text/plain"}}}, 5)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Content-Length"))
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
}
