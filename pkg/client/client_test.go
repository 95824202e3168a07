package client_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-assets/pkg/assets"
	"github.com/Mindburn-Labs/helm-assets/pkg/auth"
	"github.com/Mindburn-Labs/helm-assets/pkg/authz"
	"github.com/Mindburn-Labs/helm-assets/pkg/certification"
	"github.com/Mindburn-Labs/helm-assets/pkg/client"
	"github.com/Mindburn-Labs/helm-assets/pkg/engine"
	"github.com/Mindburn-Labs/helm-assets/pkg/proposal"
	"github.com/Mindburn-Labs/helm-assets/pkg/server"
	"github.com/Mindburn-Labs/helm-assets/pkg/store"
)

type fixture struct {
	url    string
	issuer *auth.Issuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg, err := assets.NewNamespaces([]assets.Namespace{
		{Name: "site", Prefix: "/", Owners: []string{"alice"}},
	})
	require.NoError(t, err)
	db, err := store.OpenBadger("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st, err := store.New(db, reg)
	require.NoError(t, err)
	certs, err := certification.GenerateEd25519Certifier("test")
	require.NoError(t, err)
	az, err := authz.NewCELAuthorizer(nil)
	require.NoError(t, err)
	e, err := engine.New(engine.Options{
		Namespaces: reg,
		Store:      st,
		Ledger:     proposal.NewMemoryLedger(),
		Authorizer: az,
		Certs:      certs,
	})
	require.NoError(t, err)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	s := server.New(server.Options{
		Engine:    e,
		Validator: auth.NewJWTValidator(auth.NewStaticKeySet("k1", pub)),
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{url: srv.URL, issuer: auth.NewIssuer(priv, "k1", "test")}
}

func (f *fixture) client(t *testing.T, subject string, roles ...string) *client.Client {
	tok, err := f.issuer.Issue(context.Background(), subject, roles, time.Hour)
	require.NoError(t, err)
	return client.New(f.url+"/", client.WithToken(tok), client.WithTimeout(10*time.Second))
}

func fetch(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestClient_UploadAndDelete(t *testing.T) {
	f := newFixture(t)
	c := f.client(t, "alice")
	ctx := context.Background()

	headers := []assets.HeaderField{{Name: "content-type", Value: "text/plain"}}
	a, err := c.UploadEncoding(ctx, server.InitUploadRequest{Namespace: "site", FullPath: "/notes.txt"},
		assets.EncodingIdentity, []byte("hello, world"), 5, headers)
	require.NoError(t, err)
	assert.Equal(t, "/notes.txt", a.Key.FullPath)
	assert.Equal(t, "alice", a.Key.Owner)
	assert.Len(t, a.Encodings[assets.EncodingIdentity].ContentChunks, 3)

	status, body := fetch(t, f.url+"/notes.txt")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "hello, world", body)

	require.NoError(t, c.DeleteAsset(ctx, "site", "/notes.txt"))
	status, _ = fetch(t, f.url+"/notes.txt")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestClient_ProposalLifecycle(t *testing.T) {
	f := newFixture(t)
	c := f.client(t, "alice")
	ctx := context.Background()

	p, err := c.InitProposal(ctx, proposal.Type{Kind: proposal.KindAssetsUpgrade, Namespace: "site"})
	require.NoError(t, err)
	_, err = c.UploadEncoding(ctx, server.InitUploadRequest{Namespace: "site", FullPath: "/index.html", ProposalID: &p.ID},
		assets.EncodingIdentity, []byte("<p>hi</p>"), 64, nil)
	require.NoError(t, err)

	p, err = c.SubmitProposal(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, p.ExpectedSHA256)

	list, err := c.ListProposals(ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, list.Total)

	p, err = c.CommitProposal(ctx, p.ID, *p.ExpectedSHA256)
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusExecuted, p.Status)

	got, err := c.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusExecuted, got.Status)

	status, body := fetch(t, f.url+"/index.html")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "<p>hi</p>", body)

	rejected, err := c.InitProposal(ctx, proposal.Type{Kind: proposal.KindAssetsUpgrade, Namespace: "site"})
	require.NoError(t, err)
	rejected, err = c.RejectProposal(ctx, rejected.ID)
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusRejected, rejected.Status)
	n, err := c.DeleteProposalAssets(ctx, []uint64{rejected.ID})
	require.NoError(t, err)
	assert.Zero(t, n, "reject already discarded the staged assets")
}

func TestClient_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.client(t, "mallory").InitUpload(ctx, server.InitUploadRequest{Namespace: "site", FullPath: "/x"})
	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.NotEmpty(t, apiErr.Title)

	_, err = f.client(t, "alice").Rebuild(ctx)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.Status)

	health, err := f.client(t, "root", authz.RoleAdmin).Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)
	assert.Len(t, health.RootHash, 64)

	_, err = client.New(f.url).GetProposal(ctx, 99)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}
