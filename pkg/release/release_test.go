package release

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-assets/pkg/artifacts"
	"github.com/Mindburn-Labs/helm-assets/pkg/assets"
	"github.com/Mindburn-Labs/helm-assets/pkg/proposal"
	"github.com/Mindburn-Labs/helm-assets/pkg/store"
)

func releaseNamespaces(t *testing.T) *assets.Namespaces {
	t.Helper()
	reg, err := assets.NewNamespaces([]assets.Namespace{
		{Name: "releases", Prefix: "/releases/", ReleaseKinds: []string{"directory", "relay"}},
		{Name: "site", Prefix: "/site/"},
	})
	require.NoError(t, err)
	return reg
}

func artifact(ns, path, body string) (*assets.Asset, [][]byte) {
	chunks := [][]byte{[]byte(body)}
	return &assets.Asset{
		Key:       assets.AssetKey{Name: path, FullPath: path, Namespace: ns, Owner: "ci"},
		Headers:   []assets.HeaderField{{Name: "content-type", Value: "application/wasm"}},
		Encodings: map[assets.EncodingType]assets.AssetEncoding{assets.EncodingIdentity: assets.NewEncoding(chunks, time.Unix(1, 0).UTC())},
	}, chunks
}

func TestBuildIndex_OrdersBySemver(t *testing.T) {
	reg := releaseNamespaces(t)
	var live []*assets.Asset
	for _, p := range []string{
		"/releases/directory-v1.9.0.wasm.gz",
		"/releases/directory-v1.10.0.wasm.gz",
		"/releases/directory-v1.2.3.wasm.gz",
		"/releases/notes.txt",
	} {
		a, _ := artifact("releases", p, p)
		live = append(live, a)
	}
	idx, err := BuildIndex(reg.All(), func(ns string) ([]*assets.Asset, error) {
		if ns == "releases" {
			return live, nil
		}
		return nil, nil
	})
	require.NoError(t, err)

	dir := idx.Releases["directory"]
	assert.Equal(t, "1.10.0", dir.Latest)
	require.Len(t, dir.Versions, 3)
	assert.Equal(t, "1.9.0", dir.Versions[1].Version)
	assert.Equal(t, "1.2.3", dir.Versions[2].Version)

	relay, ok := idx.Releases["relay"]
	require.True(t, ok, "declared kinds appear even without artifacts")
	assert.Empty(t, relay.Versions)
	_, ok = idx.Latest("relay")
	assert.False(t, ok)

	latest, ok := idx.Latest("directory")
	require.True(t, ok)
	assert.Equal(t, "/releases/directory-v1.10.0.wasm.gz", latest.Path)
}

func TestBuildIndex_EncodingIsDeterministic(t *testing.T) {
	reg := releaseNamespaces(t)
	a, _ := artifact("releases", "/releases/relay-v0.1.0.wasm.gz", "x")
	list := func(string) ([]*assets.Asset, error) { return []*assets.Asset{a}, nil }
	i1, err := BuildIndex(reg.All(), list)
	require.NoError(t, err)
	i2, err := BuildIndex(reg.All(), list)
	require.NoError(t, err)
	b1, err := i1.Encode()
	require.NoError(t, err)
	b2, err := i2.Encode()
	require.NoError(t, err)
	assert.Equal(t, b1, b2)
}

type nopCert struct{}

func (nopCert) Insert(*assets.Asset) {}
func (nopCert) Remove(string)        {}

type noBatches struct{}

func (noBatches) References(uint64) bool { return false }

func TestDeployer_ReleaseUpgradeWritesIndexAndMirrors(t *testing.T) {
	ctx := context.Background()
	reg := releaseNamespaces(t)
	db, err := store.OpenBadger("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st, err := store.New(db, reg)
	require.NoError(t, err)
	mirror, err := artifacts.NewFileStore(t.TempDir())
	require.NoError(t, err)

	now := func() time.Time { return time.Unix(5000, 0).UTC() }
	coord := proposal.NewCoordinator(proposal.NewMemoryLedger(), st, nopCert{}, noBatches{}, now)
	coord.Register(proposal.KindReleaseUpgrade, NewDeployer(reg, st, mirror, now))

	p, err := coord.Init(ctx, "ci", proposal.Type{Kind: proposal.KindReleaseUpgrade, Namespace: "releases"})
	require.NoError(t, err)
	a, chunks := artifact("releases", "/releases/relay-v2.0.1.wasm.gz", "wasm-bytes")
	require.NoError(t, st.PutStagedEncoding(p.ID, a, assets.EncodingIdentity, chunks))
	p, err = coord.Submit(ctx, p.ID)
	require.NoError(t, err)
	_, err = coord.Commit(ctx, p.ID, *p.ExpectedSHA256)
	require.NoError(t, err)

	meta, err := st.Get(assets.MetadataNamespace, assets.MetadataPath)
	require.NoError(t, err)
	enc := meta.Encodings[assets.EncodingIdentity]
	var body bytes.Buffer
	for _, ref := range enc.ContentChunks {
		data, err := st.ReadChunk(st.TierOf(assets.MetadataNamespace), assets.MetadataPath, assets.EncodingIdentity, ref)
		require.NoError(t, err)
		body.Write(data)
	}
	var idx Index
	require.NoError(t, json.Unmarshal(body.Bytes(), &idx))
	assert.Equal(t, "2.0.1", idx.Releases["relay"].Latest)

	ok, err := mirror.Exists(ctx, assets.Sum([]byte("wasm-bytes")))
	require.NoError(t, err)
	assert.True(t, ok, "artifact mirrored")
	ok, err = mirror.Exists(ctx, enc.SHA256)
	require.NoError(t, err)
	assert.True(t, ok, "index mirrored")
}
