package assets

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNamespaces(t *testing.T) *Namespaces {
	t.Helper()
	reg, err := NewNamespaces([]Namespace{
		{Name: "site", Prefix: "/", Tier: TierFast},
		{Name: "releases", Prefix: "/releases/", Tier: TierDurable, ReleaseKinds: []string{"satellite", "orbiter"}},
	})
	require.NoError(t, err)
	return reg
}

func TestNormalizePath(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "/index.html", want: "/index.html"},
		{in: "/", want: "/"},
		{in: "/docs/", want: "/docs/"},
		{in: "/café.html", want: "/café.html"},
		{in: "index.html", wantErr: true},
		{in: "", wantErr: true},
		{in: "/a//b", wantErr: true},
		{in: "/a/../b", wantErr: true},
		{in: "/a/./b", wantErr: true},
		{in: "/a?b", wantErr: true},
		{in: "/a\x00b", wantErr: true},
	}
	for _, tc := range cases {
		got, err := NormalizePath(tc.in)
		if tc.wantErr {
			assert.ErrorIs(t, err, ErrInvalidPath, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
	}
}

func TestNamespaces_Resolve(t *testing.T) {
	reg := testNamespaces(t)

	ns, ok := reg.Resolve("/releases/satellite-v1.0.0.wasm.gz")
	require.True(t, ok)
	assert.Equal(t, "releases", ns.Name)

	ns, ok = reg.Resolve("/releases")
	require.True(t, ok)
	assert.Equal(t, "releases", ns.Name)

	ns, ok = reg.Resolve("/index.html")
	require.True(t, ok)
	assert.Equal(t, "site", ns.Name)

	assert.Equal(t, TierDurable, reg.TierOf("releases"))
	assert.Equal(t, TierFast, reg.TierOf("site"))
}

func TestNamespaces_ValidateWritePath(t *testing.T) {
	reg := testNamespaces(t)

	p, err := reg.ValidateWritePath("releases", "/releases/satellite-v1.2.3.wasm.gz")
	require.NoError(t, err)
	assert.Equal(t, "/releases/satellite-v1.2.3.wasm.gz", p)

	_, err = reg.ValidateWritePath("releases", "/releases/mission-v1.2.3.wasm.gz")
	assert.ErrorIs(t, err, ErrInvalidPath)

	_, err = reg.ValidateWritePath("releases", "/releases/satellite-v1.2.wasm.gz")
	assert.ErrorIs(t, err, ErrInvalidPath)

	_, err = reg.ValidateWritePath("site", "/releases/satellite-v1.2.3.wasm.gz")
	assert.ErrorIs(t, err, ErrInvalidPath, "path belongs to the releases namespace")

	_, err = reg.ValidateWritePath("site", MetadataPath)
	assert.ErrorIs(t, err, ErrInvalidPath)

	_, err = reg.ValidateWritePath("missing", "/x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewNamespaces_Rejects(t *testing.T) {
	_, err := NewNamespaces([]Namespace{{Name: "a", Prefix: "/"}, {Name: "b", Prefix: "/"}})
	assert.Error(t, err)

	_, err = NewNamespaces([]Namespace{{Name: "a", Prefix: "/x"}})
	assert.Error(t, err)

	_, err = NewNamespaces([]Namespace{{Name: "a", Prefix: "/", Tier: "cold"}})
	assert.Error(t, err)

	_, err = NewNamespaces([]Namespace{{Name: "a", Prefix: "/", Redirects: []Redirect{{From: "/old", To: "/new", Status: 200}}}})
	assert.Error(t, err)
}

func TestAssetEncoding_Validate(t *testing.T) {
	enc := AssetEncoding{
		ContentChunks: []ChunkRef{{Index: 0, Length: 3}, {Index: 1, Length: 2}},
		TotalLength:   5,
	}
	require.NoError(t, enc.Validate())

	enc.TotalLength = 6
	assert.Error(t, enc.Validate())

	enc = AssetEncoding{ContentChunks: []ChunkRef{{Index: 0, Length: 1}, {Index: 2, Length: 1}}, TotalLength: 2}
	err := enc.Validate()
	var missing *MissingChunkError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, uint32(1), missing.Index)
	assert.ErrorIs(t, err, ErrMissingChunk)
}

func TestAsset_AvailableEncodingsFollowPrecedence(t *testing.T) {
	a := &Asset{Encodings: map[EncodingType]AssetEncoding{
		EncodingBrotli:   {},
		EncodingIdentity: {},
		EncodingGzip:     {},
	}}
	assert.Equal(t, []EncodingType{EncodingIdentity, EncodingGzip, EncodingBrotli}, a.AvailableEncodings())

	enc, ok := a.CanonicalEncoding()
	require.True(t, ok)
	assert.Equal(t, EncodingIdentity, enc)

	clone := a.Clone()
	delete(clone.Encodings, EncodingIdentity)
	assert.Len(t, a.Encodings, 3)
}

func TestDigest_TextRoundTrip(t *testing.T) {
	d := Sum([]byte("hello"))
	text, err := d.MarshalText()
	require.NoError(t, err)

	var back Digest
	require.NoError(t, back.UnmarshalText(append([]byte("sha256:"), text...)))
	assert.Equal(t, d, back)

	_, err = ParseDigest("abc")
	assert.Error(t, err)
}
