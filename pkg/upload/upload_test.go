package upload

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-assets/pkg/assets"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newManager(limits Limits) (*Manager, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewManager(limits, clock.Now), clock
}

var key = assets.AssetKey{Name: "index.html", FullPath: "/index.html", Namespace: "site", Owner: "alice"}

func TestManager_ChunksOutOfOrder(t *testing.T) {
	m, clock := newManager(DefaultLimits())
	b, err := m.Create(key, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), b.ID)

	_, err = m.PutChunk(b.ID, 2, []byte("c"))
	require.NoError(t, err)
	_, err = m.PutChunk(b.ID, 0, []byte("a"))
	require.NoError(t, err)
	ack, err := m.PutChunk(b.ID, 1, []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, assets.Sum([]byte("b")), ack.SHA256)

	enc, data, err := Assemble(b, assets.EncodingIdentity, clock.Now())
	require.NoError(t, err)
	require.NoError(t, enc.Validate())
	assert.Equal(t, uint64(3), enc.TotalLength)
	assert.Equal(t, assets.Sum([]byte("abc")), enc.SHA256)
	assert.Equal(t, []byte("abc"), bytes.Join(data, nil))
}

func TestManager_GapIsMissingChunk(t *testing.T) {
	m, clock := newManager(DefaultLimits())
	b, err := m.Create(key, nil)
	require.NoError(t, err)

	_, _, err = Assemble(b, assets.EncodingIdentity, clock.Now())
	var missing *assets.MissingChunkError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, uint32(0), missing.Index)

	_, err = m.PutChunk(b.ID, 0, []byte("a"))
	require.NoError(t, err)
	_, err = m.PutChunk(b.ID, 2, []byte("c"))
	require.NoError(t, err)

	_, _, err = Assemble(b, assets.EncodingIdentity, clock.Now())
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, uint32(1), missing.Index)
	assert.ErrorIs(t, err, assets.ErrMissingChunk)
}

func TestManager_ExpiryWithoutChunks(t *testing.T) {
	m, clock := newManager(DefaultLimits())
	b, err := m.Create(key, nil)
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)

	_, err = m.PutChunk(b.ID, 0, []byte("late"))
	assert.ErrorIs(t, err, assets.ErrExpired)
	_, err = m.Get(b.ID)
	assert.ErrorIs(t, err, assets.ErrExpired, "expired batches stay expired")

	_, err = m.Get(999)
	assert.ErrorIs(t, err, assets.ErrNotFound)
}

func TestManager_SweepReleasesExpiredChunks(t *testing.T) {
	m, clock := newManager(DefaultLimits())
	old, err := m.Create(key, nil)
	require.NoError(t, err)
	_, err = m.PutChunk(old.ID, 0, []byte("data"))
	require.NoError(t, err)

	clock.Advance(time.Hour)
	_, err = m.Create(key, nil)
	require.NoError(t, err)

	assert.Nil(t, old.Chunks)
	_, err = m.Get(old.ID)
	assert.ErrorIs(t, err, assets.ErrExpired)
}

func TestManager_Limits(t *testing.T) {
	m, _ := newManager(Limits{TTL: time.Minute, MaxChunkSize: 4, MaxAssetSize: 6, MaxActive: 1})
	b, err := m.Create(key, nil)
	require.NoError(t, err)

	_, err = m.PutChunk(b.ID, 0, []byte("12345"))
	assert.ErrorIs(t, err, assets.ErrCapacityExceeded)

	_, err = m.PutChunk(b.ID, 0, []byte("1234"))
	require.NoError(t, err)
	_, err = m.PutChunk(b.ID, 1, []byte("567"))
	assert.ErrorIs(t, err, assets.ErrCapacityExceeded)

	// Re-uploading an index replaces its bytes in the running total.
	_, err = m.PutChunk(b.ID, 0, []byte("12"))
	require.NoError(t, err)
	_, err = m.PutChunk(b.ID, 1, []byte("3456"))
	require.NoError(t, err)
	assert.Equal(t, uint64(6), b.Bytes)

	_, err = m.Create(key, nil)
	assert.ErrorIs(t, err, assets.ErrCapacityExceeded)
}

func TestManager_ReferencesProposal(t *testing.T) {
	m, clock := newManager(DefaultLimits())
	pid := uint64(4)
	b, err := m.Create(key, &pid)
	require.NoError(t, err)

	assert.True(t, m.References(4))
	assert.False(t, m.References(5))

	clock.Advance(time.Hour)
	assert.False(t, m.References(4), "expired batches do not pin a proposal")

	m.Remove(b.ID)
	_, err = m.Get(b.ID)
	assert.ErrorIs(t, err, assets.ErrNotFound)
}

func TestManager_ExportImport(t *testing.T) {
	m, clock := newManager(DefaultLimits())
	b, err := m.Create(key, nil)
	require.NoError(t, err)
	_, err = m.PutChunk(b.ID, 0, []byte("x"))
	require.NoError(t, err)

	restored := NewManager(DefaultLimits(), clock.Now)
	restored.Import(m.Export())

	got, err := restored.Get(b.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got.Chunks[0])

	next, err := restored.Create(key, nil)
	require.NoError(t, err)
	assert.Equal(t, b.ID+1, next.ID, "ids are never reused after restore")
}

func TestAssemble_GzipFraming(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte("<html></html>"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	b := &Batch{Chunks: map[uint32][]byte{0: buf.Bytes()}}
	_, _, err = Assemble(b, assets.EncodingGzip, time.Now())
	require.NoError(t, err)

	b = &Batch{Chunks: map[uint32][]byte{0: []byte("not gzip")}}
	_, _, err = Assemble(b, assets.EncodingGzip, time.Now())
	assert.ErrorIs(t, err, assets.ErrInvalidEncoding)

	_, _, err = Assemble(b, "zstd", time.Now())
	assert.ErrorIs(t, err, assets.ErrInvalidEncoding)
}

func TestAssemble_GzipHeaderSpansChunks(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte("<html></html>"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	stream := buf.Bytes()

	b := &Batch{Chunks: map[uint32][]byte{0: stream[:4], 1: stream[4:7], 2: stream[7:]}}
	enc, ordered, err := Assemble(b, assets.EncodingGzip, time.Now())
	require.NoError(t, err)
	assert.Len(t, ordered, 3)
	assert.Equal(t, uint64(len(stream)), enc.TotalLength)

	b = &Batch{Chunks: map[uint32][]byte{0: stream[:4]}}
	_, _, err = Assemble(b, assets.EncodingGzip, time.Now())
	assert.ErrorIs(t, err, assets.ErrInvalidEncoding, "a truncated header is still rejected")
}

func TestMerge(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	identity := assets.AssetEncoding{TotalLength: 1}
	a := Merge(nil, key, assets.EncodingIdentity, identity, []assets.HeaderField{{Name: "content-type", Value: "text/html"}}, now)
	assert.Equal(t, now, a.CreatedAt)

	later := now.Add(time.Minute)
	b := Merge(a, key, assets.EncodingGzip, assets.AssetEncoding{TotalLength: 2}, nil, later)
	assert.Len(t, b.Encodings, 2)
	assert.Empty(t, b.Headers)
	assert.Equal(t, now, b.CreatedAt)
	assert.Equal(t, later, b.UpdatedAt)
	assert.Len(t, a.Encodings, 1, "merge does not mutate its input")
}

func TestManager_SweepDropsOldHeaders(t *testing.T) {
	m, clock := newManager(DefaultLimits())
	b, err := m.Create(key, nil)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	assert.Equal(t, 1, m.Sweep())
	_, err = m.Get(b.ID)
	assert.ErrorIs(t, err, assets.ErrExpired)

	assert.Equal(t, 0, m.Sweep())
	_, err = m.Get(b.ID)
	assert.ErrorIs(t, err, assets.ErrNotFound)
}
