package proposal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-assets/pkg/assets"
	"github.com/Mindburn-Labs/helm-assets/pkg/store"
)

type recordingCert struct {
	inserted []string
	removed  []string
}

func (r *recordingCert) Insert(a *assets.Asset) { r.inserted = append(r.inserted, a.Key.FullPath) }
func (r *recordingCert) Remove(path string)     { r.removed = append(r.removed, path) }

type batchRefs map[uint64]bool

func (b batchRefs) References(id uint64) bool { return b[id] }

type durableTiers struct{}

func (durableTiers) TierOf(string) assets.Tier { return assets.TierDurable }

type fixture struct {
	ctx   context.Context
	store *store.Store
	cert  *recordingCert
	refs  batchRefs
	coord *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.OpenBadger("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st, err := store.New(db, durableTiers{})
	require.NoError(t, err)
	f := &fixture{ctx: context.Background(), store: st, cert: &recordingCert{}, refs: batchRefs{}}
	clock := time.Unix(1000, 0).UTC()
	f.coord = NewCoordinator(NewMemoryLedger(), st, f.cert, f.refs, func() time.Time { return clock })
	return f
}

func testAsset(ns, path, body string) (*assets.Asset, [][]byte) {
	chunk := []byte(body)
	a := &assets.Asset{
		Key:     assets.AssetKey{Name: path, FullPath: path, Namespace: ns, Owner: "alice"},
		Headers: []assets.HeaderField{{Name: "content-type", Value: "text/plain"}},
		Encodings: map[assets.EncodingType]assets.AssetEncoding{
			assets.EncodingIdentity: {
				ContentChunks: []assets.ChunkRef{{Index: 0, Length: uint64(len(chunk)), SHA256: assets.Sum(chunk)}},
				TotalLength:   uint64(len(chunk)),
				SHA256:        assets.Sum(chunk),
				ModifiedAt:    time.Unix(1000, 0).UTC(),
			},
		},
	}
	return a, [][]byte{chunk}
}

func (f *fixture) putLive(t *testing.T, ns, path, body string) {
	t.Helper()
	a, chunks := testAsset(ns, path, body)
	require.NoError(t, f.store.PutEncoding(a, assets.EncodingIdentity, chunks))
}

func (f *fixture) stage(t *testing.T, id uint64, ns, path, body string) {
	t.Helper()
	a, chunks := testAsset(ns, path, body)
	require.NoError(t, f.store.PutStagedEncoding(id, a, assets.EncodingIdentity, chunks))
}

func livePaths(t *testing.T, st *store.Store, ns string) []string {
	t.Helper()
	list, err := st.List(ns)
	require.NoError(t, err)
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Key.FullPath)
	}
	return out
}

func TestStatus_Transitions(t *testing.T) {
	assert.True(t, StatusInitialized.CanTransition(StatusOpen))
	assert.True(t, StatusOpen.CanTransition(StatusAccepted))
	assert.True(t, StatusAccepted.CanTransition(StatusExecuted))
	assert.False(t, StatusExecuted.CanTransition(StatusOpen))
	assert.False(t, StatusRejected.CanTransition(StatusOpen))
	assert.False(t, StatusInitialized.CanTransition(StatusAccepted))
	assert.True(t, StatusExecuted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusOpen.Terminal())
}

func TestCoordinator_InitAssignsIncreasingIDs(t *testing.T) {
	f := newFixture(t)
	p1, err := f.coord.Init(f.ctx, "alice", Type{Kind: KindAssetsUpgrade, Namespace: "site"})
	require.NoError(t, err)
	p2, err := f.coord.Init(f.ctx, "alice", Type{Kind: KindAssetsUpgrade, Namespace: "site"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), p1.ID)
	assert.Equal(t, uint64(2), p2.ID)
	assert.Equal(t, StatusInitialized, p1.Status)

	_, err = f.coord.Init(f.ctx, "alice", Type{Kind: "bogus", Namespace: "site"})
	assert.ErrorIs(t, err, assets.ErrInvalidArgument)
}

func TestCoordinator_CommitPromotesAtomically(t *testing.T) {
	f := newFixture(t)
	f.putLive(t, "site", "/site/old", "old")
	p, err := f.coord.Init(f.ctx, "alice", Type{Kind: KindAssetsUpgrade, Namespace: "site", ClearExisting: true})
	require.NoError(t, err)
	f.stage(t, p.ID, "site", "/site/a", "A")
	f.stage(t, p.ID, "site", "/site/b", "B")

	p, err = f.coord.Submit(f.ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, p.ExpectedSHA256)
	assert.Equal(t, StatusOpen, p.Status)
	assert.Equal(t, []string{"/site/old"}, livePaths(t, f.store, "site"), "nothing is live before commit")

	p, err = f.coord.Commit(f.ctx, p.ID, *p.ExpectedSHA256)
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, p.Status)
	require.NotNil(t, p.ExecutedAt)
	assert.Equal(t, []string{"/site/a", "/site/b"}, livePaths(t, f.store, "site"))
	assert.ElementsMatch(t, []string{"/site/a", "/site/b"}, f.cert.inserted)
	assert.Equal(t, []string{"/site/old"}, f.cert.removed)

	staged, err := f.store.ListStaged(p.ID)
	require.NoError(t, err)
	assert.Empty(t, staged)
}

func TestCoordinator_HashMismatchFailsWithoutMutation(t *testing.T) {
	f := newFixture(t)
	f.putLive(t, "site", "/site/old", "old")
	p, err := f.coord.Init(f.ctx, "alice", Type{Kind: KindAssetsUpgrade, Namespace: "site", ClearExisting: true})
	require.NoError(t, err)
	f.stage(t, p.ID, "site", "/site/a", "A")
	_, err = f.coord.Submit(f.ctx, p.ID)
	require.NoError(t, err)

	p, err = f.coord.Commit(f.ctx, p.ID, assets.Sum([]byte("something else")))
	require.ErrorIs(t, err, assets.ErrHashMismatch)
	assert.Equal(t, StatusFailed, p.Status)
	assert.Equal(t, []string{"/site/old"}, livePaths(t, f.store, "site"))
	assert.Empty(t, f.cert.inserted)
	assert.Empty(t, f.cert.removed)

	stored, err := f.coord.Get(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stored.Status)
	assert.Equal(t, "hash mismatch", stored.Reason)

	_, err = f.coord.Commit(f.ctx, p.ID, *stored.ExpectedSHA256)
	assert.ErrorIs(t, err, assets.ErrInvalidStatus, "failed is terminal")
}

func TestCoordinator_StagedSetChangedAfterSubmit(t *testing.T) {
	f := newFixture(t)
	p, err := f.coord.Init(f.ctx, "alice", Type{Kind: KindAssetsUpgrade, Namespace: "site"})
	require.NoError(t, err)
	f.stage(t, p.ID, "site", "/site/a", "A")
	p, err = f.coord.Submit(f.ctx, p.ID)
	require.NoError(t, err)

	f.stage(t, p.ID, "site", "/site/a", "changed")
	_, err = f.coord.Commit(f.ctx, p.ID, *p.ExpectedSHA256)
	assert.ErrorIs(t, err, assets.ErrHashMismatch)
	assert.Empty(t, livePaths(t, f.store, "site"))
}

func TestCoordinator_ResubmitKeepsRecordedHash(t *testing.T) {
	f := newFixture(t)
	p, err := f.coord.Init(f.ctx, "alice", Type{Kind: KindAssetsUpgrade, Namespace: "site"})
	require.NoError(t, err)
	f.stage(t, p.ID, "site", "/site/a.html", "A")
	p, err = f.coord.Submit(f.ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, p.ExpectedSHA256)
	recorded := *p.ExpectedSHA256

	again, err := f.coord.Submit(f.ctx, p.ID)
	require.NoError(t, err, "resubmitting an unchanged set is a no-op")
	assert.Equal(t, recorded, *again.ExpectedSHA256)
	assert.Equal(t, p.Version, again.Version)

	f.stage(t, p.ID, "site", "/site/b.html", "B")
	_, err = f.coord.Submit(f.ctx, p.ID)
	assert.ErrorIs(t, err, assets.ErrInvalidStatus)

	stored, err := f.coord.Get(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, stored.Status)
	assert.Equal(t, recorded, *stored.ExpectedSHA256)

	_, err = f.coord.Commit(f.ctx, p.ID, recorded)
	assert.ErrorIs(t, err, assets.ErrHashMismatch)
	assert.Empty(t, livePaths(t, f.store, "site"), "the late addition never goes live")
}

func TestCoordinator_CommitRequiresOpen(t *testing.T) {
	f := newFixture(t)
	p, err := f.coord.Init(f.ctx, "alice", Type{Kind: KindAssetsUpgrade, Namespace: "site"})
	require.NoError(t, err)
	_, err = f.coord.Commit(f.ctx, p.ID, assets.Digest{})
	assert.ErrorIs(t, err, assets.ErrInvalidStatus)

	_, err = f.coord.Commit(f.ctx, 99, assets.Digest{})
	assert.ErrorIs(t, err, assets.ErrNotFound)
}

type failingStep struct{}

func (failingStep) PostCommit(context.Context, *store.Txn, Proposal) error {
	return errors.New("index unavailable")
}

func TestCoordinator_PostCommitFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.coord.Register(KindReleaseUpgrade, failingStep{})
	f.putLive(t, "rel", "/releases/old", "old")
	p, err := f.coord.Init(f.ctx, "alice", Type{Kind: KindReleaseUpgrade, Namespace: "rel", ClearExisting: true})
	require.NoError(t, err)
	f.stage(t, p.ID, "rel", "/releases/new", "new")
	p, err = f.coord.Submit(f.ctx, p.ID)
	require.NoError(t, err)

	p, err = f.coord.Commit(f.ctx, p.ID, *p.ExpectedSHA256)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index unavailable")
	assert.Equal(t, StatusFailed, p.Status)
	assert.Equal(t, []string{"/releases/old"}, livePaths(t, f.store, "rel"))
	assert.Empty(t, f.cert.inserted)
}

func TestCoordinator_RejectDiscardsStaged(t *testing.T) {
	f := newFixture(t)
	p, err := f.coord.Init(f.ctx, "alice", Type{Kind: KindAssetsUpgrade, Namespace: "site"})
	require.NoError(t, err)
	f.stage(t, p.ID, "site", "/site/a", "A")

	p, err = f.coord.Reject(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, p.Status)
	staged, err := f.store.ListStaged(p.ID)
	require.NoError(t, err)
	assert.Empty(t, staged)

	_, err = f.coord.Reject(f.ctx, p.ID)
	assert.ErrorIs(t, err, assets.ErrInvalidStatus)
	_, err = f.coord.Submit(f.ctx, p.ID)
	assert.ErrorIs(t, err, assets.ErrInvalidStatus)
}

func TestCoordinator_DeleteAssets(t *testing.T) {
	f := newFixture(t)
	p1, err := f.coord.Init(f.ctx, "alice", Type{Kind: KindAssetsUpgrade, Namespace: "site"})
	require.NoError(t, err)
	p2, err := f.coord.Init(f.ctx, "alice", Type{Kind: KindAssetsUpgrade, Namespace: "site"})
	require.NoError(t, err)
	f.stage(t, p1.ID, "site", "/site/a", "A")
	f.stage(t, p2.ID, "site", "/site/b", "B")

	f.refs[p2.ID] = true
	_, err = f.coord.DeleteAssets(f.ctx, []uint64{p1.ID, p2.ID})
	require.ErrorIs(t, err, assets.ErrInUse)
	staged, err := f.store.ListStaged(p1.ID)
	require.NoError(t, err)
	assert.Len(t, staged, 1, "nothing is deleted when any id is refused")

	delete(f.refs, p2.ID)
	n, err := f.coord.DeleteAssets(f.ctx, []uint64{p1.ID, p2.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCoordinator_DeleteAssetsRefusesExecuted(t *testing.T) {
	f := newFixture(t)
	p, err := f.coord.Init(f.ctx, "alice", Type{Kind: KindAssetsUpgrade, Namespace: "site"})
	require.NoError(t, err)
	f.stage(t, p.ID, "site", "/site/a", "A")
	p, err = f.coord.Submit(f.ctx, p.ID)
	require.NoError(t, err)
	_, err = f.coord.Commit(f.ctx, p.ID, *p.ExpectedSHA256)
	require.NoError(t, err)

	_, err = f.coord.DeleteAssets(f.ctx, []uint64{p.ID})
	assert.ErrorIs(t, err, assets.ErrInvalidStatus)
}

func TestCoordinator_ListPages(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		_, err := f.coord.Init(f.ctx, "alice", Type{Kind: KindAssetsUpgrade, Namespace: "site"})
		require.NoError(t, err)
	}
	page, total, err := f.coord.List(f.ctx, Page{Offset: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, uint64(2), page[0].ID)
	assert.Equal(t, uint64(3), page[1].ID)

	page, _, err = f.coord.List(f.ctx, Page{Offset: 0, Limit: 1000})
	require.NoError(t, err)
	assert.Len(t, page, 5)
}

func TestStagedHash_OrderIndependentAndContentSensitive(t *testing.T) {
	a, _ := testAsset("site", "/site/a", "A")
	b, _ := testAsset("site", "/site/b", "B")
	h1, err := StagedHash([]*assets.Asset{a, b})
	require.NoError(t, err)
	h2, err := StagedHash([]*assets.Asset{b, a})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	b2, _ := testAsset("site", "/site/b", "B2")
	h3, err := StagedHash([]*assets.Asset{a, b2})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)

	b.Headers = append(b.Headers, assets.HeaderField{Name: "cache-control", Value: "no-store"})
	h4, err := StagedHash([]*assets.Asset{a, b})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h4)

	empty, err := StagedHash(nil)
	require.NoError(t, err)
	assert.Equal(t, assets.Sum([]byte("[]")), empty)
}

func TestMemoryLedger_CounterOverflow(t *testing.T) {
	l := NewMemoryLedger()
	l.Import(MemorySnapshot{LastID: maxMemoryID})
	_, err := l.NextID(context.Background())
	assert.ErrorIs(t, err, assets.ErrCounterOverflow)
}

func TestMemoryLedger_VersionConflict(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	p := Proposal{ID: 1, Status: StatusInitialized, Version: 1}
	require.NoError(t, l.Create(ctx, p))
	p.Version = 3
	assert.ErrorIs(t, l.Update(ctx, p), ErrVersionConflict)
	p.Version = 2
	require.NoError(t, l.Update(ctx, p))
}
