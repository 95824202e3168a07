//go:build property
// +build property

package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-assets/pkg/assets"
	"github.com/Mindburn-Labs/helm-assets/pkg/authz"
	"github.com/Mindburn-Labs/helm-assets/pkg/certification"
	"github.com/Mindburn-Labs/helm-assets/pkg/proposal"
	"github.com/Mindburn-Labs/helm-assets/pkg/store"
)

// TestRebuildMatchesIncremental checks that certifying writes one by one and
// rebuilding from the store produce the same root.
func TestRebuildMatchesIncremental(t *testing.T) {
	reg, err := assets.NewNamespaces([]assets.Namespace{
		{Name: "site", Prefix: "/site/", Fallback: "/site/index.html"},
		{Name: "cache", Prefix: "/cache/", Tier: assets.TierFast},
	})
	require.NoError(t, err)
	certs, err := certification.GenerateEd25519Certifier("prop")
	require.NoError(t, err)
	clock := time.Unix(1, 0).UTC()

	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	properties.Property("rebuild is idempotent", prop.ForAll(
		func(names []int, deletes []bool) bool {
			db, err := store.OpenBadger("")
			if err != nil {
				return false
			}
			defer func() { _ = db.Close() }()
			st, err := store.New(db, reg)
			if err != nil {
				return false
			}
			e, err := New(Options{
				Namespaces: reg,
				Store:      st,
				Ledger:     proposal.NewMemoryLedger(),
				Authorizer: authz.AllowAll{},
				Certs:      certs,
				Now:        func() time.Time { return clock },
			})
			if err != nil {
				return false
			}
			ctx := context.Background()
			caller := authz.Caller{ID: "prop"}
			for i, n := range names {
				ns, prefix := "site", "/site/"
				if n%2 == 1 {
					ns, prefix = "cache", "/cache/"
				}
				path := fmt.Sprintf("%sf%d.txt", prefix, n%7)
				if i < len(deletes) && deletes[i] {
					_ = e.DeleteAsset(ctx, caller, ns, path)
					continue
				}
				id, err := e.InitUpload(ctx, caller, assets.AssetKey{Namespace: ns, FullPath: path}, nil)
				if err != nil {
					return false
				}
				if _, err := e.UploadChunk(ctx, id, 0, []byte(fmt.Sprint(i))); err != nil {
					return false
				}
				if _, err := e.CommitBatch(ctx, id, assets.EncodingIdentity, nil); err != nil {
					return false
				}
			}
			incremental := e.RootHash()
			if err := e.Rebuild(ctx, caller); err != nil {
				return false
			}
			first := e.RootHash()
			if err := e.Rebuild(ctx, caller); err != nil {
				return false
			}
			return incremental == first && first == e.RootHash()
		},
		gen.SliceOf(gen.IntRange(0, 20)),
		gen.SliceOf(gen.Bool()),
	))
	properties.TestingRun(t)
}
