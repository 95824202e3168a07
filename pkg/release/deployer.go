package release

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/helm-assets/pkg/artifacts"
	"github.com/Mindburn-Labs/helm-assets/pkg/assets"
	"github.com/Mindburn-Labs/helm-assets/pkg/proposal"
	"github.com/Mindburn-Labs/helm-assets/pkg/store"
)

const indexChunkSize = 1 << 20

// Deployer runs the release_upgrade post-commit step: it rewrites the index at
// assets.MetadataPath inside the promotion transaction and, once the
// promotion is live, copies new artifacts to the mirror.
type Deployer struct {
	namespaces *assets.Namespaces
	store      *store.Store
	mirror     artifacts.Store
	now        func() time.Time
	logger     *slog.Logger
}

// NewDeployer builds the release step. mirror may be nil.
func NewDeployer(namespaces *assets.Namespaces, st *store.Store, mirror artifacts.Store, now func() time.Time) *Deployer {
	if now == nil {
		now = time.Now
	}
	return &Deployer{
		namespaces: namespaces,
		store:      st,
		mirror:     mirror,
		now:        now,
		logger:     slog.Default().With("component", "release"),
	}
}

// PostCommit recomputes the index from the state the transaction will leave
// behind and stores it as the metadata asset.
func (d *Deployer) PostCommit(ctx context.Context, tx *store.Txn, p proposal.Proposal) error {
	idx, err := BuildIndex(d.namespaces.All(), tx.List)
	if err != nil {
		return err
	}
	a, chunks, err := d.indexAsset(idx)
	if err != nil {
		return err
	}
	tx.PutAsset(a, map[assets.EncodingType][][]byte{assets.EncodingIdentity: chunks})
	d.logger.InfoContext(ctx, "release index updated", "proposal", p.ID, "kinds", len(idx.Releases))
	return nil
}

func (d *Deployer) indexAsset(idx Index) (*assets.Asset, [][]byte, error) {
	body, err := idx.Encode()
	if err != nil {
		return nil, nil, fmt.Errorf("encode release index: %w", err)
	}
	now := d.now()
	created := now
	prev, err := d.store.Get(assets.MetadataNamespace, assets.MetadataPath)
	switch {
	case err == nil:
		created = prev.CreatedAt
	case !errors.Is(err, assets.ErrNotFound):
		return nil, nil, err
	}
	chunks := assets.SplitChunks(body, indexChunkSize)
	a := &assets.Asset{
		Key: assets.AssetKey{
			Name:      "assets.json",
			FullPath:  assets.MetadataPath,
			Namespace: assets.MetadataNamespace,
			Owner:     "system",
		},
		Headers: []assets.HeaderField{
			{Name: "content-type", Value: "application/json"},
			{Name: "cache-control", Value: "no-cache"},
		},
		Encodings: map[assets.EncodingType]assets.AssetEncoding{
			assets.EncodingIdentity: assets.NewEncoding(chunks, now),
		},
		CreatedAt: created,
		UpdatedAt: now,
	}
	return a, chunks, nil
}

// Published copies every artifact the proposal made live, and the new index,
// to the mirror. Failures are logged; the promotion already happened.
func (d *Deployer) Published(ctx context.Context, p proposal.Proposal, changes []store.Change) {
	if d.mirror == nil {
		return
	}
	mirrored := 0
	for _, ch := range changes {
		if ch.Asset == nil || !d.mirrors(ch) {
			continue
		}
		if err := d.copy(ctx, ch.Asset); err != nil {
			d.logger.WarnContext(ctx, "mirror upload failed", "proposal", p.ID, "path", ch.Path, "error", err)
			continue
		}
		mirrored++
	}
	d.logger.InfoContext(ctx, "release artifacts mirrored", "proposal", p.ID, "count", mirrored)
}

func (d *Deployer) mirrors(ch store.Change) bool {
	if ch.Path == assets.MetadataPath {
		return true
	}
	ns, err := d.namespaces.Get(ch.Namespace)
	return err == nil && ns.IsRelease()
}

func (d *Deployer) copy(ctx context.Context, a *assets.Asset) error {
	enc, ok := a.CanonicalEncoding()
	if !ok {
		return nil
	}
	content := a.Encodings[enc]
	var buf bytes.Buffer
	for _, ref := range content.ContentChunks {
		data, err := d.store.ReadChunk(d.store.TierOf(a.Key.Namespace), a.Key.FullPath, enc, ref)
		if err != nil {
			return err
		}
		buf.Write(data)
	}
	return d.mirror.Put(ctx, content.SHA256, buf.Bytes())
}
