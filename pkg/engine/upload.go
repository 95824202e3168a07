package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/helm-assets/pkg/assets"
	"github.com/Mindburn-Labs/helm-assets/pkg/authz"
	"github.com/Mindburn-Labs/helm-assets/pkg/upload"
)

// InitUpload opens a batch for draft. With a proposal id the batch stages
// into that proposal, which must still accept uploads and belong to caller.
// Release namespaces only accept staged uploads.
func (e *Engine) InitUpload(ctx context.Context, caller authz.Caller, draft assets.AssetKey, proposalID *uint64) (uint64, error) {
	ns, err := e.authorize(ctx, caller, draft.Namespace, authz.ActionWrite)
	if err != nil {
		return 0, err
	}
	if proposalID == nil && ns.IsRelease() {
		return 0, fmt.Errorf("%w: namespace %s changes only through release proposals", assets.ErrInvalidPath, ns.Name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	path, err := e.namespaces.ValidateWritePath(draft.Namespace, draft.FullPath)
	if err != nil {
		return 0, err
	}
	if proposalID != nil {
		p, err := e.coord.Get(ctx, *proposalID)
		if err != nil {
			return 0, err
		}
		if !p.Status.Staging() {
			return 0, fmt.Errorf("proposal %d is %s: %w", p.ID, p.Status, assets.ErrInvalidStatus)
		}
		if p.Owner != caller.ID {
			return 0, fmt.Errorf("%w: proposal %d belongs to %s", assets.ErrPermissionDenied, p.ID, p.Owner)
		}
		if p.Type.Namespace != draft.Namespace {
			return 0, fmt.Errorf("%w: proposal %d targets namespace %s", assets.ErrInvalidArgument, p.ID, p.Type.Namespace)
		}
	}

	key := draft
	key.FullPath = path
	key.Owner = caller.ID
	if key.Name == "" {
		segs := assets.Segments(path)
		key.Name = segs[len(segs)-1]
	}
	b, err := e.batches.Create(key, proposalID)
	if err != nil {
		return 0, err
	}
	e.logger.InfoContext(ctx, "upload started", "batch", b.ID, "namespace", key.Namespace, "path", path, "staged", proposalID != nil)
	return b.ID, nil
}

// UploadChunk stores one chunk of a batch.
func (e *Engine) UploadChunk(ctx context.Context, batchID uint64, index uint32, data []byte) (upload.ChunkAck, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ack, err := e.batches.PutChunk(batchID, index, data)
	if err != nil {
		return upload.ChunkAck{}, err
	}
	if b, err := e.batches.Get(batchID); err == nil {
		e.metrics.RecordUpload(ctx, b.Key.Namespace, len(data))
	}
	return ack, nil
}

// CommitBatch assembles the batch into one encoding and merges it into the
// asset at the batch key, live or staged. Live writes are certified at once.
func (e *Engine) CommitBatch(ctx context.Context, batchID uint64, enc assets.EncodingType, headers []assets.HeaderField) (*assets.Asset, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, err := e.batches.Get(batchID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	encoding, chunks, err := upload.Assemble(b, enc, now)
	if err != nil {
		return nil, fmt.Errorf("commit batch %d: %w", batchID, err)
	}

	var a *assets.Asset
	if b.ProposalID != nil {
		a, err = e.commitStaged(ctx, b, enc, encoding, chunks, headers)
	} else {
		a, err = e.commitLive(b, enc, encoding, chunks, headers)
	}
	if err != nil {
		return nil, err
	}
	e.batches.Remove(batchID)
	e.logger.InfoContext(ctx, "batch committed", "batch", batchID, "path", a.Key.FullPath,
		"encoding", enc, "bytes", encoding.TotalLength, "staged", b.ProposalID != nil)
	return a, nil
}

func (e *Engine) commitLive(b *upload.Batch, enc assets.EncodingType, encoding assets.AssetEncoding, chunks [][]byte, headers []assets.HeaderField) (*assets.Asset, error) {
	existing, err := e.store.Get(b.Key.Namespace, b.Key.FullPath)
	if err != nil && !errors.Is(err, assets.ErrNotFound) {
		return nil, err
	}
	a := upload.Merge(existing, b.Key, enc, encoding, headers, e.now())
	if err := e.store.PutEncoding(a, enc, chunks); err != nil {
		return nil, fmt.Errorf("store %s: %w", a.Key.FullPath, err)
	}
	e.tree.Insert(a)
	return a, nil
}

func (e *Engine) commitStaged(ctx context.Context, b *upload.Batch, enc assets.EncodingType, encoding assets.AssetEncoding, chunks [][]byte, headers []assets.HeaderField) (*assets.Asset, error) {
	id := *b.ProposalID
	p, err := e.coord.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.Status.Staging() {
		return nil, fmt.Errorf("proposal %d is %s: %w", id, p.Status, assets.ErrInvalidStatus)
	}
	key := assets.ProposalAssetKey{ProposalID: id, Namespace: b.Key.Namespace, FullPath: b.Key.FullPath}
	existing, err := e.store.GetStaged(key)
	if err != nil && !errors.Is(err, assets.ErrNotFound) {
		return nil, err
	}
	a := upload.Merge(existing, b.Key, enc, encoding, headers, e.now())
	if err := e.store.PutStagedEncoding(id, a, enc, chunks); err != nil {
		return nil, fmt.Errorf("stage %s: %w", a.Key.FullPath, err)
	}
	return a, nil
}

// DeleteAsset removes a live asset and its certification. Release artifacts
// are removed by a clearing release proposal instead.
func (e *Engine) DeleteAsset(ctx context.Context, caller authz.Caller, namespace, fullPath string) error {
	ns, err := e.authorize(ctx, caller, namespace, authz.ActionWrite)
	if err != nil {
		return err
	}
	if ns.IsRelease() {
		return fmt.Errorf("%w: namespace %s changes only through release proposals", assets.ErrInvalidPath, ns.Name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	path, err := e.namespaces.ValidateWritePath(namespace, fullPath)
	if err != nil {
		return err
	}
	if err := e.store.Delete(namespace, path); err != nil {
		return err
	}
	e.tree.Remove(path)
	e.logger.InfoContext(ctx, "asset deleted", "namespace", namespace, "path", path, "by", caller.ID)
	return nil
}
