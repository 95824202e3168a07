package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/Mindburn-Labs/helm-assets/pkg/assets"
	"github.com/Mindburn-Labs/helm-assets/pkg/codec"
)

// Key layout of the durable tier. Paths never contain NUL, so it separates
// key components without escaping. Chunk keys end in the chunk's digest, so
// new content can be written next to the old before the asset record that
// references it is flipped.
//
//	a/<ns>\x00<path>                                  live asset record
//	c/<path>\x00<enc>\x00<idx:be32><sha256>            live chunk content
//	s/<proposal:be64><ns>\x00<path>                   staged asset record
//	t/<proposal:be64><path>\x00<enc>\x00<idx:be32><sha256>  staged chunk content
const (
	prefixAsset       = "a/"
	prefixChunk       = "c/"
	prefixStaged      = "s/"
	prefixStagedChunk = "t/"
)

// OpenBadger opens the durable tier at dir, or an in-memory instance when dir
// is empty.
func OpenBadger(dir string) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	opts.ValueLogFileSize = 1024 * 1024 * 100
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", dir, err)
	}
	return db, nil
}

func assetKey(namespace, path string) []byte {
	return []byte(prefixAsset + namespace + "\x00" + path)
}

func liveChunkPrefix(path string) []byte {
	return []byte(prefixChunk + path + "\x00")
}

func chunkSuffix(prefix []byte, enc assets.EncodingType, ref assets.ChunkRef) []byte {
	key := append(prefix, string(enc)+"\x00"...)
	key = binary.BigEndian.AppendUint32(key, ref.Index)
	return append(key, ref.SHA256[:]...)
}

func liveChunkKey(path string, enc assets.EncodingType, ref assets.ChunkRef) []byte {
	return chunkSuffix(liveChunkPrefix(path), enc, ref)
}

func proposalPrefix(prefix string, proposalID uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte(prefix), proposalID)
}

func stagedKey(key assets.ProposalAssetKey) []byte {
	return append(proposalPrefix(prefixStaged, key.ProposalID), key.Namespace+"\x00"+key.FullPath...)
}

func stagedChunkPrefix(proposalID uint64, path string) []byte {
	return append(proposalPrefix(prefixStagedChunk, proposalID), path+"\x00"...)
}

func stagedChunkKey(proposalID uint64, path string, enc assets.EncodingType, ref assets.ChunkRef) []byte {
	return chunkSuffix(stagedChunkPrefix(proposalID, path), enc, ref)
}

// refsOf returns the chunk refs of chunks, in index order.
func refsOf(chunks [][]byte) []assets.ChunkRef {
	refs := make([]assets.ChunkRef, len(chunks))
	for i, data := range chunks {
		refs[i] = assets.ChunkRef{Index: uint32(i), Length: uint64(len(data)), SHA256: assets.Sum(data)}
	}
	return refs
}

// badgerTier is the durable ordered backend.
type badgerTier struct {
	db *badger.DB
	// commit serializes chunk pre-writes, record flips and sweeps so one
	// commit never sweeps chunks another is about to reference.
	commit sync.Mutex
}

func (b *badgerTier) getRecord(txn *badger.Txn, key []byte) (*assets.Asset, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, assets.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var a assets.Asset
	if err := item.Value(func(val []byte) error {
		return codec.Unmarshal(val, &a)
	}); err != nil {
		return nil, fmt.Errorf("decode asset record: %w", err)
	}
	return &a, nil
}

func (b *badgerTier) get(namespace, path string) (*assets.Asset, error) {
	var out *assets.Asset
	err := b.db.View(func(txn *badger.Txn) error {
		a, err := b.getRecord(txn, assetKey(namespace, path))
		out = a
		return err
	})
	if errors.Is(err, assets.ErrNotFound) {
		return nil, fmt.Errorf("asset %s%s: %w", namespace, path, assets.ErrNotFound)
	}
	return out, err
}

func (b *badgerTier) scan(prefix []byte) ([]*assets.Asset, error) {
	var out []*assets.Asset
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 64, Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var a assets.Asset
			if err := it.Item().Value(func(val []byte) error {
				return codec.Unmarshal(val, &a)
			}); err != nil {
				return fmt.Errorf("decode asset record %q: %w", it.Item().Key(), err)
			}
			out = append(out, &a)
		}
		return nil
	})
	return out, err
}

func (b *badgerTier) list(namespace string) ([]*assets.Asset, error) {
	return b.scan([]byte(prefixAsset + namespace + "\x00"))
}

func (b *badgerTier) all() ([]*assets.Asset, error) {
	return b.scan([]byte(prefixAsset))
}

func (b *badgerTier) chunk(key []byte) ([]byte, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("chunk %q: %w", key, assets.ErrNotFound)
	}
	return out, err
}

func (b *badgerTier) getStaged(key assets.ProposalAssetKey) (*assets.Asset, error) {
	var out *assets.Asset
	err := b.db.View(func(txn *badger.Txn) error {
		a, err := b.getRecord(txn, stagedKey(key))
		out = a
		return err
	})
	if errors.Is(err, assets.ErrNotFound) {
		return nil, fmt.Errorf("staged asset %d:%s%s: %w", key.ProposalID, key.Namespace, key.FullPath, assets.ErrNotFound)
	}
	return out, err
}

func (b *badgerTier) listStaged(proposalID uint64) ([]*assets.Asset, error) {
	return b.scan(proposalPrefix(prefixStaged, proposalID))
}

// deletePrefix removes every key under prefix inside txn.
func deletePrefix(txn *badger.Txn, prefix []byte) error {
	var keys [][]byte
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()
	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func setRecord(txn *badger.Txn, key []byte, a *assets.Asset) error {
	val, err := codec.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode asset record: %w", err)
	}
	return txn.Set(key, val)
}

// writeChunks stores the chunk content of mutations ahead of the record
// flip. The keys are content addressed, so nothing written here is visible
// until a record references it. WriteBatch splits the writes over as many
// Badger transactions as it needs.
func (b *badgerTier) writeChunks(mutations []*mutation) error {
	if b.db.IsClosed() {
		return badger.ErrDBClosed
	}
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, mu := range mutations {
		switch mu.kind {
		case mutPutLive:
			if mu.fromProposal != nil {
				if err := b.copyStaged(wb, *mu.fromProposal, mu.asset); err != nil {
					return err
				}
				continue
			}
			for enc, chunks := range mu.chunks {
				for i, ref := range refsOf(chunks) {
					if err := wb.Set(liveChunkKey(mu.path, enc, ref), chunks[i]); err != nil {
						return err
					}
				}
			}
		case mutPutStaged:
			for enc, chunks := range mu.chunks {
				for i, ref := range refsOf(chunks) {
					if err := wb.Set(stagedChunkKey(mu.proposalID, mu.path, enc, ref), chunks[i]); err != nil {
						return err
					}
				}
			}
		}
	}
	return wb.Flush()
}

// copyStaged copies the staged chunks of a into the live key space one chunk
// at a time, checking each against its digest.
func (b *badgerTier) copyStaged(wb *badger.WriteBatch, proposalID uint64, a *assets.Asset) error {
	for enc, e := range a.Encodings {
		for _, ref := range e.ContentChunks {
			data, err := b.chunk(stagedChunkKey(proposalID, a.Key.FullPath, enc, ref))
			if err != nil {
				return fmt.Errorf("read staged chunk %s/%s/%d: %w", a.Key.FullPath, enc, ref.Index, err)
			}
			if assets.Sum(data) != ref.SHA256 {
				return fmt.Errorf("staged chunk %s/%s/%d does not match its digest", a.Key.FullPath, enc, ref.Index)
			}
			if err := wb.Set(liveChunkKey(a.Key.FullPath, enc, ref), data); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyRecord stages the record side of one mutation into an open
// read-write transaction.
func (b *badgerTier) applyRecord(txn *badger.Txn, mu *mutation) error {
	switch mu.kind {
	case mutPutLive:
		return setRecord(txn, assetKey(mu.namespace, mu.path), mu.asset)
	case mutDeleteLive:
		return txn.Delete(assetKey(mu.namespace, mu.path))
	case mutPutStaged:
		key := assets.ProposalAssetKey{ProposalID: mu.proposalID, Namespace: mu.namespace, FullPath: mu.path}
		return setRecord(txn, stagedKey(key), mu.asset)
	case mutDeleteStaged:
		return deletePrefix(txn, proposalPrefix(prefixStaged, mu.proposalID))
	}
	return nil
}

// chunkSet names the chunk keys a record references.
type chunkSet map[string]struct{}

func (cs chunkSet) add(prefix []byte, a *assets.Asset) {
	if a == nil {
		return
	}
	for enc, e := range a.Encodings {
		for _, ref := range e.ContentChunks {
			cs[string(chunkSuffix(append([]byte(nil), prefix...), enc, ref))] = struct{}{}
		}
	}
}

// sweep deletes the chunks under each touched prefix that the records now
// stored no longer reference. It runs after every record flip, failed or
// not, so chunks written for an aborted flip do not linger.
func (b *badgerTier) sweep(mutations []*mutation) error {
	if b.db.IsClosed() {
		return badger.ErrDBClosed
	}
	keep := chunkSet{}
	prefixes := make(map[string]struct{})
	for _, mu := range mutations {
		var prefix []byte
		var current *assets.Asset
		switch mu.kind {
		case mutPutLive, mutDeleteLive:
			prefix = liveChunkPrefix(mu.path)
			a, err := b.get(mu.namespace, mu.path)
			if err != nil && !errors.Is(err, assets.ErrNotFound) {
				return err
			}
			current = a
		case mutPutStaged:
			prefix = stagedChunkPrefix(mu.proposalID, mu.path)
			a, err := b.getStaged(assets.ProposalAssetKey{ProposalID: mu.proposalID, Namespace: mu.namespace, FullPath: mu.path})
			if err != nil && !errors.Is(err, assets.ErrNotFound) {
				return err
			}
			current = a
		case mutDeleteStaged:
			prefix = proposalPrefix(prefixStagedChunk, mu.proposalID)
			staged, err := b.listStaged(mu.proposalID)
			if err != nil {
				return err
			}
			for _, a := range staged {
				keep.add(stagedChunkPrefix(mu.proposalID, a.Key.FullPath), a)
			}
		}
		keep.add(prefix, current)
		prefixes[string(prefix)] = struct{}{}
	}

	var stale [][]byte
	err := b.db.View(func(txn *badger.Txn) error {
		for prefix := range prefixes {
			it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(prefix)})
			for it.Rewind(); it.Valid(); it.Next() {
				if _, ok := keep[string(it.Item().Key())]; !ok {
					stale = append(stale, it.Item().KeyCopy(nil))
				}
			}
			it.Close()
		}
		return nil
	})
	if err != nil || len(stale) == 0 {
		return err
	}
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range stale {
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	return wb.Flush()
}
