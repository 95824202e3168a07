// Package store is the tiered asset store. Every namespace lives in exactly
// one of two backends: the fast in-memory tier or the durable Badger tier.
// Staged proposal assets always live in the durable tier under their own key
// space. Writes go through a Txn so multi-asset changes become visible all at
// once or not at all.
//
// Store is not safe for concurrent use; the engine serializes calls.
package store

import (
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Mindburn-Labs/helm-assets/pkg/assets"
)

// TierResolver decides which backend holds a namespace.
type TierResolver interface {
	TierOf(namespace string) assets.Tier
}

// Store is the authoritative holder of live and staged assets.
type Store struct {
	fast    *memoryTier
	durable *badgerTier
	tiers   TierResolver
	cache   *lru.Cache[assets.Digest, []byte]
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*Store) error

// WithChunkCache sets the number of durable-tier chunks kept decoded in memory.
func WithChunkCache(size int) Option {
	return func(s *Store) error {
		if size <= 0 {
			s.cache = nil
			return nil
		}
		c, err := lru.New[assets.Digest, []byte](size)
		if err != nil {
			return fmt.Errorf("chunk cache: %w", err)
		}
		s.cache = c
		return nil
	}
}

const defaultChunkCache = 256

// New builds a store over an open Badger database.
func New(db *badger.DB, tiers TierResolver, opts ...Option) (*Store, error) {
	s := &Store{
		fast:    newMemoryTier(),
		durable: &badgerTier{db: db},
		tiers:   tiers,
		logger:  slog.Default().With("component", "store"),
	}
	if err := WithChunkCache(defaultChunkCache)(s); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// TierOf reports the backend of a namespace.
func (s *Store) TierOf(namespace string) assets.Tier {
	return s.tiers.TierOf(namespace)
}

// Get returns a copy of the live asset at (namespace, path).
func (s *Store) Get(namespace, path string) (*assets.Asset, error) {
	var (
		a   *assets.Asset
		err error
	)
	switch s.TierOf(namespace) {
	case assets.TierFast:
		a, err = s.fast.get(namespace, path)
	default:
		a, err = s.durable.get(namespace, path)
	}
	if err != nil {
		return nil, err
	}
	return a.Clone(), nil
}

// List returns the live assets of a namespace ordered by path.
func (s *Store) List(namespace string) ([]*assets.Asset, error) {
	switch s.TierOf(namespace) {
	case assets.TierFast:
		return s.fast.list(namespace), nil
	default:
		return s.durable.list(namespace)
	}
}

// Snapshot returns every live asset of both tiers. Certification rebuilds
// start from it.
func (s *Store) Snapshot() ([]*assets.Asset, error) {
	out := s.fast.all()
	durable, err := s.durable.all()
	if err != nil {
		return nil, err
	}
	return append(out, durable...), nil
}

// ReadChunk returns one chunk of a live encoding and checks it against its
// content address.
func (s *Store) ReadChunk(tier assets.Tier, path string, enc assets.EncodingType, ref assets.ChunkRef) ([]byte, error) {
	if tier == assets.TierFast {
		data, err := s.fast.chunk(path, enc, ref.Index)
		if err != nil {
			return nil, err
		}
		return data, nil
	}
	if s.cache != nil {
		if data, ok := s.cache.Get(ref.SHA256); ok {
			return data, nil
		}
	}
	data, err := s.durable.chunk(liveChunkKey(path, enc, ref))
	if err != nil {
		return nil, err
	}
	if assets.Sum(data) != ref.SHA256 {
		return nil, fmt.Errorf("chunk %s/%s/%d: content does not match its digest", path, enc, ref.Index)
	}
	if s.cache != nil {
		s.cache.Add(ref.SHA256, data)
	}
	return data, nil
}

// GetStaged returns the staged asset for a proposal.
func (s *Store) GetStaged(key assets.ProposalAssetKey) (*assets.Asset, error) {
	return s.durable.getStaged(key)
}

// ListStaged returns every asset staged under a proposal ordered by
// namespace and path.
func (s *Store) ListStaged(proposalID uint64) ([]*assets.Asset, error) {
	return s.durable.listStaged(proposalID)
}

// ReadStagedChunk returns one chunk of a staged encoding.
func (s *Store) ReadStagedChunk(proposalID uint64, path string, enc assets.EncodingType, ref assets.ChunkRef) ([]byte, error) {
	data, err := s.durable.chunk(stagedChunkKey(proposalID, path, enc, ref))
	if err != nil {
		return nil, err
	}
	if assets.Sum(data) != ref.SHA256 {
		return nil, fmt.Errorf("staged chunk %s/%s/%d does not match its digest", path, enc, ref.Index)
	}
	return data, nil
}

// PutEncoding writes one encoding of a live asset together with its chunks.
func (s *Store) PutEncoding(a *assets.Asset, enc assets.EncodingType, chunks [][]byte) error {
	tx := s.Begin()
	tx.PutEncoding(a, enc, chunks)
	return tx.Commit()
}

// PutStagedEncoding writes one encoding of an asset staged under a proposal.
func (s *Store) PutStagedEncoding(proposalID uint64, a *assets.Asset, enc assets.EncodingType, chunks [][]byte) error {
	tx := s.Begin()
	tx.PutStagedEncoding(proposalID, a, enc, chunks)
	return tx.Commit()
}

// Delete removes a live asset and its chunks.
func (s *Store) Delete(namespace, path string) error {
	if _, err := s.Get(namespace, path); err != nil {
		return err
	}
	tx := s.Begin()
	tx.Delete(namespace, path)
	return tx.Commit()
}

// DeleteStaged discards everything staged under a proposal and reports how
// many assets were dropped.
func (s *Store) DeleteStaged(proposalID uint64) (int, error) {
	staged, err := s.ListStaged(proposalID)
	if err != nil {
		return 0, err
	}
	tx := s.Begin()
	tx.DeleteStaged(proposalID)
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(staged), nil
}

// FastSnapshot is the serializable content of the fast tier.
type FastSnapshot struct {
	Assets []*assets.Asset `cbor:"1,keyasint"`
	Chunks []FastChunk     `cbor:"2,keyasint"`
}

// FastChunk is one chunk of a fast-tier encoding.
type FastChunk struct {
	Path     string              `cbor:"1,keyasint"`
	Encoding assets.EncodingType `cbor:"2,keyasint"`
	Index    uint32              `cbor:"3,keyasint"`
	Data     []byte              `cbor:"4,keyasint"`
}

// ExportFast captures the fast tier for the process state snapshot.
func (s *Store) ExportFast() FastSnapshot {
	return s.fast.export()
}

// ImportFast replaces the fast tier with a snapshot, verifying every encoding
// against its chunks.
func (s *Store) ImportFast(snap FastSnapshot) error {
	m := newMemoryTier()
	for _, c := range snap.Chunks {
		m.chunks[chunkKey{Path: c.Path, Encoding: c.Encoding, Index: c.Index}] = c.Data
	}
	for _, a := range snap.Assets {
		for enc, e := range a.Encodings {
			for _, ref := range e.ContentChunks {
				data, ok := m.chunks[chunkKey{Path: a.Key.FullPath, Encoding: enc, Index: ref.Index}]
				if !ok || assets.Sum(data) != ref.SHA256 {
					return fmt.Errorf("fast snapshot: %s/%s chunk %d missing or corrupt", a.Key.FullPath, enc, ref.Index)
				}
			}
		}
		m.put(a.Clone())
	}
	s.fast = m
	s.logger.Info("fast tier restored", "assets", len(snap.Assets), "chunks", len(snap.Chunks))
	return nil
}
