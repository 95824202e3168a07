package store

import (
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"

	"github.com/Mindburn-Labs/helm-assets/pkg/assets"
)

type mutationKind int

const (
	mutPutLive mutationKind = iota
	mutDeleteLive
	mutPutStaged
	mutDeleteStaged
)

type mutation struct {
	kind       mutationKind
	tier       assets.Tier
	namespace  string
	path       string
	proposalID uint64
	asset      *assets.Asset
	// chunks holds replacement content per encoding. Encodings absent from
	// the map keep their stored chunks unless replaceAll is set.
	chunks     map[assets.EncodingType][][]byte
	replaceAll bool
	// fromProposal names the proposal whose staged chunks a durable
	// promotion copies instead of carrying chunks in memory.
	fromProposal *uint64
}

// Txn buffers mutations and applies them in one step on Commit. Reads through
// the Txn observe its own pending writes.
type Txn struct {
	s         *Store
	mutations []*mutation
	done      bool
}

// ErrTxnDone is returned when a finished transaction is reused.
var ErrTxnDone = errors.New("transaction already finished")

// Begin starts a transaction.
func (s *Store) Begin() *Txn {
	return &Txn{s: s}
}

func (tx *Txn) add(mu *mutation) {
	tx.mutations = append(tx.mutations, mu)
}

// PutEncoding stores one encoding of a live asset. a must already carry the
// encoding's metadata.
func (tx *Txn) PutEncoding(a *assets.Asset, enc assets.EncodingType, chunks [][]byte) {
	tx.add(&mutation{
		kind:      mutPutLive,
		tier:      tx.s.TierOf(a.Key.Namespace),
		namespace: a.Key.Namespace,
		path:      a.Key.FullPath,
		asset:     a.Clone(),
		chunks:    map[assets.EncodingType][][]byte{enc: chunks},
	})
}

// PutAsset replaces a live asset wholesale, including all of its chunks.
func (tx *Txn) PutAsset(a *assets.Asset, chunks map[assets.EncodingType][][]byte) {
	tx.add(&mutation{
		kind:       mutPutLive,
		tier:       tx.s.TierOf(a.Key.Namespace),
		namespace:  a.Key.Namespace,
		path:       a.Key.FullPath,
		asset:      a.Clone(),
		chunks:     chunks,
		replaceAll: true,
	})
}

// Delete removes a live asset.
func (tx *Txn) Delete(namespace, path string) {
	tx.add(&mutation{kind: mutDeleteLive, tier: tx.s.TierOf(namespace), namespace: namespace, path: path})
}

// PutStagedEncoding stores one encoding of an asset staged under a proposal.
func (tx *Txn) PutStagedEncoding(proposalID uint64, a *assets.Asset, enc assets.EncodingType, chunks [][]byte) {
	tx.add(&mutation{
		kind:       mutPutStaged,
		tier:       assets.TierDurable,
		namespace:  a.Key.Namespace,
		path:       a.Key.FullPath,
		proposalID: proposalID,
		asset:      a.Clone(),
		chunks:     map[assets.EncodingType][][]byte{enc: chunks},
	})
}

// DeleteStaged drops everything staged under a proposal.
func (tx *Txn) DeleteStaged(proposalID uint64) {
	tx.add(&mutation{kind: mutDeleteStaged, tier: assets.TierDurable, proposalID: proposalID})
}

// ClearNamespace deletes every live asset of a namespace and returns their
// paths.
func (tx *Txn) ClearNamespace(namespace string) ([]string, error) {
	current, err := tx.List(namespace)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(current))
	for _, a := range current {
		tx.Delete(namespace, a.Key.FullPath)
		paths = append(paths, a.Key.FullPath)
	}
	return paths, nil
}

// Promote moves every asset staged under proposalID to its live path and
// clears the staging partition. It returns the promoted assets.
func (tx *Txn) Promote(proposalID uint64) ([]*assets.Asset, error) {
	staged, err := tx.s.ListStaged(proposalID)
	if err != nil {
		return nil, fmt.Errorf("list staged assets: %w", err)
	}
	for _, a := range staged {
		if tx.s.TierOf(a.Key.Namespace) == assets.TierDurable {
			id := proposalID
			tx.add(&mutation{
				kind:         mutPutLive,
				tier:         assets.TierDurable,
				namespace:    a.Key.Namespace,
				path:         a.Key.FullPath,
				asset:        a.Clone(),
				replaceAll:   true,
				fromProposal: &id,
			})
			continue
		}
		chunks := make(map[assets.EncodingType][][]byte, len(a.Encodings))
		for enc, e := range a.Encodings {
			parts := make([][]byte, len(e.ContentChunks))
			for i, ref := range e.ContentChunks {
				data, err := tx.s.ReadStagedChunk(proposalID, a.Key.FullPath, enc, ref)
				if err != nil {
					return nil, fmt.Errorf("read staged chunk %s/%s/%d: %w", a.Key.FullPath, enc, ref.Index, err)
				}
				parts[i] = data
			}
			chunks[enc] = parts
		}
		tx.PutAsset(a, chunks)
	}
	tx.DeleteStaged(proposalID)
	return staged, nil
}

// List returns the live assets of a namespace as they will be after Commit.
func (tx *Txn) List(namespace string) ([]*assets.Asset, error) {
	current, err := tx.s.List(namespace)
	if err != nil {
		return nil, err
	}
	byPath := make(map[string]*assets.Asset, len(current))
	for _, a := range current {
		byPath[a.Key.FullPath] = a
	}
	for _, mu := range tx.mutations {
		if mu.namespace != namespace {
			continue
		}
		switch mu.kind {
		case mutPutLive:
			byPath[mu.path] = mu.asset.Clone()
		case mutDeleteLive:
			delete(byPath, mu.path)
		}
	}
	out := make([]*assets.Asset, 0, len(byPath))
	for _, a := range byPath {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.FullPath < out[j].Key.FullPath })
	return out, nil
}

// Change is the final state of one live path touched by a transaction.
// Asset is nil when the path was deleted.
type Change struct {
	Namespace string
	Path      string
	Asset     *assets.Asset
}

// Changes lists the live paths the transaction touches, in path order, with
// the state each will have after Commit.
func (tx *Txn) Changes() []Change {
	final := make(map[string]Change)
	for _, mu := range tx.mutations {
		switch mu.kind {
		case mutPutLive:
			final[mu.path] = Change{Namespace: mu.namespace, Path: mu.path, Asset: mu.asset.Clone()}
		case mutDeleteLive:
			final[mu.path] = Change{Namespace: mu.namespace, Path: mu.path}
		}
	}
	out := make([]Change, 0, len(final))
	for _, c := range final {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Commit applies all mutations. Chunk content of durable mutations is
// written first; the asset records then flip in a single Badger transaction.
// Fast-tier mutations are applied only after that succeeded, so a failed
// commit leaves the records of both tiers untouched. A proposal whose record
// set does not fit one Badger transaction fails with ErrCapacityExceeded.
func (tx *Txn) Commit() error {
	if tx.done {
		return ErrTxnDone
	}
	tx.done = true
	if len(tx.mutations) == 0 {
		return nil
	}
	var durable []*mutation
	for _, mu := range tx.mutations {
		if mu.tier == assets.TierDurable {
			durable = append(durable, mu)
		}
	}
	if len(durable) > 0 {
		if err := tx.flipDurable(durable); err != nil {
			return err
		}
	}
	for _, mu := range tx.mutations {
		if mu.tier == assets.TierFast {
			tx.s.fast.apply(mu)
		}
	}
	return nil
}

func (tx *Txn) flipDurable(durable []*mutation) error {
	tier := tx.s.durable
	tier.commit.Lock()
	defer tier.commit.Unlock()
	err := tier.writeChunks(durable)
	if err != nil {
		err = fmt.Errorf("write chunks: %w", err)
	} else {
		err = tier.db.Update(func(txn *badger.Txn) error {
			for _, mu := range durable {
				if err := tier.applyRecord(txn, mu); err != nil {
					return err
				}
			}
			return nil
		})
		if errors.Is(err, badger.ErrTxnTooBig) {
			err = fmt.Errorf("%w: %d records do not fit one transaction", assets.ErrCapacityExceeded, len(durable))
		}
		if err != nil {
			err = fmt.Errorf("commit durable tier: %w", err)
		}
	}
	if sweepErr := tier.sweep(durable); sweepErr != nil {
		tx.s.logger.Warn("sweep unreferenced chunks", "error", sweepErr)
	}
	return err
}

// Discard abandons the transaction.
func (tx *Txn) Discard() {
	tx.done = true
	tx.mutations = nil
}
