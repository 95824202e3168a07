package store

import (
	"fmt"
	"sort"

	"github.com/Mindburn-Labs/helm-assets/pkg/assets"
)

type chunkKey struct {
	Path     string
	Encoding assets.EncodingType
	Index    uint32
}

// memoryTier is the fast backend: plain maps, persisted only through the
// process state snapshot.
type memoryTier struct {
	assets map[string]map[string]*assets.Asset
	chunks map[chunkKey][]byte
}

func newMemoryTier() *memoryTier {
	return &memoryTier{
		assets: make(map[string]map[string]*assets.Asset),
		chunks: make(map[chunkKey][]byte),
	}
}

func (m *memoryTier) get(namespace, path string) (*assets.Asset, error) {
	a, ok := m.assets[namespace][path]
	if !ok {
		return nil, fmt.Errorf("asset %s%s: %w", namespace, path, assets.ErrNotFound)
	}
	return a, nil
}

func (m *memoryTier) list(namespace string) []*assets.Asset {
	byPath := m.assets[namespace]
	out := make([]*assets.Asset, 0, len(byPath))
	for _, a := range byPath {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.FullPath < out[j].Key.FullPath })
	return out
}

func (m *memoryTier) all() []*assets.Asset {
	names := make([]string, 0, len(m.assets))
	for ns := range m.assets {
		names = append(names, ns)
	}
	sort.Strings(names)
	var out []*assets.Asset
	for _, ns := range names {
		out = append(out, m.list(ns)...)
	}
	return out
}

func (m *memoryTier) chunk(path string, enc assets.EncodingType, index uint32) ([]byte, error) {
	data, ok := m.chunks[chunkKey{Path: path, Encoding: enc, Index: index}]
	if !ok {
		return nil, fmt.Errorf("chunk %s/%s/%d: %w", path, enc, index, assets.ErrNotFound)
	}
	return data, nil
}

func (m *memoryTier) put(a *assets.Asset) {
	byPath, ok := m.assets[a.Key.Namespace]
	if !ok {
		byPath = make(map[string]*assets.Asset)
		m.assets[a.Key.Namespace] = byPath
	}
	byPath[a.Key.FullPath] = a
}

func (m *memoryTier) dropChunks(prev *assets.Asset, enc assets.EncodingType) {
	if prev == nil {
		return
	}
	for _, ref := range prev.Encodings[enc].ContentChunks {
		delete(m.chunks, chunkKey{Path: prev.Key.FullPath, Encoding: enc, Index: ref.Index})
	}
}

func (m *memoryTier) apply(mu *mutation) {
	prev := m.assets[mu.namespace][mu.path]
	switch mu.kind {
	case mutPutLive:
		if mu.replaceAll && prev != nil {
			for enc := range prev.Encodings {
				m.dropChunks(prev, enc)
			}
		}
		for enc, chunks := range mu.chunks {
			if !mu.replaceAll {
				m.dropChunks(prev, enc)
			}
			for i, data := range chunks {
				m.chunks[chunkKey{Path: mu.path, Encoding: enc, Index: uint32(i)}] = data
			}
		}
		m.put(mu.asset.Clone())
	case mutDeleteLive:
		if prev == nil {
			return
		}
		for enc := range prev.Encodings {
			m.dropChunks(prev, enc)
		}
		delete(m.assets[mu.namespace], mu.path)
		if len(m.assets[mu.namespace]) == 0 {
			delete(m.assets, mu.namespace)
		}
	}
}

func (m *memoryTier) export() FastSnapshot {
	snap := FastSnapshot{Assets: m.all()}
	for k, data := range m.chunks {
		snap.Chunks = append(snap.Chunks, FastChunk{Path: k.Path, Encoding: k.Encoding, Index: k.Index, Data: data})
	}
	sort.Slice(snap.Chunks, func(i, j int) bool {
		a, b := snap.Chunks[i], snap.Chunks[j]
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		if a.Encoding != b.Encoding {
			return a.Encoding < b.Encoding
		}
		return a.Index < b.Index
	})
	return snap
}
