// Package upload tracks multi-chunk upload sessions ("batches") and assembles
// finished chunk runs into asset encodings.
package upload

import (
	"crypto/sha256"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/Mindburn-Labs/helm-assets/pkg/assets"
)

// Limits bounds batch lifetime and size.
type Limits struct {
	TTL          time.Duration
	MaxChunkSize uint64
	MaxAssetSize uint64
	// MaxActive caps batches that are neither committed nor expired.
	MaxActive int
}

// DefaultLimits are the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		TTL:          5 * time.Minute,
		MaxChunkSize: 2 << 20,
		MaxAssetSize: 64 << 20,
		MaxActive:    1024,
	}
}

// Batch is one in-progress upload. Chunks are owned by the batch until it is
// committed, after which they belong to the encoding they populate.
type Batch struct {
	ID         uint64            `cbor:"1,keyasint"`
	Key        assets.AssetKey   `cbor:"2,keyasint"`
	ProposalID *uint64           `cbor:"3,keyasint,omitempty"`
	Chunks     map[uint32][]byte `cbor:"4,keyasint"`
	Bytes      uint64            `cbor:"5,keyasint"`
	ExpiresAt  time.Time         `cbor:"6,keyasint"`
	// Expired is set once the batch was observed past ExpiresAt and its
	// chunks were released. The header is kept so later calls still fail
	// with ErrExpired.
	Expired bool `cbor:"7,keyasint"`
}

// ChunkAck confirms one stored chunk.
type ChunkAck struct {
	BatchID uint64        `json:"batch_id"`
	Index   uint32        `json:"index"`
	Length  uint64        `json:"length"`
	SHA256  assets.Digest `json:"sha256"`
}

// Manager owns the batch table. It is not safe for concurrent use.
type Manager struct {
	batches map[uint64]*Batch
	nextID  uint64
	limits  Limits
	now     func() time.Time
}

// NewManager returns an empty batch table. now defaults to time.Now.
func NewManager(limits Limits, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{batches: make(map[uint64]*Batch), limits: limits, now: now}
}

// Create opens a batch for key that expires TTL from now.
func (m *Manager) Create(key assets.AssetKey, proposalID *uint64) (*Batch, error) {
	m.Sweep()
	if m.limits.MaxActive > 0 && m.active() >= m.limits.MaxActive {
		return nil, fmt.Errorf("%w: %d batches in progress", assets.ErrCapacityExceeded, m.limits.MaxActive)
	}
	if m.nextID == math.MaxUint64 {
		return nil, fmt.Errorf("batch id: %w", assets.ErrCounterOverflow)
	}
	m.nextID++
	b := &Batch{
		ID:         m.nextID,
		Key:        key,
		ProposalID: proposalID,
		Chunks:     make(map[uint32][]byte),
		ExpiresAt:  m.now().Add(m.limits.TTL),
	}
	m.batches[b.ID] = b
	return b, nil
}

// Get returns a live batch, failing with ErrNotFound or ErrExpired.
func (m *Manager) Get(id uint64) (*Batch, error) {
	b, ok := m.batches[id]
	if !ok {
		return nil, fmt.Errorf("batch %d: %w", id, assets.ErrNotFound)
	}
	if b.Expired || !m.now().Before(b.ExpiresAt) {
		m.expire(b)
		return nil, fmt.Errorf("batch %d: %w", id, assets.ErrExpired)
	}
	return b, nil
}

// PutChunk stores the chunk at index, replacing any earlier upload of it.
func (m *Manager) PutChunk(id uint64, index uint32, data []byte) (ChunkAck, error) {
	b, err := m.Get(id)
	if err != nil {
		return ChunkAck{}, err
	}
	size := uint64(len(data))
	if m.limits.MaxChunkSize > 0 && size > m.limits.MaxChunkSize {
		return ChunkAck{}, fmt.Errorf("%w: chunk of %d bytes exceeds %d", assets.ErrCapacityExceeded, size, m.limits.MaxChunkSize)
	}
	total := b.Bytes - uint64(len(b.Chunks[index])) + size
	if m.limits.MaxAssetSize > 0 && total > m.limits.MaxAssetSize {
		return ChunkAck{}, fmt.Errorf("%w: asset of %d bytes exceeds %d", assets.ErrCapacityExceeded, total, m.limits.MaxAssetSize)
	}
	b.Chunks[index] = append([]byte(nil), data...)
	b.Bytes = total
	return ChunkAck{BatchID: id, Index: index, Length: size, SHA256: sha256.Sum256(data)}, nil
}

// Remove destroys a batch after it was consumed.
func (m *Manager) Remove(id uint64) {
	delete(m.batches, id)
}

// References reports whether a live batch is still uploading into proposalID.
func (m *Manager) References(proposalID uint64) bool {
	now := m.now()
	for _, b := range m.batches {
		if !b.Expired && now.Before(b.ExpiresAt) && b.ProposalID != nil && *b.ProposalID == proposalID {
			return true
		}
	}
	return false
}

func (m *Manager) expire(b *Batch) {
	b.Expired = true
	b.Chunks = nil
	b.Bytes = 0
}

// Sweep releases the chunks of batches past their expiry. Headers released
// by an earlier sweep more than one TTL after expiry are dropped. It reports
// how many batches were released.
func (m *Manager) Sweep() int {
	now := m.now()
	n := 0
	for id, b := range m.batches {
		switch {
		case !b.Expired && !now.Before(b.ExpiresAt):
			m.expire(b)
			n++
		case b.Expired && now.Sub(b.ExpiresAt) > m.limits.TTL:
			delete(m.batches, id)
		}
	}
	return n
}

func (m *Manager) active() int {
	n := 0
	for _, b := range m.batches {
		if !b.Expired {
			n++
		}
	}
	return n
}

// Snapshot is the persisted form of the batch table.
type Snapshot struct {
	NextID  uint64   `cbor:"1,keyasint"`
	Batches []*Batch `cbor:"2,keyasint"`
}

// Export captures the batch table for the process state snapshot.
func (m *Manager) Export() Snapshot {
	snap := Snapshot{NextID: m.nextID}
	for _, b := range m.batches {
		snap.Batches = append(snap.Batches, b)
	}
	sort.Slice(snap.Batches, func(i, j int) bool { return snap.Batches[i].ID < snap.Batches[j].ID })
	return snap
}

// Import replaces the batch table with a snapshot.
func (m *Manager) Import(snap Snapshot) {
	m.batches = make(map[uint64]*Batch, len(snap.Batches))
	m.nextID = snap.NextID
	for _, b := range snap.Batches {
		if b.Chunks == nil {
			b.Chunks = make(map[uint32][]byte)
		}
		m.batches[b.ID] = b
		if b.ID > m.nextID {
			m.nextID = b.ID
		}
	}
}
