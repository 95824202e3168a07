package proposal

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/helm-assets/pkg/assets"
)

// maxMemoryID and maxSQLID bound the id counter. SQL stores ids as BIGINT.
const (
	maxMemoryID uint64 = math.MaxUint64
	maxSQLID    int64  = math.MaxInt64
)

// Ledger persists proposals and the id counter.
type Ledger interface {
	// NextID reserves the next proposal id. Ids start at 1.
	NextID(ctx context.Context) (uint64, error)
	Create(ctx context.Context, p Proposal) error
	Get(ctx context.Context, id uint64) (Proposal, error)
	// Update stores p if the stored record still has version p.Version-1.
	Update(ctx context.Context, p Proposal) error
	// List returns one page of proposals in id order and the total count.
	List(ctx context.Context, page Page) ([]Proposal, int, error)
}

// MemoryLedger keeps proposals in process memory.
type MemoryLedger struct {
	mu        sync.Mutex
	last      uint64
	proposals map[uint64]Proposal
}

// NewMemoryLedger returns an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{proposals: make(map[uint64]Proposal)}
}

// NextID allocates the next id, failing with ErrCounterOverflow at MaxUint64.
func (m *MemoryLedger) NextID(_ context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == maxMemoryID {
		return 0, assets.ErrCounterOverflow
	}
	m.last++
	return m.last, nil
}

// Create stores a new proposal. An existing id is a version conflict.
func (m *MemoryLedger) Create(_ context.Context, p Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.proposals[p.ID]; ok {
		return ErrVersionConflict
	}
	m.proposals[p.ID] = p
	return nil
}

// Get returns a proposal or ErrNotFound.
func (m *MemoryLedger) Get(_ context.Context, id uint64) (Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[id]
	if !ok {
		return Proposal{}, assets.ErrNotFound
	}
	return p, nil
}

// Update replaces a proposal whose stored version is one behind p.Version.
func (m *MemoryLedger) Update(_ context.Context, p Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.proposals[p.ID]
	if !ok {
		return assets.ErrNotFound
	}
	if cur.Version+1 != p.Version {
		return ErrVersionConflict
	}
	m.proposals[p.ID] = p
	return nil
}

// List returns one page of proposals in id order and the total count.
func (m *MemoryLedger) List(_ context.Context, page Page) ([]Proposal, int, error) {
	page = page.Normalize()
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]uint64, 0, len(m.proposals))
	for id := range m.proposals {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Proposal, 0, page.Limit)
	for i := page.Offset; i < len(ids) && len(out) < page.Limit; i++ {
		out = append(out, m.proposals[ids[i]])
	}
	return out, len(ids), nil
}

// MemorySnapshot is the serializable content of a MemoryLedger.
type MemorySnapshot struct {
	LastID    uint64     `cbor:"1,keyasint"`
	Proposals []Proposal `cbor:"2,keyasint"`
}

// Export copies the ledger content.
func (m *MemoryLedger) Export() MemorySnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := MemorySnapshot{LastID: m.last, Proposals: make([]Proposal, 0, len(m.proposals))}
	for _, p := range m.proposals {
		snap.Proposals = append(snap.Proposals, p)
	}
	sort.Slice(snap.Proposals, func(i, j int) bool { return snap.Proposals[i].ID < snap.Proposals[j].ID })
	return snap
}

// Import replaces the ledger content.
func (m *MemoryLedger) Import(snap MemorySnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = snap.LastID
	m.proposals = make(map[uint64]Proposal, len(snap.Proposals))
	for _, p := range snap.Proposals {
		m.proposals[p.ID] = p
	}
}
