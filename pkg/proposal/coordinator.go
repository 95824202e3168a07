package proposal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/helm-assets/pkg/assets"
	"github.com/Mindburn-Labs/helm-assets/pkg/store"
)

// Certifier keeps the certification tree in step with the live store.
type Certifier interface {
	Insert(a *assets.Asset)
	Remove(path string)
}

// BatchTracker reports whether upload batches still target a proposal.
type BatchTracker interface {
	References(proposalID uint64) bool
}

// PostCommit runs deployment-specific steps inside the promotion transaction,
// after the staged assets were promoted. An error aborts the whole promotion.
type PostCommit interface {
	PostCommit(ctx context.Context, tx *store.Txn, p Proposal) error
}

// Publisher is implemented by PostCommit steps that also have effects outside
// the store. Published runs once the promotion is live; its failures are
// logged and do not affect the proposal.
type Publisher interface {
	Published(ctx context.Context, p Proposal, changes []store.Change)
}

// Coordinator drives proposals through their lifecycle and performs the
// hash-verified promotion of staged assets.
type Coordinator struct {
	ledger  Ledger
	store   *store.Store
	cert    Certifier
	batches BatchTracker
	post    map[Kind]PostCommit
	now     func() time.Time
	logger  *slog.Logger
}

// NewCoordinator returns a Coordinator; now defaults to time.Now.
func NewCoordinator(ledger Ledger, st *store.Store, cert Certifier, batches BatchTracker, now func() time.Time) *Coordinator {
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		ledger:  ledger,
		store:   st,
		cert:    cert,
		batches: batches,
		post:    make(map[Kind]PostCommit),
		now:     now,
		logger:  slog.Default().With("component", "proposal"),
	}
}

// Register installs the post-commit step of a proposal kind.
func (c *Coordinator) Register(kind Kind, step PostCommit) {
	c.post[kind] = step
}

// Init creates a proposal in the Initialized state.
func (c *Coordinator) Init(ctx context.Context, owner string, typ Type) (Proposal, error) {
	if typ.Kind != KindAssetsUpgrade && typ.Kind != KindReleaseUpgrade {
		return Proposal{}, fmt.Errorf("%w: unknown proposal kind %q", assets.ErrInvalidArgument, typ.Kind)
	}
	id, err := c.ledger.NextID(ctx)
	if err != nil {
		return Proposal{}, fmt.Errorf("allocate proposal id: %w", err)
	}
	now := c.now()
	p := Proposal{
		ID:        id,
		Owner:     owner,
		Status:    StatusInitialized,
		Type:      typ,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
	if err := c.ledger.Create(ctx, p); err != nil {
		return Proposal{}, fmt.Errorf("create proposal %d: %w", id, err)
	}
	c.logger.InfoContext(ctx, "proposal created", "id", id, "kind", typ.Kind, "namespace", typ.Namespace)
	return p, nil
}

// Get returns a proposal.
func (c *Coordinator) Get(ctx context.Context, id uint64) (Proposal, error) {
	p, err := c.ledger.Get(ctx, id)
	if err != nil {
		return Proposal{}, fmt.Errorf("proposal %d: %w", id, err)
	}
	return p, nil
}

// List returns one page of proposals and the total count.
func (c *Coordinator) List(ctx context.Context, page Page) ([]Proposal, int, error) {
	return c.ledger.List(ctx, page)
}

// Submit locks the staged set by recording its hash and opens the proposal
// for review. The recorded hash never changes: resubmitting returns the
// proposal as is while the staged set still matches it, and fails with
// ErrInvalidStatus once the set has changed.
func (c *Coordinator) Submit(ctx context.Context, id uint64) (Proposal, error) {
	p, err := c.Get(ctx, id)
	if err != nil {
		return Proposal{}, err
	}
	if !p.Status.Staging() {
		return p, fmt.Errorf("proposal %d is %s: %w", id, p.Status, assets.ErrInvalidStatus)
	}
	staged, err := c.store.ListStaged(id)
	if err != nil {
		return p, fmt.Errorf("list staged assets of proposal %d: %w", id, err)
	}
	sum, err := StagedHash(staged)
	if err != nil {
		return p, err
	}
	if p.ExpectedSHA256 != nil {
		if *p.ExpectedSHA256 != sum {
			return p, fmt.Errorf("proposal %d staged set changed after submit: %w", id, assets.ErrInvalidStatus)
		}
		return p, nil
	}
	next := p
	next.Status = StatusOpen
	next.ExpectedSHA256 = &sum
	if err := c.save(ctx, &p, next); err != nil {
		return p, err
	}
	c.logger.InfoContext(ctx, "proposal submitted", "id", id, "sha256", sum.String(), "assets", len(staged))
	return p, nil
}

// Commit promotes an Open proposal whose staged set still hashes to sum.
// A mismatch fails the proposal without touching the live store.
func (c *Coordinator) Commit(ctx context.Context, id uint64, sum assets.Digest) (Proposal, error) {
	p, err := c.Get(ctx, id)
	if err != nil {
		return Proposal{}, err
	}
	if p.Status != StatusOpen {
		return p, fmt.Errorf("proposal %d is %s: %w", id, p.Status, assets.ErrInvalidStatus)
	}
	staged, err := c.store.ListStaged(id)
	if err != nil {
		return p, fmt.Errorf("list staged assets of proposal %d: %w", id, err)
	}
	current, err := StagedHash(staged)
	if err != nil {
		return p, err
	}
	if p.ExpectedSHA256 == nil || *p.ExpectedSHA256 != sum || current != sum {
		if err := c.transition(ctx, &p, StatusFailed, "hash mismatch"); err != nil {
			return p, err
		}
		c.logger.WarnContext(ctx, "proposal hash mismatch", "id", id, "given", sum.String(), "staged", current.String())
		return p, fmt.Errorf("proposal %d: %w", id, assets.ErrHashMismatch)
	}
	if err := c.transition(ctx, &p, StatusAccepted, ""); err != nil {
		return p, err
	}

	changes, err := c.promote(ctx, p, staged)
	if err != nil {
		c.logger.ErrorContext(ctx, "proposal execution failed", "id", id, "error", err)
		if terr := c.transition(ctx, &p, StatusFailed, err.Error()); terr != nil {
			return p, fmt.Errorf("execute proposal %d: %w (marking failed: %v)", id, err, terr)
		}
		return p, fmt.Errorf("execute proposal %d: %w", id, err)
	}
	if err := c.transition(ctx, &p, StatusExecuted, ""); err != nil {
		return p, err
	}
	c.logger.InfoContext(ctx, "proposal executed", "id", id, "changes", len(changes))

	if pub, ok := c.post[p.Type.Kind].(Publisher); ok {
		pub.Published(ctx, p, changes)
	}
	return p, nil
}

// promote applies the proposal to the live store in one transaction and
// re-certifies every path it touched.
func (c *Coordinator) promote(ctx context.Context, p Proposal, staged []*assets.Asset) ([]store.Change, error) {
	for _, a := range staged {
		if a.Key.Namespace != p.Type.Namespace {
			return nil, fmt.Errorf("staged asset %s belongs to namespace %s, not %s", a.Key.FullPath, a.Key.Namespace, p.Type.Namespace)
		}
	}

	tx := c.store.Begin()
	defer tx.Discard()

	if p.Type.ClearExisting {
		if _, err := tx.ClearNamespace(p.Type.Namespace); err != nil {
			return nil, fmt.Errorf("clear namespace %s: %w", p.Type.Namespace, err)
		}
	}
	if _, err := tx.Promote(p.ID); err != nil {
		return nil, fmt.Errorf("promote staged assets: %w", err)
	}
	if step, ok := c.post[p.Type.Kind]; ok {
		if err := step.PostCommit(ctx, tx, p); err != nil {
			return nil, fmt.Errorf("post-commit: %w", err)
		}
	}

	changes := tx.Changes()
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	for _, ch := range changes {
		if ch.Asset == nil {
			c.cert.Remove(ch.Path)
		} else {
			c.cert.Insert(ch.Asset)
		}
	}
	return changes, nil
}

// Reject closes a proposal that was never committed and discards its staged
// assets unless an upload batch still targets it.
func (c *Coordinator) Reject(ctx context.Context, id uint64) (Proposal, error) {
	p, err := c.Get(ctx, id)
	if err != nil {
		return Proposal{}, err
	}
	if err := c.transition(ctx, &p, StatusRejected, ""); err != nil {
		return p, err
	}
	if c.batches.References(id) {
		c.logger.InfoContext(ctx, "proposal rejected, staged assets kept for live batches", "id", id)
		return p, nil
	}
	n, err := c.store.DeleteStaged(id)
	if err != nil {
		return p, fmt.Errorf("discard staged assets of proposal %d: %w", id, err)
	}
	c.logger.InfoContext(ctx, "proposal rejected", "id", id, "discarded", n)
	return p, nil
}

// DeleteAssets discards the staged assets of proposals that were never
// committed. Every id is checked before anything is deleted.
func (c *Coordinator) DeleteAssets(ctx context.Context, ids []uint64) (int, error) {
	for _, id := range ids {
		p, err := c.Get(ctx, id)
		if err != nil {
			return 0, err
		}
		if p.Status == StatusAccepted || p.Status == StatusExecuted {
			return 0, fmt.Errorf("proposal %d is %s: %w", id, p.Status, assets.ErrInvalidStatus)
		}
		if c.batches.References(id) {
			return 0, fmt.Errorf("proposal %d has live upload batches: %w", id, assets.ErrInUse)
		}
	}
	total := 0
	for _, id := range ids {
		n, err := c.store.DeleteStaged(id)
		if err != nil {
			return total, fmt.Errorf("discard staged assets of proposal %d: %w", id, err)
		}
		total += n
	}
	return total, nil
}

func (c *Coordinator) transition(ctx context.Context, p *Proposal, status Status, reason string) error {
	if !p.Status.CanTransition(status) {
		return fmt.Errorf("proposal %d: %s -> %s: %w", p.ID, p.Status, status, assets.ErrInvalidStatus)
	}
	next := *p
	next.Status = status
	next.Reason = reason
	if status == StatusExecuted {
		t := c.now()
		next.ExecutedAt = &t
	}
	return c.save(ctx, p, next)
}

// save persists next as the successor of *p and updates *p on success.
func (c *Coordinator) save(ctx context.Context, p *Proposal, next Proposal) error {
	next.UpdatedAt = c.now()
	next.Version = p.Version + 1
	if err := c.ledger.Update(ctx, next); err != nil {
		return fmt.Errorf("update proposal %d: %w", p.ID, err)
	}
	*p = next
	return nil
}
