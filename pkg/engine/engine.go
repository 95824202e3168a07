// Package engine is one asset module instance. It wires the store, the
// upload batches, the certification tree, the proposal coordinator and the
// responder together and serializes every external call behind one mutex.
// Authorization decisions are taken before the mutex is acquired.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm-assets/pkg/artifacts"
	"github.com/Mindburn-Labs/helm-assets/pkg/assets"
	"github.com/Mindburn-Labs/helm-assets/pkg/authz"
	"github.com/Mindburn-Labs/helm-assets/pkg/certification"
	"github.com/Mindburn-Labs/helm-assets/pkg/merkle"
	"github.com/Mindburn-Labs/helm-assets/pkg/proposal"
	"github.com/Mindburn-Labs/helm-assets/pkg/release"
	"github.com/Mindburn-Labs/helm-assets/pkg/responder"
	"github.com/Mindburn-Labs/helm-assets/pkg/state"
	"github.com/Mindburn-Labs/helm-assets/pkg/store"
	"github.com/Mindburn-Labs/helm-assets/pkg/upload"
)

// Metrics receives domain events. *observability.Provider implements it.
type Metrics interface {
	RecordUpload(ctx context.Context, namespace string, n int)
	RecordProposal(ctx context.Context, kind, status string)
	RecordRebuild(ctx context.Context, assetCount int)
}

type nopMetrics struct{}

func (nopMetrics) RecordUpload(context.Context, string, int)      {}
func (nopMetrics) RecordProposal(context.Context, string, string) {}
func (nopMetrics) RecordRebuild(context.Context, int)             {}

// Options configures an Engine. Namespaces, Store, Ledger, Authorizer and
// Certs are required.
type Options struct {
	Namespaces *assets.Namespaces
	Store      *store.Store
	Ledger     proposal.Ledger
	Authorizer authz.Authorizer
	Certs      certification.CertificateSource
	Limits     upload.Limits
	// Mirror receives release artifacts after a release_upgrade. Optional.
	Mirror  artifacts.Store
	Metrics Metrics
	Now     func() time.Time
}

// Engine is the asset module. All methods are safe for concurrent use.
type Engine struct {
	mu sync.Mutex

	namespaces *assets.Namespaces
	store      *store.Store
	ledger     proposal.Ledger
	tree       *certification.Tree
	batches    *upload.Manager
	coord      *proposal.Coordinator
	responder  *responder.Responder
	authz      authz.Authorizer
	metrics    Metrics
	now        func() time.Time
	logger     *slog.Logger

	pendingRebuild bool
}

// New builds an engine and certifies the current content of the store.
func New(opts Options) (*Engine, error) {
	if opts.Namespaces == nil || opts.Store == nil || opts.Ledger == nil || opts.Authorizer == nil || opts.Certs == nil {
		return nil, errors.New("engine: namespaces, store, ledger, authorizer and certs are required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.Limits == (upload.Limits{}) {
		opts.Limits = upload.DefaultLimits()
	}

	e := &Engine{
		namespaces: opts.Namespaces,
		store:      opts.Store,
		ledger:     opts.Ledger,
		tree:       certification.New(opts.Namespaces, nil),
		batches:    upload.NewManager(opts.Limits, opts.Now),
		authz:      opts.Authorizer,
		metrics:    opts.Metrics,
		now:        opts.Now,
		logger:     slog.Default().With("component", "engine"),
	}
	e.coord = proposal.NewCoordinator(opts.Ledger, opts.Store, e.tree, e.batches, opts.Now)
	e.coord.Register(proposal.KindReleaseUpgrade, release.NewDeployer(opts.Namespaces, opts.Store, opts.Mirror, opts.Now))
	e.responder = responder.New(opts.Store, e.tree, opts.Certs, opts.Namespaces)

	if err := e.rebuildLocked(context.Background()); err != nil {
		return nil, err
	}
	return e, nil
}

// Namespaces returns the immutable namespace registry.
func (e *Engine) Namespaces() *assets.Namespaces {
	return e.namespaces
}

// authorize resolves the namespace and asks the authorizer. It runs without
// the engine lock.
func (e *Engine) authorize(ctx context.Context, caller authz.Caller, namespace string, action authz.Action) (*assets.Namespace, error) {
	ns, err := e.namespaces.Get(namespace)
	if err != nil {
		return nil, err
	}
	if err := e.authz.Authorize(ctx, caller, ns, action); err != nil {
		return nil, err
	}
	return ns, nil
}

// RootHash returns the current certified root.
func (e *Engine) RootHash() merkle.Hash {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tree.RootHash()
}

// Rebuild recomputes the certification tree from the store. It requires the
// admin action.
func (e *Engine) Rebuild(ctx context.Context, caller authz.Caller) error {
	if err := e.authz.Authorize(ctx, caller, nil, authz.ActionAdmin); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rebuildLocked(ctx)
}

func (e *Engine) rebuildLocked(ctx context.Context) error {
	snapshot, err := e.store.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot store: %w", err)
	}
	e.tree.Rebuild(snapshot, e.namespaces)
	e.pendingRebuild = false
	e.metrics.RecordRebuild(ctx, len(snapshot))
	return nil
}

// Tick is the scheduler hook: it consumes the pending-rebuild flag and
// releases expired batches.
func (e *Engine) Tick(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pendingRebuild {
		if err := e.rebuildLocked(ctx); err != nil {
			return err
		}
		e.logger.InfoContext(ctx, "pending certification rebuild done")
	}
	if n := e.batches.Sweep(); n > 0 {
		e.logger.InfoContext(ctx, "expired batches released", "count", n)
	}
	return nil
}

// PendingRebuild reports whether a restored state still awaits its rebuild.
func (e *Engine) PendingRebuild() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pendingRebuild
}

// ExportState captures the process state for persistence.
func (e *Engine) ExportState() *state.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := &state.State{
		SavedAt: e.now(),
		Fast:    e.store.ExportFast(),
		Batches: e.batches.Export(),
	}
	if mem, ok := e.ledger.(*proposal.MemoryLedger); ok {
		snap := mem.Export()
		st.Proposals = &snap
	}
	return st
}

// RestoreState installs a persisted process state. The certification tree
// is rebuilt by the next Tick, or earlier by the first request that needs it.
func (e *Engine) RestoreState(st *state.State) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.store.ImportFast(st.Fast); err != nil {
		return err
	}
	e.batches.Import(st.Batches)
	if st.Proposals != nil {
		mem, ok := e.ledger.(*proposal.MemoryLedger)
		if !ok {
			return errors.New("restore state: snapshot holds proposals but the ledger is not in memory")
		}
		mem.Import(*st.Proposals)
	}
	e.pendingRebuild = e.pendingRebuild || st.PendingRebuild
	e.logger.Info("process state restored", "saved_at", st.SavedAt, "pending_rebuild", e.pendingRebuild)
	return nil
}
