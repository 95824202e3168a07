package engine

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/helm-assets/pkg/assets"
	"github.com/Mindburn-Labs/helm-assets/pkg/authz"
	"github.com/Mindburn-Labs/helm-assets/pkg/proposal"
)

// InitProposal opens a proposal owned by caller.
func (e *Engine) InitProposal(ctx context.Context, caller authz.Caller, typ proposal.Type) (proposal.Proposal, error) {
	ns, err := e.authorize(ctx, caller, typ.Namespace, authz.ActionWrite)
	if err != nil {
		return proposal.Proposal{}, err
	}
	if typ.Kind == proposal.KindReleaseUpgrade && !ns.IsRelease() {
		return proposal.Proposal{}, fmt.Errorf("%w: namespace %s does not hold releases", assets.ErrInvalidArgument, ns.Name)
	}
	if typ.Kind != proposal.KindReleaseUpgrade && ns.IsRelease() {
		return proposal.Proposal{}, fmt.Errorf("%w: namespace %s takes release proposals only", assets.ErrInvalidArgument, ns.Name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.coord.Init(ctx, caller.ID, typ)
	if err != nil {
		return proposal.Proposal{}, err
	}
	e.metrics.RecordProposal(ctx, string(typ.Kind), string(p.Status))
	return p, nil
}

// GetProposal returns one proposal.
func (e *Engine) GetProposal(ctx context.Context, id uint64) (proposal.Proposal, error) {
	return e.coord.Get(ctx, id)
}

// ListProposals returns a page of proposals and the total count.
func (e *Engine) ListProposals(ctx context.Context, page proposal.Page) ([]proposal.Proposal, int, error) {
	return e.coord.List(ctx, page)
}

// authorizeProposal loads proposal id and checks write access to its
// namespace.
func (e *Engine) authorizeProposal(ctx context.Context, caller authz.Caller, id uint64) error {
	p, err := e.coord.Get(ctx, id)
	if err != nil {
		return err
	}
	_, err = e.authorize(ctx, caller, p.Type.Namespace, authz.ActionWrite)
	return err
}

type proposalStep func(ctx context.Context, id uint64) (proposal.Proposal, error)

func (e *Engine) runProposal(ctx context.Context, caller authz.Caller, id uint64, step proposalStep) (proposal.Proposal, error) {
	if err := e.authorizeProposal(ctx, caller, id); err != nil {
		return proposal.Proposal{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := step(ctx, id)
	if p.ID != 0 {
		e.metrics.RecordProposal(ctx, string(p.Type.Kind), string(p.Status))
	}
	return p, err
}

// SubmitProposal records the staged-set hash and opens the proposal.
func (e *Engine) SubmitProposal(ctx context.Context, caller authz.Caller, id uint64) (proposal.Proposal, error) {
	return e.runProposal(ctx, caller, id, e.coord.Submit)
}

// CommitProposal promotes the staged set when it still hashes to sum. A
// mismatch leaves the proposal Failed and the live store untouched.
func (e *Engine) CommitProposal(ctx context.Context, caller authz.Caller, id uint64, sum assets.Digest) (proposal.Proposal, error) {
	return e.runProposal(ctx, caller, id, func(ctx context.Context, id uint64) (proposal.Proposal, error) {
		return e.coord.Commit(ctx, id, sum)
	})
}

// RejectProposal closes a proposal without deploying it.
func (e *Engine) RejectProposal(ctx context.Context, caller authz.Caller, id uint64) (proposal.Proposal, error) {
	return e.runProposal(ctx, caller, id, e.coord.Reject)
}

// DeleteProposalAssets discards the staged assets of the given proposals.
func (e *Engine) DeleteProposalAssets(ctx context.Context, caller authz.Caller, ids []uint64) (int, error) {
	for _, id := range ids {
		if err := e.authorizeProposal(ctx, caller, id); err != nil {
			return 0, err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	n, err := e.coord.DeleteAssets(ctx, ids)
	if err != nil {
		return n, err
	}
	e.logger.InfoContext(ctx, "staged assets discarded", "proposals", ids, "assets", n)
	return n, nil
}
