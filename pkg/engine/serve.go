package engine

import (
	"context"

	"github.com/Mindburn-Labs/helm-assets/pkg/responder"
)

// Serve answers an asset request. A rebuild left pending by RestoreState is
// done first so the response is certified against the restored content.
func (e *Engine) Serve(ctx context.Context, req responder.Request) (responder.Response, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pendingRebuild {
		if err := e.rebuildLocked(ctx); err != nil {
			return responder.Response{}, err
		}
	}
	return e.responder.Serve(req)
}

// Stream returns the chunk a continuation token points at.
func (e *Engine) Stream(_ context.Context, tok responder.Token) (responder.Response, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.responder.Stream(tok)
}
