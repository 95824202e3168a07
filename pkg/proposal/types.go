// Package proposal implements the proposal lifecycle: staging a change set,
// locking it with a content hash, and promoting it to live in one atomic step.
package proposal

import (
	"errors"
	"time"

	"github.com/Mindburn-Labs/helm-assets/pkg/assets"
)

// Status is the lifecycle state of a proposal.
type Status string

const (
	StatusInitialized Status = "initialized"
	StatusOpen        Status = "open"
	StatusRejected    Status = "rejected"
	StatusAccepted    Status = "accepted"
	StatusExecuted    Status = "executed"
	StatusFailed      Status = "failed"
)

// transitions lists the legal successor states. Open may go straight to
// Failed when the committed hash does not match the staged set.
var transitions = map[Status][]Status{
	StatusInitialized: {StatusOpen, StatusRejected},
	StatusOpen:        {StatusAccepted, StatusRejected, StatusFailed},
	StatusAccepted:    {StatusExecuted, StatusFailed},
}

// CanTransition reports whether moving from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Staging reports whether assets may still be uploaded into the proposal.
func (s Status) Staging() bool {
	return s == StatusInitialized || s == StatusOpen
}

// Kind selects the deployment steps run around promotion.
type Kind string

const (
	KindAssetsUpgrade  Kind = "assets_upgrade"
	KindReleaseUpgrade Kind = "release_upgrade"
)

// Type describes what a proposal deploys.
type Type struct {
	Kind          Kind   `json:"kind"`
	Namespace     string `json:"namespace"`
	ClearExisting bool   `json:"clear_existing"`
}

// Proposal is the persisted record of one change set.
type Proposal struct {
	ID             uint64         `json:"id"`
	Owner          string         `json:"owner"`
	ExpectedSHA256 *assets.Digest `json:"expected_sha256,omitempty"`
	Status         Status         `json:"status"`
	Type           Type           `json:"type"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	ExecutedAt     *time.Time     `json:"executed_at,omitempty"`
	// Reason records why a proposal ended Failed.
	Reason  string `json:"reason,omitempty"`
	Version uint64 `json:"version"`
}

// Page selects a window of a listing.
type Page struct {
	Offset int
	Limit  int
}

// MaxPageSize caps Page.Limit.
const MaxPageSize = 100

// Normalize clamps a page into range.
func (p Page) Normalize() Page {
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Limit <= 0 || p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	return p
}

// ErrVersionConflict is returned when a proposal was updated concurrently.
var ErrVersionConflict = errors.New("proposal was modified concurrently")
