// Package state persists the process state that lives outside the durable
// stores: the fast tier, open upload batches and, when proposals are kept in
// memory, the proposal ledger. The certification tree is never persisted;
// a restored state asks for a rebuild instead.
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Mindburn-Labs/helm-assets/pkg/codec"
	"github.com/Mindburn-Labs/helm-assets/pkg/proposal"
	"github.com/Mindburn-Labs/helm-assets/pkg/store"
	"github.com/Mindburn-Labs/helm-assets/pkg/upload"
)

// FormatVersion is bumped when the snapshot layout changes incompatibly.
const FormatVersion = 1

// State is the explicit process state of one engine instance.
type State struct {
	Version   uint32                   `cbor:"1,keyasint"`
	SavedAt   time.Time                `cbor:"2,keyasint"`
	Fast      store.FastSnapshot       `cbor:"3,keyasint"`
	Batches   upload.Snapshot          `cbor:"4,keyasint"`
	Proposals *proposal.MemorySnapshot `cbor:"5,keyasint,omitempty"`
	// PendingRebuild is raised when a state is restored and cleared by the
	// scheduler once the certification tree was rebuilt.
	PendingRebuild bool `cbor:"6,keyasint"`
}

// Save writes st to path atomically.
func Save(path string, st *State) error {
	st.Version = FormatVersion
	data, err := codec.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".state-*")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("install state: %w", err)
	}
	return nil
}

// Load reads the state at path. A missing file yields (nil, nil). A loaded
// state always has PendingRebuild set.
func Load(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	var st State
	if err := codec.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if st.Version != FormatVersion {
		return nil, fmt.Errorf("state format %d, want %d", st.Version, FormatVersion)
	}
	st.PendingRebuild = true
	return &st, nil
}
