// Package merkle implements labeled hash trees and their pruned witnesses.
//
// A HashTree is built from five node kinds: Empty, Fork, Labeled, Leaf and
// Pruned. Every node hashes to a domain-separated SHA-256 digest, so a
// witness in which uninteresting subtrees are replaced by their Pruned digest
// reconstructs to the same root as the full tree.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Hash is a node digest.
type Hash = [32]byte

// Kind discriminates HashTree nodes. The numeric values are the CBOR tags of
// the wire form.
type Kind uint8

const (
	KindEmpty Kind = iota
	KindFork
	KindLabeled
	KindLeaf
	KindPruned
)

const (
	domainEmpty   = "helm:hashtree:empty:v1"
	domainFork    = "helm:hashtree:fork:v1"
	domainLabeled = "helm:hashtree:labeled:v1"
	domainLeaf    = "helm:hashtree:leaf:v1"
)

// HashTree is an immutable, possibly pruned, labeled hash tree.
type HashTree struct {
	Kind  Kind
	Left  *HashTree // fork left, or the labeled child
	Right *HashTree // fork right
	Label []byte
	Value []byte // leaf contents
	Hash  Hash   // pruned digest
}

func Empty() *HashTree              { return &HashTree{Kind: KindEmpty} }
func Fork(l, r *HashTree) *HashTree { return &HashTree{Kind: KindFork, Left: l, Right: r} }
func Labeled(label []byte, t *HashTree) *HashTree {
	return &HashTree{Kind: KindLabeled, Label: label, Left: t}
}
func Leaf(v []byte) *HashTree { return &HashTree{Kind: KindLeaf, Value: v} }
func Pruned(h Hash) *HashTree { return &HashTree{Kind: KindPruned, Hash: h} }

// Digest reconstructs the root hash of the tree.
func (t *HashTree) Digest() Hash {
	switch t.Kind {
	case KindEmpty:
		return EmptyHash()
	case KindFork:
		return ForkHash(t.Left.Digest(), t.Right.Digest())
	case KindLabeled:
		return LabeledHash(t.Label, t.Left.Digest())
	case KindLeaf:
		return LeafHash(t.Value)
	default:
		return t.Hash
	}
}

func domainHash(domain string, parts ...[]byte) Hash {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0})
	for _, p := range parts {
		h.Write(p)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

func EmptyHash() Hash { return domainHash(domainEmpty) }

func ForkHash(l, r Hash) Hash { return domainHash(domainFork, l[:], r[:]) }

// LabeledHash length-prefixes the label so label and child bytes cannot alias.
func LabeledHash(label []byte, child Hash) Hash {
	n := []byte{byte(len(label) >> 8), byte(len(label))}
	return domainHash(domainLabeled, n, label, child[:])
}

func LeafHash(v []byte) Hash { return domainHash(domainLeaf, v) }

// LookupStatus is the outcome of looking a path up in a (pruned) tree.
type LookupStatus int

const (
	// Found means the path leads to a revealed leaf.
	Found LookupStatus = iota
	// Absent means the tree proves no node exists at the path.
	Absent
	// Unknown means the relevant part of the tree was pruned.
	Unknown
	// Invalid means the path ends on something other than a leaf.
	Invalid
)

type labelResult int

const (
	labelFound labelResult = iota
	labelAbsent
	labelUnknown
	labelLess
	labelGreater
)

// Lookup walks path through labeled nodes and returns the leaf value on success.
func (t *HashTree) Lookup(path ...[]byte) (LookupStatus, []byte) {
	if len(path) == 0 {
		switch t.Kind {
		case KindLeaf:
			return Found, t.Value
		case KindPruned:
			return Unknown, nil
		default:
			return Invalid, nil
		}
	}
	res, child := findLabel(path[0], t)
	switch res {
	case labelFound:
		return child.Lookup(path[1:]...)
	case labelUnknown:
		return Unknown, nil
	default:
		return Absent, nil
	}
}

func findLabel(label []byte, t *HashTree) (labelResult, *HashTree) {
	switch t.Kind {
	case KindLabeled:
		switch c := bytes.Compare(label, t.Label); {
		case c == 0:
			return labelFound, t.Left
		case c < 0:
			return labelLess, nil
		default:
			return labelGreater, nil
		}
	case KindFork:
		left, child := findLabel(label, t.Left)
		switch left {
		case labelGreater:
			right, child := findLabel(label, t.Right)
			if right == labelLess {
				return labelAbsent, nil
			}
			return right, child
		case labelUnknown:
			right, child := findLabel(label, t.Right)
			if right == labelLess {
				return labelUnknown, nil
			}
			return right, child
		default:
			return left, child
		}
	case KindPruned:
		return labelUnknown, nil
	default:
		return labelAbsent, nil
	}
}

// ErrMalformed is returned when decoding a tree that is not well formed.
var ErrMalformed = errors.New("malformed hash tree")

// MarshalCBOR encodes the tree as nested arrays: [0], [1,l,r], [2,label,t],
// [3,value] and [4,hash].
func (t *HashTree) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(t.toArray())
}

func (t *HashTree) toArray() []any {
	switch t.Kind {
	case KindFork:
		return []any{uint8(KindFork), t.Left.toArray(), t.Right.toArray()}
	case KindLabeled:
		return []any{uint8(KindLabeled), t.Label, t.Left.toArray()}
	case KindLeaf:
		return []any{uint8(KindLeaf), t.Value}
	case KindPruned:
		return []any{uint8(KindPruned), t.Hash[:]}
	default:
		return []any{uint8(KindEmpty)}
	}
}

// UnmarshalCBOR decodes the array form written by MarshalCBOR.
func (t *HashTree) UnmarshalCBOR(data []byte) error {
	var raw []any
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	parsed, err := fromArray(raw, 0)
	if err != nil {
		return err
	}
	*t = *parsed
	return nil
}

const maxDepth = 128

func fromArray(raw []any, depth int) (*HashTree, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: nesting deeper than %d", ErrMalformed, maxDepth)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty node", ErrMalformed)
	}
	tag, ok := raw[0].(uint64)
	if !ok {
		return nil, fmt.Errorf("%w: node tag is %T", ErrMalformed, raw[0])
	}
	child := func(v any) (*HashTree, error) {
		arr, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: child is %T", ErrMalformed, v)
		}
		return fromArray(arr, depth+1)
	}
	blob := func(v any) ([]byte, error) {
		b, ok := v.([]byte)
		if !ok {
			return nil, fmt.Errorf("%w: expected bytes, got %T", ErrMalformed, v)
		}
		return b, nil
	}
	switch Kind(tag) {
	case KindEmpty:
		if len(raw) != 1 {
			break
		}
		return Empty(), nil
	case KindFork:
		if len(raw) != 3 {
			break
		}
		l, err := child(raw[1])
		if err != nil {
			return nil, err
		}
		r, err := child(raw[2])
		if err != nil {
			return nil, err
		}
		return Fork(l, r), nil
	case KindLabeled:
		if len(raw) != 3 {
			break
		}
		label, err := blob(raw[1])
		if err != nil {
			return nil, err
		}
		c, err := child(raw[2])
		if err != nil {
			return nil, err
		}
		return Labeled(label, c), nil
	case KindLeaf:
		if len(raw) != 2 {
			break
		}
		v, err := blob(raw[1])
		if err != nil {
			return nil, err
		}
		return Leaf(v), nil
	case KindPruned:
		if len(raw) != 2 {
			break
		}
		v, err := blob(raw[1])
		if err != nil {
			return nil, err
		}
		if len(v) != 32 {
			return nil, fmt.Errorf("%w: pruned digest of %d bytes", ErrMalformed, len(v))
		}
		var h Hash
		copy(h[:], v)
		return Pruned(h), nil
	}
	return nil, fmt.Errorf("%w: tag %d with %d fields", ErrMalformed, tag, len(raw))
}
