package merkle

import (
	"sort"
)

// Tree is a mutable nested label map whose terminal nodes are leaves. Labels
// at each level are kept in byte order and folded into a balanced fork
// structure, so two trees with the same contents always share a digest
// regardless of insertion order.
//
// Tree is not safe for concurrent use.
type Tree struct {
	root *node
}

type node struct {
	leaf     bool
	value    []byte
	children map[string]*node
	labels   []string
	sorted   bool
	digest   Hash
	fresh    bool
}

func newMapNode() *node {
	return &node{children: make(map[string]*node)}
}

// NewTree returns an empty tree.
func NewTree() *Tree {
	return &Tree{root: newMapNode()}
}

// Insert stores value at path, replacing whatever was there.
func (t *Tree) Insert(path [][]byte, value []byte) {
	if len(path) == 0 {
		return
	}
	n := t.root
	for _, label := range path[:len(path)-1] {
		n.fresh = false
		child, ok := n.children[string(label)]
		if !ok || child.leaf {
			child = newMapNode()
			n.setChild(string(label), child)
		}
		n = child
	}
	n.fresh = false
	n.setChild(string(path[len(path)-1]), &node{leaf: true, value: append([]byte(nil), value...)})
}

// Delete removes the node at path together with its subtree, then removes
// any ancestors left empty. It reports whether something was removed.
func (t *Tree) Delete(path [][]byte) bool {
	if len(path) == 0 {
		return false
	}
	return t.root.delete(path)
}

func (n *node) delete(path [][]byte) bool {
	if n.leaf {
		return false
	}
	label := string(path[0])
	child, ok := n.children[label]
	if !ok {
		return false
	}
	if len(path) > 1 {
		if !child.delete(path[1:]) {
			return false
		}
		if child.leaf || len(child.children) > 0 {
			n.fresh = false
			return true
		}
	}
	delete(n.children, label)
	n.sorted = false
	n.fresh = false
	return true
}

// Get returns the leaf value stored at path.
func (t *Tree) Get(path [][]byte) ([]byte, bool) {
	n := t.root
	for _, label := range path {
		if n.leaf {
			return nil, false
		}
		child, ok := n.children[string(label)]
		if !ok {
			return nil, false
		}
		n = child
	}
	if !n.leaf {
		return nil, false
	}
	return n.value, true
}

// Labels lists the child labels at path in byte order.
func (t *Tree) Labels(path [][]byte) []string {
	n := t.root
	for _, label := range path {
		if n.leaf {
			return nil
		}
		child, ok := n.children[string(label)]
		if !ok {
			return nil
		}
		n = child
	}
	if n.leaf {
		return nil
	}
	return append([]string(nil), n.sortedLabels()...)
}

// Digest is the root hash of the tree.
func (t *Tree) Digest() Hash {
	return t.root.hash()
}

// Full returns the unpruned HashTree.
func (t *Tree) Full() *HashTree {
	return t.root.full()
}

// Witness returns a pruned HashTree revealing each requested path. For a path
// that does not exist, the labels around the first missing label are revealed
// so the absence can be verified.
func (t *Tree) Witness(paths ...[][]byte) *HashTree {
	return t.root.witness(paths)
}

func (n *node) setChild(label string, child *node) {
	if _, ok := n.children[label]; !ok {
		n.sorted = false
	}
	n.children[label] = child
}

func (n *node) sortedLabels() []string {
	if !n.sorted {
		n.labels = n.labels[:0]
		for l := range n.children {
			n.labels = append(n.labels, l)
		}
		sort.Strings(n.labels)
		n.sorted = true
	}
	return n.labels
}

func (n *node) hash() Hash {
	if n.leaf {
		return LeafHash(n.value)
	}
	if !n.fresh {
		labels := n.sortedLabels()
		if len(labels) == 0 {
			n.digest = EmptyHash()
		} else {
			n.digest = n.rangeHash(labels, 0, len(labels))
		}
		n.fresh = true
	}
	return n.digest
}

func (n *node) rangeHash(labels []string, lo, hi int) Hash {
	if hi-lo == 1 {
		return LabeledHash([]byte(labels[lo]), n.children[labels[lo]].hash())
	}
	mid := lo + (hi-lo)/2
	return ForkHash(n.rangeHash(labels, lo, mid), n.rangeHash(labels, mid, hi))
}

func (n *node) full() *HashTree {
	if n.leaf {
		return Leaf(n.value)
	}
	labels := n.sortedLabels()
	if len(labels) == 0 {
		return Empty()
	}
	var build func(lo, hi int) *HashTree
	build = func(lo, hi int) *HashTree {
		if hi-lo == 1 {
			return Labeled([]byte(labels[lo]), n.children[labels[lo]].full())
		}
		mid := lo + (hi-lo)/2
		return Fork(build(lo, mid), build(mid, hi))
	}
	return build(0, len(labels))
}

func (n *node) witness(paths [][][]byte) *HashTree {
	if n.leaf {
		return Leaf(n.value)
	}
	for _, p := range paths {
		if len(p) == 0 {
			return n.full()
		}
	}
	labels := n.sortedLabels()
	if len(labels) == 0 {
		return Empty()
	}

	reveal := make(map[int][][][]byte)
	for _, p := range paths {
		label := string(p[0])
		i := sort.SearchStrings(labels, label)
		if i < len(labels) && labels[i] == label {
			reveal[i] = append(reveal[i], p[1:])
			continue
		}
		if i > 0 {
			if _, ok := reveal[i-1]; !ok {
				reveal[i-1] = nil
			}
		}
		if i < len(labels) {
			if _, ok := reveal[i]; !ok {
				reveal[i] = nil
			}
		}
	}

	var build func(lo, hi int) *HashTree
	build = func(lo, hi int) *HashTree {
		kept := false
		for i := range reveal {
			if i >= lo && i < hi {
				kept = true
				break
			}
		}
		if !kept {
			return Pruned(n.rangeHash(labels, lo, hi))
		}
		if hi-lo == 1 {
			child := n.children[labels[lo]]
			if rests := reveal[lo]; len(rests) > 0 {
				return Labeled([]byte(labels[lo]), child.witness(rests))
			}
			return Labeled([]byte(labels[lo]), Pruned(child.hash()))
		}
		mid := lo + (hi-lo)/2
		return Fork(build(lo, mid), build(mid, hi))
	}
	return build(0, len(labels))
}

// Path is a convenience constructor for a label path.
func Path(labels ...string) [][]byte {
	out := make([][]byte, len(labels))
	for i, l := range labels {
		out[i] = []byte(l)
	}
	return out
}
