// Package certification maintains the hash trees that authenticate HTTP
// responses for live assets.
//
// Two trees are kept side by side. tree_v1 is a flat path -> body digest map
// understood by older verifiers. tree_v2 nests path segments and ends every
// path in an exact ("<$>") or wildcard ("<*>") terminator, followed by the
// expression hash and the response hash, so that rewrites, redirects,
// fallbacks and 404s are certified as well. Both trees are derived from the
// asset store and the namespace configuration and can be rebuilt at any time.
package certification

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/Mindburn-Labs/helm-assets/pkg/assets"
	"github.com/Mindburn-Labs/helm-assets/pkg/merkle"
)

const (
	LabelV1         = "http_assets"
	LabelV2         = "http_expr"
	LabelSignatures = "sig"

	ExactTerminator    = "<$>"
	WildcardTerminator = "<*>"
)

func init() {
	// Verifiers look labels up in a sorted fork; the signature subtree must
	// come last or lookups of unrelated paths stop resolving.
	if !(LabelV1 < LabelV2 && LabelV2 < LabelSignatures) {
		panic("certification: storage labels must sort before the signature label")
	}
}

// SignatureSource supplies the root of the signature tree that is forked
// next to the asset trees.
type SignatureSource interface {
	SignaturesRoot() merkle.Hash
}

// Tree is the certification state of one engine instance. It holds digests
// only, never asset bytes. Tree is not safe for concurrent use.
type Tree struct {
	v1   *merkle.Tree
	v2   *merkle.Tree
	sigs SignatureSource

	namespaces *assets.Namespaces
	virtual    virtualIndex
	real       map[string]pathEntry
	wildcards  map[string]Response
	logger     *slog.Logger
}

type virtualIndex struct {
	redirects          map[string]assets.Redirect
	rewrites           map[string]string
	rewritesByTarget   map[string][]string
	wildcardByFallback map[string][]string
}

// New returns an empty tree configured with the given namespaces. A nil
// SignatureSource contributes the empty-tree hash.
func New(namespaces *assets.Namespaces, sigs SignatureSource) *Tree {
	t := &Tree{sigs: sigs, logger: slog.Default().With("component", "certification")}
	t.reset(namespaces)
	return t
}

func (t *Tree) reset(namespaces *assets.Namespaces) {
	t.v1 = merkle.NewTree()
	t.v2 = merkle.NewTree()
	t.namespaces = namespaces
	t.real = make(map[string]pathEntry)
	t.wildcards = make(map[string]Response)
	t.virtual = virtualIndex{
		redirects:          make(map[string]assets.Redirect),
		rewrites:           make(map[string]string),
		rewritesByTarget:   make(map[string][]string),
		wildcardByFallback: make(map[string][]string),
	}
	hasRoot := false
	if namespaces != nil {
		for _, ns := range namespaces.All() {
			for _, rd := range ns.Redirects {
				t.virtual.redirects[rd.From] = rd
			}
			for _, rw := range ns.Rewrites {
				t.virtual.rewrites[rw.From] = rw.To
				t.virtual.rewritesByTarget[rw.To] = append(t.virtual.rewritesByTarget[rw.To], rw.From)
			}
			if ns.Fallback != "" {
				t.virtual.wildcardByFallback[ns.Fallback] = append(t.virtual.wildcardByFallback[ns.Fallback], ns.Prefix)
			}
			if ns.Prefix == "/" {
				hasRoot = true
			}
			t.refreshWildcard(ns.Prefix)
		}
	}
	if !hasRoot {
		t.refreshWildcard("/")
	}
	for source := range t.virtual.redirects {
		t.refresh(source)
	}
	for source := range t.virtual.rewrites {
		t.refresh(source)
	}
}

// Insert certifies every encoding of a live asset at its path and refreshes
// virtual entries that depend on it.
func (t *Tree) Insert(a *assets.Asset) {
	p := a.Key.FullPath
	if len(a.Encodings) == 0 {
		t.Remove(p)
		return
	}
	t.real[p] = assetEntry(a)
	t.refreshDependents(p)
}

// Remove drops the certification of a live asset. Virtual entries configured
// at the same path become visible again.
func (t *Tree) Remove(path string) {
	delete(t.real, path)
	t.refreshDependents(path)
}

func (t *Tree) refreshDependents(path string) {
	t.refresh(path)
	for _, source := range t.virtual.rewritesByTarget[path] {
		t.refresh(source)
	}
	for _, prefix := range t.virtual.wildcardByFallback[path] {
		t.refreshWildcard(prefix)
	}
}

// InsertRewrite certifies target's responses under source. A live asset at
// source keeps precedence and the call is ignored.
func (t *Tree) InsertRewrite(source string, target *assets.Asset) {
	if _, live := t.real[source]; live {
		return
	}
	t.put(source, assetEntry(target))
}

// InsertRedirect certifies a synthetic redirect at source. A live asset at
// source keeps precedence and the call is ignored.
func (t *Tree) InsertRedirect(source string, status int, location string) {
	if _, live := t.real[source]; live {
		return
	}
	t.put(source, pathEntry{responses: []Response{RedirectResponse(status, location)}})
}

// refresh recomputes the exact entry at path: live asset, then redirect,
// then rewrite.
func (t *Tree) refresh(path string) {
	if e, ok := t.real[path]; ok {
		t.put(path, e)
		return
	}
	if rd, ok := t.virtual.redirects[path]; ok {
		t.put(path, pathEntry{responses: []Response{RedirectResponse(rd.Status, rd.To)}})
		return
	}
	if target, ok := t.virtual.rewrites[path]; ok {
		if e, ok := t.real[target]; ok {
			t.put(path, e)
			return
		}
	}
	t.drop(path)
}

func (t *Tree) refreshWildcard(prefix string) {
	resp := NotFoundResponse()
	if t.namespaces != nil {
		if ns, ok := t.namespaces.Resolve(prefix); ok && ns.Prefix == prefix && ns.Fallback != "" {
			if e, ok := t.real[ns.Fallback]; ok && len(e.responses) > 0 {
				resp = e.responses[0]
			}
		}
	}
	base := wildcardPath(prefix)
	t.v2.Delete(base)
	t.v2.Insert(v2Leaf(base, resp), nil)
	t.wildcards[prefix] = resp
}

func (t *Tree) put(path string, e pathEntry) {
	t.drop(path)
	if e.v1 != nil {
		t.v1.Insert(merkle.Path(path), e.v1[:])
	}
	base := exactPath(path)
	for _, r := range e.responses {
		t.v2.Insert(v2Leaf(base, r), nil)
	}
}

func (t *Tree) drop(path string) {
	t.v1.Delete(merkle.Path(path))
	t.v2.Delete(exactPath(path))
}

// Rebuild recomputes both trees from an authoritative snapshot. Rebuilding
// twice from the same snapshot and namespaces yields the same root.
func (t *Tree) Rebuild(snapshot []*assets.Asset, namespaces *assets.Namespaces) {
	sorted := append([]*assets.Asset(nil), snapshot...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key.FullPath < sorted[j].Key.FullPath })

	t.reset(namespaces)
	for _, a := range sorted {
		t.Insert(a)
	}
	t.logger.Info("certification rebuilt", "assets", len(sorted), "root", fmt.Sprintf("%x", t.RootHash()))
}

// V1Root is the digest of tree_v1.
func (t *Tree) V1Root() merkle.Hash { return t.v1.Digest() }

// V2Root is the digest of tree_v2.
func (t *Tree) V2Root() merkle.Hash { return t.v2.Digest() }

// AssetsRoot combines the two asset trees under their labels.
func (t *Tree) AssetsRoot() merkle.Hash {
	return merkle.ForkHash(
		merkle.LabeledHash([]byte(LabelV1), t.v1.Digest()),
		merkle.LabeledHash([]byte(LabelV2), t.v2.Digest()),
	)
}

// RootHash forks the asset root with the signature tree root. This is the
// value the host certifies.
func (t *Tree) RootHash() merkle.Hash {
	return merkle.ForkHash(t.AssetsRoot(), merkle.LabeledHash([]byte(LabelSignatures), t.signaturesRoot()))
}

func (t *Tree) signaturesRoot() merkle.Hash {
	if t.sigs == nil {
		return merkle.EmptyHash()
	}
	return t.sigs.SignaturesRoot()
}

// HasExact reports whether tree_v2 holds an exact entry for path.
func (t *Tree) HasExact(path string) bool {
	return len(t.v2.Labels(exactPath(path))) > 0
}

// Wildcard returns the longest certified wildcard prefix covering path and the
// response certified there.
func (t *Tree) Wildcard(path string) (string, Response) {
	for _, prefix := range wildcardCandidates(path) {
		if r, ok := t.wildcards[prefix]; ok {
			return prefix, r
		}
	}
	return "/", NotFoundResponse()
}

// SignatureTree adapts a merkle.Tree as a SignatureSource.
type SignatureTree struct {
	Tree *merkle.Tree
}

func (s SignatureTree) SignaturesRoot() merkle.Hash {
	return s.Tree.Digest()
}
