package assets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Tier selects the storage backend of a namespace.
type Tier string

const (
	// TierFast keeps records and chunks in process memory, persisted with the
	// process state snapshot.
	TierFast Tier = "fast"
	// TierDurable keeps records and chunks in the ordered on-disk store.
	TierDurable Tier = "durable"
)

// Valid reports whether t is one of the two supported tiers.
func (t Tier) Valid() bool {
	return t == TierFast || t == TierDurable
}

// Rewrite serves the asset at To under the path From.
type Rewrite struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to"`
}

// Redirect answers From with a bodiless status + Location response.
type Redirect struct {
	From   string `yaml:"from" json:"from"`
	To     string `yaml:"to" json:"to"`
	Status int    `yaml:"status" json:"status"`
}

// Namespace groups assets that share one access rule and one storage tier.
type Namespace struct {
	Name   string `yaml:"name" json:"name"`
	Prefix string `yaml:"prefix" json:"prefix"`
	Tier   Tier   `yaml:"tier" json:"tier"`
	// Rule is a CEL expression deciding write access. Empty means owners only.
	Rule         string     `yaml:"rule,omitempty" json:"rule,omitempty"`
	Owners       []string   `yaml:"owners,omitempty" json:"owners,omitempty"`
	Fallback     string     `yaml:"fallback,omitempty" json:"fallback,omitempty"`
	ReleaseKinds []string   `yaml:"release_kinds,omitempty" json:"release_kinds,omitempty"`
	Rewrites     []Rewrite  `yaml:"rewrites,omitempty" json:"rewrites,omitempty"`
	Redirects    []Redirect `yaml:"redirects,omitempty" json:"redirects,omitempty"`

	releasePattern *regexp.Regexp
}

// IsRelease reports whether the namespace holds release artifacts.
func (ns *Namespace) IsRelease() bool {
	return len(ns.ReleaseKinds) > 0
}

// ReleasePattern matches the artifact paths this namespace accepts.
func (ns *Namespace) ReleasePattern() *regexp.Regexp {
	return ns.releasePattern
}

func (ns *Namespace) compile() error {
	if !ns.IsRelease() {
		return nil
	}
	kinds := make([]string, len(ns.ReleaseKinds))
	for i, k := range ns.ReleaseKinds {
		if !regexp.MustCompile(`^[a-z0-9_]+$`).MatchString(k) {
			return fmt.Errorf("namespace %s: invalid release kind %q", ns.Name, k)
		}
		kinds[i] = k
	}
	ns.releasePattern = regexp.MustCompile(`^/releases/(` + strings.Join(kinds, "|") + `)-v\d+\.\d+\.\d+\.wasm\.gz$`)
	return nil
}

// Namespaces is the immutable registry of configured namespaces.
type Namespaces struct {
	byName   map[string]*Namespace
	byPrefix []*Namespace
}

// NewNamespaces validates the declarations and indexes them for lookup.
func NewNamespaces(list []Namespace) (*Namespaces, error) {
	reg := &Namespaces{byName: make(map[string]*Namespace, len(list))}
	prefixes := make(map[string]string)
	for i := range list {
		ns := list[i]
		if ns.Name == "" {
			return nil, fmt.Errorf("namespace %d: name is required", i)
		}
		if ns.Name == MetadataNamespace {
			return nil, fmt.Errorf("namespace %s: name is reserved", ns.Name)
		}
		if _, dup := reg.byName[ns.Name]; dup {
			return nil, fmt.Errorf("namespace %s: declared twice", ns.Name)
		}
		if ns.Tier == "" {
			ns.Tier = TierDurable
		}
		if !ns.Tier.Valid() {
			return nil, fmt.Errorf("namespace %s: unknown tier %q", ns.Name, ns.Tier)
		}
		if !strings.HasPrefix(ns.Prefix, "/") || !strings.HasSuffix(ns.Prefix, "/") {
			return nil, fmt.Errorf("namespace %s: prefix %q must start and end with /", ns.Name, ns.Prefix)
		}
		if other, dup := prefixes[ns.Prefix]; dup {
			return nil, fmt.Errorf("namespace %s: prefix %q already used by %s", ns.Name, ns.Prefix, other)
		}
		prefixes[ns.Prefix] = ns.Name
		if err := ns.compile(); err != nil {
			return nil, err
		}
		for _, rw := range ns.Rewrites {
			if !strings.HasPrefix(rw.From, ns.Prefix) {
				return nil, fmt.Errorf("namespace %s: rewrite source %q outside prefix", ns.Name, rw.From)
			}
		}
		for _, rd := range ns.Redirects {
			if !strings.HasPrefix(rd.From, ns.Prefix) {
				return nil, fmt.Errorf("namespace %s: redirect source %q outside prefix", ns.Name, rd.From)
			}
			if rd.Status < 300 || rd.Status > 399 {
				return nil, fmt.Errorf("namespace %s: redirect %q has non-3xx status %d", ns.Name, rd.From, rd.Status)
			}
		}
		reg.byName[ns.Name] = &ns
		reg.byPrefix = append(reg.byPrefix, &ns)
	}
	sort.Slice(reg.byPrefix, func(i, j int) bool {
		return len(reg.byPrefix[i].Prefix) > len(reg.byPrefix[j].Prefix)
	})
	return reg, nil
}

// Get returns the namespace with the given name.
func (r *Namespaces) Get(name string) (*Namespace, error) {
	ns, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("namespace %q: %w", name, ErrNotFound)
	}
	return ns, nil
}

// Resolve returns the namespace whose prefix is the longest match for path.
func (r *Namespaces) Resolve(path string) (*Namespace, bool) {
	for _, ns := range r.byPrefix {
		if strings.HasPrefix(path, ns.Prefix) || path+"/" == ns.Prefix {
			return ns, true
		}
	}
	return nil, false
}

// TierOf returns the tier of a namespace, defaulting to durable for unknown names.
func (r *Namespaces) TierOf(name string) Tier {
	if ns, ok := r.byName[name]; ok {
		return ns.Tier
	}
	return TierDurable
}

// All returns the namespaces ordered by name.
func (r *Namespaces) All() []*Namespace {
	out := make([]*Namespace, 0, len(r.byName))
	for _, ns := range r.byName {
		out = append(out, ns)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ValidateWritePath normalizes path and checks that it may be written in the
// named namespace.
func (r *Namespaces) ValidateWritePath(namespace, path string) (string, error) {
	ns, err := r.Get(namespace)
	if err != nil {
		return "", err
	}
	p, err := NormalizePath(path)
	if err != nil {
		return "", err
	}
	if p == MetadataPath {
		return "", fmt.Errorf("%w: %s is read-only", ErrInvalidPath, p)
	}
	owner, ok := r.Resolve(p)
	if !ok || owner.Name != ns.Name {
		return "", fmt.Errorf("%w: %s is outside namespace %s", ErrInvalidPath, p, ns.Name)
	}
	if ns.IsRelease() && !ns.releasePattern.MatchString(p) {
		return "", fmt.Errorf("%w: %s is not a release artifact path", ErrInvalidPath, p)
	}
	return p, nil
}
